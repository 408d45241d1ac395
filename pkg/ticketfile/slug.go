package ticketfile

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"
)

// Slug bounds for ticket file names.
const (
	MinSlugLen = 3
	MaxSlugLen = 50
)

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// ValidateSlug checks a ticket slug: lowercase alphanumeric tokens joined by
// single hyphens, no leading/trailing hyphen, length 3-50.
func ValidateSlug(slug string) error {
	if len(slug) < MinSlugLen || len(slug) > MaxSlugLen {
		return fmt.Errorf("slug must be %d-%d characters, got %d", MinSlugLen, MaxSlugLen, len(slug))
	}
	if !slugPattern.MatchString(slug) {
		return fmt.Errorf("slug must be lowercase alphanumeric tokens separated by single hyphens")
	}
	return nil
}

// Slugify derives a file slug from a ticket title: lowercased, runs of
// non-alphanumerics collapsed to single hyphens, truncated to MaxSlugLen.
func Slugify(title string) string {
	var b strings.Builder
	lastHyphen := true // suppress a leading hyphen
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	slug := strings.TrimRight(b.String(), "-")
	if len(slug) > MaxSlugLen {
		slug = strings.TrimRight(slug[:MaxSlugLen], "-")
	}
	if slug == "" {
		return "ticket"
	}
	return slug
}

// Prefix returns the grouping prefix of a slug: its first hyphen-separated
// token when there are at least two, otherwise "". "auth-login-form" groups
// under "auth"; a single-token slug has no group.
func Prefix(slug string) string {
	i := strings.IndexByte(slug, '-')
	if i <= 0 {
		return ""
	}
	return slug[:i]
}

// SlugFromName strips the .md extension from a ticket file name.
func SlugFromName(name string) string {
	return strings.TrimSuffix(name, ".md")
}

// ReadTitle extracts a ticket's title from its file: the first level-one
// markdown heading, or a title derived from the file name when no heading
// exists.
func ReadTitle(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return TitleFromName(path)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if after, ok := strings.CutPrefix(line, "# "); ok {
			if title := strings.TrimSpace(after); title != "" {
				return title
			}
		}
		if line != "" {
			break // only a leading heading counts as the title
		}
	}
	return TitleFromName(path)
}

// TitleFromName derives a human title from a ticket file path:
// "auth-login-form.md" becomes "Auth login form".
func TitleFromName(path string) string {
	name := SlugFromName(filepath.Base(path))
	title := strings.ReplaceAll(name, "-", " ")
	runes := []rune(title)
	if len(runes) > 0 {
		runes[0] = unicode.ToUpper(runes[0])
	}
	return string(runes)
}
