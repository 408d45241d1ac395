// Package ticketfile owns the on-disk half of tickets: markdown files under
// each project's tickets directory, plus the fsnotify watcher that keeps the
// database in sync with outside edits.
//
// All paths stored on ticket rows are relative to the project repo; every
// filesystem touch goes through SecureJoin so a crafted file_path can never
// escape the repository.
package ticketfile

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrPathTraversal is returned when a ticket path would resolve outside the
// project repository.
var ErrPathTraversal = errors.New("path escapes project directory")

// Dir returns the absolute tickets directory for a project.
func Dir(repoPath, ticketsPath string) string {
	return filepath.Join(repoPath, ticketsPath)
}

// SecureJoin resolves rel against root and rejects any result outside root.
func SecureJoin(root, rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("%q: %w", rel, ErrPathTraversal)
	}
	cleanRoot := filepath.Clean(root)
	abs := filepath.Join(cleanRoot, rel)
	if abs != cleanRoot && !strings.HasPrefix(abs, cleanRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("%q: %w", rel, ErrPathTraversal)
	}
	return abs, nil
}

// ReadContent returns the markdown body of a ticket file.
func ReadContent(root, rel string) (string, error) {
	path, err := SecureJoin(root, rel)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read ticket file: %w", err)
	}
	return string(data), nil
}

// WriteContent replaces the markdown body of a ticket file, creating parent
// directories as needed.
func WriteContent(root, rel, content string) error {
	path, err := SecureJoin(root, rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create tickets directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write ticket file: %w", err)
	}
	return nil
}

// CreateFile writes a new ticket file, failing with fs.ErrExist if a file is
// already present at the path.
func CreateFile(root, rel, content string) error {
	path, err := SecureJoin(root, rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create tickets directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create ticket file: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("failed to write ticket file: %w", err)
	}
	return nil
}

// Exists reports whether a ticket file is present at the path.
func Exists(root, rel string) (bool, error) {
	path, err := SecureJoin(root, rel)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat ticket file: %w", err)
	}
	return true, nil
}

// Rename moves a ticket file, failing with fs.ErrExist if the destination is
// already taken.
func Rename(root, oldRel, newRel string) error {
	oldPath, err := SecureJoin(root, oldRel)
	if err != nil {
		return err
	}
	newPath, err := SecureJoin(root, newRel)
	if err != nil {
		return err
	}
	if oldPath == newPath {
		return nil
	}
	if _, err := os.Stat(newPath); err == nil {
		return fmt.Errorf("%q: %w", newRel, fs.ErrExist)
	}
	if err := os.Rename(oldPath, newPath); err != nil {
		return fmt.Errorf("failed to rename ticket file: %w", err)
	}
	return nil
}

// Remove deletes a ticket file. A missing file is not an error: deleting a
// ticket whose file was already removed by hand should still succeed.
func Remove(root, rel string) error {
	path, err := SecureJoin(root, rel)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove ticket file: %w", err)
	}
	return nil
}

// ListMarkdown returns the markdown file names directly under dir, sorted.
// A missing directory yields an empty list.
func ListMarkdown(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read tickets directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}
