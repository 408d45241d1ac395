// Maestro orchestrator server — supervises assistant sessions in tmux
// panes, drives the ticket board, and serves the HTTP/WebSocket API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/sessionworks/maestro/pkg/api"
	"github.com/sessionworks/maestro/pkg/cleanup"
	"github.com/sessionworks/maestro/pkg/config"
	"github.com/sessionworks/maestro/pkg/database"
	"github.com/sessionworks/maestro/pkg/detector"
	"github.com/sessionworks/maestro/pkg/events"
	"github.com/sessionworks/maestro/pkg/handoff"
	"github.com/sessionworks/maestro/pkg/models"
	"github.com/sessionworks/maestro/pkg/notifier"
	"github.com/sessionworks/maestro/pkg/reviewer"
	"github.com/sessionworks/maestro/pkg/services"
	"github.com/sessionworks/maestro/pkg/supervisor"
	"github.com/sessionworks/maestro/pkg/ticketfile"
	"github.com/sessionworks/maestro/pkg/tmux"
	"github.com/sessionworks/maestro/pkg/tracker"
)

const watcherDebounce = 500 * time.Millisecond

func main() {
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := BuildApp(Deps{RunServer: serve})
	if err := app.RunContext(rootCtx, os.Args); err != nil {
		slog.Error("maestro failed", "error", err)
		os.Exit(1)
	}
}

// serve wires the full orchestrator and blocks until ctx is cancelled or
// the HTTP listener fails. Construction order matters: shutdown walks it
// in reverse.
func serve(ctx context.Context, configDir string) error {
	// Load .env from the config directory
	envPath := filepath.Join(configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	// 1. Configuration
	cfg, err := config.Initialize(ctx, configDir)
	if err != nil {
		return fmt.Errorf("initialize configuration: %w", err)
	}

	// 2. Database (runs migrations)
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		return fmt.Errorf("load database config: %w", err)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	// 3. Domain services
	projects := services.NewProjectService(dbClient)
	eventService := services.NewEventService(dbClient)
	publisher := events.NewEventPublisher(events.NewPgTransport(dbClient.DB()))
	tickets := services.NewTicketService(dbClient, projects, publisher)
	sessions := services.NewSessionService(dbClient)
	reviewResults := services.NewReviewService(dbClient)

	mirror := notifier.NewService(notifier.ServiceConfig{
		Token:   cfg.Slack.Token,
		Channel: cfg.Slack.Channel,
	})
	if mirror != nil {
		slog.Info("Slack notification mirror enabled", "channel", cfg.Slack.Channel)
	}
	notifications := services.NewNotificationService(dbClient, publisher, mirror)
	slog.Info("Services initialized")

	// 4. WebSocket fan-out: every process broadcasts through pg_notify so
	// clients can connect to any replica.
	connManager := events.NewConnectionManager(eventService, *cfg.FanOut, 10*time.Second)
	notifyListener := events.NewNotifyListener(dbConfig.URL, connManager)
	if err := notifyListener.Start(ctx); err != nil {
		return fmt.Errorf("start notify listener: %w", err)
	}
	connManager.SetListener(notifyListener)
	slog.Info("Event fan-out initialized")

	// 5. Session supervisor over tmux
	driver := tmux.NewAdapter(&tmux.RealExec{}, cfg.Supervisor.PaneToolPath)
	sup := supervisor.New(driver, sessions, projects, tickets, publisher, cfg.Supervisor)
	connManager.SetOutputReplayer(sup)
	connManager.SetInputSender(sup)

	// 6. Reviewer, waiting detector, auto-handoff
	reviews := reviewer.New(tickets, projects, sessions, reviewResults,
		notifications, publisher, sup, reviewer.NewCLIDriver(cfg.Reviewer.CLIPath), cfg.Reviewer)
	det := detector.New(sessions, projects, notifications, publisher, reviews, cfg.Detector)
	det.Start()
	handoffs := handoff.New(sup, sessions, projects, tickets, notifications, publisher, cfg.Handoff)

	sup.SetHooks(supervisor.Hooks{
		Output:         det.OnOutput,
		ContextChanged: handoffs.OnContextChanged,
		InputSent:      det.OnInput,
		SessionStarted: det.WatchSession,
		SessionEnded:   det.UnwatchSession,
	})

	// 7. Recovery: re-attach sessions that survived a restart, mark the
	// rest orphaned. Non-fatal; a half-recovered board beats no board.
	if err := sup.Recover(ctx); err != nil {
		slog.Error("Session recovery failed", "error", err)
	}
	if err := det.Recover(ctx); err != nil {
		slog.Error("Detector recovery failed", "error", err)
	}

	// 8. Retention loop
	cleaner := cleanup.NewService(cfg.Retention, sessions, notifications, eventService)
	cleaner.Start(ctx)

	// 9. Ticket directory watcher
	watcher, err := ticketfile.NewWatcher(watcherDebounce, func(projectID string) {
		syncCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		added, removed, err := tickets.SyncFromDisk(syncCtx, projectID)
		if err != nil {
			slog.Warn("Ticket sync failed", "project_id", projectID, "error", err)
			return
		}
		if added > 0 || removed > 0 {
			slog.Info("Ticket files synced", "project_id", projectID,
				"added", added, "removed", removed)
		}
	})
	if err != nil {
		return fmt.Errorf("create ticket watcher: %w", err)
	}
	watchAllProjects(ctx, projects, watcher)

	// 10. HTTP server
	httpServer := api.NewServer(cfg, dbClient, projects, tickets, sessions,
		notifications, sup, det, connManager)
	httpServer.SetIssueTracker(tracker.New(projects, tickets, cfg.GitHub))
	httpServer.SetTicketWatcher(watcher)

	errCh := make(chan error, 1)
	go func() {
		addr := net.JoinHostPort(cfg.Server.Host, cfg.Server.Port)
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	slog.Info("Maestro started")

	// 11. Wait for shutdown signal or listener failure
	var serveErr error
	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case serveErr = <-errCh:
		slog.Error("Server error triggered shutdown", "error", serveErr)
	}

	// 12. Graceful shutdown, reverse construction order. Supervisor.Stop
	// only detaches pollers — panes stay alive so sessions survive the
	// restart and recovery picks them back up.
	handoffs.Stop()
	reviews.Stop()
	det.Stop()
	if err := watcher.Stop(); err != nil {
		slog.Error("Watcher shutdown error", "error", err)
	}
	cleaner.Stop()
	sup.Stop()

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(stopCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}
	notifyListener.Stop(stopCtx)

	slog.Info("Shutdown complete")
	return serveErr
}

// watchAllProjects registers every known project's tickets directory with
// the watcher. Projects created later are registered by the create handler.
func watchAllProjects(ctx context.Context, projects *services.ProjectService, watcher *ticketfile.Watcher) {
	offset := 0
	for {
		page, err := projects.List(ctx, models.ProjectFilters{Limit: 100, Offset: offset})
		if err != nil {
			slog.Error("Failed to list projects for ticket watching", "error", err)
			return
		}
		for _, p := range page.Projects {
			dir := ticketfile.Dir(p.RepoPath, p.TicketsPath)
			if err := watcher.Watch(p.ID, dir); err != nil {
				slog.Warn("Ticket directory watch failed",
					"project_id", p.ID, "dir", dir, "error", err)
			}
		}
		offset += len(page.Projects)
		if len(page.Projects) == 0 || offset >= page.TotalCount {
			return
		}
	}
}
