package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/lonelyclick/agentkeeper/internal/config"
	"github.com/lonelyclick/agentkeeper/internal/logger"
	"github.com/lonelyclick/agentkeeper/internal/observability"
	"github.com/lonelyclick/agentkeeper/pkg/accounts"
	"github.com/lonelyclick/agentkeeper/pkg/backend"
	"github.com/lonelyclick/agentkeeper/pkg/driver"
	"github.com/lonelyclick/agentkeeper/pkg/outbox"
	"github.com/lonelyclick/agentkeeper/pkg/permission"
	"github.com/lonelyclick/agentkeeper/pkg/session"
	"github.com/lonelyclick/agentkeeper/pkg/store"
	"github.com/lonelyclick/agentkeeper/pkg/supervisor"
	"github.com/lonelyclick/agentkeeper/pkg/watcher"
)

// defaultUsageTTL bounds how long a cached usage snapshot is served between
// scheduled refreshes.
const defaultUsageTTL = 5 * time.Minute

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the supervised session",
	Long: `Run a supervised interactive session against the configured backend.
Messages are read line by line from stdin; replies and recovery notices are
written to stdout. The session survives backend failures, inactivity
timeouts, and credential rotation until interrupted.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   cfg.Logging.Console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSizeMB,
		MaxAge:    cfg.Logging.MaxAgeDays,
		Compress:  cfg.Logging.Compress,
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()
	zl := log.GetZerolog()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	acctStore, err := accounts.OpenStore(cfg.Accounts.File)
	if err != nil {
		return fmt.Errorf("failed to open accounts store: %w", err)
	}
	cache := accounts.NewUsageCache(accounts.FileUsageAPI{}, defaultUsageTTL, clock.New(), zl)
	selector := accounts.NewSelector(acctStore, cache, zl)

	configDir, err := activeConfigDir(ctx, acctStore, selector, zl)
	if err != nil {
		return err
	}

	if err := observability.InitAuditLogger(filepath.Join(cfg.DataDir, "audit.log")); err != nil {
		zl.Warn().Err(err).Msg("Audit log unavailable; falling back to stderr")
	}
	defer observability.GetAuditLogger().Close()

	records, err := store.Open(filepath.Join(cfg.DataDir, "sessions.db"), zl)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer records.Close()

	be, err := buildBackend(cfg, zl)
	if err != nil {
		return err
	}

	recorder := permission.NewRecorder(zl)
	drv := driver.New(driver.Config{
		Backend:           be,
		Watcher:           watcher.New(cfg.Session.WatcherTimeout(), zl),
		Permissions:       recorder,
		InactivityTimeout: cfg.Session.InactivityTimeout(),
		Logger:            zl,
	})

	sess := &session.Session{
		WorkingDir: cfg.WorkingDir,
		Mode:       modeFromConfig(cfg.Backend),
	}
	if rec, err := records.Get(sess.WorkingDir); err == nil {
		sess.ID = rec.SessionID
		zl.Info().Str("session_id", rec.SessionID).Msg("Restored session binding")
	}

	out := cmd.OutOrStdout()
	inbox := supervisor.NewChanInbox(64)
	sup := supervisor.New(supervisor.Config{
		Runner:  drv,
		Inbox:   inbox,
		Rotator: selector,
		Records: records,
		Deliver: func(msg outbox.Message) {
			if msg.Kind == outbox.KindText && msg.Text != "" {
				fmt.Fprintln(out, msg.Text)
			}
		},
		Notify: func(text string) {
			fmt.Fprintln(out, text)
		},
		ResetPermissions: recorder.Reset,
		ConfigDir:        configDir,
		InitPromptMarker: cfg.Session.InitPromptMarker,
		MaxRotations:     cfg.Accounts.RotationLimit,
		Logger:           zl,
	}, sess)

	scheduler, err := startUsageRefresh(ctx, cfg.Accounts.UsageRefreshCron, acctStore, cache, zl)
	if err != nil {
		return err
	}
	defer scheduler.Stop()

	if cfg.Metrics.Enabled {
		shutdown := startMetricsServer(cfg.Metrics.Listen, zl)
		defer shutdown()
	}

	go readStdin(inbox, cfg.Backend, stop, zl)

	zl.Info().
		Str("working_dir", sess.WorkingDir).
		Str("backend", cfg.Backend.Mode).
		Msg("Session supervisor starting")

	if err := sup.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// activeConfigDir resolves the credential directory the first generation
// should spawn with. When no account is marked active yet the selector picks
// one; a store with no accounts at all is allowed and yields the backend's
// default credentials.
func activeConfigDir(ctx context.Context, acctStore *accounts.Store, selector *accounts.Selector, zl zerolog.Logger) (string, error) {
	if active, ok := acctStore.Active(); ok {
		return active.ConfigDir, nil
	}
	sel, err := selector.SelectBest(ctx)
	if err != nil {
		if errors.Is(err, accounts.ErrNoAccount) {
			zl.Warn().Msg("No accounts configured; using default credentials")
			return "", nil
		}
		return "", fmt.Errorf("failed to select an account: %w", err)
	}
	if err := acctStore.SetActive(sel.Account.ID); err != nil {
		return "", fmt.Errorf("failed to activate account %s: %w", sel.Account.ID, err)
	}
	zl.Info().Str("account", sel.Account.ID).Msg("Activated account")
	return sel.Account.ConfigDir, nil
}

func buildBackend(cfg *config.Config, zl zerolog.Logger) (backend.AgentBackend, error) {
	switch cfg.Backend.Mode {
	case "cli":
		return backend.NewCLIBackend(cfg.Backend.Binary, zl), nil
	case "api":
		key := os.Getenv(cfg.Backend.APIKeyEnv)
		if key == "" {
			return nil, fmt.Errorf("backend mode is api but %s is not set", cfg.Backend.APIKeyEnv)
		}
		return backend.NewAPIBackend(key, zl), nil
	default:
		return nil, fmt.Errorf("unknown backend mode: %s", cfg.Backend.Mode)
	}
}

func modeFromConfig(bc config.BackendConfig) session.Mode {
	return session.Mode{
		PermissionMode:  bc.PermissionMode,
		Model:           bc.Model,
		FallbackModel:   bc.FallbackModel,
		SystemPrompt:    bc.SystemPrompt,
		AllowedTools:    bc.AllowedTools,
		DisallowedTools: bc.DisallowedTools,
	}
}

// refreshUsage drops every cached snapshot and refetches, so rotation
// decisions see fresh windows even while a generation is idle.
func refreshUsage(ctx context.Context, acctStore *accounts.Store, cache *accounts.UsageCache) {
	for _, account := range acctStore.List() {
		cache.Invalidate(account.ID)
		snap, _ := cache.Get(ctx, account)
		observability.RecordUsageFetch(account.ID, snap.Valid())
	}
}

func startUsageRefresh(ctx context.Context, spec string, acctStore *accounts.Store, cache *accounts.UsageCache, zl zerolog.Logger) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		refreshUsage(ctx, acctStore, cache)
	})
	if err != nil {
		return nil, fmt.Errorf("invalid usage refresh cron %q: %w", spec, err)
	}
	c.Start()
	return c, nil
}

func startMetricsServer(listen string, zl zerolog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())
	srv := &http.Server{Addr: listen, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Error().Err(err).Str("listen", listen).Msg("Metrics server failed")
		}
	}()
	zl.Info().Str("listen", listen).Msg("Metrics server started")
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
}

// readStdin feeds user input lines to the supervisor inbox. EOF on stdin
// stops the session.
func readStdin(inbox *supervisor.ChanInbox, bc config.BackendConfig, stop func(), zl zerolog.Logger) {
	mode := modeFromConfig(bc)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r\n")
		if strings.TrimSpace(line) == "" {
			continue
		}
		inbox.Push(session.PendingMessage{Text: line, Mode: mode})
	}
	if err := scanner.Err(); err != nil {
		zl.Warn().Err(err).Msg("Stdin read failed")
	}
	stop()
}
