package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/small-frappuccino/discordsync"
	"github.com/small-frappuccino/discordsync/pkg/discord/session"
	"github.com/small-frappuccino/discordsync/pkg/files"
	"github.com/small-frappuccino/discordsync/pkg/log"
	"github.com/small-frappuccino/discordsync/pkg/storage"
	"github.com/small-frappuccino/discordsync/pkg/task"
	"github.com/small-frappuccino/discordsync/pkg/util"
	"golang.org/x/time/rate"
)

// Runtime holds everything Bootstrap opened.
type Runtime struct {
	Settings files.Settings
	Pool     *session.Pool
	Store    *storage.Store
	Client   *discordsync.Client
	Router   *task.TaskRouter
}

// Bootstrap loads env and settings, configures logging, then opens the
// identity pool, the store and the client. settingsPath empty means the
// platform default.
func Bootstrap(ctx context.Context, settingsPath string) (*Runtime, error) {
	if settingsPath == "" {
		settingsPath = util.DefaultSettingsPath()
	}
	settings, err := files.Load(settingsPath)
	if err != nil {
		return nil, err
	}

	// Env first so token and overrides are visible.
	token, loadErr := util.LoadEnvWithLocalBinFallback(settings.TokenEnv)
	settings.ApplyEnv()

	if err := log.SetupLogger(log.Options{
		Dir:        settings.LogDir(),
		Level:      parseLevel(settings.Log.Level),
		JSON:       settings.Log.JSON,
		MaxSizeMB:  settings.Log.MaxSizeMB,
		MaxBackups: settings.Log.MaxBackups,
		MaxAgeDays: settings.Log.MaxAgeDays,
		Console:    true,
	}); err != nil {
		return nil, fmt.Errorf("configure logger: %w", err)
	}
	if token == "" {
		return nil, fmt.Errorf("load token: %w", loadErr)
	}

	tokens := append([]string{token}, settings.ExtraTokens()...)
	log.DiscordLogger().Info("Opening Discord identities", "count", len(tokens))
	pool, err := session.Open(tokens, rate.Limit(settings.RequestRate))
	if err != nil {
		return nil, fmt.Errorf("open sessions: %w", err)
	}

	store := storage.NewStore(settings.DBPath())
	if err := store.Init(); err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("initialize SQLite store: %w", err)
	}

	client, err := discordsync.New(pool, discordsync.Config{Settings: settings, Store: store})
	if err != nil {
		_ = store.Close()
		_ = pool.Close()
		return nil, fmt.Errorf("create client: %w", err)
	}
	if err := client.Start(ctx); err != nil {
		log.ApplicationLogger().Warn("Failed to load cached snapshots (continuing)", "error", err)
	}

	router := task.NewRouter(task.RouterConfig{
		DefaultMaxAttempts: settings.Task.MaxAttempts,
		InitialBackoff:     settings.Task.InitialBackoff.Std(),
		MaxBackoff:         settings.Task.MaxBackoff.Std(),
		GlobalMaxWorkers:   settings.Task.MaxWorkers,
	})
	RegisterJobs(router, client)

	return &Runtime{
		Settings: settings,
		Pool:     pool,
		Store:    store,
		Client:   client,
		Router:   router,
	}, nil
}

// Close stops the router and releases the client, store and sessions.
func (r *Runtime) Close() {
	if r == nil {
		return
	}
	r.Router.Close()
	r.Client.Close()
	if err := r.Store.Close(); err != nil {
		log.DatabaseLogger().Warn("Failed to close store", "error", err)
	}
	if err := r.Pool.Close(); err != nil {
		log.DiscordLogger().Warn("Failed to close sessions", "error", err)
	}
	_ = log.Sync()
}

// Run bootstraps the client, schedules background refreshes and blocks
// until an interrupt signal or ctx is done.
func Run(ctx context.Context, settingsPath string) error {
	started := time.Now()
	ctx, stop := util.SignalContext(ctx)
	defer stop()

	rt, err := Bootstrap(ctx, settingsPath)
	if err != nil {
		return err
	}
	defer rt.Close()

	cancelRefresh := ScheduleCategoryRefresh(rt.Router, rt.Settings.Cache.CategoryRefresh.Std())
	defer cancelRefresh()

	log.ApplicationLogger().Info("discordsync running",
		"version", Version,
		"identities", rt.Pool.Len(),
		"startup", time.Since(started).Round(time.Millisecond).String(),
	)
	<-ctx.Done()
	log.ApplicationLogger().Info("Stopping discordsync")
	return nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
