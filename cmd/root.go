package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/andresmejia3/gatekeeper/internal/config"
	"github.com/andresmejia3/gatekeeper/internal/events"
	"github.com/andresmejia3/gatekeeper/internal/notify"
	"github.com/andresmejia3/gatekeeper/internal/store"
	"github.com/spf13/cobra"
)

// dbEnv overrides the configured roster database when --db is not given.
const dbEnv = "GATEKEEPER_DB"

// skipDB marks commands that never touch the roster.
const skipDB = "skip-db"

var (
	// DB is the roster shared by subcommands
	DB store.Roster
	// cfg is the daemon configuration loaded before every command
	cfg *config.Config

	dbURL      string
	configPath string
	verbose    bool
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "gatekeeper",
	Short:   "Face + card door access controller",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// A missing default config is fine; a missing explicit one is not.
		var err error
		cfg, err = config.Load(configPath, !cmd.Flags().Changed("config"))
		if err != nil {
			return err
		}

		if cmd.Annotations[skipDB] == "true" {
			return nil
		}

		dsn := resolveDSN(dbURL, os.Getenv(dbEnv), cfg.Database)
		DB, err = store.Open(cmd.Context(), dsn)
		if err != nil {
			return fmt.Errorf("failed to open roster database: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			DB.Close()
		}
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "Roster database: a postgres:// URL or a SQLite file path (default: $"+dbEnv+", then config)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Path to the YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

// resolveDSN applies the precedence flag > environment > config > default.
func resolveDSN(flag, env, configured string) string {
	switch {
	case flag != "":
		return flag
	case env != "":
		return env
	case configured != "":
		return configured
	}
	return config.Default().Database
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// openBus connects to the configured event bus. It returns nil when Redis
// is not configured or unreachable; callers carry on without it.
func openBus(ctx context.Context, logger *slog.Logger) *events.Bus {
	if cfg == nil || cfg.Redis.URL == "" {
		return nil
	}
	bus, err := events.New(cfg.Redis.URL, cfg.Door, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Event bus disabled: %v\n", err)
		return nil
	}
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := bus.Ping(pingCtx); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Event bus unreachable, continuing without it: %v\n", err)
		bus.Close()
		return nil
	}
	return bus
}

// announce tells a running daemon that the roster changed and mirrors a
// notice to the door display. Both are best effort.
func announce(ctx context.Context, action events.Action, personID int, text string, col notify.Color) {
	sink := notify.Sink(notify.NewConsole(os.Stderr))

	bus := openBus(ctx, nil)
	if bus != nil {
		defer bus.Close()
		sink = notify.Multi(sink, bus)
		if err := bus.PublishRosterChange(ctx, events.RosterEvent{Action: action, PersonID: personID}); err != nil {
			fmt.Fprintf(os.Stderr, "⚠️  Failed to announce roster change: %v\n", err)
		}
	}
	if text != "" {
		notify.Post(sink, text, col, 6*time.Second)
	}
}
