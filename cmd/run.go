package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/andresmejia3/gatekeeper/internal/camera"
	"github.com/andresmejia3/gatekeeper/internal/clock"
	"github.com/andresmejia3/gatekeeper/internal/config"
	"github.com/andresmejia3/gatekeeper/internal/controller"
	"github.com/andresmejia3/gatekeeper/internal/frames"
	"github.com/andresmejia3/gatekeeper/internal/lock"
	"github.com/andresmejia3/gatekeeper/internal/notify"
	"github.com/andresmejia3/gatekeeper/internal/reader"
	"github.com/andresmejia3/gatekeeper/internal/recognition"
	"github.com/andresmejia3/gatekeeper/internal/settings"
	"github.com/andresmejia3/gatekeeper/internal/store"
	"github.com/andresmejia3/gatekeeper/internal/worker"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the door access daemon",
	Long:  "Captures frames from the camera, recognizes faces, challenges for a card in single mode and drives the door lock on a grant.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runDaemon(cmd.Context(), cfg, DB, newLogger())
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

// runDaemon wires every component and blocks until ctx is done.
func runDaemon(ctx context.Context, cfg *config.Config, roster store.Roster, logger *slog.Logger) error {
	logger = logger.With("door", cfg.Door)

	st, err := settings.Load(cfg.SettingsPath, logger.With("component", "settings"))
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}
	policy := st.Snapshot()
	logger.Info("settings loaded", "path", st.Path(), "mode", policy.Mode, "threshold", policy.Threshold)

	// Notifications go to the terminal, the log and, when configured, the bus.
	bus := openBus(ctx, logger.With("component", "events"))
	sinks := []notify.Sink{notify.NewConsole(os.Stdout), notify.Log(logger.With("component", "notify"))}
	if bus != nil {
		defer bus.Close()
		sinks = append(sinks, bus)
	}
	sink := notify.Multi(sinks...)

	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	extractor := worker.NewExtractor(cfg.Worker.Command, logger.With("component", "worker"))
	defer extractor.Close()

	cache := recognition.NewEncodingCache(extractor, logger.With("component", "cache"))
	threshold := recognition.ThresholdFunc(func() float64 { return st.Snapshot().Threshold })
	engine := recognition.NewEngine(cache, extractor, roster, threshold, logger.With("component", "engine"))

	rdr := reader.New(reader.NewSerialOpener(cfg.Reader.Baud), reader.Options{
		PortName:      cfg.Reader.Port,
		RetryInterval: cfg.Reader.RetryInterval,
		Sink:          sink,
		Logger:        logger.With("component", "reader"),
	})

	var pin lock.Pin
	if !cfg.Lock.Disabled {
		if pin, err = lock.OpenPin(cfg.Lock.Pin); err != nil {
			logger.Warn("lock hardware unavailable, running without relay", "pin", cfg.Lock.Pin, "error", err)
			pin = nil
		}
	}
	actuator := lock.New(pin, sink, clock.Real(), logger.With("component", "lock"))

	mailbox := frames.New()
	cam := &camera.Source{
		Device: cfg.Camera.Device,
		Format: cfg.Camera.Format,
		FPS:    cfg.Camera.FPS,
		Logger: logger.With("component", "camera"),
	}

	ctrl := controller.New(controller.Deps{
		Frames:      mailbox,
		Recognizer:  engine,
		Reader:      rdr,
		Lock:        actuator,
		Settings:    st,
		Sink:        sink,
		Logger:      logger.With("component", "controller"),
		PollTimeout: cfg.PollTimeout,
	})

	// Local roster mutations and, with a bus, remote ones both rebuild the cache.
	changes, unsubscribe := roster.Subscribe()
	defer unsubscribe()
	signals := changes
	if bus != nil {
		sub, err := bus.SubscribeRosterChanges(ctx)
		if err != nil {
			logger.Warn("remote roster events unavailable", "error", err)
		} else {
			defer sub.Close()
			signals = bus.Signals(ctx, sub, changes)
		}
	}

	probes := controller.Probes{
		Reader:       func() string { return rdr.State().String() },
		CacheEntries: cache.Len,
		Frames:       mailbox.Stats,
	}
	if bus != nil {
		probes.Bus = bus.Ping
	}
	health := controller.NewHealthServer(ctrl, probes, logger.With("component", "health"))
	if cfg.Health.Addr != "" {
		if err := health.Start(cfg.Health.Addr); err != nil {
			return fmt.Errorf("failed to start health server: %w", err)
		}
	}

	var wg sync.WaitGroup
	spawn := func(name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
			logger.Debug("component stopped", "component", name)
		}()
	}
	spawn("cache", func() { cache.Watch(ctx, signals, roster) })
	spawn("reader", func() { rdr.Run(ctx) })
	spawn("camera", func() { cam.Run(ctx, mailbox) })
	spawn("settings", func() {
		if err := st.Watch(ctx, settings.DefaultDebounce); err != nil {
			logger.Warn("settings watcher stopped", "error", err)
		}
	})

	fmt.Fprintf(os.Stderr, "🚪 Gatekeeper watching door %q (%s mode)\n", cfg.Door, policy.Mode)
	err = ctrl.Run(ctx)

	fmt.Fprintln(os.Stderr, "\n🛑 Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	health.Shutdown(shutdownCtx)
	wg.Wait()

	// Leave the door secured.
	if cerr := actuator.Close(); cerr != nil {
		logger.Warn("failed to secure door on shutdown", "error", cerr)
	}
	return err
}
