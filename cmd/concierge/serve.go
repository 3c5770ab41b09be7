package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/concierge/internal/api"
	"github.com/nugget/concierge/internal/buildinfo"
	"github.com/nugget/concierge/internal/gate"
	"github.com/nugget/concierge/internal/health"
	"github.com/nugget/concierge/internal/mqtt"
	"github.com/nugget/concierge/internal/notify"
	"github.com/nugget/concierge/internal/reasoning"
)

// runServe starts the HTTP API and, when configured, the MQTT
// publisher, and runs until ctx is cancelled or a signal arrives.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := cfg.NewLogger(stdout)
	logger.Info("starting", "build", buildinfo.String(), "config", cfgPath)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bus := notify.NewBus()
	notifiers := []notify.Notifier{bus}
	var (
		pub    *mqtt.Publisher
		tokens *mqtt.DailyTokens
		st     *stack
	)
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}
		tokens = mqtt.NewDailyTokens(nil)
		// st is set before the publisher connects, so verdicts never
		// arrive before the driver exists.
		pub = mqtt.New(cfg.MQTT, instanceID, tokens, statsSource{model: cfg.Models.Default},
			func(ctx context.Context, id string, v gate.Verdict) error {
				_, err := st.driver.Verdict(ctx, id, v)
				return err
			}, logger)
		notifiers = append(notifiers, pub)
		logger.Info("mqtt enabled", "broker", cfg.MQTT.Broker, "device_name", cfg.MQTT.DeviceName, "instance_id", instanceID)
	} else {
		logger.Info("mqtt disabled (not configured)")
	}

	st, err = openStack(ctx, cfg, cfgPath, logger, notifiers...)
	if err != nil {
		return err
	}
	defer st.Close()
	if tokens != nil {
		st.reasoner.ObserveUsage(reasoning.UsageFunc(func(ctx context.Context, u reasoning.Usage) {
			st.usage.RecordUsage(ctx, u)
			tokens.RecordUsage(ctx, u)
		}))
	}

	monitor := health.NewMonitor(logger)
	if err := st.watchHealth(ctx, monitor); err != nil {
		return err
	}
	defer monitor.Stop()

	server := api.NewServer(cfg.Listen.Addr(), st.driver, logger,
		api.WithHealth(monitor),
		api.WithJournal(st.journal),
		api.WithUsage(st.usage),
		api.WithEvents(bus),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx)
	})
	if pub != nil {
		g.Go(func() error {
			return pub.Start(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		if pub != nil {
			if err := pub.Stop(shutdownCtx); err != nil {
				logger.Warn("mqtt shutdown failed", "error", err)
			}
		}
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("concierge stopped")
	return nil
}

// statsSource feeds build and model details to the MQTT sensors.
type statsSource struct {
	model string
}

func (s statsSource) Uptime() time.Duration { return buildinfo.Uptime() }
func (s statsSource) Version() string        { return buildinfo.Version }
func (s statsSource) DefaultModel() string   { return s.model }
