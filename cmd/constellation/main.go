// Command constellation boots the control plane: it loads config,
// dials the bootstrap device fleet through a relay, and runs a
// constellation (loaded from the local store, or created fresh) to
// completion.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/basket/constellation/internal/audit"
	"github.com/basket/constellation/internal/bus"
	"github.com/basket/constellation/internal/config"
	"github.com/basket/constellation/internal/coordinator"
	"github.com/basket/constellation/internal/cron"
	"github.com/basket/constellation/internal/dag"
	"github.com/basket/constellation/internal/devices"
	"github.com/basket/constellation/internal/otel"
	"github.com/basket/constellation/internal/policy"
	"github.com/basket/constellation/internal/scheduler"
	"github.com/basket/constellation/internal/session"
	"github.com/basket/constellation/internal/taskqueue"
	"github.com/basket/constellation/internal/telemetry"
	"github.com/basket/constellation/internal/transport"
)

var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                               Run the coordinator against HomeDir's config
  %s -constellation-id=<id>        Load/create a specific constellation
  %s doctor [-json]                Run diagnostic checks and exit

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  CONSTELLATION_HOME   Config/state directory (default: ~/.constellation)
`)
}

func main() {
	constellationID := flag.String("constellation-id", "default", "constellation to load or create")
	constellationName := flag.String("constellation-name", "default", "name used if the constellation doesn't already exist")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 && args[0] == "doctor" {
		os.Exit(runDoctorCommand(ctx, args[1:]))
	}

	cfg, err := config.Load()
	if err != nil {
		fatal(nil, "config load failed", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatal(nil, "logger init failed", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)

	if err := run(ctx, cfg, *constellationID, *constellationName, logger); err != nil && ctx.Err() == nil {
		fatal(logger, "run failed", err)
	}
	logger.Info("shutdown complete")
}

func run(ctx context.Context, cfg config.Config, constellationID, constellationName string, logger *slog.Logger) error {
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = filepath.Join(cfg.HomeDir, "constellations.db")
	}
	store, err := dag.OpenStore(dbPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	c, err := store.Load(ctx, constellationID)
	if err != nil {
		logger.Info("no persisted constellation found, creating new", "constellation_id", constellationID)
		c = dag.New(constellationID, constellationName)
	}
	c.SetLogger(logger)

	otelProvider, err := otel.Init(ctx, otel.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("otel init: %w", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otel.NewMetrics(otelProvider.Meter)
	if err != nil {
		return fmt.Errorf("otel metrics: %w", err)
	}

	eventBus := bus.New()
	reg := devices.New(eventBus, logger)
	queue := taskqueue.New()

	if err := audit.Init(cfg.HomeDir); err != nil {
		logger.Warn("audit trail init failed, edits will not be durably logged", "error", err)
	} else {
		defer audit.Close()
	}
	editor := dag.NewEditor(c, cfg.MaxHistorySize)
	editor.SetAuditFunc(func(operation, description string) {
		audit.Record(operation, c.ConstellationID, description)
		eventBus.Publish(bus.TopicConstellationMutated, bus.ConstellationMutatedEvent{
			ConstellationID:  c.ConstellationID,
			SummaryOfChanges: operation + " " + description,
			Timestamp:        time.Now(),
		})
	})

	dial := func(ctx context.Context, endpoint string) (*transport.Session, error) {
		return transport.Open(ctx, endpoint)
	}
	coord := coordinator.New(coordinator.Config{
		InitialReconnectDelay: cfg.InitialReconnectDelay(),
		MaxReconnectDelay:     cfg.MaxReconnectDelay(),
		DefaultMaxRetries:     cfg.DefaultMaxRetries,
		DefaultTaskTimeout:    cfg.DefaultTaskTimeout(),
		HeartbeatInterval:     cfg.HeartbeatInterval(),
	}, reg, queue, eventBus, dial, logger)

	for _, d := range cfg.Devices {
		profile := devices.Profile{DeviceID: d.DeviceID, EndpointURL: d.Endpoint, OS: d.OS}
		if err := reg.Register(profile); err != nil {
			logger.Warn("skipping bootstrap device registration", "device_id", d.DeviceID, "error", err)
			continue
		}
		connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := coord.Connect(connectCtx, d.DeviceID, d.Endpoint, profile)
		cancel()
		if err != nil {
			logger.Warn("bootstrap device connect failed, will retry via reconnect loop", "device_id", d.DeviceID, "error", err)
		}
	}

	capabilityPolicy, err := policy.Load(cfg.PolicyPath)
	if err != nil {
		return fmt.Errorf("load capability policy: %w", err)
	}

	strategy := selectStrategy(cfg)
	sched := scheduler.New(c, reg, coord, strategy, eventBus, logger)
	sched.SetMetrics(metrics)
	sched.SetPolicy(capabilityPolicy)
	runner := session.New(c, sched)

	snapshotter, err := cron.NewScheduler(cron.Config{Store: store, C: c, Logger: logger, Expr: cfg.SnapshotCron})
	if err != nil {
		logger.Warn("snapshot scheduler disabled, invalid snapshot_cron", "error", err)
	} else {
		snapshotter.Start(ctx)
		defer snapshotter.Stop()
	}

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher failed to start", "error", err)
	} else {
		go watchAssignmentStrategy(ctx, watcher, sched, logger)
	}

	result, runErr := runner.Run(ctx)
	if saveErr := store.Save(context.Background(), c); saveErr != nil {
		logger.Error("failed to persist constellation", "error", saveErr)
	}
	if result != nil {
		logger.Info("constellation run finished",
			"constellation_id", result.ConstellationID,
			"final_state", result.FinalState,
			"task_count", len(result.TaskResults),
			"duration", result.TotalDuration)
	}
	return runErr
}

// watchAssignmentStrategy applies hot-reloaded assignment_strategy and
// device_preference_table changes without restarting the process
// (spec §6). Only these two fields are applied on reload; every other
// option in the reloaded file is ignored until the process restarts.
func watchAssignmentStrategy(ctx context.Context, w *config.Watcher, sched *scheduler.Scheduler, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-w.Events():
			if !ok {
				return
			}
			newCfg, err := config.Load()
			if err != nil {
				logger.Warn("config reload failed", "error", err)
				continue
			}
			sched.SetStrategy(selectStrategy(newCfg))
			logger.Info("assignment strategy hot-reloaded", "strategy", newCfg.AssignmentStrategy)
		}
	}
}

func selectStrategy(cfg config.Config) scheduler.AssignmentStrategy {
	switch cfg.AssignmentStrategy {
	case "capability_first":
		return scheduler.CapabilityFirstStrategy{}
	case "preference_table":
		return scheduler.PreferenceTableStrategy{Table: cfg.DevicePreferenceTable}
	default:
		return &scheduler.RoundRobinStrategy{}
	}
}

func fatal(logger *slog.Logger, msg string, err error) {
	if logger != nil {
		logger.Error(msg, "error", err)
	} else {
		fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	}
	os.Exit(1)
}
