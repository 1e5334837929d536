package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nerrad567/process-runner/internal/api"
	"github.com/nerrad567/process-runner/internal/history"
	"github.com/nerrad567/process-runner/internal/infrastructure/config"
	"github.com/nerrad567/process-runner/internal/infrastructure/database"
	"github.com/nerrad567/process-runner/internal/infrastructure/influxdb"
	"github.com/nerrad567/process-runner/internal/infrastructure/logging"
	"github.com/nerrad567/process-runner/internal/infrastructure/mqtt"
	"github.com/nerrad567/process-runner/internal/process"
	"github.com/nerrad567/process-runner/internal/remote"
	"github.com/nerrad567/process-runner/internal/scheduler"
	"github.com/nerrad567/process-runner/internal/settings"
	"github.com/nerrad567/process-runner/migrations"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the supervision daemon",
		Long: `Run the supervision daemon.

Every active runner in the settings store is started. SIGHUP re-reads the
store: restart settings of existing runners are updated in place, new
active runners are started and removed runners are stopped. SIGINT and
SIGTERM stop every runner and exit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}

			hup := make(chan os.Signal, 1)
			signal.Notify(hup, syscall.SIGHUP)
			defer signal.Stop(hup)

			return runServe(cmd.Context(), cfg, hup)
		},
	}
}

// runServe runs the daemon until ctx is cancelled. Every value received on
// reload triggers a settings reload.
func runServe(ctx context.Context, cfg *config.Config, reload <-chan os.Signal) error {
	log, err := logging.New(cfg.Logging, version)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer log.Close() //nolint:errcheck // Nothing left to log to

	log.Info("starting process runner",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	d, err := newDaemon(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer d.close()

	if err := d.loadRunners(); err != nil {
		// Partial loads still run what could be read.
		log.Warn("some runners could not be loaded", "error", err)
	}
	if err := d.startServices(ctx); err != nil {
		return err
	}
	d.startAll(ctx)

	log.Info("initialisation complete, waiting for shutdown signal", "runners", d.registry.Len())

	for {
		select {
		case <-ctx.Done():
			log.Info("shutdown signal received, cleaning up")
			return nil
		case <-reload:
			log.Info("reload requested")
			if err := d.reload(ctx); err != nil {
				log.Warn("reload finished with errors", "error", err)
			}
		}
	}
}

// daemon owns every long-lived component of the serve command.
type daemon struct {
	cfg *config.Config
	log *logging.Logger

	db       *database.DB
	store    *settings.Store
	registry *process.Registry
	recorder *history.Recorder
	influx   *influxdb.Client
	mqtt     *mqtt.Client
	hub      *remote.Hub
	api      *api.Server
	sched    *scheduler.Scheduler

	// restart holds the live restart configuration of each runner so a
	// reload can change it without recreating the engine.
	mu      sync.Mutex
	restart map[string]*process.SharedRestartConfig
}

// newDaemon opens storage and connects the optional integrations. Nothing
// is started yet. On error every component opened so far is closed.
func newDaemon(ctx context.Context, cfg *config.Config, log *logging.Logger) (_ *daemon, err error) {
	d := &daemon{
		cfg:      cfg,
		log:      log,
		registry: process.NewRegistry(),
		restart:  make(map[string]*process.SharedRestartConfig),
	}
	defer func() {
		if err != nil {
			d.close()
		}
	}()

	d.db, err = database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	log.Info("database connected", "path", cfg.Database.Path)

	if err = d.db.Migrate(ctx, migrations.FS); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	d.store, err = settings.Open(cfg.Settings.Root)
	if err != nil {
		return nil, fmt.Errorf("opening settings: %w", err)
	}
	loaded, err := d.store.Load()
	if err != nil {
		return nil, fmt.Errorf("loading runner index: %w", err)
	}
	if !loaded {
		log.Warn("runner index missing or unreadable, starting with an empty one", "root", d.store.Root())
	}

	// Interfaces stay untyped nil when InfluxDB is disabled.
	var (
		lifecycleMetrics history.MetricsWriter
		sampleMetrics    scheduler.MetricsWriter
	)
	if cfg.InfluxDB.Enabled {
		d.influx, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return nil, fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		d.influx.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		lifecycleMetrics, sampleMetrics = d.influx, d.influx
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	repo := history.NewSQLiteRepository(d.db.DB)
	d.recorder = history.NewRecorder(repo, lifecycleMetrics, log.With("component", "history"))

	checks := map[string]api.HealthChecker{"database": d.db}
	if d.influx != nil {
		checks["influxdb"] = d.influx
	}

	if cfg.MQTT.Enabled {
		d.mqtt, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return nil, fmt.Errorf("connecting to MQTT: %w", err)
		}
		d.mqtt.SetLogger(log.With("component", "mqtt"))
		d.mqtt.SetOnConnect(func() { log.Info("MQTT reconnected") })
		d.mqtt.SetOnDisconnect(func(err error) { log.Warn("MQTT disconnected", "error", err) })
		checks["mqtt"] = d.mqtt
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		d.hub = remote.New(remote.Config{
			Broker:      d.mqtt,
			Registry:    d.registry,
			Logger:      log.With("component", "remote"),
			OutputRate:  float64(cfg.MQTT.OutputRate),
			OutputBurst: cfg.MQTT.OutputBurst,
		})
	} else {
		log.Info("MQTT disabled")
	}

	if cfg.API.Enabled {
		d.api, err = api.New(api.Deps{
			Config:   cfg.API,
			WS:       cfg.WebSocket,
			Logger:   log.With("component", "api"),
			Registry: d.registry,
			History:  repo,
			Checks:   checks,
			Version:  version,
		})
		if err != nil {
			return nil, fmt.Errorf("creating API server: %w", err)
		}
	}

	d.sched = scheduler.New(scheduler.Config{
		Registry: d.registry,
		Interval: cfg.Scheduler.PollInterval,
		Metrics:  sampleMetrics,
		Logger:   log.With("component", "scheduler"),
	})

	return d, nil
}

// startServices starts the command surfaces and the restart ticker.
func (d *daemon) startServices(ctx context.Context) error {
	if d.hub != nil {
		if err := d.hub.Start(); err != nil {
			return fmt.Errorf("starting remote hub: %w", err)
		}
	}
	if d.api != nil {
		if err := d.api.Start(ctx); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
	}
	d.sched.Start(ctx)
	return nil
}

// loadRunners registers an engine for every active runner in the store.
func (d *daemon) loadRunners() error {
	configs, listErr := d.store.List()
	var errs []error
	if listErr != nil {
		errs = append(errs, listErr)
	}
	for _, rc := range configs {
		if !rc.Active {
			d.log.Info("runner inactive, not loading", "runner", rc.Key())
			continue
		}
		if err := d.addRunner(rc); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// addRunner builds the engine for rc and wires it to every consumer.
func (d *daemon) addRunner(rc settings.RunnerConfig) error {
	key := rc.Key()
	rcfg, err := rc.RestartConfig()
	if err != nil {
		return fmt.Errorf("runner %s: %w", key, err)
	}
	shared := process.NewSharedRestartConfig(rcfg)

	e, err := process.NewEngine(rc.Spec(), shared, process.Options{
		Logger: d.log.With("runner", key),
	})
	if err != nil {
		return fmt.Errorf("runner %s: %w", key, err)
	}
	if !d.registry.Add(key, e) {
		e.Close() //nolint:errcheck // Never started
		return fmt.Errorf("runner %s is already registered", key)
	}

	d.mu.Lock()
	d.restart[key] = shared
	d.mu.Unlock()

	d.recorder.Attach(key, e)
	if d.hub != nil {
		d.hub.Attach(key, e)
	}
	if d.api != nil {
		d.api.Attach(key, e)
	}
	d.log.Info("runner loaded", "runner", key, "executable", rc.Executable)
	return nil
}

// removeRunner stops and unregisters key. The engine's final events still
// reach every consumer before their subscriptions end.
func (d *daemon) removeRunner(key string) {
	e, ok := d.registry.Remove(key)
	if !ok {
		return
	}
	if err := e.Close(); err != nil {
		d.log.Warn("error closing runner", "runner", key, "error", err)
	}
	d.recorder.Detach(key)
	if d.hub != nil {
		d.hub.Detach(key)
	}
	if d.api != nil {
		d.api.Detach(key)
	}

	d.mu.Lock()
	delete(d.restart, key)
	d.mu.Unlock()
	d.log.Info("runner removed", "runner", key)
}

// startAll starts every registered runner. Failures are logged; the other
// runners still start.
func (d *daemon) startAll(ctx context.Context) {
	d.registry.Each(func(id string, e *process.Engine) {
		d.start(ctx, id, e)
	})
}

func (d *daemon) start(ctx context.Context, id string, e *process.Engine) {
	if _, err := e.Start(ctx); err != nil {
		d.log.Error("failed to start runner", "runner", id, "error", err)
	}
}

// reload applies the settings store to the running set:
//   - existing runners get their restart settings replaced in place
//   - new active runners are created and started
//   - runners that were removed or made inactive are stopped
//
// Spec changes of an existing runner (executable, arguments) need the
// runner to be removed and added again.
func (d *daemon) reload(ctx context.Context) error {
	configs, listErr := d.store.List()
	var errs []error
	if listErr != nil {
		errs = append(errs, listErr)
	}

	wanted := make(map[string]bool, len(configs))
	for _, rc := range configs {
		key := rc.Key()
		if !rc.Active {
			continue
		}
		wanted[key] = true

		d.mu.Lock()
		shared, exists := d.restart[key]
		d.mu.Unlock()

		if exists {
			rcfg, err := rc.RestartConfig()
			if err == nil {
				err = shared.Set(rcfg)
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("runner %s: %w", key, err))
			}
			continue
		}

		if err := d.addRunner(rc); err != nil {
			errs = append(errs, err)
			continue
		}
		if e, ok := d.registry.Get(key); ok {
			d.start(ctx, key, e)
		}
	}

	// A runner whose file could not be read is left alone rather than stopped.
	if listErr == nil {
		for _, id := range d.registry.IDs() {
			if !wanted[id] {
				d.removeRunner(id)
			}
		}
	}

	d.log.Info("reload complete", "runners", d.registry.Len())
	return errors.Join(errs...)
}

// close shuts everything down in dependency order: the ticker and the HTTP
// surface first, then the runners (their final events still reach the
// journal and the broker), then the consumers and storage.
func (d *daemon) close() {
	if d.sched != nil {
		d.sched.Stop()
	}
	if d.api != nil {
		if err := d.api.Close(); err != nil {
			d.log.Error("error closing API server", "error", err)
		}
	}

	d.log.Info("stopping runners", "count", d.registry.Len())
	if err := d.registry.Close(); err != nil {
		d.log.Error("error stopping runners", "error", err)
	}

	if d.hub != nil {
		if err := d.hub.Close(); err != nil {
			d.log.Error("error closing remote hub", "error", err)
		}
	}
	if d.recorder != nil {
		d.recorder.Close()
	}
	if d.mqtt != nil {
		d.log.Info("disconnecting from MQTT")
		if err := d.mqtt.Close(); err != nil {
			d.log.Error("error closing MQTT", "error", err)
		}
	}
	if d.influx != nil {
		d.log.Info("closing InfluxDB connection")
		if err := d.influx.Close(); err != nil {
			d.log.Error("error closing InfluxDB", "error", err)
		}
	}
	if d.db != nil {
		d.log.Info("closing database")
		if err := d.db.Close(); err != nil {
			d.log.Error("error closing database", "error", err)
		}
	}
	d.log.Info("process runner stopped")
}
