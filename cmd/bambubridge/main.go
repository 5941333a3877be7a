// Bambubridge - HTTP gateway for Bambu Lab printers on the local network.
//
// The gateway keeps one LAN MQTT session per printer, opened lazily on the
// first request (or at startup when auto-connect is enabled), and exposes
// status, print control and the chamber camera over a small REST API.
//
// Configuration comes from configs/config.yaml (or BAMBULAB_CONFIG) and the
// BAMBULAB_* environment variables.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nerrad567/bambubridge/internal/api"
	"github.com/nerrad567/bambubridge/internal/audit"
	"github.com/nerrad567/bambubridge/internal/bambu"
	"github.com/nerrad567/bambubridge/internal/infrastructure/config"
	"github.com/nerrad567/bambubridge/internal/infrastructure/database"
	"github.com/nerrad567/bambubridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/bambubridge/internal/infrastructure/logging"
	"github.com/nerrad567/bambubridge/internal/infrastructure/metrics"
	"github.com/nerrad567/bambubridge/internal/printer"
	"github.com/nerrad567/bambubridge/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// shutdownTimeout bounds closing every printer session on exit.
const shutdownTimeout = 10 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// It returns nil on a clean shutdown.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting bambubridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := config.ResolvePath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	if configPath != "" {
		log.Info("configuration loaded", "path", configPath)
	} else {
		log.Info("configuration loaded from environment")
	}
	for _, w := range cfg.Warnings {
		log.Warn(w)
	}

	// Audit trail (optional)
	var auditRepo audit.Repository
	var db *database.DB
	if cfg.Database.Enabled {
		db, err = database.Open(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()

		if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
			return fmt.Errorf("running migrations: %w", migrateErr)
		}
		auditRepo = audit.NewSQLiteRepository(db.DB)
		log.Info("audit database ready", "path", cfg.Database.Path)
	} else {
		log.Info("audit database disabled")
	}

	// Telemetry (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	if err := healthCheck(ctx, db, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	// Printers
	registry, err := printer.RegistryFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("building printer registry: %w", err)
	}

	factory := bambu.Factory(bambu.Options{
		ConnectTimeout: cfg.ConnectTimeout(),
		Logger:         log.With("component", "bambu"),
	})

	manager := printer.NewManager(registry, factory, printer.ManagerConfig{
		PollInterval: cfg.ConnectInterval(),
		Timeout:      cfg.ConnectTimeout(),
	})
	manager.SetLogger(log.With("component", "printer-manager"))

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(cfg.Metrics, nil)
		collector.InitPrinters(registry.Names())
	}

	hub := api.NewHub(log.With("component", "events"))
	go hub.Run(ctx)

	observers := printer.Observers{hub}
	if collector != nil {
		observers = append(observers, collector)
	}
	if influxClient != nil {
		observers = append(observers, influxdb.NewRecorder(influxClient))
	}
	manager.SetObserver(observers)

	dispatcher := printer.NewDispatcher(manager)
	log.Info("printer registry ready", "printers", registry.Names())

	var reconnect *reconnector
	if cfg.Printers.AutoConnect {
		reconnect, err = newReconnector(manager, cfg.Printers.ReconnectSchedule, log.With("component", "reconnect"))
		if err != nil {
			return err
		}
	}

	server, err := api.New(api.Deps{
		Config:     cfg.API,
		Logger:     log.With("component", "api"),
		Dispatcher: dispatcher,
		Audit:      auditRepo,
		Metrics:    collector,
		Hub:        hub,
		Version:    version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}

	if cfg.Printers.AutoConnect {
		go func() {
			n := manager.ConnectAll(ctx)
			log.Info("auto-connect complete", "connected", n, "printers", registry.Len())
		}()
	}
	if reconnect != nil {
		reconnect.Start(ctx)
	}

	if configPath != "" {
		watchConfig(ctx, configPath, log)
	}

	log.Info("initialisation complete, waiting for shutdown signal",
		"address", server.Addr(),
	)

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Stop taking requests before tearing down the sessions they use.
	if closeErr := server.Close(); closeErr != nil {
		log.Error("error closing API server", "error", closeErr)
	}
	if reconnect != nil {
		reconnect.Stop()
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if closeErr := manager.CloseAll(closeCtx); closeErr != nil {
		log.Warn("some printers did not disconnect cleanly", "error", closeErr)
	}

	log.Info("bambubridge stopped")
	return nil
}

// healthCheck verifies the optional infrastructure connections.
func healthCheck(ctx context.Context, db *database.DB, influxClient *influxdb.Client) error {
	if db != nil {
		if err := db.HealthCheck(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}

// watchConfig re-validates the config file on change. The running registry
// is never replaced; a valid new file still needs a restart.
func watchConfig(ctx context.Context, path string, log *logging.Logger) {
	w, err := config.NewWatcher(path, config.DefaultDebounce)
	if err != nil {
		log.Warn("config watcher unavailable", "path", path, "error", err)
		return
	}

	go func() {
		err := w.Watch(ctx, func(cfg *config.Config, err error) {
			if err != nil {
				log.Error("config file changed and is invalid", "path", path, "error", err)
				return
			}
			for _, warning := range cfg.Warnings {
				log.Warn(warning)
			}
			log.Warn("config file changed; restart to apply",
				"path", path,
				"printers", cfg.PrinterNames(),
			)
		})
		if err != nil {
			log.Error("config watcher stopped", "error", err)
		}
	}()
}
