// Hearth Core - Home Automation Runtime
//
// This is the main entry point for the Hearth runtime daemon. It wires the
// event bus, state store and service registry under a single lifecycle,
// attaches the optional edges (history recorder, MQTT bridge, telemetry,
// HTTP API) and runs until a shutdown signal arrives.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hearthline/hearth-core/internal/api"
	"github.com/hearthline/hearth-core/internal/bridge/mqtt"
	"github.com/hearthline/hearth-core/internal/core"
	"github.com/hearthline/hearth-core/internal/history"
	"github.com/hearthline/hearth-core/internal/infrastructure/config"
	"github.com/hearthline/hearth-core/internal/infrastructure/logging"
	"github.com/hearthline/hearth-core/internal/site"
	"github.com/hearthline/hearth-core/internal/telemetry"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	code, err := run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if code == 0 {
			code = 1
		}
	}
	os.Exit(code)
}

// run is the actual application logic, separated from main for testability.
// It returns the exit code recorded by the core's shutdown.
func run(ctx context.Context) (int, error) {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Hearth Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return 1, fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Load the persisted core configuration record
	siteStore := site.New(cfg.Site.Path, log.With("component", "site"))
	siteRecord, err := siteStore.Load()
	if err != nil {
		return 1, fmt.Errorf("loading site config: %w", err)
	}
	log.Info("site config loaded",
		"location", siteRecord.LocationName,
		"time_zone", siteRecord.TimeZone,
	)

	// Build the runtime core
	c := core.New(core.Config{
		Timeouts: core.Timeouts{
			Start:      time.Duration(cfg.Core.StartTimeout) * time.Second,
			Stop:       time.Duration(cfg.Core.StopTimeout) * time.Second,
			FinalWrite: time.Duration(cfg.Core.FinalWriteTimeout) * time.Second,
			Close:      time.Duration(cfg.Core.CloseTimeout) * time.Second,
		},
		Workers:            cfg.Core.Workers,
		QueueSize:          cfg.Core.QueueSize,
		ServiceCallTimeout: time.Duration(cfg.Core.ServiceCallTimeout) * time.Second,
		SiteConfig:         siteRecord,
		Logger:             log.With("component", "core"),
	})

	// History recorder (optional)
	var recorder *history.Recorder
	if cfg.History.Enabled {
		recorder, err = history.Open(history.Config{
			Path:          cfg.History.Path,
			BusyTimeout:   cfg.History.BusyTimeout,
			RetentionDays: cfg.History.RetentionDays,
		}, log.With("component", "history"))
		if err != nil {
			return 1, fmt.Errorf("opening history: %w", err)
		}
		defer func() {
			log.Info("closing history recorder")
			if closeErr := recorder.Close(); closeErr != nil {
				log.Error("error closing history", "error", closeErr)
			}
		}()

		if err := recorder.Attach(c.Bus); err != nil {
			return 1, fmt.Errorf("attaching history recorder: %w", err)
		}
		if _, err := c.SpawnTask("history:purge", recorder.RunPurgeLoop); err != nil {
			return 1, fmt.Errorf("starting history purge loop: %w", err)
		}
		log.Info("history recorder attached", "path", cfg.History.Path)
	} else {
		log.Info("history recording disabled")
	}

	// MQTT bridge (optional)
	if cfg.MQTT.Enabled {
		mqttClient, err := mqtt.Connect(cfg.MQTT)
		if err != nil {
			return 1, fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		mqttLog := log.With("component", "mqtt")
		mqttClient.SetLogger(mqttLog)
		mqttClient.SetOnConnect(func() {
			mqttLog.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			mqttLog.Warn("MQTT disconnected", "error", err)
		})

		stream := mqtt.NewStream(mqttClient, c.Bus, c, mqttLog)
		if err := stream.Attach(); err != nil {
			return 1, fmt.Errorf("attaching MQTT stream: %w", err)
		}
		defer stream.Detach()
	} else {
		log.Info("MQTT bridge disabled")
	}

	// InfluxDB telemetry (optional)
	if cfg.InfluxDB.Enabled {
		influxClient, err := telemetry.Connect(cfg.InfluxDB, log.With("component", "telemetry"))
		if err != nil {
			return 1, fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		if err := influxClient.Attach(c.Bus); err != nil {
			return 1, fmt.Errorf("attaching telemetry: %w", err)
		}
	} else {
		log.Info("InfluxDB disabled")
	}

	// HTTP API (optional)
	if cfg.API.Enabled {
		server, err := api.New(api.Deps{
			Config:   cfg.API,
			WS:       cfg.WebSocket,
			Security: cfg.Security,
			Logger:   log.With("component", "api"),
			Core:     c,
			History:  recorder,
			Version:  version,
		})
		if err != nil {
			return 1, fmt.Errorf("creating API server: %w", err)
		}
		if err := server.Start(ctx); err != nil {
			return 1, fmt.Errorf("starting API server: %w", err)
		}
		defer func() {
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("API server disabled")
	}

	log.Info("initialisation complete, starting core")

	// Run blocks until a shutdown signal cancels ctx or Stop is called.
	code, err := c.Run(ctx)
	if err != nil {
		return code, fmt.Errorf("running core: %w", err)
	}

	log.Info("Hearth Core stopped", "exit_code", code)
	return code, nil
}

// getConfigPath returns the configuration file path.
// Uses HEARTH_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("HEARTH_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
