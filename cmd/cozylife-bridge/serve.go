package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/gray-logic-cozylife/internal/bridges/cozylife"
	"github.com/nerrad567/gray-logic-cozylife/internal/history"
	"github.com/nerrad567/gray-logic-cozylife/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-cozylife/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-cozylife/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-cozylife/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-cozylife/internal/infrastructure/metrics"
	"github.com/nerrad567/gray-logic-cozylife/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-cozylife/migrations"
)

// prunerStopTimeout bounds how long shutdown waits for a running prune.
const prunerStopTimeout = 5 * time.Second

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge until interrupted",
		Long: `Connects to every configured device and the MQTT broker, polls device
state and executes commands until SIGINT or SIGTERM.`,
		Example: `  cozylife-bridge serve --config /etc/cozylife/config.yaml
  COZYLIFE_CONFIG=./config.yaml cozylife-bridge serve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), getConfigPath(*configPath))
		},
	}
}

// run is the bridge lifecycle, separated from the command for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//   - configPath: YAML configuration file
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context, configPath string) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting CozyLife bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded",
		"path", configPath,
		"devices", len(cfg.Devices),
		"mqtt", cfg.MQTT.String(),
	)

	devices := deviceInfos(cfg.Devices)

	// State history (optional)
	var recorder *historyRecorder
	if cfg.History.Enabled {
		repo, closeDB, histErr := openHistory(ctx, cfg, devices, log)
		if histErr != nil {
			return histErr
		}
		defer closeDB()
		recorder = &historyRecorder{repo: repo}

		pruner, prunerErr := history.NewPruner(history.PrunerConfig{
			Schedule:  cfg.History.PruneSchedule,
			Retention: cfg.History.Retention,
			Prune:     repo.PruneHistory,
			Logger:    log,
		})
		if prunerErr != nil {
			return fmt.Errorf("creating history pruner: %w", prunerErr)
		}
		pruner.Start()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), prunerStopTimeout)
			defer cancel()
			pruner.Stop(stopCtx)
		}()
		log.Info("state history enabled",
			"retention", cfg.History.Retention.String(),
			"prune_schedule", cfg.History.PruneSchedule,
		)
	} else {
		log.Info("state history disabled")
	}

	// Connect to MQTT broker with an offline will on the health topic
	willPayload, err := cozylife.WillPayload(cfg.Bridge.ID)
	if err != nil {
		return fmt.Errorf("encoding will message: %w", err)
	}
	mqttClient, err := mqtt.Connect(cfg.MQTT, mqtt.Will{
		Topic:   cozylife.HealthTopic(),
		Payload: willPayload,
	})
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	mqttClient.SetLogger(log)
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

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	var series cozylife.StateWriter
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
		series = &influxWriter{client: influxClient}
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Metrics (optional)
	registry := metrics.NewRegistry()
	obs := &observers{influx: influxClient}
	if cfg.Metrics.Enabled {
		obs.prom = metrics.NewRecorder(registry, cozylife.ErrorCode)
	}

	bridgeOpts := cozylife.BridgeOptions{
		BridgeID:       cfg.Bridge.ID,
		Version:        version,
		Devices:        devices,
		MQTTClient:     &mqttBridgeAdapter{client: mqttClient},
		LinkConfig:     linkConfig(cfg.Bridge),
		PollInterval:   cfg.Bridge.PollInterval,
		ConfirmDelay:   cfg.Bridge.ConfirmDelay,
		StopGrace:      cfg.Bridge.ShutdownGrace,
		HealthInterval: cfg.Bridge.HealthInterval,
		TimeSeries:     series,
		Metrics:        obs,
		Logger:         log,
	}
	// A nil *historyRecorder must not become a non-nil interface.
	if recorder != nil {
		bridgeOpts.History = recorder
		bridgeOpts.HistoryReader = recorder
	}
	bridge, err := cozylife.NewBridge(bridgeOpts)
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}

	if cfg.Metrics.Enabled {
		registry.MustRegister(metrics.NewLinkCollector(linkSamples(bridge)))
		metricsServer := metrics.NewServer(cfg.Metrics, registry, log)
		if startErr := metricsServer.Start(); startErr != nil {
			return fmt.Errorf("starting metrics server: %w", startErr)
		}
		defer func() {
			if closeErr := metricsServer.Close(); closeErr != nil {
				log.Error("error closing metrics server", "error", closeErr)
			}
		}()
	} else {
		log.Info("metrics disabled")
	}

	// Replace the retained offline will as soon as the broker is back.
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
		if pubErr := bridge.PublishHealth(); pubErr != nil {
			log.Warn("failed to publish health after reconnect", "error", pubErr)
		}
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	if err := bridge.Start(ctx); err != nil {
		bridge.Stop()
		return fmt.Errorf("starting bridge: %w", err)
	}
	defer func() {
		log.Info("stopping bridge")
		bridge.Stop()
	}()

	if err := healthCheck(ctx, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order: bridge, metrics, InfluxDB,
	// MQTT, pruner, database.
	return nil
}

// openHistory opens and migrates the database and refreshes the device
// inventory. The returned func closes the database.
func openHistory(ctx context.Context, cfg *config.Config, devices []cozylife.DeviceInfo, log *logging.Logger) (history.Repository, func(), error) {
	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	closeDB := func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}

	if err := db.Migrate(ctx, migrations.FS); err != nil {
		closeDB()
		return nil, nil, fmt.Errorf("running migrations: %w", err)
	}
	log.Info("database ready", "path", db.Path())

	repo := history.NewSQLiteRepository(db.DB)
	for _, d := range devices {
		if err := repo.UpsertDevice(ctx, inventoryDevice(d)); err != nil {
			closeDB()
			return nil, nil, fmt.Errorf("recording device inventory: %w", err)
		}
	}
	return repo, closeDB, nil
}

// healthCheck verifies the infrastructure connections the bridge relies on.
// influxClient may be nil when InfluxDB is disabled.
func healthCheck(ctx context.Context, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}

// deviceInfos converts configured devices to bridge identities.
func deviceInfos(devices []config.DeviceConfig) []cozylife.DeviceInfo {
	out := make([]cozylife.DeviceInfo, 0, len(devices))
	for _, d := range devices {
		out = append(out, cozylife.DeviceInfo{
			DeviceID:  d.DeviceID,
			IP:        d.IP,
			Port:      d.Port,
			ProductID: d.ProductID,
			DPID:      d.DPID,
			Model:     d.Model,
			Channels:  d.Channels,
			Names:     d.Names,
		})
	}
	return out
}

// linkConfig builds the per-device link settings; Address is filled in per device.
func linkConfig(b config.BridgeConfig) cozylife.LinkConfig {
	return cozylife.LinkConfig{
		IOTimeout: b.IOTimeout,
		Reconnect: cozylife.ReconnectPolicy{
			InitialDelay: b.Reconnect.InitialDelay,
			MaxDelay:     b.Reconnect.MaxDelay,
			Multiplier:   b.Reconnect.Multiplier,
		},
	}
}

func inventoryDevice(d cozylife.DeviceInfo) history.Device {
	return history.Device{
		DeviceID:  d.DeviceID,
		Address:   d.Address(),
		ProductID: d.ProductID,
		Model:     d.Model,
		Channels:  d.Channels,
	}
}
