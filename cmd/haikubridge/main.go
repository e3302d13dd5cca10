// Haiku Bridge - SenseMe fan controller bridge
//
// This is the main entry point. It connects to one Haiku ceiling fan over
// the SenseMe UDP protocol and exposes it through:
//   - A REST API and WebSocket feed
//   - MQTT topics for home-automation controllers (optional)
//   - Prometheus and InfluxDB telemetry (InfluxDB optional)
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/nerrad567/haiku-bridge/internal/api"
	"github.com/nerrad567/haiku-bridge/internal/bridges/senseme"
	"github.com/nerrad567/haiku-bridge/internal/bus"
	"github.com/nerrad567/haiku-bridge/internal/device"
	"github.com/nerrad567/haiku-bridge/internal/infrastructure/config"
	"github.com/nerrad567/haiku-bridge/internal/infrastructure/database"
	"github.com/nerrad567/haiku-bridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/haiku-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/haiku-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/haiku-bridge/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path. Missing is fine: defaults plus
// HAIKU_* environment variables are a complete configuration.
const defaultConfigPath = "configs/config.yaml"

// historyRetention bounds the command history table.
const historyRetention = 30 * 24 * time.Hour

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error { //nolint:gocognit,gocyclo // linear startup sequence
	log := logging.Default()
	log.Info("starting Haiku Bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded",
		"path", configPath,
		"fan", cfg.Fan.Address,
		"mqtt_enabled", cfg.MQTT.Enabled,
		"influxdb_enabled", cfg.InfluxDB.Enabled,
	)

	// Database: fan identity and command history
	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
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
	log.Info("database ready", "path", cfg.Database.Path)

	identities := device.NewIdentityRepository(db.DB)
	history := device.NewHistoryRepository(db.DB, log)
	if pruned, pruneErr := history.Prune(ctx, historyRetention); pruneErr != nil {
		log.Warn("pruning command history failed", "error", pruneErr)
	} else if pruned > 0 {
		log.Info("pruned command history", "rows", pruned)
	}

	// Device link and name
	link, err := senseme.NewLink(senseme.LinkConfig{
		Address:         cfg.Fan.Address,
		Port:            cfg.Fan.Port,
		Name:            cfg.Fan.Name,
		ResponseTimeout: cfg.GetResponseTimeout(),
	})
	if err != nil {
		return fmt.Errorf("creating fan link: %w", err)
	}
	link.SetLogger(log)
	defer func() {
		log.Info("closing fan link")
		if closeErr := link.Close(); closeErr != nil {
			log.Error("error closing fan link", "error", closeErr)
		}
	}()

	name := senseme.ResolveName(ctx, link, identities, link.Addr(), log)
	log.Info("fan link ready", "address", link.Addr(), "name", name)

	cache := senseme.NewStateCache(cfg.Fan.LightOnLevel, cfg.Fan.Whoosh)
	cache.SetName(name)

	// Telemetry
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := senseme.NewMetrics(registry)
	if err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	sinks := senseme.Sinks{metrics}
	observers := senseme.Observers{metrics, history}

	influxClient, err := influxdb.Connect(ctx, cfg.InfluxDB)
	switch {
	case errors.Is(err, influxdb.ErrDisabled):
		log.Info("InfluxDB disabled")
	case err != nil:
		return fmt.Errorf("connecting to InfluxDB: %w", err)
	default:
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		telemetry := newInfluxTelemetry(influxClient, fanTag(name, link.Addr()))
		sinks = append(sinks, telemetry)
		observers = append(observers, telemetry)
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	}

	// WebSocket hub is a sink too, so it exists before the fan context
	hub := api.NewHub(cfg.WebSocket, log)
	go hub.Run(ctx)
	sinks = append(sinks, hub)

	// MQTT
	var mqttClient *mqtt.Client
	var publisher *bus.Publisher
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
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
			"base_topic", cfg.MQTT.BaseTopic,
		)

		publisher, err = bus.NewPublisher(bus.PublisherConfig{
			Client: mqttClient,
			Topics: mqttClient.Topics(),
			QoS:    byte(cfg.MQTT.QoS),
			State:  cacheState{cache},
			Fields: cache.Fields(),
		})
		if err != nil {
			return fmt.Errorf("creating MQTT publisher: %w", err)
		}
		publisher.SetLogger(log)
		publisher.Start(ctx)
		defer func() {
			log.Info("stopping MQTT publisher")
			publisher.Stop()
		}()
		sinks = append(sinks, publisher)
	} else {
		log.Info("MQTT disabled")
	}

	// Shared fan context
	fan, err := senseme.NewFan(senseme.FanOptions{
		Link:     link,
		Cache:    cache,
		Sink:     sinks,
		Observer: observers,
		Logger:   log,
	})
	if err != nil {
		return fmt.Errorf("creating fan context: %w", err)
	}
	bridge, err := senseme.NewBridge(fan)
	if err != nil {
		return fmt.Errorf("creating command bridge: %w", err)
	}

	poller, err := senseme.NewPoller(fan, senseme.PollerConfig{Interval: cfg.GetPollInterval()})
	if err != nil {
		return fmt.Errorf("creating poller: %w", err)
	}
	poller.Start(ctx)
	defer func() {
		log.Info("stopping poller")
		poller.Stop()
	}()
	log.Info("poller started", "interval", cfg.GetPollInterval())

	// MQTT command listener and health
	if mqttClient != nil {
		listener, listenErr := bus.NewListener(bus.ListenerConfig{
			Client:    mqttClient,
			Topics:    mqttClient.Topics(),
			QoS:       byte(cfg.MQTT.QoS),
			Commander: bridge,
		})
		if listenErr != nil {
			return fmt.Errorf("creating MQTT listener: %w", listenErr)
		}
		listener.SetLogger(log)
		if startErr := listener.Start(ctx); startErr != nil {
			return fmt.Errorf("starting MQTT listener: %w", startErr)
		}
		defer func() {
			log.Info("stopping MQTT listener")
			listener.Stop()
		}()

		health := bus.NewHealthReporter(bus.HealthReporterConfig{
			Version:   version,
			Interval:  cfg.GetPollInterval(),
			Publisher: mqttClient,
			Topics:    mqttClient.Topics(),
			QoS:       byte(cfg.MQTT.QoS),
			Address:   link.Addr(),
			Poller:    poller,
			Link:      link,
			State:     bridge,
			Dropped:   listener.Dropped,
		})
		health.SetLogger(log)
		health.Start(ctx)
		defer func() {
			log.Info("stopping health reporter")
			health.Stop()
		}()

		// Retained topics are republished on every (re)connect so a broker
		// restart does not leave controllers without state.
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT connected, republishing state")
			if pubErr := publisher.PublishAll(); pubErr != nil {
				log.Warn("republishing state failed", "error", pubErr)
			}
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
	}

	// REST API
	deps := api.Deps{
		Config:   cfg.API,
		WS:       cfg.WebSocket,
		Logger:   log,
		Bridge:   bridge,
		Hub:      hub,
		Link:     link,
		Poller:   poller,
		History:  history,
		DB:       db.DB,
		Gatherer: registry,
		Version:  version,
	}
	if mqttClient != nil {
		deps.MQTT = mqttClient
	}
	server, err := api.New(deps)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	log.Info("initialisation complete, waiting for shutdown signal",
		"api", fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
	)

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")
	// Deferred closes run in reverse: API, health, listener, poller,
	// MQTT, InfluxDB, link, database.
	return nil
}

// getConfigPath returns the configuration file path.
// HAIKU_CONFIG wins; otherwise the default path when it exists, else none.
func getConfigPath() string {
	if path := os.Getenv("HAIKU_CONFIG"); path != "" {
		return path
	}
	if _, err := os.Stat(defaultConfigPath); err == nil {
		return defaultConfigPath
	}
	return ""
}

// cacheState lets the publisher render snapshots before the fan context
// exists.
type cacheState struct {
	cache *senseme.StateCache
}

func (c cacheState) State() senseme.FanState {
	return c.cache.Snapshot()
}

// fanTag is the InfluxDB tag identifying the fan.
func fanTag(name, address string) string {
	if name != "" {
		return name
	}
	return address
}
