// sparkplugd runs one Sparkplug session against an MQTT broker.
//
// With sparkplug.role "node" it publishes an edge node and its configured
// devices: BIRTH on connect, sequenced DATA, DEATH on shutdown, rebirth on
// command. With role "application" it runs a host application that tracks
// every edge node and device in its groups and asks desynced peers to
// rebirth.
//
// The session is supervised: when the broker connection drops it is rebuilt
// from scratch with exponential backoff.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	_ "github.com/nerrad567/sparkplug-core/migrations"

	"github.com/nerrad567/sparkplug-core/internal/api"
	"github.com/nerrad567/sparkplug-core/internal/infrastructure/config"
	"github.com/nerrad567/sparkplug-core/internal/infrastructure/database"
	"github.com/nerrad567/sparkplug-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/sparkplug-core/internal/infrastructure/logging"
	"github.com/nerrad567/sparkplug-core/internal/infrastructure/metrics"
	"github.com/nerrad567/sparkplug-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/sparkplug-core/internal/process"
	"github.com/nerrad567/sparkplug-core/internal/sparkplug"
	"github.com/nerrad567/sparkplug-core/internal/sparkplug/codec"
	"github.com/nerrad567/sparkplug-core/internal/sparkplug/engine"
	"github.com/nerrad567/sparkplug-core/internal/sparkplug/store"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/sparkplug.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// It returns nil on clean shutdown.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting sparkplugd",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Persistence is optional: bdSeq falls back to memory and births are
	// not recorded.
	var (
		db       *database.DB
		st       *store.Store
		recorder *store.BirthRecorder
	)
	if cfg.Database.Path != "" {
		db, err = database.Open(database.Config{
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
		log.Info("database connected", "path", cfg.Database.Path)

		if migrateErr := db.Migrate(ctx); migrateErr != nil {
			return fmt.Errorf("running migrations: %w", migrateErr)
		}
		log.Info("database migrations complete")

		st = store.New(db.DB)
		recorder = store.NewBirthRecorder(st, log)
		defer recorder.Close()
	} else {
		log.Info("database disabled, bdSeq will not survive restarts")
	}

	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			written, failed := influxClient.Counts()
			log.Info("closing InfluxDB connection", "points", written, "failed_batches", failed)
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
	} else {
		log.Info("InfluxDB disabled")
	}

	if err := healthCheck(ctx, db, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	spVersion, err := sparkplug.ParseVersion(cfg.Sparkplug.Version)
	if err != nil {
		return err
	}
	cdc, err := codec.ForVersion(spVersion)
	if err != nil {
		return err
	}

	prom := metrics.New()
	sinks := sparkplug.MultiSink{sparkplug.LogSink(log), prom}
	if influxClient != nil {
		sinks = append(sinks, influxClient)
	}
	if recorder != nil {
		sinks = append(sinks, recorder)
	}
	var hub *api.Hub
	if cfg.API.Enabled {
		hub = api.NewHub(cfg.WebSocket, log)
		sinks = append(sinks, hub)
	}

	var (
		factory process.Factory
		name    string
		host    atomic.Pointer[engine.Application]
	)
	switch cfg.Sparkplug.Role {
	case config.RoleApplication:
		name = "host/" + cfg.Sparkplug.HostID
		factory = applicationFactory(cfg, cdc, sinks, log)
	default:
		name = cfg.Sparkplug.GroupID + "/" + cfg.Sparkplug.EdgeNodeID
		var bdSeq engine.BdSeqSource
		if st != nil {
			bdSeq = st
		}
		factory, err = edgeFactory(cfg, cdc, bdSeq, sinks, log, mqttDialer(cfg.MQTT))
		if err != nil {
			return err
		}
	}

	mgr := process.NewManager(supervisorConfig(cfg, name, factory, &host))
	mgr.SetLogger(log.With("component", "supervisor"))
	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("starting session: %w", err)
	}
	defer func() {
		log.Info("stopping session", "name", name)
		if stopErr := mgr.Stop(); stopErr != nil {
			log.Warn("session ended with error", "name", name, "error", stopErr)
		}
	}()

	if cfg.API.Enabled {
		deps := api.Deps{
			Config:   cfg.API,
			WS:       cfg.WebSocket,
			Logger:   log,
			Sessions: []api.SessionReporter{mgr},
			Metrics:  prom.Handler(),
			Hub:      hub,
			Version:  version,
		}
		if cfg.Sparkplug.Role == config.RoleApplication {
			deps.Host = func() api.Host {
				if app := host.Load(); app != nil {
					return app
				}
				return nil
			}
		}
		if st != nil {
			deps.Births = st
		}

		srv, err := api.New(deps)
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
		defer func() {
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("API disabled")
	}

	log.Info("initialisation complete, waiting for shutdown signal",
		"role", cfg.Sparkplug.Role,
		"session", name,
	)

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, cleaning up")
	case <-mgr.Done():
		if ctx.Err() != nil {
			log.Info("shutdown signal received, cleaning up")
			break
		}
		if lastErr := mgr.LastError(); lastErr != nil {
			runErr = fmt.Errorf("session %s: %w", name, lastErr)
		}
		log.Error("session supervisor gave up", "name", name, "error", runErr)
	}

	// Deferred calls run in reverse order: API server, session (DEATH or
	// STATE offline is published here), InfluxDB, birth recorder, database.
	log.Info("sparkplugd stopped")
	return runErr
}

// supervisorConfig maps the reconnect settings onto the session manager.
// For host applications the running engine is published through host so
// the API can reach it.
func supervisorConfig(cfg *config.Config, name string, factory process.Factory, host *atomic.Pointer[engine.Application]) process.Config {
	pc := process.DefaultConfig(name, factory)
	pc.RestartDelay, pc.MaxRestartDelay = cfg.GetReconnectDelays()
	pc.MaxRestartAttempts = cfg.MQTT.Reconnect.MaxAttempts
	pc.OnStart = func(s process.Session) {
		if app, ok := s.(*engine.Application); ok {
			host.Store(app)
		}
	}
	pc.OnStop = func(error) {
		host.Store(nil)
	}
	return pc
}

// dialer returns a fresh, unconnected transport for the named session.
type dialer func(session string, log *logging.Logger) sparkplug.Transport

func mqttDialer(cfg config.MQTTConfig) dialer {
	return func(session string, log *logging.Logger) sparkplug.Transport {
		return mqtt.New(cfg, session, log)
	}
}

// edgeFactory converts the configured metrics once and returns a factory
// that builds the node and its devices on fresh transports. Every node the
// factory builds draws from the same bdSeq source, so each restart connects
// with the next value; a nil source means one in-memory counter for the
// life of the process.
func edgeFactory(cfg *config.Config, cdc codec.Codec, bdSeq engine.BdSeqSource, sink sparkplug.EventSink, log *logging.Logger, dial dialer) (process.Factory, error) {
	sp := cfg.Sparkplug
	if bdSeq == nil {
		bdSeq = &engine.MemoryBdSeq{}
	}
	identity := sparkplug.Identity{GroupID: sp.GroupID, EdgeNodeID: sp.EdgeNodeID}

	nodeMetrics, err := buildMetrics(sp.Metrics)
	if err != nil {
		return nil, fmt.Errorf("node metrics: %w", err)
	}
	deviceMetrics := make([][]sparkplug.Metric, len(sp.Devices))
	for i, d := range sp.Devices {
		deviceMetrics[i], err = buildMetrics(d.Metrics)
		if err != nil {
			return nil, fmt.Errorf("device %s metrics: %w", d.ID, err)
		}
	}

	return func(context.Context) (process.Session, error) {
		nodeLog := log.Session(identity.String(), sparkplug.RoleNode)
		node, err := engine.NewNode(engine.NodeOptions{
			Identity:      identity,
			Codec:         cdc,
			Transport:     dial(identity.String(), nodeLog),
			Metrics:       nodeMetrics,
			PrimaryHostID: sp.PrimaryHostID,
			BdSeq:         bdSeq,
			Sink:          sink,
			Logger:        nodeLog,
		})
		if err != nil {
			return nil, err
		}

		devices := make([]*engine.Device, 0, len(sp.Devices))
		for i, d := range sp.Devices {
			devID := identity
			devID.DeviceID = d.ID
			devLog := log.Session(devID.String(), sparkplug.RoleDevice)
			dev, err := engine.NewDevice(engine.DeviceOptions{
				Owner:     node,
				DeviceID:  d.ID,
				Codec:     cdc,
				Transport: dial(devID.String(), devLog),
				Metrics:   deviceMetrics[i],
				Sink:      sink,
				Logger:    devLog,
			})
			if err != nil {
				return nil, err
			}
			devices = append(devices, dev)
		}
		return newEdgeGroup(node, devices), nil
	}, nil
}

// applicationFactory returns a factory that builds the host application on
// a fresh transport.
func applicationFactory(cfg *config.Config, cdc codec.Codec, sink sparkplug.EventSink, log *logging.Logger) process.Factory {
	sp := cfg.Sparkplug
	return func(context.Context) (process.Session, error) {
		appLog := log.Session("host/"+sp.HostID, sparkplug.RoleApplication)
		return engine.NewApplication(engine.ApplicationOptions{
			HostID:         sp.HostID,
			Codec:          cdc,
			Transport:      mqtt.New(cfg.MQTT, sp.HostID, appLog),
			Groups:         sp.Groups,
			RequestRebirth: sp.RequestRebirth,
			RebirthRetry:   cfg.GetRebirthRetry(),
			Sink:           sink,
			Logger:         appLog,
		})
	}
}

// buildMetrics converts metric declarations from the config file. A missing
// value declares a null metric. YAML decodes 20 as an int, so whole numbers
// are accepted for Float and Double.
func buildMetrics(decls []config.MetricConfig) ([]sparkplug.Metric, error) {
	out := make([]sparkplug.Metric, 0, len(decls))
	for _, d := range decls {
		dt, err := sparkplug.ParseDataType(d.Type)
		if err != nil {
			return nil, fmt.Errorf("metric %q: %w", d.Name, err)
		}
		if d.Value == nil {
			out = append(out, sparkplug.NullMetric(d.Name, dt))
			continue
		}
		value := d.Value
		if n, ok := value.(int); ok && (dt == sparkplug.TypeFloat || dt == sparkplug.TypeDouble) {
			value = float64(n)
		}
		m, err := sparkplug.NewMetric(d.Name, dt, value)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// getConfigPath returns the configuration file path.
// Uses SPARKPLUG_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("SPARKPLUG_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies the optional backing stores are reachable. Either
// argument may be nil when disabled.
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
