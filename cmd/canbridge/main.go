// canbridge - CAN bus encoder and motor bridge
//
// This is the main entry point for the bridge daemon. It:
//   - tracks rotary encoders from their CANopen TPDO frames
//   - serves a line-delimited JSON command protocol over TCP (and
//     optionally WebSocket) for motor control and encoder monitoring
//   - pushes encoder readings to subscribed clients every 100ms
//
// Optional integrations: slcand supervision, an SQLite command log,
// MQTT state publishing, InfluxDB sampling and a read-only HTTP status API.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/canbridge/internal/api"
	"github.com/nerrad567/canbridge/internal/audit"
	"github.com/nerrad567/canbridge/internal/bridges/canbus"
	"github.com/nerrad567/canbridge/internal/canopen"
	"github.com/nerrad567/canbridge/internal/infrastructure/config"
	"github.com/nerrad567/canbridge/internal/infrastructure/database"
	"github.com/nerrad567/canbridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/canbridge/internal/infrastructure/logging"
	"github.com/nerrad567/canbridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/canbridge/internal/motion"
	"github.com/nerrad567/canbridge/internal/process"
	"github.com/nerrad567/canbridge/internal/server"
	"github.com/nerrad567/canbridge/internal/telemetry"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// interfaceWait bounds the wait for a managed slcand interface.
const interfaceWait = 10 * time.Second

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
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting canbridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := config.PathFromEnv()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	if cfg.Path == "" {
		log.Warn("config file not found, using defaults", "path", configPath)
	} else {
		log.Info("configuration loaded", "path", cfg.Path)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	go watchDebugSignal(gctx, log)

	// fail stops whatever was already started (e.g. slcand) before the
	// deferred closes run.
	fail := func(err error) error {
		cancel()
		_ = g.Wait()
		return err
	}

	// Start slcand first so the SocketCAN channel exists before it is opened.
	if cfg.CAN.SLCAND.Managed {
		slcand, slcandErr := process.NewSLCAND(cfg.CAN)
		if slcandErr != nil {
			return fmt.Errorf("configuring slcand: %w", slcandErr)
		}
		slcand.SetLogger(log)
		g.Go(func() error { return slcand.Run(gctx) })

		if waitErr := waitForInterface(gctx, cfg.CAN.Channel, interfaceWait); waitErr != nil {
			return fail(fmt.Errorf("waiting for %s: %w", cfg.CAN.Channel, waitErr))
		}
		log.Info("slcand started", "channel", cfg.CAN.Channel, "serial_port", cfg.CAN.SerialPort)
	}

	// Open the CAN bus
	busCfg := canbusConfig(cfg.CAN)
	transport, err := canbus.Open(busCfg)
	if err != nil {
		return fail(fmt.Errorf("opening CAN interface: %w", err))
	}
	bus := canbus.NewBus(transport, canbus.BusConfig{
		ReceiveTimeout: cfg.ReceiveTimeout(),
		ReopenInterval: cfg.ReopenInterval(),
	})
	bus.SetLogger(log)
	bus.SetReopen(func() (canbus.Transport, error) { return canbus.Open(busCfg) })
	defer func() {
		log.Info("closing CAN bus")
		if closeErr := bus.Close(); closeErr != nil {
			log.Error("error closing CAN bus", "error", closeErr)
		}
	}()
	log.Info("CAN bus opened", "interface", busCfg.Interface, "channel", busCfg.Channel)

	registry, err := openRegistry(cfg.Encoder, log)
	if err != nil {
		return fail(err)
	}
	bus.SetOnFrame(func(f canbus.Frame) {
		registry.IngestFrame(f.ID, f.Data)
	})

	exec := motion.NewExecutor(bus)
	exec.SetLogger(log)

	renamer := canopen.NewRenamer(exec, renamerConfig(cfg.CANopen))
	renamer.SetLogger(log)

	dispatcher := server.NewDispatcher(server.DispatcherConfig{
		Stepper: motion.StepperConfig{
			ID:       uint32(cfg.Motion.StepperID), //nolint:gosec // validated as an 11-bit id
			MaxSteps: registry.Params().Resolution,
			Timeout:  cfg.AckTimeout(),
		},
		ResetTimeout: cfg.ResetTimeout(),
	}, registry, exec, renamer, log)

	srv, err := server.New(server.Deps{
		Config: server.Config{
			Addr:              cfg.ListenAddr(),
			SendBuffer:        cfg.Server.SendBuffer,
			BroadcastInterval: cfg.BroadcastInterval(),
			StaleAfter:        cfg.StaleAfter(),
		},
		Registry:   registry,
		Dispatcher: dispatcher,
		Logger:     log,
	})
	if err != nil {
		return fail(fmt.Errorf("creating command server: %w", err))
	}

	// Optional command log
	var db *database.DB
	var recorder *audit.Recorder
	var commandLog api.CommandLog
	if cfg.Database.Enabled {
		db, recorder, err = openAudit(ctx, cfg.Database, log)
		if err != nil {
			return fail(err)
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()
		dispatcher.AddObserver(recorder)
		g.Go(func() error { return recorder.Run(gctx) })
		commandLog = audit.NewSQLiteRepository(db.DB)
	} else {
		log.Info("command log disabled")
	}

	sources := telemetry.Sources{
		Encoders: registry,
		Bus:      bus,
		Sessions: srv.Hub(),
	}
	if recorder != nil {
		sources.Audit = recorder
	}

	// Optional MQTT publishing
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT, mqtt.Topics{})
		if err != nil {
			return fail(fmt.Errorf("connecting to MQTT: %w", err))
		}
		defer func() {
			stats := mqttClient.Stats()
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
			log.Info("MQTT disconnected",
				"sessions", stats.Connects,
				"connection_losses", stats.Losses,
			)
		}()
		mqttClient.SetLogger(log)
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		publisher := telemetry.NewMQTTPublisher(mqttClient, mqttClient.Topics(), sources,
			time.Duration(cfg.MQTT.PublishIntervalMS)*time.Millisecond, cfg.StaleAfter())
		publisher.SetLogger(log)
		mqttClient.SetOnConnect(publisher.Resync)
		registry.SetOnChange(func(nodes []int) {
			log.Info("tracked encoders changed", "nodes", nodes)
			publisher.Resync()
		})
		dispatcher.AddObserver(publisher)
		g.Go(func() error { return publisher.Run(gctx) })
	} else {
		log.Info("MQTT disabled")
	}

	// Optional InfluxDB sampling
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB)
		if err != nil {
			return fail(fmt.Errorf("connecting to InfluxDB: %w", err))
		}
		defer func() {
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
			stats := influxClient.Stats()
			log.Info("InfluxDB connection closed",
				"points_queued", stats.Queued,
				"write_errors", stats.WriteErrors,
			)
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
			"tags", cfg.InfluxDB.Tags,
		)

		sampler := telemetry.NewInfluxSampler(influxClient, sources, cfg.CAN.Channel,
			time.Duration(cfg.InfluxDB.SampleIntervalMS)*time.Millisecond, cfg.StaleAfter())
		dispatcher.AddObserver(sampler)
		g.Go(func() error { return sampler.Run(gctx) })
	} else {
		log.Info("InfluxDB disabled")
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fail(fmt.Errorf("health check failed: %w", err))
	}

	// Observers are registered; start serving.
	if err := srv.Listen(); err != nil {
		return fail(fmt.Errorf("starting command server: %w", err))
	}
	log.Info("command server listening", "addr", srv.Addr().String())

	g.Go(func() error { return bus.Run(gctx) })
	g.Go(func() error { return srv.Serve(gctx) })
	g.Go(func() error { return srv.RunBroadcaster(gctx) })

	if cfg.Server.HTTP.Enabled {
		err := startHTTP(gctx, g, api.Deps{
			Config:     cfg.Server.HTTP,
			Logger:     log,
			Sources:    sources,
			Audit:      commandLog,
			WebSocket:  srv.WSHandler(),
			StaleAfter: cfg.StaleAfter(),
			Version:    version,
		})
		if err != nil {
			return fail(err)
		}
	}

	log.Info("initialisation complete, waiting for shutdown signal")

	err = g.Wait()
	dispatcher.WaitPulses()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("canbridge stopped")
	return nil
}
