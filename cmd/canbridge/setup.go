package main

import (
	"context"
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
	"github.com/nerrad567/canbridge/internal/encoder"
	"github.com/nerrad567/canbridge/internal/infrastructure/config"
	"github.com/nerrad567/canbridge/internal/infrastructure/database"
	"github.com/nerrad567/canbridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/canbridge/internal/infrastructure/logging"
	"github.com/nerrad567/canbridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/canbridge/internal/process"
	"github.com/nerrad567/canbridge/migrations"
)

// auditQueueSize bounds command log entries waiting for the database.
const auditQueueSize = 256

func canbusConfig(can config.CANConfig) canbus.Config {
	return canbus.Config{
		Interface:  can.Interface,
		Channel:    can.Channel,
		SerialPort: can.SerialPort,
		SerialBaud: can.SerialBaud,
		Bitrate:    can.Bitrate,
	}
}

func renamerConfig(c config.CANopenConfig) canopen.RenamerConfig {
	ms := func(n int) time.Duration { return time.Duration(n) * time.Millisecond }
	return canopen.RenamerConfig{
		SDOTimeout:  ms(c.SDOTimeoutMS),
		HeartbeatMS: uint16(min(max(c.HeartbeatMS, 0), 0xFFFF)), //nolint:gosec // clamped
		StoreDelay:  ms(c.StoreDelayMS),
		NMTDelay:    ms(c.NMTDelayMS),
		RebootDelay: ms(c.RebootDelayMS),
	}
}

// encoderDefaults is the record used when the state file is missing or
// unusable.
func encoderDefaults(c config.EncoderConfig) encoder.Record {
	return encoder.Record{
		NodeIDs: c.DefaultNodes,
		Params:  encoder.Params{Resolution: c.Resolution, FullCircle: c.FullCircle},
	}
}

// openRegistry loads the persisted record, falling back to the configured
// defaults, and rewrites it once so the file always reflects the running
// state.
func openRegistry(c config.EncoderConfig, log *logging.Logger) (*encoder.Registry, error) {
	store := encoder.NewFileStore(c.StateFile)
	rec, err := store.Load(encoderDefaults(c))
	if err != nil {
		log.Warn("encoder state unreadable, using defaults", "path", store.Path(), "error", err)
	}

	registry, err := encoder.NewRegistry(rec.Params, rec.NodeIDs)
	if err != nil {
		return nil, fmt.Errorf("creating encoder registry: %w", err)
	}
	registry.SetLogger(log)
	registry.SetStore(store)

	if err := registry.Persist(); err != nil {
		log.Warn("writing encoder state failed", "path", store.Path(), "error", err)
	}
	log.Info("encoder registry initialised",
		"nodes", registry.Nodes(),
		"resolution", rec.Params.Resolution,
		"state_file", store.Path(),
	)
	return registry, nil
}

// openAudit opens the database, applies migrations and returns the
// command log recorder. The caller closes db.
func openAudit(ctx context.Context, c config.DatabaseConfig, log *logging.Logger) (*database.DB, *audit.Recorder, error) {
	db, err := database.Open(ctx, database.ConfigFrom(c))
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Migrate(ctx, migrations.FS); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("running migrations: %w", err)
	}
	log.Info("database connected", "path", c.Path)

	recorder := audit.NewRecorder(audit.NewSQLiteRepository(db.DB), auditQueueSize)
	recorder.SetLogger(log)
	recorder.SetRetention(time.Duration(c.RetentionDays) * 24 * time.Hour)
	return db, recorder, nil
}

// healthCheck verifies the optional backends that are enabled (nil
// clients are skipped).
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if db != nil {
		if err := db.HealthCheck(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}

// waitForInterface polls until the network interface is up.
func waitForInterface(ctx context.Context, channel string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		err := process.InterfaceUp(channel)
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w (last: %w)", ctx.Err(), err)
		case <-ticker.C:
		}
	}
}

// startHTTP serves the WebSocket endpoint and the status API until ctx
// ends.
func startHTTP(ctx context.Context, g *errgroup.Group, deps api.Deps) error {
	httpSrv, err := api.New(deps)
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}
	if err := httpSrv.Start(ctx); err != nil {
		return fmt.Errorf("starting http server: %w", err)
	}
	g.Go(func() error {
		<-ctx.Done()
		return httpSrv.Close()
	})
	return nil
}

// watchDebugSignal flips the log level between debug and the configured
// level on every SIGUSR1 until ctx is done.
func watchDebugSignal(ctx context.Context, log *logging.Logger) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGUSR1)
	defer signal.Stop(sig)
	toggleOnSignal(ctx, log, sig)
}

func toggleOnSignal(ctx context.Context, log *logging.Logger, sig <-chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sig:
			level := log.ToggleDebug()
			log.Warn("log level changed", "level", level.String())
		}
	}
}
