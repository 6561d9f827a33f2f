package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/nerrad567/canbridge/internal/audit"
	"github.com/nerrad567/canbridge/internal/infrastructure/config"
	"github.com/nerrad567/canbridge/internal/infrastructure/database"
	"github.com/nerrad567/canbridge/migrations"
)

// openDaemonDB opens the daemon's database, either the file given with
// -db or the one named in the daemon config.
func openDaemonDB(ctx context.Context, configPath, dbPath string) (*database.DB, error) {
	dbCfg := database.Config{Path: dbPath, BusyTimeout: 5}
	if dbPath == "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		if !cfg.Database.Enabled {
			return nil, fmt.Errorf("the command log is disabled in %s", configPath)
		}
		dbCfg = database.ConfigFrom(cfg.Database)
	}

	db, err := database.Open(ctx, dbCfg)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return db, nil
}

// runDB maintains the command log database:
//
//	db status             applied and pending schema migrations
//	db migrate            apply pending migrations
//	db rollback           revert the latest migration
//	db prune -keep 720h   delete command entries older than -keep
func runDB(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("db", flag.ContinueOnError)
	fs.SetOutput(out)
	configPath := fs.String("config", config.PathFromEnv(), "daemon config file")
	dbPath := fs.String("db", "", "database file (overrides the config)")
	keep := fs.Duration("keep", 30*24*time.Hour, "prune: keep entries newer than this")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(out, "usage: canbridgectl db [-config f] [-db path] [-keep d] status|migrate|rollback|prune")
		return errUsage
	}

	db, err := openDaemonDB(ctx, *configPath, *dbPath)
	if err != nil {
		return err
	}
	defer db.Close() //nolint:errcheck // nothing to do on close failure

	switch action := fs.Arg(0); action {
	case "status":
		return printMigrationStatus(ctx, db, out)
	case "migrate":
		if err := db.Migrate(ctx, migrations.FS); err != nil {
			return err
		}
		return printMigrationStatus(ctx, db, out)
	case "rollback":
		if err := db.MigrateDown(ctx, migrations.FS); err != nil {
			return err
		}
		return printMigrationStatus(ctx, db, out)
	case "prune":
		if *keep <= 0 {
			return fmt.Errorf("%w: -keep must be positive", errUsage)
		}
		n, err := audit.NewSQLiteRepository(db.DB).PruneCommands(ctx, time.Now().Add(-*keep))
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "removed %d command log entries older than %s\n", n, *keep)
		return nil
	default:
		return fmt.Errorf("%w: unknown db action %q", errUsage, action)
	}
}

func printMigrationStatus(ctx context.Context, db *database.DB, out io.Writer) error {
	applied, pending, err := db.MigrationStatus(ctx, migrations.FS)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tSTATE\tAPPLIED")
	for _, r := range applied {
		fmt.Fprintf(tw, "%s\tapplied\t%s\n", r.Version, r.AppliedAt.Local().Format(time.DateTime))
	}
	for _, m := range pending {
		fmt.Fprintf(tw, "%s\tpending\t-\n", m.Version)
	}
	return tw.Flush()
}
