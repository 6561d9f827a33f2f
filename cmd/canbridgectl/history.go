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
)

// runHistory prints the daemon's command log or rename history. It reads
// the database named in the daemon's config file directly.
func runHistory(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.SetOutput(out)
	configPath := fs.String("config", config.PathFromEnv(), "daemon config file")
	dbPath := fs.String("db", "", "database file (overrides the config)")
	renames := fs.Bool("renames", false, "show node renames instead of commands")
	command := fs.String("command", "", "only this command type")
	status := fs.String("status", "", "only success or error")
	since := fs.Duration("since", 0, "only entries newer than this (e.g. 1h)")
	limit := fs.Int("limit", 20, "maximum entries")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	db, err := openDaemonDB(ctx, *configPath, *dbPath)
	if err != nil {
		return err
	}
	defer db.Close() //nolint:errcheck // read-only use

	repo := audit.NewSQLiteRepository(db.DB)
	if *renames {
		entries, err := repo.ListRenames(ctx, *limit)
		if err != nil {
			return err
		}
		return printRenames(out, entries)
	}

	filter := audit.Filter{Command: *command, Status: *status, Limit: *limit}
	if *since > 0 {
		filter.Since = time.Now().Add(-*since)
	}
	entries, err := repo.ListCommands(ctx, filter)
	if err != nil {
		return err
	}
	return printCommands(out, entries)
}

func printCommands(out io.Writer, entries []audit.CommandEntry) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tCOMMAND\tSTATUS\tDURATION\tREMOTE\tMESSAGE")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.StartedAt.Local().Format(time.DateTime),
			e.Command,
			e.Status,
			e.Duration.Round(time.Millisecond),
			e.Remote,
			e.Message,
		)
	}
	return tw.Flush()
}

func printRenames(out io.Writer, entries []audit.RenameEntry) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tOLD\tNEW\tRESULT")
	for _, e := range entries {
		result := "ok"
		if !e.Succeeded {
			result = "failed: " + e.Error
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", e.CreatedAt.Local().Format(time.DateTime), e.OldNode, e.NewNode, result)
	}
	return tw.Flush()
}
