package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/google/subcommands"
	_ "github.com/lib/pq" // PostgreSQL driver for the migrator

	"github.com/cyclepool/ledger-engine/internal/app"
	"github.com/cyclepool/ledger-engine/internal/config"
	"github.com/cyclepool/ledger-engine/internal/cycle"
	"github.com/cyclepool/ledger-engine/internal/scheduler"
	"github.com/cyclepool/ledger-engine/internal/store"
)

// setup loads configuration and installs a text logger on stderr so command
// output on stdout stays machine-readable.
func setup() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel})))
	return cfg, nil
}

func withApp(ctx context.Context, fn func(a *app.App) error) subcommands.ExitStatus {
	cfg, err := setup()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	if cfg.DatabaseURL == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL is required")
		return subcommands.ExitUsageError
	}
	a, err := app.New(ctx, cfg, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	defer a.Close()
	if err := fn(a); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// --- migrate ---

type migrateCmd struct {
	down   bool
	status bool
}

func (*migrateCmd) Name() string     { return "migrate" }
func (*migrateCmd) Synopsis() string { return "apply or roll back the database schema" }
func (*migrateCmd) Usage() string {
	return `ledgerctl migrate [-down | -status]

  Applies every pending migration. With -down the most recent migration is
  rolled back; with -status the pending migrations are listed.
`
}

func (c *migrateCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.down, "down", false, "Roll back the most recent migration.")
	f.BoolVar(&c.status, "status", false, "List pending migrations without applying them.")
}

func (c *migrateCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg, err := setup()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	if cfg.DatabaseURL == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL is required")
		return subcommands.ExitUsageError
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open database: %v\n", err)
		return subcommands.ExitFailure
	}
	defer db.Close()

	m := store.NewMigrator(db)
	switch {
	case c.status:
		pending, err := m.Pending(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return subcommands.ExitFailure
		}
		if len(pending) == 0 {
			fmt.Println("schema is up to date")
		} else {
			fmt.Println("pending:", strings.Join(pending, ", "))
		}
	case c.down:
		if err := m.Down(ctx); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return subcommands.ExitFailure
		}
		fmt.Println("rolled back one migration")
	default:
		n, err := m.Up(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return subcommands.ExitFailure
		}
		fmt.Printf("applied %d migration(s)\n", n)
	}
	return subcommands.ExitSuccess
}

// --- reconcile ---

type reconcileCmd struct {
	cycleID string
}

func (*reconcileCmd) Name() string     { return "reconcile" }
func (*reconcileCmd) Synopsis() string { return "allocate pending fills, fees and deposits" }
func (*reconcileCmd) Usage() string {
	return `ledgerctl reconcile [-cycle <id>]

  Sweeps the inbox for one cycle, or for every planned and open cycle, and
  prints the summary.
`
}

func (c *reconcileCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.cycleID, "cycle", "", "Restrict the sweep to one cycle.")
}

func (c *reconcileCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return withApp(ctx, func(a *app.App) error {
		sum, err := a.Sweeper.Reconcile(ctx, c.cycleID)
		if err != nil {
			return err
		}
		return printJSON(sum)
	})
}

// --- close ---

type closeCmd struct {
	cycleID     string
	successorID string
}

func (*closeCmd) Name() string     { return "close" }
func (*closeCmd) Synopsis() string { return "close an open cycle and roll over into its successor" }
func (*closeCmd) Usage() string {
	return `ledgerctl close -cycle <id> [-successor <id>]

  Reconciles the cycle one last time, then closes it. Without -successor the
  oldest planned cycle receives rolled inventory and capital.
`
}

func (c *closeCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.cycleID, "cycle", "", "The cycle to close.")
	f.StringVar(&c.successorID, "successor", "", "The cycle receiving the rollover.")
}

func (c *closeCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.cycleID == "" {
		fmt.Fprintln(os.Stderr, "-cycle is required")
		return subcommands.ExitUsageError
	}
	return withApp(ctx, func(a *app.App) error {
		if _, err := a.Sweeper.Reconcile(ctx, c.cycleID); err != nil {
			return fmt.Errorf("final reconcile: %w", err)
		}
		res, err := a.Cycles.CloseCycle(ctx, c.cycleID, cycle.CloseOptions{SuccessorID: c.successorID})
		if err != nil {
			return err
		}
		return printJSON(res)
	})
}

// --- snapshot ---

type snapshotCmd struct {
	cycleID string
}

func (*snapshotCmd) Name() string     { return "snapshot" }
func (*snapshotCmd) Synopsis() string { return "record cash and inventory snapshots" }
func (*snapshotCmd) Usage() string {
	return `ledgerctl snapshot [-cycle <id>]

  Snapshots one cycle, or every open cycle when -cycle is omitted.
`
}

func (c *snapshotCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.cycleID, "cycle", "", "The cycle to snapshot.")
}

func (c *snapshotCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return withApp(ctx, func(a *app.App) error {
		if c.cycleID != "" {
			snap, err := a.Cycles.CreateSnapshot(ctx, c.cycleID)
			if err != nil {
				return err
			}
			return printJSON(snap)
		}
		n, err := scheduler.SnapshotOpenCycles(ctx, a.Cycles)
		if err != nil {
			return err
		}
		if n == 0 {
			return errors.New("no open cycles to snapshot")
		}
		fmt.Printf("recorded %d snapshot(s)\n", n)
		return nil
	})
}
