// Command ledgerctl runs operator tasks against the ledger database.
package main

import (
	"context"
	"flag"
	"os"
	"path"

	"github.com/google/subcommands"
)

func main() {
	commander := subcommands.NewCommander(flag.CommandLine, path.Base(os.Args[0]))
	commander.Register(commander.HelpCommand(), "")
	commander.Register(commander.CommandsCommand(), "")

	commander.Register(&migrateCmd{}, "database")
	commander.Register(&reconcileCmd{}, "cycles")
	commander.Register(&closeCmd{}, "cycles")
	commander.Register(&snapshotCmd{}, "cycles")

	flag.Parse()
	os.Exit(int(commander.Execute(context.Background())))
}
