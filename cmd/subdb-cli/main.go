// Command subdb-cli is an operator tool for a subdb database directory:
// open/inspect its metadata, put/get/remove individual blobs by hash, and
// report per-size-class table occupancy.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	logging "github.com/ipfs/go-log/v2"
	"github.com/urfave/cli/v2"
)

var log = logging.Logger("subdb-cli")

var gitCommitSHA = ""

// FlagPath names the database directory every subcommand operates on.
var FlagPath = &cli.StringFlag{
	Name:     "db",
	Usage:    "path to the subdb database directory",
	Required: true,
}

// FlagKeyBytes sets the key width used when a subcommand must open (or
// create) a database that does not yet have a metadata.subdb on disk.
var FlagKeyBytes = &cli.IntFlag{
	Name:  "key-bytes",
	Usage: "key width in bytes for a newly created database (ignored if metadata.subdb already exists)",
	Value: 4,
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, syscall.SIGTERM, syscall.SIGINT)

		select {
		case <-interrupt:
			fmt.Println()
			log.Info("received interrupt signal")
			cancel()
		case <-ctx.Done():
		}

		signal.Stop(interrupt)
	}()

	app := &cli.App{
		Name:        "subdb-cli",
		Version:     gitCommitSHA,
		Description: "CLI to get, put, remove and inspect blobs stored in a subdb database directory.",
		Commands: []*cli.Command{
			newCmd_Open(),
			newCmd_Put(),
			newCmd_Get(),
			newCmd_Remove(),
			newCmd_Inspect(),
			newCmd_CompactReport(),
			newCmd_Version(),
		},
	}

	sort.Sort(cli.CommandsByName(app.Commands))

	if err := app.RunContext(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
