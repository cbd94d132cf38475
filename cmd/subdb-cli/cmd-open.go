package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/rpcpool/subdb"
)

func newCmd_Open() *cli.Command {
	return &cli.Command{
		Name:  "open",
		Usage: "Open (creating if missing) a database directory and print its geometry.",
		Flags: []cli.Flag{FlagPath, FlagKeyBytes},
		Action: func(c *cli.Context) error {
			db, err := subdb.Open(
				subdb.WithPath(c.String(FlagPath.Name)),
				subdb.WithKeyBytes(c.Int(FlagKeyBytes.Name)),
			)
			if err != nil {
				return fmt.Errorf("open: %w", err)
			}
			defer db.Close()
			fmt.Printf("opened %s\n", c.String(FlagPath.Name))
			fmt.Printf("key_bytes:  %d\nindex_bits: %d\n", db.KeyBytes(), db.IndexBits())
			return nil
		},
	}
}
