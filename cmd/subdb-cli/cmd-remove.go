package main

import (
	"encoding/hex"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/rpcpool/subdb"
)

func newCmd_Remove() *cli.Command {
	return &cli.Command{
		Name:      "remove",
		Usage:     "Decrement the refcount for a key, freeing its slot once it reaches zero.",
		ArgsUsage: "<hash-hex>",
		Flags:     []cli.Flag{FlagPath},
		Action: func(c *cli.Context) error {
			hashHex := c.Args().First()
			if hashHex == "" {
				return fmt.Errorf("remove: missing <hash-hex> argument")
			}
			hash, err := hex.DecodeString(hashHex)
			if err != nil {
				return fmt.Errorf("decode hash: %w", err)
			}

			db, err := subdb.Open(subdb.WithPath(c.String(FlagPath.Name)))
			if err != nil {
				return fmt.Errorf("open: %w", err)
			}
			defer db.Close()

			rc, err := db.Remove(hash)
			if err != nil {
				return fmt.Errorf("remove: %w", err)
			}
			fmt.Printf("%s %d\n", hashHex, rc)
			return nil
		},
	}
}
