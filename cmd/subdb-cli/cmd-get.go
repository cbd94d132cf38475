package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/rpcpool/subdb"
)

var FlagOut = &cli.StringFlag{
	Name:  "out",
	Usage: "file to write the payload to (defaults to stdout)",
}

func newCmd_Get() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Fetch a payload by its hex-encoded key.",
		ArgsUsage: "<hash-hex>",
		Flags:     []cli.Flag{FlagPath, FlagOut},
		Action: func(c *cli.Context) error {
			hashHex := c.Args().First()
			if hashHex == "" {
				return fmt.Errorf("get: missing <hash-hex> argument")
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

			data, ok := db.Get(hash)
			if !ok {
				return fmt.Errorf("get: %s not found", hashHex)
			}

			if out := c.String(FlagOut.Name); out != "" {
				return os.WriteFile(out, data, 0o644)
			}
			_, err = os.Stdout.Write(data)
			return err
		},
	}
}
