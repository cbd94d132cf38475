package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/rpcpool/subdb"
	"github.com/rpcpool/subdb/types"
)

var FlagFile = &cli.StringFlag{
	Name:  "file",
	Usage: "file to read the payload from (defaults to stdin)",
}

var FlagHash = &cli.StringFlag{
	Name:  "hash",
	Usage: "hex-encoded key to store the payload under (defaults to an xxhash digest of the payload)",
}

func newCmd_Put() *cli.Command {
	return &cli.Command{
		Name:  "put",
		Usage: "Store a payload, printing its key (hex) and resulting refcount.",
		Flags: []cli.Flag{FlagPath, FlagKeyBytes, FlagFile, FlagHash},
		Action: func(c *cli.Context) error {
			db, err := subdb.Open(
				subdb.WithPath(c.String(FlagPath.Name)),
				subdb.WithKeyBytes(c.Int(FlagKeyBytes.Name)),
			)
			if err != nil {
				return fmt.Errorf("open: %w", err)
			}
			defer db.Close()

			data, err := readPayload(c.String(FlagFile.Name))
			if err != nil {
				return err
			}

			if hashHex := c.String(FlagHash.Name); hashHex != "" {
				hash, err := hex.DecodeString(hashHex)
				if err != nil {
					return fmt.Errorf("decode --hash: %w", err)
				}
				rc, err := db.Insert(data, hash)
				if err != nil {
					return fmt.Errorf("insert: %w", err)
				}
				fmt.Printf("%s %d\n", hashHex, rc)
				return nil
			}

			rc, key, err := db.Store(data, types.NewXXHashKey(db.KeyBytes()))
			if err != nil {
				return fmt.Errorf("store: %w", err)
			}
			fmt.Printf("%s %d\n", hex.EncodeToString(key), rc)
			return nil
		},
	}
}

func readPayload(path string) ([]byte, error) {
	if path == "" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}
