package main

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/urfave/cli/v2"
	"golang.org/x/exp/mmap"

	"github.com/rpcpool/subdb/metadata"
)

// newCmd_Inspect reads metadata.subdb read-only via mmap and lists the
// content table files on disk, without going through Database.Open (so it
// never contends with a live writer for the index file).
func newCmd_Inspect() *cli.Command {
	return &cli.Command{
		Name:  "inspect",
		Usage: "Read-only dump of a database directory's geometry and content table files.",
		Flags: []cli.Flag{FlagPath},
		Action: func(c *cli.Context) error {
			dir := c.String(FlagPath.Name)

			r, err := mmap.Open(metadata.Path(dir))
			if err != nil {
				return fmt.Errorf("inspect: open metadata: %w", err)
			}
			defer r.Close()

			buf := make([]byte, 16)
			if _, err := r.ReadAt(buf, 0); err != nil {
				return fmt.Errorf("inspect: read metadata: %w", err)
			}
			keyBytes := binary.LittleEndian.Uint32(buf[8:12])
			indexBits := binary.LittleEndian.Uint32(buf[12:16])
			fmt.Printf("path:       %s\n", dir)
			fmt.Printf("key_bytes:  %d\n", keyBytes)
			fmt.Printf("index_bits: %d\n", indexBits)

			entries, err := os.ReadDir(dir)
			if err != nil {
				return fmt.Errorf("inspect: read dir: %w", err)
			}
			var tables []string
			for _, e := range entries {
				if !e.IsDir() && filepath.Ext(e.Name()) == ".content" {
					tables = append(tables, e.Name())
				}
			}
			sort.Strings(tables)
			fmt.Printf("content tables: %d\n", len(tables))
			for _, name := range tables {
				info, err := os.Stat(filepath.Join(dir, name))
				if err != nil {
					continue
				}
				fmt.Printf("  %-24s %d bytes\n", name, info.Size())
			}
			return nil
		},
	}
}
