package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

var FlagConcurrency = &cli.IntFlag{
	Name:  "concurrency",
	Usage: "number of size classes to stat concurrently",
	Value: 8,
}

type classReport struct {
	class      int
	tableCount int
	totalBytes int64
}

// newCmd_CompactReport fans out a stat pass per size class, read-only
// diagnostics only: it never opens the index or touches the live engine's
// single-writer state.
func newCmd_CompactReport() *cli.Command {
	return &cli.Command{
		Name:  "compact-report",
		Usage: "Report per-size-class content table counts and on-disk bytes.",
		Flags: []cli.Flag{FlagPath, FlagConcurrency},
		Action: func(c *cli.Context) error {
			dir := c.String(FlagPath.Name)
			entries, err := os.ReadDir(dir)
			if err != nil {
				return fmt.Errorf("compact-report: read dir: %w", err)
			}

			byClass := map[int][]string{}
			for _, e := range entries {
				if e.IsDir() || filepath.Ext(e.Name()) != ".content" {
					continue
				}
				class, ok := parseClassPrefix(e.Name())
				if !ok {
					continue
				}
				byClass[class] = append(byClass[class], e.Name())
			}

			classes := make([]int, 0, len(byClass))
			for class := range byClass {
				classes = append(classes, class)
			}
			sort.Ints(classes)

			reports := make([]classReport, len(classes))
			g, _ := errgroup.WithContext(context.Background())
			g.SetLimit(c.Int(FlagConcurrency.Name))
			for i, class := range classes {
				i, class := i, class
				g.Go(func() error {
					var total int64
					for _, name := range byClass[class] {
						info, err := os.Stat(filepath.Join(dir, name))
						if err != nil {
							return err
						}
						total += info.Size()
					}
					reports[i] = classReport{class: class, tableCount: len(byClass[class]), totalBytes: total}
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return fmt.Errorf("compact-report: %w", err)
			}

			var grandTotal int64
			for _, r := range reports {
				fmt.Printf("class %-3d  tables %-4d  %s\n", r.class, r.tableCount, humanize.Bytes(uint64(r.totalBytes)))
				grandTotal += r.totalBytes
			}
			fmt.Printf("total: %s across %d classes\n", humanize.Bytes(uint64(grandTotal)), len(classes))
			return nil
		},
	}
}

func parseClassPrefix(name string) (int, bool) {
	base := strings.TrimSuffix(name, ".content")
	idx := strings.IndexByte(base, '-')
	if idx < 0 {
		return 0, false
	}
	class, err := strconv.Atoi(base[:idx])
	if err != nil {
		return 0, false
	}
	return class, true
}
