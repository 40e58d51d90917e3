// Command pagestore is a small flag-driven CLI for exercising the pager
// directly, grounded on the donor's cmd/repl (flag.String/flag.Bool
// option parsing, a simple command dispatch loop) rather than on any
// full SQL front end — this module stops at the page cache and pager,
// so the CLI only ever speaks in page numbers and raw bytes.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/lakedb/pagestore/internal/storage/pager"
	"github.com/lakedb/pagestore/internal/storage/pagerutil"
	"github.com/lakedb/pagestore/internal/storage/vfs"
)

var (
	flagDB = flag.String("db", "", "path to the database file")
	flagConfig = flag.String("config", "", "optional YAML config file (page_size, cache_size, journal_mode,...)")
	flagCmd = flag.String("cmd", "info", "command: info, checkpoint, dump-page")
	flagPage = flag.Uint("page", 1, "page number for dump-page")
)

func main() {
	flag.Parse()
	if *flagDB == "" {
		fmt.Fprintln(os.Stderr, "pagestore: -db is required")
		os.Exit(2)
	}
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "pagestore:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := pager.DefaultConfig()
	if *flagConfig != "" {
		loaded, err := pagerutil.LoadConfig(*flagConfig)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	v := vfs.NewOS()
	p, err := pager.Open(v, *flagDB, cfg)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer p.Close()

	if *flagCmd == "checkpoint" {
		if err := p.Checkpoint(); err != nil {
			return fmt.Errorf("checkpoint: %w", err)
		}
		fmt.Println("checkpoint complete")
		return nil
	}

	if err := p.BeginRead(); err != nil {
		return fmt.Errorf("begin read: %w", err)
	}
	defer p.EndRead()

	switch *flagCmd {
	case "info":
		fmt.Printf("path=%s state=%s pages=%d\n", p.Path(), p.State(), p.DBSize())
		return nil
	case "dump-page":
		pg, err := p.Get(pager.Pgno(*flagPage))
		if err != nil {
			return fmt.Errorf("get page %d: %w", *flagPage, err)
		}
		defer p.Unref(pg)
		fmt.Printf("page %d (%d bytes):\n", *flagPage, len(pg.Data))
		dumpHex(pg.Data)
		return nil
	default:
		return fmt.Errorf("unknown -cmd %q", *flagCmd)
	}
}

func dumpHex(data []byte) {
	const width = 16
	for off := 0; off < len(data) && off < 256; off += width {
		end := off + width
		if end > len(data) {
			end = len(data)
		}
		fmt.Printf("%06x ", off)
		for _, b := range data[off:end] {
			fmt.Printf("%02x ", b)
		}
		fmt.Println()
	}
	if len(data) > 256 {
		fmt.Printf("... (%d more bytes)\n", len(data)-256)
	}
}
