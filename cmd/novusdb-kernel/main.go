// Command novusdb-kernel is a small CLI for exercising the storage kernel
// directly: open a database, insert or read one record, and exit.
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/novusdb/kernel/kernel"
	"github.com/novusdb/kernel/storage"
)

func main() {
	var (
		dsn      = pflag.StringP("dsn", "d", "memory://", "connection string (memory:// or file:///path)")
		pageSize = pflag.Uint64("pagesize", 0, "page size in bytes (ignored for an existing file)")
		compress = pflag.Bool("compress", false, "enable s2 compression for large records")
		verbose  = pflag.BoolP("verbose", "v", false, "log component activity to stderr")
	)
	pflag.Parse()

	args := pflag.Args()
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: novusdb-kernel [flags] insert <data> | get <pageId:slotId>")
		os.Exit(2)
	}

	opts := kernel.DefaultOptions()
	if *pageSize > 0 {
		opts.PageSize = *pageSize
	}
	opts.Compress = *compress
	if *verbose {
		opts.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	k, err := kernel.Open(*dsn, opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer k.Close()

	switch args[0] {
	case "insert":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "insert requires a data argument")
			os.Exit(2)
		}
		runInsert(k, args[1])
	case "get":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "get requires a pageId:slotId argument")
			os.Exit(2)
		}
		runGet(k, args[1])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		os.Exit(2)
	}
}

func runInsert(k *kernel.Kernel, data string) {
	tx, err := k.Txns.Begin()
	if err != nil {
		fail("begin", err)
	}
	loc, err := k.Records.Insert(tx, []byte(data))
	if err != nil {
		fail("insert", err)
	}
	if err := k.Txns.Commit(tx, true); err != nil {
		fail("commit", err)
	}
	fmt.Println(loc.String())
}

func runGet(k *kernel.Kernel, ref string) {
	pageId, slotId, err := parseLocation(ref)
	if err != nil {
		fail("parse location", err)
	}
	loc := storage.RecordLocation(storage.PageId(pageId), storage.SlotId(slotId))
	data, err := k.Records.Read(loc)
	if err != nil {
		fail("read", err)
	}
	fmt.Println(string(data))
}

func parseLocation(ref string) (uint64, uint64, error) {
	var pageId, slotId uint64
	i := 0
	for i < len(ref) && ref[i] != ':' {
		i++
	}
	if i == len(ref) {
		return 0, 0, fmt.Errorf("expected pageId:slotId, got %q", ref)
	}
	pageId, err := strconv.ParseUint(ref[:i], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	slotId, err = strconv.ParseUint(ref[i+1:], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	return pageId, slotId, nil
}

func fail(step string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", step, err)
	os.Exit(1)
}
