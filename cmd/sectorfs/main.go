package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Alexander-D-Karpov/sectorfs/internal/config"
	"github.com/Alexander-D-Karpov/sectorfs/internal/logger"
)

const usage = `usage: sectorfs <command> [flags]

commands:
  format   create an empty volume
  serve    mount a volume and run the HTTP inspector
  stat     print volume and cache statistics
  export   write a compressed (optionally sealed) image of a volume
  import   restore a volume from an image
  stress   run a concurrent read/write workload against a volume

Configuration comes from SECTORFS_* environment variables; flags override it.
`

type command struct {
	run func(cfg *config.Config, args []string) error
}

var commands = map[string]command{
	"format": {runFormat},
	"serve":  {runServe},
	"stat":   {runStat},
	"export": {runExport},
	"import": {runImport},
	"stress": {runStress},
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cmd, ok := commands[os.Args[1]]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}

	cfg := config.Load()
	logger.SetLevel(cfg.LogLevel)

	if err := cmd.run(cfg, os.Args[2:]); err != nil {
		logger.Error("command failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

// flags returns a flag set with the options every command shares.
func flags(name string, cfg *config.Config) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.StringVar(&cfg.DevicePath, "device", cfg.DevicePath, "path of the device image")
	fs.Int64Var(&cfg.DeviceSectors, "sectors", cfg.DeviceSectors, "sectors in a newly created device")
	fs.IntVar(&cfg.CacheEntries, "cache", cfg.CacheEntries, "block cache entries")
	fs.BoolVar(&cfg.ReadAhead, "readahead", cfg.ReadAhead, "prefetch the sector after each miss")
	return fs
}

func waitForSignal() os.Signal {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	return <-quit
}
