// Package main provides the nxdt-host CLI entrypoint: a terminal reference
// presentation layer that starts a worker.Worker, drains its event stream to
// stdout, and forwards SIGINT/SIGTERM as a cooperative stop request.
//
// Usage:
//
//	nxdt-host [--output-dir path] [--verbose] [--disable-free-space-check] [--config path.yaml]
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/nxdthost/nxdt-host/config"
	"github.com/nxdthost/nxdt-host/events"
	"github.com/nxdthost/nxdt-host/worker"
)

var (
	outputDirFlag = &cli.StringFlag{
		Name:  "output-dir",
		Usage: "Directory to write received files into",
	}
	verboseFlag = &cli.BoolFlag{
		Name:  "verbose",
		Usage: "Print debug-level events in addition to info and above",
	}
	disableFreeSpaceCheckFlag = &cli.BoolFlag{
		Name:  "disable-free-space-check",
		Usage: "Skip the destination filesystem free-space check before each file",
	}
	configFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "Path to an optional YAML config file",
	}
)

func main() {
	app := &cli.App{
		Name:   "nxdt-host",
		Usage:  "Receive file dumps from a console running nxdumptool",
		Flags:  []cli.Flag{outputDirFlag, verboseFlag, disableFreeSpaceCheckFlag, configFlag},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "nxdt-host: %v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if v := c.String("output-dir"); v != "" {
		cfg.OutputDir = v
	}
	if c.Bool("verbose") {
		cfg.Verbose = true
	}
	if c.Bool("disable-free-space-check") {
		cfg.DisableFreeSpaceCheck = true
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	w := worker.New(worker.Options{
		OutputDir:             cfg.OutputDir,
		DisableFreeSpaceCheck: cfg.DisableFreeSpaceCheck,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		w.Stop()
		cancel()
	}()

	if err := w.Start(ctx); err != nil {
		return err
	}

	for ev := range w.Events() {
		printEvent(ev, cfg.Verbose)
		if ev.ServerStopped != nil {
			break
		}
	}
	return nil
}

func printEvent(ev events.Event, verbose bool) {
	switch {
	case ev.Log != nil:
		if ev.Log.Level == events.LevelDebug && !verbose {
			return
		}
		fmt.Printf("[%s] %s\n", ev.Log.Level, ev.Log.Text)
	case ev.ProgressStart != nil:
		fmt.Printf("receiving %s (0x%x bytes)\n", ev.ProgressStart.Filename, ev.ProgressStart.Total)
	case ev.ProgressUpdate != nil:
		fmt.Printf("\r%s: %d/%d bytes", ev.ProgressUpdate.Filename, ev.ProgressUpdate.Current, ev.ProgressUpdate.Total)
	case ev.ProgressEnd != nil:
		fmt.Println()
	case ev.ServerStopped != nil:
		fmt.Println("server stopped")
	}
}
