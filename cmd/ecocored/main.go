// Command ecocored runs the autonomous-agent runtime as a standalone
// process: load a world config, optionally resume from a checkpoint,
// register every artifact loop it discovers, and run until a stop
// condition fires or a signal asks it to shut down early.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/r3e-labs/ecocore/infrastructure/config"
	"github.com/r3e-labs/ecocore/infrastructure/logging"
	"github.com/r3e-labs/ecocore/system/scheduler"
)

func main() {
	app := &cli.App{
		Name:  "ecocored",
		Usage: "run the agent/artifact loop runtime for one world",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to the world YAML config (defaults applied when empty)",
			},
			&cli.StringFlag{
				Name:  "checkpoint",
				Usage: "checkpoint file path (overrides the config's budget.checkpoint_file)",
			},
			&cli.DurationFlag{
				Name:  "duration",
				Usage: "wall-clock run duration; 0 means run until no loops remain",
			},
			&cli.BoolFlag{
				Name:  "resume",
				Usage: "restore from the checkpoint file before starting",
			},
			&cli.StringFlag{
				Name:  "env",
				Value: ".env",
				Usage: "dotenv file to load before reading environment overrides",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "ecocored: %v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	config.LoadDotEnv(c.String("env"))

	world, err := config.Load(c.String("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if ckpt := c.String("checkpoint"); ckpt != "" {
		world.Budget.CheckpointFile = ckpt
	}

	logger := logging.NewFromEnv("ecocored")

	eventLogFile, err := openEventLog(world.Budget.CheckpointFile)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	if eventLogFile != nil {
		defer eventLogFile.Close()
	}

	cfg := scheduler.Config{World: world, Logger: logger}
	if eventLogFile != nil {
		cfg.EventLogWriter = eventLogFile
	}
	driver := scheduler.New(cfg)

	if err := driver.Bootstrap(); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	if c.Bool("resume") {
		if err := driver.RestoreFromCheckpoint(); err != nil {
			return fmt.Errorf("restore from checkpoint: %w", err)
		}
		logger.With(nil).Info("resumed from checkpoint")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.With(nil).Info("shutdown signal received")
		cancel()
	}()

	if err := driver.Run(ctx, c.Duration("duration")); err != nil && err != context.Canceled {
		return fmt.Errorf("run: %w", err)
	}
	return nil
}

// openEventLog opens an append-only sibling of the checkpoint file for
// the JSONL event stream (checkpoint.yaml -> checkpoint.yaml.events.jsonl).
// A run with no checkpoint file configured keeps the event log
// in-memory only (Driver discards the writer).
func openEventLog(checkpointPath string) (*os.File, error) {
	if checkpointPath == "" {
		return nil, nil
	}
	path := checkpointPath + ".events.jsonl"
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_SYNC, 0o644)
}
