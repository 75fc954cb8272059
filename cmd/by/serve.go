package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/batchyard/internal/daemon"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
		noAPI      bool
		noWatch    bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Batchyard workers and HTTP API",
		Long: `Runs workspace resolution, workspace execution, changeset reconciliation
and bulk operations until interrupted, together with the JSON API and the
cleanup and rollout schedules. Retry policies follow edits to the config file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port, noAPI, noWatch)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().IntVarP(&port, "port", "p", 0, "API port (overrides api.port)")
	cmd.Flags().BoolVar(&noAPI, "no-api", false, "run the workers without the HTTP API")
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not reload retry policies when the config file changes")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, port int, noAPI, noWatch bool) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, comps, err := connectFromConfig(ctx, cmd, configPath)
	if err != nil {
		return err
	}
	defer comps.Close()
	if port > 0 {
		cfg.API.Port = port
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			fmt.Fprintf(cmd.OutOrStdout(), "\nReceived %s, shutting down...\n", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	opts := daemon.RunOptions{
		Config:     cfg,
		DisableAPI: noAPI,
		Out:        cmd.OutOrStdout(),
	}
	if !noWatch {
		opts.ConfigPath = configPath
	}
	return comps.Run(ctx, opts)
}
