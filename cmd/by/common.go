package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zulandar/batchyard/internal/config"
	"github.com/zulandar/batchyard/internal/daemon"
	"github.com/zulandar/batchyard/internal/db"
	"golang.org/x/term"
)

const defaultConfigPath = "batchyard.yaml"

func addConfigFlag(cmd *cobra.Command, configPath *string) {
	cmd.Flags().StringVarP(configPath, "config", "c", defaultConfigPath, "path to Batchyard config file")
}

// connectFromConfig loads the config and wires every component against the
// configured database. Callers must Close the result.
func connectFromConfig(ctx context.Context, cmd *cobra.Command, configPath string) (*config.Config, *daemon.Components, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	logger := daemon.NewLogger(cfg.LogLevel, cmd.ErrOrStderr())
	comps, err := daemon.Build(ctx, gormDB, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return cfg, comps, nil
}

// parseID parses a positive numeric ID argument.
func parseID(kind, s string) (uint, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid %s id %q", kind, s)
	}
	return uint(n), nil
}

// parseIDs parses changeset IDs given as separate arguments or
// comma-separated lists.
func parseIDs(args []string) ([]uint, error) {
	var ids []uint
	for _, arg := range args {
		for _, part := range strings.Split(arg, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := parseID("changeset", part)
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("at least one changeset id is required")
	}
	return ids, nil
}

// isTerminal reports whether w is an interactive terminal.
var isTerminal = func(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// confirm asks before a destructive action. Non-interactive output and
// --yes skip the prompt.
func confirm(cmd *cobra.Command, yes bool, prompt string) (bool, error) {
	out := cmd.OutOrStdout()
	if yes || !isTerminal(out) {
		return true, nil
	}
	fmt.Fprintf(out, "%s [y/N] ", prompt)
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, fmt.Errorf("read confirmation: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	fmt.Fprintln(out, "Aborted.")
	return false, nil
}
