package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/batchyard/internal/batches"
)

func newChangesetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "changeset",
		Aliases: []string{"cs"},
		Short:   "Changeset commands",
	}

	cmd.AddCommand(newChangesetListCmd())
	cmd.AddCommand(newChangesetReenqueueCmd())
	cmd.AddCommand(newChangesetCancelCmd())
	return cmd
}

func newChangesetListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list <batch-change-id>",
		Short: "List the changesets of a batch change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("batch change", args[0])
			if err != nil {
				return err
			}
			return withService(cmd, configPath, func(ctx context.Context, svc *batches.Service) error {
				rows, err := svc.Changesets(ctx, id)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(rows) == 0 {
					fmt.Fprintln(out, "No changesets found.")
					return nil
				}
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tREPO\tEXTERNAL\tSTATE\tRECONCILER\tFAILURE")
				for _, cs := range rows {
					external := cs.ExternalID
					if external == "" {
						external = "-"
					}
					state := cs.ExternalState
					if state == "" {
						state = cs.PublicationState
					}
					if cs.Archived {
						state += " (archived)"
					}
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n", cs.ID, cs.Repo, external, state, cs.ReconcilerState, cs.FailureMessage)
				}
				return w.Flush()
			})
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newChangesetReenqueueCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "reenqueue <changeset-id>",
		Short: "Queue a changeset for reconciliation again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("changeset", args[0])
			if err != nil {
				return err
			}
			return withService(cmd, configPath, func(ctx context.Context, svc *batches.Service) error {
				if err := svc.ReenqueueChangeset(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Changeset %d queued\n", id)
				return nil
			})
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newChangesetCancelCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "cancel <changeset-id>",
		Short: "Stop reconciling a changeset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("changeset", args[0])
			if err != nil {
				return err
			}
			return withService(cmd, configPath, func(ctx context.Context, svc *batches.Service) error {
				cs, err := svc.CancelChangeset(ctx, id)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Changeset %d %s\n", cs.ID, cs.ReconcilerState)
				return nil
			})
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}
