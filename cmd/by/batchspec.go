package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/batchyard/internal/batches"
	"github.com/zulandar/batchyard/internal/preview"
)

func newBatchSpecCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "batchspec",
		Aliases: []string{"spec"},
		Short:   "Batch spec management commands",
	}

	cmd.AddCommand(newBatchSpecCreateCmd())
	cmd.AddCommand(newBatchSpecExecuteCmd())
	cmd.AddCommand(newBatchSpecCancelCmd())
	cmd.AddCommand(newBatchSpecRetryCmd())
	cmd.AddCommand(newBatchSpecPreviewCmd())
	cmd.AddCommand(newBatchSpecApplyCmd())
	cmd.AddCommand(newBatchSpecWorkspacesCmd())
	return cmd
}

// withService runs fn against a service wired from configPath.
func withService(cmd *cobra.Command, configPath string, fn func(ctx context.Context, svc *batches.Service) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	_, comps, err := connectFromConfig(ctx, cmd, configPath)
	if err != nil {
		return err
	}
	defer comps.Close()
	return fn(ctx, comps.Service)
}

func newBatchSpecCreateCmd() *cobra.Command {
	var (
		configPath string
		file       string
		namespace  string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a batch spec and queue its workspace resolution",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatchSpecCreate(cmd, configPath, file, namespace)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVarP(&file, "file", "f", "", "batch spec YAML file (- for stdin)")
	cmd.Flags().StringVarP(&namespace, "namespace", "n", "", "namespace that owns the batch change")
	cmd.MarkFlagRequired("file")
	cmd.MarkFlagRequired("namespace")
	return cmd
}

func runBatchSpecCreate(cmd *cobra.Command, configPath, file, namespace string) error {
	var (
		raw []byte
		err error
	)
	if file == "-" {
		raw, err = io.ReadAll(cmd.InOrStdin())
	} else {
		raw, err = os.ReadFile(file)
	}
	if err != nil {
		return fmt.Errorf("read batch spec: %w", err)
	}

	return withService(cmd, configPath, func(ctx context.Context, svc *batches.Service) error {
		bs, err := svc.CreateBatchSpecFromRaw(ctx, namespace, string(raw))
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Created batch spec %d (%s/%s)\n", bs.ID, bs.Namespace, bs.Name)
		if bs.ExpiresAt != nil {
			fmt.Fprintf(out, "Expires: %s unless applied\n", bs.ExpiresAt.Format("2006-01-02 15:04"))
		}
		return nil
	})
}

func newBatchSpecExecuteCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "execute <batch-spec-id>",
		Short: "Queue the resolved workspaces of a batch spec",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("batch spec", args[0])
			if err != nil {
				return err
			}
			return withService(cmd, configPath, func(ctx context.Context, svc *batches.Service) error {
				n, err := svc.ExecuteBatchSpec(ctx, id)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Queued %d workspaces\n", n)
				return nil
			})
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newBatchSpecCancelCmd() *cobra.Command {
	var (
		configPath string
		yes        bool
	)

	cmd := &cobra.Command{
		Use:   "cancel <batch-spec-id>",
		Short: "Cancel every unfinished workspace of a batch spec",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("batch spec", args[0])
			if err != nil {
				return err
			}
			ok, err := confirm(cmd, yes, fmt.Sprintf("Cancel the execution of batch spec %d?", id))
			if err != nil || !ok {
				return err
			}
			return withService(cmd, configPath, func(ctx context.Context, svc *batches.Service) error {
				n, err := svc.CancelBatchSpecExecution(ctx, id)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Canceled %d workspaces\n", n)
				return nil
			})
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

func newBatchSpecRetryCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "retry <workspace-id>",
		Short: "Replace a finished workspace with a fresh queued one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("workspace", args[0])
			if err != nil {
				return err
			}
			return withService(cmd, configPath, func(ctx context.Context, svc *batches.Service) error {
				ws, err := svc.RetryBatchSpecWorkspaceExecution(ctx, id)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Workspace %d replaced by %d (%s)\n", id, ws.ID, ws.State)
				return nil
			})
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newBatchSpecPreviewCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "preview <batch-spec-id>",
		Short: "Show what applying a batch spec would do",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("batch spec", args[0])
			if err != nil {
				return err
			}
			return withService(cmd, configPath, func(ctx context.Context, svc *batches.Service) error {
				res, err := svc.PreviewApply(ctx, id)
				if err != nil {
					return err
				}
				printPreview(cmd.OutOrStdout(), res)
				return nil
			})
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func printPreview(out io.Writer, res *preview.Result) {
	if len(res.Entries) == 0 {
		fmt.Fprintln(out, "No changes.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ACTION\tREPO\tCHANGESET\tOPERATIONS")
	for _, e := range res.Entries {
		repo, changeset := "", "-"
		if e.Spec != nil {
			repo = e.Spec.Repo
		}
		if e.Existing != nil {
			repo = e.Existing.Repo
			changeset = fmt.Sprintf("%d", e.Existing.ID)
		}
		ops := make([]string, len(e.Ops))
		for i, op := range e.Ops {
			ops[i] = string(op)
		}
		detail := strings.Join(ops, ",")
		if e.Err != nil {
			detail = "error: " + e.Err.Error()
		} else if detail == "" {
			detail = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Action, repo, changeset, detail)
	}
	w.Flush()
	fmt.Fprintf(out, "\n%d to attach, %d to update, %d to detach, %d errors\n",
		res.Stats.Attach, res.Stats.Update, res.Stats.Detach, res.Stats.Errors)
}

func newBatchSpecApplyCmd() *cobra.Command {
	var (
		configPath string
		yes        bool
	)

	cmd := &cobra.Command{
		Use:   "apply <batch-spec-id>",
		Short: "Apply a batch spec to its batch change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("batch spec", args[0])
			if err != nil {
				return err
			}
			return withService(cmd, configPath, func(ctx context.Context, svc *batches.Service) error {
				res, err := svc.PreviewApply(ctx, id)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				printPreview(out, res)
				ok, err := confirm(cmd, yes, "Apply these changes?")
				if err != nil || !ok {
					return err
				}
				bc, err := svc.ApplyBatchChange(ctx, id)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Applied batch spec %d to batch change %d (%s/%s)\n", id, bc.ID, bc.Namespace, bc.Name)
				return nil
			})
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

func newBatchSpecWorkspacesCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "workspaces <batch-spec-id>",
		Short: "List the workspaces of a batch spec with their state and queue rank",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("batch spec", args[0])
			if err != nil {
				return err
			}
			return withService(cmd, configPath, func(ctx context.Context, svc *batches.Service) error {
				state, err := svc.BatchSpecState(ctx, id)
				if err != nil {
					return err
				}
				rows, err := svc.Workspaces(ctx, id)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Batch spec %d: %s\n", id, state)
				if len(rows) == 0 {
					fmt.Fprintln(out, "No workspaces.")
					return nil
				}
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tREPO\tPATH\tSTATE\tRANK\tDIFF")
				for _, ws := range rows {
					state := ws.State
					if ws.Skipped {
						state = "SKIPPED"
					}
					rank := "-"
					if ws.Rank.PlaceInQueue > 0 {
						rank = fmt.Sprintf("%d/%d", ws.Rank.PlaceInQueue, ws.Rank.PlaceInGlobalQueue)
					}
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n", ws.ID, ws.Repo, ws.Path, state, rank, ws.DiffStat)
				}
				return w.Flush()
			})
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}
