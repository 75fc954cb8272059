package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/zulandar/batchyard/internal/batches"
	"github.com/zulandar/batchyard/internal/bulk"
	"github.com/zulandar/batchyard/internal/models"
)

func newBulkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bulk",
		Short: "Bulk operations on the changesets of a batch change",
	}

	cmd.AddCommand(newBulkActionCmd(bulkAction{
		use:   "close",
		short: "Close changesets on their code host",
		kind:  models.BulkTypeClose,
		ask:   true,
	}))
	cmd.AddCommand(newBulkActionCmd(bulkAction{
		use:   "merge",
		short: "Merge changesets",
		kind:  models.BulkTypeMerge,
		ask:   true,
	}))
	cmd.AddCommand(newBulkActionCmd(bulkAction{
		use:   "publish",
		short: "Publish changesets whose spec leaves publication to the UI",
		kind:  models.BulkTypePublish,
	}))
	cmd.AddCommand(newBulkActionCmd(bulkAction{
		use:   "detach",
		short: "Detach archived changesets from their batch change",
		kind:  models.BulkTypeDetach,
		ask:   true,
	}))
	cmd.AddCommand(newBulkActionCmd(bulkAction{
		use:   "comment",
		short: "Post a comment on changesets",
		kind:  models.BulkTypeComment,
	}))
	cmd.AddCommand(newBulkActionCmd(bulkAction{
		use:   "reenqueue",
		short: "Queue changesets for reconciliation again",
		kind:  models.BulkTypeReenqueue,
	}))
	cmd.AddCommand(newBulkShowCmd())
	return cmd
}

// bulkAction describes one bulk subcommand.
type bulkAction struct {
	use   string
	short string
	kind  string
	ask   bool
}

func newBulkActionCmd(a bulkAction) *cobra.Command {
	var (
		configPath string
		yes        bool
		squash     bool
		draft      bool
		body       string
	)

	cmd := &cobra.Command{
		Use:   a.use + " <batch-change-id> <changeset-id>...",
		Short: a.short,
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			bcID, err := parseID("batch change", args[0])
			if err != nil {
				return err
			}
			ids, err := parseIDs(args[1:])
			if err != nil {
				return err
			}
			if a.kind == models.BulkTypeComment && body == "" {
				return fmt.Errorf("--body is required")
			}
			if a.ask {
				ok, err := confirm(cmd, yes, fmt.Sprintf("%s %d changesets of batch change %d?", a.use, len(ids), bcID))
				if err != nil || !ok {
					return err
				}
			}
			return withService(cmd, configPath, func(ctx context.Context, svc *batches.Service) error {
				var op *models.BulkOperation
				switch a.kind {
				case models.BulkTypeClose:
					op, err = svc.CloseChangesets(ctx, bcID, ids)
				case models.BulkTypeMerge:
					op, err = svc.MergeChangesets(ctx, bcID, ids, squash)
				case models.BulkTypePublish:
					op, err = svc.PublishChangesets(ctx, bcID, ids, draft)
				case models.BulkTypeDetach:
					op, err = svc.DetachChangesets(ctx, bcID, ids)
				case models.BulkTypeComment:
					op, err = svc.CreateChangesetComments(ctx, bcID, ids, body)
				case models.BulkTypeReenqueue:
					op, err = svc.ReenqueueChangesets(ctx, bcID, ids)
				default:
					return fmt.Errorf("unknown bulk operation %s", a.kind)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created bulk operation %s (%s, %d changesets)\n", op.ID, op.Type, op.ChangesetCount)
				return nil
			})
		},
	}

	addConfigFlag(cmd, &configPath)
	switch a.kind {
	case models.BulkTypeMerge:
		cmd.Flags().BoolVar(&squash, "squash", false, "squash commits when merging")
	case models.BulkTypePublish:
		cmd.Flags().BoolVar(&draft, "draft", false, "publish as drafts")
	case models.BulkTypeComment:
		cmd.Flags().StringVarP(&body, "body", "b", "", "comment body")
	}
	if a.ask {
		cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	}
	return cmd
}

func newBulkShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <bulk-operation-id>",
		Short: "Show the state and progress of a bulk operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, configPath, func(ctx context.Context, svc *batches.Service) error {
				st, err := svc.BulkOperation(ctx, args[0])
				if err != nil {
					return err
				}
				printBulkStatus(cmd.OutOrStdout(), st)
				return nil
			})
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func printBulkStatus(out io.Writer, st *bulk.Status) {
	fmt.Fprintf(out, "Bulk operation %s\n", st.Operation.ID)
	fmt.Fprintf(out, "Type:     %s\n", st.Operation.Type)
	fmt.Fprintf(out, "State:    %s\n", st.State)
	fmt.Fprintf(out, "Progress: %.0f%% of %d changesets\n", st.Progress*100, st.Operation.ChangesetCount)
	if st.FinishedAt != nil {
		fmt.Fprintf(out, "Finished: %s\n", st.FinishedAt.Format("2006-01-02 15:04:05"))
	}
	for _, e := range st.Errors {
		fmt.Fprintf(out, "  changeset %d: %s\n", e.ChangesetID, e.Error)
	}
}
