package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mbahri/senja/internal/config"
	"github.com/mbahri/senja/pkg/approval"
)

var resolvedBy string

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "Inspect and resolve pending approval requests",
	Long: `Inspect and resolve approval requests from the shared approvals
document. These commands work whether or not the daemon is running; a
running daemon picks up resolutions through its file watcher.`,
}

var approvalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending approval requests",
	RunE:  runApprovalsList,
}

var approvalsApproveCmd = &cobra.Command{
	Use:   "approve <id>",
	Short: "Approve a pending request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return resolveApproval(cmd, args[0], approval.DecisionApprove)
	},
}

var approvalsDenyCmd = &cobra.Command{
	Use:   "deny <id>",
	Short: "Deny a pending request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return resolveApproval(cmd, args[0], approval.DecisionDeny)
	},
}

var approvalsHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Show resolved approval requests",
	RunE:  runApprovalsHistory,
}

func init() {
	approvalsCmd.PersistentFlags().StringVar(&resolvedBy, "by", "cli", "identity recorded as the resolver")
	approvalsCmd.AddCommand(approvalsListCmd)
	approvalsCmd.AddCommand(approvalsApproveCmd)
	approvalsCmd.AddCommand(approvalsDenyCmd)
	approvalsCmd.AddCommand(approvalsHistoryCmd)
	rootCmd.AddCommand(approvalsCmd)
}

// openCoordinator builds a coordinator over the configured approvals
// document. The caller must invoke the returned closer.
func openCoordinator() (*approval.Coordinator, func(), error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	store := approval.NewStore(cfg.Approvals.Path, zerolog.Nop())
	coordinator := approval.NewCoordinator(store, zerolog.Nop())
	return coordinator, coordinator.Close, nil
}

func runApprovalsList(cmd *cobra.Command, args []string) error {
	coordinator, closer, err := openCoordinator()
	if err != nil {
		return err
	}
	defer closer()

	pending, err := coordinator.ListPending(cmd.Context())
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No pending approvals.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tSUMMARY\tEXPIRES IN")
	now := time.Now()
	for _, rec := range pending {
		remaining := time.UnixMilli(rec.ExpiresAtMs).Sub(now).Round(time.Second)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", rec.ID, rec.Request.Kind, rec.Request.Summary, remaining)
	}
	return w.Flush()
}

func resolveApproval(cmd *cobra.Command, id string, decision approval.Decision) error {
	coordinator, closer, err := openCoordinator()
	if err != nil {
		return err
	}
	defer closer()

	resolved, err := coordinator.Resolve(cmd.Context(), id, decision, resolvedBy)
	if err != nil {
		return err
	}
	if !resolved {
		return fmt.Errorf("no pending approval with id %s", id)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Approval %s: %s\n", id, decision)
	return nil
}

func runApprovalsHistory(cmd *cobra.Command, args []string) error {
	coordinator, closer, err := openCoordinator()
	if err != nil {
		return err
	}
	defer closer()

	history, err := coordinator.History(cmd.Context())
	if err != nil {
		return err
	}
	if len(history) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No resolved approvals.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tDECISION\tBY\tSUMMARY\tRESOLVED")
	for i := len(history) - 1; i >= 0; i-- {
		rec := history[i]
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			rec.ID,
			rec.Decision,
			rec.ResolvedBy,
			rec.Request.Summary,
			time.UnixMilli(rec.ResolvedAtMs).Format(time.RFC3339),
		)
	}
	return w.Flush()
}
