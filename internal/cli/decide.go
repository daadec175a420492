package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/recdeploy/internal/record"
	"github.com/lucasnoah/recdeploy/internal/safety"
)

var approveCmd = &cobra.Command{
	Use:   "approve <id>",
	Short: "Approve a recommendation awaiting approval",
	Long: `Record an approve decision for a recommendation parked at awaiting_approval.
The waiting run, or "recdeploy serve", picks the decision up and continues
to commit.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decide(cmd, args[0], safety.DecisionApprove)
	},
}

var rejectCmd = &cobra.Command{
	Use:   "reject <id>",
	Short: "Reject a recommendation awaiting approval; its changes are rolled back",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decide(cmd, args[0], safety.DecisionReject)
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a running or parked recommendation at its next stage boundary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		r, err := e.store.Get(args[0])
		if err != nil {
			return err
		}
		if r.Terminal() {
			return fmt.Errorf("%s already finished as %s", r.RecommendationID, r.Status)
		}
		if err := e.signals.RequestCancel(r.RecommendationID, operatorName(cmd)); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Cancel requested for %s (at %s).\n", r.RecommendationID, r.CurrentStage)
		return nil
	},
}

func decide(cmd *cobra.Command, id, decision string) error {
	e, err := openEnv(cmd.Context())
	if err != nil {
		return err
	}
	defer e.Close()

	r, err := e.store.Get(id)
	if err != nil {
		return err
	}
	if r.CurrentStage != record.StageAwaitingApproval {
		return fmt.Errorf("%s is at %s, not awaiting approval", id, r.CurrentStage)
	}

	comment, _ := cmd.Flags().GetString("comment")
	sig, err := e.signals.Decide(id, decision, comment, operatorName(cmd))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Recorded %s for %s by %s.\n", sig.Decision, id, sig.By)
	return nil
}

// operatorName is --by, falling back to $USER.
func operatorName(cmd *cobra.Command) string {
	if by, _ := cmd.Flags().GetString("by"); by != "" {
		return by
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "operator"
}

func init() {
	for _, c := range []*cobra.Command{approveCmd, rejectCmd, cancelCmd} {
		c.Flags().String("by", "", "Operator name recorded with the signal (default: $USER)")
	}
	approveCmd.Flags().String("comment", "", "Comment stored with the decision")
	rejectCmd.Flags().String("comment", "", "Reason for rejecting")
}
