package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/recdeploy/internal/orchestrator"
	"github.com/lucasnoah/recdeploy/internal/record"
)

var statusCmd = &cobra.Command{
	Use:   "status [id]",
	Short: "Show all deployment records, or the full history of one",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		format, _ := cmd.Flags().GetString("format")
		w := cmd.OutOrStdout()

		if len(args) == 1 {
			r, err := e.store.Get(args[0])
			if err != nil {
				return err
			}
			if format == "json" {
				return writeJSON(w, struct {
					*record.DeploymentRecord
					Summary string `json:"summary"`
				}{r, orchestrator.Explain(r)})
			}
			return printRecord(w, r)
		}

		status, _ := cmd.Flags().GetString("status")
		recs, err := e.store.List(record.Status(status))
		if err != nil {
			return err
		}
		if format == "json" {
			return writeJSON(w, recs)
		}
		if len(recs) == 0 {
			fmt.Fprintln(w, "No deployment records found.")
			return nil
		}

		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tSTATUS\tSTAGE\tCOST\tRISK\tTITLE")
		for _, r := range recs {
			title := r.Title
			if len(title) > 40 {
				title = title[:37] + "..."
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t$%.4f\t%.2f\t%s\n",
				r.RecommendationID, r.Status, r.CurrentStage, r.CumulativeCost, r.RiskScore, title)
		}
		return tw.Flush()
	},
}

func printRecord(w io.Writer, r *record.DeploymentRecord) error {
	fmt.Fprintf(w, "%s: %s\n", r.RecommendationID, r.Title)
	fmt.Fprintf(w, "  mode:    %s\n", r.Mode)
	fmt.Fprintf(w, "  status:  %s (%s)\n", r.Status, r.CurrentStage)
	fmt.Fprintf(w, "  cost:    $%.4f\n", r.CumulativeCost)
	if r.RiskFactors != nil {
		fmt.Fprintf(w, "  risk:    %.2f", r.RiskScore)
		if len(r.RiskReasons) > 0 {
			fmt.Fprintf(w, " (%s)", strings.Join(r.RiskReasons, "; "))
		}
		fmt.Fprintln(w)
	}
	if r.Approval.Required {
		fmt.Fprintf(w, "  approval: %s", r.Approval.Decision)
		if r.Approval.By != "" {
			fmt.Fprintf(w, " by %s", r.Approval.By)
		}
		fmt.Fprintln(w)
	}
	if r.Branch != "" {
		fmt.Fprintf(w, "  branch:  %s %s\n", r.Branch, r.Commit)
	}
	if r.ReviewURL != "" {
		fmt.Fprintf(w, "  review:  %s\n", r.ReviewURL)
	}
	if r.Failure != nil {
		fmt.Fprintf(w, "  failure: %s at %s: %s\n", r.Failure.Kind, r.Failure.Stage, r.Failure.Message)
	}

	fmt.Fprintln(w, "\nHistory:")
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  STAGE\tENTERED\tTOOK\tOUTCOME\tCOST\tDETAIL")
	for _, h := range r.StageHistory {
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t$%.4f\t%s\n", h.Stage, h.EnteredAt, h.Duration, h.Outcome, h.Cost, h.Detail)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(w, "\n%s\n", orchestrator.Explain(r))
	return nil
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Fprintln(w, string(data))
	return nil
}

func init() {
	statusCmd.Flags().String("format", "text", "Output format: text or json")
	statusCmd.Flags().String("status", "", "Only list records with this status")
}
