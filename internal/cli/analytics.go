package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/recdeploy/internal/analytics"
)

var analyticsCmd = &cobra.Command{
	Use:   "analytics",
	Short: "Query pipeline performance analytics from the audit log",
}

// analyticsRun opens the audit log and hands it to fn with the --since value.
func analyticsRun(fn func(cmd *cobra.Command, db analytics.DB, since string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()
		since, _ := cmd.Flags().GetString("since")
		return fn(cmd, e.events, since)
	}
}

func jsonFormat(cmd *cobra.Command) bool {
	format, _ := cmd.Flags().GetString("format")
	return format == "json"
}

var analyticsStageDurationCmd = &cobra.Command{
	Use:   "stage-duration",
	Short: "Average and percentile durations per stage",
	RunE: analyticsRun(func(cmd *cobra.Command, db analytics.DB, since string) error {
		results, err := analytics.QueryStageDurations(cmd.Context(), db, since)
		if err != nil {
			return err
		}
		if jsonFormat(cmd) {
			return writeJSON(cmd.OutOrStdout(), results)
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "STAGE\tCOUNT\tAVG(s)\tP50(s)\tP95(s)")
		for _, r := range results {
			fmt.Fprintf(tw, "%s\t%d\t%.1f\t%.1f\t%.1f\n", r.Stage, r.Count, r.Avg, r.P50, r.P95)
		}
		return tw.Flush()
	}),
}

var analyticsOutcomesCmd = &cobra.Command{
	Use:   "outcomes",
	Short: "How runs ended, with failures broken down by kind",
	RunE: analyticsRun(func(cmd *cobra.Command, db analytics.DB, since string) error {
		out, err := analytics.QueryOutcomes(cmd.Context(), db, since)
		if err != nil {
			return err
		}
		if jsonFormat(cmd) {
			return writeJSON(cmd.OutOrStdout(), out)
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "%d finished: %d succeeded (%.1f%%), %d failed, %d rolled back\n",
			out.Finished, out.Succeeded, out.SuccessPct, out.Failed, out.RolledBack)
		if len(out.ByKind) == 0 {
			return nil
		}
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "\nKIND\tCOUNT\tSHARE")
		for _, k := range out.ByKind {
			fmt.Fprintf(tw, "%s\t%d\t%.1f%%\n", k.Kind, k.Count, k.Pct)
		}
		return tw.Flush()
	}),
}

var analyticsCostCmd = &cobra.Command{
	Use:   "cost",
	Short: "Spend and token usage per stage",
	RunE: analyticsRun(func(cmd *cobra.Command, db analytics.DB, since string) error {
		results, err := analytics.QueryCostByStage(cmd.Context(), db, since)
		if err != nil {
			return err
		}
		if jsonFormat(cmd) {
			return writeJSON(cmd.OutOrStdout(), results)
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "STAGE\tATTEMPTS\tTOTAL\tAVG\tIN TOKENS\tOUT TOKENS")
		for _, r := range results {
			fmt.Fprintf(tw, "%s\t%d\t$%.4f\t$%.4f\t%d\t%d\n", r.Stage, r.Attempts, r.TotalUSD, r.AvgUSD, r.InputTokens, r.OutputTokens)
		}
		return tw.Flush()
	}),
}

var analyticsAttemptsCmd = &cobra.Command{
	Use:   "attempts",
	Short: "Distribution of code-generation attempts per recommendation",
	RunE: analyticsRun(func(cmd *cobra.Command, db analytics.DB, since string) error {
		dist, err := analytics.QueryAttempts(cmd.Context(), db, since)
		if err != nil {
			return err
		}
		if jsonFormat(cmd) {
			return writeJSON(cmd.OutOrStdout(), dist)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d recommendations: 1 attempt %.1f%%, 2 attempts %.1f%%, 3+ attempts %.1f%%\n",
			dist.Total, dist.One, dist.Two, dist.ThreePlus)
		return nil
	}),
}

var analyticsThroughputCmd = &cobra.Command{
	Use:   "throughput",
	Short: "Daily created, succeeded and failed counts",
	RunE: analyticsRun(func(cmd *cobra.Command, db analytics.DB, since string) error {
		results, err := analytics.QueryThroughput(cmd.Context(), db, since)
		if err != nil {
			return err
		}
		if jsonFormat(cmd) {
			return writeJSON(cmd.OutOrStdout(), results)
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "DAY\tCREATED\tSUCCEEDED\tFAILED")
		for _, r := range results {
			fmt.Fprintf(tw, "%s\t%d\t%d\t%d\n", r.Day, r.Created, r.Succeeded, r.Failed)
		}
		return tw.Flush()
	}),
}

func init() {
	for _, c := range []*cobra.Command{
		analyticsStageDurationCmd, analyticsOutcomesCmd, analyticsCostCmd,
		analyticsAttemptsCmd, analyticsThroughputCmd,
	} {
		c.Flags().String("since", "", "Only count events at or after this RFC 3339 date or timestamp")
		c.Flags().String("format", "text", "Output format: text or json")
		analyticsCmd.AddCommand(c)
	}
}
