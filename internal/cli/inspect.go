package cli

import (
	"fmt"
	"path/filepath"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lucasnoah/recdeploy/internal/config"
	"github.com/lucasnoah/recdeploy/internal/logging"
	"github.com/lucasnoah/recdeploy/internal/recommendation"
	"github.com/lucasnoah/recdeploy/internal/record"
)

var mapCmd = &cobra.Command{
	Use:   "map [repo]",
	Short: "Print the structure index of a repository (default: the configured repo)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadQuiet()
		if err != nil {
			return err
		}
		root := cfg.Repo.Path
		if len(args) == 1 {
			root = args[0]
		}
		root, err = filepath.Abs(root)
		if err != nil {
			return err
		}

		idx, err := newMapper(cfg, logger).Map(cmd.Context(), root)
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		if format, _ := cmd.Flags().GetString("format"); format == "json" {
			return writeJSON(w, idx)
		}

		fmt.Fprintf(w, "%s (%s)\n", idx.Root, idx.Hash)
		fmt.Fprintf(w, "%d files in %d modules, %d skipped, primary language %s\n\n",
			len(idx.Files), len(idx.Modules), len(idx.Skipped), idx.PrimaryLanguage())

		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "MODULE\tLANGUAGE\tFILES\tTESTS")
		for _, name := range idx.ModuleNames() {
			m := idx.Modules[name]
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\n", m.Name, m.Language, len(m.Files), len(m.Tests))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		if cmdline := idx.TestCommand(); cmdline != "" {
			fmt.Fprintf(w, "\nTest command: %s\n", cmdline)
		}
		return nil
	},
}

var planCmd = &cobra.Command{
	Use:   "plan <recommendations-file> <id>",
	Short: "Show where a recommendation would be placed, without generating code",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadQuiet()
		if err != nil {
			return err
		}
		recs, err := recommendation.LoadFile(args[0])
		if err != nil {
			return err
		}
		var rec *recommendation.Recommendation
		for i := range recs {
			if recs[i].ID == args[1] {
				rec = &recs[i]
				break
			}
		}
		if rec == nil {
			return fmt.Errorf("recommendation %q not found in %s", args[1], args[0])
		}

		root, err := filepath.Abs(cfg.Repo.Path)
		if err != nil {
			return err
		}
		idx, err := newMapper(cfg, logger).Map(cmd.Context(), root)
		if err != nil {
			return err
		}
		plan, err := newAnalyzer(cfg, logger).Plan(cmd.Context(), *rec, idx)
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		if format, _ := cmd.Flags().GetString("format"); format == "json" {
			return writeJSON(w, plan)
		}
		fmt.Fprintln(w, plan.Summary())
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "PATH\tACTION\tSCORE\tREASON")
		for _, t := range plan.Targets {
			fmt.Fprintf(tw, "%s\t%s\t%.2f\t%s\n", t.Path, t.Action, t.Score, t.Reason)
		}
		return tw.Flush()
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events <id>",
	Short: "Show the audit trail and cost attempts for a recommendation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		evs, err := e.events.Events(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		costs, err := e.events.Costs(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		if format, _ := cmd.Flags().GetString("format"); format == "json" {
			return writeJSON(w, map[string]any{"events": evs, "costs": costs})
		}
		if len(evs) == 0 {
			fmt.Fprintf(w, "No events for %s.\n", args[0])
			return nil
		}
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TIME\tRUN\tEVENT\tSTAGE\tATT\tDETAIL")
		for _, ev := range evs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n", ev.CreatedAt, ev.RunID, ev.Event, ev.Stage, ev.Attempt, ev.Detail)
		}
		if err := tw.Flush(); err != nil {
			return err
		}

		total, err := e.events.TotalCost(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "\n%d cost-incurring attempts, $%.4f total\n", len(costs), total)
		return nil
	},
}

var archiveCmd = &cobra.Command{
	Use:   "archive <id>...",
	Short: "Move finished records out of the active store (to state/archive or S3)",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		var archiver record.Archiver = record.LocalArchiver{Dir: filepath.Join(e.cfg.State.Dir, "archive")}
		if a := e.cfg.State.Archive; a.S3Bucket != "" {
			s3, err := record.NewS3Archiver(cmd.Context(), record.S3ArchiverConfig{
				Bucket:   a.S3Bucket,
				Region:   a.Region,
				Endpoint: a.S3Endpoint,
				Prefix:   a.S3Prefix,
			})
			if err != nil {
				return err
			}
			archiver = s3
		}

		sort.Strings(args)
		for _, id := range args {
			loc, err := e.store.Archive(cmd.Context(), id, archiver)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Archived %s to %s\n", id, loc)
		}
		return nil
	},
}

// loadQuiet loads the configuration and a logger for commands that need
// neither the record store nor the audit log.
func loadQuiet() (*config.Config, *zap.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func init() {
	mapCmd.Flags().String("format", "text", "Output format: text or json")
	planCmd.Flags().String("format", "text", "Output format: text or json")
	eventsCmd.Flags().String("format", "text", "Output format: text or json")
}
