package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/recdeploy/internal/orchestrator"
	"github.com/lucasnoah/recdeploy/internal/recommendation"
	"github.com/lucasnoah/recdeploy/internal/record"
)

var runCmd = &cobra.Command{
	Use:   "run [recommendations-file]",
	Short: "Process recommendations from a file or the configured source",
	Long: `Process every recommendation from the given file (YAML, JSON or JSON lines),
or from the configured source when no file is given. Recommendations run on a
bounded worker pool; each ends succeeded, failed, rolled back, or parked
awaiting approval.

Interrupting the command stops work at the next stage boundary and leaves
records resumable.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext(cmd.Context())
		defer stop()

		e, err := openEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		mode, _ := cmd.Flags().GetString("mode")
		p, err := e.newPipeline(ctx, mode)
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		failed := 0
		report := func(res orchestrator.Result) {
			if !printResult(w, res) {
				failed++
			}
		}

		src, err := sourceFor(e, args)
		if err != nil {
			return err
		}
		resume, _ := cmd.Flags().GetBool("resume")
		if src == nil && !resume {
			return fmt.Errorf("no recommendations: pass a file or set source.path")
		}

		if resume {
			ids, err := p.orch.Pending()
			if err != nil {
				return err
			}
			for _, id := range ids {
				r, err := p.orch.Resume(ctx, id)
				report(orchestrator.Result{ID: id, Record: r, Err: err})
			}
		}

		if src != nil {
			if err := p.orch.RunSource(ctx, src, report); err != nil {
				return err
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d recommendation(s) did not succeed", failed)
		}
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <id>",
	Short: "Resume an interrupted or parked recommendation from its last stage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext(cmd.Context())
		defer stop()

		e, err := openEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		existing, err := e.store.Get(args[0])
		if err != nil {
			return err
		}
		p, err := e.newPipeline(ctx, existing.Mode)
		if err != nil {
			return err
		}
		r, err := p.orch.Resume(ctx, args[0])
		if !printResult(cmd.OutOrStdout(), orchestrator.Result{ID: args[0], Record: r, Err: err}) && err != nil {
			return err
		}
		return nil
	},
}

// sourceFor picks the recommendation source: an explicit file argument wins
// over the configured source.
func sourceFor(e *env, args []string) (recommendation.Source, error) {
	if len(args) == 1 {
		return recommendation.FileSource{Path: args[0]}, nil
	}
	s := e.cfg.Source
	switch s.Kind {
	case "nats":
		return recommendation.NATSSource{URL: s.NATSURL, Subject: s.Subject, Queue: s.Queue, Logger: e.logger}, nil
	case "file":
		if s.Path == "" {
			return nil, nil
		}
		return recommendation.FileSource{Path: s.Path}, nil
	}
	return nil, fmt.Errorf("unknown source kind %q", s.Kind)
}

// printResult writes one line per finished recommendation and reports
// whether it succeeded or is waiting on an operator.
func printResult(w io.Writer, res orchestrator.Result) bool {
	if res.Err != nil {
		fmt.Fprintf(w, "%-24s error: %v\n", res.ID, res.Err)
		return false
	}
	r := res.Record
	fmt.Fprintf(w, "%-24s %-18s $%.4f  %s\n", res.ID, r.Status, r.CumulativeCost, orchestrator.Explain(r))
	return r.Status == record.StatusSucceeded || r.Status == record.StatusAwaitingApproval
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func init() {
	runCmd.Flags().String("mode", "", "Override the configured mode: dry-run, local-commit or full")
	runCmd.Flags().Bool("resume", false, "Resume unfinished records before reading new recommendations")
}
