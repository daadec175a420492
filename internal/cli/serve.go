package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lucasnoah/recdeploy/internal/operator"
	"github.com/lucasnoah/recdeploy/internal/orchestrator"
	"github.com/lucasnoah/recdeploy/internal/recommendation"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the operator API and resume parked runs as decisions arrive",
	Long: `Serve the operator HTTP API (JWT bearer auth) and /metrics, and resume runs
parked at awaiting_approval whenever an approve or reject decision is
recorded. With --consume, recommendations from the configured source are
processed as well.`,
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

		srv, err := operator.NewServer(operator.Deps{
			Store:     e.store,
			Signals:   e.signals,
			Events:    e.events,
			Metrics:   p.metrics,
			Canceller: p.orch,
			Explain:   orchestrator.Explain,
			Logger:    e.logger,
		}, e.cfg.Operator.JWTSecret)
		if err != nil {
			return err
		}

		addr, _ := cmd.Flags().GetString("addr")
		if addr == "" {
			addr = e.cfg.Operator.Addr
		}
		var src recommendation.Source
		if consume, _ := cmd.Flags().GetBool("consume"); consume {
			if src, err = sourceFor(e, nil); err != nil {
				return err
			}
			if src == nil {
				return fmt.Errorf("--consume needs a configured source")
			}
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return srv.Start(addr)
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
		g.Go(func() error {
			return p.orch.WatchApprovals(gctx)
		})
		if src != nil {
			g.Go(func() error {
				return p.orch.RunSource(gctx, src, func(res orchestrator.Result) {
					if res.Err != nil {
						e.logger.Warn("recommendation not processed", zap.String("rec", res.ID), zap.Error(res.Err))
					}
				})
			})
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Operator API listening on %s (mode %s)\n", addr, p.orch.Mode())
		err = g.Wait()
		if ctx.Err() != nil {
			return nil
		}
		return err
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token <operator>",
	Short: "Issue a bearer token for the operator API",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ttl, _ := cmd.Flags().GetDuration("ttl")
		tok, err := operator.IssueToken(cfg.Operator.JWTSecret, args[0], ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "Listen address (default: operator.addr)")
	serveCmd.Flags().String("mode", "", "Override the configured mode for resumed and consumed runs")
	serveCmd.Flags().Bool("consume", false, "Also process recommendations from the configured source")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime; must be positive")
}
