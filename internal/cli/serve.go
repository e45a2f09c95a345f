package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lucasnoah/handoff/internal/metrics"
	"github.com/lucasnoah/handoff/internal/pipeline"
	"github.com/lucasnoah/handoff/internal/web"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API and drive pipelines",
	Long: `Start the HTTP API, the live event stream and the Prometheus /metrics endpoint.

On startup every instance left active by a previous process is picked up again
from its last completed stage. Instances whose driver lease expires later, for
example because another process died, are picked up on a timer. SIGINT or SIGTERM stops the server; running
stages are interrupted and their instances stay active for the next start.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		m := metrics.New(nil)
		m.Attach(a.bus)
		if err := refreshGauge(ctx, a, m); err != nil {
			return err
		}

		n, err := a.orch.RecoverActive(ctx)
		if err != nil {
			return fmt.Errorf("recover pipelines: %w", err)
		}
		if n > 0 {
			a.logger.Info("resumed active pipelines", zap.Int("count", n))
		}

		go recoverLoop(ctx, a)

		addr, _ := cmd.Flags().GetString("addr")
		if addr == "" {
			addr = a.cfg.Server.Addr
		}
		srv := web.NewServer(a.orch, a.bus, m.Handler(), a.logger, addr)

		errc := make(chan error, 1)
		go func() { errc <- srv.Start() }()
		fmt.Fprintf(cmd.OutOrStdout(), "handoff listening on %s\n", addr)

		select {
		case err := <-errc:
			return err
		case <-ctx.Done():
		}

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	},
}

// recoverLoop relaunches orphaned active instances once per lease TTL until
// ctx is done.
func recoverLoop(ctx context.Context, a *app) {
	t := time.NewTicker(a.orch.LeaseTTL())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		n, err := a.orch.RecoverActive(ctx)
		if err != nil {
			a.logger.Warn("recover pipelines", zap.Error(err))
			continue
		}
		if n > 0 {
			a.logger.Info("resumed orphaned pipelines", zap.Int("count", n))
		}
	}
}

// refreshGauge seeds the pipelines gauge from storage so it is correct
// before the first transition.
func refreshGauge(ctx context.Context, a *app, m *metrics.Metrics) error {
	list, err := a.store.List(ctx, "")
	if err != nil {
		return fmt.Errorf("list pipelines: %w", err)
	}
	counts := make(map[string]int)
	for _, inst := range list {
		counts[string(inst.Status)]++
	}
	for _, s := range []pipeline.Status{pipeline.StatusActive, pipeline.StatusPaused, pipeline.StatusCompleted, pipeline.StatusFailed, pipeline.StatusCancelled} {
		if _, ok := counts[string(s)]; !ok {
			counts[string(s)] = 0
		}
	}
	m.SetPipelines(counts)
	return nil
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (default from server.addr)")
}
