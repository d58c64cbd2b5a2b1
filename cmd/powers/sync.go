package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/schoolpower/powers/pkg/logging"
	"github.com/schoolpower/powers/pkg/powers"
	"github.com/schoolpower/powers/pkg/store"
)

func newSyncCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one reconciliation pass against the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := openApp(ctx, g, true)
			if err != nil {
				return err
			}
			defer a.Close()

			if a.powers.Identity() == "" {
				return fmt.Errorf("no identity known: pass --identity or set %s", identityEnv)
			}
			before := len(a.powers.Pending())
			err = a.powers.Reconcile(ctx)
			fmt.Printf("Balance: %s  queued: %d -> %d\n",
				a.powers.FormatBalance(), before, len(a.powers.Pending()))
			if err != nil {
				if a.ledger != nil && a.ledger.BreakerOpen() {
					a.log.Warn("ledger circuit breaker is open, later passes will retry")
				}
				return fmt.Errorf("sync incomplete: %w", err)
			}
			return nil
		},
	}
}

func newResetCmd(g *globalOptions) *cobra.Command {
	var purge bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Restore the default balance locally",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			if purge {
				return purgeLocalState(ctx, g)
			}
			a, err := openApp(ctx, g, true)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.powers.Reset(ctx); err != nil {
				return err
			}
			fmt.Printf("Balance reset to %s\n", a.powers.FormatBalance())
			return nil
		},
	}

	cmd.Flags().BoolVar(&purge, "purge", false, "also drop the sync queue and cached identity")
	return cmd
}

func purgeLocalState(ctx context.Context, g *globalOptions) error {
	cfg, _, err := loadConfig(g)
	if err != nil {
		return err
	}
	st, err := store.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.Clear(ctx); err != nil {
		return err
	}
	fmt.Println("Local state cleared.")
	return nil
}

func newRunCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Keep reconciling in the foreground until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, g, false)
			if err != nil {
				return err
			}
			defer a.Close()

			unsubscribe := a.powers.OnBalanceChanged(func(ev powers.BalanceEvent) {
				a.log.WithFields(logging.Fields{
					"reason":    ev.Reason,
					"available": ev.Balance.Available,
					"used":      ev.Balance.Used,
				}).Info("balance changed")
			})
			defer unsubscribe()

			a.log.WithField("balance", a.powers.FormatBalance()).Info("powers reconciliation running")
			if !a.cfg.Metrics.Enabled {
				<-ctx.Done()
				return nil
			}
			return serveMetrics(ctx, a)
		},
	}
}

// serveMetrics exposes /metrics until ctx is cancelled.
func serveMetrics(ctx context.Context, a *app) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              a.cfg.Metrics.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.WithField("listen", a.cfg.Metrics.Listen).Info("metrics listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
