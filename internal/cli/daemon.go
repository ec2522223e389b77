package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/questlog/internal/reconcile"
)

// DaemonOptions holds flags for the daemon command.
type DaemonOptions struct {
	*RootOptions
	MetricsAddr string
}

// NewDaemonCommand creates the daemon command.
func NewDaemonCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DaemonOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the background sync scheduler",
		Long: `Run the sync scheduler until interrupted.

The daemon pulls the remote snapshot once the backend is reachable, pushes
local changes as they are queued, every sync interval and on reconnect, and
recomputes derived state on every interval so day windows roll over.
Connectivity is probed every remote.probe_interval.

With --metrics-addr (or metrics.addr) Prometheus metrics are served on
/metrics.

Examples:
  questlog daemon --user alice
  questlog daemon --metrics-addr 127.0.0.1:9464`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	return cmd
}

func runDaemon(opts *DaemonOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a, err := openApp(ctx, opts.RootOptions, appOptions{registerer: reg})
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.requireRemote(opts.RootOptions); err != nil {
		return err
	}
	userID, err := a.userID()
	if err != nil {
		return err
	}

	addr := opts.MetricsAddr
	if addr == "" {
		addr = a.cfg.Metrics.Addr
	}
	var lis net.Listener
	if addr != "" {
		lis, err = net.Listen("tcp", addr)
		if err != nil {
			return WrapExitError(ExitCommandError, CodeInvalidInput, "failed to listen for metrics", err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	if a.polling != nil {
		g.Go(func() error { return a.polling.Run(ctx) })
	}
	g.Go(func() error { return a.sync.Run(ctx, userID) })
	g.Go(func() error { return logStatus(ctx, a.sync, a.log) })
	if lis != nil {
		g.Go(func() error { return serveMetrics(ctx, lis, reg, a.log) })
	}

	a.log.Info("daemon started", zap.String("user_id", userID), zap.String("store", a.cfg.Store.Path))
	fmt.Fprintf(cmd.OutOrStdout(), "Syncing %s. Press Ctrl-C to stop.\n", userID)
	if lis != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "Metrics on http://%s/metrics\n", lis.Addr())
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, CodeInternal, "daemon error", err)
	}

	a.log.Info("daemon stopped gracefully")
	return nil
}

// logStatus logs every sync status change until ctx is done.
func logStatus(ctx context.Context, svc *reconcile.Service, log *zap.Logger) error {
	updates, stop := svc.Subscribe()
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case st, ok := <-updates:
			if !ok {
				return nil
			}
			fields := []zap.Field{
				zap.Bool("online", st.Online),
				zap.Bool("syncing", st.Syncing),
				zap.Int("pending", st.Pending),
			}
			if st.LastError != nil {
				fields = append(fields, zap.NamedError("last_error", st.LastError))
			}
			log.Debug("sync status", fields...)
		}
	}
}

// serveMetrics serves reg on /metrics until ctx is done.
func serveMetrics(ctx context.Context, lis net.Listener, reg *prometheus.Registry, log *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(lis) }()

	select {
	case err := <-errc:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("metrics server shutdown", zap.Error(err))
	}
	<-errc
	return ctx.Err()
}
