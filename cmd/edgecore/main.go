// Command edgecore runs the edge application-server node: it wires the
// registration store, service registry and dispatcher together and serves
// the telemetry endpoint. The SIP transport surface attaches through the
// dispatcher's receive hook.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/telscale/edgecore"
	"github.com/telscale/edgecore/config"
	"github.com/telscale/edgecore/internal/log"
	"github.com/telscale/edgecore/store"
	"github.com/telscale/edgecore/store/sqlstore"
	"github.com/telscale/edgecore/telemetry"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		cfgPath string
		devLog  bool
	)
	cmd := &cobra.Command{
		Use:           "edgecore",
		Short:         "IMS edge application-server node",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Default()
			if cfgPath != "" {
				var err error
				if cfg, err = config.Load(cfgPath); err != nil {
					return err
				}
			}
			logger := log.Def
			if devLog {
				logger = log.Dev
			}
			return run(cmd.Context(), cfg, logger)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to the configuration file")
	cmd.Flags().BoolVar(&devLog, "dev", false, "use the developer log format")
	return cmd
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	promReg := prometheus.NewRegistry()

	data, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	node, err := edgecore.NewNode(cfg, data, nil, &edgecore.NodeOptions{
		Metrics: telemetry.New(promReg),
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	node.Start(ctx)
	defer node.Stop()

	srv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           metricsMux(promReg),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	logger.InfoContext(ctx, "edgecore started",
		"home_domain", cfg.HomeDomain,
		"workers", cfg.Workers,
		"metrics_addr", cfg.MetricsAddr,
	)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openStore(cfg *config.Config) (store.Store, func(), error) {
	switch cfg.Store.Backend {
	case config.StoreBackendSQLite:
		s, err := sqlstore.Open(cfg.Store.Path, nil)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	default:
		return store.NewMemoryStore(nil), func() {}, nil
	}
}

func metricsMux(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}
