package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/carepath/report-pipeline/internal/api"
	"github.com/carepath/report-pipeline/internal/monitoring"
	"github.com/carepath/report-pipeline/internal/workflow"
)

var servePort int

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		collector := monitoring.NewCollector(env.Store)
		server := &api.Server{
			Pipeline:       env.Pipeline,
			Store:          env.Store,
			Collector:      collector,
			CallbackSecret: cfg.Delivery.SigningSecret,
		}

		if signalWorkflows {
			c, err := workflow.Dial(cfg.Temporal)
			if err != nil {
				return err
			}
			defer c.Close()
			server.Signal = func(ctx context.Context, jobID, note string) error {
				return workflow.Notify(ctx, c, jobID, note)
			}
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           server.Router(cfg.Server.AllowedOrigins),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			zap.L().Info("serve: listening", zap.Int("port", port))
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return eris.Wrap(err, "serve: listen")
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("serve: shutting down")
			sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
			defer cancel()
			return eris.Wrap(srv.Shutdown(sctx), "serve: shutdown")
		})
		if cfg.Monitoring.Enabled {
			checker := monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), alertSink(), cfg.Monitoring)
			g.Go(func() error {
				checker.Run(gctx)
				return nil
			})
		}
		return g.Wait()
	},
}

// alertSink posts alert batches to monitoring.webhook_url, signed like
// report notifications. Without a URL alerts are only logged.
func alertSink() monitoring.Sink {
	if cfg.Monitoring.WebhookURL == "" {
		return nil
	}
	return &monitoring.WebhookSink{URL: cfg.Monitoring.WebhookURL, Secret: cfg.Delivery.SigningSecret}
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
