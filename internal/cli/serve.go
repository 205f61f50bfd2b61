package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/inkwell-cms/collab/pkg/collab"
	"github.com/inkwell-cms/collab/pkg/config"
	"github.com/inkwell-cms/collab/pkg/logging"
)

var (
	serveListen          string
	serveShutdownTimeout time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the collaboration service",
	Long: `Run the collaboration service.

Serves the HTTP API and websocket event stream, flushes buffered changes on
schedule, and reaps idle sessions and expired locks. The logging level is
reloaded when the config file changes. On SIGINT or SIGTERM every session is
flushed before exit.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if serveListen != "" {
			cfg.Listen = serveListen
		}
		log := newLogger(cfg)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, log)
	},
}

func serve(ctx context.Context, cfg *config.Config, log *logging.Logger) error {
	svc, err := collab.Open(ctx, cfg, log)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", map[string]any{"addr": cfg.Listen})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return svc.Run(gctx)
	})
	if _, err := os.Stat(configPath); err == nil {
		g.Go(func() error {
			return config.Watch(gctx, configPath, func(next *config.Config) {
				log.SetLevel(logging.ParseLevel(next.Logging.Level))
				log.Info("configuration reloaded", map[string]any{"level": next.Logging.Level})
			}, func(err error) {
				log.WarnErr("config reload failed", err)
			})
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serveShutdownTimeout)
		defer cancel()
		log.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})

	runErr := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), serveShutdownTimeout)
	defer cancel()
	closeErr := svc.Close(closeCtx)
	if closeErr != nil {
		log.ErrorErr("shutdown left changes unpersisted", closeErr)
	}
	return errors.Join(runErr, closeErr)
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "listen address (overrides config)")
	serveCmd.Flags().DurationVar(&serveShutdownTimeout, "shutdown-timeout", 30*time.Second, "time allowed to flush on shutdown")
	rootCmd.AddCommand(serveCmd)
}
