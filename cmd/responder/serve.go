package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/xaenox/wa-responder/internal/notify"
	"github.com/xaenox/wa-responder/internal/server"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook server together with the response scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.close()

		if !cfg.Logging.Development {
			gin.SetMode(gin.ReleaseMode)
		}
		srv := server.New(a.bot, a.scheduler, a.store, a.provider, server.Config{
			VerifyToken:   cfg.Server.WebhookVerifyToken,
			ResponseDelay: cfg.Automation.ResponseDelay,
			AIProvider:    cfg.AI.Provider,
			HistoryLimit:  cfg.Automation.HistoryLimit,
		}, logger)
		httpServer := &http.Server{
			Addr:    cfg.Server.Addr(),
			Handler: srv.Handler(),
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			logger.Info("Starting webhook server",
				zap.String("addr", httpServer.Addr),
				zap.String("provider", a.provider.Name()),
				zap.String("ai_provider", cfg.AI.Provider))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			logger.Info("Shutting down webhook server")
			return httpServer.Shutdown(shutdownCtx)
		})
		g.Go(func() error {
			return a.scheduler.Run(gctx)
		})
		if a.telegram != nil {
			g.Go(func() error {
				return notify.NewConsole(a.telegram, a.store).Run(gctx)
			})
		}
		return g.Wait()
	},
}
