package main

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
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kovalyov-valentin/infra-bot/internal/bot"
	"github.com/kovalyov-valentin/infra-bot/internal/config"
)

const shutdownTimeout = 10 * time.Second

var errNoBot = errors.New("telegram bot token is not configured")

// withApp поднимает зависимости, выполняет fn и закрывает хранилище
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg := config.Get()

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	//Graceful Shatdown
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(ctx, a)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Запустить бота, сборщик, рассылку и HTTP api",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if a.botAPI == nil {
				return errNoBot
			}

			if a.cfg.SeedFile != "" {
				if err := a.seed(ctx, a.cfg.SeedFile); err != nil {
					return fmt.Errorf("seed catalog: %w", err)
				}
			}

			srv := &http.Server{Addr: a.cfg.HTTPAddr, Handler: a.httpHandler()}

			g, gctx := errgroup.WithContext(ctx)

			// Воркер fetcher
			g.Go(func() error { return stopped(a.logger, "fetcher", a.fetcher.Start(gctx)) })
			// Воркер notifier
			g.Go(func() error { return stopped(a.logger, "notifier", a.notifier.Start(gctx)) })
			// Запуск бота
			g.Go(func() error { return stopped(a.logger, "bot", a.newBot().Run(gctx)) })

			g.Go(func() error {
				a.logger.Info("http server started", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("http server: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})

			return g.Wait()
		})
	},
}

// stopped превращает штатную остановку воркера по контексту в nil
func stopped(logger *zap.Logger, name string, err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		logger.Info(name + " stopped")
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Один раз обойти все источники",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			reports, err := a.fetcher.Fetch(ctx)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), bot.FormatIngestReports(reports))
			return nil
		})
	},
}

var deliverCmd = &cobra.Command{
	Use:   "deliver",
	Short: "Один раз разослать подошедшие дайджесты",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if a.notifier == nil {
				return errNoBot
			}
			return a.notifier.Tick(ctx)
		})
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Применить миграции базы",
	RunE: func(cmd *cobra.Command, _ []string) error {
		// миграции применяются при открытии хранилища
		return withApp(cmd, func(_ context.Context, a *app) error {
			a.logger.Info("migrations applied")
			return nil
		})
	},
}

var seedCmd = &cobra.Command{
	Use:   "seed [catalog.yaml]",
	Short: "Загрузить темы и источники из YAML",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			path := a.cfg.SeedFile
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				return errors.New("catalog path is required")
			}
			return a.seed(ctx, path)
		})
	},
}
