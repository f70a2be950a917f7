package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kovalyov-valentin/infra-bot/internal/config"
)

var rootCmd = &cobra.Command{
	Use:           "infra-bot",
	Short:         "Сбор, проверка и доставка новостей по инфраструктуре",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.AddCommand(serveCmd, ingestCmd, deliverCmd, migrateCmd, seedCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// newLogger собирает продовый zap логгер с уровнем из конфига
func newLogger(cfg config.Config) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", cfg.LogLevel, err)
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = level

	return zapCfg.Build()
}
