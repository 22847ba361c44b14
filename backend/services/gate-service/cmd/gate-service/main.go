package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"parkpay/backend/libs/logging"
	"parkpay/backend/services/gate-service/internal/app"
	"parkpay/backend/services/gate-service/internal/config"
)

func main() {
	port := flag.String("port", "", "serial device of the gate controller (overrides GATE_SERIAL_PORT)")
	ledger := flag.String("ledger", "", "path to the plates ledger CSV (overrides GATE_LEDGER_PATH)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	if *port != "" {
		cfg.Serial.Port = *port
	}
	if *ledger != "" {
		cfg.Ledger.Path = *ledger
	}

	logger, err := logging.NewLogger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to init application", zap.Error(err))
	}
	defer application.Close()

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("application stopped with error", zap.Error(err))
	}
}
