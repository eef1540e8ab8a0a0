package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/splax/devmarket/dashboard/internal/server"
	"github.com/splax/devmarket/pkg/config"
	"github.com/splax/devmarket/pkg/logger"
)

func main() {
	cfg := config.LoadDashboardConfig()
	log := logger.New("dashboard", logger.ParseLevel(cfg.Client.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dash, err := server.New(cfg, server.WithLogger(log))
	if err != nil {
		log.Error("failed to build dashboard", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           dash,
		ReadHeaderTimeout: 5 * time.Second,
	}
	// Event streams only end once the dashboard closes.
	srv.RegisterOnShutdown(dash.Close)

	errorCh := make(chan error, 1)
	go func() {
		log.Info("dashboard starting", "addr", cfg.Addr, "api", cfg.Client.APIBaseURL)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		dash.Close()
		log.Info("dashboard stopped")
	case err := <-errorCh:
		dash.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
