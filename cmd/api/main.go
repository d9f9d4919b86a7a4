package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"match-server/internal/config"
	"match-server/internal/obslog"
	"match-server/internal/server"
)

func gracefulShutdown(matchServer *server.Server, httpServer *http.Server, done chan bool) {
	// Create context that listens for the interrupt signal from the OS.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()

	obslog.L().Info("shutdown_signal_received", zap.String("hint", "press Ctrl+C again to force"))
	stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop taking new connections before rooms and sockets are torn down.
	if err := httpServer.Shutdown(ctx); err != nil {
		obslog.L().Warn("http_shutdown_forced", zap.Error(err))
	}
	if err := matchServer.Shutdown(ctx); err != nil {
		obslog.L().Error("shutdown_failed", zap.Error(err))
	}

	done <- true
}

func main() {
	if err := obslog.InitFromEnv(); err != nil {
		panic(fmt.Sprintf("init logging: %s", err))
	}
	defer obslog.Sync()
	log := obslog.L()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config_invalid", zap.Error(err))
	}

	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	matchServer, httpServer, err := server.NewServer(startCtx, cfg, log)
	cancel()
	if err != nil {
		log.Fatal("server_init_failed", zap.Error(err))
	}

	done := make(chan bool, 1)
	go gracefulShutdown(matchServer, httpServer, done)

	log.Info("server_listening", zap.String("addr", httpServer.Addr))
	err = httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("http_server_error", zap.Error(err))
	}

	<-done
	log.Info("graceful_shutdown_complete")
}
