package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"roomcall/native/internal/config"
	"roomcall/native/internal/docstore/backend"
	"roomcall/native/internal/logger"
	"roomcall/native/internal/server"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const helpText = `docstored - document store relay for roomcall signaling

Usage:
  docstored

Serves /ws (document store protocol), /health and /api/rooms/:roomId on
PORT, backed by ROOMCALL_STORE (memory, sqlite or redis).

Options:
  -h, --help  Show this help message
`

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "-h" || os.Args[1] == "--help") {
		fmt.Print(helpText)
		os.Exit(0)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "[main] %v\n", err)
		os.Exit(1)
	}
	log := logger.Must(cfg.LogLevel).Named("docstored")
	defer func() { _ = log.Sync() }()

	if cfg.Store.Backend == config.StoreWS {
		log.Fatal("docstored cannot use the ws backend; pick memory, sqlite or redis")
	}
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store, err := backend.Open(ctx, cfg.Store, log)
	if err != nil {
		log.Fatal("open store", zap.Error(err))
	}
	defer store.Close()

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: server.New(store, cfg.Server.AllowedOrigins, log).Handler(),
	}

	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("shutting down", zap.String("signal", sig.String()))
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("listening", zap.String("addr", srv.Addr), zap.String("store", cfg.Store.Backend))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("serve", zap.Error(err))
	}
}
