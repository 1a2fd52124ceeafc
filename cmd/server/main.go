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

	"github.com/DoyleJ11/fireworks-backend/internal/archive"
	"github.com/DoyleJ11/fireworks-backend/internal/config"
	"github.com/DoyleJ11/fireworks-backend/internal/httpapi"
	"github.com/DoyleJ11/fireworks-backend/internal/hub"
	"github.com/DoyleJ11/fireworks-backend/internal/logging"
	"github.com/DoyleJ11/fireworks-backend/internal/ws"
	"github.com/jonboulle/clockwork"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type archiveStore interface {
	hub.Archiver
	Close() error
}

func run() (err error) {
	cfg, foundEnv := config.Load()

	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	if !foundEnv {
		log.Debug("no .env file found, using environment variables")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store archiveStore = archive.Nop{}
	if cfg.Database.URL != "" {
		s, err := archive.Open(ctx, cfg.Database.URL, log.Named("archive"))
		if err != nil {
			return err
		}
		store = s
	}
	defer func() { err = multierr.Append(err, store.Close()) }()

	clock := clockwork.NewRealClock()
	h := hub.NewHub(context.Background(),
		hub.WithClock(clock),
		hub.WithLogger(log.Named("hub")),
		hub.WithArchiver(store),
		hub.WithSweepInterval(cfg.Rooms.SweepInterval),
		hub.WithIdleThreshold(cfg.Rooms.IdleThreshold),
	)

	handler := httpapi.SetupRoutes(h, clock, ws.Options{
		ReadTimeout:    cfg.WS.ReadTimeout,
		WriteTimeout:   cfg.WS.WriteTimeout,
		OutboxSize:     cfg.WS.OutboxSize,
		MessageRate:    cfg.WS.MessageRate,
		MessageBurst:   cfg.WS.MessageBurst,
		OriginPatterns: cfg.WS.AllowedOrigins,
		Logger:         log.Named("ws"),
	})
	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		// Hub first: closing every outbox makes the websocket handlers return.
		return multierr.Combine(
			h.Shutdown(shutdownCtx),
			srv.Shutdown(shutdownCtx),
		)
	})

	return g.Wait()
}
