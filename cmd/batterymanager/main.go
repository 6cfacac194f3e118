package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/johanzander/batterymanager/pkg/controller"
	"github.com/johanzander/batterymanager/pkg/homeassistant"
	"github.com/johanzander/batterymanager/pkg/inverter"
	"github.com/johanzander/batterymanager/pkg/log"
	"github.com/johanzander/batterymanager/pkg/prices"
	"github.com/johanzander/batterymanager/pkg/publisher"
	"github.com/johanzander/batterymanager/pkg/reconcile"
	"github.com/johanzander/batterymanager/pkg/server"
	"github.com/johanzander/batterymanager/pkg/storage"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
	"golang.org/x/sync/errgroup"
)

func main() {
	// init packages
	db := storage.Configured()
	priceService := prices.Configured()
	ha := homeassistant.Configured()
	recon := reconcile.Configured()
	pub := publisher.Configured()
	ctrl := controller.Configured(controller.Deps{
		DB:        db,
		Prices:    priceService,
		Flows:     ha,
		Adapter:   inverter.NewGrowatt(ha),
		Publisher: pub,
		Reconcile: recon,
	})

	// init server
	srv := server.Configured(ctrl, db)

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	defer func() {
		if err := db.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", "error", err)
		}
	}()

	if err := pub.Init(); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to connect to mqtt broker", "error", err)
		os.Exit(1)
	}
	defer pub.Close()

	if err := ctrl.Init(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to initialize controller", "error", err)
		os.Exit(1)
	}

	// the hourly cycle and the HTTP API run until the first failure or
	// until a signal cancels the context
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return ctrl.Run(groupCtx)
	})
	group.Go(func() error {
		return srv.Run(groupCtx)
	})

	if err := group.Wait(); err != nil && ctx.Err() == nil {
		log.Ctx(ctx).ErrorContext(ctx, "server failed", "error", err)
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "server exited cleanly")
}
