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

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/heartline/internal/adapters/auth"
	router "github.com/dkeye/heartline/internal/adapters/http"
	wssignal "github.com/dkeye/heartline/internal/adapters/signal"
	"github.com/dkeye/heartline/internal/adapters/store"
	"github.com/dkeye/heartline/internal/app"
	"github.com/dkeye/heartline/internal/app/calls"
	"github.com/dkeye/heartline/internal/app/notify"
	"github.com/dkeye/heartline/internal/app/orch"
	"github.com/dkeye/heartline/internal/config"
	"github.com/dkeye/heartline/internal/observability"
)

func main() {
	fs := pflag.NewFlagSet("heartline", pflag.ExitOnError)
	config.Flags(fs)
	_ = fs.Parse(os.Args[1:])

	// Console logging until the config says otherwise.
	observability.InitLogger("heartline", "info", true)

	cfg, err := config.Load(fs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	observability.InitLogger("heartline", cfg.LogLevel, cfg.Mode != "release")
	observability.RegisterMetrics()

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
	log.Info().Msg("Server exited gracefully")
}

func run(cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open notification store: %w", err)
	}
	defer db.Close()

	verifier, err := auth.NewTokenVerifier(cfg.Secret, cfg.TokenTTL)
	if err != nil {
		return err
	}

	var policy app.Policy = app.SimplePolicy{}
	if cfg.Registry.SlowConsumer == "drop" {
		policy = app.TolerantPolicy{}
	}
	clk := clock.New()

	reg := app.NewRegistry(cfg.Registry.Shards, app.WithPolicy(policy))
	presence := app.NewPresence(reg)
	callRouter := calls.NewRouter(reg, clk, cfg.Calls.RingTimeout)
	dispatcher := notify.NewDispatcher(db, reg)
	o := orch.New(reg, presence, callRouter, dispatcher)

	ctl := wssignal.NewSignalWSController(o, verifier, settingsFrom(cfg), clk)

	r := router.SetupRouter(ctx, cfg, router.Deps{
		Orch:     o,
		Verifier: verifier,
		Issuer:   verifier,
		Signal:   ctl,
	})
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return presence.Run(gctx)
	})
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("heartline relay started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		o.Shutdown()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func settingsFrom(cfg *config.Config) wssignal.Settings {
	s := cfg.Session
	return wssignal.Settings{
		ReadLimit:      s.ReadLimit,
		SendBuffer:     s.SendBuffer,
		PingPeriod:     s.PingPeriod,
		WriteTimeout:   s.WriteTimeout,
		AuthGrace:      s.AuthGrace,
		LivenessWindow: s.LivenessWindow,
		AbuseThreshold: s.AbuseThreshold,
		AbuseWindow:    s.AbuseWindow,
		FrameRate:      s.FrameRate,
		FrameBurst:     s.FrameBurst,
		AllowedOrigins: s.AllowedOrigins,
		ICEServers:     cfg.Calls.WebRTC(),
	}
}
