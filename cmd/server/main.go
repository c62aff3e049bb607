package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matst80/devtunnel/internal/gateway"
	"github.com/matst80/devtunnel/internal/obs"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		obs.Error("server.config", obs.Fields{"err": err.Error()})
		os.Exit(2)
	}
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	obs.Info("server.start", obs.Fields{"listen": cfg.ListenAddr, "metrics": cfg.MetricsAddr, "target": cfg.Target})

	store, err := gateway.NewStateStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		obs.Error("state.init", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
	gw := gateway.New(gateway.Config{
		Target:      cfg.Target,
		Token:       cfg.Token,
		PollTimeout: cfg.PollTimeout,
		IdleTimeout: cfg.IdleTimeout,
		OpenRate:    cfg.OpenRate,
		OpenBurst:   cfg.OpenBurst,
	}, store)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gwSrv := &http.Server{Addr: cfg.ListenAddr, Handler: gw}
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsHandler(gw)}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if cfg.TLSCertFile != "" {
			err = gwSrv.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = gwSrv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		gw.RunCleanup(gctx, cfg.CleanupInterval)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		obs.Info("server.shutdown.signal", obs.Fields{})
		gw.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gwSrv.Shutdown(shutdownCtx)
		_ = metricsSrv.Shutdown(shutdownCtx)
		return nil
	})
	if err := g.Wait(); err != nil {
		obs.Error("server.exit", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
	obs.Info("server.shutdown.complete", obs.Fields{})
}
