package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/matst80/devtunnel/internal/obs"
	"github.com/matst80/devtunnel/internal/transport/httpconn"
	"github.com/matst80/devtunnel/internal/transport/tcpconn"
	"github.com/matst80/devtunnel/internal/transport/wsconn"
	"github.com/matst80/devtunnel/internal/tunnel"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		obs.Error("client.config", obs.Fields{"err": err.Error()})
		os.Exit(2)
	}
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	if err := run(cfg); err != nil {
		obs.Error("client.exit", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
}

func run(cfg Config) error {
	conn, err := newConnection(cfg)
	if err != nil {
		return err
	}
	client, err := tunnel.NewClient(cfg.ListenPort, conn,
		tunnel.WithListenHost(cfg.ListenHost),
		tunnel.WithAcceptRate(cfg.AcceptRate, cfg.AcceptBurst),
		tunnel.WithOpenTimeout(cfg.OpenTimeout),
	)
	if err != nil {
		return err
	}
	client.AddListener(tunnel.ListenerFuncs{
		Open: func(c net.Conn) {
			obs.Info("client.connection.open", obs.Fields{"remote": c.RemoteAddr().String()})
		},
		Close: func(c net.Conn) {
			obs.Info("client.connection.close", obs.Fields{"remote": c.RemoteAddr().String()})
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		go startMetricsServer(cfg.MetricsAddr, client)
	}

	port, err := client.Start()
	if err != nil {
		return err
	}
	obs.Info("client.start", obs.Fields{"port": port, "transport": cfg.Transport, "url": cfg.URL, "target": cfg.Target})

	select {
	case <-ctx.Done():
		obs.Info("client.shutdown.signal", obs.Fields{})
	case <-client.ServerThread().Done():
		obs.Error("client.accept_loop.exited", obs.Fields{})
	}
	client.Stop()
	if !client.ServerThread().Join(cfg.StopTimeout) {
		obs.Error("client.shutdown.timeout", obs.Fields{"timeout": cfg.StopTimeout.String()})
	}
	obs.Info("client.shutdown.complete", obs.Fields{})
	return nil
}

func newConnection(cfg Config) (tunnel.Connection, error) {
	switch cfg.Transport {
	case "http":
		return httpconn.New(httpconn.Config{URL: cfg.URL, Token: cfg.Token, MaxRetries: cfg.MaxRetries})
	case "ws":
		return wsconn.New(wsconn.Config{URL: cfg.URL, Token: cfg.Token})
	case "tcp":
		return tcpconn.New(cfg.Target)
	}
	return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
}

// startMetricsServer serves Prometheus metrics and simple health endpoints.
func startMetricsServer(addr string, client *tunnel.Client) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if client.State() != tunnel.Running {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		obs.Error("metrics.server", obs.Fields{"err": err.Error(), "addr": addr})
	}
}
