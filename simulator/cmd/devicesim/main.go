package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devwatch/devwatch/pkg/devicehub"
	"github.com/devwatch/devwatch/simulator/internal/config"
	"github.com/devwatch/devwatch/simulator/internal/sim"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	seed := flag.Uint64("seed", uint64(time.Now().UnixNano()), "seed for the telemetry random walk")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	slog.Info("devwatch-devicesim starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	sc := cfg.Simulator

	slog.Info("config loaded",
		"http_port", sc.HTTPPort,
		"public_url", sc.PublicURL,
		"devices", len(sc.Devices),
		"status_interval", sc.StatusInterval,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	hub := devicehub.New()
	go hub.Run(ctx)

	results := devicehub.NewResultHub()
	go results.Run(ctx)

	simulator := sim.New(sc, hub, results, *seed)
	go simulator.Run(ctx)

	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	mux.Handle("/ws/asr/", results)
	mux.Handle("/api/", simulator.Handler())

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", sc.HTTPPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("HTTP server listening", "port", sc.HTTPPort)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server stopped", "err", err)
		}
	}()

	<-ctx.Done()
	slog.Info("devwatch-devicesim shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	httpSrv.Shutdown(shutdownCtx) //nolint:errcheck
}
