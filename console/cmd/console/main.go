package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devwatch/devwatch/console/internal/alerts"
	"github.com/devwatch/devwatch/console/internal/api"
	"github.com/devwatch/devwatch/console/internal/auth"
	"github.com/devwatch/devwatch/console/internal/config"
	"github.com/devwatch/devwatch/console/internal/health"
	"github.com/devwatch/devwatch/console/internal/resultstream"
	"github.com/devwatch/devwatch/console/internal/session"
	"github.com/devwatch/devwatch/console/internal/statussub"
	"github.com/devwatch/devwatch/console/internal/store"
	"github.com/devwatch/devwatch/pkg/types"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	var level slog.LevelVar
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: &level}))
	slog.SetDefault(logger)

	slog.Info("devwatch-console starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	cc := cfg.Console
	level.Set(cc.SlogLevel())

	slog.Info("config loaded",
		"api_base_url", cc.APIBaseURL,
		"status_endpoint", cc.StatusEndpoint,
		"http_port", cc.HTTPPort,
		"grpc_port", cc.GRPCPort,
		"devices", cc.Status.Devices,
		"result_device", cc.Results.DeviceID,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Latest merged status per device, evicted after the configured TTL.
	st := store.New(cc.Status.TTL)
	go st.Run(ctx)

	alertEngine := alerts.New(cc.Alerts)
	slog.Info("alert rules loaded", "rules", alertEngine.Rules())

	healthSrv := health.New(cc.Auth.EffectiveHeader(), cc.Auth.APIKey)

	// Device status subscription. Every frame is merged into the store and
	// the merged view is what the alert rules see.
	status := statussub.New(statussub.Config{
		Endpoint:      cc.StatusEndpoint,
		TokenSource:   cc.Auth.Token,
		PingInterval:  cc.Status.PingInterval,
		ReconnectBase: cc.Status.ReconnectBase,
		ReconnectMax:  cc.Status.ReconnectMax,
		MaxAttempts:   cc.Status.MaxAttempts,
		OnStatusUpdate: func(u types.DeviceStatusUpdate) {
			if u.DeviceID == 0 {
				return
			}
			alertEngine.Evaluate(st.Put(u))
		},
		OnOnlineStatusChange: func(id int, online bool) {
			slog.Info("device online status changed", "device_id", id, "online", online)
			alertEngine.Evaluate(st.SetOnline(id, online))
		},
		OnConnect:    func() { healthSrv.SetStatusConnected(true) },
		OnDisconnect: func() { healthSrv.SetStatusConnected(false) },
	})
	for _, id := range cc.Status.Devices {
		status.SubscribeDevice(id)
	}
	status.Connect()

	// Optional ASR session and result stream for one device.
	var (
		results   *resultstream.Client
		sessions  *session.Client
		sessionID string
	)
	if cc.Results.DeviceID != 0 {
		sessions = session.New(session.Options{
			BaseURL:     cc.APIBaseURL,
			TokenSource: cc.Auth.Token,
		})
		results = resultstream.New(resultstream.Config{
			ReconnectDelay: cc.Results.ReconnectDelay,
			MaxAttempts:    cc.Results.MaxAttempts,
			OnResult: func(r types.RecognitionResult) {
				slog.Info("recognition result",
					"session_id", r.SessionID,
					"text", r.Text,
					"is_emergency", r.IsEmergency,
				)
				if a := alertEngine.Emergency(r); a != nil {
					slog.Warn("emergency keyword detected", "alert_id", a.ID, "keywords", r.EmergencyKeywords)
				}
			},
			OnError:      func(err error) { slog.Warn("result stream error", "err", err) },
			OnConnect:    func() { healthSrv.SetResultsConnected(true) },
			OnDisconnect: func() { healthSrv.SetResultsConnected(false) },
		})

		startCtx, startCancel := context.WithTimeout(ctx, 15*time.Second)
		resp, err := sessions.Start(startCtx, cc.Results.DeviceID, session.StartRequest{
			Language:   cc.Results.Language,
			VADEnabled: cc.Results.VADEnabled,
		})
		startCancel()
		switch {
		case err == nil:
			sessionID = resp.SessionID
			slog.Info("ASR session started",
				"device_id", resp.DeviceID,
				"session_id", resp.SessionID,
				"ws_url", resp.WSURL,
			)
			results.SetURL(resp.WSURL)
			results.Connect()
		case session.IsConflict(err):
			slog.Warn("device already has an active ASR session, results disabled",
				"device_id", cc.Results.DeviceID, "err", err)
		default:
			slog.Error("failed to start ASR session, results disabled",
				"device_id", cc.Results.DeviceID, "err", err)
		}
	}

	// Hot reload: subscription set and log level. Other keys need a restart.
	go func() {
		current := cfg
		err := config.Watch(ctx, *configPath, func(next *config.Config) {
			add, remove := config.DeviceDelta(current.Console.Status.Devices, next.Console.Status.Devices)
			for _, id := range add {
				status.SubscribeDevice(id)
			}
			for _, id := range remove {
				status.UnsubscribeDevice(id)
			}
			level.Set(next.Console.SlogLevel())
			slog.Info("config applied", "subscribed", add, "unsubscribed", remove)
			current = next
		})
		if err != nil {
			slog.Error("config watcher stopped", "err", err)
		}
	}()

	if cc.GRPCPort > 0 {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cc.GRPCPort))
		if err != nil {
			slog.Error("failed to listen on gRPC port", "port", cc.GRPCPort, "err", err)
			os.Exit(1)
		}
		go func() {
			if err := healthSrv.Serve(ctx, lis); err != nil {
				slog.Error("gRPC health server stopped", "err", err)
			}
		}()
	}

	deps := api.Deps{Store: st, Alerts: alertEngine, Status: status}
	if results != nil {
		deps.Results = results
	}
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cc.HTTPPort),
		Handler:           auth.Middleware(cc.Auth.EffectiveHeader(), cc.Auth.APIKey, api.New(deps)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("HTTP server listening", "port", cc.HTTPPort)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server stopped", "err", err)
		}
	}()

	<-ctx.Done()
	slog.Info("devwatch-console shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	status.Disconnect()
	if results != nil {
		results.Disconnect()
	}
	if sessionID != "" {
		if resp, err := sessions.Stop(shutdownCtx, cc.Results.DeviceID, sessionID); err != nil {
			slog.Warn("failed to stop ASR session", "session_id", sessionID, "err", err)
		} else {
			slog.Info("ASR session stopped", "session_id", sessionID, "segments", resp.SegmentsCount)
		}
	}
	httpSrv.Shutdown(shutdownCtx) //nolint:errcheck
	alertEngine.Wait()
}
