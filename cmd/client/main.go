package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BetaCatPro/ws-guard/internal/config"
	"github.com/BetaCatPro/ws-guard/internal/logger"
	"github.com/BetaCatPro/ws-guard/pkg/client"
	"github.com/BetaCatPro/ws-guard/pkg/health"
	"github.com/BetaCatPro/ws-guard/pkg/types"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	configPath := pflag.String("config", "", "path to config.yaml")
	url := pflag.String("url", "", "websocket url, overrides transport.url")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *url != "" {
		cfg.Transport.URL = *url
	}
	log, err := logger.New(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("client exited", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	transport, err := client.NewClient(cfg.Transport.URL, &cfg.Transport, client.WithLogger(log))
	if err != nil {
		return err
	}
	defer transport.Close()

	transport.On(types.EventDisconnect, func(p any) {
		ev := p.(types.DisconnectEvent)
		log.Info("disconnected", zap.Int("code", ev.Code), zap.String("reason", ev.Reason))
	})
	transport.On(types.EventCircuitOpen, func(p any) {
		log.Warn("connection attempts suspended", zap.Int("failures", p.(types.CircuitOpenEvent).Failures))
	})
	transport.On(types.EventStartupConnectionFailed, func(p any) {
		log.Error("server unreachable during startup", zap.Int("attempts", p.(types.StartupFailedEvent).Attempts))
	})

	store, closeStore, err := buildStore(cfg.Alerts)
	if err != nil {
		return err
	}
	defer closeStore()

	opts := []health.Option{health.WithLogger(log), health.WithAlertStore(store)}
	statusURL := cfg.HTTP.StatusURL
	if statusURL == "" {
		statusURL, _ = health.StatusURLFromWS(cfg.Transport.URL)
	}
	if statusURL != "" {
		prober, err := health.NewHTTPProber(statusURL, cfg.Monitor.ProbeTimeout)
		if err != nil {
			return err
		}
		opts = append(opts, health.WithProber(prober))
	}
	monitor, err := health.NewMonitor(transport, cfg.Monitor, opts...)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	exporter := health.NewExporter(reg)
	exporter.Attach(monitor)

	monitor.On(health.EventStatusChange, func(p any) {
		ev := p.(health.StatusChangeEvent)
		log.Info("health status", zap.String("from", string(ev.From)), zap.String("to", string(ev.To)))
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Transport.HandshakeTimeout)
	if err := transport.Connect(ctx); err != nil {
		// 启动阶段的重连循环会继续尝试
		log.Warn("initial connect failed", zap.Error(err))
	}
	cancel()
	monitor.StartMonitoring()
	defer monitor.StopMonitoring()

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           routes(transport, monitor, reg),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("status server failed", zap.Error(err))
		}
	}()
	log.Info("status endpoints listening", zap.String("addr", cfg.HTTP.Addr))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", zap.String("signal", sig.String()))

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancelShutdown()
	return srv.Shutdown(shutdownCtx)
}

func buildStore(cfg config.AlertsConfig) (health.AlertStore, func(), error) {
	switch cfg.Store {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return health.NewRedisStore(rdb, cfg.Redis.Key), func() { _ = rdb.Close() }, nil
	case "memory":
		return health.NewMemoryStore(), func() {}, nil
	case "file", "":
		store, err := health.NewFileStore(cfg.Dir)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown alert store %q", cfg.Store)
	}
}

func routes(transport *client.Client, monitor *health.Monitor, reg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":     monitor.GetStatus(),
			"mode":       monitor.IntervalMode(),
			"metrics":    monitor.GetMetrics(),
			"recovery":   monitor.RecoveryStats(),
			"connection": transport.GetConnectionInfo(),
		})
	})
	r.Post("/health/check", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, monitor.PerformHealthCheck(req.Context()))
	})
	r.Get("/alerts", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, monitor.GetAlerts())
	})
	r.Post("/alerts/{id}/ack", func(w http.ResponseWriter, req *http.Request) {
		if !monitor.AcknowledgeAlert(chi.URLParam(req, "id")) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "alert not found"})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	r.Delete("/alerts", func(w http.ResponseWriter, _ *http.Request) {
		monitor.ClearAlerts()
		w.WriteHeader(http.StatusNoContent)
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
