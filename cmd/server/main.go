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

	"github.com/BetaCatPro/ws-guard/internal/config"
	"github.com/BetaCatPro/ws-guard/internal/logger"
	"github.com/BetaCatPro/ws-guard/pkg/server"
	"github.com/BetaCatPro/ws-guard/pkg/types"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	configPath := pflag.String("config", "", "path to config.yaml")
	addr := pflag.String("addr", "", "listen address, overrides server.addr")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	listen := cfg.Server.Addr
	if *addr != "" {
		listen = *addr
	}
	wsServer := server.NewServer(listen, server.WithLogger(log), server.WithConnectionConfig(&cfg.Transport))

	wsServer.SetConnectHandler(func(connID string) {
		welcome := types.NewEnvelope("welcome", map[string]any{"connection_id": connID})
		if err := wsServer.SendToClient(connID, welcome); err != nil {
			log.Warn("send welcome failed", zap.String("conn_id", connID), zap.Error(err))
		}
	})
	wsServer.SetDisconnectHandler(func(connID string, code int, reason string) {
		log.Info("client left", zap.String("conn_id", connID), zap.Int("code", code), zap.String("reason", reason))
	})
	wsServer.SetMessageHandler(func(connID string, env types.Envelope) {
		if env.Type != "broadcast" {
			return
		}
		// 广播消息给所有客户端
		if env.Data == nil {
			env.Data = map[string]any{}
		}
		env.Data["from"] = connID
		if _, err := wsServer.BroadcastMessage(env); err != nil {
			log.Warn("broadcast failed", zap.Error(err))
		}
	})

	go func() {
		if err := wsServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server start failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// 定时输出服务器状态
	statusTicker := time.NewTicker(10 * time.Second)
	defer statusTicker.Stop()

	for {
		select {
		case <-statusTicker.C:
			stats := wsServer.GetStats()
			log.Info("server status",
				zap.Int("clients", stats.Connections),
				zap.Int64("received", stats.MessagesReceived),
				zap.Int64("sent", stats.MessagesSent))
		case sig := <-sigCh:
			log.Info("shutting down", zap.String("signal", sig.String()))
			ctx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
			if err := wsServer.Stop(ctx); err != nil {
				log.Error("server shutdown error", zap.Error(err))
			}
			cancel()
			return
		}
	}
}
