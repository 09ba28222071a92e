// Package main runs the SFU signalling/media server with graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/brokerwave/sfu/config"
	"github.com/brokerwave/sfu/internal/authforward"
	"github.com/brokerwave/sfu/internal/core"
	"github.com/brokerwave/sfu/internal/fanout"
	"github.com/brokerwave/sfu/internal/httpapi"
	"github.com/brokerwave/sfu/internal/transport"
	"github.com/brokerwave/sfu/pkg/redis"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load(os.Getenv("SFU_ROOM_CONFIG"), logger)
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	var bridge *fanout.Bridge
	if cfg.Redis.Addr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		cancel()
		if err != nil {
			logger.Warn("fanout disabled: redis unavailable", zap.Error(err))
		} else {
			bridge = fanout.New(rdb.Client, logger)
		}
	}

	// Transport is constructed before Core since it is Core's
	// gateway.Callbacks implementation; BindCore closes the loop once
	// Core exists.
	trans := transport.New(cfg.WebRTC.ICEUrls, logger)

	if cfg.JWT.Secret != "" {
		trans.SetAuthorizer(authforward.New(cfg.JWT.Secret))
	}

	sfu, err := core.New(core.Config{MaxRoomSize: cfg.Room.MaxRoomSize, Fanout: bridge}, trans, logger)
	if err != nil {
		logger.Fatal("init core", zap.Error(err))
	}
	trans.BindCore(sfu)

	router := httpapi.Router(sfu, trans, cfg.Server.CORSAllowedOrigins, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	sfu.Close()
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
