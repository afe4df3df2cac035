package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowise-gateway/chatproxy/internal/accounting"
	"github.com/flowise-gateway/chatproxy/internal/api"
	"github.com/flowise-gateway/chatproxy/internal/auth"
	"github.com/flowise-gateway/chatproxy/internal/chat"
	"github.com/flowise-gateway/chatproxy/internal/chatflow"
	"github.com/flowise-gateway/chatproxy/internal/config"
	"github.com/flowise-gateway/chatproxy/internal/files"
	"github.com/flowise-gateway/chatproxy/internal/logger"
	storemongo "github.com/flowise-gateway/chatproxy/internal/store/mongo"
	"github.com/flowise-gateway/chatproxy/internal/stream"
)

func main() {
	cfg := config.LoadConfig()
	log := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat))

	ctx, cancelBoot := context.WithTimeout(context.Background(), 30*time.Second)
	store, err := storemongo.New(ctx, cfg.MongoURL, cfg.MongoDatabase)
	cancelBoot()
	if err != nil {
		log.Error("failed to connect to mongo", "error", err)
		os.Exit(1)
	}

	identity := auth.NewService(store, cfg.JWTSecretKey, time.Duration(cfg.JWTExpirationHours)*time.Hour, cfg.JWTRefreshTokenExpireDays, cfg.ExternalAuthURL)
	middleware := auth.NewMiddleware(identity)

	registry := chatflow.NewRegistry(store, cfg.FlowiseAPIURL, cfg.FlowiseAPIKey, cfg.ExternalAuthURL, cfg.ChatflowSyncCron, log)
	if err := registry.Start(context.Background()); err != nil {
		log.Error("failed to start chatflow sync schedule", "error", err)
		os.Exit(1)
	}

	acct := accounting.NewClient(store, cfg.AccountingServiceURL, cfg.AccountingLogBufferSize, cfg.AccountingLogWorkers, log)

	fileStore := files.NewStore(store, cfg.UploadMaxBytes)
	sessions := chat.NewStore(store)
	upstream := stream.NewUpstreamClient(cfg.FlowiseAPIURL, cfg.FlowiseAPIKey, cfg.UpstreamConnectTimeout)
	relay := stream.NewStore(registry, acct, fileStore, sessions, upstream,
		cfg.UpstreamIdleTimeout, cfg.UpstreamStreamCap, cfg.StreamWaitTimeout, cfg.StreamQueueCapacity, log)

	router := api.NewRouter(&api.Deps{
		Auth:        identity,
		Middleware:  middleware,
		Chatflows:   registry,
		Accounting:  acct,
		Files:       fileStore,
		Sessions:    sessions,
		Relay:       relay,
		Log:         log,
		CORSOrigin:  cfg.CORSOrigin,
		FileBaseURL: "/api/v1/chat/files",
	})

	srv := &http.Server{
		Addr:    cfg.Host + ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Info("chatproxy listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	registry.Stop()
	acct.Shutdown(context.Background())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", "error", err)
	}

	if err := store.Close(context.Background()); err != nil {
		log.Error("failed to close mongo connection", "error", err)
	}

	log.Info("shutdown complete")
}
