package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"coursehub/internal/servicetoken"
	"coursehub/internal/usertoken"
	"coursehub/internal/util"
	"coursehub/pkg/store"
	"coursehub/services/messaging/internal/app"
	"coursehub/services/messaging/internal/config"
	"coursehub/services/messaging/internal/courseclient"
	"coursehub/services/messaging/internal/server"
)

func main() {
	cfg, err := config.Load(config.ResolvePath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, cleanup := util.InitLogger(cfg.LogLevel, "messaging", cfg.LogsDir)
	if cleanup != nil {
		defer cleanup()
	}

	jwtLeeway, err := config.ParseJWTLeeway(cfg.JWTLeeway)
	if err != nil {
		util.Fatal("failed to parse jwt leeway", "err", err)
	}
	editWindow, err := config.ParseEditWindow(cfg.MessageEditWindow)
	if err != nil {
		util.Fatal("failed to parse edit window", "err", err)
	}
	tokenVerifier, err := usertoken.NewVerifier(usertoken.Config{
		JWKSURL:    cfg.AuthJWKSURL,
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		Leeway:     jwtLeeway,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	})
	if err != nil {
		util.Fatal("failed to init jwks verifier", "err", err)
	}
	verifyKeys, err := servicetoken.ParseVerifyPublicKeys(cfg.InternalJWTVerifyPublicKeys)
	if err != nil {
		util.Fatal("failed to parse internal verify keys", "err", err)
	}
	serviceVerifier, err := servicetoken.NewVerifierWithOptions(servicetoken.VerifierOptions{
		PublicKeyPath:      cfg.InternalJWTPublicKeyPath,
		VerifyPublicKeyMap: verifyKeys,
		DefaultKeyID:       cfg.InternalJWTKeyID,
		Audience:           "messaging",
		AllowedIssuers:     cfg.InternalAllowedIssuers,
		Leeway:             jwtLeeway,
	})
	if err != nil {
		util.Fatal("failed to init internal token verifier", "err", err)
	}

	var courses app.CourseDirectory
	if cfg.CourseServiceURL != "" {
		signer, err := servicetoken.NewSignerWithOptions(servicetoken.SignerOptions{
			PrivateKeyPath: cfg.InternalJWTPrivateKeyPath,
			KeyID:          cfg.InternalJWTKeyID,
			Issuer:         cfg.InternalJWTIssuer,
		})
		if err != nil {
			util.Fatal("failed to init internal token signer", "err", err)
		}
		client, err := courseclient.NewClient(cfg.CourseServiceURL, signer)
		if err != nil {
			util.Fatal("failed to init course client", "err", err)
		}
		courses = client
	} else {
		logger.Warn("courseServiceURL not set; course ids are stored unchecked")
	}

	appCfg := app.Config{
		DatabaseURL:              cfg.DatabaseURL,
		Courses:                  courses,
		EditWindow:               editWindow,
		ConversationMessageLimit: cfg.ConversationMessageLimit,
	}
	if cfg.Storage == config.StorageMemory {
		logger.Warn("using in-memory storage; data is lost on restart")
		appCfg.Store = store.NewMemoryStore()
	}
	appCore, err := app.New(appCfg)
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}

	trustedProxies, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		util.Fatal("failed to parse trusted proxies", "err", err)
	}
	httpServer, err := server.New(server.Config{
		App:                       appCore,
		TokenVerifier:             tokenVerifier,
		ServiceVerifier:           serviceVerifier,
		TrustedProxies:            trustedProxies,
		RedisAddr:                 cfg.RedisAddr,
		RedisPassword:             cfg.RedisPassword,
		MessageRateLimitPerMinute: cfg.MessageRateLimitPerMinute,
	})
	if err != nil {
		util.Fatal("failed to init server", "err", err)
	}
	defer httpServer.Close()

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("messaging server listening", "addr", addr, "storage", cfg.Storage)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			util.Fatal("server error", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	logger.Info("shutting down messaging server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "err", err)
	}
}
