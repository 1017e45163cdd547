package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"coedit/internal/app"
	"coedit/internal/archive"
	"coedit/internal/artifact"
	"coedit/internal/audit"
	"coedit/internal/config"
	"coedit/internal/dispatch"
	"coedit/internal/engine"
	"coedit/internal/notify"
	"coedit/internal/sink"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := archive.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := archive.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}
	archiveStore := archive.NewPostgresStore(db)

	var artifacts artifact.Store
	switch cfg.ArtifactBackend {
	case "minio":
		objectStore, err := artifact.NewObjectStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("minio artifact store failed: %v", err)
		}
		artifacts = objectStore
	case "git":
		if err := os.MkdirAll(cfg.ArtifactsDir, 0o755); err != nil {
			log.Fatalf("failed to create artifacts dir: %v", err)
		}
		artifacts = artifact.NewGitStore(cfg.ArtifactsDir)
	default:
		log.Fatalf("unknown artifact backend %q", cfg.ArtifactBackend)
	}

	var eventSink sink.Sink
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisSink, err := sink.NewRedisSink(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisSink.Close()
		eventSink = redisSink
		log.Printf("Using Redis for event delivery")
	} else {
		eventSink = sink.LogSink{}
		log.Printf("Using log sink for event delivery (set REDIS_URL to deliver events)")
	}

	eng := engine.New(artifacts, dispatch.New(eventSink), engine.Options{
		DefaultTimeout: cfg.SessionTimeout,
		TurnTimeout:    cfg.TurnTimeout,
		RetryRetention: cfg.RetryRetention,
		StatusTailSize: cfg.StatusTailSize,
	})
	defer eng.Shutdown()

	pgfts := audit.NewPgFTS(db)
	var meiliClient *audit.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = audit.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	auditService := audit.NewService(meiliClient, pgfts)
	if meiliClient != nil {
		go auditService.ReindexAllFromPG(ctx)
	}

	notifier := notify.NewService(notify.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})

	service := app.NewService(eng, archiveStore, artifacts, auditService, notifier, cfg.JWTSecret, cfg.AccessTTL, cfg.NotifyTo)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Coedit API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
