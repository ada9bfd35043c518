package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	charm "github.com/charmbracelet/log"
	_ "github.com/joho/godotenv/autoload"
	"github.com/labstack/gommon/log"

	"storyboard/pkg/config"
	"storyboard/pkg/grid"
	"storyboard/pkg/imagegen"
	"storyboard/pkg/inference"
	"storyboard/pkg/pipeline"
	"storyboard/pkg/server"
	"storyboard/pkg/store"
	"storyboard/pkg/utils"
)

func main() {
	ctx, done := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer done()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	if err := utils.SetupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		log.Fatalf("failed to set up logging: %v", err)
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}

	kv, closeKV, err := newKV(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to open local storage: %v", err)
	}
	defer closeKV()

	uploader, uploadDir, err := newUploader(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to set up image storage: %v", err)
	}

	inf, err := newInferencer(cfg)
	if err != nil {
		log.Fatalf("failed to set up %s inference: %v", cfg.LLMProvider, err)
	}

	if cfg.ImageAPIURL == "" {
		log.Warn("IMAGE_API_URL is not set, grid generation will fail")
	}
	tracker := grid.NewTracker(imagegen.New(cfg.ImageAPIURL, cfg.ImageAPIKey))
	tracker.Timeout = cfg.PollTimeout

	srv := server.NewServer(ctx, server.Deps{
		DB:         db,
		KV:         kv,
		Pipeline:   pipeline.New(inf, kv),
		Tracker:    tracker,
		Uploader:   uploader,
		ImageModel: cfg.ImageModel,
		UploadDir:  uploadDir,
	})
	srv.Echo.Logger.SetLevel(echoLevel(cfg.LogLevel))

	finishedShutDown := make(chan struct{})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error(err)
		}
		close(finishedShutDown)
	}()

	if err := srv.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error(err)
		done()
	}
	<-finishedShutDown
}

func newKV(ctx context.Context, cfg *config.Config) (store.KV, func(), error) {
	if cfg.RedisURL != "" {
		kv, err := store.NewRedisKV(ctx, cfg.RedisURL, "storyboard:")
		if err != nil {
			return nil, nil, err
		}
		charm.Info("using redis for local state")
		return kv, func() { _ = kv.Close() }, nil
	}
	kv, err := store.NewFileKV(filepath.Join(cfg.DataDir, "kv"))
	if err != nil {
		return nil, nil, err
	}
	return kv, func() {}, nil
}

// newUploader returns the directory to serve when images are kept on disk.
func newUploader(ctx context.Context, cfg *config.Config) (store.Uploader, string, error) {
	if cfg.S3.Enabled() {
		o, err := store.NewObjectStore(ctx, store.ObjectConfig{
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Bucket:    cfg.S3.Bucket,
			UseSSL:    cfg.S3.UseSSL,
			PublicURL: cfg.S3.PublicURL,
		})
		if err != nil {
			return nil, "", err
		}
		charm.Info("storing images in object storage", "endpoint", cfg.S3.Endpoint, "bucket", cfg.S3.Bucket)
		return o, "", nil
	}
	return &store.DiskUploader{Dir: cfg.UploadDir, BaseURL: cfg.PublicURL + "/uploads"}, cfg.UploadDir, nil
}

func newInferencer(cfg *config.Config) (inference.Inferencer, error) {
	if cfg.LLMProvider == "gemini" {
		return inference.NewGeminiInferencer(cfg.LLMAPIKey, cfg.LLMModel)
	}

	inf, err := inference.NewPresetInferencer(cfg.LLMProvider, cfg.LLMAPIKey, cfg.LLMModel, cfg.LLMBaseURL)
	if err != nil {
		return nil, err
	}
	if cfg.LLMAPIKey == "" && cfg.LLMBaseURL == "" {
		// No key: talk to a local OpenAI-compatible server with whatever model it has loaded.
		charm.Warn("no LLM API key set, using local server", "url", "http://localhost:1234/v1")
		inf.ChangeBaseURL("http://localhost:1234/v1")
		inf.SetModel("")
	}
	charm.Info("inference ready", "provider", cfg.LLMProvider, "model", inf.Model())
	return inf, nil
}

func echoLevel(level string) log.Lvl {
	switch strings.ToLower(level) {
	case "debug":
		return log.DEBUG
	case "warn", "warning":
		return log.WARN
	case "error", "fatal":
		return log.ERROR
	default:
		return log.INFO
	}
}
