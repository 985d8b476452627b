// SPDX-FileCopyrightText: 2026 Nextcloud GmbH and Nextcloud contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/nextcloud/go_live_interpreter/internal/appapi"
	"github.com/nextcloud/go_live_interpreter/internal/azure"
	"github.com/nextcloud/go_live_interpreter/internal/config"
	"github.com/nextcloud/go_live_interpreter/internal/handlers"
	"github.com/nextcloud/go_live_interpreter/internal/languages"
	"github.com/nextcloud/go_live_interpreter/internal/modelhub"
	"github.com/nextcloud/go_live_interpreter/internal/service"
	"github.com/nextcloud/go_live_interpreter/internal/settings"
	"github.com/nextcloud/go_live_interpreter/internal/translation"
	"github.com/nextcloud/go_live_interpreter/internal/vosk"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if cfg.LogLevel == "debug" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	slog.Info("starting go_live_interpreter",
		"app_id", cfg.AppID,
		"app_version", cfg.AppVersion,
		"port", cfg.AppPort,
		"recognizer", cfg.Recognizer,
		"translation_backend", cfg.TranslationBackend,
		"bidirectional", cfg.Bidirectional,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	store, err := settings.OpenRedisStore(cfg.RedisURL)
	if err != nil {
		slog.Error("failed to open settings store", "error", err)
		os.Exit(1)
	}
	defer store.Close()
	if err := store.Ping(ctx); err != nil {
		// calls fall back to default settings until redis is reachable
		slog.Warn("settings store unreachable", "url", cfg.RedisURL, "error", err)
	}

	var gen translation.Generator
	if cfg.TranslationBackend == config.BackendLLM {
		gen, err = translation.NewGemini(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			slog.Error("failed to create gemini client", "error", err)
			os.Exit(1)
		}
	}
	backend, err := translation.New(cfg, gen, nil)
	if err != nil {
		slog.Error("failed to create translation backend", "error", err)
		os.Exit(1)
	}

	client := appapi.NewClient(cfg)

	var models *vosk.ModelManager
	var prepare func(context.Context) error
	if cfg.Recognizer == config.RecognizerVosk {
		models = vosk.NewModelManager(cfg.VoskModelsDir)
		downloader := modelhub.New(modelhub.Options{})
		if cfg.VoskDownload {
			if err := downloader.Download(ctx, cfg.VoskModelsDir, languages.VoskModels(), nil); err != nil {
				slog.Error("model download failed", "error", err)
				os.Exit(1)
			}
		}
		prepare = func(ctx context.Context) error {
			var last atomic.Int32
			return downloader.Download(ctx, cfg.VoskModelsDir, languages.VoskModels(), func(done, total int) {
				// 100 is reserved for completion
				pct := int32(done * 99 / total)
				if prev := last.Load(); pct > prev && last.CompareAndSwap(prev, pct) {
					if err := client.SetInitStatus(ctx, int(pct)); err != nil {
						slog.Warn("failed to report init progress", "error", err)
					}
				}
			})
		}
		slog.Info("vosk models available", "languages", models.ListAvailableModels())
	}

	tts := azure.NewSynthesizer(azure.SynthesizerConfig{
		Key:    cfg.SpeechKey,
		Region: cfg.SpeechRegion,
	}, nil)

	svc := service.NewApplication(cfg, service.Deps{
		Settings:   settings.NewResolver(store),
		Backend:    backend,
		TTS:        tts,
		VoskModels: models,
		Nextcloud:  client,
	})

	h := handlers.NewHandler(store, svc, client)
	h.Prepare = prepare

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	skipAuth := map[string]bool{
		"/heartbeat": true,
		"/metrics":   true,
	}
	authedHandler := appapi.AuthMiddleware(cfg, skipAuth, mux)

	srv := &http.Server{
		Handler:      authedHandler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute, // joining a call waits for signaling retries
		IdleTimeout:  120 * time.Second,
	}

	var ln net.Listener
	if os.Getenv("HP_SHARED_KEY") != "" {
		sockPath := "/tmp/exapp.sock"
		os.Remove(sockPath) // clean up stale socket
		ln, err = net.Listen("unix", sockPath)
		if err != nil {
			slog.Error("failed to listen on unix socket", "path", sockPath, "error", err)
			os.Exit(1)
		}
		slog.Info("HTTP server listening on unix socket", "path", sockPath)
	} else {
		addr := ":" + cfg.AppPort
		ln, err = net.Listen("tcp", addr)
		if err != nil {
			slog.Error("failed to listen on TCP", "addr", addr, "error", err)
			os.Exit(1)
		}
		slog.Info("HTTP server listening on TCP", "addr", addr)
	}

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	svc.Shutdown(shutdownCtx)

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("shutdown complete")
}
