// SPDX-FileCopyrightText: 2026 Nextcloud GmbH and Nextcloud contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package service keeps the calls the interpreter is currently in and wires
// signaling, media and the interpretation pipeline together for each one.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextcloud/go_live_interpreter/internal/azure"
	"github.com/nextcloud/go_live_interpreter/internal/config"
	"github.com/nextcloud/go_live_interpreter/internal/constants"
	"github.com/nextcloud/go_live_interpreter/internal/languages"
	"github.com/nextcloud/go_live_interpreter/internal/metrics"
	"github.com/nextcloud/go_live_interpreter/internal/pipeline"
	"github.com/nextcloud/go_live_interpreter/internal/rtc"
	"github.com/nextcloud/go_live_interpreter/internal/signaling"
	"github.com/nextcloud/go_live_interpreter/internal/speech"
	"github.com/nextcloud/go_live_interpreter/internal/synthesis"
	"github.com/nextcloud/go_live_interpreter/internal/transcript"
	"github.com/nextcloud/go_live_interpreter/internal/translation"
	"github.com/nextcloud/go_live_interpreter/internal/vosk"
)

var ErrNoSignaling = errors.New("no signaling server configured")

// SettingsSource provides the signaling server and ICE servers from the
// Nextcloud instance. It may be nil when the server is configured statically.
type SettingsSource interface {
	SignalingSettings(ctx context.Context) (*signaling.HPBSettings, error)
}

type Deps struct {
	Settings   pipeline.SettingsResolver
	Backend    translation.Backend
	TTS        synthesis.Engine
	VoskModels *vosk.ModelManager
	Nextcloud  SettingsSource
}

type callState struct {
	client   *signaling.Client
	media    *rtc.Call
	pipeline *pipeline.Pipeline
	cancel   context.CancelFunc
}

type Application struct {
	cfg  *config.Config
	deps Deps

	mu          sync.Mutex
	hpbSettings *signaling.HPBSettings
	calls       map[string]*callState

	logger *slog.Logger
}

func NewApplication(cfg *config.Config, deps Deps) *Application {
	return &Application{
		cfg:    cfg,
		deps:   deps,
		calls:  make(map[string]*callState),
		logger: slog.With("component", "service"),
	}
}

// signalingSettings returns the Talk settings, fetching them once. Without a
// Nextcloud connection the configured URL and STUN servers are used.
func (app *Application) signalingSettings(ctx context.Context) (*signaling.HPBSettings, error) {
	app.mu.Lock()
	cached := app.hpbSettings
	app.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	var settings *signaling.HPBSettings
	if app.deps.Nextcloud != nil && app.cfg.NextcloudURL != "" {
		fetched, err := app.deps.Nextcloud.SignalingSettings(ctx)
		if err != nil {
			app.logger.Warn("failed to fetch signaling settings, using static configuration", "error", err)
		} else {
			settings = fetched
		}
	}
	if settings == nil {
		settings = &signaling.HPBSettings{}
	}
	if app.cfg.SignalingURL != "" {
		settings.Server = app.cfg.SignalingURL
	}
	if len(settings.StunServers) == 0 && len(settings.TurnServers) == 0 && len(app.cfg.StunServers) > 0 {
		settings.StunServers = []signaling.StunServer{{URLs: app.cfg.StunServers}}
	}
	if settings.Server == "" {
		return nil, ErrNoSignaling
	}

	app.mu.Lock()
	app.hpbSettings = settings
	app.mu.Unlock()
	return settings, nil
}

// recognizers builds the engine for each direction of a call.
func (app *Application) recognizers(logger *slog.Logger) pipeline.RecognizerFactory {
	return func(cfg speech.SessionConfig) (speech.Recognizer, error) {
		switch app.cfg.Recognizer {
		case config.RecognizerVosk:
			if app.deps.VoskModels == nil {
				return nil, errors.New("vosk models are not loaded")
			}
			return vosk.NewRecognizer(app.deps.VoskModels, cfg.SourceLanguage, logger), nil
		default:
			src, tgt := languages.Locale(cfg.SourceLanguage), languages.Locale(cfg.TargetLanguage)
			return azure.NewRecognizer(azure.RecognizerConfig{
				Key:               app.cfg.SpeechKey,
				Region:            app.cfg.SpeechRegion,
				SourceLocale:      src,
				AutoDetectLocales: []string{src, tgt},
				TargetLanguages:   []string{languages.Base(cfg.TargetLanguage)},
			}, logger), nil
		}
	}
}

// JoinCall joins callID and starts interpreting. Joining a call the
// interpreter is already in is a no-op.
func (app *Application) JoinCall(ctx context.Context, callID string) error {
	app.mu.Lock()
	if cs, ok := app.calls[callID]; ok {
		if !cs.client.IsDefunct() {
			app.mu.Unlock()
			app.logger.Info("already in call", "call_id", callID)
			return nil
		}
		// a defunct client is being torn down by its leave callback
		app.mu.Unlock()
		app.logger.Info("client defunct, deferring rejoin", "call_id", callID)
		select {
		case <-time.After(5 * time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
		return app.JoinCall(ctx, callID)
	}
	app.mu.Unlock()

	settings, err := app.signalingSettings(ctx)
	if err != nil {
		return fmt.Errorf("signaling settings unavailable: %w", err)
	}

	// signaling, media and pipeline tag their records with the call id themselves
	logger := slog.Default()
	callLogger := logger.With("call_id", callID)

	client := signaling.NewClient(signaling.Options{
		CallID:  callID,
		URL:     settings.Server,
		Secret:  app.cfg.SignalingToken,
		Backend: app.cfg.SignalingBackend,
		OnLeave: app.onLeave,
	}, logger)

	ice := settings.ICEServers()
	call := rtc.NewCall(callID, ice, client, logger)
	client.SetMedia(call)

	captions := transcript.NewSender(client, callLogger)
	p := pipeline.New(pipeline.Options{
		CallID:        callID,
		Bidirectional: app.cfg.Bidirectional,
		AudioOutput:   app.cfg.AudioOutput,
		StopTimeout:   app.cfg.StopTimeout,
		EmitInterval:  constants.FrameDuration,
		TranscriptDir: app.cfg.TranscriptDir,
	}, pipeline.Deps{
		Settings:    app.deps.Settings,
		Recognizers: app.recognizers(callLogger),
		Backend:     app.deps.Backend,
		Synthesizer: synthesis.New(app.deps.TTS, callLogger),
		Sink:        call,
		Captions:    captions,
	}, logger)

	call.OnFrame(p.Ingest)
	call.OnSendStatusChanged(p.OnSendStatusChanged)

	callCtx, callCancel := context.WithCancel(context.Background())
	cs := &callState{client: client, media: call, pipeline: p, cancel: callCancel}

	app.mu.Lock()
	if _, ok := app.calls[callID]; ok {
		// a concurrent join won
		app.mu.Unlock()
		callCancel()
		if err := p.Shutdown(ctx); err != nil {
			app.logger.Warn("failed to discard duplicate pipeline", "call_id", callID, "error", err)
		}
		return nil
	}
	app.calls[callID] = cs
	app.mu.Unlock()
	metrics.ActiveCalls.Inc()

	go captions.Run(callCtx)

	if err := app.connect(ctx, client); err != nil {
		app.logger.Error("failed to join call", "call_id", callID, "error", err)
		client.Close()
		return err
	}

	if err := call.Open(ctx); err != nil {
		app.logger.Error("failed to open outbound audio", "call_id", callID, "error", err)
		client.Close()
		return fmt.Errorf("open outbound audio: %w", err)
	}

	app.logger.Info("joined call", "call_id", callID, "ice_servers", len(ice))
	return nil
}

func (app *Application) connect(ctx context.Context, client *signaling.Client) error {
	var lastErr error
	for i := 0; i < constants.MaxConnectTries; i++ {
		result, err := client.Connect(ctx)
		switch result {
		case signaling.SigConnectSuccess:
			return nil
		case signaling.SigConnectFailure:
			return fmt.Errorf("connection failed: %w", err)
		case signaling.SigConnectRetry:
			lastErr = err
			select {
			case <-time.After(2 * time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("failed to connect after %d attempts: %w", constants.MaxConnectTries, lastErr)
}

// LeaveCall sends bye; the rest of the teardown runs from the leave callback.
func (app *Application) LeaveCall(callID string) bool {
	app.mu.Lock()
	cs, ok := app.calls[callID]
	app.mu.Unlock()

	if !ok {
		return false
	}
	cs.client.Close()
	return true
}

// SetOutputEnabled turns translated speech on or off for a call.
func (app *Application) SetOutputEnabled(callID string, enabled bool) bool {
	app.mu.Lock()
	cs, ok := app.calls[callID]
	app.mu.Unlock()

	if !ok {
		return false
	}
	cs.pipeline.SetOutputEnabled(enabled)
	return true
}

func (app *Application) ActiveCalls() []string {
	app.mu.Lock()
	defer app.mu.Unlock()
	ids := make([]string, 0, len(app.calls))
	for id := range app.calls {
		ids = append(ids, id)
	}
	return ids
}

func (app *Application) onLeave(callID string) {
	app.mu.Lock()
	cs, ok := app.calls[callID]
	if ok {
		delete(app.calls, callID)
	}
	app.mu.Unlock()

	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*constants.StartupTimeout)
	defer cancel()
	app.teardown(ctx, callID, cs)
}

func (app *Application) teardown(ctx context.Context, callID string, cs *callState) {
	if err := cs.pipeline.Shutdown(ctx); err != nil {
		app.logger.Error("pipeline shutdown failed", "call_id", callID, "error", err)
	}
	// the pipeline closes the media on a normal teardown; this covers a
	// pipeline whose teardown was deferred
	if err := cs.media.Close(); err != nil {
		app.logger.Warn("failed to close call media", "call_id", callID, "error", err)
	}
	cs.cancel()
	metrics.ActiveCalls.Dec()
	app.logger.Info("left call", "call_id", callID)
}

// Shutdown leaves every call and tears them down in parallel.
func (app *Application) Shutdown(ctx context.Context) {
	app.mu.Lock()
	calls := app.calls
	app.calls = make(map[string]*callState)
	app.mu.Unlock()

	var g errgroup.Group
	for callID, cs := range calls {
		g.Go(func() error {
			cs.client.Close()
			app.teardown(ctx, callID, cs)
			return nil
		})
	}
	_ = g.Wait()
	app.logger.Info("application shutdown complete", "calls", len(calls))
}
