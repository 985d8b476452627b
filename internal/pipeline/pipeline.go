// SPDX-FileCopyrightText: 2026 Nextcloud GmbH and Nextcloud contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package pipeline runs the interpreter for one call: inbound frames are
// recognized per direction, finals are translated and synthesized, and the
// speech is played back into the call.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextcloud/go_live_interpreter/internal/constants"
	"github.com/nextcloud/go_live_interpreter/internal/media"
	"github.com/nextcloud/go_live_interpreter/internal/oneshot"
	"github.com/nextcloud/go_live_interpreter/internal/settings"
	"github.com/nextcloud/go_live_interpreter/internal/speech"
	"github.com/nextcloud/go_live_interpreter/internal/transcript"
	"github.com/nextcloud/go_live_interpreter/internal/translation"
)

// RecognizerFactory builds the engine for one direction's session.
type RecognizerFactory func(cfg speech.SessionConfig) (speech.Recognizer, error)

type SettingsResolver interface {
	Resolve(ctx context.Context, callID string) settings.Session
}

type Synthesizer interface {
	Synthesize(ctx context.Context, text, language string) ([]media.OutboundBuffer, error)
	Close() error
}

type CaptionPublisher interface {
	Publish(c transcript.Caption) bool
}

type Options struct {
	CallID        string
	Bidirectional bool
	AudioOutput   bool
	StopTimeout   time.Duration
	// EmitInterval paces playback; zero plays buffers back to back.
	EmitInterval  time.Duration
	TranscriptDir string
}

type Deps struct {
	Settings    SettingsResolver
	Recognizers RecognizerFactory
	Backend     translation.Backend
	Synthesizer Synthesizer
	// Sink is closed on shutdown when it implements io.Closer.
	Sink     media.Sink
	Captions CaptionPublisher
}

type Pipeline struct {
	opts Options
	deps Deps

	router  *media.Router
	emitter *media.Emitter

	claimed  atomic.Bool
	startup  oneshot.Signal[struct{}]
	shutdown atomic.Bool
	detached atomic.Bool

	// written before startup resolves, read after
	buffers map[speech.Direction]*media.InputBuffer

	mu       sync.Mutex
	sessions []*speech.Session
	settings settings.Session
	log      *transcript.Log

	logger *slog.Logger
}

func New(opts Options, deps Deps, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		opts:    opts,
		deps:    deps,
		buffers: make(map[speech.Direction]*media.InputBuffer),
		logger:  logger.With("component", "pipeline", "call_id", opts.CallID),
	}
	p.router = media.NewRouter(p.begin, p.logger)
	p.emitter = media.NewEmitter(deps.Sink, media.EmitterOptions{
		Interval:      opts.EmitInterval,
		QueueSize:     constants.EmitterQueueBuffers,
		OutputEnabled: opts.AudioOutput,
	}, p.logger)
	p.emitter.Start()
	return p
}

// Ingest hands one inbound frame to the router, which releases it. The first
// frame starts recognition.
func (p *Pipeline) Ingest(frame *media.AudioFrame) {
	p.router.Ingest(frame)
}

func (p *Pipeline) OnSendStatusChanged(status media.SendStatus) {
	if p.detached.Load() {
		return
	}
	p.logger.Info("send status changed", "status", status.String())
	p.emitter.OnSendStatusChanged(status)
}

func (p *Pipeline) SetOutputEnabled(enabled bool) {
	p.emitter.SetOutputEnabled(enabled)
}

// Started reports whether startup has completed.
func (p *Pipeline) Started() bool {
	return p.startup.Resolved()
}

func (p *Pipeline) Settings() settings.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.settings
}

func (p *Pipeline) Sessions() []*speech.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*speech.Session(nil), p.sessions...)
}

func (p *Pipeline) directions() []speech.Direction {
	if p.opts.Bidirectional {
		return []speech.Direction{speech.DirectionForward, speech.DirectionReverse}
	}
	return []speech.Direction{speech.DirectionForward}
}

// begin runs on the first frame. Buffers are attached right away so audio
// spoken while the engines connect is kept.
func (p *Pipeline) begin() {
	if p.shutdown.Load() || !p.claimed.CompareAndSwap(false, true) {
		return
	}
	for _, dir := range p.directions() {
		buf := media.NewInputBuffer(p.opts.CallID+"/"+string(dir), constants.InputBufferChunks)
		p.buffers[dir] = buf
		p.router.Attach(buf)
	}
	go p.start()
}

func (p *Pipeline) start() {
	defer p.startup.Resolve(struct{}{})

	ctx, cancel := context.WithTimeout(context.Background(), constants.StartupTimeout)
	defer cancel()

	resolved := p.deps.Settings.Resolve(ctx, p.opts.CallID)
	p.mu.Lock()
	p.settings = resolved
	if resolved.RecordingEnabled {
		p.log = transcript.NewLog(p.opts.TranscriptDir, p.opts.CallID)
	}
	p.mu.Unlock()

	src, tgt := resolved.Language.SourceLanguage, resolved.Language.TargetLanguage

	var g errgroup.Group
	for dir, buf := range p.buffers {
		cfg := speech.SessionConfig{
			CallID:             p.opts.CallID,
			Direction:          dir,
			SourceLanguage:     src,
			TargetLanguage:     tgt,
			RequireSourceMatch: p.opts.Bidirectional,
			StopTimeout:        p.opts.StopTimeout,
		}
		if dir == speech.DirectionReverse {
			cfg.SourceLanguage, cfg.TargetLanguage = tgt, src
		}
		g.Go(func() error {
			if err := p.startSession(ctx, cfg, buf); err != nil {
				p.logger.Error("failed to start recognition session",
					"direction", string(dir), "error", err)
				p.router.Remove(buf)
				buf.Close()
			}
			return nil
		})
	}
	_ = g.Wait()

	p.logger.Info("pipeline started",
		"source_lang", src,
		"target_lang", tgt,
		"sessions", len(p.Sessions()),
		"recording", resolved.RecordingEnabled,
	)
}

func (p *Pipeline) startSession(ctx context.Context, cfg speech.SessionConfig, buf *media.InputBuffer) error {
	if p.shutdown.Load() {
		return errors.New("pipeline shutting down")
	}
	engine, err := p.deps.Recognizers(cfg)
	if err != nil {
		return fmt.Errorf("create recognizer: %w", err)
	}

	s := speech.NewSession(cfg, engine, buf, p.handleFinal(cfg), p.logger)
	p.mu.Lock()
	p.sessions = append(p.sessions, s)
	p.mu.Unlock()

	if err := s.Start(ctx); err != nil {
		return err
	}
	go p.watchSession(s, buf)
	return nil
}

// watchSession unplugs the input of a session that ended mid-call so the
// router stops filling a buffer nobody reads.
func (p *Pipeline) watchSession(s *speech.Session, buf *media.InputBuffer) {
	<-s.Done()
	if p.shutdown.Load() {
		return
	}
	p.logger.Warn("recognition session ended mid-call, detaching its input",
		"direction", string(s.Config().Direction), "state", s.State().String())
	p.router.Remove(buf)
	buf.Close()
}

// handleFinal returns the per-session final handler: translate, record,
// caption, then speak.
func (p *Pipeline) handleFinal(cfg speech.SessionConfig) speech.FinalHandler {
	return func(ctx context.Context, r speech.Result) {
		if p.shutdown.Load() {
			return
		}

		req := translation.Request{
			Text:             r.Text,
			SourceLanguage:   cfg.SourceLanguage,
			TargetLanguage:   cfg.TargetLanguage,
			DetectedLanguage: r.DetectedLanguage,
			Translations:     r.Translations,
		}
		if f, ok := p.deps.Backend.(translation.Filter); ok && f.Skips(req) {
			p.logger.Debug("skipping final result",
				"direction", string(cfg.Direction), "detected_lang", r.DetectedLanguage)
			return
		}
		translated := p.deps.Backend.Translate(ctx, req)

		p.mu.Lock()
		log := p.log
		p.mu.Unlock()
		if log != nil {
			log.Utterance(string(cfg.Direction), cfg.SourceLanguage, r.Text, cfg.TargetLanguage, translated)
		}

		if p.deps.Captions != nil {
			p.deps.Captions.Publish(transcript.Caption{
				Final: true, LangID: cfg.SourceLanguage, Message: r.Text, Original: true,
			})
			if translated != "" {
				p.deps.Captions.Publish(transcript.Caption{
					Final: true, LangID: cfg.TargetLanguage, Message: translated,
				})
			}
		}

		if translated == "" {
			p.logger.Debug("nothing to say for final result", "direction", string(cfg.Direction))
			return
		}

		buffers, err := p.deps.Synthesizer.Synthesize(ctx, translated, cfg.TargetLanguage)
		if err != nil {
			p.logger.Error("speech synthesis failed",
				"direction", string(cfg.Direction), "lang", cfg.TargetLanguage, "error", err)
			return
		}

		accepted := 0
		for _, buf := range buffers {
			if p.emitter.Emit(buf) {
				accepted++
			}
		}
		p.logger.Debug("queued translated speech",
			"direction", string(cfg.Direction),
			"buffers", len(buffers),
			"accepted", accepted,
		)
	}
}

// Shutdown tears the pipeline down once; later calls return nil at once. It
// waits for a startup in progress first. When ctx ends before startup does,
// teardown is left to run as soon as startup completes.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	if !p.shutdown.CompareAndSwap(false, true) {
		return nil
	}
	p.logger.Info("shutting down pipeline")

	// never started: nothing will resolve startup but us
	if p.claimed.CompareAndSwap(false, true) {
		p.startup.Resolve(struct{}{})
	}

	if _, err := p.startup.Wait(ctx); err != nil {
		p.logger.Warn("startup still running, deferring teardown", "error", err)
		go func() {
			<-p.startup.Done()
			if err := p.teardown(context.Background()); err != nil {
				p.logger.Error("deferred teardown failed", "error", err)
			}
		}()
		return fmt.Errorf("waiting for startup: %w", err)
	}
	return p.teardown(ctx)
}

func (p *Pipeline) teardown(ctx context.Context) error {
	var errs []error

	// 1. stop all event delivery into the pipeline
	p.router.Detach()
	p.detached.Store(true)
	sessions := p.Sessions()
	for _, s := range sessions {
		s.DetachHandlers()
	}

	// 2. stop every session concurrently
	var (
		g     errgroup.Group
		errMu sync.Mutex
	)
	for _, s := range sessions {
		g.Go(func() error {
			if err := s.Stop(ctx); err != nil {
				p.logger.Error("failed to stop recognition session",
					"direction", string(s.Config().Direction), "error", err)
				errMu.Lock()
				errs = append(errs, fmt.Errorf("stop %s session: %w", s.Config().Direction, err))
				errMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	// 3. drop speech still waiting to be played
	if n := p.emitter.Shutdown(); n > 0 {
		p.logger.Info("disposed queued audio buffers", "count", n)
	}

	// 4. release streams
	for dir, buf := range p.buffers {
		if err := buf.Close(); err != nil {
			p.logger.Error("failed to close input buffer", "direction", string(dir), "error", err)
			errs = append(errs, err)
		}
	}
	if p.deps.Synthesizer != nil {
		if err := p.deps.Synthesizer.Close(); err != nil {
			p.logger.Error("failed to close synthesizer", "error", err)
			errs = append(errs, fmt.Errorf("close synthesizer: %w", err))
		}
	}
	if c, ok := p.deps.Sink.(io.Closer); ok {
		if err := c.Close(); err != nil {
			p.logger.Error("failed to close outbound stream", "error", err)
			errs = append(errs, fmt.Errorf("close sink: %w", err))
		}
	}

	p.logger.Info("pipeline shut down", "sessions", len(sessions))
	return errors.Join(errs...)
}
