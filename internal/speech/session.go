// SPDX-FileCopyrightText: 2026 Nextcloud GmbH and Nextcloud contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nextcloud/go_live_interpreter/internal/constants"
	"github.com/nextcloud/go_live_interpreter/internal/languages"
	"github.com/nextcloud/go_live_interpreter/internal/metrics"
	"github.com/nextcloud/go_live_interpreter/internal/oneshot"
)

var (
	ErrInvalidState = errors.New("invalid session state")
	ErrCanceled     = errors.New("recognition session canceled")
)

type State int32

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
	StateCanceled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateCanceled:
		return "canceled"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

func (s State) Terminal() bool {
	return s == StateStopped || s == StateCanceled
}

type Direction string

const (
	DirectionForward Direction = "forward"
	DirectionReverse Direction = "reverse"
)

type SessionConfig struct {
	CallID         string
	Direction      Direction
	SourceLanguage string
	TargetLanguage string
	// RequireSourceMatch drops finals whose detected language is not the
	// session's source. Set when two sessions hear the same audio.
	RequireSourceMatch bool
	// StopTimeout bounds the wait for the engine's session-ended event. Zero
	// waits for as long as the caller's context allows.
	StopTimeout time.Duration
}

// FinalHandler processes one final result. Calls for a session never overlap.
type FinalHandler func(ctx context.Context, r Result)

// Session owns one recognizer for one translation direction.
type Session struct {
	cfg     SessionConfig
	engine  Recognizer
	input   AudioSource
	onFinal FinalHandler

	mu      sync.Mutex
	state   State
	running bool // counted in ActiveSessions

	done     oneshot.Signal[State]
	detached atomic.Bool

	finals     chan Result
	workerCtx  context.Context
	stopWorker context.CancelFunc
	workerDone chan struct{}

	closeOnce sync.Once

	logger *slog.Logger
}

func NewSession(cfg SessionConfig, engine Recognizer, input AudioSource, onFinal FinalHandler, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		cfg:     cfg,
		engine:  engine,
		input:   input,
		onFinal: onFinal,
		finals:  make(chan Result, constants.FinalQueueSize),
		logger: logger.With(
			"component", "recognition_session",
			"direction", string(cfg.Direction),
			"source_lang", cfg.SourceLanguage,
			"target_lang", cfg.TargetLanguage,
		),
	}
}

func (s *Session) Config() SessionConfig {
	return s.cfg
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} {
	return s.done.Done()
}

// Start binds the engine to the input and begins continuous recognition.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("start from %s: %w", state, ErrInvalidState)
	}
	s.state = StateStarting
	s.workerCtx, s.stopWorker = context.WithCancel(context.WithoutCancel(ctx))
	s.workerDone = make(chan struct{})
	s.mu.Unlock()

	go s.processFinals()

	s.logger.Info("starting continuous recognition")
	err := s.engine.StartContinuous(ctx, s.input, Handlers{
		OnPartial:      s.handlePartial,
		OnFinal:        s.handleFinal,
		OnSessionEnded: s.handleSessionEnded,
	})
	if err != nil {
		s.logger.Error("failed to start continuous recognition", "error", err)
		s.cancel(err)
		return fmt.Errorf("start recognition: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateStarting {
		// the engine ended the session before start returned
		return fmt.Errorf("start recognition: %w", ErrCanceled)
	}
	s.state = StateRunning
	s.running = true
	metrics.ActiveSessions.Inc()
	s.logger.Info("continuous recognition running")
	return nil
}

// DetachHandlers makes the session ignore any further results. Session-ended
// events are still honored so Stop can complete.
func (s *Session) DetachHandlers() {
	s.detached.Store(true)
}

// Stop halts recognition, waits for the engine to confirm, and releases the
// engine. On a session that already ended it only releases the engine; on an
// idle one it does nothing.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateIdle:
		s.mu.Unlock()
		return nil
	case StateStopped, StateCanceled:
		s.mu.Unlock()
		s.release()
		return nil
	case StateStopping:
		s.mu.Unlock()
		_, err := s.done.Wait(ctx)
		return err
	}
	s.state = StateStopping
	s.leaveRunning()
	s.mu.Unlock()

	s.logger.Info("stopping continuous recognition")
	if err := s.engine.StopContinuous(ctx); err != nil {
		// the engine may never report the end now
		s.logger.Warn("failed to stop continuous recognition", "error", err)
		s.done.Resolve(StateStopped)
	}

	waitCtx := ctx
	if s.cfg.StopTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, s.cfg.StopTimeout)
		defer cancel()
	}

	var waitErr error
	if _, err := s.done.Wait(waitCtx); err != nil {
		if ctx.Err() != nil {
			waitErr = ctx.Err()
		}
		s.logger.Warn("recognition session did not confirm stop, forcing release",
			"timeout", s.cfg.StopTimeout, "error", err)
		s.done.Resolve(StateStopped)
	}

	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()
	metrics.SessionsEnded.WithLabelValues(StateStopped.String()).Inc()

	s.stopWorker()
	select {
	case <-s.workerDone:
	case <-waitCtx.Done():
	}
	s.release()
	s.logger.Info("continuous recognition stopped")
	return waitErr
}

func (s *Session) release() {
	s.closeOnce.Do(func() {
		if err := s.engine.Close(); err != nil {
			s.logger.Warn("failed to release recognizer", "error", err)
		}
	})
}

// leaveRunning must be called with mu held.
func (s *Session) leaveRunning() {
	if s.running {
		s.running = false
		metrics.ActiveSessions.Dec()
	}
}

// cancel moves a starting or running session to Canceled.
func (s *Session) cancel(cause error) {
	s.mu.Lock()
	if s.state != StateStarting && s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	s.state = StateCanceled
	s.leaveRunning()
	stop := s.stopWorker
	s.mu.Unlock()

	if s.done.Resolve(StateCanceled) {
		metrics.SessionsEnded.WithLabelValues(StateCanceled.String()).Inc()
		s.logger.Warn("recognition session canceled", "error", cause)
	}
	if stop != nil {
		stop()
	}
}

func (s *Session) guard(event string) {
	if rec := recover(); rec != nil {
		s.logger.Error("panic in recognition handler",
			"event", event, "panic", rec, "stack", string(debug.Stack()))
	}
}

func (s *Session) handlePartial(r Result) {
	defer s.guard("partial")
	if s.detached.Load() {
		return
	}
	s.logger.Debug("recognizing", "text", r.Text)
}

func (s *Session) handleFinal(r Result) {
	defer s.guard("final")
	if s.detached.Load() {
		return
	}
	if state := s.State(); state != StateRunning {
		metrics.FinalResults.WithLabelValues("not_running").Inc()
		s.logger.Debug("dropping final result", "state", state.String())
		return
	}
	if strings.TrimSpace(r.Text) == "" {
		metrics.FinalResults.WithLabelValues("empty").Inc()
		return
	}
	if s.cfg.RequireSourceMatch && r.DetectedLanguage != "" &&
		!languages.Same(r.DetectedLanguage, s.cfg.SourceLanguage) {
		metrics.FinalResults.WithLabelValues("language_mismatch").Inc()
		s.logger.Debug("dropping final result for other direction",
			"detected_lang", r.DetectedLanguage)
		return
	}

	select {
	case s.finals <- r:
	default:
		metrics.FinalResults.WithLabelValues("queue_full").Inc()
		s.logger.Warn("final result queue full, dropping utterance", "text", r.Text)
	}
}

func (s *Session) handleSessionEnded(reason EndReason, err error) {
	defer s.guard("session_ended")

	if reason == EndCanceled || err != nil {
		if err == nil {
			err = ErrCanceled
		}
		s.cancel(err)
		if s.State() != StateStopping {
			return
		}
		s.logger.Warn("recognition ended with error while stopping", "error", err)
	}

	s.mu.Lock()
	if s.state == StateRunning || s.state == StateStarting {
		// the engine finished on its own, e.g. end of input
		s.state = StateStopped
		s.leaveRunning()
		if s.stopWorker != nil {
			s.stopWorker()
		}
		s.mu.Unlock()
		if s.done.Resolve(StateStopped) {
			metrics.SessionsEnded.WithLabelValues(StateStopped.String()).Inc()
		}
		s.logger.Info("recognition session ended")
		return
	}
	s.mu.Unlock()
	s.done.Resolve(StateStopped)
}

func (s *Session) processFinals() {
	defer close(s.workerDone)
	for {
		select {
		case <-s.workerCtx.Done():
			return
		case r := <-s.finals:
			if s.detached.Load() || s.State() != StateRunning {
				metrics.FinalResults.WithLabelValues("not_running").Inc()
				continue
			}
			s.dispatch(r)
		}
	}
}

func (s *Session) dispatch(r Result) {
	defer s.guard("final_dispatch")
	if s.onFinal == nil {
		return
	}
	metrics.FinalResults.WithLabelValues("dispatched").Inc()
	s.onFinal(s.workerCtx, r)
}
