// SPDX-FileCopyrightText: 2026 Nextcloud GmbH and Nextcloud contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package speech

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRecognizer struct {
	mu       sync.Mutex
	handlers Handlers

	startErr error
	stopErr  error
	// endOnStop reports session ended when StopContinuous is called.
	endOnStop bool
	// endOnStart reports session ended before StartContinuous returns.
	endOnStart bool

	starts atomic.Int32
	stops  atomic.Int32
	closes atomic.Int32
}

func (f *fakeRecognizer) StartContinuous(_ context.Context, _ AudioSource, h Handlers) error {
	f.starts.Add(1)
	f.mu.Lock()
	f.handlers = h
	f.mu.Unlock()
	if f.endOnStart {
		h.OnSessionEnded(EndCompleted, nil)
	}
	return f.startErr
}

func (f *fakeRecognizer) StopContinuous(context.Context) error {
	f.stops.Add(1)
	if f.stopErr != nil {
		return f.stopErr
	}
	if f.endOnStop {
		go f.h().OnSessionEnded(EndCompleted, nil)
	}
	return nil
}

func (f *fakeRecognizer) Close() error {
	f.closes.Add(1)
	return nil
}

func (f *fakeRecognizer) h() Handlers {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers
}

type nopSource struct{}

func (nopSource) Read(ctx context.Context) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type finalRecorder struct {
	mu    sync.Mutex
	texts []string
}

func (r *finalRecorder) handle(_ context.Context, res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, res.Text)
}

func (r *finalRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}

func newTestSession(t *testing.T, eng *fakeRecognizer, cfg SessionConfig, onFinal FinalHandler) *Session {
	t.Helper()
	if cfg.SourceLanguage == "" {
		cfg.SourceLanguage = "vi"
		cfg.TargetLanguage = "en"
	}
	if cfg.Direction == "" {
		cfg.Direction = DirectionForward
	}
	return NewSession(cfg, eng, nopSource{}, onFinal, nil)
}

func TestStartStop(t *testing.T) {
	eng := &fakeRecognizer{endOnStop: true}
	s := newTestSession(t, eng, SessionConfig{}, nil)
	assert.Equal(t, StateIdle, s.State())

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, StateRunning, s.State())
	assert.ErrorIs(t, s.Start(context.Background()), ErrInvalidState)

	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, StateStopped, s.State())
	assert.EqualValues(t, 1, eng.stops.Load())
	assert.EqualValues(t, 1, eng.closes.Load())

	require.NoError(t, s.Stop(context.Background()))
	assert.EqualValues(t, 1, eng.stops.Load())
	assert.EqualValues(t, 1, eng.closes.Load())
}

func TestStopIdleIsNoop(t *testing.T) {
	eng := &fakeRecognizer{}
	s := newTestSession(t, eng, SessionConfig{}, nil)

	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, StateIdle, s.State())
	assert.Zero(t, eng.stops.Load())
	assert.Zero(t, eng.closes.Load())
}

func TestStartFailureCancels(t *testing.T) {
	eng := &fakeRecognizer{startErr: errors.New("401 unauthorized")}
	s := newTestSession(t, eng, SessionConfig{}, nil)

	require.Error(t, s.Start(context.Background()))
	assert.Equal(t, StateCanceled, s.State())
	select {
	case <-s.Done():
	default:
		t.Fatal("completion signal not resolved")
	}
}

func TestCanceledThenStop(t *testing.T) {
	eng := &fakeRecognizer{}
	s := newTestSession(t, eng, SessionConfig{}, nil)
	require.NoError(t, s.Start(context.Background()))

	eng.h().OnSessionEnded(EndCanceled, errors.New("connection reset"))
	assert.Equal(t, StateCanceled, s.State())
	<-s.Done()

	// duplicate end events must not re-resolve or change state
	eng.h().OnSessionEnded(EndCompleted, nil)
	assert.Equal(t, StateCanceled, s.State())

	require.NoError(t, s.Stop(context.Background()))
	assert.Zero(t, eng.stops.Load())
	assert.EqualValues(t, 1, eng.closes.Load())
	assert.Equal(t, StateCanceled, s.State())
}

func TestNoDispatchAfterTerminalState(t *testing.T) {
	eng := &fakeRecognizer{endOnStop: true}
	rec := &finalRecorder{}
	s := newTestSession(t, eng, SessionConfig{}, rec.handle)
	require.NoError(t, s.Start(context.Background()))

	eng.h().OnFinal(Result{Text: "xin chào"})
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Stop(context.Background()))
	eng.h().OnFinal(Result{Text: "tạm biệt"})

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"xin chào"}, rec.snapshot())
}

func TestNoDispatchAfterCancel(t *testing.T) {
	eng := &fakeRecognizer{}
	rec := &finalRecorder{}
	s := newTestSession(t, eng, SessionConfig{}, rec.handle)
	require.NoError(t, s.Start(context.Background()))

	eng.h().OnSessionEnded(EndCanceled, errors.New("quota exceeded"))
	eng.h().OnFinal(Result{Text: "late"})

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, rec.snapshot())
}

func TestFinalsProcessedSerially(t *testing.T) {
	eng := &fakeRecognizer{endOnStop: true}
	var inFlight, overlaps atomic.Int32
	rec := &finalRecorder{}
	s := newTestSession(t, eng, SessionConfig{}, func(ctx context.Context, r Result) {
		if inFlight.Add(1) > 1 {
			overlaps.Add(1)
		}
		time.Sleep(2 * time.Millisecond)
		rec.handle(ctx, r)
		inFlight.Add(-1)
	})
	require.NoError(t, s.Start(context.Background()))

	want := []string{"one", "two", "three", "four", "five"}
	for _, text := range want {
		eng.h().OnFinal(Result{Text: text})
	}
	require.Eventually(t, func() bool { return len(rec.snapshot()) == len(want) }, time.Second, 5*time.Millisecond)
	assert.Equal(t, want, rec.snapshot())
	assert.Zero(t, overlaps.Load())

	require.NoError(t, s.Stop(context.Background()))
}

func TestSourceMatchTieBreak(t *testing.T) {
	eng := &fakeRecognizer{endOnStop: true}
	rec := &finalRecorder{}
	s := newTestSession(t, eng, SessionConfig{
		Direction:          DirectionReverse,
		SourceLanguage:     "en",
		TargetLanguage:     "vi",
		RequireSourceMatch: true,
	}, rec.handle)
	require.NoError(t, s.Start(context.Background()))

	eng.h().OnFinal(Result{Text: "xin chào", DetectedLanguage: "vi-VN"})
	eng.h().OnFinal(Result{Text: "hello", DetectedLanguage: "en-US"})
	eng.h().OnFinal(Result{Text: "undetected"})
	eng.h().OnFinal(Result{Text: "   "})

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"hello", "undetected"}, rec.snapshot())
	require.NoError(t, s.Stop(context.Background()))
}

func TestHandlerPanicIsContained(t *testing.T) {
	eng := &fakeRecognizer{endOnStop: true}
	var calls atomic.Int32
	s := newTestSession(t, eng, SessionConfig{}, func(context.Context, Result) {
		if calls.Add(1) == 1 {
			panic("translation exploded")
		}
	})
	require.NoError(t, s.Start(context.Background()))

	eng.h().OnFinal(Result{Text: "one"})
	eng.h().OnFinal(Result{Text: "two"})
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))
}

func TestDetachedHandlersIgnoreResults(t *testing.T) {
	eng := &fakeRecognizer{endOnStop: true}
	rec := &finalRecorder{}
	s := newTestSession(t, eng, SessionConfig{}, rec.handle)
	require.NoError(t, s.Start(context.Background()))

	s.DetachHandlers()
	eng.h().OnFinal(Result{Text: "ignored"})
	require.NoError(t, s.Stop(context.Background()))
	assert.Empty(t, rec.snapshot())
}

func TestStopTimeoutForcesRelease(t *testing.T) {
	// engine never reports the session end
	eng := &fakeRecognizer{}
	s := newTestSession(t, eng, SessionConfig{StopTimeout: 20 * time.Millisecond}, nil)
	require.NoError(t, s.Start(context.Background()))

	start := time.Now()
	require.NoError(t, s.Stop(context.Background()))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StateStopped, s.State())
	assert.EqualValues(t, 1, eng.closes.Load())
}

func TestStopHonoursCallerContext(t *testing.T) {
	eng := &fakeRecognizer{}
	s := newTestSession(t, eng, SessionConfig{}, nil)
	require.NoError(t, s.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Stop(ctx), context.DeadlineExceeded)
	assert.Equal(t, StateStopped, s.State())
	assert.EqualValues(t, 1, eng.closes.Load())
}

func TestEngineEndsOnItsOwn(t *testing.T) {
	eng := &fakeRecognizer{}
	s := newTestSession(t, eng, SessionConfig{}, nil)
	require.NoError(t, s.Start(context.Background()))

	eng.h().OnSessionEnded(EndCompleted, nil)
	assert.Equal(t, StateStopped, s.State())

	require.NoError(t, s.Stop(context.Background()))
	assert.Zero(t, eng.stops.Load())
	assert.EqualValues(t, 1, eng.closes.Load())
}

func TestEngineEndsBeforeStartReturns(t *testing.T) {
	eng := &fakeRecognizer{endOnStart: true}
	rec := &finalRecorder{}
	s := newTestSession(t, eng, SessionConfig{}, rec.handle)

	assert.ErrorIs(t, s.Start(context.Background()), ErrCanceled)
	assert.Equal(t, StateStopped, s.State())
	select {
	case <-s.Done():
	default:
		t.Fatal("completion signal not resolved")
	}

	eng.h().OnFinal(Result{Text: "after end"})
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, rec.snapshot())

	require.NoError(t, s.Stop(context.Background()))
	assert.Zero(t, eng.stops.Load())
	assert.EqualValues(t, 1, eng.closes.Load())
}
