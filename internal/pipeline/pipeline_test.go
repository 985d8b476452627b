// SPDX-FileCopyrightText: 2026 Nextcloud GmbH and Nextcloud contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextcloud/go_live_interpreter/internal/constants"
	"github.com/nextcloud/go_live_interpreter/internal/media"
	"github.com/nextcloud/go_live_interpreter/internal/settings"
	"github.com/nextcloud/go_live_interpreter/internal/speech"
	"github.com/nextcloud/go_live_interpreter/internal/transcript"
	"github.com/nextcloud/go_live_interpreter/internal/translation"
)

type fakeResolver struct {
	session settings.Session
	gate    chan struct{}
}

func (r *fakeResolver) Resolve(context.Context, string) settings.Session {
	if r.gate != nil {
		<-r.gate
	}
	return r.session
}

type fakeRecognizer struct {
	mu       sync.Mutex
	handlers speech.Handlers
	closes   atomic.Int32
}

func (f *fakeRecognizer) StartContinuous(_ context.Context, _ speech.AudioSource, h speech.Handlers) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = h
	return nil
}

func (f *fakeRecognizer) StopContinuous(context.Context) error {
	f.mu.Lock()
	h := f.handlers
	f.mu.Unlock()
	go h.OnSessionEnded(speech.EndCompleted, nil)
	return nil
}

func (f *fakeRecognizer) Close() error {
	f.closes.Add(1)
	return nil
}

func (f *fakeRecognizer) final(r speech.Result) {
	f.mu.Lock()
	h := f.handlers
	f.mu.Unlock()
	h.OnFinal(r)
}

func (f *fakeRecognizer) end(reason speech.EndReason, err error) {
	f.mu.Lock()
	h := f.handlers
	f.mu.Unlock()
	h.OnSessionEnded(reason, err)
}

type recognizers struct {
	mu     sync.Mutex
	byDir  map[speech.Direction]*fakeRecognizer
	failOn speech.Direction
}

func (r *recognizers) factory(cfg speech.SessionConfig) (speech.Recognizer, error) {
	if cfg.Direction == r.failOn {
		return nil, errors.New("no engine")
	}
	rec := &fakeRecognizer{}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byDir == nil {
		r.byDir = map[speech.Direction]*fakeRecognizer{}
	}
	r.byDir[cfg.Direction] = rec
	return rec, nil
}

func (r *recognizers) get(dir speech.Direction) *fakeRecognizer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byDir[dir]
}

type stubBackend struct {
	replies map[string]string
}

func (b *stubBackend) Name() string { return "stub" }

func (b *stubBackend) Translate(_ context.Context, req translation.Request) string {
	return b.replies[req.Text]
}

type fakeSynth struct {
	mu     sync.Mutex
	texts  []string
	closes atomic.Int32
}

func (s *fakeSynth) Synthesize(_ context.Context, text, _ string) ([]media.OutboundBuffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
	return []media.OutboundBuffer{
		{Data: make([]byte, constants.FrameBytes), Timestamp: time.Now(), Duration: constants.FrameDuration},
		{Data: make([]byte, constants.FrameBytes), Timestamp: time.Now(), Duration: constants.FrameDuration},
	}, nil
}

func (s *fakeSynth) Close() error {
	s.closes.Add(1)
	return nil
}

func (s *fakeSynth) calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

type fakeSink struct {
	sends  atomic.Int32
	closes atomic.Int32
}

func (s *fakeSink) Send([]byte, time.Time, time.Duration) error {
	s.sends.Add(1)
	return nil
}

func (s *fakeSink) Close() error {
	s.closes.Add(1)
	return nil
}

type captionLog struct {
	mu   sync.Mutex
	seen []transcript.Caption
}

func (c *captionLog) Publish(caption transcript.Caption) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, caption)
	return true
}

type harness struct {
	p        *Pipeline
	resolver *fakeResolver
	recs     *recognizers
	backend  translation.Backend
	synth    *fakeSynth
	sink     *fakeSink
	captions *captionLog
}

func newHarness(t *testing.T, opts Options, backend translation.Backend) *harness {
	t.Helper()
	h := &harness{
		resolver: &fakeResolver{session: settings.Session{Language: settings.DefaultLanguageSetting("m1")}},
		recs:     &recognizers{},
		backend:  backend,
		synth:    &fakeSynth{},
		sink:     &fakeSink{},
		captions: &captionLog{},
	}
	if opts.CallID == "" {
		opts.CallID = "m1"
	}
	opts.AudioOutput = true
	h.p = New(opts, Deps{
		Settings:    h.resolver,
		Recognizers: h.recs.factory,
		Backend:     h.backend,
		Synthesizer: h.synth,
		Sink:        h.sink,
		Captions:    h.captions,
	}, nil)
	h.p.OnSendStatusChanged(media.SendStatusActive)
	t.Cleanup(func() { _ = h.p.Shutdown(context.Background()) })
	return h
}

func frame() *media.AudioFrame {
	return media.NewAudioFrame(make([]byte, constants.FrameBytes), time.Now(), nil)
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	h.p.Ingest(frame())
	require.Eventually(t, h.p.Started, time.Second, 5*time.Millisecond)
}

func TestShutdownIsIdempotent(t *testing.T) {
	h := newHarness(t, Options{Bidirectional: true}, &stubBackend{})
	h.start(t)

	require.NoError(t, h.p.Shutdown(context.Background()))
	require.NoError(t, h.p.Shutdown(context.Background()))

	assert.EqualValues(t, 1, h.sink.closes.Load())
	assert.EqualValues(t, 1, h.synth.closes.Load())
	assert.EqualValues(t, 1, h.recs.get(speech.DirectionForward).closes.Load())
	assert.EqualValues(t, 1, h.recs.get(speech.DirectionReverse).closes.Load())
	for _, s := range h.p.Sessions() {
		assert.Equal(t, speech.StateStopped, s.State())
	}
}

func TestConcurrentShutdownTearsDownOnce(t *testing.T) {
	h := newHarness(t, Options{Bidirectional: true}, &stubBackend{})
	h.start(t)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.p.Shutdown(context.Background()))
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, h.sink.closes.Load())
	assert.EqualValues(t, 1, h.synth.closes.Load())
}

func TestShutdownBeforeFirstFrame(t *testing.T) {
	h := newHarness(t, Options{}, &stubBackend{})

	require.NoError(t, h.p.Shutdown(context.Background()))
	assert.EqualValues(t, 1, h.sink.closes.Load())

	// audio arriving after shutdown never starts the pipeline
	h.p.Ingest(frame())
	assert.Empty(t, h.p.Sessions())
}

func TestShutdownWaitsForStartup(t *testing.T) {
	h := newHarness(t, Options{}, &stubBackend{})
	h.resolver.gate = make(chan struct{})

	h.p.Ingest(frame())

	done := make(chan error, 1)
	go func() { done <- h.p.Shutdown(context.Background()) }()

	select {
	case <-done:
		t.Fatal("shutdown returned before startup completed")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Zero(t, h.sink.closes.Load())

	close(h.resolver.gate)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not finish")
	}
	assert.EqualValues(t, 1, h.sink.closes.Load())
	// shutdown was already requested, so no engine was started
	assert.Nil(t, h.recs.get(speech.DirectionForward))
	assert.Empty(t, h.p.Sessions())
}

func TestShutdownDefersTeardownWhenContextEnds(t *testing.T) {
	h := newHarness(t, Options{}, &stubBackend{})
	h.resolver.gate = make(chan struct{})
	h.p.Ingest(frame())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.p.Shutdown(ctx), context.DeadlineExceeded)
	assert.Zero(t, h.sink.closes.Load())

	close(h.resolver.gate)
	require.Eventually(t, func() bool { return h.sink.closes.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestOneSynthesisPerMatchingFinal(t *testing.T) {
	h := newHarness(t, Options{}, translation.NewEngine(nil))
	h.start(t)
	rec := h.recs.get(speech.DirectionForward)

	rec.final(speech.Result{Text: "hello there", DetectedLanguage: "en-US", Translations: map[string]string{"en": "hello there"}})
	rec.final(speech.Result{Text: "xin chào", DetectedLanguage: "vi-VN", Translations: map[string]string{"en": "hello"}})

	require.Eventually(t, func() bool { return len(h.synth.calls()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"hello"}, h.synth.calls())
	require.Eventually(t, func() bool { return h.sink.sends.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestEmptyTranslationEmitsNothing(t *testing.T) {
	h := newHarness(t, Options{}, &stubBackend{replies: map[string]string{"second": "zweite"}})
	h.start(t)
	rec := h.recs.get(speech.DirectionForward)

	rec.final(speech.Result{Text: "first"})
	rec.final(speech.Result{Text: "second"})

	// finals run in order, so once the second is spoken the first is settled
	require.Eventually(t, func() bool { return len(h.synth.calls()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"zweite"}, h.synth.calls())
	require.Eventually(t, func() bool { return h.sink.sends.Load() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 2, h.sink.sends.Load())
}

func TestNoDispatchAfterShutdown(t *testing.T) {
	h := newHarness(t, Options{}, &stubBackend{replies: map[string]string{"late": "spät"}})
	h.start(t)
	rec := h.recs.get(speech.DirectionForward)

	require.NoError(t, h.p.Shutdown(context.Background()))
	rec.final(speech.Result{Text: "late"})

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.synth.calls())
	assert.Zero(t, h.sink.sends.Load())
}

func TestBidirectionalSessionsSwapLanguages(t *testing.T) {
	h := newHarness(t, Options{Bidirectional: true}, &stubBackend{})
	h.start(t)

	byDir := map[speech.Direction]speech.SessionConfig{}
	for _, s := range h.p.Sessions() {
		byDir[s.Config().Direction] = s.Config()
	}
	require.Len(t, byDir, 2)
	assert.Equal(t, "vi", byDir[speech.DirectionForward].SourceLanguage)
	assert.Equal(t, "en", byDir[speech.DirectionForward].TargetLanguage)
	assert.Equal(t, "en", byDir[speech.DirectionReverse].SourceLanguage)
	assert.Equal(t, "vi", byDir[speech.DirectionReverse].TargetLanguage)
	assert.True(t, byDir[speech.DirectionForward].RequireSourceMatch)
}

func TestFailedDirectionLeavesOtherRunning(t *testing.T) {
	h := newHarness(t, Options{Bidirectional: true}, &stubBackend{replies: map[string]string{"xin chào": "hello"}})
	h.recs.failOn = speech.DirectionReverse
	h.start(t)

	require.Len(t, h.p.Sessions(), 1)
	h.recs.get(speech.DirectionForward).final(speech.Result{Text: "xin chào", DetectedLanguage: "vi"})
	require.Eventually(t, func() bool { return len(h.synth.calls()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestCaptionsAndTranscript(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, Options{TranscriptDir: dir}, &stubBackend{replies: map[string]string{"xin chào": "hello"}})
	h.resolver.session.RecordingEnabled = true
	h.start(t)

	h.recs.get(speech.DirectionForward).final(speech.Result{Text: "xin chào"})
	require.Eventually(t, func() bool { return len(h.synth.calls()) == 1 }, time.Second, 5*time.Millisecond)

	h.captions.mu.Lock()
	require.Len(t, h.captions.seen, 2)
	assert.Equal(t, transcript.Caption{Final: true, LangID: "vi", Message: "xin chào", Original: true}, h.captions.seen[0])
	assert.Equal(t, transcript.Caption{Final: true, LangID: "en", Message: "hello"}, h.captions.seen[1])
	h.captions.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(dir, "m1.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "RECOGNIZED (vi): xin chào")
	assert.Contains(t, string(data), "TRANSLATED (en): hello")
	assert.True(t, h.p.Settings().RecordingEnabled)
}

func TestEmitterWaitsForActiveStatus(t *testing.T) {
	h := newHarness(t, Options{}, &stubBackend{replies: map[string]string{"a": "b", "c": "d"}})
	h.p.OnSendStatusChanged(media.SendStatusInactive)
	h.start(t)
	rec := h.recs.get(speech.DirectionForward)

	rec.final(speech.Result{Text: "a"})
	require.Eventually(t, func() bool { return len(h.synth.calls()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, h.sink.sends.Load())

	h.p.OnSendStatusChanged(media.SendStatusActive)
	rec.final(speech.Result{Text: "c"})
	require.Eventually(t, func() bool { return h.sink.sends.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestEndedSessionStopsReceivingAudio(t *testing.T) {
	h := newHarness(t, Options{Bidirectional: true}, &stubBackend{})
	h.start(t)
	require.Equal(t, 2, h.p.router.Attached())

	forward := h.p.buffers[speech.DirectionForward]
	reverse := h.p.buffers[speech.DirectionReverse]
	h.recs.get(speech.DirectionForward).end(speech.EndCanceled, errors.New("auth failure"))
	require.Eventually(t, func() bool { return h.p.router.Attached() == 1 }, time.Second, 5*time.Millisecond)

	queued := forward.Len()
	for range constants.InputBufferChunks * 2 {
		h.p.Ingest(frame())
	}
	assert.Equal(t, queued, forward.Len())
	assert.Equal(t, constants.InputBufferChunks, reverse.Len())
	assert.ErrorIs(t, forward.Write([]byte{0}), media.ErrBufferClosed)
}

func TestSkippedUtteranceLeavesNoTrace(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, Options{TranscriptDir: dir}, translation.NewEngine(nil))
	h.resolver.session.RecordingEnabled = true
	h.start(t)
	rec := h.recs.get(speech.DirectionForward)

	rec.final(speech.Result{Text: "good morning", DetectedLanguage: "en-US", Translations: map[string]string{"en": "good morning"}})
	rec.final(speech.Result{Text: "xin chào", DetectedLanguage: "vi-VN", Translations: map[string]string{"en": "hello"}})
	require.Eventually(t, func() bool { return len(h.synth.calls()) == 1 }, time.Second, 5*time.Millisecond)

	h.captions.mu.Lock()
	require.Len(t, h.captions.seen, 2)
	assert.Equal(t, "xin chào", h.captions.seen[0].Message)
	assert.Equal(t, "hello", h.captions.seen[1].Message)
	h.captions.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(dir, "m1.log"))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "good morning")
	assert.Contains(t, string(data), "xin chào")
}
