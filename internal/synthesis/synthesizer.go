// SPDX-FileCopyrightText: 2026 Nextcloud GmbH and Nextcloud contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package synthesis turns translated text into outbound call audio.
package synthesis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nextcloud/go_live_interpreter/internal/constants"
	"github.com/nextcloud/go_live_interpreter/internal/media"
	"github.com/nextcloud/go_live_interpreter/internal/metrics"
)

var ErrClosed = errors.New("synthesizer closed")

// Engine renders text as 16 kHz 16-bit mono PCM in a voice for language.
type Engine interface {
	Synthesize(ctx context.Context, text, language string) ([]byte, error)
}

type Synthesizer struct {
	engine  Engine
	timeout time.Duration
	now     func() time.Time

	mu   sync.Mutex
	next time.Time // earliest start for the next utterance

	closed atomic.Bool
	logger *slog.Logger
}

func New(engine Engine, logger *slog.Logger) *Synthesizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synthesizer{
		engine:  engine,
		timeout: constants.SynthesizeTimeout,
		now:     time.Now,
		logger:  logger.With("component", "speech_synthesizer"),
	}
}

// Synthesize returns the utterance as fixed-size buffers. Blank text is not
// sent to the engine and yields no buffers.
func (s *Synthesizer) Synthesize(ctx context.Context, text, language string) ([]media.OutboundBuffer, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}

	issued := s.now()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	pcm, err := s.engine.Synthesize(ctx, text, language)
	metrics.SynthesisDuration.Observe(time.Since(issued).Seconds())
	if err != nil {
		return nil, fmt.Errorf("synthesize %s speech: %w", language, err)
	}
	if len(pcm) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	start := issued
	if start.Before(s.next) {
		start = s.next
	}
	buffers := Packetize(pcm, start)
	last := buffers[len(buffers)-1]
	s.next = last.Timestamp.Add(last.Duration)
	s.mu.Unlock()

	s.logger.Debug("synthesized utterance",
		"lang", language,
		"buffers", len(buffers),
		"latency_ms", time.Since(issued).Milliseconds(),
	)
	return buffers, nil
}

// Close releases the engine if it holds resources.
func (s *Synthesizer) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if c, ok := s.engine.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Packetize splits pcm into 20ms buffers, zero padding the last one, stamped
// from start onward.
func Packetize(pcm []byte, start time.Time) []media.OutboundBuffer {
	n := (len(pcm) + constants.FrameBytes - 1) / constants.FrameBytes
	buffers := make([]media.OutboundBuffer, 0, n)
	for i := 0; i < n; i++ {
		data := make([]byte, constants.FrameBytes)
		copy(data, pcm[i*constants.FrameBytes:])
		buffers = append(buffers, media.OutboundBuffer{
			Data:      data,
			Timestamp: start.Add(time.Duration(i) * constants.FrameDuration),
			Duration:  constants.FrameDuration,
		})
	}
	return buffers
}
