// SPDX-FileCopyrightText: 2026 Nextcloud GmbH and Nextcloud contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package media

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/nextcloud/go_live_interpreter/internal/constants"
)

// mixerBacklogFrames caps how far one speaker may run ahead of the clock.
const mixerBacklogFrames = 10

// Mixer turns the speakers' PCM into one stream: every tick it takes up to
// one frame from each speaker and sums them with clipping.
type Mixer struct {
	mu       sync.Mutex
	speakers map[string][]int16

	frameSamples int
	maxSamples   int
	pool         *FramePool
	out          func(*AudioFrame)

	logger *slog.Logger
}

func NewMixer(pool *FramePool, out func(*AudioFrame), logger *slog.Logger) *Mixer {
	if logger == nil {
		logger = slog.Default()
	}
	frameSamples := constants.FrameBytes / constants.BytesPerSample
	return &Mixer{
		speakers:     make(map[string][]int16),
		frameSamples: frameSamples,
		maxSamples:   frameSamples * mixerBacklogFrames,
		pool:         pool,
		out:          out,
		logger:       logger.With("component", "mixer"),
	}
}

// Write appends one speaker's decoded 16 kHz samples. When the speaker is too
// far ahead the oldest samples are dropped.
func (m *Mixer) Write(speaker string, samples []int16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := append(m.speakers[speaker], samples...)
	if over := len(q) - m.maxSamples; over > 0 {
		m.logger.Debug("speaker ahead of mixer, dropping samples", "speaker", speaker, "samples", over)
		q = q[over:]
	}
	m.speakers[speaker] = q
}

func (m *Mixer) RemoveSpeaker(speaker string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.speakers, speaker)
}

// Mix consumes one frame's worth from every speaker. It returns nil when
// nobody has pending audio; a speaker with less than a frame is padded with
// silence.
func (m *Mixer) Mix() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	var acc []int32
	for id, q := range m.speakers {
		if len(q) == 0 {
			continue
		}
		if acc == nil {
			acc = make([]int32, m.frameSamples)
		}
		n := min(len(q), m.frameSamples)
		for i, s := range q[:n] {
			acc[i] += int32(s)
		}
		m.speakers[id] = q[n:]
	}
	if acc == nil {
		return nil
	}

	mixed := make([]int16, m.frameSamples)
	for i, v := range acc {
		mixed[i] = int16(max(math.MinInt16, min(math.MaxInt16, v)))
	}
	return Int16ToBytes(mixed)
}

// Run emits a mixed frame every interval until ctx ends.
func (m *Mixer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if pcm := m.Mix(); pcm != nil {
				m.out(m.pool.Frame(pcm, now))
			}
		}
	}
}
