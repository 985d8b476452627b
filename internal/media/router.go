// SPDX-FileCopyrightText: 2026 Nextcloud GmbH and Nextcloud contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package media

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nextcloud/go_live_interpreter/internal/metrics"
)

// ChunkWriter receives a private copy of every routed frame.
type ChunkWriter interface {
	Name() string
	Write(p []byte) error
}

// Router fans inbound frames out to the per-direction input buffers.
type Router struct {
	mu      sync.RWMutex
	writers []ChunkWriter

	onFirst   func()
	startOnce sync.Once
	detached  atomic.Bool

	logger *slog.Logger
}

// NewRouter returns a router that calls onFirst, once, on the first Ingest.
func NewRouter(onFirst func(), logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		onFirst: onFirst,
		logger:  logger.With("component", "frame_router"),
	}
}

func (r *Router) Attach(w ChunkWriter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writers = append(r.writers, w)
}

// Remove stops forwarding to w only.
func (r *Router) Remove(w ChunkWriter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := make([]ChunkWriter, 0, len(r.writers))
	for _, cur := range r.writers {
		if cur != w {
			kept = append(kept, cur)
		}
	}
	r.writers = kept
}

// Attached returns the number of writers receiving frames.
func (r *Router) Attached() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.writers)
}

// Detach stops forwarding. Frames still arriving are released and dropped.
func (r *Router) Detach() {
	r.detached.Store(true)
	r.mu.Lock()
	r.writers = nil
	r.mu.Unlock()
}

// Ingest copies the frame into every attached writer and releases it. It is
// safe to call from several track readers at once and never blocks on
// recognition.
func (r *Router) Ingest(frame *AudioFrame) {
	if frame == nil {
		return
	}
	defer frame.Release()
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic while routing audio frame", "panic", rec)
		}
	}()

	if r.detached.Load() {
		return
	}
	metrics.FramesIngested.Inc()

	if r.onFirst != nil {
		r.startOnce.Do(r.onFirst)
	}

	if len(frame.Data) == 0 {
		return
	}

	r.mu.RLock()
	writers := r.writers
	r.mu.RUnlock()

	for _, w := range writers {
		if err := w.Write(frame.Data); err != nil {
			reason := "error"
			switch {
			case errors.Is(err, ErrBufferClosed):
				reason = "closed"
			case errors.Is(err, ErrBufferFull):
				reason = "full"
			}
			metrics.FramesDropped.WithLabelValues(reason).Inc()
			r.logger.Warn("failed to write frame to input buffer", "buffer", w.Name(), "error", err)
		}
	}
}
