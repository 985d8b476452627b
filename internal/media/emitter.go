// SPDX-FileCopyrightText: 2026 Nextcloud GmbH and Nextcloud contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package media

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nextcloud/go_live_interpreter/internal/constants"
	"github.com/nextcloud/go_live_interpreter/internal/metrics"
)

// Sink is the call's outgoing audio channel. Send must not retain pcm after
// it returns.
type Sink interface {
	Send(pcm []byte, ts time.Time, duration time.Duration) error
}

type EmitterOptions struct {
	// Interval paces sends; zero sends as fast as buffers arrive.
	Interval      time.Duration
	QueueSize     int
	OutputEnabled bool
}

// Emitter queues outbound buffers and plays them into the call. A buffer is
// only accepted while the call reports send status Active and audio output is
// enabled for the call.
type Emitter struct {
	sink          Sink
	status        atomic.Int32
	outputEnabled atomic.Bool
	closed        atomic.Bool

	queue    chan OutboundBuffer
	interval time.Duration
	scratch  sync.Pool

	quit      chan struct{}
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool

	logger *slog.Logger
}

func NewEmitter(sink Sink, opts EmitterOptions, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = constants.EmitterQueueBuffers
	}
	e := &Emitter{
		sink:     sink,
		queue:    make(chan OutboundBuffer, opts.QueueSize),
		interval: opts.Interval,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		logger:   logger.With("component", "audio_emitter"),
	}
	e.scratch.New = func() any {
		b := make([]byte, constants.FrameBytes)
		return &b
	}
	e.outputEnabled.Store(opts.OutputEnabled)
	return e
}

// Start launches the player goroutine.
func (e *Emitter) Start() {
	e.startOnce.Do(func() {
		e.started.Store(true)
		go e.run()
	})
}

func (e *Emitter) OnSendStatusChanged(status SendStatus) {
	old := SendStatus(e.status.Swap(int32(status)))
	if old != status {
		e.logger.Info("audio send status changed", "status", status.String())
	}
}

func (e *Emitter) SendStatus() SendStatus {
	return SendStatus(e.status.Load())
}

func (e *Emitter) SetOutputEnabled(enabled bool) {
	e.outputEnabled.Store(enabled)
}

// Emit queues buf for playback and reports whether it was accepted.
func (e *Emitter) Emit(buf OutboundBuffer) bool {
	if reason := e.gate(); reason != "" {
		e.drop(reason)
		return false
	}
	select {
	case e.queue <- buf:
		return true
	default:
		e.drop("queue_full")
		return false
	}
}

func (e *Emitter) gate() string {
	switch {
	case e.closed.Load():
		return "shut_down"
	case e.SendStatus() != SendStatusActive:
		return "inactive"
	case !e.outputEnabled.Load():
		return "output_disabled"
	}
	return ""
}

func (e *Emitter) drop(reason string) {
	metrics.BuffersDropped.WithLabelValues(reason).Inc()
	e.logger.Debug("dropping outbound audio buffer", "reason", reason)
}

func (e *Emitter) run() {
	defer close(e.done)

	var tick <-chan time.Time
	if e.interval > 0 {
		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-e.quit:
			return
		case buf := <-e.queue:
			e.play(buf)
			if tick != nil {
				select {
				case <-tick:
				case <-e.quit:
					return
				}
			}
		}
	}
}

func (e *Emitter) play(buf OutboundBuffer) {
	// status may have dropped while the buffer sat in the queue
	if reason := e.gate(); reason != "" {
		e.drop(reason)
		return
	}

	bp := e.scratch.Get().(*[]byte)
	defer e.scratch.Put(bp)
	if cap(*bp) < len(buf.Data) {
		*bp = make([]byte, len(buf.Data))
	}
	pcm := (*bp)[:len(buf.Data)]
	copy(pcm, buf.Data)

	if err := e.sink.Send(pcm, buf.Timestamp, buf.Duration); err != nil {
		e.logger.Warn("failed to send audio buffer", "error", err)
		metrics.BuffersDropped.WithLabelValues("send_error").Inc()
		return
	}
	metrics.BuffersEmitted.Inc()
}

// Shutdown stops the player and disposes of every buffer still queued. It
// returns the number of disposed buffers; later calls return 0.
func (e *Emitter) Shutdown() int {
	disposed := 0
	e.stopOnce.Do(func() {
		e.closed.Store(true)
		close(e.quit)
		if e.started.Load() {
			<-e.done
		}
		for {
			select {
			case buf := <-e.queue:
				buf.Data = nil
				disposed++
			default:
				e.logger.Info("disposed queued audio buffers", "count", disposed)
				return
			}
		}
	})
	return disposed
}
