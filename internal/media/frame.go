// SPDX-FileCopyrightText: 2026 Nextcloud GmbH and Nextcloud contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package media moves PCM audio between a call and the recognition and
// synthesis stages: inbound frames are fanned out by the Router, outbound
// buffers are paced into the call by the Emitter.
package media

import (
	"sync"
	"time"
)

// AudioFrame is one inbound chunk of 16 kHz mono PCM. Whoever holds the frame
// must call Release exactly once; Release is idempotent so a second call on an
// error path is harmless.
type AudioFrame struct {
	Data      []byte
	Timestamp time.Time

	release func()
	once    sync.Once
}

func NewAudioFrame(data []byte, ts time.Time, release func()) *AudioFrame {
	return &AudioFrame{Data: data, Timestamp: ts, release: release}
}

func (f *AudioFrame) Release() {
	f.once.Do(func() {
		if f.release != nil {
			f.release()
		}
		f.Data = nil
	})
}

// FramePool recycles frame payloads for inbound readers.
type FramePool struct {
	pool sync.Pool
	size int
}

func NewFramePool(size int) *FramePool {
	p := &FramePool{size: size}
	p.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return p
}

// Frame copies data into a pooled payload; Release returns it to the pool.
func (p *FramePool) Frame(data []byte, ts time.Time) *AudioFrame {
	bp := p.pool.Get().(*[]byte)
	buf := *bp
	if cap(buf) < len(data) {
		buf = make([]byte, len(data))
	}
	buf = buf[:len(data)]
	copy(buf, data)
	*bp = buf
	return NewAudioFrame(buf, ts, func() { p.pool.Put(bp) })
}

// OutboundBuffer is one fixed-size chunk of synthesized PCM.
type OutboundBuffer struct {
	Data      []byte
	Timestamp time.Time
	Duration  time.Duration
}

type SendStatus int32

const (
	SendStatusInactive SendStatus = iota
	SendStatusActive
)

func (s SendStatus) String() string {
	if s == SendStatusActive {
		return "active"
	}
	return "inactive"
}
