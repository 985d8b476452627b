// SPDX-FileCopyrightText: 2026 Nextcloud GmbH and Nextcloud contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package media

import (
	"context"
	"errors"
	"io"
	"sync"
)

var (
	ErrBufferClosed = errors.New("input buffer closed")
	ErrBufferFull   = errors.New("input buffer full")
)

// InputBuffer is a bounded FIFO of PCM chunks feeding one recognizer. Reads
// are destructive, so every direction gets its own buffer.
type InputBuffer struct {
	name   string
	mu     sync.RWMutex
	ch     chan []byte
	closed bool
	done   chan struct{}
}

func NewInputBuffer(name string, capacity int) *InputBuffer {
	return &InputBuffer{
		name: name,
		ch:   make(chan []byte, capacity),
		done: make(chan struct{}),
	}
}

func (b *InputBuffer) Name() string {
	return b.name
}

// Write stores a private copy of p. It never blocks.
func (b *InputBuffer) Write(p []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrBufferClosed
	}
	chunk := make([]byte, len(p))
	copy(chunk, p)

	select {
	case b.ch <- chunk:
		return nil
	default:
		return ErrBufferFull
	}
}

// Read returns the next chunk. After Close it drains what is left and then
// returns io.EOF.
func (b *InputBuffer) Read(ctx context.Context) ([]byte, error) {
	select {
	case chunk := <-b.ch:
		return chunk, nil
	default:
	}

	select {
	case chunk := <-b.ch:
		return chunk, nil
	case <-b.done:
		select {
		case chunk := <-b.ch:
			return chunk, nil
		default:
			return nil, io.EOF
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *InputBuffer) Len() int {
	return len(b.ch)
}

func (b *InputBuffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)
	return nil
}
