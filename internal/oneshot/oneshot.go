// SPDX-FileCopyrightText: 2026 Nextcloud GmbH and Nextcloud contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package oneshot provides a set-once value that goroutines can wait on.
package oneshot

import (
	"context"
	"sync"
)

// Signal resolves at most once. The first Resolve wins; later calls are
// no-ops and report false.
type Signal[T any] struct {
	once  sync.Once
	done  chan struct{}
	init  sync.Once
	value T
}

func (s *Signal[T]) lazyInit() {
	s.init.Do(func() { s.done = make(chan struct{}) })
}

func (s *Signal[T]) Resolve(v T) bool {
	s.lazyInit()
	resolved := false
	s.once.Do(func() {
		s.value = v
		close(s.done)
		resolved = true
	})
	return resolved
}

func (s *Signal[T]) Done() <-chan struct{} {
	s.lazyInit()
	return s.done
}

func (s *Signal[T]) Resolved() bool {
	select {
	case <-s.Done():
		return true
	default:
		return false
	}
}

// Wait blocks until the signal resolves or ctx ends.
func (s *Signal[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-s.Done():
		return s.value, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
