// SPDX-FileCopyrightText: 2026 Nextcloud GmbH and Nextcloud contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package oneshot

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirstResolveWins(t *testing.T) {
	var s Signal[string]
	assert.False(t, s.Resolved())

	assert.True(t, s.Resolve("canceled"))
	assert.False(t, s.Resolve("stopped"))

	v, err := s.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "canceled", v)
	assert.True(t, s.Resolved())
}

func TestConcurrentResolve(t *testing.T) {
	var s Signal[int]
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if s.Resolve(i) {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestWaitHonoursContext(t *testing.T) {
	var s Signal[struct{}]
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := s.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
