// SPDX-FileCopyrightText: 2026 Nextcloud GmbH and Nextcloud contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package media

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInputBufferDrainsAfterClose(t *testing.T) {
	b := NewInputBuffer("forward", 2)
	require.NoError(t, b.Write([]byte{1}))
	require.NoError(t, b.Write([]byte{2}))
	assert.ErrorIs(t, b.Write([]byte{3}), ErrBufferFull)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Write([]byte{4}), ErrBufferClosed)

	ctx := context.Background()
	chunk, err := b.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, chunk)
	chunk, err = b.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{2}, chunk)

	_, err = b.Read(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestInputBufferReadHonoursContext(t *testing.T) {
	b := NewInputBuffer("forward", 1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := b.Read(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestInputBufferWriteCopies(t *testing.T) {
	b := NewInputBuffer("forward", 1)
	p := []byte{1, 2}
	require.NoError(t, b.Write(p))
	p[0] = 9

	chunk, err := b.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, chunk)
}
