// SPDX-FileCopyrightText: 2026 Nextcloud GmbH and Nextcloud contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package transcript

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogAppends(t *testing.T) {
	dir := t.TempDir()
	l := NewLog(dir, "call-1")
	l.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	l.Utterance("forward", "vi", "xin chào", "en", "hello")
	l.Append("second line")

	data, err := os.ReadFile(filepath.Join(dir, "call-1.log"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "2026-01-02T03:04:05Z [forward] RECOGNIZED (vi): xin chào", lines[0])
	assert.Equal(t, "2026-01-02T03:04:05Z [forward] TRANSLATED (en): hello", lines[1])
	assert.Equal(t, "2026-01-02T03:04:05Z second line", lines[2])
}

func TestLogSkipsEmptyTranslation(t *testing.T) {
	dir := t.TempDir()
	l := NewLog(dir, "c")
	l.Utterance("reverse", "en", "hello", "vi", "")

	data, err := os.ReadFile(l.Path())
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "\n"))
}

func TestLogSanitizesCallID(t *testing.T) {
	dir := t.TempDir()
	l := NewLog(dir, "../../etc/passwd")
	assert.Equal(t, dir, filepath.Dir(l.Path()))
}

func TestLogFailureGoesToStderr(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))

	// the log directory is a regular file, so every write fails
	l := NewLog(blocker, "c")
	var stderr bytes.Buffer
	l.stderr = &stderr

	assert.NotPanics(t, func() { l.Append("lost") })
	assert.Contains(t, stderr.String(), "Failed to write to transcript log")
}

type captionRecorder struct {
	mu   sync.Mutex
	seen []Caption
}

func (r *captionRecorder) SendCaption(c Caption) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, c)
}

func (r *captionRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

func TestSenderRelaysInOrder(t *testing.T) {
	rec := &captionRecorder{}
	s := NewSender(rec, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	require.True(t, s.Publish(Caption{Final: true, LangID: "vi", Message: "xin chào", Original: true}))
	require.True(t, s.Publish(Caption{Final: true, LangID: "en", Message: "hello"}))

	require.Eventually(t, func() bool { return rec.count() == 2 }, time.Second, 5*time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, "xin chào", rec.seen[0].Message)
	assert.Equal(t, "hello", rec.seen[1].Message)
}
