// SPDX-FileCopyrightText: 2026 Nextcloud GmbH and Nextcloud contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package transcript records what was said in a call and relays captions to
// its participants.
package transcript

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Log appends transcript lines to <dir>/<callID>.log. Write failures are
// reported on stderr and never returned.
type Log struct {
	mu     sync.Mutex
	path   string
	stderr io.Writer
	now    func() time.Time
}

func NewLog(dir, callID string) *Log {
	name := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(callID)
	if name == "" {
		name = "call"
	}
	return &Log{
		path:   filepath.Join(dir, name+".log"),
		stderr: os.Stderr,
		now:    time.Now,
	}
}

func (l *Log) Path() string {
	return l.path
}

func (l *Log) Append(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		fmt.Fprintf(l.stderr, "Failed to write to transcript log: %v\n", err)
		return
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(l.stderr, "Failed to write to transcript log: %v\n", err)
		return
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "%s %s\n", l.now().UTC().Format(time.RFC3339), line); err != nil {
		fmt.Fprintf(l.stderr, "Failed to write to transcript log: %v\n", err)
	}
}

// Utterance logs one recognized line and its translation.
func (l *Log) Utterance(direction, sourceLang, text, targetLang, translated string) {
	l.Append(fmt.Sprintf("[%s] RECOGNIZED (%s): %s", direction, sourceLang, text))
	if translated != "" {
		l.Append(fmt.Sprintf("[%s] TRANSLATED (%s): %s", direction, targetLang, translated))
	}
}
