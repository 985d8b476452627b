// SPDX-FileCopyrightText: 2026 Nextcloud GmbH and Nextcloud contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package speech drives continuous recognition engines through a fixed
// session lifecycle and hands final results to the translation stage.
package speech

import "context"

// Result is one recognition event. Translations is keyed by base language
// code and is only filled by engines that translate while recognizing.
type Result struct {
	Text             string
	DetectedLanguage string
	Translations     map[string]string
}

type EndReason string

const (
	EndCompleted EndReason = "completed"
	EndCanceled  EndReason = "canceled"
)

// Handlers is the fixed set of callbacks an engine reports to. Engines call
// them from their own goroutines.
type Handlers struct {
	OnPartial      func(Result)
	OnFinal        func(Result)
	OnSessionEnded func(reason EndReason, err error)
}

// AudioSource is the destructive PCM stream a recognizer consumes.
type AudioSource interface {
	Read(ctx context.Context) ([]byte, error)
}

// Recognizer is a continuous recognition engine bound to one language pair at
// construction. StartContinuous returns once recognition is running; ctx only
// bounds the start handshake. After StopContinuous the engine must eventually
// report OnSessionEnded.
type Recognizer interface {
	StartContinuous(ctx context.Context, source AudioSource, h Handlers) error
	StopContinuous(ctx context.Context) error
	Close() error
}
