// SPDX-FileCopyrightText: 2026 Nextcloud GmbH and Nextcloud contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package translation turns a final recognized utterance into text in the
// other language of the call's pair.
package translation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nextcloud/go_live_interpreter/internal/config"
)

var (
	ErrTranslate      = errors.New("translation error")
	ErrEmptyOutput    = errors.New("translation returned no text")
	ErrUnknownBackend = errors.New("unknown translation backend")
)

// Request carries one final result. DetectedLanguage and Translations are
// only set by engines that translate while recognizing.
type Request struct {
	Text             string
	SourceLanguage   string
	TargetLanguage   string
	DetectedLanguage string
	Translations     map[string]string
}

// Backend never fails across its boundary: an empty result means there is
// nothing to say.
type Backend interface {
	Name() string
	Translate(ctx context.Context, req Request) string
}

// Filter is implemented by backends that decline some utterances outright.
// A skipped utterance is treated as silence by the caller.
type Filter interface {
	Skips(req Request) bool
}

// New picks the backend named in cfg. The generator is only used by the
// language model backend and may be nil otherwise.
func New(cfg *config.Config, gen Generator, logger *slog.Logger) (Backend, error) {
	switch cfg.TranslationBackend {
	case config.BackendEngine:
		return NewEngine(logger), nil
	case config.BackendLLM:
		if gen == nil {
			return nil, fmt.Errorf("%w: %s backend needs a text generator", ErrUnknownBackend, cfg.TranslationBackend)
		}
		return NewLLM(gen, logger), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.TranslationBackend)
}
