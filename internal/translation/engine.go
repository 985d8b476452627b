// SPDX-FileCopyrightText: 2026 Nextcloud GmbH and Nextcloud contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package translation

import (
	"context"
	"log/slog"
	"strings"

	"github.com/nextcloud/go_live_interpreter/internal/languages"
	"github.com/nextcloud/go_live_interpreter/internal/metrics"
)

// Engine reads the translation the recognizer already produced.
type Engine struct {
	logger *slog.Logger
}

func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{logger: logger.With("component", "engine_translator")}
}

func (e *Engine) Name() string {
	return "engine"
}

// Skips reports utterances heard in a language other than the expected
// source; they belong to the other direction.
func (e *Engine) Skips(req Request) bool {
	return req.DetectedLanguage != "" && !languages.Same(req.DetectedLanguage, req.SourceLanguage)
}

// Translate returns "" for skipped utterances.
func (e *Engine) Translate(_ context.Context, req Request) string {
	if strings.TrimSpace(req.Text) == "" {
		return ""
	}
	if e.Skips(req) {
		e.logger.Debug("detected language differs from source, skipping",
			"detected_lang", req.DetectedLanguage,
			"source_lang", req.SourceLanguage,
		)
		return ""
	}

	for lang, text := range req.Translations {
		if languages.Same(lang, req.TargetLanguage) {
			return strings.TrimSpace(text)
		}
	}
	metrics.TranslationFailures.WithLabelValues(e.Name()).Inc()
	e.logger.Warn("no engine translation for target language",
		"target_lang", req.TargetLanguage,
		"available", len(req.Translations),
	)
	return ""
}
