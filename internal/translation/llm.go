// SPDX-FileCopyrightText: 2026 Nextcloud GmbH and Nextcloud contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package translation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nextcloud/go_live_interpreter/internal/constants"
	"github.com/nextcloud/go_live_interpreter/internal/languages"
	"github.com/nextcloud/go_live_interpreter/internal/metrics"
)

// Generator is a text generation model.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// LLM translates plain recognized text with a prompted language model.
type LLM struct {
	gen     Generator
	retries int
	backoff time.Duration
	timeout time.Duration
	logger  *slog.Logger
}

func NewLLM(gen Generator, logger *slog.Logger) *LLM {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLM{
		gen:     gen,
		retries: constants.TranslateRetries,
		backoff: constants.TranslateRetryBackoff,
		timeout: constants.TranslateTimeout,
		logger:  logger.With("component", "llm_translator"),
	}
}

func (l *LLM) Name() string {
	return "llm"
}

// Translate always targets the configured language; language detection is
// too unreliable on short utterances to gate on it here.
func (l *LLM) Translate(ctx context.Context, req Request) string {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return ""
	}

	start := time.Now()
	out, err := l.translate(ctx, prompt(text, req.SourceLanguage, req.TargetLanguage))
	elapsed := time.Since(start)
	metrics.TranslationDuration.WithLabelValues(l.Name()).Observe(elapsed.Seconds())

	if err != nil {
		metrics.TranslationFailures.WithLabelValues(l.Name()).Inc()
		l.logger.Error("translation failed",
			"error", err,
			"source_lang", req.SourceLanguage,
			"target_lang", req.TargetLanguage,
			"latency_ms", elapsed.Milliseconds(),
		)
		return ""
	}
	l.logger.Info("translated utterance",
		"source_lang", req.SourceLanguage,
		"target_lang", req.TargetLanguage,
		"latency_ms", elapsed.Milliseconds(),
	)
	return out
}

func (l *LLM) translate(ctx context.Context, p string) (string, error) {
	var lastErr error
	for tries := l.retries; tries > 0; tries-- {
		out, err := l.attempt(ctx, p)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		l.logger.Warn("translation request failed, retrying", "error", err, "tries_left", tries-1)
		if tries > 1 {
			select {
			case <-time.After(l.backoff):
			case <-ctx.Done():
				return "", fmt.Errorf("%w: %v", ErrTranslate, ctx.Err())
			}
		}
	}
	return "", fmt.Errorf("%w: failed after retries: %v", ErrTranslate, lastErr)
}

func (l *LLM) attempt(ctx context.Context, p string) (string, error) {
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}
	out, err := l.gen.Generate(ctx, p)
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", ErrEmptyOutput
	}
	return out, nil
}

func prompt(text, source, target string) string {
	return fmt.Sprintf(
		"Translate the following %s text into %s. "+
			"Reply with the translation only, without quotes or explanations.\n\n%s",
		languages.Name(source), languages.Name(target), text,
	)
}
