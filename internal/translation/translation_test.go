// SPDX-FileCopyrightText: 2026 Nextcloud GmbH and Nextcloud contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package translation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextcloud/go_live_interpreter/internal/config"
)

func TestEngineReturnsTargetTranslation(t *testing.T) {
	e := NewEngine(nil)
	got := e.Translate(context.Background(), Request{
		Text:             "xin chào",
		SourceLanguage:   "vi",
		TargetLanguage:   "en",
		DetectedLanguage: "vi-VN",
		Translations:     map[string]string{"en": " hello "},
	})
	assert.Equal(t, "hello", got)
}

func TestEngineMatchesTargetByBaseCode(t *testing.T) {
	e := NewEngine(nil)
	got := e.Translate(context.Background(), Request{
		Text:           "hello",
		SourceLanguage: "en",
		TargetLanguage: "zh",
		Translations:   map[string]string{"zh-Hans": "你好"},
	})
	assert.Equal(t, "你好", got)
}

func TestEngineSkipsLanguageMismatch(t *testing.T) {
	e := NewEngine(nil)
	got := e.Translate(context.Background(), Request{
		Text:             "hello",
		SourceLanguage:   "vi",
		TargetLanguage:   "en",
		DetectedLanguage: "en-US",
		Translations:     map[string]string{"en": "hello"},
	})
	assert.Empty(t, got)
}

func TestEngineEmptyInput(t *testing.T) {
	e := NewEngine(nil)
	assert.Empty(t, e.Translate(context.Background(), Request{
		Text:         "  ",
		Translations: map[string]string{"en": "x"},
	}))
	assert.Empty(t, e.Translate(context.Background(), Request{
		Text:           "xin chào",
		SourceLanguage: "vi",
		TargetLanguage: "en",
	}))
}

type fakeGenerator struct {
	mu      sync.Mutex
	prompts []string
	replies []string
	errs    []error
}

func (g *fakeGenerator) Generate(_ context.Context, prompt string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	i := len(g.prompts)
	g.prompts = append(g.prompts, prompt)
	var err error
	if i < len(g.errs) {
		err = g.errs[i]
	}
	if err != nil {
		return "", err
	}
	if i < len(g.replies) {
		return g.replies[i], nil
	}
	return "", nil
}

func newTestLLM(gen Generator) *LLM {
	l := NewLLM(gen, nil)
	l.backoff = time.Millisecond
	return l
}

func TestLLMTranslates(t *testing.T) {
	gen := &fakeGenerator{replies: []string{"  Hello there.\n"}}
	l := newTestLLM(gen)

	got := l.Translate(context.Background(), Request{
		Text:           "Xin chào",
		SourceLanguage: "vi",
		TargetLanguage: "en",
	})
	assert.Equal(t, "Hello there.", got)
	require.Len(t, gen.prompts, 1)
	assert.Contains(t, gen.prompts[0], "Vietnamese")
	assert.Contains(t, gen.prompts[0], "English")
	assert.True(t, strings.HasSuffix(gen.prompts[0], "Xin chào"))
}

func TestLLMIgnoresDetectionMismatch(t *testing.T) {
	gen := &fakeGenerator{replies: []string{"Xin chào"}}
	l := newTestLLM(gen)

	got := l.Translate(context.Background(), Request{
		Text:             "Hello",
		SourceLanguage:   "en",
		TargetLanguage:   "vi",
		DetectedLanguage: "vi-VN",
	})
	assert.Equal(t, "Xin chào", got)
}

func TestLLMRetries(t *testing.T) {
	gen := &fakeGenerator{
		errs:    []error{errors.New("503"), nil},
		replies: []string{"", "Hello"},
	}
	l := newTestLLM(gen)

	assert.Equal(t, "Hello", l.Translate(context.Background(), Request{Text: "Xin chào", SourceLanguage: "vi", TargetLanguage: "en"}))
	assert.Len(t, gen.prompts, 2)
}

func TestLLMFailureReturnsEmpty(t *testing.T) {
	boom := errors.New("quota exceeded")
	gen := &fakeGenerator{errs: []error{boom, boom, boom, boom}}
	l := newTestLLM(gen)

	assert.Empty(t, l.Translate(context.Background(), Request{Text: "Xin chào", SourceLanguage: "vi", TargetLanguage: "en"}))
	assert.Len(t, gen.prompts, l.retries)
}

func TestLLMEmptyOutputIsFailure(t *testing.T) {
	gen := &fakeGenerator{replies: []string{" ", "", ""}}
	l := newTestLLM(gen)

	assert.Empty(t, l.Translate(context.Background(), Request{Text: "Xin chào", SourceLanguage: "vi", TargetLanguage: "en"}))
}

func TestLLMEmptyInputSkipsCall(t *testing.T) {
	gen := &fakeGenerator{}
	l := newTestLLM(gen)

	assert.Empty(t, l.Translate(context.Background(), Request{Text: "\n"}))
	assert.Empty(t, gen.prompts)
}

func TestNewSelectsBackend(t *testing.T) {
	b, err := New(&config.Config{TranslationBackend: config.BackendEngine}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "engine", b.Name())

	b, err = New(&config.Config{TranslationBackend: config.BackendLLM}, &fakeGenerator{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "llm", b.Name())

	_, err = New(&config.Config{TranslationBackend: config.BackendLLM}, nil, nil)
	assert.ErrorIs(t, err, ErrUnknownBackend)

	_, err = New(&config.Config{TranslationBackend: "deepl"}, nil, nil)
	assert.ErrorIs(t, err, ErrUnknownBackend)
}
