// SPDX-FileCopyrightText: 2026 Nextcloud GmbH and Nextcloud contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package azure

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/nextcloud/go_live_interpreter/internal/languages"
)

var ErrSynthesis = errors.New("speech synthesis failed")

// outputFormat matches the recognition input: 16 kHz 16-bit mono PCM.
const outputFormat = "raw-16khz-16bit-mono-pcm"

type SynthesizerConfig struct {
	Key    string
	Region string
	// Endpoint overrides the regional REST URL.
	Endpoint string
}

// Synthesizer calls the text to speech REST API.
type Synthesizer struct {
	cfg    SynthesizerConfig
	client *http.Client
	logger *slog.Logger
}

func NewSynthesizer(cfg SynthesizerConfig, logger *slog.Logger) *Synthesizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synthesizer{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger.With("component", "azure_synthesizer"),
	}
}

func (s *Synthesizer) endpoint() string {
	if s.cfg.Endpoint != "" {
		return s.cfg.Endpoint
	}
	return fmt.Sprintf("https://%s.tts.speech.microsoft.com/cognitiveservices/v1", s.cfg.Region)
}

// Synthesize renders text with the neural voice configured for language.
func (s *Synthesizer) Synthesize(ctx context.Context, text, language string) ([]byte, error) {
	body, err := ssml(text, language)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create synthesis request: %w", err)
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", s.cfg.Key)
	req.Header.Set("Content-Type", "application/ssml+xml")
	req.Header.Set("X-Microsoft-OutputFormat", outputFormat)
	req.Header.Set("User-Agent", "go_live_interpreter")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSynthesis, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%w: status %d: %s", ErrSynthesis, resp.StatusCode, bytes.TrimSpace(msg))
	}

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read audio: %v", ErrSynthesis, err)
	}
	s.logger.Debug("synthesized speech", "lang", language, "bytes", len(pcm))
	return pcm, nil
}

func ssml(text, language string) ([]byte, error) {
	voice := languages.Voice(language)
	if voice == "" {
		return nil, fmt.Errorf("%w: no voice for language %q", ErrSynthesis, language)
	}

	var escaped bytes.Buffer
	if err := xml.EscapeText(&escaped, []byte(text)); err != nil {
		return nil, fmt.Errorf("escape ssml text: %w", err)
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "<speak version='1.0' xml:lang='%s'>", languages.Locale(language))
	fmt.Fprintf(&b, "<voice name='%s'>", voice)
	b.Write(escaped.Bytes())
	b.WriteString("</voice></speak>")
	return b.Bytes(), nil
}
