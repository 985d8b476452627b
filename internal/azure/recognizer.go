// SPDX-FileCopyrightText: 2026 Nextcloud GmbH and Nextcloud contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package azure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextcloud/go_live_interpreter/internal/languages"
	"github.com/nextcloud/go_live_interpreter/internal/speech"
)

var (
	ErrAlreadyStarted = errors.New("recognizer already started")
	ErrNotStarted     = errors.New("recognizer not started")
)

type RecognizerConfig struct {
	Key    string
	Region string
	// Endpoint overrides the regional websocket URL.
	Endpoint string

	SourceLocale string
	// AutoDetectLocales enables language identification between the given
	// locales instead of a fixed SourceLocale.
	AutoDetectLocales []string
	TargetLanguages   []string
}

// Recognizer runs continuous speech translation over one websocket.
type Recognizer struct {
	cfg    RecognizerConfig
	dialer websocket.Dialer

	writeMu   sync.Mutex
	conn      *websocket.Conn
	requestID string

	started  atomic.Bool
	stopping atomic.Bool
	cancel   context.CancelFunc
	endOnce  sync.Once
	handlers speech.Handlers

	logger *slog.Logger
}

func NewRecognizer(cfg RecognizerConfig, logger *slog.Logger) *Recognizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recognizer{
		cfg:    cfg,
		dialer: websocket.Dialer{HandshakeTimeout: 30 * time.Second},
		logger: logger.With("component", "azure_recognizer", "source_locale", cfg.SourceLocale),
	}
}

func (r *Recognizer) endpoint() (string, error) {
	base := r.cfg.Endpoint
	if base == "" {
		base = fmt.Sprintf("wss://%s.stt.speech.microsoft.com/speech/translation/cognitiveservices/v1", r.cfg.Region)
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse speech endpoint: %w", err)
	}
	q := u.Query()
	q.Set("format", "detailed")
	q.Set("from", r.cfg.SourceLocale)
	if len(r.cfg.AutoDetectLocales) > 0 {
		q.Set("from", r.cfg.AutoDetectLocales[0])
		q.Set("lidEnabled", "true")
	}
	for _, lang := range r.cfg.TargetLanguages {
		q.Add("to", languages.Base(lang))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (r *Recognizer) StartContinuous(ctx context.Context, source speech.AudioSource, h speech.Handlers) error {
	if !r.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	r.handlers = h

	wsURL, err := r.endpoint()
	if err != nil {
		return err
	}
	header := http.Header{}
	header.Set("Ocp-Apim-Subscription-Key", r.cfg.Key)
	header.Set("X-ConnectionId", newRequestID())

	conn, resp, err := r.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("speech websocket dial: %s: %w", resp.Status, err)
		}
		return fmt.Errorf("speech websocket dial: %w", err)
	}
	r.conn = conn
	r.requestID = newRequestID()

	if err := r.sendConfig(); err != nil {
		conn.Close()
		return err
	}

	pumpCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel
	go r.readLoop(conn)
	go r.pumpAudio(pumpCtx, source)

	r.logger.Info("speech translation connected", "targets", r.cfg.TargetLanguages)
	return nil
}

func (r *Recognizer) sendConfig() error {
	body, err := json.Marshal(newSpeechConfig())
	if err != nil {
		return fmt.Errorf("marshal speech config: %w", err)
	}
	if err := r.write(websocket.TextMessage, textMessage(pathSpeechConfig, r.requestID, body)); err != nil {
		return fmt.Errorf("send speech config: %w", err)
	}
	if len(r.cfg.AutoDetectLocales) == 0 {
		return nil
	}
	body, err = json.Marshal(newLanguageIDContext(r.cfg.AutoDetectLocales))
	if err != nil {
		return fmt.Errorf("marshal speech context: %w", err)
	}
	if err := r.write(websocket.TextMessage, textMessage(pathSpeechContext, r.requestID, body)); err != nil {
		return fmt.Errorf("send speech context: %w", err)
	}
	return nil
}

func (r *Recognizer) write(messageType int, data []byte) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if r.conn == nil {
		return ErrNotStarted
	}
	return r.conn.WriteMessage(messageType, data)
}

// pumpAudio streams the source until it ends or the pump is canceled, then
// marks end of audio so the service finishes the turn.
func (r *Recognizer) pumpAudio(ctx context.Context, source speech.AudioSource) {
	defer func() {
		if err := r.write(websocket.BinaryMessage, audioMessage(r.requestID, nil)); err != nil {
			r.logger.Debug("failed to send end of audio", "error", err)
		}
	}()

	if err := r.write(websocket.BinaryMessage, audioMessage(r.requestID, wavHeader())); err != nil {
		r.logger.Warn("failed to send audio header", "error", err)
		return
	}
	for {
		chunk, err := source.Read(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				r.logger.Warn("audio source read failed", "error", err)
			}
			return
		}
		if len(chunk) == 0 {
			continue
		}
		if err := r.write(websocket.BinaryMessage, audioMessage(r.requestID, chunk)); err != nil {
			r.logger.Warn("failed to stream audio", "error", err)
			return
		}
	}
}

func (r *Recognizer) readLoop(conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if r.stopping.Load() {
				r.end(speech.EndCompleted, nil)
			} else {
				r.end(speech.EndCanceled, fmt.Errorf("speech websocket: %w", err))
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		msg, err := parseTextMessage(data)
		if err != nil {
			r.logger.Warn("ignoring speech message", "error", err)
			continue
		}
		if done := r.handle(msg); done {
			return
		}
	}
}

// handle dispatches one message and reports whether the session is over.
func (r *Recognizer) handle(msg *Message) bool {
	switch msg.Path() {
	case pathTranslationHyp, pathSpeechHypothesis:
		if res, ok := r.result(msg); ok && r.handlers.OnPartial != nil {
			r.handlers.OnPartial(res)
		}
	case pathTranslationPhrase, pathSpeechPhrase:
		res, ok := r.result(msg)
		if ok && res.Text != "" && r.handlers.OnFinal != nil {
			r.handlers.OnFinal(res)
		}
	case pathTurnEnd:
		r.logger.Info("speech turn ended", "stopping", r.stopping.Load())
		r.end(speech.EndCompleted, nil)
		return true
	case pathTurnStart, pathSpeechStart, pathSpeechEnd:
		r.logger.Debug("speech event", "path", msg.Path())
	default:
		r.logger.Debug("unhandled speech message", "path", msg.Path())
	}
	return false
}

func (r *Recognizer) result(msg *Message) (speech.Result, bool) {
	var p phrase
	if err := json.Unmarshal(msg.Body, &p); err != nil {
		r.logger.Warn("failed to parse speech result", "path", msg.Path(), "error", err)
		return speech.Result{}, false
	}
	if p.RecognitionStatus != "" && p.RecognitionStatus != "Success" {
		r.logger.Debug("no recognition", "status", p.RecognitionStatus)
		return speech.Result{}, false
	}

	res := speech.Result{Text: p.Text}
	if res.Text == "" {
		res.Text = p.DisplayText
	}
	res.Text = strings.TrimSpace(res.Text)
	if p.PrimaryLanguage != nil {
		res.DetectedLanguage = p.PrimaryLanguage.Language
	}
	if p.Translation != nil && len(p.Translation.Translations) > 0 {
		res.Translations = make(map[string]string, len(p.Translation.Translations))
		for _, t := range p.Translation.Translations {
			res.Translations[languages.Base(t.Language)] = t.Text
		}
	}
	return res, true
}

func (r *Recognizer) end(reason speech.EndReason, err error) {
	r.endOnce.Do(func() {
		if r.handlers.OnSessionEnded != nil {
			r.handlers.OnSessionEnded(reason, err)
		}
	})
}

// StopContinuous ends the audio stream; the service answers with turn.end.
func (r *Recognizer) StopContinuous(context.Context) error {
	if !r.started.Load() || r.cancel == nil {
		return ErrNotStarted
	}
	r.stopping.Store(true)
	r.cancel()
	return nil
}

func (r *Recognizer) Close() error {
	r.stopping.Store(true)
	if r.cancel != nil {
		r.cancel()
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if r.conn == nil {
		return nil
	}
	_ = r.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	err := r.conn.Close()
	r.conn = nil
	return err
}
