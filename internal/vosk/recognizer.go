// SPDX-FileCopyrightText: 2026 Nextcloud GmbH and Nextcloud contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package vosk

/*
#include <malloc.h>
*/
import "C"

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	vosk "github.com/alphacep/vosk-api/go"

	"github.com/nextcloud/go_live_interpreter/internal/constants"
	"github.com/nextcloud/go_live_interpreter/internal/speech"
)

var ErrAlreadyStarted = errors.New("vosk recognizer already started")

type voskResult struct {
	Partial string `json:"partial,omitempty"`
	Text    string `json:"text,omitempty"`
}

// maxChunksBeforeForceFinalize forces a FinalResult() call after this many
// chunks without a natural final result, preventing unbounded memory growth.
// At 16kHz with 320-sample chunks (20ms each), 500 chunks = 10 seconds.
const maxChunksBeforeForceFinalize = 500

// Recognizer transcribes one language continuously. It never translates, so
// results carry no translations and no detected language.
type Recognizer struct {
	mu               sync.Mutex
	rec              *vosk.VoskRecognizer
	model            *vosk.VoskModel
	models           *ModelManager
	language         string
	chunksSinceFinal int

	started  atomic.Bool
	stopping atomic.Bool
	cancel   context.CancelFunc
	handlers speech.Handlers

	logger *slog.Logger
}

func NewRecognizer(models *ModelManager, language string, logger *slog.Logger) *Recognizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recognizer{
		models:   models,
		language: language,
		logger:   logger.With("component", "vosk_recognizer", "lang", language),
	}
}

func (r *Recognizer) StartContinuous(ctx context.Context, source speech.AudioSource, h speech.Handlers) error {
	if !r.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	model, err := r.models.GetModel(r.language)
	if err != nil {
		return err
	}
	rec, err := vosk.NewRecognizer(model, constants.SampleRate)
	if err != nil {
		r.models.ReleaseModel(r.language)
		return fmt.Errorf("create vosk recognizer: %w", err)
	}
	rec.SetWords(0) // no word-level timing

	r.mu.Lock()
	r.model = model
	r.rec = rec
	r.handlers = h
	r.mu.Unlock()

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel
	go r.run(loopCtx, source)
	return nil
}

func (r *Recognizer) run(ctx context.Context, source speech.AudioSource) {
	r.logger.Debug("vosk recognition loop started")
	defer r.logger.Debug("vosk recognition loop stopped")

	for {
		chunk, err := source.Read(ctx)
		if err != nil {
			r.flush()
			switch {
			case r.stopping.Load(), errors.Is(err, io.EOF):
				r.end(speech.EndCompleted, nil)
			default:
				r.end(speech.EndCanceled, fmt.Errorf("read audio: %w", err))
			}
			return
		}
		if len(chunk) == 0 {
			continue
		}
		if err := r.feedAudio(chunk); err != nil {
			r.end(speech.EndCanceled, err)
			return
		}
	}
}

func (r *Recognizer) feedAudio(pcmData []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.rec == nil {
		return nil
	}
	r.chunksSinceFinal++

	switch {
	case r.rec.AcceptWaveform(pcmData) != 0:
		// Natural final result
		resultJSON := r.rec.Result()
		r.logger.Debug("vosk final result", "json", resultJSON)
		r.emit(resultJSON, true)
		r.chunksSinceFinal = 0
	case r.chunksSinceFinal >= maxChunksBeforeForceFinalize:
		// Force finalization to prevent unbounded C-side memory growth
		resultJSON := r.rec.FinalResult()
		r.logger.Debug("vosk forced final", "json", resultJSON, "chunks", r.chunksSinceFinal)
		r.emit(resultJSON, true)
		r.chunksSinceFinal = 0
		// Recreate the recognizer to fully release C memory
		return r.resetRecognizer()
	default:
		r.emit(r.rec.PartialResult(), false)
	}
	return nil
}

// flush emits whatever the recognizer still holds.
func (r *Recognizer) flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rec == nil || r.chunksSinceFinal == 0 {
		return
	}
	r.emit(r.rec.FinalResult(), true)
	r.chunksSinceFinal = 0
}

// Must be called with r.mu held.
func (r *Recognizer) emit(resultJSON string, isFinal bool) {
	var result voskResult
	if err := json.Unmarshal([]byte(resultJSON), &result); err != nil {
		return
	}

	text := result.Partial
	if isFinal {
		text = result.Text
	}
	if text == "" || text == "the" {
		return
	}

	res := speech.Result{Text: text}
	if isFinal {
		if r.handlers.OnFinal != nil {
			r.handlers.OnFinal(res)
		}
		return
	}
	if r.handlers.OnPartial != nil {
		r.handlers.OnPartial(res)
	}
}

// Must be called with r.mu held.
func (r *Recognizer) resetRecognizer() error {
	if r.rec != nil {
		r.rec.Free()
		r.rec = nil
	}
	// Force glibc to return freed pages to OS
	C.malloc_trim(0)

	newRec, err := vosk.NewRecognizer(r.model, constants.SampleRate)
	if err != nil {
		r.logger.Error("failed to recreate recognizer", "error", err)
		return fmt.Errorf("recreate vosk recognizer: %w", err)
	}
	newRec.SetWords(0)
	r.rec = newRec
	r.logger.Debug("recognizer reset")
	return nil
}

func (r *Recognizer) end(reason speech.EndReason, err error) {
	if r.handlers.OnSessionEnded != nil {
		r.handlers.OnSessionEnded(reason, err)
	}
}

// StopContinuous stops reading audio; the loop flushes and reports the end.
func (r *Recognizer) StopContinuous(context.Context) error {
	r.stopping.Store(true)
	if r.cancel != nil {
		r.cancel()
	}
	return nil
}

func (r *Recognizer) Close() error {
	r.stopping.Store(true)
	if r.cancel != nil {
		r.cancel()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.rec != nil {
		r.rec.Free()
		r.rec = nil
	}
	// the model is held from start until close, even without a recognizer
	if r.model != nil {
		r.model = nil
		r.models.ReleaseModel(r.language)
	}
	r.logger.Debug("recognizer closed")
	return nil
}
