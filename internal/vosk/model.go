// SPDX-FileCopyrightText: 2026 Nextcloud GmbH and Nextcloud contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package vosk runs offline speech recognition for the language model
// translation mode.
package vosk

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	vosk "github.com/alphacep/vosk-api/go"

	"github.com/nextcloud/go_live_interpreter/internal/languages"
)

// ModelManager shares loaded models between recognizers and frees a model
// when its last user releases it.
type ModelManager struct {
	mu     sync.Mutex
	dir    string
	models map[string]*modelEntry
	logger *slog.Logger
}

type modelEntry struct {
	model    *vosk.VoskModel
	refCount int
}

var setLogLevelOnce sync.Once

func NewModelManager(dir string) *ModelManager {
	setLogLevelOnce.Do(func() {
		vosk.SetLogLevel(-1) // suppress vosk's own logs
	})
	return &ModelManager{
		dir:    dir,
		models: make(map[string]*modelEntry),
		logger: slog.With("component", "model_manager"),
	}
}

func (mm *ModelManager) modelPath(lang string) (string, error) {
	lm, ok := languages.LanguageMap[languages.Base(lang)]
	if !ok || lm.VoskModel == "" {
		return "", fmt.Errorf("no model available for language: %s", lang)
	}
	return filepath.Join(mm.dir, lm.VoskModel), nil
}

func (mm *ModelManager) GetModel(lang string) (*vosk.VoskModel, error) {
	lang = languages.Base(lang)

	mm.mu.Lock()
	defer mm.mu.Unlock()

	if entry, ok := mm.models[lang]; ok {
		entry.refCount++
		mm.logger.Info("reusing cached model", "lang", lang, "ref_count", entry.refCount)
		return entry.model, nil
	}

	modelPath, err := mm.modelPath(lang)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(modelPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("model directory not found: %s", modelPath)
	}

	mm.logger.Info("loading vosk model", "lang", lang, "path", modelPath)
	model, err := vosk.NewModel(modelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load vosk model for %s: %w", lang, err)
	}

	mm.models[lang] = &modelEntry{model: model, refCount: 1}
	mm.logger.Info("vosk model loaded", "lang", lang)
	return model, nil
}

func (mm *ModelManager) ReleaseModel(lang string) {
	lang = languages.Base(lang)

	mm.mu.Lock()
	defer mm.mu.Unlock()

	entry, ok := mm.models[lang]
	if !ok {
		return
	}

	entry.refCount--
	mm.logger.Info("released model", "lang", lang, "ref_count", entry.refCount)

	if entry.refCount <= 0 {
		entry.model.Free()
		delete(mm.models, lang)
		mm.logger.Info("freed vosk model", "lang", lang)
	}
}

func (mm *ModelManager) IsModelAvailable(lang string) bool {
	modelPath, err := mm.modelPath(lang)
	if err != nil {
		return false
	}
	info, err := os.Stat(modelPath)
	if err != nil {
		return false
	}
	return info.IsDir()
}

func (mm *ModelManager) ListAvailableModels() []string {
	var available []string
	for lang := range languages.LanguageMap {
		if mm.IsModelAvailable(lang) {
			available = append(available, lang)
		}
	}
	return available
}
