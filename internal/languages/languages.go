// SPDX-FileCopyrightText: 2026 Nextcloud GmbH and Nextcloud contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package languages

import (
	"sort"
	"strings"
)

type LanguageModel struct {
	Name      string `json:"name"`
	Locale    string `json:"locale"`
	Voice     string `json:"voice"`
	VoskModel string `json:"-"`
}

// LanguageMap is keyed by the short code stored in language settings.
var LanguageMap = map[string]LanguageModel{
	"vi": {Name: "Vietnamese", Locale: "vi-VN", Voice: "vi-VN-HoaiMyNeural", VoskModel: "vosk-model-small-vn-0.4"},
	"en": {Name: "English", Locale: "en-US", Voice: "en-US-JennyNeural", VoskModel: "vosk-model-small-en-us-0.15"},
	"fr": {Name: "French", Locale: "fr-FR", Voice: "fr-FR-DeniseNeural", VoskModel: "vosk-model-small-fr-0.22"},
	"zh": {Name: "Chinese", Locale: "zh-CN", Voice: "zh-CN-XiaoxiaoNeural", VoskModel: "vosk-model-small-cn-0.22"},
	"es": {Name: "Spanish", Locale: "es-ES", Voice: "es-ES-ElviraNeural", VoskModel: "vosk-model-small-es-0.42"},
	"de": {Name: "German", Locale: "de-DE", Voice: "de-DE-KatjaNeural", VoskModel: "vosk-model-small-de-0.15"},
	"ja": {Name: "Japanese", Locale: "ja-JP", Voice: "ja-JP-AoiNeural", VoskModel: "vosk-model-small-ja-0.22"},
}

func IsSupported(code string) bool {
	_, ok := LanguageMap[Base(code)]
	return ok
}

// Base reduces a locale ("vi-VN", "zh_CN") to its language code ("vi", "zh").
func Base(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	if i := strings.IndexAny(code, "-_"); i >= 0 {
		code = code[:i]
	}
	return code
}

// Same reports whether two codes name the same language, ignoring region.
func Same(a, b string) bool {
	return a != "" && Base(a) == Base(b)
}

// Locale returns the recognition locale for code, falling back to code itself.
func Locale(code string) string {
	if lm, ok := LanguageMap[Base(code)]; ok {
		return lm.Locale
	}
	return code
}

func Voice(code string) string {
	return LanguageMap[Base(code)].Voice
}

func Name(code string) string {
	if lm, ok := LanguageMap[Base(code)]; ok {
		return lm.Name
	}
	return code
}

// VoskModels lists the offline model directory of every language, sorted.
func VoskModels() []string {
	var models []string
	for _, lm := range LanguageMap {
		if lm.VoskModel != "" {
			models = append(models, lm.VoskModel)
		}
	}
	sort.Strings(models)
	return models
}
