// SPDX-FileCopyrightText: 2026 Nextcloud GmbH and Nextcloud contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package settings

import (
	"context"
	"errors"
	"log/slog"
)

// Session is the settings snapshot a call captures when its pipeline starts.
type Session struct {
	Language         LanguageSetting
	RecordingEnabled bool
}

// Resolver reads through to the store on every call; nothing is cached, since
// different calls carry different settings and may change between calls.
type Resolver struct {
	store  Store
	logger *slog.Logger
}

func NewResolver(store Store) *Resolver {
	return &Resolver{
		store:  store,
		logger: slog.With("component", "settings_resolver"),
	}
}

// Resolve never fails: a missing record or an unavailable store yields the
// defaults (vi → en, recording off).
func (r *Resolver) Resolve(ctx context.Context, callID string) Session {
	session := Session{Language: DefaultLanguageSetting(callID)}

	lang, err := r.store.GetLanguage(ctx, callID)
	switch {
	case err == nil:
		if lang.SourceLanguage != "" {
			session.Language.SourceLanguage = lang.SourceLanguage
		}
		if lang.TargetLanguage != "" {
			session.Language.TargetLanguage = lang.TargetLanguage
		}
	case errors.Is(err, ErrNotFound):
		r.logger.Debug("no language setting, using defaults", "call_id", callID)
	default:
		r.logger.Warn("failed to read language setting, using defaults", "call_id", callID, "error", err)
	}

	rec, err := r.store.GetRecord(ctx, callID)
	switch {
	case err == nil:
		session.RecordingEnabled = rec.Record
	case !errors.Is(err, ErrNotFound):
		r.logger.Warn("failed to read record setting", "call_id", callID, "error", err)
	}

	r.logger.Info("resolved call settings",
		"call_id", callID,
		"source_lang", session.Language.SourceLanguage,
		"target_lang", session.Language.TargetLanguage,
		"recording", session.RecordingEnabled,
	)
	return session
}
