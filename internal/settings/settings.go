// SPDX-FileCopyrightText: 2026 Nextcloud GmbH and Nextcloud contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package settings

import (
	"context"
	"errors"
)

const (
	DefaultSourceLanguage = "vi"
	DefaultTargetLanguage = "en"
)

var ErrNotFound = errors.New("setting not found")

type LanguageSetting struct {
	MeetingID      string `json:"meetingId"`
	SourceLanguage string `json:"sourceLanguage"`
	TargetLanguage string `json:"targetLanguage"`
}

func DefaultLanguageSetting(meetingID string) LanguageSetting {
	return LanguageSetting{
		MeetingID:      meetingID,
		SourceLanguage: DefaultSourceLanguage,
		TargetLanguage: DefaultTargetLanguage,
	}
}

type RecordSetting struct {
	MeetingID string `json:"meetingId"`
	Record    bool   `json:"record"`
	UserID    string `json:"userId,omitempty"`
}

// Store persists per-meeting settings. Getters return ErrNotFound when the
// meeting has no record yet.
type Store interface {
	GetLanguage(ctx context.Context, meetingID string) (LanguageSetting, error)
	SaveLanguage(ctx context.Context, setting LanguageSetting) error
	GetRecord(ctx context.Context, meetingID string) (RecordSetting, error)
	SaveRecord(ctx context.Context, setting RecordSetting) error
}

func recordKey(meetingID string) string {
	return meetingID + "_record"
}
