// SPDX-FileCopyrightText: 2026 Nextcloud GmbH and Nextcloud contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package handlers

type CallRequest struct {
	CallID string `json:"callId"`
}

type OutputRequest struct {
	CallID  string `json:"callId"`
	Enabled bool   `json:"enabled"`
}

type RecordRequest struct {
	MeetingID string `json:"meetingId"`
	UserID    string `json:"userId,omitempty"`
}

// ProblemResponse is returned with every 500.
type ProblemResponse struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Status int    `json:"status"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type StatusResponse struct {
	Status string `json:"status"`
}

type EnabledResponse struct {
	Enabled bool `json:"enabled"`
}

type RecordResponse struct {
	MeetingID string `json:"meetingId"`
	Record    bool   `json:"record"`
}

type CallsResponse struct {
	Calls []string `json:"calls"`
}
