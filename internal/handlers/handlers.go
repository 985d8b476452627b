// SPDX-FileCopyrightText: 2026 Nextcloud GmbH and Nextcloud contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package handlers serves the control API: AppAPI lifecycle, meeting
// settings and call membership.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sort"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nextcloud/go_live_interpreter/internal/languages"
	"github.com/nextcloud/go_live_interpreter/internal/settings"
)

// CallManager joins and leaves calls.
type CallManager interface {
	JoinCall(ctx context.Context, callID string) error
	LeaveCall(callID string) bool
	SetOutputEnabled(callID string, enabled bool) bool
	ActiveCalls() []string
}

// StatusReporter tells AppAPI how far initialization got.
type StatusReporter interface {
	SetInitStatus(ctx context.Context, progress int) error
}

type Handler struct {
	Store  settings.Store
	Calls  CallManager
	Status StatusReporter

	// Prepare runs on /init before success is reported; nil reports
	// success right away.
	Prepare func(ctx context.Context) error

	Enabled atomic.Bool
}

func NewHandler(store settings.Store, calls CallManager, status StatusReporter) *Handler {
	return &Handler{
		Store:  store,
		Calls:  calls,
		Status: status,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

// writeProblem reports an internal failure with the error message as title
// and the stack as detail.
func writeProblem(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusInternalServerError, ProblemResponse{
		Title:  err.Error(),
		Detail: string(debug.Stack()),
		Status: http.StatusInternalServerError,
	})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return false
	}
	return true
}

func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

func (h *Handler) SetEnabled(w http.ResponseWriter, r *http.Request) {
	enabledParam := r.URL.Query().Get("enabled")
	enabled := enabledParam == "1" || enabledParam == "true"

	h.Enabled.Store(enabled)
	slog.Info("app enabled state changed", "enabled", enabled)

	if !enabled {
		for _, callID := range h.Calls.ActiveCalls() {
			h.Calls.LeaveCall(callID)
		}
	}
	writeJSON(w, http.StatusOK, ErrorResponse{Error: ""})
}

func (h *Handler) GetEnabled(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, EnabledResponse{Enabled: h.Enabled.Load()})
}

func (h *Handler) Init(w http.ResponseWriter, r *http.Request) {
	slog.Info("init called")
	writeJSON(w, http.StatusOK, struct{}{})

	// prepare and report completion in background
	go func() {
		ctx := context.WithoutCancel(r.Context())
		if h.Prepare != nil {
			if err := h.Prepare(ctx); err != nil {
				slog.Error("init failed", "error", err)
				if statusErr := h.Status.SetInitStatus(ctx, -1); statusErr != nil {
					slog.Error("failed to report init failure", "error", statusErr)
				}
				return
			}
		}
		if err := h.Status.SetInitStatus(ctx, 100); err != nil {
			slog.Error("failed to report init status", "error", err)
		}
	}()
}

func (h *Handler) GetLanguages(w http.ResponseWriter, r *http.Request) {
	codes := make([]string, 0, len(languages.LanguageMap))
	for code := range languages.LanguageMap {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	out := make([]map[string]string, 0, len(codes))
	for _, code := range codes {
		out = append(out, map[string]string{
			"code":   code,
			"name":   languages.Name(code),
			"locale": languages.Locale(code),
			"voice":  languages.Voice(code),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// SaveLanguage stores the language pair a meeting uses from its next start.
func (h *Handler) SaveLanguage(w http.ResponseWriter, r *http.Request) {
	var req settings.LanguageSetting
	if !decode(w, r, &req) {
		return
	}
	slog.Info("saving language setting",
		"meeting_id", req.MeetingID,
		"source_lang", req.SourceLanguage,
		"target_lang", req.TargetLanguage,
	)

	if req.MeetingID == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "meetingId is required"})
		return
	}
	if !languages.IsSupported(req.SourceLanguage) || !languages.IsSupported(req.TargetLanguage) {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid or unsupported language ID provided."})
		return
	}

	if err := h.Store.SaveLanguage(r.Context(), req); err != nil {
		slog.Error("failed to save language setting", "meeting_id", req.MeetingID, "error", err)
		writeProblem(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageResponse{Message: "Language setting saved."})
}

// ToggleRecord flips the recording flag of a meeting.
func (h *Handler) ToggleRecord(w http.ResponseWriter, r *http.Request) {
	var req RecordRequest
	if !decode(w, r, &req) {
		return
	}
	if req.MeetingID == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "meetingId is required"})
		return
	}

	current, err := h.Store.GetRecord(r.Context(), req.MeetingID)
	if err != nil && !errors.Is(err, settings.ErrNotFound) {
		slog.Error("failed to read record setting", "meeting_id", req.MeetingID, "error", err)
		writeProblem(w, err)
		return
	}

	next := settings.RecordSetting{MeetingID: req.MeetingID, Record: !current.Record, UserID: req.UserID}
	if err := h.Store.SaveRecord(r.Context(), next); err != nil {
		slog.Error("failed to save record setting", "meeting_id", req.MeetingID, "error", err)
		writeProblem(w, err)
		return
	}

	slog.Info("record setting toggled", "meeting_id", req.MeetingID, "record", next.Record)
	writeJSON(w, http.StatusOK, RecordResponse{MeetingID: next.MeetingID, Record: next.Record})
}

func (h *Handler) JoinCall(w http.ResponseWriter, r *http.Request) {
	var req CallRequest
	if !decode(w, r, &req) {
		return
	}
	if req.CallID == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "callId is required"})
		return
	}
	if err := h.Calls.JoinCall(r.Context(), req.CallID); err != nil {
		slog.Error("join call failed", "call_id", req.CallID, "error", err)
		writeProblem(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageResponse{Message: "Joined call."})
}

func (h *Handler) LeaveCall(w http.ResponseWriter, r *http.Request) {
	var req CallRequest
	if !decode(w, r, &req) {
		return
	}

	if !h.Calls.LeaveCall(req.CallID) {
		slog.Info("no active call, ignoring leave request", "call_id", req.CallID)
	}
	writeJSON(w, http.StatusOK, MessageResponse{Message: "Leave call request processed."})
}

func (h *Handler) SetOutput(w http.ResponseWriter, r *http.Request) {
	var req OutputRequest
	if !decode(w, r, &req) {
		return
	}
	if !h.Calls.SetOutputEnabled(req.CallID, req.Enabled) {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "no active call"})
		return
	}
	writeJSON(w, http.StatusOK, MessageResponse{Message: "Audio output updated."})
}

func (h *Handler) ListCalls(w http.ResponseWriter, r *http.Request) {
	calls := h.Calls.ActiveCalls()
	sort.Strings(calls)
	writeJSON(w, http.StatusOK, CallsResponse{Calls: calls})
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /heartbeat", h.Heartbeat)
	mux.HandleFunc("PUT /enabled", h.SetEnabled)
	mux.HandleFunc("GET /enabled", h.GetEnabled)
	mux.HandleFunc("POST /init", h.Init)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /api/v1/languages", h.GetLanguages)
	mux.HandleFunc("POST /api/v1/language-settings", h.SaveLanguage)
	mux.HandleFunc("POST /api/v1/record", h.ToggleRecord)
	mux.HandleFunc("GET /api/v1/calls", h.ListCalls)
	mux.HandleFunc("POST /api/v1/call/join", h.JoinCall)
	mux.HandleFunc("POST /api/v1/call/leave", h.LeaveCall)
	mux.HandleFunc("POST /api/v1/call/output", h.SetOutput)
}
