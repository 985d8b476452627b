// SPDX-FileCopyrightText: 2026 Nextcloud GmbH and Nextcloud contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package appapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextcloud/go_live_interpreter/internal/config"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, r.Header.Get("X-Auth-Username"))
	})
}

func TestAuthMiddleware(t *testing.T) {
	cfg := &config.Config{AppID: "live_interpreter", ControlSecret: "s3cret"}
	h := AuthMiddleware(cfg, map[string]bool{"/heartbeat": true}, okHandler())

	tests := []struct {
		name   string
		path   string
		appID  string
		auth   string
		status int
	}{
		{"skipped path", "/heartbeat", "", "", http.StatusOK},
		{"missing headers", "/api/v1/record", "", "", http.StatusUnauthorized},
		{"wrong app id", "/api/v1/record", "other", encodeAuth("admin", "s3cret"), http.StatusUnauthorized},
		{"wrong secret", "/api/v1/record", "live_interpreter", encodeAuth("admin", "nope"), http.StatusUnauthorized},
		{"garbage header", "/api/v1/record", "live_interpreter", "!!!", http.StatusUnauthorized},
		{"valid", "/api/v1/record", "live_interpreter", encodeAuth("admin", "s3cret"), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, tt.path, http.NoBody)
			if tt.appID != "" {
				req.Header.Set("EX-APP-ID", tt.appID)
			}
			if tt.auth != "" {
				req.Header.Set("AUTHORIZATION-APP-API", tt.auth)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestAuthMiddlewarePassesUsername(t *testing.T) {
	cfg := &config.Config{ControlSecret: "s3cret"}
	h := AuthMiddleware(cfg, nil, okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/record", http.NoBody)
	req.Header.Set("AUTHORIZATION-APP-API", encodeAuth("alice", "s3cret"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", rec.Body.String())
}

func TestAuthMiddlewareDisabledWithoutSecret(t *testing.T) {
	h := AuthMiddleware(&config.Config{}, nil, okHandler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/record", http.NoBody))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSignalingSettings(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, signalingSettingsPath, r.URL.Path)
		assert.Equal(t, "true", r.Header.Get("OCS-APIRequest"))
		assert.Equal(t, "live_interpreter", r.Header.Get("EX-APP-ID"))
		assert.Equal(t, encodeAuth("admin", "s3cret"), r.Header.Get("AUTHORIZATION-APP-API"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ocs": map[string]any{
				"data": map[string]any{
					"server":      "https://hpb.example.com",
					"stunservers": []map[string]any{{"urls": []string{"stun:stun.example.com:443"}}},
					"turnservers": []map[string]any{{"urls": []string{"turn:turn.example.com"}, "username": "u", "credential": "c"}},
				},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(&config.Config{AppID: "live_interpreter", ControlSecret: "s3cret", NextcloudURL: srv.URL})
	settings, err := c.SignalingSettings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "https://hpb.example.com", settings.Server)
	require.Len(t, settings.TurnServers, 1)
	assert.Equal(t, "u", settings.TurnServers[0].Username)
}

func TestSetInitStatus(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/ocs/v1.php/apps/app_api/apps/status/live_interpreter", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, _ = io.WriteString(w, `{"ocs":{"data":[]}}`)
	}))
	defer srv.Close()

	c := NewClient(&config.Config{AppID: "live_interpreter", NextcloudURL: srv.URL})
	require.NoError(t, c.SetInitStatus(context.Background(), 100))
	assert.EqualValues(t, 100, body["progress"])
}

func TestOCSErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewClient(&config.Config{NextcloudURL: srv.URL})
	_, err := c.OCSGet(context.Background(), "/ocs/v2.php/anything", "")
	assert.ErrorContains(t, err, "status 403")
}
