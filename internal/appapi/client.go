// SPDX-FileCopyrightText: 2026 Nextcloud GmbH and Nextcloud contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package appapi talks to the Nextcloud server the interpreter is registered
// with: OCS requests out, request authentication in.
package appapi

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/nextcloud/go_live_interpreter/internal/config"
	"github.com/nextcloud/go_live_interpreter/internal/signaling"
)

const signalingSettingsPath = "/ocs/v2.php/apps/spreed/api/v3/signaling/settings"

type Client struct {
	appID      string
	appVersion string
	secret     string
	baseURL    string
	httpClient *http.Client
}

func NewClient(cfg *config.Config) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	skipCert := os.Getenv("SKIP_CERT_VERIFY")
	if skipCert == "true" || skipCert == "1" {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &Client{
		appID:      cfg.AppID,
		appVersion: cfg.AppVersion,
		secret:     cfg.ControlSecret,
		baseURL:    cfg.NextcloudURL,
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport,
		},
	}
}

func (c *Client) OCSGet(ctx context.Context, path, userID string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, path, userID, nil)
}

func (c *Client) OCSPut(ctx context.Context, path, userID string, body any) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPut, path, userID, body)
}

func (c *Client) do(ctx context.Context, method, path, userID string, body any) (json.RawMessage, error) {
	reqBody := io.Reader(http.NoBody)
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling body: %w", err)
		}
		reqBody = bytes.NewReader(jsonBody)
	}

	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	c.setHeaders(req, userID)
	req.Header.Set("OCS-APIRequest", "true")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		slog.Warn("OCS request failed", "method", method, "url", url, "status", resp.StatusCode, "body", string(respBody))
		return nil, fmt.Errorf("OCS %s request failed with status %d", method, resp.StatusCode)
	}

	var ocsResp struct {
		OCS struct {
			Data json.RawMessage `json:"data"`
		} `json:"ocs"`
	}
	if err := json.Unmarshal(respBody, &ocsResp); err != nil {
		return nil, fmt.Errorf("parsing OCS response: %w", err)
	}

	return ocsResp.OCS.Data, nil
}

func (c *Client) setHeaders(req *http.Request, userID string) {
	req.Header.Set("EX-APP-ID", c.appID)
	req.Header.Set("EX-APP-VERSION", c.appVersion)
	req.Header.Set("AUTHORIZATION-APP-API", encodeAuth(userID, c.secret))
	req.Header.Set("Accept", "application/json")
}

// SignalingSettings fetches the signaling server and the STUN/TURN servers
// configured in Talk.
func (c *Client) SignalingSettings(ctx context.Context) (*signaling.HPBSettings, error) {
	data, err := c.OCSGet(ctx, signalingSettingsPath, "admin")
	if err != nil {
		return nil, fmt.Errorf("fetching signaling settings: %w", err)
	}

	var settings signaling.HPBSettings
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("parsing signaling settings: %w", err)
	}

	slog.Info("signaling settings retrieved",
		"server", settings.Server,
		"stun_count", len(settings.StunServers),
		"turn_count", len(settings.TurnServers),
	)
	return &settings, nil
}

// SetInitStatus reports init progress (0-100) back to AppAPI.
// 100 means init complete and triggers auto-enable.
func (c *Client) SetInitStatus(ctx context.Context, progress int) error {
	path := fmt.Sprintf("/ocs/v1.php/apps/app_api/apps/status/%s", c.appID)
	_, err := c.OCSPut(ctx, path, "", map[string]any{
		"progress": progress,
		"error":    "",
	})
	if err != nil {
		return fmt.Errorf("setting init status: %w", err)
	}
	slog.Info("init status reported", "progress", progress)
	return nil
}

func encodeAuth(username, secret string) string {
	return base64.StdEncoding.EncodeToString([]byte(username + ":" + secret))
}
