// Package atlas is the HTTP client for the Atlas Command backend: asset
// registration, telemetry and contact reporting, and the command queue.
package atlas

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/atlas-command/edge-agent/internal/config"
	"github.com/atlas-command/edge-agent/internal/logger"
	"github.com/atlas-command/edge-agent/pkg/types"
)

// APIError is a non-2xx backend response carrying the machine-readable
// error_code from the body when one was present.
type APIError struct {
	StatusCode int
	ErrorCode  string
	Message    string
}

func (e *APIError) Error() string {
	if e.ErrorCode != "" {
		return fmt.Sprintf("atlas: %d %s: %s", e.StatusCode, e.ErrorCode, e.Message)
	}
	return fmt.Sprintf("atlas: unexpected status %d", e.StatusCode)
}

// IsTransient reports whether the failure is worth retrying: 5xx responses
// and anything below HTTP (timeouts, refused connections).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500
	}
	return true
}

// IsRateLimited reports whether the backend answered 429.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests
}

// IsPermanent reports whether retrying cannot change the outcome: any 4xx
// except 429.
func IsPermanent(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) &&
		apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 &&
		apiErr.StatusCode != http.StatusTooManyRequests
}

// DetectionMetrics is the measurement block of a contact report.
type DetectionMetrics struct {
	BearingDeg   float64  `json:"bearing_deg"`
	ElevationDeg float64  `json:"elevation_deg"`
	RangeM       *float64 `json:"range_m,omitempty"`
	Confidence   float64  `json:"confidence"`
}

// Contact is one confirmed detection reported to the backend.
type Contact struct {
	AssetID     string           `json:"asset_id"`
	ContactType string           `json:"contact_type"`
	Metrics     DetectionMetrics `json:"detection_metrics"`
	Timestamp   time.Time        `json:"timestamp"`
}

// TelemetryPayload groups periodic readings for one asset.
type TelemetryPayload struct {
	Readings       []types.Reading `json:"readings"`
	BatchTimestamp time.Time       `json:"batch_timestamp"`
}

// Command is one queued instruction for this asset.
type Command struct {
	Index      int            `json:"index"`
	Type       string         `json:"command_type"`
	Parameters map[string]any `json:"parameters"`
	IssuedAt   time.Time      `json:"issued_at"`
	ExpiresAt  *time.Time     `json:"expires_at,omitempty"`
}

// Expired reports whether the command's expiry has passed.
func (c Command) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && now.After(*c.ExpiresAt)
}

// Client talks to one Atlas backend on behalf of one asset. Safe for
// concurrent use; every request is bounded by the configured timeout.
type Client struct {
	baseURL string
	assetID string
	token   string
	ua      string
	hc      *http.Client
}

// NewClient builds a client from the backend config. userAgent identifies
// this agent build and boot in request headers.
func NewClient(cfg config.AtlasConfig, userAgent string) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		assetID: cfg.AssetID,
		token:   cfg.BearerToken,
		ua:      userAgent,
		hc:      &http.Client{Timeout: cfg.RequestTimeout},
	}
}

// AssetID returns the asset this client reports as.
func (c *Client) AssetID() string {
	return c.assetID
}

// RegisterAsset announces the asset to the backend. A 409 means a previous
// boot already registered it and is treated as success.
func (c *Client) RegisterAsset(ctx context.Context, name, modelID string) error {
	body := map[string]any{
		"asset_id":   c.assetID,
		"name":       name,
		"model_id":   modelID,
		"asset_type": "camera",
	}
	err := c.do(ctx, http.MethodPost, "/assets", body, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
		logger.Debug("atlas", "asset %s already registered", c.assetID)
		return nil
	}
	return err
}

// PostContact reports one detection.
func (c *Client) PostContact(ctx context.Context, contact Contact) error {
	return c.do(ctx, http.MethodPost, "/contacts", contact, nil)
}

// PostTelemetry reports a batch of periodic readings.
func (c *Client) PostTelemetry(ctx context.Context, payload TelemetryPayload) error {
	return c.do(ctx, http.MethodPost, "/assets/"+c.assetID+"/telemetry", payload, nil)
}

// FetchCommands returns the asset's queued commands, oldest first.
func (c *Client) FetchCommands(ctx context.Context) ([]Command, error) {
	var out struct {
		Commands []Command `json:"commands"`
	}
	if err := c.do(ctx, http.MethodGet, "/assets/"+c.assetID+"/commands", nil, &out); err != nil {
		return nil, err
	}
	return out.Commands, nil
}

// AckCommand removes a handled command from the queue.
func (c *Client) AckCommand(ctx context.Context, index int) error {
	path := fmt.Sprintf("/assets/%s/commands/%d", c.assetID, index)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		rd = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.ua)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apiError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s %s: %w", method, path, err)
		}
		return nil
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// apiError extracts the backend's error envelope; a body that does not
// parse still yields the status code.
func apiError(resp *http.Response) error {
	e := &APIError{StatusCode: resp.StatusCode}
	var envelope struct {
		ErrorCode string `json:"error_code"`
		Message   string `json:"message"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&envelope); err == nil {
		e.ErrorCode = envelope.ErrorCode
		e.Message = envelope.Message
	}
	return e
}
