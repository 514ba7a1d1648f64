package atlas

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas-command/edge-agent/internal/config"
	"github.com/atlas-command/edge-agent/pkg/types"
)

func testClient(url string) *Client {
	return NewClient(config.AtlasConfig{
		URL:            url,
		AssetID:        "SEC_CAM_EDGE_001",
		BearerToken:    "sekrit",
		RequestTimeout: 2 * time.Second,
	}, "atlas-edge-agent/0.0-test (deadbeef)")
}

// TestErrorClassification pins which failures are retryable, which are rate
// limits, and which are final.
func TestErrorClassification(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name        string
		err         error
		transient   bool
		rateLimited bool
		permanent   bool
	}{
		{"nil", nil, false, false, false},
		{"500", &APIError{StatusCode: 500}, true, false, false},
		{"503", &APIError{StatusCode: 503}, true, false, false},
		{"429", &APIError{StatusCode: 429}, false, true, false},
		{"404", &APIError{StatusCode: 404}, false, false, true},
		{"400", &APIError{StatusCode: 400}, false, false, true},
		{"422", &APIError{StatusCode: 422}, false, false, true},
		{"network", errors.New("dial tcp: connection refused"), true, false, false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.transient, IsTransient(tc.err))
			assert.Equal(t, tc.rateLimited, IsRateLimited(tc.err))
			assert.Equal(t, tc.permanent, IsPermanent(tc.err))
		})
	}
}

// TestRegisterAssetSendsProfile verifies the registration body and headers.
func TestRegisterAssetSendsProfile(t *testing.T) {
	t.Parallel()

	var got map[string]any
	var auth, ua string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/assets", r.URL.Path)
		auth = r.Header.Get("Authorization")
		ua = r.Header.Get("User-Agent")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	require.NoError(t, c.RegisterAsset(context.Background(), "North Fence Cam", "edge-cam-x5"))

	assert.Equal(t, "SEC_CAM_EDGE_001", got["asset_id"])
	assert.Equal(t, "North Fence Cam", got["name"])
	assert.Equal(t, "edge-cam-x5", got["model_id"])
	assert.Equal(t, "camera", got["asset_type"])
	assert.Equal(t, "Bearer sekrit", auth)
	assert.Equal(t, "atlas-edge-agent/0.0-test (deadbeef)", ua)
}

// TestRegisterAssetConflictIsSuccess verifies a 409 from a previous boot is
// treated as registered.
func TestRegisterAssetConflictIsSuccess(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{"error_code": "ASSET_EXISTS"})
	}))
	defer srv.Close()

	assert.NoError(t, testClient(srv.URL).RegisterAsset(context.Background(), "cam", "model"))
}

// TestPostTelemetryPath verifies readings go to the asset-scoped endpoint.
func TestPostTelemetryPath(t *testing.T) {
	t.Parallel()

	var gotPath string
	var payload TelemetryPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	readings := []types.Reading{
		{MetricKey: "frames_processed", Value: 120, Timestamp: time.Now()},
		{MetricKey: "uptime_s", Value: 4.5, Unit: "s", Timestamp: time.Now()},
	}
	err := testClient(srv.URL).PostTelemetry(context.Background(), TelemetryPayload{Readings: readings})
	require.NoError(t, err)

	assert.Equal(t, "/assets/SEC_CAM_EDGE_001/telemetry", gotPath)
	require.Len(t, payload.Readings, 2)
	assert.Equal(t, "frames_processed", payload.Readings[0].MetricKey)
}

// TestAPIErrorCarriesErrorCode verifies the backend's machine-readable code
// survives into the error value.
func TestAPIErrorCarriesErrorCode(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]string{
			"error_code": "SCHEMA_MISMATCH",
			"message":    "detection_metrics.confidence out of range",
		})
	}))
	defer srv.Close()

	err := testClient(srv.URL).PostContact(context.Background(), Contact{AssetID: "SEC_CAM_EDGE_001"})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 422, apiErr.StatusCode)
	assert.Equal(t, "SCHEMA_MISMATCH", apiErr.ErrorCode)
	assert.Contains(t, apiErr.Error(), "SCHEMA_MISMATCH")
	assert.True(t, IsPermanent(err))
}

// TestFetchCommandsParsesEnvelope verifies command queue decoding and the
// expiry helper.
func TestFetchCommandsParsesEnvelope(t *testing.T) {
	t.Parallel()

	past := time.Now().Add(-time.Minute)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/assets/SEC_CAM_EDGE_001/commands", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"commands": []Command{
				{Index: 0, Type: "ping", IssuedAt: time.Now()},
				{Index: 1, Type: "set_log_level", Parameters: map[string]any{"level": "debug"}, IssuedAt: past, ExpiresAt: &past},
			},
		})
	}))
	defer srv.Close()

	cmds, err := testClient(srv.URL).FetchCommands(context.Background())
	require.NoError(t, err)
	require.Len(t, cmds, 2)

	assert.Equal(t, "ping", cmds[0].Type)
	assert.False(t, cmds[0].Expired(time.Now()))

	assert.Equal(t, "set_log_level", cmds[1].Type)
	assert.Equal(t, "debug", cmds[1].Parameters["level"])
	assert.True(t, cmds[1].Expired(time.Now()))
}

// TestAckCommandUsesDelete verifies the ack verb and path.
func TestAckCommandUsesDelete(t *testing.T) {
	t.Parallel()

	var gotMethod, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	require.NoError(t, testClient(srv.URL).AckCommand(context.Background(), 3))
	assert.Equal(t, http.MethodDelete, gotMethod)
	assert.Equal(t, "/assets/SEC_CAM_EDGE_001/commands/3", gotPath)
}

// TestRequestTimeoutClassifiesTransient verifies a stalled backend surfaces
// as a retryable failure within the configured timeout.
func TestRequestTimeoutClassifiesTransient(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(config.AtlasConfig{
		URL:            srv.URL,
		AssetID:        "SEC_CAM_EDGE_001",
		RequestTimeout: 100 * time.Millisecond,
	}, "atlas-edge-agent/0.0-test")

	start := time.Now()
	err := c.PostContact(context.Background(), Contact{AssetID: "SEC_CAM_EDGE_001"})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.True(t, IsTransient(err))
	assert.False(t, IsPermanent(err))
}
