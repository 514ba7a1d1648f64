package atlas

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas-command/edge-agent/internal/config"
)

// commandQueueBackend serves a fixed command list once and records acks.
type commandQueueBackend struct {
	mu       sync.Mutex
	commands []Command
	served   bool
	acked    []string
}

func (b *commandQueueBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch r.Method {
	case http.MethodGet:
		cmds := b.commands
		if b.served {
			cmds = nil
		}
		b.served = true
		json.NewEncoder(w).Encode(map[string]any{"commands": cmds})
	case http.MethodDelete:
		b.acked = append(b.acked, r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (b *commandQueueBackend) ackedPaths() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.acked...)
}

// TestPollerHandlesAndAcks verifies live commands reach the handler and
// every fetched command is acked, expired ones without running.
func TestPollerHandlesAndAcks(t *testing.T) {
	t.Parallel()

	past := time.Now().Add(-time.Minute)
	backend := &commandQueueBackend{
		commands: []Command{
			{Index: 0, Type: "ping", IssuedAt: time.Now()},
			{Index: 1, Type: "reboot", IssuedAt: past, ExpiresAt: &past},
		},
	}
	srv := httptest.NewServer(backend)
	defer srv.Close()

	client := NewClient(config.AtlasConfig{
		URL:            srv.URL,
		AssetID:        "SEC_CAM_EDGE_001",
		RequestTimeout: time.Second,
	}, "atlas-edge-agent/0.0-test")

	var mu sync.Mutex
	var handled []string
	poller := NewPoller(client, 10*time.Millisecond, func(cmd Command) {
		mu.Lock()
		handled = append(handled, cmd.Type)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		poller.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return len(backend.ackedPaths()) == 2
	}, 2*time.Second, 10*time.Millisecond, "both commands must be acked")

	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"ping"}, handled, "expired command must not run")
	assert.ElementsMatch(t, []string{
		"/assets/SEC_CAM_EDGE_001/commands/0",
		"/assets/SEC_CAM_EDGE_001/commands/1",
	}, backend.ackedPaths())
}
