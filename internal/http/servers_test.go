package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"marketchat/internal/auth"
	"marketchat/internal/filestore"
	"marketchat/internal/metrics"
	"marketchat/internal/relay"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServers_Routes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := prometheus.NewRegistry()
	m := metrics.NewRelay(reg)
	tokens, err := auth.NewTokenService(ctx, auth.Config{})
	require.NoError(t, err)
	files, err := filestore.NewLocalFileStore(t.TempDir())
	require.NoError(t, err)
	hub := relay.NewHub(m)
	defer func() { _ = hub.Close() }()

	public := httptest.NewServer(NewAPIServer(tokens, relay.NewServer(hub, tokens, 0, m), files, "").Handler())
	defer public.Close()
	admin := httptest.NewServer(NewAdminServer(tokens, hub, reg, "").Handler())
	defer admin.Close()

	resp, err := http.Get(public.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// A plain request to the websocket endpoint is rejected before the upgrade.
	resp, err = http.Get(public.URL + "/ws")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Post(admin.URL+"/admin/tokens", "application/json", strings.NewReader(`{"userId":"alice"}`))
	require.NoError(t, err)
	var tok auth.TokenResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tok))
	resp.Body.Close()
	assert.Equal(t, "alice", tok.UserID)

	resp, err = http.Get(admin.URL + "/admin/online")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(admin.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "marketchat_relay_connections")
}
