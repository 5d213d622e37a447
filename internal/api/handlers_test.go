package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"marketchat/internal/auth"
	"marketchat/internal/filestore"
	"marketchat/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}

func newTestAPI(t *testing.T) (*httptest.Server, *auth.TokenService) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	tokens, err := auth.NewTokenService(ctx, auth.Config{})
	require.NoError(t, err)
	files, err := filestore.NewLocalFileStore(t.TempDir())
	require.NoError(t, err)

	a := New(tokens, files)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/upload", a.RequireAuth(a.UploadHandler))
	mux.HandleFunc("GET /api/files/{hash}", a.FileHandler)
	mux.HandleFunc("GET /healthz", HealthHandler)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, tokens
}

func TestUploadAndFetch(t *testing.T) {
	ts, tokens := newTestAPI(t)
	tok, err := tokens.Issue("client_1")
	require.NoError(t, err)

	body := append(append([]byte{}, pngHeader...), bytes.Repeat([]byte{1}, 64)...)
	resp, err := http.Post(ts.URL+"/api/upload?token="+tok.Token, "application/octet-stream", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var att models.Attachment
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&att))
	assert.NotEmpty(t, att.ID)
	assert.Equal(t, models.AttachmentTypeImage, att.Type)
	assert.Equal(t, "image/png", att.MimeType)
	assert.Equal(t, int64(len(body)), att.Size)
	assert.Equal(t, "/api/files/"+filestore.Hash(body), att.URL)

	get, err := http.Get(ts.URL + att.URL)
	require.NoError(t, err)
	defer get.Body.Close()
	require.Equal(t, http.StatusOK, get.StatusCode)
	assert.Equal(t, "image/png", get.Header.Get("Content-Type"))
	got, err := io.ReadAll(get.Body)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestUpload_Rejects(t *testing.T) {
	ts, tokens := newTestAPI(t)
	tok, err := tokens.Issue("client_1")
	require.NoError(t, err)

	tests := []struct {
		name   string
		token  string
		body   string
		status int
	}{
		{name: "no token", body: "data", status: http.StatusUnauthorized},
		{name: "bad token", token: "nope", body: "data", status: http.StatusUnauthorized},
		{name: "empty body", token: tok.Token, status: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/api/upload?token="+tt.token, "application/octet-stream", strings.NewReader(tt.body))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestFile_NotFound(t *testing.T) {
	ts, _ := newTestAPI(t)

	resp, err := http.Get(ts.URL + "/api/files/" + filestore.Hash([]byte("missing")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/api/files/not-a-hash")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	ts, _ := newTestAPI(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	var r Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&r))
	assert.True(t, r.Success)
}
