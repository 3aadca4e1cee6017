package api

import (
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCompression_PlainWithoutAcceptEncoding tests that clients not asking for gzip get plain JSON
func TestCompression_PlainWithoutAcceptEncoding(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, httptest.NewRequest(http.MethodGet, "/api/builds?matchup=TvZ", nil), "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Content-Encoding"))
	assert.Equal(t, "rax-fe", decode(t, w)["builds"].([]any)[0].(map[string]any)["id"])
}

// TestCompression_GzipWhenAccepted tests negotiated compression and excluded paths
func TestCompression_GzipWhenAccepted(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/builds?matchup=TvZ", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	w := ts.do(t, req, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "gzip", w.Header().Get("Content-Encoding"))

	zr, err := gzip.NewReader(w.Body)
	require.NoError(t, err)
	body, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"rax-fe"`)

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	w = ts.do(t, req, "")
	assert.Empty(t, w.Header().Get("Content-Encoding"))
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}
