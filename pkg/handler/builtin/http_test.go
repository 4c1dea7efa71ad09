package builtin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "yes", r.Header.Get("X-Test"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "in", body["payload"])

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	h := NewHTTP(nil)
	out, err := h.Request(context.Background(), map[string]any{
		"url":     srv.URL,
		"method":  "post",
		"headers": map[string]any{"X-Test": "yes"},
		"body":    map[string]any{"payload": "in"},
	})
	require.NoError(t, err)

	result := out.(map[string]any)
	assert.Equal(t, 200, result["status"])
	assert.Equal(t, map[string]any{"ok": true}, result["body"])
}

func TestHTTPRequestPlainText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("hello"))
	}))
	defer srv.Close()

	h := NewHTTP(nil)
	out, err := h.Request(context.Background(), map[string]any{"url": srv.URL})
	require.NoError(t, err)
	assert.Equal(t, "hello", out.(map[string]any)["body"])
}

func TestHTTPRequestErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	// Plain client: the default one would retry the 502 before giving up.
	h := NewHTTP(&HTTPConfig{Client: srv.Client()})
	out, err := h.Request(context.Background(), map[string]any{"url": srv.URL})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	// The response details still come back for the run record.
	assert.Equal(t, 502, out.(map[string]any)["status"])
}

func TestHTTPRequestValidation(t *testing.T) {
	h := NewHTTP(nil)
	_, err := h.Request(context.Background(), map[string]any{})
	assert.Error(t, err, "missing url")

	_, err = h.Request(context.Background(), map[string]any{"url": "http://x", "timeout": "bogus"})
	assert.Error(t, err, "bad timeout")
}
