package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAPIClientDefaults(t *testing.T) {
	c := NewAPIClient("http://example.com", 0)
	assert.Equal(t, 10*time.Second, c.client.Timeout)
	c = NewAPIClient("http://example.com", 5*time.Second)
	assert.Equal(t, 5*time.Second, c.client.Timeout)
}

func TestAPIClientIsReachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			_, _ = w.Write([]byte(`{"ok":true}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()
	assert.True(t, NewAPIClient(srv.URL, time.Second).IsReachable())
	assert.False(t, NewAPIClient("http://127.0.0.1:1", 100*time.Millisecond).IsReachable())
	assert.False(t, NewSocketClient("/nonexistent/kithost.sock", 100*time.Millisecond).IsReachable())
}

func TestAPIClientRequests(t *testing.T) {
	var got []string
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = append(got, r.Method+" "+r.URL.RequestURI())
		body = nil
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&body)
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/processes/99":
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"unknown pid"}`))
		case "/run":
			_, _ = w.Write([]byte(`{"pid":7}`))
		default:
			_, _ = w.Write([]byte(`{"ok":true}`))
		}
	}))
	defer srv.Close()
	c := NewAPIClient(srv.URL, time.Second)

	res, err := c.Run(RunFlags{Type: "app", Wait: true, Timeout: 2 * time.Second}, "todo", []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"pid": float64(7)}, res)
	assert.Equal(t, "todo", body["script"])
	assert.Equal(t, "2s", body["timeout"])
	assert.Equal(t, true, body["wait"])

	require.NoError(t, c.Relaunch([]string{"todo", "b"}))
	assert.Equal(t, []any{"todo", "b"}, body["argv"])

	require.NoError(t, c.ToggleBackground("/k/scripts/bg.js"))
	assert.Equal(t, "/k/scripts/bg.js", body["filePath"])

	_, err = c.Processes(true)
	require.NoError(t, err)
	_, err = c.Background()
	require.NoError(t, err)
	_, err = c.Schedule()
	require.NoError(t, err)
	_, err = c.OpenURL("kit://x")
	require.NoError(t, err)

	err = c.Remove(99)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown pid")

	assert.Equal(t, []string{
		"POST /run",
		"POST /relaunch",
		"POST /background/toggle",
		"GET /processes?usage=1",
		"GET /background",
		"GET /schedule",
		"POST /open-url",
		"DELETE /processes/99",
	}, got)
}
