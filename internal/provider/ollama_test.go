package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ndjsonServer(t *testing.T, chunks []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, chunk := range chunks {
			_, _ = w.Write([]byte(chunk + "\n"))
			if flusher, ok := w.(http.Flusher); ok {
				flusher.Flush()
			}
		}
	}))
}

func TestOllamaClient_ChatStreamAccumulates(t *testing.T) {
	server := ndjsonServer(t, []string{
		`{"model":"llama3.2","message":{"role":"assistant","content":"Hello"},"done":false}`,
		`{"model":"llama3.2","message":{"role":"assistant","content":" there"},"done":false}`,
		`not json`,
		`{"model":"llama3.2","message":{"role":"assistant","content":"!"},"done":true}`,
	})
	defer server.Close()

	client := NewOllamaClient(server.URL + "/")
	req := &ChatRequest{Model: "llama3.2", Messages: []ChatMessage{{Role: "user", Content: "Hi"}}}

	var seen []string
	var dones int
	full, err := client.ChatStream(context.Background(), req, func(content string, done bool) error {
		seen = append(seen, content)
		if done {
			dones++
		}
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, "Hello there!", full)
	assert.Equal(t, []string{"Hello", "Hello there", "Hello there!"}, seen)
	assert.Equal(t, 1, dones)
}

func TestOllamaClient_ChatStreamTruncated(t *testing.T) {
	server := ndjsonServer(t, []string{
		`{"message":{"role":"assistant","content":"partial"},"done":false}`,
	})
	defer server.Close()

	client := NewOllamaClient(server.URL)
	full, err := client.ChatStream(context.Background(), &ChatRequest{Model: "m"}, func(string, bool) error { return nil })
	require.Error(t, err)
	assert.Equal(t, "partial", full)
}

func TestOllamaClient_ChatStreamHandlerError(t *testing.T) {
	server := ndjsonServer(t, []string{
		`{"message":{"content":"a"},"done":false}`,
		`{"message":{"content":"b"},"done":true}`,
	})
	defer server.Close()

	client := NewOllamaClient(server.URL)
	stop := errors.New("stop")
	_, err := client.ChatStream(context.Background(), &ChatRequest{Model: "m"}, func(string, bool) error { return stop })
	require.Error(t, err)
	assert.True(t, errors.Is(err, stop))
}

func TestOllamaClient_Chat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, false, body["stream"])
		assert.Equal(t, "json", body["format"])
		_, _ = w.Write([]byte(`{"model":"llama3.2","message":{"role":"assistant","content":"{\"intent\":\"system\"}"},"done":true}`))
	}))
	defer server.Close()

	client := NewOllamaClient(server.URL)
	resp, err := client.Chat(context.Background(), &ChatRequest{Model: "llama3.2", Format: "json"})
	require.NoError(t, err)
	assert.Equal(t, `{"intent":"system"}`, resp.Message.Content)
}

func TestOllamaClient_ModelRequired(t *testing.T) {
	client := NewOllamaClient("http://127.0.0.1:1")
	_, err := client.Chat(context.Background(), &ChatRequest{Model: "  "})
	assert.True(t, errors.Is(err, ErrModelRequired))
}

func TestOllamaClient_StatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer server.Close()

	client := NewOllamaClient(server.URL)
	_, err := client.Chat(context.Background(), &ChatRequest{Model: "missing"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestOllamaClient_Models(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tags", r.URL.Path)
		_, _ = w.Write([]byte(`{"models":[{"name":"llama3.2","size":42},{"name":" "}]}`))
	}))
	defer server.Close()

	client := NewOllamaClient(server.URL)
	models, err := client.Models(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "llama3.2", models[0].Name)
}

func TestHealthWatchdog(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"models":[]}`))
	}))
	defer server.Close()

	w := NewHealthWatchdog(NewOllamaClient(server.URL), time.Hour)
	assert.True(t, w.Check(context.Background()).Healthy)
	assert.True(t, w.Status().Healthy)

	healthy.Store(false)
	status := w.Check(context.Background())
	assert.False(t, status.Healthy)
	assert.NotEmpty(t, status.Error)

	w.Start()
	w.Stop()
}
