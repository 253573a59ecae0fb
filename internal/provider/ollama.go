package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OllamaClient implements StreamingChatter for the Ollama HTTP API.
// See: https://github.com/ollama/ollama/blob/main/docs/api.md
type OllamaClient struct {
	endpoint string
	client   *http.Client
}

// NewOllamaClient creates a client for the runtime at endpoint. Request
// deadlines come from the caller's context.
func NewOllamaClient(endpoint string) *OllamaClient {
	return &OllamaClient{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		client:   &http.Client{},
	}
}

// Endpoint returns the base URL.
func (c *OllamaClient) Endpoint() string { return c.endpoint }

type ollamaChatRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Format   string        `json:"format,omitempty"`
	Options  struct {
		Temperature float64 `json:"temperature,omitempty"`
	} `json:"options,omitempty"`
}

type ollamaChatChunk struct {
	Model   string      `json:"model"`
	Message ChatMessage `json:"message"`
	Done    bool        `json:"done"`
	Error   string      `json:"error,omitempty"`
}

// Models lists installed models.
func (c *OllamaClient) Models(ctx context.Context) ([]Model, error) {
	url := fmt.Sprintf("%s/api/tags", c.endpoint)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, string(body))
	}

	var tags struct {
		Models []Model `json:"models"`
	}
	if err := json.Unmarshal(body, &tags); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	models := make([]Model, 0, len(tags.Models))
	for _, m := range tags.Models {
		if strings.TrimSpace(m.Name) == "" {
			continue
		}
		models = append(models, m)
	}
	return models, nil
}

// Chat sends a non-streaming chat request.
func (c *OllamaClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	resp, err := c.post(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var chunk ollamaChatChunk
	if err := json.NewDecoder(resp.Body).Decode(&chunk); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if chunk.Error != "" {
		return nil, fmt.Errorf("ollama error: %s", chunk.Error)
	}
	return &ChatResponse{Model: chunk.Model, Message: chunk.Message}, nil
}

// ChatStream sends a streaming chat request. The handler is called with the
// full reply accumulated so far after each chunk, and exactly once with
// done=true unless the stream fails. It returns the complete reply.
func (c *OllamaClient) ChatStream(ctx context.Context, req *ChatRequest, handler StreamHandler) (string, error) {
	resp, err := c.post(ctx, req, true)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	// Ollama streams newline-delimited JSON, not SSE.
	var content strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return content.String(), err
		}

		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var chunk ollamaChatChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}
		if chunk.Error != "" {
			return content.String(), fmt.Errorf("ollama error: %s", chunk.Error)
		}

		content.WriteString(chunk.Message.Content)
		if err := handler(content.String(), chunk.Done); err != nil {
			return content.String(), fmt.Errorf("handler error: %w", err)
		}
		if chunk.Done {
			return content.String(), nil
		}
	}

	if err := scanner.Err(); err != nil {
		return content.String(), fmt.Errorf("scanner error: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return content.String(), err
	}
	return content.String(), fmt.Errorf("stream ended without completion")
}

func (c *OllamaClient) post(ctx context.Context, req *ChatRequest, stream bool) (*http.Response, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		return nil, ErrModelRequired
	}

	body := ollamaChatRequest{
		Model:    model,
		Messages: req.Messages,
		Stream:   stream,
		Format:   req.Format,
	}
	body.Options.Temperature = req.Temperature

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/api/chat", c.endpoint)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, string(respBody))
	}
	return resp, nil
}

// Ping checks that the runtime answers within timeout.
func (c *OllamaClient) Ping(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err := c.Models(ctx)
	return err
}
