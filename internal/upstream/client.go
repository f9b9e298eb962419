package upstream

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

	"github.com/L0stInFades/Her/internal/config"
	log "github.com/sirupsen/logrus"
)

// streamTimeout caps the total lifetime of one streaming completion.
const streamTimeout = 120 * time.Second

// Message is one chat turn sent to the completion API.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Streamer opens a streaming chat completion and forwards content
// deltas to onChunk until the stream terminates. A nil return means
// the provider ended the stream cleanly; a context error means the
// caller cancelled.
type Streamer interface {
	StreamChat(ctx context.Context, messages []Message, model, apiKey string, onChunk func(string)) error
}

// Client talks to an OpenRouter-compatible chat completions API.
type Client struct {
	baseURL    string
	apiKey     string
	siteURL    string
	appName    string
	httpClient *http.Client
}

// NewClient constructs a Client from upstream settings. cfg.APIKey is
// the shared server credential used when no user key is supplied.
func NewClient(cfg config.UpstreamConfig) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:     strings.TrimSpace(cfg.APIKey),
		siteURL:    strings.TrimSpace(cfg.SiteURL),
		appName:    strings.TrimSpace(cfg.AppName),
		httpClient: &http.Client{Timeout: streamTimeout},
	}
}

// chatRequest is the completion request payload.
type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

// chatChunk is one parsed SSE data payload.
type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// StreamChat implements Streamer against the configured provider.
func (c *Client) StreamChat(ctx context.Context, messages []Message, model, apiKey string, onChunk func(string)) error {
	if onChunk == nil {
		onChunk = func(string) {}
	}
	key := strings.TrimSpace(apiKey)
	if key == "" {
		key = c.apiKey
	}

	payload, errMarshal := json.Marshal(chatRequest{Model: model, Messages: messages, Stream: true})
	if errMarshal != nil {
		return fmt.Errorf("upstream: marshal request: %w", errMarshal)
	}

	req, errRequest := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if errRequest != nil {
		return fmt.Errorf("upstream: build request: %w", errRequest)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+key)
	if c.siteURL != "" {
		req.Header.Set("HTTP-Referer", c.siteURL)
	}
	if c.appName != "" {
		req.Header.Set("X-Title", c.appName)
	}

	resp, errDo := c.httpClient.Do(req)
	if errDo != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("upstream: request failed: %w", errDo)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("upstream: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			return nil
		}

		var chunk chatChunk
		if errUnmarshal := json.Unmarshal([]byte(data), &chunk); errUnmarshal != nil {
			log.WithError(errUnmarshal).Debug("upstream: skipping unparsable SSE payload")
			continue
		}
		if len(chunk.Choices) > 0 {
			if content := chunk.Choices[0].Delta.Content; content != "" {
				onChunk(content)
			}
		}
	}
	if errScan := scanner.Err(); errScan != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("upstream: read stream: %w", errScan)
	}
	// Connection ended without an explicit end marker; treat as a
	// clean termination, mirroring the provider's observed behavior.
	return nil
}
