package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Client implements Capability over the remote-agent HTTP API. The API
// accepts one invocation per request and streams step events back as
// server-sent events, finishing with a "result" event carrying the final
// text and usage.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *zap.Logger

	mu          sync.Mutex
	lastRequest time.Time
}

// ClientConfig holds configuration for the remote-agent client.
type ClientConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// DefaultClientConfig returns sensible defaults. The timeout is generous
// because a single step can involve minutes of UI work on the VM.
func DefaultClientConfig(apiKey string) ClientConfig {
	return ClientConfig{
		APIKey:  apiKey,
		BaseURL: "https://api.anthropic.com/v1",
		Model:   "claude-sonnet-4-20250514",
		Timeout: 10 * time.Minute,
	}
}

// NewClient creates a client with default config.
func NewClient(apiKey string, logger *zap.Logger) *Client {
	return NewClientWithConfig(DefaultClientConfig(apiKey), logger)
}

// NewClientWithConfig creates a client with custom config.
func NewClientWithConfig(config ClientConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	model := strings.TrimSpace(config.Model)
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Client{
		apiKey:  config.APIKey,
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		model:   model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

type agentRequest struct {
	Model    string         `json:"model"`
	System   string         `json:"system,omitempty"`
	Messages []agentMessage `json:"messages"`
	Tools    []ToolSpec     `json:"tools,omitempty"`
	MaxSteps int            `json:"max_steps,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Stream   bool           `json:"stream"`
}

type agentMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// agentChunk is one SSE payload. Event chunks carry a step event; the final
// "result" chunk carries the aggregated text and usage.
type agentChunk struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ToolCall *ToolCall `json:"tool_call,omitempty"`
	Usage    *Usage    `json:"usage,omitempty"`
	Error    *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Invoke sends one step execution to the remote agent and streams events
// until the terminal result arrives. Blocks for the full duration of the
// agent's work.
func (c *Client) Invoke(ctx context.Context, req InvokeRequest, onEvent func(StepEvent)) (*InvokeResult, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("API key not configured")
	}

	// Auto-apply timeout if context has no deadline
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.httpClient.Timeout)
		defer cancel()
	}

	startTime := time.Now()
	c.logger.Debug("agent invoke",
		zap.String("model", c.model),
		zap.String("instance_id", req.InstanceID),
		zap.Int("system_len", len(req.SystemPrompt)),
		zap.Int("user_len", len(req.UserPrompt)),
		zap.Int("tools", len(req.Tools)))

	// Rate limiting
	c.mu.Lock()
	elapsed := time.Since(c.lastRequest)
	if elapsed < 100*time.Millisecond {
		time.Sleep(100*time.Millisecond - elapsed)
	}
	c.lastRequest = time.Now()
	c.mu.Unlock()

	reqBody := agentRequest{
		Model:    c.model,
		System:   req.SystemPrompt,
		Messages: []agentMessage{{Role: "user", Content: req.UserPrompt}},
		Tools:    req.Tools,
		MaxSteps: req.MaxSteps,
		Stream:   true,
	}
	if req.InstanceID != "" {
		reqBody.Metadata = map[string]any{"instance_id": req.InstanceID}
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	// Retry loop for transport errors and rate limits. Only pre-stream
	// failures are retried: once events start flowing, a broken stream is
	// surfaced to the caller.
	maxRetries := 3
	var lastErr error

	for i := 0; i <= maxRetries; i++ {
		if i > 0 {
			time.Sleep(time.Duration(1<<uint(i-1)) * time.Second)
		}

		httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/agent/invoke", bytes.NewReader(jsonData))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}

		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "text/event-stream")
		httpReq.Header.Set("x-api-key", c.apiKey)

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			lastErr = fmt.Errorf("rate limit exceeded (429): %s", strings.TrimSpace(string(body)))
			continue
		}

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return nil, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
		}

		result, err := c.consumeStream(ctx, resp.Body, onEvent)
		resp.Body.Close()
		if err != nil {
			c.logger.Error("agent stream failed",
				zap.Duration("elapsed", time.Since(startTime)),
				zap.Error(err))
			return nil, err
		}

		c.logger.Info("agent invoke completed",
			zap.Duration("elapsed", time.Since(startTime)),
			zap.Int("events", result.Events),
			zap.Int("text_len", len(result.Text)),
			zap.Int("total_tokens", result.Usage.TotalTokens))
		return result, nil
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// consumeStream reads SSE lines until the terminal result chunk or EOF.
// A stream that ends without a result chunk still returns the text
// accumulated so far; the caller decodes what it can from it.
func (c *Client) consumeStream(ctx context.Context, body io.Reader, onEvent func(StepEvent)) (*InvokeResult, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	result := &InvokeResult{}
	var text strings.Builder

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			break
		}

		var chunk agentChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Error != nil {
			return nil, fmt.Errorf("API error: %s", chunk.Error.Message)
		}

		switch chunk.Type {
		case "result":
			if chunk.Text != "" {
				text.Reset()
				text.WriteString(chunk.Text)
			}
			if chunk.Usage != nil {
				result.Usage = *chunk.Usage
			}
		default:
			result.Events++
			if chunk.Text != "" {
				text.WriteString(chunk.Text)
			}
			if onEvent != nil {
				onEvent(StepEvent{
					Type:      chunk.Type,
					Text:      chunk.Text,
					ToolCall:  chunk.ToolCall,
					Timestamp: time.Now().UTC(),
				})
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("stream error: %w", err)
	}

	result.Text = strings.TrimSpace(text.String())
	return result, nil
}

// SetModel changes the model used for invocations.
func (c *Client) SetModel(model string) {
	c.model = model
}

// GetModel returns the current model.
func (c *Client) GetModel() string {
	return c.model
}
