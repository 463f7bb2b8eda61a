// Package llm talks to a local Ollama server, the reasoning collaborator used
// to draft exploit contracts when no template fits.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/alanyoungcy/econaudit/internal/domain"
)

// Config configures the Ollama client.
type Config struct {
	BaseURL     string
	Model       string
	Temperature float64
	NumCtx      int
	Timeout     time.Duration
}

// Defaults fills unset fields.
func (c *Config) Defaults() {
	if c.BaseURL == "" {
		c.BaseURL = "http://localhost:11434"
	}
	if c.Model == "" {
		c.Model = "qwen2.5-coder:32b-instruct"
	}
	if c.Temperature == 0 {
		c.Temperature = 0.1
	}
	if c.NumCtx == 0 {
		c.NumCtx = 8192
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Minute
	}
}

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client is an Ollama /api/chat client.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a Client.
func NewClient(cfg Config) *Client {
	cfg.Defaults()
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.cfg.Model }

type chatRequest struct {
	Model    string      `json:"model"`
	Messages []Message   `json:"messages"`
	Stream   bool        `json:"stream"`
	Options  chatOptions `json:"options"`
}

type chatOptions struct {
	Temperature float64 `json:"temperature"`
	NumCtx      int     `json:"num_ctx"`
}

type chatResponse struct {
	Model   string  `json:"model"`
	Message Message `json:"message"`
	Done    bool    `json:"done"`
	Error   string  `json:"error"`
}

// Chat sends messages and returns the assistant's reply. An unreachable
// server is reported as domain.ErrGeneratorOffline.
func (c *Client) Chat(ctx context.Context, messages []Message) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:    c.cfg.Model,
		Messages: messages,
		Options:  chatOptions{Temperature: c.cfg.Temperature, NumCtx: c.cfg.NumCtx},
	})
	if err != nil {
		return "", fmt.Errorf("llm: marshal chat request: %w", err)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/api/chat"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("llm: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("llm: chat: %w", ctx.Err())
		}
		var netErr *net.OpError
		if errors.As(err, &netErr) {
			return "", fmt.Errorf("llm: chat: %w", errors.Join(err, domain.ErrGeneratorOffline))
		}
		return "", fmt.Errorf("llm: chat: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("llm: read response: %w", err)
	}

	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("llm: HTTP %d: %s", resp.StatusCode, truncate(string(raw), 200))
		}
		return "", fmt.Errorf("llm: decode response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return "", fmt.Errorf("llm: model %q not available: %s: %w", c.cfg.Model, out.Error, domain.ErrGeneratorOffline)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("llm: HTTP %d: %s", resp.StatusCode, out.Error)
	}
	if strings.TrimSpace(out.Message.Content) == "" {
		return "", fmt.Errorf("llm: empty reply from %s", c.cfg.Model)
	}
	return out.Message.Content, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
