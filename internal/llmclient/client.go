// Package llmclient executes provider calls against OpenAI-compatible
// HTTP APIs. One client serves every provider; the base URL and
// credential arrive per request from the router.
package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/skylens/llmgate/internal/router"
	"github.com/skylens/llmgate/pkg/types"
)

// HTTPError carries the upstream status so the router can classify the
// failure without parsing the message.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200]
	}
	return fmt.Sprintf("provider returned %d: %s", e.Status, body)
}

func (e *HTTPError) HTTPStatus() int { return e.Status }

type Client struct {
	http *http.Client
	log  *logrus.Entry
}

func New(timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	return &Client{
		// Per-attempt deadlines come from the router's context; this is
		// the transport-level backstop.
		http: &http.Client{Timeout: timeout},
		log:  logrus.WithField("component", "llmclient"),
	}
}

type chatMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type usagePayload struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage usagePayload `json:"usage"`
}

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
	Usage usagePayload `json:"usage"`
}

// systemContent folds the RAG context into the system prompt; the
// OpenAI-compatible wire format has no separate slot for it.
func systemContent(system, ragContext string) string {
	if ragContext == "" {
		return system
	}
	if system == "" {
		return "Context:\n" + ragContext
	}
	return system + "\n\nContext:\n" + ragContext
}

func (c *Client) GenerateText(ctx context.Context, req router.ExecRequest) (*types.GenerationResult, error) {
	messages := make([]chatMessage, 0, len(req.Messages)+1)
	if sys := systemContent(req.System, req.RagContext); sys != "" {
		messages = append(messages, chatMessage{Role: "system", Content: sys})
	}
	for _, m := range req.Messages {
		messages = append(messages, chatMessage{Role: m.Role, Content: m.Text})
	}

	var out chatResponse
	if err := c.post(ctx, req, "/chat/completions", chatRequest{
		Model:     req.Model,
		Messages:  messages,
		MaxTokens: req.MaxOutputTokens,
	}, &out); err != nil {
		return nil, err
	}

	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("provider returned no choices")
	}

	return &types.GenerationResult{
		Text: out.Choices[0].Message.Content,
		Usage: types.TokenUsage{
			InputTokens:  out.Usage.PromptTokens,
			OutputTokens: out.Usage.CompletionTokens,
		},
	}, nil
}

func (c *Client) GenerateVision(ctx context.Context, req router.ExecRequest) (*types.GenerationResult, error) {
	messages := make([]chatMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		if len(m.Images) == 0 {
			messages = append(messages, chatMessage{Role: m.Role, Content: m.Text})
			continue
		}
		parts := make([]contentPart, 0, len(m.Images)+1)
		if m.Text != "" {
			parts = append(parts, contentPart{Type: "text", Text: m.Text})
		}
		for _, img := range m.Images {
			parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURL{URL: img}})
		}
		messages = append(messages, chatMessage{Role: m.Role, Content: parts})
	}

	var out chatResponse
	if err := c.post(ctx, req, "/chat/completions", chatRequest{
		Model:     req.Model,
		Messages:  messages,
		MaxTokens: req.MaxOutputTokens,
	}, &out); err != nil {
		return nil, err
	}

	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("provider returned no choices")
	}

	return &types.GenerationResult{
		Text: out.Choices[0].Message.Content,
		Usage: types.TokenUsage{
			InputTokens:  out.Usage.PromptTokens,
			OutputTokens: out.Usage.CompletionTokens,
		},
	}, nil
}

func (c *Client) Embed(ctx context.Context, req router.ExecRequest) (*types.GenerationResult, error) {
	var out embeddingsResponse
	if err := c.post(ctx, req, "/embeddings", embeddingsRequest{
		Model: req.Model,
		Input: req.Input,
	}, &out); err != nil {
		return nil, err
	}

	embeddings := make([][]float64, len(out.Data))
	for i, d := range out.Data {
		embeddings[i] = d.Embedding
	}

	return &types.GenerationResult{
		Embeddings: embeddings,
		Usage: types.TokenUsage{
			InputTokens: out.Usage.PromptTokens,
		},
	}, nil
}

func (c *Client) post(ctx context.Context, req router.ExecRequest, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := strings.TrimSuffix(req.BaseURL, "/") + path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.Credential != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.Credential)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	c.log.WithFields(logrus.Fields{
		"provider": req.Provider,
		"model":    req.Model,
		"status":   resp.StatusCode,
		"ms":       time.Since(start).Milliseconds(),
	}).Debug("provider call")

	if resp.StatusCode >= 400 {
		return &HTTPError{Status: resp.StatusCode, Body: string(raw)}
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
