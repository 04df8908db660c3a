// Package llm talks to OpenAI-compatible chat completion servers (LM Studio,
// Ollama, custom endpoints) and classifies the failures they produce into
// user-facing messages.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-llm-chat/internal/domain"
)

const (
	contentTypeJSON = "application/json"
	contentTypeSSE  = "text/event-stream"
	completionsPath = "/v1/chat/completions"
	maxErrorBody    = 4 << 10
)

// ErrNoBody is returned when a successful response carries no body to read.
var ErrNoBody = errors.New("no reader available")

// ErrEmptyCompletion is returned by Complete when the server sent no choices.
var ErrEmptyCompletion = errors.New("completion has no choices")

// HTTPError is a non-2xx answer from the completion endpoint.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP error! status: %d - %s", e.StatusCode, e.Body)
}

// ChatRequest is one completion call. Endpoint is the server base URL without
// the /v1/chat/completions suffix.
type ChatRequest struct {
	Endpoint string
	APIKey   string
	Model    string
	Messages []domain.ChatMessage
	Params   domain.GenerationParams
}

type chatPayload struct {
	Model       string               `json:"model,omitempty"`
	Messages    []domain.ChatMessage `json:"messages"`
	Temperature float64              `json:"temperature"`
	MaxTokens   int                  `json:"max_tokens"`
	TopP        float64              `json:"top_p"`
	Stream      bool                 `json:"stream"`
}

type completionResponse struct {
	Choices []struct {
		Message domain.ChatMessage `json:"message"`
	} `json:"choices"`
}

// Client issues chat completion requests. The zero value uses
// http.DefaultClient.
type Client struct {
	HTTP      *http.Client
	UserAgent string
}

// NewClient returns a Client using hc, or http.DefaultClient when hc is nil.
func NewClient(hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{HTTP: hc, UserAgent: "go-llm-chat/1.0"}
}

// ChatStream posts req with stream=true and returns the response body for the
// caller to parse. The caller must close it. Cancelling ctx aborts the read.
func (c *Client) ChatStream(ctx context.Context, req ChatRequest) (io.ReadCloser, error) {
	ctx, span := otel.Tracer("llm/client").Start(ctx, "ChatStream",
		trace.WithAttributes(
			attribute.String("llm.endpoint", req.Endpoint),
			attribute.Int("llm.messages", len(req.Messages)),
		))
	defer span.End()

	resp, err := c.do(ctx, req, true)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "chat stream")
		return nil, err
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		return nil, ErrNoBody
	}
	return resp.Body, nil
}

// Complete posts req with stream=false and returns the first choice's content.
func (c *Client) Complete(ctx context.Context, req ChatRequest) (string, error) {
	ctx, span := otel.Tracer("llm/client").Start(ctx, "Complete",
		trace.WithAttributes(attribute.String("llm.endpoint", req.Endpoint)))
	defer span.End()

	resp, err := c.do(ctx, req, false)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "complete")
		return "", err
	}
	defer resp.Body.Close()

	var out completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode completion: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", ErrEmptyCompletion
	}
	return out.Choices[0].Message.Content, nil
}

func (c *Client) do(ctx context.Context, req ChatRequest, stream bool) (*http.Response, error) {
	httpReq, err := c.newRequest(ctx, req, stream)
	if err != nil {
		return nil, err
	}
	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return resp, nil
}

func (c *Client) newRequest(ctx context.Context, req ChatRequest, stream bool) (*http.Request, error) {
	msgs := req.Messages
	if msgs == nil {
		msgs = []domain.ChatMessage{}
	}
	body, err := json.Marshal(chatPayload{
		Model:       req.Model,
		Messages:    msgs,
		Temperature: req.Params.Temperature,
		MaxTokens:   req.Params.MaxTokens,
		TopP:        req.Params.TopP,
		Stream:      stream,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	url := strings.TrimRight(strings.TrimSpace(req.Endpoint), "/") + completionsPath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}

	httpReq.Header.Set("Content-Type", contentTypeJSON)
	if stream {
		httpReq.Header.Set("Accept", contentTypeSSE)
	} else {
		httpReq.Header.Set("Accept", contentTypeJSON)
	}
	if c.UserAgent != "" {
		httpReq.Header.Set("User-Agent", c.UserAgent)
	}
	if req.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)
	}
	return httpReq, nil
}
