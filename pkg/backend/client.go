package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/murmur/pkg/session"
)

const DefaultBaseURL = "http://localhost:11434"

// ModelDescriptor is one roster entry as returned by the tags endpoint.
type ModelDescriptor struct {
	Name       string         `json:"name" yaml:"name"`
	Model      string         `json:"model,omitempty" yaml:"model,omitempty"`
	ModifiedAt string         `json:"modified_at,omitempty" yaml:"modified_at,omitempty"`
	Size       int64          `json:"size,omitempty" yaml:"size,omitempty"`
	Digest     string         `json:"digest,omitempty" yaml:"digest,omitempty"`
	Details    map[string]any `json:"details,omitempty" yaml:"details,omitempty"`
}

type ChatMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ChatRequest struct {
	Model    string                   `json:"model"`
	Messages []ChatMessage            `json:"messages"`
	Options  session.GenerationParams `json:"options"`
	Stream   bool                     `json:"stream"`
}

// ChatRecord is one line of the streamed chat response.
type ChatRecord struct {
	Model     string `json:"model,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
	Message   *struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message,omitempty"`
	Done       bool   `json:"done,omitempty"`
	DoneReason string `json:"done_reason,omitempty"`
	Error      string `json:"error,omitempty"`
	EvalCount  int    `json:"eval_count,omitempty"`
}

// Content returns the incremental token text carried by the record.
func (r ChatRecord) Content() string {
	if r.Message == nil {
		return ""
	}
	return r.Message.Content
}

// ChatRequestFromMessages builds a streaming chat request from a session log.
func ChatRequestFromMessages(model string, msgs []session.Message, params session.GenerationParams) ChatRequest {
	req := ChatRequest{
		Model:    model,
		Messages: make([]ChatMessage, 0, len(msgs)),
		Options:  params,
		Stream:   true,
	}
	for _, m := range msgs {
		req.Messages = append(req.Messages, ChatMessage{
			Role:    string(m.Role),
			Content: m.Content,
			Images:  m.Images,
		})
	}
	return req
}

// Client talks to an Ollama-compatible HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) {
		if c != nil {
			cl.httpClient = c
		}
	}
}

// NewClient returns a client for baseURL. The default http.Client has no
// timeout: a stalled stream is only interrupted by cancelling the context.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{baseURL: baseURL, httpClient: &http.Client{}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// ListModels fetches the roster.
func (c *Client) ListModels(ctx context.Context) ([]ModelDescriptor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, errors.Wrap(err, "build roster request")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "roster request failed")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Endpoint: "tags", StatusCode: resp.StatusCode, Message: readErrorMessage(resp.Body)}
	}

	var payload struct {
		Models []ModelDescriptor `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, errors.Wrap(err, "decode roster")
	}
	return payload.Models, nil
}

// Chat submits a chat request and returns the streaming body. The caller must
// close it. Cancelling ctx aborts the transfer; pending reads then fail.
func (c *Client) Chat(ctx context.Context, in ChatRequest) (io.ReadCloser, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, errors.Wrap(err, "encode chat request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build chat request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	log.Debug().Str("component", "backend").Str("model", in.Model).Int("messages", len(in.Messages)).Msg("submitting chat request")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "chat request failed")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer func() { _ = resp.Body.Close() }()
		msg := readErrorMessage(resp.Body)
		statusErr := &StatusError{Endpoint: "chat", StatusCode: resp.StatusCode, Message: msg}
		return nil, classifyError(in.Model, msg, statusErr)
	}
	return resp.Body, nil
}

// RecordError converts an in-stream error record into an error.
func RecordError(model string, rec ChatRecord) error {
	if rec.Error == "" {
		return nil
	}
	return classifyError(model, rec.Error, errors.Errorf("backend error: %s", rec.Error))
}

func readErrorMessage(r io.Reader) string {
	b, err := io.ReadAll(io.LimitReader(r, 64*1024))
	if err != nil || len(b) == 0 {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(b, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(b))
}
