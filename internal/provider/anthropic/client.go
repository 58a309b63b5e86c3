// Package anthropic adapts the Anthropic messages API to the
// pipeline's provider contract.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tailorcv/pipeline/internal/job"
	"github.com/tailorcv/pipeline/internal/provider/prompt"
)

const (
	defaultBaseURL = "https://api.anthropic.com/v1"
	defaultModel   = "claude-3-5-haiku-latest"
	apiVersion     = "2023-06-01"
	maxTokens      = 4096
)

// Client implements the provider contract using Anthropic. The API key
// is held for the lifetime of one job and never logged.
type Client struct {
	apiKey  string
	baseURL string
	model   string
	httpc   *http.Client
}

func NewClient(apiKey string) *Client {
	return &Client{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		model:   defaultModel,
		httpc:   &http.Client{Timeout: 5 * time.Minute},
	}
}

// WithBaseURL points the client at a different endpoint. Test hook.
func (c *Client) WithBaseURL(u string) *Client {
	c.baseURL = u
	return c
}

func (c *Client) Name() string { return "anthropic" }

type messagesRequest struct {
	Model     string           `json:"model"`
	MaxTokens int              `json:"max_tokens"`
	System    string           `json:"system"`
	Messages  []messageContent `json:"messages"`
}

type messageContent struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func (c *Client) Invoke(ctx context.Context, jobType job.Type, payload json.RawMessage) (json.RawMessage, error) {
	reqBody, err := json.Marshal(messagesRequest{
		Model:     c.model,
		MaxTokens: maxTokens,
		System:    prompt.Instruction(jobType),
		Messages: []messageContent{
			{Role: "user", Content: string(payload)},
		},
	})
	if err != nil {
		return nil, job.NewPermanentError(job.KindInvalidPayload, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(reqBody))
	if err != nil {
		return nil, job.NewPermanentError(job.KindProviderError, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", apiVersion)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, job.NewTransientError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, job.NewTransientError(err)
	}

	if err := classifyStatus(resp.StatusCode); err != nil {
		return nil, err
	}

	var parsed messagesResponse
	if err := json.Unmarshal(body, &parsed); err != nil || len(parsed.Content) == 0 {
		return nil, job.NewTransientError(errors.New("anthropic returned an unparseable response"))
	}

	return resultJSON(parsed.Content[0].Text), nil
}

func classifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return job.NewPermanentError(job.KindInvalidCredentials, fmt.Errorf("anthropic rejected the credentials (status %d)", code))
	case code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500:
		return job.NewTransientError(fmt.Errorf("anthropic returned status %d", code))
	default:
		return job.NewPermanentError(job.KindProviderError, fmt.Errorf("anthropic rejected the request (status %d)", code))
	}
}

func resultJSON(content string) json.RawMessage {
	if json.Valid([]byte(content)) {
		return json.RawMessage(content)
	}
	wrapped, _ := json.Marshal(map[string]string{"text": content})
	return wrapped
}
