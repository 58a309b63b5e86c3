// Package openai adapts the OpenAI chat completions API to the
// pipeline's provider contract.
package openai

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
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o-mini"
)

// Client implements the provider contract using OpenAI. The API key is
// held for the lifetime of one job and never logged.
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

func (c *Client) Name() string { return "openai" }

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (c *Client) Invoke(ctx context.Context, jobType job.Type, payload json.RawMessage) (json.RawMessage, error) {
	reqBody, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: prompt.Instruction(jobType)},
			{Role: "user", Content: string(payload)},
		},
	})
	if err != nil {
		return nil, job.NewPermanentError(job.KindInvalidPayload, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return nil, job.NewPermanentError(job.KindProviderError, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpc.Do(req)
	if err != nil {
		// Network faults and cancelled/expired contexts are worth a
		// redelivery.
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

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil || len(parsed.Choices) == 0 {
		return nil, job.NewTransientError(errors.New("openai returned an unparseable response"))
	}

	return resultJSON(parsed.Choices[0].Message.Content), nil
}

// classifyStatus maps HTTP outcomes onto the retry taxonomy: rate
// limits and upstream faults redeliver, credential and input rejections
// are terminal. Response bodies are not included in errors.
func classifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return job.NewPermanentError(job.KindInvalidCredentials, fmt.Errorf("openai rejected the credentials (status %d)", code))
	case code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500:
		return job.NewTransientError(fmt.Errorf("openai returned status %d", code))
	default:
		return job.NewPermanentError(job.KindProviderError, fmt.Errorf("openai rejected the request (status %d)", code))
	}
}

// resultJSON passes model output through when it is already valid
// JSON, otherwise wraps it so results stay structured.
func resultJSON(content string) json.RawMessage {
	if json.Valid([]byte(content)) {
		return json.RawMessage(content)
	}
	wrapped, _ := json.Marshal(map[string]string{"text": content})
	return wrapped
}
