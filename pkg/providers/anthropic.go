package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"
)

const (
	anthropicDefaultBaseURL  = "https://api.anthropic.com/v1"
	anthropicAPIVersion      = "2023-06-01"
	anthropicDefaultMaxToken = 1024
)

// Anthropic adapts the messages API to the unified gateway shape.
type Anthropic struct {
	baseURL string
	client  *http.Client
}

func NewAnthropic() *Anthropic {
	return NewAnthropicWithOptions(anthropicDefaultBaseURL, 0)
}

func NewAnthropicWithOptions(baseURL string, timeout time.Duration) *Anthropic {
	return &Anthropic{
		baseURL: baseURL,
		client:  newHTTPClient(timeout),
	}
}

func (a *Anthropic) Name() string {
	return "anthropic"
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature *float64           `json:"temperature,omitempty"`
	TopP        *float64           `json:"top_p,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (a *Anthropic) Complete(ctx context.Context, req CompletionRequest) (*CompletionResult, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		// The messages API requires max_tokens.
		maxTokens = anthropicDefaultMaxToken
	}

	payload, err := json.Marshal(anthropicRequest{
		Model:       req.Model,
		System:      req.SystemPrompt,
		Messages:    []anthropicMessage{{Role: "user", Content: req.Prompt}},
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return nil, newError(a.Name(), ErrorKindInvalidRequest, "failed to encode request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, newError(a.Name(), ErrorKindInvalidRequest, "failed to build request", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", req.Credential.Key)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, transportError(a.Name(), err)
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(a.Name(), resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newError(a.Name(), ErrorKindUnknown, "failed to read response", err)
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, newError(a.Name(), ErrorKindUnknown, "unparseable response", err)
	}

	var output string

	for _, block := range parsed.Content {
		if block.Type == "text" {
			output += block.Text
		}
	}

	if output == "" && len(parsed.Content) == 0 {
		return nil, newError(a.Name(), ErrorKindUnknown, "response contains no content", nil)
	}

	tokens := parsed.Usage.InputTokens + parsed.Usage.OutputTokens
	if tokens == 0 {
		tokens = EstimateTokens(req.Prompt) + EstimateTokens(output)
	}

	return &CompletionResult{
		Output:     output,
		TokensUsed: tokens,
		Source:     req.Credential.Source,
	}, nil
}

var _ Gateway = (*Anthropic)(nil)
