package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"
)

const openAIDefaultBaseURL = "https://api.openai.com/v1"

// OpenAI adapts the chat-completions API to the unified gateway shape.
type OpenAI struct {
	baseURL string
	client  *http.Client
}

func NewOpenAI() *OpenAI {
	return NewOpenAIWithOptions(openAIDefaultBaseURL, 0)
}

// NewOpenAIWithOptions allows overriding the endpoint and call timeout.
// Also serves OpenAI-compatible endpoints (Azure, local inference servers).
func NewOpenAIWithOptions(baseURL string, timeout time.Duration) *OpenAI {
	return &OpenAI{
		baseURL: baseURL,
		client:  newHTTPClient(timeout),
	}
}

func (o *OpenAI) Name() string {
	return "openai"
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message openAIMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

func (o *OpenAI) Complete(ctx context.Context, req CompletionRequest) (*CompletionResult, error) {
	messages := make([]openAIMessage, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, openAIMessage{Role: "system", Content: req.SystemPrompt})
	}

	messages = append(messages, openAIMessage{Role: "user", Content: req.Prompt})

	payload, err := json.Marshal(openAIRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, newError(o.Name(), ErrorKindInvalidRequest, "failed to encode request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, newError(o.Name(), ErrorKindInvalidRequest, "failed to build request", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+req.Credential.Key)

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, transportError(o.Name(), err)
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(o.Name(), resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newError(o.Name(), ErrorKindUnknown, "failed to read response", err)
	}

	var parsed openAIResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, newError(o.Name(), ErrorKindUnknown, "unparseable response", err)
	}

	if len(parsed.Choices) == 0 {
		return nil, newError(o.Name(), ErrorKindUnknown, "response contains no choices", nil)
	}

	output := parsed.Choices[0].Message.Content

	tokens := parsed.Usage.TotalTokens
	if tokens == 0 {
		tokens = EstimateTokens(req.Prompt) + EstimateTokens(output)
	}

	return &CompletionResult{
		Output:     output,
		TokensUsed: tokens,
		Source:     req.Credential.Source,
	}, nil
}

var _ Gateway = (*OpenAI)(nil)
