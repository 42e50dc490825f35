package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const googleAIDefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GoogleAI adapts the generateContent API to the unified gateway shape.
type GoogleAI struct {
	baseURL string
	client  *http.Client
}

func NewGoogleAI() *GoogleAI {
	return NewGoogleAIWithOptions(googleAIDefaultBaseURL, 0)
}

func NewGoogleAIWithOptions(baseURL string, timeout time.Duration) *GoogleAI {
	return &GoogleAI{
		baseURL: baseURL,
		client:  newHTTPClient(timeout),
	}
}

func (g *GoogleAI) Name() string {
	return "googleai"
}

type googlePart struct {
	Text string `json:"text"`
}

type googleContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []googlePart `json:"parts"`
}

type googleGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
}

type googleRequest struct {
	Contents          []googleContent         `json:"contents"`
	SystemInstruction *googleContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *googleGenerationConfig `json:"generationConfig,omitempty"`
}

type googleResponse struct {
	Candidates []struct {
		Content googleContent `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		TotalTokenCount int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

func (g *GoogleAI) Complete(ctx context.Context, req CompletionRequest) (*CompletionResult, error) {
	request := googleRequest{
		Contents: []googleContent{{Role: "user", Parts: []googlePart{{Text: req.Prompt}}}},
	}

	if req.SystemPrompt != "" {
		request.SystemInstruction = &googleContent{Parts: []googlePart{{Text: req.SystemPrompt}}}
	}

	if req.Temperature != nil || req.TopP != nil || req.MaxTokens > 0 {
		request.GenerationConfig = &googleGenerationConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			MaxOutputTokens: req.MaxTokens,
		}
	}

	payload, err := json.Marshal(request)
	if err != nil {
		return nil, newError(g.Name(), ErrorKindInvalidRequest, "failed to encode request", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", g.baseURL, req.Model, req.Credential.Key)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, newError(g.Name(), ErrorKindInvalidRequest, "failed to build request", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, transportError(g.Name(), err)
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(g.Name(), resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newError(g.Name(), ErrorKindUnknown, "failed to read response", err)
	}

	var parsed googleResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, newError(g.Name(), ErrorKindUnknown, "unparseable response", err)
	}

	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return nil, newError(g.Name(), ErrorKindUnknown, "response contains no candidates", nil)
	}

	output := parsed.Candidates[0].Content.Parts[0].Text

	tokens := parsed.UsageMetadata.TotalTokenCount
	if tokens == 0 {
		tokens = EstimateTokens(req.Prompt) + EstimateTokens(output)
	}

	return &CompletionResult{
		Output:     output,
		TokensUsed: tokens,
		Source:     req.Credential.Source,
	}, nil
}

var _ Gateway = (*GoogleAI)(nil)
