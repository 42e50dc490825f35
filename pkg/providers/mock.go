package providers

import (
	"context"
	"fmt"

	"github.com/promptforge/chainforge/pkg/models"
)

// DemoMarker prefixes every synthetic output so consumers of a trace can
// never mistake demo text for a real completion.
const DemoMarker = "[demo]"

// Mock is the deterministic demo-mode gateway. It echoes the rendered
// prompt, which keeps chains testable end to end without live keys and
// makes repeated runs produce identical traces.
type Mock struct{}

func NewMock() *Mock {
	return &Mock{}
}

func (m *Mock) Name() string {
	return "mock"
}

func (m *Mock) Complete(_ context.Context, req CompletionRequest) (*CompletionResult, error) {
	output := fmt.Sprintf("%s %s", DemoMarker, req.Prompt)

	return &CompletionResult{
		Output:     output,
		TokensUsed: EstimateTokens(req.Prompt) + EstimateTokens(output),
		Source:     models.CredentialSourceMock,
	}, nil
}

var _ Gateway = (*Mock)(nil)
