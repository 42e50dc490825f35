// Package models defines the core domain models for multi-step chain execution.
package models

import (
	"errors"
	"fmt"
)

// StepKind identifies the variant of a chain step.
type StepKind string

const (
	StepKindPrompt    StepKind = "prompt"    // Renders a template and calls an LLM provider
	StepKindCondition StepKind = "condition" // Evaluates an expression and runs one branch
	StepKindTransform StepKind = "transform" // Evaluates an expression and binds the result
)

// ChainDefinition is the immutable description of a chain. It is authored
// through the management surface and consumed read-only by the engine.
type ChainDefinition struct {
	ID          string  `json:"id"           validate:"required"`
	Name        string  `json:"name"         validate:"required,min=3"`
	WorkspaceID string  `json:"workspace_id" validate:"required"`
	Inputs      []string `json:"inputs,omitempty"`
	Steps       []*Step `json:"steps"        validate:"required,min=1"`

	// TimeoutSeconds bounds the whole run. Zero means no run-level timeout.
	// Enforced at step boundaries, like cancellation.
	TimeoutSeconds int `json:"timeout_seconds,omitempty" validate:"omitempty,min=1"`
}

// Step is a closed tagged variant. Kind selects which field group applies;
// Validate rejects definitions that mix groups or omit required fields.
type Step struct {
	Kind StepKind `json:"kind" validate:"required,oneof=prompt condition transform"`
	Name string   `json:"name,omitempty"`

	// prompt fields
	Template       string   `json:"template,omitempty"`
	SystemPrompt   string   `json:"system_prompt,omitempty"`
	Provider       string   `json:"provider,omitempty"`
	Model          string   `json:"model,omitempty"`
	Temperature    *float64 `json:"temperature,omitempty"`
	TopP           *float64 `json:"top_p,omitempty"`
	MaxTokens      int      `json:"max_tokens,omitempty"`
	RequireLiveKey bool     `json:"require_live_key,omitempty"`

	// condition fields
	Then []*Step `json:"then,omitempty"`
	Else []*Step `json:"else,omitempty"`

	// shared by condition (boolean) and transform (value)
	Expression string `json:"expression,omitempty"`

	// OutputVariable binds the step result into the run scope. Required for
	// prompt and transform steps. Rebinding an existing name overwrites it
	// (last write wins).
	OutputVariable string `json:"output_variable,omitempty"`
}

var ErrEmptyChain = errors.New("chain has no steps")

// ValidationError describes a structural problem in a chain definition,
// located by the offending step's declaration path.
type ValidationError struct {
	Path    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid step %s: %s", e.Path, e.Message)
}

// Validate performs structural validation of the chain: every step must be a
// well-formed instance of its kind. Variable reference checking is separate
// (see ValidateReferences) because it depends on the caller-supplied inputs.
func (c *ChainDefinition) Validate() error {
	if len(c.Steps) == 0 {
		return ErrEmptyChain
	}

	return validateSteps(c.Steps, "")
}

func validateSteps(steps []*Step, parent string) error {
	for i, step := range steps {
		path := fmt.Sprintf("%s[%d]", parent, i)

		if err := step.validate(path); err != nil {
			return err
		}
	}

	return nil
}

func (s *Step) validate(path string) error {
	switch s.Kind {
	case StepKindPrompt:
		if s.Template == "" {
			return &ValidationError{Path: path, Message: "prompt step requires a template"}
		}

		if s.Model == "" {
			return &ValidationError{Path: path, Message: "prompt step requires a model"}
		}

		if s.OutputVariable == "" {
			return &ValidationError{Path: path, Message: "prompt step requires an output variable"}
		}

		if len(s.Then) > 0 || len(s.Else) > 0 {
			return &ValidationError{Path: path, Message: "prompt step cannot declare branches"}
		}
	case StepKindCondition:
		if s.Expression == "" {
			return &ValidationError{Path: path, Message: "condition step requires an expression"}
		}

		if len(s.Then) == 0 && len(s.Else) == 0 {
			return &ValidationError{Path: path, Message: "condition step requires at least one branch"}
		}

		if s.OutputVariable != "" {
			return &ValidationError{Path: path, Message: "condition step cannot bind an output variable"}
		}

		if err := validateSteps(s.Then, path+".then"); err != nil {
			return err
		}

		if err := validateSteps(s.Else, path+".else"); err != nil {
			return err
		}
	case StepKindTransform:
		if s.Expression == "" {
			return &ValidationError{Path: path, Message: "transform step requires an expression"}
		}

		if s.OutputVariable == "" {
			return &ValidationError{Path: path, Message: "transform step requires an output variable"}
		}

		if len(s.Then) > 0 || len(s.Else) > 0 {
			return &ValidationError{Path: path, Message: "transform step cannot declare branches"}
		}
	default:
		return &ValidationError{Path: path, Message: fmt.Sprintf("unknown step kind %q", s.Kind)}
	}

	return nil
}

// DeclaredVariables returns the set of names bound before any step runs:
// the chain's declared inputs plus the caller-supplied initial variables.
func (c *ChainDefinition) DeclaredVariables(initial map[string]any) map[string]struct{} {
	declared := make(map[string]struct{}, len(c.Inputs)+len(initial))

	for _, name := range c.Inputs {
		declared[name] = struct{}{}
	}

	for name := range initial {
		declared[name] = struct{}{}
	}

	return declared
}
