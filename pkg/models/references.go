package models

import (
	"fmt"

	"github.com/promptforge/chainforge/pkg/variables"
)

// ValidateReferences checks that every {{name}} token in the chain's prompt
// templates refers to a declared input, a caller-supplied initial variable,
// or the output of an earlier step. Substitution itself fails open; this
// check is what surfaces typos before a run spends provider tokens.
//
// Expression steps are not checked: the expression language resolves unknown
// identifiers to nil, which is a legitimate way to probe optional values.
func (c *ChainDefinition) ValidateReferences(initial map[string]any) error {
	return checkReferences(c.Steps, "", c.DeclaredVariables(initial))
}

func checkReferences(steps []*Step, parent string, declared map[string]struct{}) error {
	for i, step := range steps {
		path := fmt.Sprintf("%s[%d]", parent, i)

		switch step.Kind {
		case StepKindPrompt:
			for _, template := range []string{step.Template, step.SystemPrompt} {
				for _, name := range variables.Referenced(template) {
					if _, ok := declared[name]; !ok {
						return &ValidationError{
							Path:    path,
							Message: fmt.Sprintf("references undeclared variable %q", name),
						}
					}
				}
			}
		case StepKindCondition:
			// Each branch sees the bindings made so far plus its own. After the
			// condition, bindings from both branches count as declared: which
			// branch runs is unknowable at load time, and an unresolved token
			// at runtime fails open rather than crashing.
			thenDeclared := copySet(declared)
			if err := checkReferences(step.Then, path+".then", thenDeclared); err != nil {
				return err
			}

			elseDeclared := copySet(declared)
			if err := checkReferences(step.Else, path+".else", elseDeclared); err != nil {
				return err
			}

			mergeSet(declared, thenDeclared)
			mergeSet(declared, elseDeclared)
		}

		if step.OutputVariable != "" {
			declared[step.OutputVariable] = struct{}{}
		}
	}

	return nil
}

func copySet(set map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(set))
	for name := range set {
		out[name] = struct{}{}
	}

	return out
}

func mergeSet(dst, src map[string]struct{}) {
	for name := range src {
		dst[name] = struct{}{}
	}
}
