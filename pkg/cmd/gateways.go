package cmd

import (
	"github.com/promptforge/chainforge/pkg/providers"
)

// NewGateways builds the provider registry with every built-in adapter.
// The mock gateway is always present for demo-mode execution.
func NewGateways() *providers.Registry {
	return providers.NewDefaultRegistry()
}
