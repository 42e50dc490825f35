package providers

import "fmt"

// Registry maps provider names to gateways. The mock gateway is always
// present: it backs demo-mode execution whenever no live key resolves.
type Registry struct {
	gateways map[string]Gateway
	mock     Gateway
}

func NewRegistry() *Registry {
	return &Registry{
		gateways: make(map[string]Gateway),
		mock:     NewMock(),
	}
}

// NewDefaultRegistry returns a registry with all built-in adapters.
func NewDefaultRegistry() *Registry {
	registry := NewRegistry()
	registry.Register(NewOpenAI())
	registry.Register(NewAnthropic())
	registry.Register(NewGoogleAI())

	return registry
}

func (r *Registry) Register(gateway Gateway) {
	r.gateways[gateway.Name()] = gateway
}

// Get returns the gateway for name, or an error when the provider is not
// supported. Mock-mode dispatch goes through Mock(), not Get().
func (r *Registry) Get(name string) (Gateway, error) {
	gateway, ok := r.gateways[name]
	if !ok {
		return nil, fmt.Errorf("unsupported provider: %s", name)
	}

	return gateway, nil
}

// Mock returns the demo-mode gateway.
func (r *Registry) Mock() Gateway {
	return r.mock
}

// Names lists the registered provider names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.gateways))
	for name := range r.gateways {
		names = append(names, name)
	}

	return names
}
