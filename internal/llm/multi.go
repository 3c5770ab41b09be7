package llm

import (
	"context"
	"fmt"
)

// MultiClient routes each request to a provider chosen by model name.
type MultiClient struct {
	providers map[string]Client
	models    map[string]string
	fallback  Client
}

// NewMultiClient returns a router whose unknown models go to fallback.
func NewMultiClient(fallback Client) *MultiClient {
	return &MultiClient{
		providers: make(map[string]Client),
		models:    make(map[string]string),
		fallback:  fallback,
	}
}

// AddProvider registers a provider under a name.
func (m *MultiClient) AddProvider(name string, c Client) {
	m.providers[name] = c
}

// AddModel routes a model to a registered provider.
func (m *MultiClient) AddModel(model, provider string) {
	m.models[model] = provider
}

func (m *MultiClient) clientFor(model string) (Client, error) {
	if p, ok := m.models[model]; ok {
		if c, ok := m.providers[p]; ok {
			return c, nil
		}
		return nil, fmt.Errorf("model %q routed to unregistered provider %q", model, p)
	}
	if m.fallback == nil {
		return nil, fmt.Errorf("no provider configured for model %q", model)
	}
	return m.fallback, nil
}

// Chat implements [Client].
func (m *MultiClient) Chat(ctx context.Context, model string, messages []Message, tools []Tool) (*Response, error) {
	c, err := m.clientFor(model)
	if err != nil {
		return nil, err
	}
	return c.Chat(ctx, model, messages, tools)
}

// Ping checks every registered provider.
func (m *MultiClient) Ping(ctx context.Context) error {
	for name, c := range m.providers {
		if err := c.Ping(ctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if m.fallback != nil && len(m.providers) == 0 {
		return m.fallback.Ping(ctx)
	}
	return nil
}
