package litellm

import (
	"context"
	"fmt"

	"github.com/somahq/arbiter/internal/port/provider"
)

const adapterName = "litellm"

// Provider adapts one LiteLLM model to the provider port.
type Provider struct {
	name   string
	role   string
	model  string
	client *Client
}

// NewProvider creates a provider that answers through the given LiteLLM
// model. name becomes the fusion source tag; role drives fusion weighting.
func NewProvider(client *Client, name, role, model string) *Provider {
	return &Provider{name: name, role: role, model: model, client: client}
}

// Register registers the LiteLLM provider factory with the given client.
// Factory config keys: "name", "role", "model".
func Register(client *Client) {
	provider.Register(adapterName, func(config map[string]string) (provider.Provider, error) {
		name, role, model := config["name"], config["role"], config["model"]
		if name == "" || model == "" {
			return nil, fmt.Errorf("litellm: factory config needs name and model, got %v", config)
		}
		return NewProvider(client, name, role, model), nil
	})
}

// Name returns the configured provider name.
func (p *Provider) Name() string { return p.name }

// Role returns the configured reasoning role.
func (p *Provider) Role() string { return p.role }

// Invoke sends the prompt to the configured model.
func (p *Provider) Invoke(ctx context.Context, prompt string, opts provider.Options) (*provider.Result, error) {
	res, err := p.client.Complete(ctx, p.model, prompt, opts)
	if err != nil {
		return nil, fmt.Errorf("litellm %s: %w", p.name, err)
	}
	return res, nil
}
