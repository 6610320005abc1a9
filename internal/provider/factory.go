package provider

import (
	"fmt"
	"time"

	"github.com/nidhogg/code-monkeys/internal/config"
	"go.uber.org/zap"
)

// FromConfig builds a Router with one provider per configured entry.
// The first entry becomes the default.
func FromConfig(cfgs []config.ProviderConfig, logger *zap.Logger) (*Router, error) {
	r := NewRouter(logger)
	for _, c := range cfgs {
		pc := ProviderConfig{
			ID:       c.ID,
			Type:     c.Type,
			Name:     c.Name,
			Endpoint: c.Endpoint,
			APIKey:   c.APIKey,
			Models:   c.Models,
			Extra:    c.Extra,
			Timeout:  time.Duration(c.TimeoutSeconds) * time.Second,
		}
		if pc.Name == "" {
			pc.Name = pc.ID
		}
		switch c.Type {
		case "openai":
			r.Register(NewOpenAIProvider(pc, logger))
		case "anthropic":
			r.Register(NewAnthropicProvider(pc, logger))
		default:
			return nil, &config.ConfigurationError{
				Source: "providers",
				Err:    fmt.Errorf("provider %s: unknown type %q", c.ID, c.Type),
			}
		}
	}
	return r, nil
}
