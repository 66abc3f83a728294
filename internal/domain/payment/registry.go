package payment

import (
	"errors"
	"fmt"
)

var ErrUnknownProvider = errors.New("payment: unknown provider")

// Registry holds the configured gateway adapters keyed by provider.
type Registry map[string]Gateway

func NewRegistry(gateways ...Gateway) Registry {
	r := make(Registry, len(gateways))
	for _, g := range gateways {
		r[g.Provider()] = g
	}
	return r
}

func (r Registry) Lookup(provider string) (Gateway, error) {
	g, ok := r[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
	return g, nil
}
