// Package credentials resolves API keys and tokens for provider backends.
package credentials

import (
	"context"
	"fmt"
)

// Credential is a resolved secret.
type Credential struct {
	Key    string
	Value  string
	Source string
}

// Provider resolves credentials from one source.
type Provider interface {
	Name() string
	GetCredential(ctx context.Context, key string) (*Credential, error)
	ListAvailable(ctx context.Context) ([]string, error)
}

// Manager resolves credentials across an ordered list of providers.
type Manager struct {
	providers []Provider
}

// NewManager creates a manager that consults providers in order.
func NewManager(providers ...Provider) *Manager {
	return &Manager{providers: providers}
}

// Get returns the first credential any provider resolves for key.
func (m *Manager) Get(ctx context.Context, key string) (*Credential, error) {
	for _, p := range m.providers {
		cred, err := p.GetCredential(ctx, key)
		if err == nil && cred != nil {
			return cred, nil
		}
	}
	return nil, fmt.Errorf("credential not found: %s", key)
}

// GetValue returns the credential value, or "" when unresolved.
func (m *Manager) GetValue(ctx context.Context, key string) string {
	cred, err := m.Get(ctx, key)
	if err != nil {
		return ""
	}
	return cred.Value
}

// ListAvailable merges the available keys across all providers.
func (m *Manager) ListAvailable(ctx context.Context) []string {
	seen := make(map[string]bool)
	var keys []string
	for _, p := range m.providers {
		available, err := p.ListAvailable(ctx)
		if err != nil {
			continue
		}
		for _, k := range available {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	return keys
}
