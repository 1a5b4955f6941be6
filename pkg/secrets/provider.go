package secrets

import (
	"context"
	"fmt"
	"strings"
)

// Provider defines a generic secrets manager interface.
// Concrete implementations (AWS, GCP, etc.) can satisfy this.
type Provider interface {
	// GetSecret retrieves a secret by key/path and returns a key-value map.
	GetSecret(ctx context.Context, key string) (map[string]string, error)
}

// LoadConnectionSecrets fetches the named secret and normalizes its keys to
// lower snake case so "REDIS_URL" and "redis_url" are treated alike.
func LoadConnectionSecrets(ctx context.Context, p Provider, name string) (map[string]string, error) {
	if p == nil {
		return nil, fmt.Errorf("secrets provider not configured")
	}
	raw, err := p.GetSecret(ctx, name)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return out, nil
}
