package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/maheshrc27/postflow-analytics/internal/models"
)

// Registry resolves the Client variant for an account's platform. Every
// client it hands out is wrapped in the platform's guard.
type Registry struct {
	mu        sync.RWMutex
	factories map[models.Platform]Factory
	guards    map[models.Platform]*guard
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[models.Platform]Factory),
		guards:    make(map[models.Platform]*guard),
	}
}

func (r *Registry) Register(platform models.Platform, factory Factory, cfg GuardConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.factories[platform] = factory
	r.guards[platform] = newGuard(platform, cfg)
}

func (r *Registry) ClientFor(ctx context.Context, platform models.Platform, creds Credentials) (Client, error) {
	r.mu.RLock()
	factory, ok := r.factories[platform]
	g := r.guards[platform]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPlatform, platform)
	}

	client, err := factory(ctx, creds)
	if err != nil {
		return nil, fmt.Errorf("init %s client: %w", platform, err)
	}
	return &guardedClient{inner: client, g: g}, nil
}

func (r *Registry) Platforms() []models.Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.Platform, 0, len(r.factories))
	for p := range r.factories {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
