// Package adapters resolves the webhook adapter for a provider path segment.
package adapters

import (
	"sort"
	"strings"
	"time"

	"github.com/smallbiznis/signflow/internal/config"
	"github.com/smallbiznis/signflow/internal/payment/adapters/stripe"
	"github.com/smallbiznis/signflow/internal/payment/domain"
)

type entry struct {
	factory  domain.AdapterFactory
	settings map[string]any
}

// Registry maps provider names to adapter factories and their settings.
type Registry struct {
	entries map[string]entry
}

func NewRegistry() *Registry {
	return &Registry{entries: map[string]entry{}}
}

// FromConfig registers every provider the deployment is configured for.
func FromConfig(cfg config.Config) *Registry {
	return NewRegistry().Register(stripe.NewFactory(), map[string]any{
		"webhook_secret": cfg.Stripe.WebhookSecret,
		"tolerance":      cfg.Stripe.WebhookTolerance,
	})
}

// Register adds a factory. Later registrations for a provider win.
func (r *Registry) Register(factory domain.AdapterFactory, settings map[string]any) *Registry {
	if factory == nil {
		return r
	}
	if name := normalize(factory.Provider()); name != "" {
		r.entries[name] = entry{factory: factory, settings: settings}
	}
	return r
}

func (r *Registry) Providers() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Adapter builds a fresh adapter for provider. Unknown providers return
// ErrProviderNotFound.
func (r *Registry) Adapter(provider string, now func() time.Time) (domain.PaymentAdapter, error) {
	if r == nil {
		return nil, domain.ErrProviderNotFound
	}
	name := normalize(provider)
	e, ok := r.entries[name]
	if !ok {
		return nil, domain.ErrProviderNotFound
	}
	return e.factory.NewAdapter(domain.AdapterConfig{Provider: name, Config: e.settings, Now: now})
}

func normalize(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}
