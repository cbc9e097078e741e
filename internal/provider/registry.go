package provider

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// PluginInfo describes a provider plugin.
type PluginInfo struct {
	ID          string `json:"plugin_id"`
	DisplayName string `json:"display_name"`
	Version     string `json:"version"`
}

// CredentialField declares one credential a plugin reads from the
// environment. The environment variable is <PLUGIN>__<NAME>, both
// uppercased (e.g. ALPACA__KEYID).
type CredentialField struct {
	Name     string `json:"name"`
	Required bool   `json:"required"`
}

// Credentials maps declared field names to resolved values.
type Credentials map[string]string

// Plugin registers one or more providers with the registry during startup.
// Plugins are discovered from a declared list, not dynamic loading.
type Plugin interface {
	Info() PluginInfo
	CredentialFields() []CredentialField
	Register(ctx context.Context, reg *Registry, creds Credentials) error
}

// EnvVarFor returns the environment variable backing a credential field.
func EnvVarFor(pluginID, field string) string {
	return strings.ToUpper(pluginID) + "__" + strings.ToUpper(field)
}

// LoadCredentials resolves a plugin's credential fields from the
// environment. The second return lists missing required fields.
func LoadCredentials(pluginID string, fields []CredentialField) (Credentials, []string) {
	creds := make(Credentials, len(fields))
	var missing []string
	for _, f := range fields {
		v := os.Getenv(EnvVarFor(pluginID, f.Name))
		if v == "" {
			if f.Required {
				missing = append(missing, EnvVarFor(pluginID, f.Name))
			}
			continue
		}
		creds[f.Name] = v
	}
	return creds, missing
}

// Registry is the process-wide provider mapping. It is populated once at
// startup by plugin registration and read-only thereafter.
type Registry struct {
	mu         sync.RWMutex
	streaming  map[string]StreamingProvider
	historical map[string]HistoricalProvider
	health     map[string]*HealthTracker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		streaming:  make(map[string]StreamingProvider),
		historical: make(map[string]HistoricalProvider),
		health:     make(map[string]*HealthTracker),
	}
}

// RegisterStreaming adds a streaming provider.
func (r *Registry) RegisterStreaming(p StreamingProvider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := p.ID()
	if id == "" {
		return fmt.Errorf("streaming provider must have a non-empty id")
	}
	if _, exists := r.streaming[id]; exists {
		return fmt.Errorf("streaming provider %s already registered", id)
	}
	r.streaming[id] = p
	r.ensureHealthLocked(id)
	return nil
}

// RegisterHistorical adds a historical provider.
func (r *Registry) RegisterHistorical(p HistoricalProvider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := p.ID()
	if id == "" {
		return fmt.Errorf("historical provider must have a non-empty id")
	}
	if _, exists := r.historical[id]; exists {
		return fmt.Errorf("historical provider %s already registered", id)
	}
	r.historical[id] = p
	r.ensureHealthLocked(id)
	return nil
}

func (r *Registry) ensureHealthLocked(id string) {
	if _, ok := r.health[id]; !ok {
		r.health[id] = NewHealthTracker(id)
	}
}

// GetStreaming looks up a streaming provider by id.
func (r *Registry) GetStreaming(id string) (StreamingProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.streaming[id]
	if !ok {
		return nil, fmt.Errorf("no streaming provider registered for id: %s", id)
	}
	return p, nil
}

// GetHistorical looks up a historical provider by id.
func (r *Registry) GetHistorical(id string) (HistoricalProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.historical[id]
	if !ok {
		return nil, fmt.Errorf("no historical provider registered for id: %s", id)
	}
	return p, nil
}

// StreamingProviders returns all streaming providers ordered by priority
// (highest first), ties broken by id for determinism.
func (r *Registry) StreamingProviders() []StreamingProvider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]StreamingProvider, 0, len(r.streaming))
	for _, p := range r.streaming {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority() != out[j].Priority() {
			return out[i].Priority() > out[j].Priority()
		}
		return out[i].ID() < out[j].ID()
	})
	return out
}

// HistoricalProviders returns all historical providers ordered by priority
// (highest first).
func (r *Registry) HistoricalProviders() []HistoricalProvider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]HistoricalProvider, 0, len(r.historical))
	for _, p := range r.historical {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority() != out[j].Priority() {
			return out[i].Priority() > out[j].Priority()
		}
		return out[i].ID() < out[j].ID()
	})
	return out
}

// HealthOf returns the health tracker for a provider id, creating it if
// the id is unknown so failover can score never-seen providers.
func (r *Registry) HealthOf(id string) *HealthTracker {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ensureHealthLocked(id)
	return r.health[id]
}

// HealthSnapshot returns health states for all known providers.
func (r *Registry) HealthSnapshot() map[string]HealthState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]HealthState, len(r.health))
	for id, h := range r.health {
		out[id] = h.Snapshot()
	}
	return out
}

// RegisterPlugins runs each plugin's registration. A plugin with missing
// required credentials is disabled and skipped; a registration error aborts
// startup.
func (r *Registry) RegisterPlugins(ctx context.Context, plugins []Plugin) error {
	for _, pl := range plugins {
		info := pl.Info()
		creds, missing := LoadCredentials(info.ID, pl.CredentialFields())
		if len(missing) > 0 {
			log.Warn().
				Str("plugin", info.ID).
				Strs("missing", missing).
				Msg("plugin disabled: required credentials not set")
			continue
		}
		if err := pl.Register(ctx, r, creds); err != nil {
			return fmt.Errorf("register plugin %s: %w", info.ID, err)
		}
		log.Info().
			Str("plugin", info.ID).
			Str("version", info.Version).
			Msg("plugin registered")
	}
	return nil
}
