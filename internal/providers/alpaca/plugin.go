package alpaca

import (
	"context"

	"github.com/feedrun/feedrun/internal/provider"
)

// PluginConfig carries the adapter configs into plugin registration.
type PluginConfig struct {
	Stream     StreamConfig     `yaml:"stream"`
	Historical HistoricalConfig `yaml:"historical"`
}

// Plugin registers the Alpaca streaming and historical adapters. Credentials
// come from ALPACA__KEYID and ALPACA__SECRETKEY.
type Plugin struct {
	cfg  PluginConfig
	emit provider.Emitter
}

// NewPlugin creates the plugin. The emitter receives streaming events.
func NewPlugin(cfg PluginConfig, emit provider.Emitter) *Plugin {
	return &Plugin{cfg: cfg, emit: emit}
}

// Info implements provider.Plugin.
func (p *Plugin) Info() provider.PluginInfo {
	return provider.PluginInfo{ID: ProviderID, DisplayName: "Alpaca Markets", Version: "1.0.0"}
}

// CredentialFields implements provider.Plugin.
func (p *Plugin) CredentialFields() []provider.CredentialField {
	return []provider.CredentialField{
		{Name: "keyid", Required: true},
		{Name: "secretkey", Required: true},
	}
}

// Register implements provider.Plugin.
func (p *Plugin) Register(ctx context.Context, reg *provider.Registry, creds provider.Credentials) error {
	keyID, secret := creds["keyid"], creds["secretkey"]
	if err := reg.RegisterStreaming(NewStream(p.cfg.Stream, keyID, secret, p.emit)); err != nil {
		return err
	}
	return reg.RegisterHistorical(NewHistorical(p.cfg.Historical, keyID, secret))
}
