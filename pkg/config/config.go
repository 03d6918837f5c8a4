// Package config implements the bridge configuration surface (§6): loading
// and persisting the profile list, and resolving which profile is active.
package config

import (
	"encoding/json"

	"github.com/Runixs/local-event-gateway/pkg/storage"
	"github.com/Runixs/local-event-gateway/pkg/types"
)

// Resolver loads/saves the BridgeConfig and resolves the active profile.
type Resolver struct {
	kv storage.KV
}

// New wraps the given KV capability.
func New(kv storage.KV) *Resolver {
	return &Resolver{kv: kv}
}

// Load returns the persisted config, or a zero-value config (autoSync
// false, no profiles) if none has been saved yet.
func (r *Resolver) Load() (types.BridgeConfig, error) {
	raw, err := r.kv.Get(storage.KeyConfig)
	if err != nil {
		return types.BridgeConfig{}, err
	}
	if raw == nil {
		return types.BridgeConfig{}, nil
	}
	var cfg types.BridgeConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return types.BridgeConfig{}, nil
	}
	return cfg, nil
}

// Save persists cfg, clamping every profile's priority to [-1000, 1000].
func (r *Resolver) Save(cfg types.BridgeConfig) error {
	for i := range cfg.Profiles {
		cfg.Profiles[i].Priority = clampPriority(cfg.Profiles[i].Priority)
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return r.kv.Set(storage.KeyConfig, raw)
}

func clampPriority(p int) int {
	if p < -1000 {
		return -1000
	}
	if p > 1000 {
		return 1000
	}
	return p
}

// ActiveProfile resolves per §6: the enabled profile matching
// ActiveClientID wins; else the highest-priority enabled profile; else the
// first profile (even if disabled, so callers can report why it's
// disabled). Returns false if there are no profiles at all.
func ActiveProfile(cfg types.BridgeConfig) (types.Profile, bool) {
	if len(cfg.Profiles) == 0 {
		return types.Profile{}, false
	}
	if cfg.ActiveClientID != "" {
		for _, p := range cfg.Profiles {
			if p.ClientID == cfg.ActiveClientID && p.Enabled {
				return p, true
			}
		}
	}
	var best *types.Profile
	for i := range cfg.Profiles {
		p := &cfg.Profiles[i]
		if !p.Enabled {
			continue
		}
		if best == nil || p.Priority > best.Priority {
			best = p
		}
	}
	if best != nil {
		return *best, true
	}
	return cfg.Profiles[0], true
}
