package channel

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"chatgate/internal/bus"
	"chatgate/internal/domain"
	"chatgate/internal/retry"
	"chatgate/internal/security"
)

// RegistryEntry binds a channel configuration to its adapter.
type RegistryEntry struct {
	ID      string
	Config  domain.ChannelConfig
	Adapter domain.Adapter
}

// Registry is the directory of configured adapters, keyed by id and by
// webhook route. It is built once at startup; an empty registry is valid.
type Registry struct {
	mu      sync.RWMutex
	byID    map[string]*RegistryEntry
	byRoute map[string]*RegistryEntry
}

func NewRegistry() *Registry {
	return &Registry{
		byID:    make(map[string]*RegistryEntry),
		byRoute: make(map[string]*RegistryEntry),
	}
}

// DefaultWebhookPath is used when a channel does not configure one.
func DefaultWebhookPath(id string) string { return "/webhook/" + id }

// Register adds or replaces the entry for id, including its route mapping.
func (r *Registry) Register(id string, cfg domain.ChannelConfig, adapter domain.Adapter) {
	entry := &RegistryEntry{ID: id, Config: cfg, Adapter: adapter}
	route := cfg.WebhookPath
	if route == "" {
		route = DefaultWebhookPath(id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.byID[id]; ok {
		for path, e := range r.byRoute {
			if e == prev {
				delete(r.byRoute, path)
			}
		}
	}
	r.byID[id] = entry
	r.byRoute[route] = entry
}

func (r *Registry) GetByID(id string) (*RegistryEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	return e, ok
}

func (r *Registry) GetByRoute(path string) (*RegistryEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byRoute[path]
	return e, ok
}

// WebhookPaths returns every registered route, sorted.
func (r *Registry) WebhookPaths() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	paths := make([]string, 0, len(r.byRoute))
	for p := range r.byRoute {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// All returns every entry sorted by id.
func (r *Registry) All() []*RegistryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*RegistryEntry, 0, len(r.byID))
	for _, e := range r.byID {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Deps are the shared collaborators handed to every adapter factory.
type Deps struct {
	Policy *security.PolicyEngine
	Retry  *retry.Executor
	Events *bus.EventBus
	Logger *slog.Logger
}

// Factory constructs an adapter for one channel configuration.
type Factory func(cfg domain.ChannelConfig, deps Deps) (domain.Adapter, error)

// Factories maps channel types to their constructors.
var Factories = map[string]Factory{
	domain.ChannelTelegram: func(cfg domain.ChannelConfig, deps Deps) (domain.Adapter, error) {
		return NewTelegram(TelegramConfig{Base: deps.base(cfg)})
	},
	domain.ChannelSlack: func(cfg domain.ChannelConfig, deps Deps) (domain.Adapter, error) {
		return NewSlack(SlackConfig{Base: deps.base(cfg)})
	},
	domain.ChannelDiscord: func(cfg domain.ChannelConfig, deps Deps) (domain.Adapter, error) {
		return NewDiscord(DiscordConfig{Base: deps.base(cfg)})
	},
	domain.ChannelWhatsApp: func(cfg domain.ChannelConfig, deps Deps) (domain.Adapter, error) {
		return NewWhatsApp(WhatsAppConfig{Base: deps.base(cfg)})
	},
}

func (d Deps) base(cfg domain.ChannelConfig) BaseConfig {
	return BaseConfig{Channel: cfg, Policy: d.Policy, Retry: d.Retry, Events: d.Events, Logger: d.Logger}
}

// BuildRegistry constructs adapters for every enabled channel. Unknown types
// and duplicate ids or routes are startup errors.
func BuildRegistry(cfgs []domain.ChannelConfig, deps Deps) (*Registry, error) {
	reg := NewRegistry()
	routes := make(map[string]string)
	for _, cfg := range cfgs {
		if !cfg.Enabled {
			continue
		}
		if _, dup := reg.GetByID(cfg.ID); dup {
			return nil, fmt.Errorf("channel %s: duplicate id", cfg.ID)
		}
		if cfg.WebhookPath == "" {
			cfg.WebhookPath = DefaultWebhookPath(cfg.ID)
		}
		if other, dup := routes[cfg.WebhookPath]; dup {
			return nil, fmt.Errorf("channel %s: webhook path %s already used by %s", cfg.ID, cfg.WebhookPath, other)
		}
		factory, ok := Factories[cfg.Type]
		if !ok {
			return nil, fmt.Errorf("channel %s: unknown type %q", cfg.ID, cfg.Type)
		}
		adapter, err := factory(cfg, deps)
		if err != nil {
			return nil, fmt.Errorf("channel %s: %w", cfg.ID, err)
		}
		routes[cfg.WebhookPath] = cfg.ID
		reg.Register(cfg.ID, cfg, adapter)
	}
	return reg, nil
}
