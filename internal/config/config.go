package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"chatgate/internal/channel"
	"chatgate/internal/domain"
	"chatgate/internal/retry"
)

// Config is the root configuration for chatgate.
type Config struct {
	General   GeneralConfig          `json:"general" yaml:"general"`
	Server    ServerConfig           `json:"server" yaml:"server"`
	Gateway   GatewayConfig          `json:"gateway" yaml:"gateway"`
	Storage   StorageConfig          `json:"storage" yaml:"storage"`
	Engine    EngineConfig           `json:"engine" yaml:"engine"`
	Retry     RetryConfig            `json:"retry" yaml:"retry"`
	RateLimit RateLimitConfig        `json:"rateLimit" yaml:"rateLimit"`
	Security  SecurityConfig         `json:"security" yaml:"security"`
	Channels  []domain.ChannelConfig `json:"channels" yaml:"channels"`
}

type GeneralConfig struct {
	LogLevel  string `json:"logLevel" yaml:"logLevel"`
	LogFormat string `json:"logFormat" yaml:"logFormat"`                   // "text" | "json"
	LogFile   string `json:"logFile,omitempty" yaml:"logFile,omitempty"` // optional log file path
}

// ServerConfig is the HTTP listener for webhooks, /health and /metrics.
type ServerConfig struct {
	Addr                   string `json:"addr" yaml:"addr"`
	ShutdownTimeoutSeconds int    `json:"shutdownTimeoutSeconds" yaml:"shutdownTimeoutSeconds"`
	MetricsEnabled         bool   `json:"metricsEnabled" yaml:"metricsEnabled"`
}

// GatewayConfig is the standalone WebSocket endpoint.
type GatewayConfig struct {
	Enabled        bool     `json:"enabled" yaml:"enabled"`
	Addr           string   `json:"addr" yaml:"addr"`
	Path           string   `json:"path" yaml:"path"`
	AllowedOrigins []string `json:"allowedOrigins,omitempty" yaml:"allowedOrigins,omitempty"`
}

type StorageConfig struct {
	DBPath string `json:"dbPath" yaml:"dbPath"`
}

// EngineConfig configures the OpenAI-compatible chat engine.
type EngineConfig struct {
	APIBase        string                 `json:"apiBase" yaml:"apiBase"`
	APIKey         string                 `json:"apiKey,omitempty" yaml:"apiKey,omitempty"`
	Model          string                 `json:"model" yaml:"model"`
	SystemPrompt   string                 `json:"systemPrompt,omitempty" yaml:"systemPrompt,omitempty"`
	MaxTokens      int                    `json:"maxTokens,omitempty" yaml:"maxTokens,omitempty"`
	Temperature    float64                `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	HistoryTurns   int                    `json:"historyTurns" yaml:"historyTurns"`
	TimeoutSeconds int                    `json:"timeoutSeconds" yaml:"timeoutSeconds"`
	Agents         map[string]AgentConfig `json:"agents,omitempty" yaml:"agents,omitempty"`
}

// AgentConfig is a named sub-agent a channel can be pinned to.
type AgentConfig struct {
	Model        string `json:"model,omitempty" yaml:"model,omitempty"`
	SystemPrompt string `json:"systemPrompt,omitempty" yaml:"systemPrompt,omitempty"`
}

// RetryConfig bounds the backoff applied to rate-limited platform calls.
type RetryConfig struct {
	MaxRetries  int `json:"maxRetries" yaml:"maxRetries"`
	BaseDelayMs int `json:"baseDelayMs" yaml:"baseDelayMs"`
	MaxDelayMs  int `json:"maxDelayMs" yaml:"maxDelayMs"`
}

// Policy converts the section into a retry.Policy.
func (r RetryConfig) Policy() retry.Policy {
	return retry.Policy{
		MaxRetries: r.MaxRetries,
		BaseDelay:  time.Duration(r.BaseDelayMs) * time.Millisecond,
		MaxDelay:   time.Duration(r.MaxDelayMs) * time.Millisecond,
	}
}

// RateLimitConfig is the per-route webhook ingress limit. PerSecond 0
// disables limiting.
type RateLimitConfig struct {
	PerSecond float64 `json:"perSecond" yaml:"perSecond"`
	Burst     int     `json:"burst" yaml:"burst"`
}

type SecurityConfig struct {
	PairingTTLMinutes    int `json:"pairingTTLMinutes" yaml:"pairingTTLMinutes"`
	SweepIntervalSeconds int `json:"sweepIntervalSeconds" yaml:"sweepIntervalSeconds"` // 0 disables the sweeper

	// SanitizerPatterns replaces the built-in inspection patterns when set.
	SanitizerPatterns map[string][]string `json:"sanitizerPatterns,omitempty" yaml:"sanitizerPatterns,omitempty"`
}

// DefaultConfigDir returns the default config directory (~/.chatgate).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chatgate"
	}
	return filepath.Join(home, ".chatgate")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.Storage.DBPath = ExpandPath(cfg.Storage.DBPath)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

// Save writes cfg as YAML or JSON depending on the file extension. The file
// holds credentials, so it is written owner-only.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// requiredCredentials lists the secrets each channel type cannot start without.
var requiredCredentials = map[string][]string{
	domain.ChannelTelegram: {channel.TelegramToken},
	domain.ChannelSlack:    {channel.SlackBotToken, channel.SlackSigningSecret},
	domain.ChannelDiscord:  {channel.DiscordBotToken, channel.DiscordPublicKey},
	domain.ChannelWhatsApp: {channel.WhatsAppAccessToken, channel.WhatsAppPhoneNumberID, channel.WhatsAppAppSecret},
}

// Validate checks that the config has valid values. Every problem is
// reported, not just the first.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	switch cfg.General.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, "general.logFormat must be one of: text, json")
	}

	if err := validateAddr(cfg.Server.Addr); err != nil {
		errs = append(errs, "server.addr: "+err.Error())
	}
	if cfg.Gateway.Enabled {
		if err := validateAddr(cfg.Gateway.Addr); err != nil {
			errs = append(errs, "gateway.addr: "+err.Error())
		}
		if cfg.Gateway.Addr == cfg.Server.Addr {
			errs = append(errs, "gateway.addr must differ from server.addr")
		}
		if !strings.HasPrefix(cfg.Gateway.Path, "/") {
			errs = append(errs, "gateway.path must start with /")
		}
	}

	if cfg.Storage.DBPath == "" {
		errs = append(errs, "storage.dbPath is required")
	}
	if cfg.Engine.APIBase == "" {
		errs = append(errs, "engine.apiBase is required")
	}
	if cfg.Engine.Model == "" {
		errs = append(errs, "engine.model is required")
	}
	if cfg.Engine.TimeoutSeconds < 1 {
		errs = append(errs, "engine.timeoutSeconds must be >= 1")
	}

	if cfg.Retry.MaxRetries < 0 || cfg.Retry.MaxRetries > 10 {
		errs = append(errs, "retry.maxRetries must be between 0 and 10")
	}
	if cfg.Retry.BaseDelayMs < 1 || cfg.Retry.MaxDelayMs < cfg.Retry.BaseDelayMs {
		errs = append(errs, "retry delays must satisfy 1 <= baseDelayMs <= maxDelayMs")
	}
	if cfg.RateLimit.PerSecond < 0 {
		errs = append(errs, "rateLimit.perSecond must be >= 0")
	}
	if cfg.RateLimit.PerSecond > 0 && cfg.RateLimit.Burst < 1 {
		errs = append(errs, "rateLimit.burst must be >= 1 when limiting is enabled")
	}
	if cfg.Security.PairingTTLMinutes < 1 {
		errs = append(errs, "security.pairingTTLMinutes must be >= 1")
	}

	errs = append(errs, validateChannels(cfg.Channels, cfg.Engine.Agents)...)

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func validateChannels(channels []domain.ChannelConfig, agents map[string]AgentConfig) []string {
	var errs []string
	ids := make(map[string]bool)
	routes := make(map[string]string)

	for i, ch := range channels {
		name := ch.ID
		if name == "" {
			name = fmt.Sprintf("channels[%d]", i)
			errs = append(errs, name+": id is required")
		} else if ids[ch.ID] {
			errs = append(errs, fmt.Sprintf("channel %s: duplicate id", ch.ID))
		}
		ids[ch.ID] = true

		required, known := requiredCredentials[ch.Type]
		if !known {
			errs = append(errs, fmt.Sprintf("channel %s: unknown type %q", name, ch.Type))
		}
		if !ch.Enabled {
			continue
		}

		route := ch.WebhookPath
		if route == "" {
			route = channel.DefaultWebhookPath(ch.ID)
		}
		if other, dup := routes[route]; dup {
			errs = append(errs, fmt.Sprintf("channel %s: webhook path %s already used by %s", name, route, other))
		}
		routes[route] = name

		for _, key := range required {
			if ch.Credential(key) == "" {
				errs = append(errs, fmt.Sprintf("channel %s: credentials.%s is required", name, key))
			}
		}

		switch ch.Mode {
		case "", channel.TelegramModeWebhook:
			// Unsigned webhooks would let anyone forge a sender id.
			if ch.Type == domain.ChannelTelegram && ch.Credential(channel.TelegramWebhookSecret) == "" {
				errs = append(errs, fmt.Sprintf("channel %s: credentials.%s is required in webhook mode", name, channel.TelegramWebhookSecret))
			}
		case channel.TelegramModePolling:
			if ch.Type != domain.ChannelTelegram {
				errs = append(errs, fmt.Sprintf("channel %s: polling mode is only supported for telegram", name))
			}
		default:
			errs = append(errs, fmt.Sprintf("channel %s: mode must be webhook or polling", name))
		}

		if ch.Policies != nil {
			if !validPolicy(ch.Policies.DM) {
				errs = append(errs, fmt.Sprintf("channel %s: policies.dm must be one of: open, allowlist, pairing, disabled", name))
			}
			if ch.Policies.Group == domain.PolicyPairing || !validPolicy(ch.Policies.Group) {
				errs = append(errs, fmt.Sprintf("channel %s: policies.group must be one of: open, allowlist, disabled", name))
			}
		}

		if ch.Agent != "" {
			if _, ok := agents[ch.Agent]; !ok {
				errs = append(errs, fmt.Sprintf("channel %s: agent %q is not defined under engine.agents", name, ch.Agent))
			}
		}
	}
	return errs
}

func validPolicy(p string) bool {
	switch p {
	case "", domain.PolicyOpen, domain.PolicyAllowlist, domain.PolicyPairing, domain.PolicyDisabled:
		return true
	}
	return false
}

func validateAddr(addr string) error {
	if addr == "" {
		return fmt.Errorf("is required")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return err
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
