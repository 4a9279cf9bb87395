package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// GetByPath retrieves a config value by dot-notation path (e.g. "server.addr" or "channels.0.id").
func GetByPath(cfg *Config, path string) (any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}

	parts := strings.Split(path, ".")
	var current any = m
	for _, key := range parts {
		switch v := current.(type) {
		case map[string]any:
			val, ok := v[key]
			if !ok {
				return nil, fmt.Errorf("key not found: %s", path)
			}
			current = val
		case []any:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, fmt.Errorf("invalid array index: %s", key)
			}
			current = v[idx]
		default:
			return nil, fmt.Errorf("cannot traverse into %T at %s", current, key)
		}
	}
	return current, nil
}

// Sanitize returns a copy of the config with sensitive values masked. The
// copy is made through JSON, so a config that cannot round-trip is an error
// rather than being returned unmasked.
func Sanitize(cfg *Config) (*Config, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("sanitize: %w", err)
	}
	var copy Config
	if err := json.Unmarshal(data, &copy); err != nil {
		return nil, fmt.Errorf("sanitize: %w", err)
	}

	if copy.Engine.APIKey != "" {
		copy.Engine.APIKey = maskString(copy.Engine.APIKey)
	}
	for i, ch := range copy.Channels {
		for k, v := range ch.Credentials {
			ch.Credentials[k] = maskString(v)
		}
		copy.Channels[i] = ch
	}

	return &copy, nil
}

// maskString shows first 4 and last 4 chars, masks the rest.
func maskString(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// ListPaths flattens the config into GetByPath-style paths ("server.addr",
// "channels.0.id") mapped to their leaf values.
func ListPaths(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("list paths: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("list paths: %w", err)
	}
	result := make(map[string]any)
	flatten("", m, result)
	return result, nil
}

func flatten(prefix string, v any, result map[string]any) {
	join := func(k string) string {
		if prefix == "" {
			return k
		}
		return prefix + "." + k
	}
	switch val := v.(type) {
	case map[string]any:
		for k, child := range val {
			flatten(join(k), child, result)
		}
	case []any:
		for i, child := range val {
			flatten(join(strconv.Itoa(i)), child, result)
		}
	default:
		result[prefix] = val
	}
}
