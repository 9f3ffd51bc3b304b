package backend

import (
	"fmt"
	"os"
	"strings"

	"github.com/BaSui01/paceflow/types"
)

// Config selects a backend and carries its options. Immutable after
// construction; build it with FromConfig.
type Config struct {
	// Backend is the registered backend tag.
	Backend string `json:"backend" yaml:"backend"`
	// Options holds backend-specific settings, fully resolved.
	Options map[string]any `json:"backend_config" yaml:"backend_config"`
}

// EnvLookup resolves an environment variable. os.LookupEnv in production,
// a map lookup in tests.
type EnvLookup func(key string) (string, bool)

// Environment variables recognized during config resolution.
const (
	EnvNATSServers    = "NATS_SERVERS"
	EnvHyphaServerURL = "HYPHA_SERVER_URL"
	EnvHyphaWorkspace = "HYPHA_WORKSPACE"
	EnvHyphaToken     = "HYPHA_TOKEN"
)

// builtinDefaults returns the per-backend default options.
func builtinDefaults(backendName string) map[string]any {
	switch backendName {
	case "local":
		return map[string]any{}
	case "nats":
		return map[string]any{
			"server_urls": []string{"nats://127.0.0.1:4222"},
		}
	case "hypha":
		return map[string]any{
			"server_url": "https://hypha.aicell.io",
			"workspace":  "",
			"token":      "",
		}
	default:
		return map[string]any{}
	}
}

// applyEnv overlays backend-specific environment variables onto opts.
func applyEnv(backendName string, opts map[string]any, lookup EnvLookup) {
	switch backendName {
	case "nats":
		if v, ok := lookup(EnvNATSServers); ok && v != "" {
			// Pipe-delimited server list.
			opts["server_urls"] = strings.Split(v, "|")
		}
	case "hypha":
		if v, ok := lookup(EnvHyphaServerURL); ok && v != "" {
			opts["server_url"] = v
		}
		if v, ok := lookup(EnvHyphaWorkspace); ok && v != "" {
			opts["workspace"] = v
		}
		if v, ok := lookup(EnvHyphaToken); ok && v != "" {
			opts["token"] = v
		}
	}
}

// FromConfig resolves a Config for backendName with the precedence
// explicit > environment > built-in defaults. A nil lookup uses the
// process environment. A string "server_urls" value is normalized to a
// single-element list.
func FromConfig(backendName string, explicit map[string]any, lookup EnvLookup) (Config, error) {
	if backendName == "" {
		return Config{}, types.NewError(types.ErrConfiguration, "backend name is required")
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}

	opts := builtinDefaults(backendName)
	applyEnv(backendName, opts, lookup)
	for k, v := range explicit {
		opts[k] = v
	}

	if urls, ok := opts["server_urls"]; ok {
		normalized, err := normalizeServerURLs(urls)
		if err != nil {
			return Config{}, err
		}
		opts["server_urls"] = normalized
	}

	return Config{Backend: backendName, Options: opts}, nil
}

// normalizeServerURLs accepts a string, []string, or []any of strings and
// returns a []string.
func normalizeServerURLs(v any) ([]string, error) {
	switch urls := v.(type) {
	case string:
		return []string{urls}, nil
	case []string:
		return urls, nil
	case []any:
		out := make([]string, 0, len(urls))
		for _, u := range urls {
			s, ok := u.(string)
			if !ok {
				return nil, types.NewError(types.ErrConfiguration,
					fmt.Sprintf("server_urls entries must be strings, got %T", u))
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, types.NewError(types.ErrConfiguration,
			fmt.Sprintf("server_urls must be a string or list of strings, got %T", v))
	}
}

// StringOption reads a string option, returning fallback when absent.
func (c Config) StringOption(key, fallback string) string {
	if v, ok := c.Options[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// StringsOption reads a []string option.
func (c Config) StringsOption(key string) []string {
	if v, ok := c.Options[key].([]string); ok {
		return v
	}
	return nil
}

// FloatOption reads a numeric option, returning fallback when absent.
func (c Config) FloatOption(key string, fallback float64) float64 {
	switch v := c.Options[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return fallback
	}
}
