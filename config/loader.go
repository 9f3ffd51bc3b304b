// Package config loads the library's configuration from a yaml file,
// environment variables, and explicit overrides, with the precedence
// explicit > environment > file > defaults. The loaded file produces the
// throttle options, the backend configurations, and the fallback plan.
package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/paceflow/backend"
	"github.com/BaSui01/paceflow/fallback"
	"github.com/BaSui01/paceflow/throttle"
	"github.com/BaSui01/paceflow/types"
)

// EnvPrefix is the prefix of all throttle environment overrides.
const EnvPrefix = "PACEFLOW"

// Duration wraps time.Duration with yaml decoding from strings like
// "100ms" or bare numbers of seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var secs float64
	if err := value.Decode(&secs); err == nil {
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// ThrottleConfig mirrors throttle.Options in file form.
type ThrottleConfig struct {
	LearningWindow int      `yaml:"learning_window"`
	AdaptationRate float64  `yaml:"adaptation_rate"`
	MinDelay       Duration `yaml:"min_delay"`
	MaxDelay       Duration `yaml:"max_delay"`
	Jitter         bool     `yaml:"jitter"`
	TPMLimit       int      `yaml:"tpm_limit"`
	SafetyMargin   float64  `yaml:"safety_margin"`
	MaxWaitMinutes float64  `yaml:"max_wait_minutes"`
}

// BackendEntry selects one backend and its raw options.
type BackendEntry struct {
	Backend string         `yaml:"backend"`
	Options map[string]any `yaml:"backend_config"`
}

// PlanStep is one fallback plan entry in file form.
type PlanStep struct {
	Backend    string   `yaml:"backend"`
	Model      string   `yaml:"model"`
	KeyAliases []string `yaml:"key_aliases"`
}

// File is the fully resolved configuration.
type File struct {
	Throttle ThrottleConfig `yaml:"throttle"`
	Backends []BackendEntry `yaml:"backends"`
	Plan     []PlanStep     `yaml:"plan"`
}

// Load reads the yaml file at path (skipped when path is empty), applies
// PACEFLOW_* environment overrides, then the explicit overrides. Explicit
// override keys match the yaml field names (e.g. "adaptation_rate").
func Load(path string, overrides map[string]any) (*File, error) {
	return LoadWithEnv(path, overrides, os.LookupEnv)
}

// LoadWithEnv is Load with an injectable environment, for tests.
func LoadWithEnv(path string, overrides map[string]any, lookup backend.EnvLookup) (*File, error) {
	f := &File{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, types.NewError(types.ErrConfiguration,
				fmt.Sprintf("read config file %s", path)).WithCause(err)
		}
		if err := yaml.Unmarshal(data, f); err != nil {
			return nil, types.NewError(types.ErrConfiguration,
				fmt.Sprintf("parse config file %s", path)).WithCause(err)
		}
	}

	if err := f.applyEnv(lookup); err != nil {
		return nil, err
	}
	if err := f.applyOverrides(overrides); err != nil {
		return nil, err
	}
	return f, nil
}

// applyEnv overlays PACEFLOW_* environment variables.
func (f *File) applyEnv(lookup backend.EnvLookup) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	read := func(name string) (string, bool) {
		return lookup(EnvPrefix + "_" + name)
	}

	if v, ok := read("LEARNING_WINDOW"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return envErr("LEARNING_WINDOW", v, err)
		}
		f.Throttle.LearningWindow = n
	}
	if v, ok := read("ADAPTATION_RATE"); ok {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return envErr("ADAPTATION_RATE", v, err)
		}
		f.Throttle.AdaptationRate = r
	}
	if v, ok := read("MIN_DELAY"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return envErr("MIN_DELAY", v, err)
		}
		f.Throttle.MinDelay = Duration(d)
	}
	if v, ok := read("MAX_DELAY"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return envErr("MAX_DELAY", v, err)
		}
		f.Throttle.MaxDelay = Duration(d)
	}
	if v, ok := read("JITTER"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return envErr("JITTER", v, err)
		}
		f.Throttle.Jitter = b
	}
	if v, ok := read("TPM_LIMIT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return envErr("TPM_LIMIT", v, err)
		}
		f.Throttle.TPMLimit = n
	}
	if v, ok := read("SAFETY_MARGIN"); ok {
		m, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return envErr("SAFETY_MARGIN", v, err)
		}
		f.Throttle.SafetyMargin = m
	}
	if v, ok := read("MAX_WAIT_MINUTES"); ok {
		m, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return envErr("MAX_WAIT_MINUTES", v, err)
		}
		f.Throttle.MaxWaitMinutes = m
	}
	return nil
}

func envErr(name, value string, err error) error {
	return types.NewError(types.ErrConfiguration,
		fmt.Sprintf("invalid %s_%s value %q", EnvPrefix, name, value)).WithCause(err)
}

// applyOverrides overlays explicit overrides, which win over everything.
func (f *File) applyOverrides(overrides map[string]any) error {
	for key, v := range overrides {
		switch key {
		case "learning_window":
			n, ok := v.(int)
			if !ok {
				return overrideErr(key, v, "int")
			}
			f.Throttle.LearningWindow = n
		case "adaptation_rate":
			r, ok := toFloat(v)
			if !ok {
				return overrideErr(key, v, "float")
			}
			f.Throttle.AdaptationRate = r
		case "min_delay":
			d, ok := toDuration(v)
			if !ok {
				return overrideErr(key, v, "duration")
			}
			f.Throttle.MinDelay = Duration(d)
		case "max_delay":
			d, ok := toDuration(v)
			if !ok {
				return overrideErr(key, v, "duration")
			}
			f.Throttle.MaxDelay = Duration(d)
		case "jitter":
			b, ok := v.(bool)
			if !ok {
				return overrideErr(key, v, "bool")
			}
			f.Throttle.Jitter = b
		case "tpm_limit":
			n, ok := v.(int)
			if !ok {
				return overrideErr(key, v, "int")
			}
			f.Throttle.TPMLimit = n
		case "safety_margin":
			m, ok := toFloat(v)
			if !ok {
				return overrideErr(key, v, "float")
			}
			f.Throttle.SafetyMargin = m
		case "max_wait_minutes":
			m, ok := toFloat(v)
			if !ok {
				return overrideErr(key, v, "float")
			}
			f.Throttle.MaxWaitMinutes = m
		default:
			return types.NewError(types.ErrConfiguration,
				fmt.Sprintf("unknown override %q", key))
		}
	}
	return nil
}

func overrideErr(key string, v any, want string) error {
	return types.NewError(types.ErrConfiguration,
		fmt.Sprintf("override %q: want %s, got %T", key, want, v))
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

func toDuration(v any) (time.Duration, bool) {
	switch d := v.(type) {
	case time.Duration:
		return d, true
	case string:
		parsed, err := time.ParseDuration(d)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

// ThrottleOptions converts the file's throttle section into validated-on-
// use throttle.Options.
func (f *File) ThrottleOptions() throttle.Options {
	return throttle.Options{
		LearningWindow: f.Throttle.LearningWindow,
		AdaptationRate: f.Throttle.AdaptationRate,
		MinDelay:       time.Duration(f.Throttle.MinDelay),
		MaxDelay:       time.Duration(f.Throttle.MaxDelay),
		Jitter:         f.Throttle.Jitter,
		TPMLimit:       f.Throttle.TPMLimit,
		SafetyMargin:   f.Throttle.SafetyMargin,
		MaxWait:        time.Duration(f.Throttle.MaxWaitMinutes * float64(time.Minute)),
	}
}

// BackendConfigs resolves every configured backend entry through
// backend.FromConfig, applying backend-specific environment variables.
func (f *File) BackendConfigs(lookup backend.EnvLookup) ([]backend.Config, error) {
	out := make([]backend.Config, 0, len(f.Backends))
	for _, entry := range f.Backends {
		cfg, err := backend.FromConfig(entry.Backend, entry.Options, lookup)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, nil
}

// PlanSteps converts the file's plan into fallback steps bound to the
// given invoker, which receives the step description and performs the
// actual call.
func (f *File) PlanSteps(invoke func(step PlanStep) func(ctx context.Context, keyAlias string) types.CallResult) []fallback.Step {
	steps := make([]fallback.Step, 0, len(f.Plan))
	for _, p := range f.Plan {
		steps = append(steps, fallback.Step{
			Backend:    p.Backend,
			Model:      p.Model,
			KeyAliases: p.KeyAliases,
			Invoke:     invoke(p),
		})
	}
	return steps
}
