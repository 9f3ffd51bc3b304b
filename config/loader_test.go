package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/paceflow/backend"
	"github.com/BaSui01/paceflow/types"
)

const sampleYAML = `
throttle:
  learning_window: 50
  adaptation_rate: 0.2
  min_delay: 250ms
  max_delay: 30
  jitter: true
  tpm_limit: 90000
  safety_margin: 0.75
  max_wait_minutes: 2.5
backends:
  - backend: nats
    backend_config:
      server_urls:
        - nats://a:4222
        - nats://b:4222
  - backend: local
plan:
  - backend: nats
    model: gpt-4o
    key_aliases: [primary, secondary]
  - backend: local
    model: gpt-4o-mini
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "paceflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func envFrom(m map[string]string) backend.EnvLookup {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func emptyEnv(string) (string, bool) { return "", false }

func TestLoad_FromFile(t *testing.T) {
	f, err := LoadWithEnv(writeConfig(t, sampleYAML), nil, emptyEnv)
	require.NoError(t, err)

	assert.Equal(t, 50, f.Throttle.LearningWindow)
	assert.Equal(t, 0.2, f.Throttle.AdaptationRate)
	assert.Equal(t, Duration(250*time.Millisecond), f.Throttle.MinDelay)
	// Bare numbers decode as seconds.
	assert.Equal(t, Duration(30*time.Second), f.Throttle.MaxDelay)
	assert.True(t, f.Throttle.Jitter)
	assert.Equal(t, 90000, f.Throttle.TPMLimit)
	assert.Equal(t, 2.5, f.Throttle.MaxWaitMinutes)

	require.Len(t, f.Backends, 2)
	assert.Equal(t, "nats", f.Backends[0].Backend)
	require.Len(t, f.Plan, 2)
	assert.Equal(t, []string{"primary", "secondary"}, f.Plan[0].KeyAliases)
}

func TestLoad_MissingFileIsError(t *testing.T) {
	_, err := LoadWithEnv(filepath.Join(t.TempDir(), "absent.yaml"), nil, emptyEnv)
	require.Error(t, err)
	assert.True(t, types.IsConfiguration(err))
}

func TestLoad_EmptyPathSkipsFile(t *testing.T) {
	f, err := LoadWithEnv("", nil, emptyEnv)
	require.NoError(t, err)
	assert.Zero(t, f.Throttle.LearningWindow)
}

func TestLoad_MalformedYAML(t *testing.T) {
	_, err := LoadWithEnv(writeConfig(t, "throttle: ["), nil, emptyEnv)
	require.Error(t, err)
	assert.True(t, types.IsConfiguration(err))
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	env := envFrom(map[string]string{
		"PACEFLOW_ADAPTATION_RATE": "0.4",
		"PACEFLOW_MIN_DELAY":       "1s",
		"PACEFLOW_TPM_LIMIT":       "120000",
		"PACEFLOW_JITTER":          "false",
	})

	f, err := LoadWithEnv(writeConfig(t, sampleYAML), nil, env)
	require.NoError(t, err)

	assert.Equal(t, 0.4, f.Throttle.AdaptationRate)
	assert.Equal(t, Duration(time.Second), f.Throttle.MinDelay)
	assert.Equal(t, 120000, f.Throttle.TPMLimit)
	assert.False(t, f.Throttle.Jitter)
	// Untouched fields keep their file values.
	assert.Equal(t, 50, f.Throttle.LearningWindow)
}

func TestLoad_InvalidEnvValue(t *testing.T) {
	env := envFrom(map[string]string{"PACEFLOW_TPM_LIMIT": "lots"})
	_, err := LoadWithEnv("", nil, env)
	require.Error(t, err)
	assert.True(t, types.IsConfiguration(err))
}

func TestLoad_ExplicitOverridesEverything(t *testing.T) {
	env := envFrom(map[string]string{"PACEFLOW_ADAPTATION_RATE": "0.4"})

	f, err := LoadWithEnv(writeConfig(t, sampleYAML), map[string]any{
		"adaptation_rate":  0.6,
		"max_delay":        "45s",
		"learning_window":  200,
		"max_wait_minutes": 1,
	}, env)
	require.NoError(t, err)

	assert.Equal(t, 0.6, f.Throttle.AdaptationRate)
	assert.Equal(t, Duration(45*time.Second), f.Throttle.MaxDelay)
	assert.Equal(t, 200, f.Throttle.LearningWindow)
	assert.Equal(t, 1.0, f.Throttle.MaxWaitMinutes)
}

func TestLoad_UnknownOverrideRejected(t *testing.T) {
	_, err := LoadWithEnv("", map[string]any{"warp_speed": true}, emptyEnv)
	require.Error(t, err)
	assert.True(t, types.IsConfiguration(err))
}

func TestLoad_MistypedOverrideRejected(t *testing.T) {
	_, err := LoadWithEnv("", map[string]any{"tpm_limit": "ninety thousand"}, emptyEnv)
	require.Error(t, err)
	assert.True(t, types.IsConfiguration(err))
}

func TestThrottleOptions_Mapping(t *testing.T) {
	f, err := LoadWithEnv(writeConfig(t, sampleYAML), nil, emptyEnv)
	require.NoError(t, err)

	opts := f.ThrottleOptions()
	assert.Equal(t, 50, opts.LearningWindow)
	assert.Equal(t, 0.2, opts.AdaptationRate)
	assert.Equal(t, 250*time.Millisecond, opts.MinDelay)
	assert.Equal(t, 30*time.Second, opts.MaxDelay)
	assert.True(t, opts.Jitter)
	assert.Equal(t, 90000, opts.TPMLimit)
	assert.Equal(t, 0.75, opts.SafetyMargin)
	assert.Equal(t, 150*time.Second, opts.MaxWait)

	require.NoError(t, opts.Validate())
}

func TestBackendConfigs_Resolution(t *testing.T) {
	f, err := LoadWithEnv(writeConfig(t, sampleYAML), nil, emptyEnv)
	require.NoError(t, err)

	cfgs, err := f.BackendConfigs(emptyEnv)
	require.NoError(t, err)
	require.Len(t, cfgs, 2)
	assert.Equal(t, []string{"nats://a:4222", "nats://b:4222"}, cfgs[0].StringsOption("server_urls"))
	assert.Equal(t, "local", cfgs[1].Backend)
}

func TestPlanSteps_BindsInvoker(t *testing.T) {
	f, err := LoadWithEnv(writeConfig(t, sampleYAML), nil, emptyEnv)
	require.NoError(t, err)

	var invoked []string
	steps := f.PlanSteps(func(step PlanStep) func(ctx context.Context, keyAlias string) types.CallResult {
		return func(_ context.Context, keyAlias string) types.CallResult {
			invoked = append(invoked, step.Backend+"/"+step.Model+"/"+keyAlias)
			return types.Success(0)
		}
	})

	require.Len(t, steps, 2)
	assert.Equal(t, "nats", steps[0].Backend)
	assert.Equal(t, "gpt-4o", steps[0].Model)
	assert.Equal(t, []string{"primary", "secondary"}, steps[0].KeyAliases)

	steps[0].Invoke(context.Background(), "primary")
	steps[1].Invoke(context.Background(), "")
	assert.Equal(t, []string{"nats/gpt-4o/primary", "local/gpt-4o-mini/"}, invoked)
}
