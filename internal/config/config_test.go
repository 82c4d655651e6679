package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/council-proxy/core/internal/models"
)

func TestDefault_IsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestCouncilConfig_RejectsEmptyMembers(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()
	require.Error(t, err)
	var cerr *models.CouncilError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, models.ErrInvalidRequest, cerr.Kind)
}

func TestCouncilConfig_RejectsDuplicateMemberIDs(t *testing.T) {
	cfg := Default()
	cfg.Council.Members = []models.CouncilMember{
		{ID: "a", Provider: "openai", Model: "gpt", TimeoutSec: 5, RetryPolicy: models.DefaultRetryPolicy()},
		{ID: "a", Provider: "anthropic", Model: "claude", TimeoutSec: 5, RetryPolicy: models.DefaultRetryPolicy()},
	}
	err := cfg.Validate()
	require.Error(t, err)
}

func TestSynthesisConfig_WeightedFusionRequiresWeights(t *testing.T) {
	s := SynthesisConfig{Strategy: models.StrategyWeightedFusion}
	require.Error(t, s.Validate())

	s.Weights = map[string]float64{"a": 1.0}
	require.NoError(t, s.Validate())
}

func TestIterativeConsensusConfig_EnforcesBounds(t *testing.T) {
	base := IterativeConsensusConfig{
		MaxRounds:          3,
		AgreementThreshold: 0.85,
		FallbackStrategy:   models.StrategyConsensusExtraction,
		NegotiationMode:    NegotiationParallel,
	}
	require.NoError(t, base.Validate())

	tooFew := base
	tooFew.MaxRounds = 0
	require.Error(t, tooFew.Validate())

	lowThreshold := base
	lowThreshold.AgreementThreshold = 0.5
	require.Error(t, lowThreshold.Validate())

	badFallback := base
	badFallback.FallbackStrategy = models.StrategyIterativeConsensus
	require.Error(t, badFallback.Validate())
}

func TestIterativeConsensusConfig_Defaults(t *testing.T) {
	c := IterativeConsensusConfig{}
	assert.Equal(t, 0.95, c.EarlyTerminationThresholdOrDefault())
	assert.Equal(t, 5, c.EscalationRateLimitOrDefault())

	c.EarlyTerminationThreshold = 0.99
	c.EscalationRateLimit = 10
	assert.Equal(t, 0.99, c.EarlyTerminationThresholdOrDefault())
	assert.Equal(t, 10, c.EscalationRateLimitOrDefault())
}

func TestPerformanceConfig_GlobalTimeout(t *testing.T) {
	p := PerformanceConfig{GlobalTimeoutSec: 2.5}
	assert.Equal(t, 2500*time.Millisecond, p.GlobalTimeout())
}

func TestFileProvider_LoadsYAMLOverDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "council.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
council:
  minimum_size: 2
  members:
    - id: m1
      provider: openai
      model: gpt-4o
      timeout_sec: 5
      retry_policy:
        max_attempts: 3
        initial_delay_ms: 100
        max_delay_ms: 1000
        backoff_multiplier: 2
synthesis:
  strategy: consensus-extraction
  agreement_threshold: 0.8
performance:
  global_timeout_sec: 30
`), 0o644))

	log := logrus.New()
	log.SetOutput(os.Stderr)
	fp, err := NewFileProvider(path, log)
	require.NoError(t, err)

	cc := fp.GetCouncilConfig()
	require.Len(t, cc.Members, 1)
	assert.Equal(t, "m1", cc.Members[0].ID)
	assert.Equal(t, 2, cc.MinimumSize)
}

func TestFileProvider_MissingFileFallsBackToDefault(t *testing.T) {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	fp, err := NewFileProvider(filepath.Join(t.TempDir(), "missing.yaml"), log)
	require.NoError(t, err)
	assert.Equal(t, Default().Performance, fp.GetPerformanceConfig())
}

func TestHealthConfig_RejectsNonPositiveThresholds(t *testing.T) {
	base := HealthConfig{WindowSize: 100, FailureThreshold: 5, DegradedLatency: time.Second}
	require.NoError(t, base.Validate())

	noWindow := base
	noWindow.WindowSize = 0
	require.Error(t, noWindow.Validate())

	noThreshold := base
	noThreshold.FailureThreshold = 0
	require.Error(t, noThreshold.Validate())

	noLatency := base
	noLatency.DegradedLatency = 0
	require.Error(t, noLatency.Validate())
}

func TestFileProvider_HealthConfigOverridableByYAMLAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "council.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
council:
  minimum_size: 1
  members:
    - id: m1
      provider: openai
      model: gpt-4o
      timeout_sec: 5
      retry_policy:
        max_attempts: 3
        initial_delay_ms: 100
        max_delay_ms: 1000
        backoff_multiplier: 2
synthesis:
  strategy: consensus-extraction
  agreement_threshold: 0.8
performance:
  global_timeout_sec: 30
health:
  window_size: 50
  failure_threshold: 3
`), 0o644))

	log := logrus.New()
	log.SetOutput(os.Stderr)
	fp, err := NewFileProvider(path, log)
	require.NoError(t, err)
	assert.Equal(t, 50, fp.Health().WindowSize)
	assert.Equal(t, 3, fp.Health().FailureThreshold)
	assert.Equal(t, Default().Health.DegradedLatency, fp.Health().DegradedLatency)

	t.Setenv("COUNCIL_HEALTH_FAILURE_THRESHOLD", "9")
	fp2, err := NewFileProvider(path, log)
	require.NoError(t, err)
	assert.Equal(t, 9, fp2.Health().FailureThreshold)
}

func TestFileProvider_EnvOverridesWinOverYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "council.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
council:
  minimum_size: 1
  members:
    - id: m1
      provider: openai
      model: gpt-4o
      timeout_sec: 5
      retry_policy:
        max_attempts: 3
        initial_delay_ms: 100
        max_delay_ms: 1000
        backoff_multiplier: 2
synthesis:
  strategy: consensus-extraction
  agreement_threshold: 0.8
performance:
  global_timeout_sec: 30
`), 0o644))

	t.Setenv("COUNCIL_MINIMUM_SIZE", "4")
	log := logrus.New()
	log.SetOutput(os.Stderr)
	fp, err := NewFileProvider(path, log)
	require.NoError(t, err)
	assert.Equal(t, 4, fp.GetCouncilConfig().MinimumSize)
}
