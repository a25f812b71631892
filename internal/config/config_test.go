package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polzovatel/browser-autopilot/internal/detect"
)

func TestParseThresholdsOverridesDefaults(t *testing.T) {
	th, err := ParseThresholds([]byte(`
loop:
  max_iterations: 12
detect:
  abort: 10
  max_delay: 5s
recovery:
  retry_budget: 1
completion:
  min_result_length: 4
`))
	require.NoError(t, err)

	assert.Equal(t, 12, th.Loop.MaxIterations)
	assert.Equal(t, 15*time.Second, th.Loop.ActionTimeout, "unset fields keep defaults")
	assert.Equal(t, 10, th.Detect.Abort)
	assert.Equal(t, 5*time.Second, th.Detect.MaxDelay)
	assert.Equal(t, detect.DefaultThresholds().Stuck, th.Detect.Stuck)
	assert.Equal(t, 1, th.Recovery.RetryBudget)
	assert.Equal(t, 4, th.Completion.MinResultLength)
	assert.NotEmpty(t, th.Completion.MessagingKeywords)
}

func TestParseThresholdsRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"abort below stuck": "detect:\n  stuck: 5\n  abort: 4\n",
		"bad delay":         "detect:\n  base_delay: 20s\n",
		"bad rate":          "detect:\n  min_success_rate: 2\n",
		"no iterations":     "loop:\n  max_iterations: 0\n",
		"not yaml":          "detect: [",
	}
	for name, doc := range cases {
		_, err := ParseThresholds([]byte(doc))
		assert.Error(t, err, name)
	}
}

func TestLoadThresholdsMissingFile(t *testing.T) {
	th, err := LoadThresholds(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultThresholds(), th)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "thresholds.yaml")
	require.NoError(t, os.WriteFile(path, []byte("detect:\n  stuck: 2\n"), 0o600))

	t.Setenv(envLogLevel, "DEBUG")
	t.Setenv(envPlannerRPS, "0.5")
	t.Setenv(envThresholds, path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, zerolog.DebugLevel, cfg.LogLevel)
	assert.Equal(t, 0.5, cfg.PlannerRPS)
	assert.Equal(t, path, cfg.ThresholdsPath)
	assert.Equal(t, 2, cfg.Thresholds.Detect.Stuck)
}

func TestLoadRejectsBadEnv(t *testing.T) {
	t.Setenv(envLogLevel, "loud")
	_, err := Load("")
	assert.Error(t, err)

	t.Setenv(envLogLevel, "")
	t.Setenv(envPlannerRPS, "fast")
	_, err = Load("")
	assert.Error(t, err)
}
