package driftguard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	var sum float64
	for _, w := range cfg.ScaleWeights {
		sum += w
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
	// Span-proportional defaults: the day-scale weight dominates.
	assert.Greater(t, cfg.ScaleWeights[24*time.Hour], cfg.ScaleWeights[time.Minute])
}

func TestParseConfigOverridesAndDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
bucket_width: 5s
window_spans: ["30s", "10m"]
flag_threshold: 2.5
campaign_min_members: 4
warmup_samples: 12
retention_horizon: 1h
scale_weights:
  30s: 1
  10m: 3
`))
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.BucketWidth)
	assert.Equal(t, []time.Duration{30 * time.Second, 10 * time.Minute}, cfg.WindowSpans)
	assert.Equal(t, 2.5, cfg.FlagThreshold)
	assert.Equal(t, 4, cfg.CampaignMinMembers)
	assert.Equal(t, 12, cfg.WarmupSamples)
	assert.InDelta(t, 0.25, cfg.ScaleWeights[30*time.Second], 1e-9)
	assert.InDelta(t, 0.75, cfg.ScaleWeights[10*time.Minute], 1e-9)

	// Untouched fields keep their defaults.
	assert.Equal(t, 0.98, cfg.DecayFactor)
	assert.Equal(t, 15*time.Minute, cfg.BanDuration)
}

func TestConfigValidationRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero bucket width", func(c *Config) { c.BucketWidth = 0 }},
		{"no spans", func(c *Config) { c.WindowSpans = nil }},
		{"span under two buckets", func(c *Config) { c.WindowSpans = []time.Duration{15 * time.Second} }},
		{"span not bucket multiple", func(c *Config) { c.WindowSpans = []time.Duration{65 * time.Second} }},
		{"duplicate span", func(c *Config) { c.WindowSpans = []time.Duration{time.Minute, time.Minute} }},
		{"decay factor one", func(c *Config) { c.DecayFactor = 1 }},
		{"negative warmup", func(c *Config) { c.WarmupSamples = -1 }},
		{"zero flag threshold", func(c *Config) { c.FlagThreshold = 0 }},
		{"min members one", func(c *Config) { c.CampaignMinMembers = 1 }},
		{"similarity above one", func(c *Config) { c.CampaignSimilarity = 1.5 }},
		{"hash bits overflow", func(c *Config) { c.SignatureHashBits = 65 }},
		{"retention under longest span", func(c *Config) { c.RetentionHorizon = time.Hour }},
		{"evaluation rarer than finest ring", func(c *Config) { c.EvaluationInterval = 2 * time.Minute }},
		{"weight for unknown span", func(c *Config) {
			c.ScaleWeights = map[time.Duration]float64{time.Second: 1}
		}},
		{"weights missing a span", func(c *Config) {
			c.ScaleWeights = map[time.Duration]float64{time.Minute: 1}
		}},
		{"negative weight", func(c *Config) {
			c.ScaleWeights = map[time.Duration]float64{
				time.Minute: -1, time.Hour: 1, 24 * time.Hour: 1,
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrConfigInvalid)
		})
	}
}

func TestParseConfigRejectsMalformed(t *testing.T) {
	_, err := ParseConfig([]byte(`bucket_width: [not, a, duration]`))
	assert.ErrorIs(t, err, ErrConfigInvalid)

	_, err = ParseConfig([]byte(`bucket_width: "xyz"`))
	assert.ErrorIs(t, err, ErrConfigInvalid)

	_, err = ParseConfig([]byte(`window_spans: ["banana"]`))
	assert.ErrorIs(t, err, ErrConfigInvalid)
}

func TestConfigSpansSortedAscending(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WindowSpans = []time.Duration{time.Hour, time.Minute}
	cfg.ScaleWeights = nil
	cfg.RetentionHorizon = 2 * time.Hour
	require.NoError(t, cfg.Validate())
	assert.Equal(t, time.Minute, cfg.FinestSpan())
}
