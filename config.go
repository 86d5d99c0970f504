package driftguard

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every recognized engine option. Zero values are replaced by
// defaults in NewEngine; anything explicitly set to a nonsensical value is
// rejected by Validate at load time, never clamped at runtime.
type Config struct {
	// Windowing.
	BucketWidth time.Duration
	WindowSpans []time.Duration

	// Statistics.
	DecayFactor   float64
	DecayInterval time.Duration
	WarmupSamples int

	// Scoring.
	ScaleWeights  map[time.Duration]float64
	FlagThreshold float64

	// Correlation.
	CampaignMinMembers int
	CampaignSimilarity float64
	SignatureHashBits  int
	MaxPairwise        int

	// Decisions.
	BanDuration      time.Duration
	CooldownCycles   int
	EscalationCycles int
	ThrottleRPS      float64
	ThrottleBurst    int

	// Lifecycle.
	RetentionHorizon   time.Duration
	EvaluationInterval time.Duration
	CycleBudget        time.Duration
	ClockSkewTolerance time.Duration
	Shards             int
}

// DefaultConfig returns the engine defaults: 10s buckets across 1m/1h/24h
// windows, a 3-sigma flag threshold and daily baseline decay.
func DefaultConfig() *Config {
	return &Config{
		BucketWidth:        10 * time.Second,
		WindowSpans:        []time.Duration{time.Minute, time.Hour, 24 * time.Hour},
		DecayFactor:        0.98,
		DecayInterval:      24 * time.Hour,
		FlagThreshold:      3.0,
		CampaignMinMembers: 8,
		CampaignSimilarity: 0.85,
		SignatureHashBits:  16,
		MaxPairwise:        128,
		BanDuration:        15 * time.Minute,
		CooldownCycles:     3,
		EscalationCycles:   3,
		ThrottleRPS:        5,
		ThrottleBurst:      10,
		RetentionHorizon:   48 * time.Hour,
		EvaluationInterval: 10 * time.Second,
		CycleBudget:        2 * time.Second,
		ClockSkewTolerance: 2 * time.Second,
		Shards:             32,
	}
}

// fileConfig mirrors Config with the string-typed durations used in the YAML
// file, following the duration syntax accepted by time.ParseDuration.
type fileConfig struct {
	BucketWidth        string             `yaml:"bucket_width"`
	WindowSpans        []string           `yaml:"window_spans"`
	DecayFactor        float64            `yaml:"decay_factor"`
	DecayInterval      string             `yaml:"decay_interval"`
	WarmupSamples      int                `yaml:"warmup_samples"`
	ScaleWeights       map[string]float64 `yaml:"scale_weights"`
	FlagThreshold      float64            `yaml:"flag_threshold"`
	CampaignMinMembers int                `yaml:"campaign_min_members"`
	CampaignSimilarity float64            `yaml:"campaign_similarity"`
	SignatureHashBits  int                `yaml:"signature_hash_bits"`
	MaxPairwise        int                `yaml:"max_pairwise"`
	BanDuration        string             `yaml:"ban_duration"`
	CooldownCycles     int                `yaml:"cooldown_cycles"`
	EscalationCycles   int                `yaml:"escalation_cycles"`
	ThrottleRPS        float64            `yaml:"throttle_rps"`
	ThrottleBurst      int                `yaml:"throttle_burst"`
	RetentionHorizon   string             `yaml:"retention_horizon"`
	EvaluationInterval string             `yaml:"evaluation_interval"`
	CycleBudget        string             `yaml:"cycle_budget"`
	ClockSkewTolerance string             `yaml:"clock_skew_tolerance"`
	Shards             int                `yaml:"shards"`
}

// LoadConfig reads a YAML config file, fills defaults for omitted fields and
// validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML config bytes. Omitted fields take defaults.
func ParseConfig(data []byte) (*Config, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}

	cfg := DefaultConfig()
	cfg.DecayFactor = pickFloat(fc.DecayFactor, cfg.DecayFactor)
	cfg.WarmupSamples = fc.WarmupSamples
	cfg.FlagThreshold = pickFloat(fc.FlagThreshold, cfg.FlagThreshold)
	cfg.CampaignMinMembers = pickInt(fc.CampaignMinMembers, cfg.CampaignMinMembers)
	cfg.CampaignSimilarity = pickFloat(fc.CampaignSimilarity, cfg.CampaignSimilarity)
	cfg.SignatureHashBits = pickInt(fc.SignatureHashBits, cfg.SignatureHashBits)
	cfg.MaxPairwise = pickInt(fc.MaxPairwise, cfg.MaxPairwise)
	cfg.CooldownCycles = pickInt(fc.CooldownCycles, cfg.CooldownCycles)
	cfg.EscalationCycles = pickInt(fc.EscalationCycles, cfg.EscalationCycles)
	cfg.ThrottleRPS = pickFloat(fc.ThrottleRPS, cfg.ThrottleRPS)
	cfg.ThrottleBurst = pickInt(fc.ThrottleBurst, cfg.ThrottleBurst)
	cfg.Shards = pickInt(fc.Shards, cfg.Shards)

	durs := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{fc.BucketWidth, &cfg.BucketWidth, "bucket_width"},
		{fc.DecayInterval, &cfg.DecayInterval, "decay_interval"},
		{fc.BanDuration, &cfg.BanDuration, "ban_duration"},
		{fc.RetentionHorizon, &cfg.RetentionHorizon, "retention_horizon"},
		{fc.EvaluationInterval, &cfg.EvaluationInterval, "evaluation_interval"},
		{fc.CycleBudget, &cfg.CycleBudget, "cycle_budget"},
		{fc.ClockSkewTolerance, &cfg.ClockSkewTolerance, "clock_skew_tolerance"},
	}
	for _, d := range durs {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrConfigInvalid, d.name, err)
		}
		*d.dst = v
	}

	if len(fc.WindowSpans) > 0 {
		cfg.WindowSpans = cfg.WindowSpans[:0]
		for _, raw := range fc.WindowSpans {
			v, err := time.ParseDuration(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: window_spans: %v", ErrConfigInvalid, err)
			}
			cfg.WindowSpans = append(cfg.WindowSpans, v)
		}
	}
	if len(fc.ScaleWeights) > 0 {
		cfg.ScaleWeights = make(map[time.Duration]float64, len(fc.ScaleWeights))
		for raw, w := range fc.ScaleWeights {
			v, err := time.ParseDuration(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: scale_weights: %v", ErrConfigInvalid, err)
			}
			cfg.ScaleWeights[v] = w
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects option combinations the engine cannot honor. It also
// normalizes scale weights to sum to 1, deriving span-proportional weights
// when none are configured so longer scales carry more weight.
func (c *Config) Validate() error {
	if c.BucketWidth <= 0 {
		return fmt.Errorf("%w: bucket_width must be positive", ErrConfigInvalid)
	}
	if len(c.WindowSpans) == 0 {
		return fmt.Errorf("%w: at least one window span required", ErrConfigInvalid)
	}
	sort.Slice(c.WindowSpans, func(i, j int) bool { return c.WindowSpans[i] < c.WindowSpans[j] })
	seen := make(map[time.Duration]bool, len(c.WindowSpans))
	for _, span := range c.WindowSpans {
		if span < 2*c.BucketWidth {
			return fmt.Errorf("%w: span %s holds fewer than 2 buckets of %s", ErrConfigInvalid, span, c.BucketWidth)
		}
		if span%c.BucketWidth != 0 {
			return fmt.Errorf("%w: span %s is not a multiple of bucket_width %s", ErrConfigInvalid, span, c.BucketWidth)
		}
		if seen[span] {
			return fmt.Errorf("%w: duplicate window span %s", ErrConfigInvalid, span)
		}
		seen[span] = true
	}
	if c.DecayFactor <= 0 || c.DecayFactor >= 1 {
		return fmt.Errorf("%w: decay_factor must be in (0,1), got %v", ErrConfigInvalid, c.DecayFactor)
	}
	if c.DecayInterval <= 0 {
		return fmt.Errorf("%w: decay_interval must be positive", ErrConfigInvalid)
	}
	if c.WarmupSamples < 0 {
		return fmt.Errorf("%w: warmup_samples must not be negative", ErrConfigInvalid)
	}
	if c.FlagThreshold <= 0 {
		return fmt.Errorf("%w: flag_threshold must be positive", ErrConfigInvalid)
	}
	if c.CampaignMinMembers < 2 {
		return fmt.Errorf("%w: campaign_min_members must be at least 2", ErrConfigInvalid)
	}
	if c.CampaignSimilarity <= 0 || c.CampaignSimilarity > 1 {
		return fmt.Errorf("%w: campaign_similarity must be in (0,1]", ErrConfigInvalid)
	}
	if c.SignatureHashBits < 1 || c.SignatureHashBits > 64 {
		return fmt.Errorf("%w: signature_hash_bits must be in [1,64]", ErrConfigInvalid)
	}
	if c.MaxPairwise < 2 {
		return fmt.Errorf("%w: max_pairwise must be at least 2", ErrConfigInvalid)
	}
	if c.BanDuration <= 0 {
		return fmt.Errorf("%w: ban_duration must be positive", ErrConfigInvalid)
	}
	if c.CooldownCycles < 1 || c.EscalationCycles < 1 {
		return fmt.Errorf("%w: cooldown_cycles and escalation_cycles must be at least 1", ErrConfigInvalid)
	}
	if c.ThrottleRPS <= 0 || c.ThrottleBurst < 1 {
		return fmt.Errorf("%w: throttle_rps must be positive and throttle_burst at least 1", ErrConfigInvalid)
	}
	if c.RetentionHorizon < c.WindowSpans[len(c.WindowSpans)-1] {
		return fmt.Errorf("%w: retention_horizon shorter than the longest window span", ErrConfigInvalid)
	}
	if c.EvaluationInterval <= 0 || c.CycleBudget <= 0 {
		return fmt.Errorf("%w: evaluation_interval and cycle_budget must be positive", ErrConfigInvalid)
	}
	if c.EvaluationInterval > c.WindowSpans[0] {
		// Cycles rarer than a full finest ring would overwrite closed buckets
		// before they are ever folded.
		return fmt.Errorf("%w: evaluation_interval %s exceeds the finest window span %s", ErrConfigInvalid, c.EvaluationInterval, c.WindowSpans[0])
	}
	if c.ClockSkewTolerance < 0 {
		return fmt.Errorf("%w: clock_skew_tolerance must not be negative", ErrConfigInvalid)
	}
	if c.Shards < 1 {
		return fmt.Errorf("%w: shards must be at least 1", ErrConfigInvalid)
	}

	if len(c.ScaleWeights) == 0 {
		c.ScaleWeights = make(map[time.Duration]float64, len(c.WindowSpans))
		for _, span := range c.WindowSpans {
			c.ScaleWeights[span] = span.Seconds()
		}
	}
	var sum float64
	for span, w := range c.ScaleWeights {
		if !seen[span] {
			return fmt.Errorf("%w: scale_weights references unknown span %s", ErrConfigInvalid, span)
		}
		if w <= 0 {
			return fmt.Errorf("%w: scale weight for %s must be positive", ErrConfigInvalid, span)
		}
		sum += w
	}
	if len(c.ScaleWeights) != len(c.WindowSpans) {
		return fmt.Errorf("%w: scale_weights must cover every window span", ErrConfigInvalid)
	}
	for span := range c.ScaleWeights {
		c.ScaleWeights[span] /= sum
	}
	return nil
}

// FinestSpan returns the shortest configured window span. Validate keeps the
// spans sorted ascending.
func (c *Config) FinestSpan() time.Duration {
	return c.WindowSpans[0]
}

func pickFloat(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}

func pickInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}
