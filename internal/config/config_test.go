package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.InDelta(t, 1.0, cfg.Similarity.TitleWeight+cfg.Similarity.CompanyWeight+
		cfg.Similarity.DescriptionWeight+cfg.Similarity.LocationWeight, 1e-9)
	assert.Equal(t, 0.90, cfg.Dedupe.HighThreshold)
	assert.Equal(t, 0.75, cfg.Dedupe.MidThreshold)
	assert.Equal(t, 14*24*time.Hour, cfg.Dedupe.CandidateWindow)
	assert.Equal(t, []string{"match", "validate", "document", "approval"}, cfg.Pipeline.Stages)
	assert.Equal(t, 120*time.Second, cfg.Pipeline.StageTimeout)
	assert.Equal(t, 5, cfg.Workers.MaxAttempts)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("APPLYFLOW_STORE_DRIVER", "postgres")
	t.Setenv("APPLYFLOW_DEDUPE_HIGH_THRESHOLD", "0.95")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, 0.95, cfg.Dedupe.HighThreshold)
}

func validConfig() *Config {
	return &Config{
		Similarity: SimilarityConfig{
			TitleWeight:       0.35,
			CompanyWeight:     0.25,
			DescriptionWeight: 0.25,
			LocationWeight:    0.15,
		},
		Dedupe: DedupeConfig{
			HighThreshold: 0.90,
			MidThreshold:  0.75,
		},
		Pipeline: PipelineConfig{
			Stages:       []string{"match"},
			StageTimeout: time.Minute,
		},
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"weights off", func(c *Config) { c.Similarity.TitleWeight = 0.5 }, "weights sum"},
		{"mid above high", func(c *Config) { c.Dedupe.MidThreshold = 0.95 }, "below high threshold"},
		{"high above one", func(c *Config) { c.Dedupe.HighThreshold = 1.5 }, "thresholds"},
		{"no stages", func(c *Config) { c.Pipeline.Stages = nil }, "must not be empty"},
		{"no timeout", func(c *Config) { c.Pipeline.StageTimeout = 0 }, "must be positive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
