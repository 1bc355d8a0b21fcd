package config

import (
	"math"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration. It is constructed once
// at startup and passed by reference into every constructor that needs it.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Similarity SimilarityConfig `yaml:"similarity" mapstructure:"similarity"`
	Dedupe     DedupeConfig     `yaml:"dedupe" mapstructure:"dedupe"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Workers    WorkersConfig    `yaml:"workers" mapstructure:"workers"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Profile    ProfileConfig    `yaml:"profile" mapstructure:"profile"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // "sqlite" or "postgres"
	Path        string `yaml:"path" mapstructure:"path"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// SimilarityConfig holds the per-field weights of the similarity engine.
// Weights must sum to 1.0.
type SimilarityConfig struct {
	TitleWeight       float64 `yaml:"title_weight" mapstructure:"title_weight"`
	CompanyWeight     float64 `yaml:"company_weight" mapstructure:"company_weight"`
	DescriptionWeight float64 `yaml:"description_weight" mapstructure:"description_weight"`
	LocationWeight    float64 `yaml:"location_weight" mapstructure:"location_weight"`
}

// DedupeConfig configures the duplicate detector.
type DedupeConfig struct {
	HighThreshold    float64       `yaml:"high_threshold" mapstructure:"high_threshold"`
	MidThreshold     float64       `yaml:"mid_threshold" mapstructure:"mid_threshold"`
	CandidateWindow  time.Duration `yaml:"candidate_window" mapstructure:"candidate_window"`
	MaxCandidates    int           `yaml:"max_candidates" mapstructure:"max_candidates"`
	Tier2RatePerMin  int           `yaml:"tier2_rate_per_min" mapstructure:"tier2_rate_per_min"`
	DisableSemantics bool          `yaml:"disable_semantics" mapstructure:"disable_semantics"`
}

// PipelineConfig configures the stage sequence.
type PipelineConfig struct {
	Stages        []string      `yaml:"stages" mapstructure:"stages"`
	StageTimeout  time.Duration `yaml:"stage_timeout" mapstructure:"stage_timeout"`
	MinMatchScore float64       `yaml:"min_match_score" mapstructure:"min_match_score"`
	AutoSubmit    bool          `yaml:"auto_submit" mapstructure:"auto_submit"`
}

// WorkersConfig configures the per-queue worker pools.
type WorkersConfig struct {
	Intake            int           `yaml:"intake" mapstructure:"intake"`
	Pipeline          int           `yaml:"pipeline" mapstructure:"pipeline"`
	Submission        int           `yaml:"submission" mapstructure:"submission"`
	PollInterval      time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout" mapstructure:"visibility_timeout"`
	LockTTL           time.Duration `yaml:"lock_ttl" mapstructure:"lock_ttl"`
	MaxAttempts       int           `yaml:"max_attempts" mapstructure:"max_attempts"`
}

// AnthropicConfig holds Claude API settings for the semantic comparator and
// the document stage.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// ProfileConfig locates the applicant profile file.
type ProfileConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("APPLYFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "applyflow.db")
	v.SetDefault("similarity.title_weight", 0.35)
	v.SetDefault("similarity.company_weight", 0.25)
	v.SetDefault("similarity.description_weight", 0.25)
	v.SetDefault("similarity.location_weight", 0.15)
	v.SetDefault("dedupe.high_threshold", 0.90)
	v.SetDefault("dedupe.mid_threshold", 0.75)
	v.SetDefault("dedupe.candidate_window", "336h")
	v.SetDefault("dedupe.max_candidates", 200)
	v.SetDefault("dedupe.tier2_rate_per_min", 30)
	v.SetDefault("pipeline.stages", []string{"match", "validate", "document", "approval"})
	v.SetDefault("pipeline.stage_timeout", "120s")
	v.SetDefault("pipeline.min_match_score", 0.3)
	v.SetDefault("pipeline.auto_submit", true)
	v.SetDefault("workers.intake", 2)
	v.SetDefault("workers.pipeline", 4)
	v.SetDefault("workers.submission", 1)
	v.SetDefault("workers.poll_interval", "2s")
	v.SetDefault("workers.visibility_timeout", "5m")
	v.SetDefault("workers.lock_ttl", "10m")
	v.SetDefault("workers.max_attempts", 5)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("profile.path", "profile.yaml")
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks cross-field constraints that viper cannot express.
func (c *Config) Validate() error {
	s := c.Similarity
	sum := s.TitleWeight + s.CompanyWeight + s.DescriptionWeight + s.LocationWeight
	if math.Abs(sum-1.0) > 1e-6 {
		return eris.Errorf("config: similarity weights sum to %.4f, want 1.0", sum)
	}
	if c.Dedupe.MidThreshold <= 0 || c.Dedupe.HighThreshold > 1 {
		return eris.New("config: dedupe thresholds must lie in (0, 1]")
	}
	if c.Dedupe.MidThreshold >= c.Dedupe.HighThreshold {
		return eris.Errorf("config: mid threshold %.2f must be below high threshold %.2f",
			c.Dedupe.MidThreshold, c.Dedupe.HighThreshold)
	}
	if len(c.Pipeline.Stages) == 0 {
		return eris.New("config: pipeline.stages must not be empty")
	}
	if c.Pipeline.StageTimeout <= 0 {
		return eris.New("config: pipeline.stage_timeout must be positive")
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
