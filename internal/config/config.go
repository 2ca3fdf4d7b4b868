package config

import (
	"fmt"

	"github.com/spf13/viper"
)

type Config struct {
	Port               string  `mapstructure:"PORT"`
	Env                string  `mapstructure:"ENV"`
	LogLevel           string  `mapstructure:"LOG_LEVEL"`
	MLLPAddr           string  `mapstructure:"MLLP_ADDR"`
	RulePackDir        string  `mapstructure:"RULE_PACK_DIR"`
	RepairBudget       int     `mapstructure:"REPAIR_BUDGET"`
	InferenceThreshold float64 `mapstructure:"INFERENCE_THRESHOLD"`
	RetrieverTopK      int     `mapstructure:"RETRIEVER_TOP_K"`
	DatabaseURL        string  `mapstructure:"DATABASE_URL"`
	DBMaxConns         int32   `mapstructure:"DB_MAX_CONNS"`
	DBMinConns         int32   `mapstructure:"DB_MIN_CONNS"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("MLLP_ADDR", "")
	v.SetDefault("RULE_PACK_DIR", "")
	v.SetDefault("REPAIR_BUDGET", 3)
	v.SetDefault("INFERENCE_THRESHOLD", 0.5)
	v.SetDefault("RETRIEVER_TOP_K", 3)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("LOG_LEVEL")
	v.BindEnv("MLLP_ADDR")
	v.BindEnv("RULE_PACK_DIR")
	v.BindEnv("REPAIR_BUDGET")
	v.BindEnv("INFERENCE_THRESHOLD")
	v.BindEnv("RETRIEVER_TOP_K")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. DATABASE_URL is
// optional: without it, audit trails are kept in memory only.
func (c *Config) Validate() error {
	if c.RepairBudget < 0 {
		return fmt.Errorf("REPAIR_BUDGET must be >= 0, got %d", c.RepairBudget)
	}
	if c.InferenceThreshold < 0 || c.InferenceThreshold > 1 {
		return fmt.Errorf("INFERENCE_THRESHOLD must be in [0, 1], got %v", c.InferenceThreshold)
	}
	if c.RetrieverTopK <= 0 {
		return fmt.Errorf("RETRIEVER_TOP_K must be > 0, got %d", c.RetrieverTopK)
	}
	return nil
}
