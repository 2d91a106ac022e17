package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/pricing-cli/internal/constraint"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	PriceStore PriceStoreConfig `yaml:"pricestore" mapstructure:"pricestore"`
	Scores     ScoresConfig     `yaml:"scores" mapstructure:"scores"`
	Rules      RulesConfig      `yaml:"rules" mapstructure:"rules"`
	Publish    PublishConfig    `yaml:"publish" mapstructure:"publish"`
	Sites      []SiteConfig     `yaml:"sites" mapstructure:"sites"`
	Alerts     AlertsConfig     `yaml:"alerts" mapstructure:"alerts"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the ledger database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	Path        string `yaml:"path" mapstructure:"path"`
}

// PriceStoreConfig configures the external system-of-record adapter.
type PriceStoreConfig struct {
	BaseURL       string  `yaml:"base_url" mapstructure:"base_url"`
	APIKey        string  `yaml:"api_key" mapstructure:"api_key"`
	TimeoutSecs   int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RatePerSecond float64 `yaml:"rate_per_second" mapstructure:"rate_per_second"`
}

// ScoresConfig configures where confidence votes come from.
type ScoresConfig struct {
	Source  string `yaml:"source" mapstructure:"source"` // "file" or "http"
	Dir     string `yaml:"dir" mapstructure:"dir"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	APIKey  string `yaml:"api_key" mapstructure:"api_key"`
}

// RulesConfig holds the default constraint rule inputs. Values are decimal
// strings so they survive the YAML/env round trip exactly.
type RulesConfig struct {
	Floor             string `yaml:"floor" mapstructure:"floor"`
	MaxIncrease       string `yaml:"max_increase" mapstructure:"max_increase"`
	AdvisoryTolerance string `yaml:"advisory_tolerance" mapstructure:"advisory_tolerance"`
}

// SiteConfig describes one site under management.
type SiteConfig struct {
	ID           string            `yaml:"id" mapstructure:"id"`
	Categories   []string          `yaml:"categories" mapstructure:"categories"`
	Floors       map[string]string `yaml:"floors" mapstructure:"floors"`
	AdvisoryRefs map[string]string `yaml:"advisory_refs" mapstructure:"advisory_refs"`
}

// PublishConfig tunes the transaction manager.
type PublishConfig struct {
	MaxAttempts      int    `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMS int    `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffSecs   int    `yaml:"max_backoff_secs" mapstructure:"max_backoff_secs"`
	VerifyTolerance  string `yaml:"verify_tolerance" mapstructure:"verify_tolerance"`
	StalenessMinutes int    `yaml:"staleness_minutes" mapstructure:"staleness_minutes"`
	Concurrency      int    `yaml:"concurrency" mapstructure:"concurrency"`
	Actor            string `yaml:"actor" mapstructure:"actor"`
}

// AlertsConfig configures webhook alerting.
type AlertsConfig struct {
	WebhookURL string `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// ServerConfig configures the HTTP API server.
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
	v.SetEnvPrefix("PRICING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "pricing.db")
	v.SetDefault("pricestore.timeout_secs", 30)
	v.SetDefault("pricestore.rate_per_second", 5.0)
	v.SetDefault("scores.source", "file")
	v.SetDefault("scores.dir", "votes")
	v.SetDefault("rules.floor", "0.00")
	v.SetDefault("rules.max_increase", "0.15")
	v.SetDefault("rules.advisory_tolerance", "0.05")
	v.SetDefault("publish.max_attempts", 3)
	v.SetDefault("publish.initial_backoff_ms", 500)
	v.SetDefault("publish.max_backoff_secs", 30)
	v.SetDefault("publish.verify_tolerance", "0.01")
	v.SetDefault("publish.staleness_minutes", 30)
	v.SetDefault("publish.concurrency", 4)
	v.SetDefault("publish.actor", "scheduler")
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

	return &cfg, nil
}

// RuleSetFor resolves the constraint rule set for one site, merging the
// global rule defaults with the site's overrides.
func (c *Config) RuleSetFor(site SiteConfig) (constraint.RuleSet, error) {
	var rs constraint.RuleSet
	var err error

	if rs.DefaultFloor, err = decimal.NewFromString(c.Rules.Floor); err != nil {
		return rs, eris.Wrapf(err, "config: rules.floor %q", c.Rules.Floor)
	}
	if rs.MaxIncrease, err = decimal.NewFromString(c.Rules.MaxIncrease); err != nil {
		return rs, eris.Wrapf(err, "config: rules.max_increase %q", c.Rules.MaxIncrease)
	}
	if rs.AdvisoryTolerance, err = decimal.NewFromString(c.Rules.AdvisoryTolerance); err != nil {
		return rs, eris.Wrapf(err, "config: rules.advisory_tolerance %q", c.Rules.AdvisoryTolerance)
	}

	if len(site.Floors) > 0 {
		rs.Floors = make(map[string]decimal.Decimal, len(site.Floors))
		for cat, s := range site.Floors {
			if rs.Floors[cat], err = decimal.NewFromString(s); err != nil {
				return rs, eris.Wrapf(err, "config: floor for site %s category %s", site.ID, cat)
			}
		}
	}
	if len(site.AdvisoryRefs) > 0 {
		rs.AdvisoryRefs = make(map[string]decimal.Decimal, len(site.AdvisoryRefs))
		for cat, s := range site.AdvisoryRefs {
			if rs.AdvisoryRefs[cat], err = decimal.NewFromString(s); err != nil {
				return rs, eris.Wrapf(err, "config: advisory ref for site %s category %s", site.ID, cat)
			}
		}
	}
	return rs, nil
}

// Site returns the configuration for one site id, or nil when unknown.
func (c *Config) Site(id string) *SiteConfig {
	for i := range c.Sites {
		if c.Sites[i].ID == id {
			return &c.Sites[i]
		}
	}
	return nil
}

// VerifyToleranceDecimal parses publish.verify_tolerance.
func (c *Config) VerifyToleranceDecimal() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(c.Publish.VerifyTolerance)
	if err != nil {
		return decimal.Zero, eris.Wrapf(err, "config: publish.verify_tolerance %q", c.Publish.VerifyTolerance)
	}
	return d, nil
}

// Validate checks that the configuration is usable for the given mode
// ("publish", "revert", or "serve"). All problems are reported at once.
func (c *Config) Validate(mode string) error {
	var problems []string

	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			problems = append(problems, "store.path is required for the sqlite driver")
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required for the postgres driver")
		}
	default:
		problems = append(problems, "store.driver must be sqlite or postgres")
	}

	if c.Publish.MaxAttempts < 1 || c.Publish.MaxAttempts > 10 {
		problems = append(problems, "publish.max_attempts must be between 1 and 10")
	}
	if c.Publish.Concurrency < 1 || c.Publish.Concurrency > 32 {
		problems = append(problems, "publish.concurrency must be between 1 and 32")
	}
	if _, err := c.VerifyToleranceDecimal(); err != nil {
		problems = append(problems, "publish.verify_tolerance must be a decimal")
	}
	for _, site := range c.Sites {
		if _, err := c.RuleSetFor(site); err != nil {
			problems = append(problems, "rules for site "+site.ID+" do not parse")
		}
	}

	switch mode {
	case "publish", "revert":
		if c.PriceStore.BaseURL == "" {
			problems = append(problems, "pricestore.base_url is required")
		}
		if c.Scores.Source == "http" && c.Scores.BaseURL == "" {
			problems = append(problems, "scores.base_url is required for the http source")
		}
	case "serve":
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
		if c.PriceStore.BaseURL == "" {
			problems = append(problems, "pricestore.base_url is required")
		}
	default:
		problems = append(problems, "unknown mode "+mode)
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
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
