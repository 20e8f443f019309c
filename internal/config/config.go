package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config is the full application configuration, assembled from the config
// file, CLEARGATE_* environment variables, and defaults, in that order of
// precedence (highest first: env, file, defaults).
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Challenge ChallengeConfig `mapstructure:"challenge"`
	Database  DatabaseConfig  `mapstructure:"database"`
	AI        AIConfig        `mapstructure:"ai"`
	Scrape    ScrapeConfig    `mapstructure:"scrape"`
}

// LoggerConfig controls the zap setup.
type LoggerConfig struct {
	Level       string `mapstructure:"level"`
	Format      string `mapstructure:"format"` // "console" or "json"
	ServiceName string `mapstructure:"service_name"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
	Compress    bool   `mapstructure:"compress"`
}

// BrowserConfig controls the Chrome instance the session manager launches.
type BrowserConfig struct {
	Headless bool `mapstructure:"headless"`
	// UserAgent overrides Chrome's default UA when non-empty.
	UserAgent string `mapstructure:"user_agent"`
	// NavigationTimeout bounds a single Navigate call.
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	// OperationTimeout bounds a single selector query or script evaluation.
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
	WindowWidth      int           `mapstructure:"window_width"`
	WindowHeight     int           `mapstructure:"window_height"`
}

// ChallengeConfig carries the attempt budgets of the solve loop. The
/// defaults are deliberately generous: the provider's widget can take several
// seconds to render its checkbox.
type ChallengeConfig struct {
	SolveAttempts         int           `mapstructure:"solve_attempts"`
	AttemptDelay          time.Duration `mapstructure:"attempt_delay"`
	WaitCheckboxAttempts  int           `mapstructure:"wait_checkbox_attempts"`
	WaitCheckboxDelay     time.Duration `mapstructure:"wait_checkbox_delay"`
	CheckboxClickAttempts int           `mapstructure:"checkbox_click_attempts"`
	ClickSettleDelay      time.Duration `mapstructure:"click_settle_delay"`
	// ExpectedContentSelector, when set, short-circuits solving as soon as
	// the caller's target content is reachable.
	ExpectedContentSelector string `mapstructure:"expected_content_selector"`
}

// DatabaseConfig points at the Postgres jobs store.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// AIConfig configures the LLM used for job scoring.
type AIConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model"`
	Endpoint    string        `mapstructure:"endpoint"`
	APITimeout  time.Duration `mapstructure:"api_timeout"`
	Temperature float64       `mapstructure:"temperature"`
	// Concurrency caps parallel scoring requests.
	Concurrency int `mapstructure:"concurrency"`
}

// ScrapeConfig tunes the listing scrape loop.
type ScrapeConfig struct {
	// PageDelay is the minimum spacing between page fetches.
	PageDelay time.Duration `mapstructure:"page_delay"`
	MaxPages  int           `mapstructure:"max_pages"`
}

// Load reads the configuration, searching path first and falling back to the
// working directory and ~/.cleargate. An absent config file is fine; an
// unreadable or malformed one is not.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := homedir.Dir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".cleargate"))
		}
	}

	v.SetEnvPrefix("CLEARGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the rest of the program cannot act on.
func (c *Config) Validate() error {
	if c.Logger.Format != "console" && c.Logger.Format != "json" {
		return fmt.Errorf("logger.format must be \"console\" or \"json\", got %q", c.Logger.Format)
	}
	if c.Challenge.SolveAttempts < 1 {
		return fmt.Errorf("challenge.solve_attempts must be at least 1, got %d", c.Challenge.SolveAttempts)
	}
	if c.Challenge.CheckboxClickAttempts < 1 {
		return fmt.Errorf("challenge.checkbox_click_attempts must be at least 1, got %d", c.Challenge.CheckboxClickAttempts)
	}
	if c.Browser.OperationTimeout <= 0 {
		return fmt.Errorf("browser.operation_timeout must be positive, got %s", c.Browser.OperationTimeout)
	}
	if c.AI.Concurrency < 1 {
		return fmt.Errorf("ai.concurrency must be at least 1, got %d", c.AI.Concurrency)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.service_name", "cleargate")
	v.SetDefault("logger.max_size_mb", 100)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age_days", 28)
	v.SetDefault("logger.compress", true)

	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.navigation_timeout", 60*time.Second)
	v.SetDefault("browser.operation_timeout", 15*time.Second)
	v.SetDefault("browser.window_width", 1440)
	v.SetDefault("browser.window_height", 900)

	v.SetDefault("challenge.solve_attempts", 3)
	v.SetDefault("challenge.attempt_delay", 5*time.Second)
	v.SetDefault("challenge.wait_checkbox_attempts", 10)
	v.SetDefault("challenge.wait_checkbox_delay", 6*time.Second)
	v.SetDefault("challenge.checkbox_click_attempts", 3)
	v.SetDefault("challenge.click_settle_delay", 6*time.Second)

	v.SetDefault("ai.model", "gemini-2.0-flash")
	v.SetDefault("ai.api_timeout", 90*time.Second)
	v.SetDefault("ai.temperature", 0.0)
	v.SetDefault("ai.concurrency", 4)

	v.SetDefault("scrape.page_delay", 8*time.Second)
	v.SetDefault("scrape.max_pages", 5)
}
