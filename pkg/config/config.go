package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/CognicAI/Become-AI/pkg/chaterr"
)

// Config holds the settings for the chat client: where the backend lives,
// where the conversation log is stored and which model answers.
type Config struct {
	APIBaseURL string `mapstructure:"api_base_url" yaml:"api_base_url"`

	QueryPath        string `mapstructure:"query_path" yaml:"query_path"`
	ScrapePath       string `mapstructure:"scrape_path" yaml:"scrape_path"`
	ScrapeStatusPath string `mapstructure:"scrape_status_path" yaml:"scrape_status_path"`
	HealthPath       string `mapstructure:"health_path" yaml:"health_path"`

	SiteBaseURL string `mapstructure:"site_base_url" yaml:"site_base_url"`

	StoragePath     string `mapstructure:"storage_path" yaml:"storage_path"`
	ConversationKey string `mapstructure:"conversation_key" yaml:"conversation_key"`
	HistoryLimit    int    `mapstructure:"history_limit" yaml:"history_limit"`

	LLMSource    string `mapstructure:"llm_source" yaml:"llm_source"`
	LLMModelName string `mapstructure:"llm_model_name" yaml:"llm_model_name"`

	HealthTimeout      time.Duration `mapstructure:"health_timeout" yaml:"health_timeout"`
	ScrapePollInterval time.Duration `mapstructure:"scrape_poll_interval" yaml:"scrape_poll_interval"`

	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api_base_url", "http://localhost:8001")
	v.SetDefault("query_path", "/query/stream")
	v.SetDefault("scrape_path", "/scrape")
	v.SetDefault("scrape_status_path", "/scrape/status")
	v.SetDefault("health_path", "/health")
	v.SetDefault("conversation_key", "default")
	v.SetDefault("history_limit", 100)
	v.SetDefault("llm_source", "local")
	v.SetDefault("health_timeout", 5*time.Second)
	v.SetDefault("scrape_poll_interval", 2*time.Second)
	v.SetDefault("log_level", "info")
}

// Load reads the configuration from defaults, an optional YAML file and the
// environment, in increasing precedence. Environment variables use the
// BECOME_ prefix (BECOME_API_BASE_URL and so on). When configFile is empty
// the default location is tried and allowed to be absent.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("BECOME")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only resolves keys viper already knows about, so keys
	// without a default need an explicit binding.
	for _, key := range []string{
		"api_base_url", "query_path", "scrape_path", "scrape_status_path",
		"health_path", "site_base_url", "storage_path", "conversation_key",
		"history_limit", "llm_source", "llm_model_name", "health_timeout",
		"scrape_poll_interval", "log_level",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, errors.Wrapf(err, "could not bind env for %s", key)
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "could not read config file %s", configFile)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if dir, err := DefaultConfigDir(); err == nil {
			v.AddConfigPath(dir)
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, errors.Wrap(err, "could not read config file")
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "could not unmarshal config")
	}
	if cfg.StoragePath == "" {
		dir, err := DefaultConfigDir()
		if err != nil {
			return nil, errors.Wrap(err, "could not resolve storage path")
		}
		cfg.StoragePath = filepath.Join(dir, "conversations.db")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the fields a running client depends on.
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.APIBaseURL, "http://") && !strings.HasPrefix(c.APIBaseURL, "https://") {
		return chaterr.NewValidation("api_base_url", "must be an absolute http or https URL")
	}
	if c.HistoryLimit <= 0 {
		return chaterr.NewValidation("history_limit", "must be positive")
	}
	switch c.LLMSource {
	case "local", "cloud":
	default:
		return chaterr.NewValidation("llm_source", "must be local or cloud")
	}
	if c.HealthTimeout <= 0 {
		return chaterr.NewValidation("health_timeout", "must be positive")
	}
	if c.ScrapePollInterval <= 0 {
		return chaterr.NewValidation("scrape_poll_interval", "must be positive")
	}
	return nil
}

// DefaultConfigDir is where the config file and the conversation database
// live, typically ~/.config/become-ai.
func DefaultConfigDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "become-ai"), nil
}
