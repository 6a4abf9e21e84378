package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Manager loads configuration through viper and watches the optional config
// file for changes to dynamic settings.
type Manager struct {
	configPath string
	viper      *viper.Viper
	config     *Config
	watchChan  chan Config
}

// NewManager builds a manager. configPath may be empty; then only defaults
// and environment variables apply.
func NewManager(configPath string) *Manager {
	return &Manager{
		configPath: configPath,
		config:     DefaultConfig(),
		watchChan:  make(chan Config, 1),
	}
}

// Load reads defaults, the optional config file, and environment overrides,
// then validates the result.
func (m *Manager) Load() (*Config, error) {
	m.viper = viper.New()
	m.viper.SetConfigType("yaml")
	m.setDefaults()

	if m.configPath != "" {
		m.viper.SetConfigFile(m.configPath)
		if err := m.viper.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	m.viper.SetEnvPrefix("RESPONSEGATE")
	m.viper.AutomaticEnv()
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	m.unmarshalConfig()
	m.applyEnvOverrides()

	if errs := m.config.Validate(); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, err := range errs {
			msgs[i] = err.Error()
		}
		return nil, fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
	}
	return m.config, nil
}

// Get returns the current configuration.
func (m *Manager) Get() *Config { return m.config }

// Watch reloads dynamic settings when the config file changes. Static
// settings (listen address, credentials) require a restart.
func (m *Manager) Watch() <-chan Config {
	if m.configPath == "" {
		return m.watchChan
	}
	m.viper.WatchConfig()
	m.viper.OnConfigChange(func(e fsnotify.Event) {
		m.unmarshalConfig()
		m.applyEnvOverrides()
		select {
		case m.watchChan <- *m.config:
		default:
			// Channel full, skip this update.
		}
	})
	return m.watchChan
}

func (m *Manager) setDefaults() {
	defaults := DefaultConfig()
	m.viper.SetDefault("server.host", defaults.Host)
	m.viper.SetDefault("server.port", defaults.Port)
	m.viper.SetDefault("openai.model", defaults.OpenAIModel)
	m.viper.SetDefault("openai.base_url", defaults.OpenAIBaseURL)
	m.viper.SetDefault("logging.level", defaults.LogLevel)
	m.viper.SetDefault("logging.events", defaults.LogEvents)
	m.viper.SetDefault("logging.dir", defaults.LogDir)
	m.viper.SetDefault("request_timeout_ms", 0)
}

func (m *Manager) unmarshalConfig() {
	cfg := &Config{}
	cfg.Host = m.viper.GetString("server.host")
	cfg.Port = m.viper.GetInt("server.port")
	cfg.OpenAIAPIKey = m.viper.GetString("openai.api_key")
	cfg.OpenAIModel = m.viper.GetString("openai.model")
	cfg.OpenAIBaseURL = m.viper.GetString("openai.base_url")
	cfg.LogLevel = m.viper.GetString("logging.level")
	cfg.LogEvents = m.viper.GetBool("logging.events")
	cfg.LogDir = m.viper.GetString("logging.dir")
	cfg.RequestTimeout = time.Duration(m.viper.GetInt("request_timeout_ms")) * time.Millisecond
	m.config = cfg
}

// applyEnvOverrides applies the documented bare environment variables, which
// win over file and defaults.
func (m *Manager) applyEnvOverrides() {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		m.config.OpenAIAPIKey = v
	}
	if v := os.Getenv("OPENAI_MODEL"); v != "" {
		m.config.OpenAIModel = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		m.config.OpenAIBaseURL = v
	}
	if v := os.Getenv("HOST"); v != "" {
		m.config.Host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			m.config.Port = p
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		m.config.LogLevel = v
	}
	if v := os.Getenv("LOG_EVENTS"); v != "" {
		m.config.LogEvents = v == "true" || v == "1"
	}
	if v := os.Getenv("LOG_DIR"); v != "" {
		m.config.LogDir = v
	}
	if v := os.Getenv("REQUEST_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			m.config.RequestTimeout = time.Duration(ms) * time.Millisecond
		}
	}
}

// Load is the package-level convenience used at startup; the config file
// path comes from RESPONSEGATE_CONFIG.
func Load() (*Config, error) {
	return NewManager(os.Getenv("RESPONSEGATE_CONFIG")).Load()
}
