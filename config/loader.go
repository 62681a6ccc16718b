package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
)

const (
	// ProjectConfigFile is the name of the project-level config file
	ProjectConfigFile = "opspilot.yaml"
	// UserConfigDir is the directory for user-level config
	UserConfigDir = ".config/opspilot"
	// UserConfigFile is the name of the user-level config file
	UserConfigFile = "config.yaml"
)

// Loader handles configuration loading with layered precedence
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a new configuration loader
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. User config (~/.config/opspilot/config.yaml)
// 3. Project config (opspilot.yaml in current or parent directories)
// 4. Environment variables (OPSPILOT_*)
func (l *Loader) Load() (*Config, error) {
	config := DefaultConfig()

	userConfigPath := l.userConfigPath()
	if userConfig, err := LoadFromFile(userConfigPath); err == nil {
		l.logger.Debug("Loaded user config", slog.String("path", userConfigPath))
		config.Merge(userConfig)
	} else if !os.IsNotExist(err) {
		l.logger.Warn("Failed to load user config", slog.String("path", userConfigPath), slog.String("error", err.Error()))
	}

	projectConfigPath := l.findProjectConfig()
	if projectConfigPath != "" {
		if projectConfig, err := LoadFromFile(projectConfigPath); err == nil {
			l.logger.Debug("Loaded project config", slog.String("path", projectConfigPath))
			config.Merge(projectConfig)
		} else {
			l.logger.Warn("Failed to load project config", slog.String("path", projectConfigPath), slog.String("error", err.Error()))
		}
	} else {
		l.logger.Debug("No project config found")
	}

	l.applyEnv(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// applyEnv overlays environment variables onto the config. Secrets are
// usually injected this way rather than written to a file.
func (l *Loader) applyEnv(config *Config) {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString("OPSPILOT_HTTP_ADDR", &config.HTTP.Addr)
	setString("OPSPILOT_DATABASE_DSN", &config.Database.DSN)
	setString("OPSPILOT_REDIS_ADDR", &config.Redis.Addr)
	setString("OPSPILOT_GITHUB_TOKEN", &config.GitHub.Token)
	setString("OPSPILOT_GITHUB_REPO", &config.GitHub.Repo)
	setString("OPSPILOT_SLACK_WEBHOOK_URL", &config.Slack.WebhookURL)
	setString("OPSPILOT_VECTORS_URL", &config.Vectors.URL)
	setString("OPSPILOT_RUNBOOKS_DIR", &config.Runbooks.Dir)
	setString("OPSPILOT_LLM_API_KEY", &config.LLM.APIKey)
	if config.LLM.APIKey == "" {
		setString("OPENAI_API_KEY", &config.LLM.APIKey)
	}

	if v := os.Getenv("OPSPILOT_NATS_URL"); v != "" {
		config.NATS.URL = v
		config.NATS.Embedded = false
	}
	if v := os.Getenv("OPSPILOT_GITHUB_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			config.GitHub.Enabled = b
		}
	}
	if v := os.Getenv("OPSPILOT_VECTORS_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			config.Vectors.Enabled = b
		}
	}
	if v := os.Getenv("OPSPILOT_RESULT_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Retention.ResultRetentionDays = n
		}
	}
}

// EnsureUserConfig creates the user config file with defaults if it
// doesn't exist
func (l *Loader) EnsureUserConfig() error {
	userConfigPath := l.userConfigPath()
	if _, err := os.Stat(userConfigPath); err == nil {
		return nil
	}

	config := DefaultConfig()
	if err := config.SaveToFile(userConfigPath); err != nil {
		return err
	}
	l.logger.Info("Created default user config", slog.String("path", userConfigPath))
	return nil
}

// userConfigPath returns the path to the user config file
func (l *Loader) userConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}

// findProjectConfig searches for opspilot.yaml in current and parent
// directories
func (l *Loader) findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	dir := cwd
	for {
		configPath := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}
