package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"voice-companion/pkg/errors"
	"voice-companion/pkg/voice"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Voice provider backends
const (
	ProviderWebSocket = "websocket"
	ProviderMock      = "mock"
)

// History backends
const (
	HistoryAMQP   = "amqp"
	HistoryMemory = "memory"
)

// Config represents the complete application configuration
type Config struct {
	HTTP      HTTPConfig            `json:"http"`
	Logging   LoggingConfig         `json:"logging"`
	Provider  ProviderConfig        `json:"provider"`
	History   HistoryConfig         `json:"history"`
	Assistant voice.AssistantConfig `json:"assistant"`
}

// HTTPConfig holds HTTP server configurations
type HTTPConfig struct {
	// HTTP port
	Port int `json:"port" env:"HTTP_PORT" default:"8080"`

	// Whether HTTP server is enabled
	Enabled bool `json:"enabled" env:"HTTP_ENABLED" default:"true"`

	// Whether metrics endpoint is enabled
	EnableMetrics bool `json:"enable_metrics" env:"HTTP_ENABLE_METRICS" default:"true"`

	// Read timeout for HTTP requests
	ReadTimeout time.Duration `json:"read_timeout" env:"HTTP_READ_TIMEOUT" default:"10s"`

	// Write timeout for HTTP responses
	WriteTimeout time.Duration `json:"write_timeout" env:"HTTP_WRITE_TIMEOUT" default:"30s"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	// Log level
	Level string `json:"level" env:"LOG_LEVEL" default:"info"`

	// Log format (json or text)
	Format string `json:"format" env:"LOG_FORMAT" default:"json"`

	// Log output file (empty = stdout)
	OutputFile string `json:"output_file" env:"LOG_OUTPUT_FILE"`
}

// ProviderConfig selects and configures the voice provider
type ProviderConfig struct {
	// Backend: websocket or mock
	Backend string `json:"backend" env:"VOICE_PROVIDER" default:"mock"`

	// Gateway websocket URL
	URL string `json:"url" env:"VOICE_PROVIDER_URL"`

	// Bearer token presented to the gateway
	Token string `json:"-" env:"VOICE_PROVIDER_TOKEN"`

	// Websocket handshake timeout
	HandshakeTimeout time.Duration `json:"handshake_timeout" env:"VOICE_HANDSHAKE_TIMEOUT" default:"10s"`

	// Delay before the mock provider confirms a call
	MockConnectDelay time.Duration `json:"mock_connect_delay" env:"MOCK_CONNECT_DELAY" default:"500ms"`

	// Pause between scripted mock turns
	MockTurnInterval time.Duration `json:"mock_turn_interval" env:"MOCK_TURN_INTERVAL" default:"2s"`
}

// HistoryConfig selects where completed sessions are recorded
type HistoryConfig struct {
	// Backend: amqp or memory
	Backend string `json:"backend" env:"HISTORY_BACKEND" default:"memory"`

	// AMQP connection URL
	AMQPURL string `json:"-" env:"AMQP_URL"`

	// AMQP queue receiving session records
	AMQPQueueName string `json:"amqp_queue_name" env:"AMQP_QUEUE_NAME" default:"companion.sessions"`

	// Timeout for one recording
	Timeout time.Duration `json:"timeout" env:"HISTORY_TIMEOUT" default:"10s"`
}

// Load loads the configuration from environment variables or .env file
func Load(logger *logrus.Logger) (*Config, error) {
	loadEnvFile(logger)

	config := &Config{}

	if err := loadHTTPConfig(logger, &config.HTTP); err != nil {
		return nil, errors.Wrap(err, "failed to load HTTP configuration")
	}

	if err := loadLoggingConfig(logger, &config.Logging); err != nil {
		return nil, errors.Wrap(err, "failed to load logging configuration")
	}

	if err := loadProviderConfig(logger, &config.Provider); err != nil {
		return nil, errors.Wrap(err, "failed to load voice provider configuration")
	}

	if err := loadHistoryConfig(logger, &config.History); err != nil {
		return nil, errors.Wrap(err, "failed to load history configuration")
	}

	loadAssistantConfig(&config.Assistant)

	if err := config.Validate(logger); err != nil {
		return nil, err
	}

	return config, nil
}

// loadEnvFile loads the first .env file found in the usual locations
func loadEnvFile(logger *logrus.Logger) {
	wd, err := os.Getwd()
	if err != nil {
		logger.WithError(err).Warn("Failed to get current working directory")
		wd = "unknown"
	}

	possibleEnvFiles := []string{
		".env",                    // Current directory
		"../.env",                 // Parent directory
		filepath.Join(wd, ".env"), // Absolute path
	}

	var loadedFrom string
	for _, envFile := range possibleEnvFiles {
		if _, statErr := os.Stat(envFile); statErr != nil {
			continue
		}
		absPath, _ := filepath.Abs(envFile)
		logger.WithField("path", absPath).Debug("Attempting to load .env file")

		if err := godotenv.Load(envFile); err == nil {
			loadedFrom = absPath
			break
		}
	}

	if loadedFrom != "" {
		logger.WithFields(logrus.Fields{
			"working_dir": wd,
			"path":        loadedFrom,
		}).Info("Successfully loaded .env file")
	} else {
		logger.WithField("working_dir", wd).Debug("No .env file found, using environment variables only")
	}
}

// loadHTTPConfig loads the HTTP configuration section
func loadHTTPConfig(logger *logrus.Logger, config *HTTPConfig) error {
	httpPortStr := getEnv("HTTP_PORT", "8080")
	httpPort, err := strconv.Atoi(httpPortStr)
	if err != nil || httpPort < 1 || httpPort > 65535 {
		logger.Warn("Invalid HTTP_PORT value, using default: 8080")
		config.Port = 8080
	} else {
		config.Port = httpPort
	}

	config.Enabled = getEnvBool("HTTP_ENABLED", true)
	config.EnableMetrics = getEnvBool("HTTP_ENABLE_METRICS", true)
	config.ReadTimeout = getEnvDuration("HTTP_READ_TIMEOUT", 10*time.Second)
	config.WriteTimeout = getEnvDuration("HTTP_WRITE_TIMEOUT", 30*time.Second)

	return nil
}

// loadLoggingConfig loads the logging configuration section
func loadLoggingConfig(logger *logrus.Logger, config *LoggingConfig) error {
	config.Level = getEnv("LOG_LEVEL", "info")
	if _, err := logrus.ParseLevel(config.Level); err != nil {
		logger.Warnf("Invalid LOG_LEVEL '%s', defaulting to 'info'", config.Level)
		config.Level = "info"
	}

	config.Format = getEnv("LOG_FORMAT", "json")
	if config.Format != "json" && config.Format != "text" {
		logger.Warn("Invalid LOG_FORMAT, must be 'json' or 'text', defaulting to 'json'")
		config.Format = "json"
	}

	config.OutputFile = getEnv("LOG_OUTPUT_FILE", "")

	return nil
}

// loadProviderConfig loads the voice provider configuration section
func loadProviderConfig(logger *logrus.Logger, config *ProviderConfig) error {
	config.Backend = strings.ToLower(getEnv("VOICE_PROVIDER", ProviderMock))
	switch config.Backend {
	case ProviderWebSocket, ProviderMock:
	default:
		return errors.Wrap(errors.ErrInvalidInput, fmt.Sprintf("unsupported VOICE_PROVIDER: %s", config.Backend))
	}

	config.URL = getEnv("VOICE_PROVIDER_URL", "")
	config.Token = getEnv("VOICE_PROVIDER_TOKEN", "")
	config.HandshakeTimeout = getEnvDuration("VOICE_HANDSHAKE_TIMEOUT", 10*time.Second)
	config.MockConnectDelay = getEnvDuration("MOCK_CONNECT_DELAY", 500*time.Millisecond)
	config.MockTurnInterval = getEnvDuration("MOCK_TURN_INTERVAL", 2*time.Second)

	logger.WithField("backend", config.Backend).Debug("Loaded voice provider configuration")
	return nil
}

// loadHistoryConfig loads the session history configuration section
func loadHistoryConfig(logger *logrus.Logger, config *HistoryConfig) error {
	config.Backend = strings.ToLower(getEnv("HISTORY_BACKEND", HistoryMemory))
	switch config.Backend {
	case HistoryAMQP, HistoryMemory:
	default:
		return errors.Wrap(errors.ErrInvalidInput, fmt.Sprintf("unsupported HISTORY_BACKEND: %s", config.Backend))
	}

	config.AMQPURL = getEnv("AMQP_URL", "")
	config.AMQPQueueName = getEnv("AMQP_QUEUE_NAME", "companion.sessions")
	config.Timeout = getEnvDuration("HISTORY_TIMEOUT", 10*time.Second)

	logger.WithField("backend", config.Backend).Debug("Loaded history configuration")
	return nil
}

// loadAssistantConfig loads the companion and participant for the session
func loadAssistantConfig(config *voice.AssistantConfig) {
	config.CompanionID = getEnv("COMPANION_ID", "")
	config.CompanionName = getEnv("COMPANION_NAME", "")
	config.Subject = getEnv("COMPANION_SUBJECT", "")
	config.Topic = getEnv("COMPANION_TOPIC", "")
	config.Style = getEnv("COMPANION_STYLE", "casual")
	config.Voice = getEnv("COMPANION_VOICE", "male")
	config.UserName = getEnv("USER_NAME", "")
	config.UserImage = getEnv("USER_IMAGE", "")
}

// ApplyLogging applies the logging configuration to the logger
func (c *Config) ApplyLogging(logger *logrus.Logger) error {
	level, err := logrus.ParseLevel(c.Logging.Level)
	if err != nil {
		return errors.Wrap(err, fmt.Sprintf("invalid log level: %s", c.Logging.Level))
	}
	logger.SetLevel(level)

	if c.Logging.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339Nano,
		})
	}

	if c.Logging.OutputFile != "" {
		f, err := os.OpenFile(c.Logging.OutputFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return errors.Wrap(err, fmt.Sprintf("failed to open log file: %s", c.Logging.OutputFile))
		}
		logger.SetOutput(f)
	} else {
		logger.SetOutput(os.Stdout)
	}

	return nil
}

// Helper function to get an environment variable with a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// Helper function to get a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	switch strings.ToLower(value) {
	case "true", "yes", "1", "on":
		return true
	case "false", "no", "0", "off":
		return false
	default:
		return defaultValue
	}
}

// Helper function to get a duration environment variable with a default value
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	duration, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}

	return duration
}
