package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"voice-companion/pkg/errors"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string      `json:"field"`
	Value   interface{} `json:"value"`
	Rule    string      `json:"rule"`
	Message string      `json:"message"`
}

// Validator collects configuration validation errors
type Validator struct {
	logger *logrus.Logger
	errors []ValidationError
}

// NewValidator creates a new configuration validator
func NewValidator(logger *logrus.Logger) *Validator {
	return &Validator{logger: logger}
}

// Validate checks that the selected backends are fully configured
func (c *Config) Validate(logger *logrus.Logger) error {
	v := NewValidator(logger)
	errs := v.ValidateConfig(c)
	if len(errs) == 0 {
		return nil
	}

	messages := make([]string, 0, len(errs))
	for _, e := range errs {
		messages = append(messages, e.Message)
	}
	return errors.Wrap(errors.ErrInvalidInput, fmt.Sprintf("%d validation error(s): %s", len(errs), strings.Join(messages, "; "))).
		WithField("errors", errs)
}

// ValidateConfig validates the entire configuration and logs each failure
func (v *Validator) ValidateConfig(config *Config) []ValidationError {
	v.errors = nil

	v.validateProviderConfig(config)
	v.validateHistoryConfig(config)
	v.validateAssistantConfig(config)

	for _, err := range v.errors {
		v.logger.WithFields(logrus.Fields{
			"field": err.Field,
			"value": err.Value,
			"rule":  err.Rule,
		}).Error(err.Message)
	}
	return v.errors
}

func (v *Validator) validateProviderConfig(config *Config) {
	if config.Provider.Backend != ProviderWebSocket {
		return
	}
	if config.Provider.URL == "" {
		v.addError("voice_provider_url", "", "required", "VOICE_PROVIDER_URL is required for the websocket provider")
		return
	}
	u, err := url.Parse(config.Provider.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		v.addError("voice_provider_url", config.Provider.URL, "format", "VOICE_PROVIDER_URL must be a ws:// or wss:// URL")
	}
}

func (v *Validator) validateHistoryConfig(config *Config) {
	if config.History.Backend != HistoryAMQP {
		return
	}
	if config.History.AMQPURL == "" {
		v.addError("amqp_url", "", "required", "AMQP_URL is required for the amqp history backend")
	}
	if config.History.AMQPQueueName == "" {
		v.addError("amqp_queue_name", "", "required", "AMQP_QUEUE_NAME is required for the amqp history backend")
	}
}

func (v *Validator) validateAssistantConfig(config *Config) {
	if err := config.Assistant.Validate(); err != nil {
		v.addError("assistant", errors.GetErrorFields(err)["missing"], "required", "COMPANION_ID, COMPANION_SUBJECT and COMPANION_TOPIC are required")
	}
}

func (v *Validator) addError(field string, value interface{}, rule, message string) {
	v.errors = append(v.errors, ValidationError{
		Field:   field,
		Value:   value,
		Rule:    rule,
		Message: message,
	})
}
