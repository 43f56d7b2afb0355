package config

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
)

// ValidationError is a single invalid setting.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects every invalid setting found by Validate.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 1 {
		return e[0].Error()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

func ValidLogFormats() []string {
	return []string{"text", "json"}
}

// Validate reports every invalid value in c.
func (c Config) Validate() ValidationErrors {
	var errs ValidationErrors
	add := func(field string, value any, msg string) {
		errs = append(errs, ValidationError{Field: field, Value: value, Message: msg})
	}

	if c.Relay.Port < 0 || c.Relay.Port > 65535 {
		add("relay.port", c.Relay.Port, "must be between 0 and 65535")
	}
	if c.Relay.SendBuffer <= 0 {
		add("relay.send_buffer", c.Relay.SendBuffer, "must be positive")
	}
	if c.Relay.JournalRetention < 0 {
		add("relay.journal_retention", c.Relay.JournalRetention, "must not be negative")
	}

	if c.Client.Channel == "" {
		add("client.channel", c.Client.Channel, "must not be empty")
	}
	if u, err := url.Parse(c.Client.RelayURL); err != nil || !slices.Contains([]string{"ws", "wss", "http", "https"}, u.Scheme) {
		add("client.relay_url", c.Client.RelayURL, "must be a ws, wss, http or https URL")
	}

	if c.Election.ResponseTime <= 0 {
		add("election.response_time", c.Election.ResponseTime, "must be positive")
	}
	if c.Election.FallbackInterval <= c.Election.ResponseTime {
		add("election.fallback_interval", c.Election.FallbackInterval, "must be longer than election.response_time")
	}

	if !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		add("logging.level", c.Logging.Level, "must be one of: "+strings.Join(ValidLogLevels(), ", "))
	}
	if !slices.Contains(ValidLogFormats(), c.Logging.Format) {
		add("logging.format", c.Logging.Format, "must be one of: "+strings.Join(ValidLogFormats(), ", "))
	}
	if c.Logging.MaxDays <= 0 {
		add("logging.max_days", c.Logging.MaxDays, "must be positive")
	}
	return errs
}
