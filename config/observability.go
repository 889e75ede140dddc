package config

import (
	"strings"
	"time"
)

const defaultObservabilityName = "keepsake"

// ObservabilityConfig groups configuration that controls metrics and
// operational notification fan-out.
type ObservabilityConfig struct {
	Metrics       ObservabilityMetricsConfig       `envPrefix:"METRICS_"`
	Notifications ObservabilityNotificationsConfig `envPrefix:"NOTIFICATIONS_"`
}

// Sanitize applies guardrails to observability sub-configs.
func (c *ObservabilityConfig) Sanitize() {
	c.Notifications.Sanitize()
}

// ObservabilityMetricsConfig controls the Prometheus /metrics endpoint.
type ObservabilityMetricsConfig struct {
	Enabled bool `env:"ENABLED" envDefault:"true"`
}

// IsEnabled returns true when the metrics endpoint should be registered.
func (c *ObservabilityMetricsConfig) IsEnabled() bool {
	return c.Enabled
}

// ObservabilityNotificationsConfig controls outbound operational notifications.
type ObservabilityNotificationsConfig struct {
	Enabled    bool                    `env:"ENABLED"     envDefault:"false"`
	Timeout    time.Duration           `env:"TIMEOUT"     envDefault:"5s"`
	RetryLimit int                     `env:"RETRY_LIMIT" envDefault:"3"`
	Slack      SlackNotificationConfig `envPrefix:"SLACK_"`
}

// Sanitize normalises notification configuration values.
func (c *ObservabilityNotificationsConfig) Sanitize() {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.RetryLimit < 0 {
		c.RetryLimit = 0
	}

	c.Slack.sanitize()

	if !c.Enabled {
		c.Slack.Enabled = false
		return
	}

	if c.Slack.Enabled && c.Slack.WebhookURL == "" {
		c.Slack.Enabled = false
	}
}

// SlackNotificationConfig controls Slack webhook fan-out.
type SlackNotificationConfig struct {
	Enabled    bool   `env:"ENABLED" envDefault:"false"`
	WebhookURL string `env:"WEBHOOK_URL"`
	Channel    string `env:"CHANNEL"`
	Username   string `env:"USERNAME" envDefault:"keepsake"`
}

func (c *SlackNotificationConfig) sanitize() {
	c.WebhookURL = strings.TrimSpace(c.WebhookURL)
	c.Channel = strings.TrimSpace(c.Channel)
	if c.Username = strings.TrimSpace(c.Username); c.Username == "" {
		c.Username = defaultObservabilityName
	}
}
