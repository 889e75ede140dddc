package config

import "time"

// HTTPConfig contains HTTP server configuration.
type HTTPConfig struct {
	// Addr is the address to bind the HTTP server to.
	Addr string `env:"ADDR" envDefault:":8080"`

	// BaseURL is the base URL of the application (e.g., "https://app.example.com").
	// Used for generating absolute URLs in webhook payloads and notifications.
	BaseURL string `env:"BASE_URL" envDefault:"http://localhost:8080"`

	// CompressionEnabled enables gzip compression for JSON responses.
	CompressionEnabled bool `env:"COMPRESSION_ENABLED" envDefault:"false"`

	// CompressionLevel is the gzip compression level (1-9).
	// Default is 6 (standard gzip default).
	CompressionLevel int `env:"COMPRESSION_LEVEL" envDefault:"6"`
}

// Sanitize applies guardrails to HTTP configuration values.
func (h *HTTPConfig) Sanitize() {
	// Clamp compression level to valid gzip range (1-9)
	if h.CompressionLevel < 1 {
		h.CompressionLevel = 1
	}
	if h.CompressionLevel > 9 {
		h.CompressionLevel = 9
	}
}

// DeliveryConfig controls how finished results reach callers across the
// three delivery modes (sync wait, SSE push, poll).
type DeliveryConfig struct {
	// DefaultWait is the blocking-wait duration applied when a sync submit
	// or /wait call does not name a timeout.
	DefaultWait time.Duration `env:"DEFAULT_WAIT" envDefault:"60s"`

	// MaxWait caps caller-supplied wait timeouts. Sanitize additionally
	// clamps it to the per-job inference budget.
	MaxWait time.Duration `env:"MAX_WAIT" envDefault:"5m"`

	// SSEHeartbeat is the keep-alive comment interval on event streams.
	SSEHeartbeat time.Duration `env:"SSE_HEARTBEAT" envDefault:"15s"`

	// SubscriberBuffer is the per-subscriber event channel capacity. A
	// subscriber that falls this far behind starts dropping events; the
	// durable store remains the source of truth.
	SubscriberBuffer int `env:"SUBSCRIBER_BUFFER" envDefault:"16"`
}

// Sanitize applies guardrails to delivery configuration values.
func (d *DeliveryConfig) Sanitize() {
	if d.DefaultWait <= 0 {
		d.DefaultWait = 60 * time.Second
	}
	if d.MaxWait <= 0 {
		d.MaxWait = 5 * time.Minute
	}
	if d.DefaultWait > d.MaxWait {
		d.DefaultWait = d.MaxWait
	}
	if d.SSEHeartbeat < time.Second {
		d.SSEHeartbeat = time.Second
	}
	if d.SubscriberBuffer < 1 {
		d.SubscriberBuffer = 1
	}
}
