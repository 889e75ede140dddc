package model

import (
	"errors"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// Webhook sink name constraints.
	minWebhookSinkNameLen = 3
	maxWebhookSinkNameLen = 512
	maxWebhookURLLen      = 1024
	maxWebhookTemplateLen = 4096
)

// WebhookSink represents a registered receiver of terminal job events.
// Template is an optional JMESPath expression applied to the event payload
// before delivery; an empty template forwards the payload as-is.
type WebhookSink struct {
	ID        string    `json:"id"                 db:"id"`
	Name      string    `json:"name"               db:"name"`
	URL       string    `json:"url"                db:"url"`
	Template  *string   `json:"template,omitempty" db:"template"`
	Enabled   bool      `json:"enabled"            db:"enabled"`
	CreatedAt time.Time `json:"created_at"         db:"created_at"`
	UpdatedAt time.Time `json:"updated_at"         db:"updated_at"`
}

// CreateWebhookSinkRequest represents a request to register a new webhook sink.
type CreateWebhookSinkRequest struct {
	Name     string  `json:"name"`
	URL      string  `json:"url"`
	Template *string `json:"template,omitempty"`
	Enabled  *bool   `json:"enabled,omitempty"`
}

// UpdateWebhookSinkRequest represents a request to update an existing webhook sink.
type UpdateWebhookSinkRequest struct {
	Name     *string `json:"name,omitempty"`
	URL      *string `json:"url,omitempty"`
	Template *string `json:"template,omitempty"`
	Enabled  *bool   `json:"enabled,omitempty"`
}

// Normalize normalizes the CreateWebhookSinkRequest fields.
func (r *CreateWebhookSinkRequest) Normalize() {
	r.Name = strings.TrimSpace(r.Name)
	r.URL = strings.TrimSpace(r.URL)
	if r.Template != nil {
		t := strings.TrimSpace(*r.Template)
		if t == "" {
			r.Template = nil
		} else {
			r.Template = &t
		}
	}
}

// Validate validates the CreateWebhookSinkRequest fields.
func (r *CreateWebhookSinkRequest) Validate() error {
	if err := validateWebhookSinkName(r.Name); err != nil {
		return err
	}

	if err := validateWebhookSinkURL(r.URL); err != nil {
		return err
	}

	return validateWebhookTemplate(r.Template)
}

// Normalize normalizes the UpdateWebhookSinkRequest fields.
func (r *UpdateWebhookSinkRequest) Normalize() {
	if r.Name != nil {
		n := strings.TrimSpace(*r.Name)
		r.Name = &n
	}
	if r.URL != nil {
		u := strings.TrimSpace(*r.URL)
		r.URL = &u
	}
	if r.Template != nil {
		t := strings.TrimSpace(*r.Template)
		r.Template = &t
	}
}

// Validate validates the UpdateWebhookSinkRequest fields and ensures at least one field is being updated.
func (r *UpdateWebhookSinkRequest) Validate() error {
	if !r.HasUpdates() {
		return errors.New("at least one field must be updated")
	}

	if r.Name != nil {
		if err := validateWebhookSinkName(*r.Name); err != nil {
			return err
		}
	}

	if r.URL != nil {
		if err := validateWebhookSinkURL(*r.URL); err != nil {
			return err
		}
	}

	return validateWebhookTemplate(r.Template)
}

// HasUpdates returns true if the UpdateWebhookSinkRequest has any fields to update.
func (r *UpdateWebhookSinkRequest) HasUpdates() bool {
	return r.Name != nil || r.URL != nil || r.Template != nil || r.Enabled != nil
}

// validateWebhookSinkName validates the name field.
func validateWebhookSinkName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return errors.New("name is required and cannot be empty")
	}

	nameLen := utf8.RuneCountInString(trimmed)
	if nameLen < minWebhookSinkNameLen {
		return errors.New("name must be at least 3 characters")
	}
	if nameLen > maxWebhookSinkNameLen {
		return errors.New("name cannot exceed 512 characters")
	}

	return nil
}

// validateWebhookSinkURL validates the url field.
func validateWebhookSinkURL(raw string) error {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return errors.New("url is required and cannot be empty")
	}

	if utf8.RuneCountInString(trimmed) > maxWebhookURLLen {
		return errors.New("url cannot exceed 1024 characters")
	}

	parsed, err := url.Parse(trimmed)
	if err != nil {
		return errors.New("url must be a valid URL")
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return errors.New("url must use http or https scheme")
	}

	if parsed.Host == "" {
		return errors.New("url must have a valid host")
	}

	return nil
}

// validateWebhookTemplate bounds the template length. Expression syntax is
// checked by the webhook service, which owns the evaluator.
func validateWebhookTemplate(template *string) error {
	if template == nil {
		return nil
	}
	if utf8.RuneCountInString(*template) > maxWebhookTemplateLen {
		return errors.New("template cannot exceed 4096 characters")
	}
	return nil
}
