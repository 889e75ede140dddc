package model

import (
	"errors"
	"strings"
	"time"
)

// DefaultArtifactContentType applies when a create request does not name one.
const DefaultArtifactContentType = "image/png"

// ArtifactKind distinguishes stored objects by how they came to exist.
type ArtifactKind string

const (
	// ArtifactKindOrigin is the caller's uploaded source image.
	ArtifactKindOrigin ArtifactKind = "origin"
	// ArtifactKindGenerated is an output produced by a generation job.
	ArtifactKindGenerated ArtifactKind = "generated"
	// ArtifactKindCustomized is a generated output re-rendered with caller edits.
	ArtifactKindCustomized ArtifactKind = "customized"
)

// Valid reports whether the kind is one of the known values.
func (k ArtifactKind) Valid() bool {
	switch k {
	case ArtifactKindOrigin, ArtifactKindGenerated, ArtifactKindCustomized:
		return true
	default:
		return false
	}
}

// Artifact represents one generated output persisted to the object store.
// Unsaved artifacts expire; saving clears the expiry. The two fields move
// together and never disagree (enforced by a table constraint).
type Artifact struct {
	ID          string       `json:"id"                   db:"id"`
	JobID       string       `json:"job_id"               db:"job_id"`
	Kind        ArtifactKind `json:"kind"                 db:"kind"`
	Prompt      string       `json:"prompt"               db:"prompt"`
	Reference   string       `json:"reference"            db:"reference"`
	ContentType string       `json:"content_type"         db:"content_type"`
	Saved       bool         `json:"saved"                db:"saved"`
	ExpiresAt   *time.Time   `json:"expires_at,omitempty" db:"expires_at"`
	CreatedAt   time.Time    `json:"created_at"           db:"created_at"`
}

// ArtifactSummary is the caller-facing projection of an artifact, shared by
// poll results and artifact events.
type ArtifactSummary struct {
	ID        string `json:"id"`
	Reference string `json:"reference"`
	Prompt    string `json:"prompt"`
}

// Summary projects the artifact into its caller-facing shape.
func (a *Artifact) Summary() ArtifactSummary {
	return ArtifactSummary{ID: a.ID, Reference: a.Reference, Prompt: a.Prompt}
}

// CreateArtifactRequest carries the fields needed to persist a new artifact.
type CreateArtifactRequest struct {
	JobID       string
	Kind        ArtifactKind
	Prompt      string
	Reference   string
	ContentType string
	ExpiresAt   time.Time
}

// Normalize applies defaults to absent request fields.
func (r *CreateArtifactRequest) Normalize() {
	r.Prompt = strings.TrimSpace(r.Prompt)
	r.Reference = strings.TrimSpace(r.Reference)
	r.ContentType = strings.TrimSpace(r.ContentType)
	if r.Kind == "" {
		r.Kind = ArtifactKindGenerated
	}
	if r.ContentType == "" {
		r.ContentType = DefaultArtifactContentType
	}
}

// Validate checks that the request can be persisted. New artifacts always
// carry an expiry; saving them later is what clears it.
func (r *CreateArtifactRequest) Validate() error {
	if strings.TrimSpace(r.JobID) == "" {
		return errors.New("job_id is required")
	}
	if !r.Kind.Valid() {
		return errors.New("kind must be origin, generated, or customized")
	}
	if strings.TrimSpace(r.Reference) == "" {
		return errors.New("reference is required")
	}
	if r.ExpiresAt.IsZero() {
		return errors.New("expires_at is required")
	}
	return nil
}
