package models

import (
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// AllSteps selects every pipeline step of a project.
const AllSteps = "All"

// Version is the reviewable item a note is attached to. The backend creates
// its record from this metadata the first time a note is saved against it.
type Version struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	StepName  string `json:"step_name"`
	ProjectID int64  `json:"project_id"`
}

// Validate validates the version metadata.
func (v Version) Validate() error {
	return validation.ValidateStruct(&v,
		validation.Field(&v.ID, validation.Required, validation.Min(int64(1))),
		validation.Field(&v.StepName, validation.Required),
		validation.Field(&v.ProjectID, validation.Required, validation.Min(int64(1))),
	)
}

// Scope selects the bulk snapshot of notes for a project step.
type Scope struct {
	ProjectID int64  `json:"project_id" yaml:"project_id"`
	StepName  string `json:"step_name" yaml:"step_name"`
}

// Validate validates the scope.
func (s Scope) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.ProjectID, validation.Required, validation.Min(int64(1))),
		validation.Field(&s.StepName, validation.Required),
	)
}

// UpsertNoteRequest is the body of a note save. Blank content deletes the note.
type UpsertNoteRequest struct {
	VersionID   int64   `json:"version_id"`
	Content     string  `json:"content"`
	OwnerID     int64   `json:"owner_id"`
	OwnerKind   string  `json:"owner_kind"`
	VersionMeta Version `json:"version_meta"`
}

// Validate validates the request.
func (r UpsertNoteRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.VersionID, validation.Required, validation.Min(int64(1))),
		validation.Field(&r.OwnerID, validation.Required, validation.Min(int64(1))),
		validation.Field(&r.VersionMeta, validation.By(func(any) error {
			if r.VersionMeta.ID != r.VersionID {
				return validation.NewError("validation_version_mismatch", "must match version_id")
			}
			return nil
		})),
	)
}

// Owner returns the identity the request writes as.
func (r UpsertNoteRequest) Owner() Owner {
	kind := r.OwnerKind
	if kind == "" {
		kind = OwnerKindHuman
	}
	return Owner{Kind: kind, ID: r.OwnerID}
}

// Deletes reports whether the request removes the owner's note.
func (r UpsertNoteRequest) Deletes() bool {
	return strings.TrimSpace(r.Content) == ""
}
