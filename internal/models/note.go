// Package models defines the domain types shared by the sync core and the backend.
package models

import (
	"encoding/json"
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/draftsync/internal/apperr"
)

// SentinelID marks a pushed note as a deletion of the owner's note for that version.
const SentinelID int64 = 0

// OwnerKindHuman is the owner kind used for interactive reviewers.
const OwnerKindHuman = "HumanUser"

// Attachment kinds.
const (
	AttachmentFile = "file"
	AttachmentURL  = "url"
)

// Owner identifies who authored a note. Kind and ID together are the identity.
type Owner struct {
	Kind     string `json:"kind"`
	ID       int64  `json:"id"`
	Username string `json:"username,omitempty"`
}

// Same reports whether o and other are the same identity. Username is ignored.
func (o Owner) Same(other Owner) bool {
	return o.Kind == other.Kind && o.ID == other.ID
}

// Validate validates the owner identity.
func (o Owner) Validate() error {
	return validation.ValidateStruct(&o,
		validation.Field(&o.Kind, validation.Required),
		validation.Field(&o.ID, validation.Required, validation.Min(int64(1))),
	)
}

// Attachment is a file or link attached to a note.
type Attachment struct {
	ID          int64  `json:"id"`
	Kind        string `json:"kind"`
	Locator     string `json:"locator"`
	DisplayName string `json:"display_name,omitempty"`
}

// Note is a draft review note. One note exists per (version, owner).
type Note struct {
	ID          int64        `json:"id"`
	VersionID   int64        `json:"version_id"`
	Owner       Owner        `json:"owner"`
	Content     string       `json:"content"`
	UpdatedAt   time.Time    `json:"updated_at"`
	Attachments []Attachment `json:"attachments"`
}

// IsSentinel reports whether the note is a delete marker.
func (n Note) IsSentinel() bool {
	return n.ID == SentinelID
}

// Clone returns a copy that shares no slices with n.
func (n Note) Clone() Note {
	if n.Attachments != nil {
		n.Attachments = append([]Attachment(nil), n.Attachments...)
	}
	return n
}

// wireNote mirrors Note with pointers so absent fields can be told apart from zero values.
type wireNote struct {
	ID          *int64       `json:"id"`
	VersionID   int64        `json:"version_id"`
	Owner       *Owner       `json:"owner"`
	Content     *string      `json:"content"`
	UpdatedAt   time.Time    `json:"updated_at"`
	Attachments []Attachment `json:"attachments"`
}

func (w *wireNote) validate() error {
	return validation.ValidateStruct(w,
		validation.Field(&w.ID, validation.NotNil, validation.Min(int64(0))),
		validation.Field(&w.VersionID, validation.Required, validation.Min(int64(1))),
		validation.Field(&w.Owner, validation.NotNil),
		validation.Field(&w.Content, validation.NotNil),
		validation.Field(&w.UpdatedAt, validation.Required),
	)
}

// ParseNote decodes a pushed note payload and rejects anything that is not a
// complete note. The returned error wraps apperr.ErrInvalidPayload.
func ParseNote(raw []byte) (Note, error) {
	var w wireNote
	if err := json.Unmarshal(raw, &w); err != nil {
		return Note{}, fmt.Errorf("%w: %v", apperr.ErrInvalidPayload, err)
	}
	if err := w.validate(); err != nil {
		return Note{}, fmt.Errorf("%w: %v", apperr.ErrInvalidPayload, err)
	}
	return Note{
		ID:          *w.ID,
		VersionID:   w.VersionID,
		Owner:       *w.Owner,
		Content:     *w.Content,
		UpdatedAt:   w.UpdatedAt,
		Attachments: w.Attachments,
	}, nil
}

// Sentinel builds the delete marker broadcast when an owner's note is removed.
func Sentinel(versionID int64, owner Owner, at time.Time) Note {
	return Note{
		ID:          SentinelID,
		VersionID:   versionID,
		Owner:       Owner{Kind: owner.Kind, ID: owner.ID},
		Content:     "",
		UpdatedAt:   at,
		Attachments: []Attachment{},
	}
}
