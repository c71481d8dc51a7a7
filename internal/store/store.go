package store

import (
	"time"

	"github.com/starford/draftsync/internal/models"
)

// NoteStore is the persistence the note service depends on.
type NoteStore interface {
	EnsureUser(owner models.Owner) error
	UpsertVersion(v models.Version) error
	UpsertNote(versionID int64, owner models.Owner, content string, at time.Time) (models.Note, error)
	DeleteNote(versionID int64, owner models.Owner) (bool, error)
	GetNote(versionID int64, owner models.Owner) (models.Note, error)
	NoteByID(id int64) (models.Note, error)
	NotesForVersion(versionID int64) ([]models.Note, error)
	NotesByStep(projectID int64, stepName string) ([]models.Note, error)
	AddAttachments(noteID int64, owner models.Owner, atts []models.Attachment, at time.Time) (models.Note, error)
	DeleteAttachment(id int64, owner models.Owner) (models.Note, models.Attachment, error)
	GetAttachment(id int64) (models.Attachment, error)
	Ping() error
	Close() error
}

// Verify *DB satisfies NoteStore at compile time.
var _ NoteStore = (*DB)(nil)
