// Package noteservice implements draft-note operations on top of the store,
// the attachment blobs and the push hub.
package noteservice

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/starford/draftsync/internal/apperr"
	"github.com/starford/draftsync/internal/models"
	"github.com/starford/draftsync/internal/storage"
	"github.com/starford/draftsync/internal/store"
)

// Publisher pushes notes to the clients watching their version.
type Publisher interface {
	PublishNote(n models.Note)
}

// Service coordinates the store, attachment blobs and the push hub.
// Every successful write is published.
type Service struct {
	db     store.NoteStore
	blobs  storage.Provider
	pub    Publisher
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a new note service.
func NewService(db store.NoteStore, blobs storage.Provider, pub Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{db: db, blobs: blobs, pub: pub, logger: logger, now: time.Now}
}

// SaveResult is the outcome of SaveNote. Note is unset when Deleted.
type SaveResult struct {
	Note    models.Note
	Deleted bool
}

// SaveNote writes the owner's note. Blank content deletes it instead, and a
// delete marker is published if a note existed.
func (s *Service) SaveNote(_ context.Context, req models.UpsertNoteRequest) (SaveResult, error) {
	if err := req.Validate(); err != nil {
		return SaveResult{}, fmt.Errorf("%w: %v", apperr.ErrInvalidPayload, err)
	}
	owner := req.Owner()

	if req.Deletes() {
		existing, err := s.db.GetNote(req.VersionID, owner)
		if err != nil && !errors.Is(err, apperr.ErrNotFound) {
			return SaveResult{}, err
		}
		existed, err := s.db.DeleteNote(req.VersionID, owner)
		if err != nil {
			return SaveResult{}, err
		}
		if existed {
			s.removeBlobs(existing.Attachments)
			s.pub.PublishNote(models.Sentinel(req.VersionID, owner, s.now().UTC()))
			s.logger.Info("note deleted", slog.Int64("version_id", req.VersionID), slog.Int64("owner_id", owner.ID))
		}
		return SaveResult{Deleted: true}, nil
	}

	// Without a project the metadata is incomplete; the version must then exist already.
	if req.VersionMeta.ProjectID != 0 {
		if err := req.VersionMeta.Validate(); err != nil {
			return SaveResult{}, fmt.Errorf("%w: version_meta: %v", apperr.ErrInvalidPayload, err)
		}
		if err := s.db.UpsertVersion(req.VersionMeta); err != nil {
			return SaveResult{}, err
		}
	}
	n, err := s.db.UpsertNote(req.VersionID, owner, req.Content, s.now())
	if err != nil {
		return SaveResult{}, err
	}
	s.pub.PublishNote(n)
	s.logger.Debug("note saved", slog.Int64("version_id", n.VersionID), slog.Int64("note_id", n.ID))
	return SaveResult{Note: n}, nil
}

// AddAttachments stores files and records urls on owner's note for versionID.
func (s *Service) AddAttachments(_ context.Context, versionID int64, owner models.Owner, files []models.FileUpload, urls []string) (models.Note, error) {
	if err := owner.Validate(); err != nil {
		return models.Note{}, fmt.Errorf("%w: owner: %v", apperr.ErrInvalidPayload, err)
	}
	if len(files) == 0 && len(urls) == 0 {
		return models.Note{}, fmt.Errorf("%w: nothing to attach", apperr.ErrInvalidPayload)
	}
	note, err := s.db.GetNote(versionID, owner)
	if err != nil {
		return models.Note{}, err
	}

	atts := make([]models.Attachment, 0, len(files)+len(urls))
	for _, raw := range urls {
		link := strings.TrimSpace(raw)
		if link == "" {
			continue
		}
		if u, err := url.Parse(link); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return models.Note{}, fmt.Errorf("%w: not an http url: %q", apperr.ErrInvalidPayload, raw)
		}
		atts = append(atts, models.Attachment{Kind: models.AttachmentURL, Locator: link, DisplayName: link})
	}

	var stored []models.Attachment
	for _, f := range files {
		display := filepath.Base(filepath.Clean("/" + f.Name))
		if display == "/" {
			display = "file"
		}
		blob := uuid.NewString() + strings.ToLower(filepath.Ext(display))
		if _, err := s.blobs.Put(blob, f.Body); err != nil {
			s.removeBlobs(stored)
			return models.Note{}, fmt.Errorf("noteservice: store %s: %w", display, err)
		}
		a := models.Attachment{Kind: models.AttachmentFile, Locator: blob, DisplayName: display}
		stored = append(stored, a)
		atts = append(atts, a)
	}

	updated, err := s.db.AddAttachments(note.ID, owner, atts, s.now())
	if err != nil {
		s.removeBlobs(stored)
		return models.Note{}, err
	}
	s.pub.PublishNote(updated)
	s.logger.Info("attachments added",
		slog.Int64("note_id", updated.ID),
		slog.Int("files", len(stored)),
		slog.Int("urls", len(atts)-len(stored)))
	return updated, nil
}

// DeleteAttachment removes attachment id, which owner must own.
func (s *Service) DeleteAttachment(_ context.Context, id int64, owner models.Owner) (models.Note, error) {
	if err := owner.Validate(); err != nil {
		return models.Note{}, fmt.Errorf("%w: owner: %v", apperr.ErrInvalidPayload, err)
	}
	n, removed, err := s.db.DeleteAttachment(id, owner)
	if err != nil {
		return models.Note{}, err
	}
	s.removeBlobs([]models.Attachment{removed})
	s.pub.PublishNote(n)
	return n, nil
}

func (s *Service) removeBlobs(atts []models.Attachment) {
	for _, a := range atts {
		if a.Kind != models.AttachmentFile {
			continue
		}
		if err := s.blobs.Delete(a.Locator); err != nil {
			s.logger.Warn("attachment blob not removed", slog.String("locator", a.Locator), slog.String("error", err.Error()))
		}
	}
}

// OpenAttachment returns an attachment and, for files, its opened blob.
// The caller closes the file. URL attachments return a nil file.
func (s *Service) OpenAttachment(_ context.Context, id int64) (models.Attachment, *os.File, error) {
	a, err := s.db.GetAttachment(id)
	if err != nil {
		return models.Attachment{}, nil, err
	}
	if a.Kind != models.AttachmentFile {
		return a, nil, nil
	}
	f, err := s.blobs.Open(a.Locator)
	if errors.Is(err, fs.ErrNotExist) {
		return models.Attachment{}, nil, fmt.Errorf("noteservice: blob %s: %w", a.Locator, apperr.ErrNotFound)
	}
	if err != nil {
		return models.Attachment{}, nil, err
	}
	return a, f, nil
}

// NotesByStep returns the notes in scope, newest first.
func (s *Service) NotesByStep(_ context.Context, scope models.Scope) ([]models.Note, error) {
	if err := scope.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrInvalidPayload, err)
	}
	return s.db.NotesByStep(scope.ProjectID, scope.StepName)
}

// NotesForVersion returns every owner's note on versionID.
func (s *Service) NotesForVersion(_ context.Context, versionID int64) ([]models.Note, error) {
	return s.db.NotesForVersion(versionID)
}

// GetNote returns owner's note on versionID.
func (s *Service) GetNote(_ context.Context, versionID int64, owner models.Owner) (models.Note, error) {
	return s.db.GetNote(versionID, owner)
}

// Ready reports whether the store is reachable.
func (s *Service) Ready() error {
	return s.db.Ping()
}
