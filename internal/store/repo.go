package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/starford/draftsync/internal/apperr"
	"github.com/starford/draftsync/internal/models"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

const noteSelect = `
	SELECT n.id, n.version_id, u.kind, u.id, u.username, n.content, n.updated_at
	FROM notes n
	JOIN users u ON u.kind = n.owner_kind AND u.id = n.owner_id
	JOIN versions v ON v.id = n.version_id`

const ownerNote = `n.version_id = ? AND n.owner_kind = ? AND n.owner_id = ?`

// EnsureUser records owner, updating its username when one is given. Kind and
// id together identify a user.
func (db *DB) EnsureUser(owner models.Owner) error {
	return ensureUser(db.conn, owner)
}

func ensureUser(q querier, owner models.Owner) error {
	_, err := q.Exec(`
		INSERT INTO users (kind, id, username) VALUES (?, ?, ?)
		ON CONFLICT(kind, id) DO UPDATE SET
			username = CASE WHEN excluded.username = '' THEN users.username ELSE excluded.username END
	`, owner.Kind, owner.ID, owner.Username)
	if err != nil {
		return fmt.Errorf("store: ensure user: %w", err)
	}
	return nil
}

// UpsertVersion creates or refreshes a version's metadata.
func (db *DB) UpsertVersion(v models.Version) error {
	_, err := db.conn.Exec(`
		INSERT INTO versions (id, name, step_name, project_id) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name       = excluded.name,
			step_name  = excluded.step_name,
			project_id = excluded.project_id
	`, v.ID, v.Name, v.StepName, v.ProjectID)
	if err != nil {
		return fmt.Errorf("store: upsert version: %w", err)
	}
	return nil
}

// UpsertNote writes owner's note on versionID. The version must exist.
func (db *DB) UpsertNote(versionID int64, owner models.Owner, content string, at time.Time) (models.Note, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return models.Note{}, fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := ensureUser(tx, owner); err != nil {
		return models.Note{}, err
	}
	at = at.UTC()
	_, err = tx.Exec(`
		INSERT INTO notes (version_id, owner_kind, owner_id, content, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(version_id, owner_kind, owner_id) DO UPDATE SET
			content    = excluded.content,
			updated_at = excluded.updated_at
	`, versionID, owner.Kind, owner.ID, content, at, at)
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY") {
			return models.Note{}, fmt.Errorf("store: upsert note: version %d: %w", versionID, apperr.ErrNotFound)
		}
		return models.Note{}, fmt.Errorf("store: upsert note: %w", err)
	}

	n, err := getNote(tx, ownerNote, versionID, owner.Kind, owner.ID)
	if err != nil {
		return models.Note{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.Note{}, fmt.Errorf("store: commit: %w", err)
	}
	return n, nil
}

// DeleteNote removes owner's note on versionID and its attachments.
// It reports whether a note existed.
func (db *DB) DeleteNote(versionID int64, owner models.Owner) (bool, error) {
	res, err := db.conn.Exec(`DELETE FROM notes WHERE version_id = ? AND owner_kind = ? AND owner_id = ?`,
		versionID, owner.Kind, owner.ID)
	if err != nil {
		return false, fmt.Errorf("store: delete note: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: delete note: %w", err)
	}
	return n > 0, nil
}

// GetNote returns owner's note on versionID, or apperr.ErrNotFound.
func (db *DB) GetNote(versionID int64, owner models.Owner) (models.Note, error) {
	return getNote(db.conn, ownerNote, versionID, owner.Kind, owner.ID)
}

// NoteByID returns the note with id, or apperr.ErrNotFound.
func (db *DB) NoteByID(id int64) (models.Note, error) {
	return getNote(db.conn, `n.id = ?`, id)
}

// NotesForVersion returns every owner's note on versionID, newest first.
func (db *DB) NotesForVersion(versionID int64) ([]models.Note, error) {
	return listNotes(db.conn, `n.version_id = ?`, versionID)
}

// NotesByStep returns the notes of every version in a project step, newest
// first. models.AllSteps selects every step.
func (db *DB) NotesByStep(projectID int64, stepName string) ([]models.Note, error) {
	if stepName == models.AllSteps {
		return listNotes(db.conn, `v.project_id = ?`, projectID)
	}
	return listNotes(db.conn, `v.project_id = ? AND v.step_name = ?`, projectID, stepName)
}

func getNote(q querier, where string, args ...any) (models.Note, error) {
	notes, err := listNotes(q, where, args...)
	if err != nil {
		return models.Note{}, err
	}
	if len(notes) == 0 {
		return models.Note{}, fmt.Errorf("store: note: %w", apperr.ErrNotFound)
	}
	return notes[0], nil
}

func listNotes(q querier, where string, args ...any) ([]models.Note, error) {
	rows, err := q.Query(noteSelect+` WHERE `+where+` ORDER BY n.updated_at DESC, n.id`, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list notes: %w", err)
	}
	defer rows.Close()

	notes := []models.Note{}
	index := map[int64]int{}
	for rows.Next() {
		var n models.Note
		if err := rows.Scan(&n.ID, &n.VersionID, &n.Owner.Kind, &n.Owner.ID, &n.Owner.Username, &n.Content, &n.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan note: %w", err)
		}
		n.Attachments = []models.Attachment{}
		index[n.ID] = len(notes)
		notes = append(notes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list notes: %w", err)
	}
	if len(notes) == 0 {
		return notes, nil
	}

	if err := attachTo(q, notes, index); err != nil {
		return nil, err
	}
	return notes, nil
}

// attachTo loads the attachments of notes in one query.
func attachTo(q querier, notes []models.Note, index map[int64]int) error {
	ids := make([]any, 0, len(notes))
	for _, n := range notes {
		ids = append(ids, n.ID)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	rows, err := q.Query(`
		SELECT id, note_id, kind, locator, display_name
		FROM attachments WHERE note_id IN (`+placeholders+`) ORDER BY id`, ids...)
	if err != nil {
		return fmt.Errorf("store: list attachments: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var a models.Attachment
		var noteID int64
		if err := rows.Scan(&a.ID, &noteID, &a.Kind, &a.Locator, &a.DisplayName); err != nil {
			return fmt.Errorf("store: scan attachment: %w", err)
		}
		if i, ok := index[noteID]; ok {
			notes[i].Attachments = append(notes[i].Attachments, a)
		}
	}
	return rows.Err()
}

// AddAttachments adds atts to the note noteID, which owner must own.
// It returns the updated note.
func (db *DB) AddAttachments(noteID int64, owner models.Owner, atts []models.Attachment, at time.Time) (models.Note, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return models.Note{}, fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	n, err := getNote(tx, `n.id = ?`, noteID)
	if err != nil {
		return models.Note{}, err
	}
	if !n.Owner.Same(owner) {
		return models.Note{}, fmt.Errorf("store: add attachments: %w", apperr.ErrForbidden)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO attachments (note_id, owner_kind, owner_id, kind, locator, display_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return models.Note{}, fmt.Errorf("store: prepare attachment insert: %w", err)
	}
	defer stmt.Close()
	at = at.UTC()
	for _, a := range atts {
		if _, err := stmt.Exec(noteID, owner.Kind, owner.ID, a.Kind, a.Locator, a.DisplayName, at); err != nil {
			return models.Note{}, fmt.Errorf("store: insert attachment: %w", err)
		}
	}
	if _, err := tx.Exec(`UPDATE notes SET updated_at = ? WHERE id = ?`, at, noteID); err != nil {
		return models.Note{}, fmt.Errorf("store: touch note: %w", err)
	}

	n, err = getNote(tx, `n.id = ?`, noteID)
	if err != nil {
		return models.Note{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.Note{}, fmt.Errorf("store: commit: %w", err)
	}
	return n, nil
}

// DeleteAttachment removes attachment id. Only its owner may remove it.
// It returns the updated note and the removed attachment.
func (db *DB) DeleteAttachment(id int64, owner models.Owner) (models.Note, models.Attachment, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return models.Note{}, models.Attachment{}, fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var (
		a      models.Attachment
		noteID int64
		holder models.Owner
	)
	err = tx.QueryRow(`SELECT id, note_id, owner_kind, owner_id, kind, locator, display_name FROM attachments WHERE id = ?`, id).
		Scan(&a.ID, &noteID, &holder.Kind, &holder.ID, &a.Kind, &a.Locator, &a.DisplayName)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Note{}, models.Attachment{}, fmt.Errorf("store: attachment %d: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return models.Note{}, models.Attachment{}, fmt.Errorf("store: get attachment: %w", err)
	}
	if !holder.Same(owner) {
		return models.Note{}, models.Attachment{}, fmt.Errorf("store: delete attachment %d: %w", id, apperr.ErrForbidden)
	}
	if _, err := tx.Exec(`DELETE FROM attachments WHERE id = ?`, id); err != nil {
		return models.Note{}, models.Attachment{}, fmt.Errorf("store: delete attachment: %w", err)
	}

	n, err := getNote(tx, `n.id = ?`, noteID)
	if err != nil {
		return models.Note{}, models.Attachment{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.Note{}, models.Attachment{}, fmt.Errorf("store: commit: %w", err)
	}
	return n, a, nil
}

// GetAttachment returns attachment id, or apperr.ErrNotFound.
func (db *DB) GetAttachment(id int64) (models.Attachment, error) {
	var a models.Attachment
	err := db.conn.QueryRow(`SELECT id, kind, locator, display_name FROM attachments WHERE id = ?`, id).
		Scan(&a.ID, &a.Kind, &a.Locator, &a.DisplayName)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Attachment{}, fmt.Errorf("store: attachment %d: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return models.Attachment{}, fmt.Errorf("store: get attachment: %w", err)
	}
	return a, nil
}
