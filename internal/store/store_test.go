package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/starford/draftsync/internal/apperr"
	"github.com/starford/draftsync/internal/models"
)

var (
	alice = models.Owner{Kind: models.OwnerKindHuman, ID: 10, Username: "alice"}
	bob   = models.Owner{Kind: models.OwnerKindHuman, ID: 20, Username: "bob"}
	t0    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "draftsync.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func seedVersion(t *testing.T, db *DB, id, project int64, step string) {
	t.Helper()
	if err := db.UpsertVersion(models.Version{ID: id, Name: "v", StepName: step, ProjectID: project}); err != nil {
		t.Fatalf("UpsertVersion: %v", err)
	}
}

func TestSchemaCreation(t *testing.T) {
	db := testDB(t)
	for _, table := range []string{"users", "versions", "notes", "attachments"} {
		var count int
		if err := db.conn.QueryRow(`SELECT count(*) FROM ` + table).Scan(&count); err != nil {
			t.Fatalf("%s table missing: %v", table, err)
		}
	}
}

func TestUpsertNoteOnePerOwner(t *testing.T) {
	db := testDB(t)
	seedVersion(t, db, 100, 1, "Comp")

	first, err := db.UpsertNote(100, alice, "v1", t0)
	if err != nil {
		t.Fatalf("UpsertNote: %v", err)
	}
	if first.ID <= 0 || first.Owner != alice || !first.UpdatedAt.Equal(t0) {
		t.Fatalf("note = %+v", first)
	}

	second, err := db.UpsertNote(100, alice, "v2", t0.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != first.ID || second.Content != "v2" {
		t.Errorf("second save made %+v", second)
	}

	notes, err := db.NotesForVersion(100)
	if err != nil {
		t.Fatal(err)
	}
	if len(notes) != 1 {
		t.Errorf("notes = %d, want 1", len(notes))
	}
}

func TestUpsertNoteUnknownVersion(t *testing.T) {
	db := testDB(t)
	if _, err := db.UpsertNote(999, alice, "x", t0); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDeleteNote(t *testing.T) {
	db := testDB(t)
	seedVersion(t, db, 100, 1, "Comp")
	if _, err := db.UpsertNote(100, alice, "x", t0); err != nil {
		t.Fatal(err)
	}

	existed, err := db.DeleteNote(100, alice)
	if err != nil || !existed {
		t.Fatalf("DeleteNote = %v, %v", existed, err)
	}
	existed, err = db.DeleteNote(100, alice)
	if err != nil || existed {
		t.Fatalf("second DeleteNote = %v, %v", existed, err)
	}
	if _, err := db.GetNote(100, alice); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("GetNote after delete: %v", err)
	}
}

func TestNotesByStep(t *testing.T) {
	db := testDB(t)
	seedVersion(t, db, 100, 1, "Comp")
	seedVersion(t, db, 200, 1, "Lighting")
	seedVersion(t, db, 300, 2, "Comp")

	mustSave := func(v int64, o models.Owner, at time.Time) {
		t.Helper()
		if _, err := db.UpsertNote(v, o, "x", at); err != nil {
			t.Fatal(err)
		}
	}
	mustSave(100, alice, t0)
	mustSave(100, bob, t0.Add(2*time.Minute))
	mustSave(200, alice, t0.Add(time.Minute))
	mustSave(300, alice, t0)

	comp, err := db.NotesByStep(1, "Comp")
	if err != nil {
		t.Fatal(err)
	}
	if len(comp) != 2 || comp[0].Owner.ID != bob.ID {
		t.Errorf("Comp notes = %+v", comp)
	}

	all, err := db.NotesByStep(1, models.AllSteps)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("All notes = %d, want 3", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i-1].UpdatedAt.Before(all[i].UpdatedAt) {
			t.Errorf("not newest first at %d", i)
		}
	}
}

func TestAttachments(t *testing.T) {
	db := testDB(t)
	seedVersion(t, db, 100, 1, "Comp")
	n, err := db.UpsertNote(100, alice, "x", t0)
	if err != nil {
		t.Fatal(err)
	}
	if n.Attachments == nil || len(n.Attachments) != 0 {
		t.Fatalf("fresh note attachments = %#v", n.Attachments)
	}

	atts := []models.Attachment{
		{Kind: models.AttachmentFile, Locator: "blob-1.png", DisplayName: "frame.png"},
		{Kind: models.AttachmentURL, Locator: "https://example.com/ref", DisplayName: "https://example.com/ref"},
	}
	if _, err := db.AddAttachments(n.ID, bob, atts, t0); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("foreign owner add: %v", err)
	}
	updated, err := db.AddAttachments(n.ID, alice, atts, t0.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(updated.Attachments) != 2 || updated.Attachments[0].Kind != models.AttachmentFile {
		t.Fatalf("attachments = %+v", updated.Attachments)
	}

	first := updated.Attachments[0]
	got, err := db.GetAttachment(first.ID)
	if err != nil || got != first {
		t.Fatalf("GetAttachment = %+v, %v", got, err)
	}

	if _, _, err := db.DeleteAttachment(first.ID, bob); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("foreign owner delete: %v", err)
	}
	after, removed, err := db.DeleteAttachment(first.ID, alice)
	if err != nil {
		t.Fatal(err)
	}
	if removed.Locator != "blob-1.png" || len(after.Attachments) != 1 {
		t.Errorf("after delete = %+v, removed = %+v", after.Attachments, removed)
	}
	if _, _, err := db.DeleteAttachment(first.ID, alice); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("second delete: %v", err)
	}
}

func TestDeleteNoteCascadesAttachments(t *testing.T) {
	db := testDB(t)
	seedVersion(t, db, 100, 1, "Comp")
	n, _ := db.UpsertNote(100, alice, "x", t0)
	updated, err := db.AddAttachments(n.ID, alice, []models.Attachment{{Kind: models.AttachmentURL, Locator: "https://x"}}, t0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.DeleteNote(100, alice); err != nil {
		t.Fatal(err)
	}
	if _, err := db.GetAttachment(updated.Attachments[0].ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("attachment survived note delete: %v", err)
	}
}

func TestEnsureUserKeepsUsername(t *testing.T) {
	db := testDB(t)
	seedVersion(t, db, 100, 1, "Comp")
	if err := db.EnsureUser(alice); err != nil {
		t.Fatal(err)
	}
	n, err := db.UpsertNote(100, models.Owner{Kind: alice.Kind, ID: alice.ID}, "x", t0)
	if err != nil {
		t.Fatal(err)
	}
	if n.Owner.Username != "alice" {
		t.Errorf("username = %q", n.Owner.Username)
	}
}

func TestOwnersWithSameIDDifferentKind(t *testing.T) {
	db := testDB(t)
	seedVersion(t, db, 100, 1, "Comp")
	service := models.Owner{Kind: "ApiUser", ID: alice.ID, Username: "bot"}

	if _, err := db.UpsertNote(100, alice, "human", t0); err != nil {
		t.Fatal(err)
	}
	if _, err := db.UpsertNote(100, service, "script", t0.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	notes, err := db.NotesForVersion(100)
	if err != nil {
		t.Fatal(err)
	}
	if len(notes) != 2 {
		t.Fatalf("notes = %d, want one per identity", len(notes))
	}

	existed, err := db.DeleteNote(100, service)
	if err != nil || !existed {
		t.Fatalf("DeleteNote = %v, %v", existed, err)
	}
	n, err := db.GetNote(100, alice)
	if err != nil {
		t.Fatalf("human note gone with the service one: %v", err)
	}
	if n.Owner != alice || n.Content != "human" {
		t.Errorf("remaining note = %+v", n)
	}

	if _, err := db.AddAttachments(n.ID, models.Owner{Kind: "ApiUser", ID: alice.ID},
		[]models.Attachment{{Kind: models.AttachmentURL, Locator: "https://x"}}, t0); !errors.Is(err, apperr.ErrForbidden) {
		t.Errorf("same id, other kind attached: %v", err)
	}
}
