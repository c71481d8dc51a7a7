package noteservice

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/starford/draftsync/internal/apperr"
	"github.com/starford/draftsync/internal/models"
	"github.com/starford/draftsync/internal/storage"
	"github.com/starford/draftsync/internal/testutil"
)

type recorder struct {
	mu    sync.Mutex
	notes []models.Note
}

func (r *recorder) PublishNote(n models.Note) {
	r.mu.Lock()
	r.notes = append(r.notes, n)
	r.mu.Unlock()
}

func (r *recorder) published() []models.Note {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Note(nil), r.notes...)
}

var (
	alice = models.Owner{Kind: models.OwnerKindHuman, ID: 10}
	meta  = models.Version{ID: 100, Name: "shot_010_v001", StepName: "Comp", ProjectID: 1}
)

func newService(t *testing.T) (*Service, *recorder, *storage.FS) {
	t.Helper()
	blobs := testutil.TestBlobs(t)
	rec := &recorder{}
	svc := NewService(testutil.TestDB(t), blobs, rec, testutil.Logger())
	svc.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return svc, rec, blobs
}

func saveReq(content string) models.UpsertNoteRequest {
	return models.UpsertNoteRequest{VersionID: 100, Content: content, OwnerID: alice.ID, OwnerKind: alice.Kind, VersionMeta: meta}
}

func TestSaveNotePublishes(t *testing.T) {
	svc, rec, _ := newService(t)
	res, err := svc.SaveNote(context.Background(), saveReq("first pass"))
	if err != nil {
		t.Fatalf("SaveNote: %v", err)
	}
	if res.Deleted || res.Note.ID == 0 || res.Note.Content != "first pass" {
		t.Fatalf("result = %+v", res)
	}
	pub := rec.published()
	if len(pub) != 1 || pub[0].ID != res.Note.ID {
		t.Errorf("published = %+v", pub)
	}

	notes, err := svc.NotesByStep(context.Background(), models.Scope{ProjectID: 1, StepName: "Comp"})
	if err != nil || len(notes) != 1 {
		t.Errorf("NotesByStep = %v, %v", notes, err)
	}
}

func TestSaveNoteBlankDeletes(t *testing.T) {
	svc, rec, _ := newService(t)
	if _, err := svc.SaveNote(context.Background(), saveReq("x")); err != nil {
		t.Fatal(err)
	}
	res, err := svc.SaveNote(context.Background(), saveReq("  \n\t"))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Deleted {
		t.Error("blank content did not delete")
	}
	pub := rec.published()
	last := pub[len(pub)-1]
	if !last.IsSentinel() || last.VersionID != 100 || !last.Owner.Same(alice) || last.Content != "" {
		t.Errorf("sentinel = %+v", last)
	}
	if _, err := svc.GetNote(context.Background(), 100, alice); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("note survived delete: %v", err)
	}

	// Nothing left to delete: no broadcast.
	n := len(rec.published())
	if _, err := svc.SaveNote(context.Background(), saveReq("")); err != nil {
		t.Fatal(err)
	}
	if len(rec.published()) != n {
		t.Error("deleting a missing note published a sentinel")
	}
}

func TestSaveNoteValidation(t *testing.T) {
	svc, _, _ := newService(t)
	req := saveReq("x")
	req.VersionMeta.ID = 999
	if _, err := svc.SaveNote(context.Background(), req); !errors.Is(err, apperr.ErrInvalidPayload) {
		t.Errorf("mismatched meta: %v", err)
	}

	req = saveReq("x")
	req.VersionMeta = models.Version{ID: 100}
	if _, err := svc.SaveNote(context.Background(), req); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("unknown version without metadata: %v", err)
	}
}

func TestAttachmentsLifecycle(t *testing.T) {
	svc, rec, blobs := newService(t)
	ctx := context.Background()

	if _, err := svc.AddAttachments(ctx, 100, alice, nil, []string{"https://example.com"}); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("attach before note exists: %v", err)
	}
	if _, err := svc.SaveNote(ctx, saveReq("x")); err != nil {
		t.Fatal(err)
	}

	n, err := svc.AddAttachments(ctx, 100, alice,
		[]models.FileUpload{{Name: "../../frame.PNG", Body: strings.NewReader("PNGDATA")}},
		[]string{" https://example.com/ref "})
	if err != nil {
		t.Fatalf("AddAttachments: %v", err)
	}
	if len(n.Attachments) != 2 {
		t.Fatalf("attachments = %+v", n.Attachments)
	}
	var file models.Attachment
	for _, a := range n.Attachments {
		if a.Kind == models.AttachmentFile {
			file = a
		}
	}
	if file.DisplayName != "frame.PNG" || !strings.HasSuffix(file.Locator, ".png") || strings.Contains(file.Locator, "/") {
		t.Errorf("file attachment = %+v", file)
	}
	if last := rec.published(); last[len(last)-1].ID != n.ID || len(last[len(last)-1].Attachments) != 2 {
		t.Error("attachment change not published")
	}

	att, f, err := svc.OpenAttachment(ctx, file.ID)
	if err != nil {
		t.Fatalf("OpenAttachment: %v", err)
	}
	body, _ := io.ReadAll(f)
	f.Close()
	if att.ID != file.ID || string(body) != "PNGDATA" {
		t.Errorf("opened %+v %q", att, body)
	}

	if _, err := svc.DeleteAttachment(ctx, file.ID, models.Owner{Kind: models.OwnerKindHuman, ID: 20}); !errors.Is(err, apperr.ErrForbidden) {
		t.Errorf("foreign delete: %v", err)
	}
	after, err := svc.DeleteAttachment(ctx, file.ID, alice)
	if err != nil {
		t.Fatal(err)
	}
	if len(after.Attachments) != 1 {
		t.Errorf("attachments after delete = %+v", after.Attachments)
	}
	if _, err := blobs.Open(file.Locator); err == nil {
		t.Error("blob not removed")
	}
}

func TestAddAttachmentsRejectsBadURL(t *testing.T) {
	svc, _, _ := newService(t)
	if _, err := svc.SaveNote(context.Background(), saveReq("x")); err != nil {
		t.Fatal(err)
	}
	_, err := svc.AddAttachments(context.Background(), 100, alice, nil, []string{"javascript:alert(1)"})
	if !errors.Is(err, apperr.ErrInvalidPayload) {
		t.Errorf("err = %v", err)
	}
}
