package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/starford/draftsync/internal/apperr"
	"github.com/starford/draftsync/internal/models"
	"github.com/starford/draftsync/internal/notecache"
)

var (
	me    = models.Owner{Kind: models.OwnerKindHuman, ID: 10, Username: "alice"}
	other = models.Owner{Kind: models.OwnerKindHuman, ID: 20, Username: "bob"}
	t0    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	v100 = models.Version{ID: 100, Name: "shot_010_v001", StepName: "Comp", ProjectID: 1}
)

type fakeStore struct {
	mu       sync.Mutex
	notes    []models.Note
	fetchErr error
	saveErr  error
	saves    []models.UpsertNoteRequest
	uploads  int
	deletes  []int64
	block    chan struct{} // UpsertNote waits on it when non-nil
}

func (s *fakeStore) NotesByStep(context.Context, models.Scope) ([]models.Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notes, s.fetchErr
}

func (s *fakeStore) UpsertNote(_ context.Context, req models.UpsertNoteRequest) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves = append(s.saves, req)
	return s.saveErr
}

func (s *fakeStore) UploadAttachments(context.Context, int64, models.Owner, []models.FileUpload, []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploads++
	return nil
}

func (s *fakeStore) DeleteAttachment(_ context.Context, id int64, _ models.Owner) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes = append(s.deletes, id)
	return nil
}

func (s *fakeStore) saved() []models.UpsertNoteRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.UpsertNoteRequest(nil), s.saves...)
}

type fakeIdentity struct {
	mu    sync.Mutex
	owner *models.Owner
}

func (f *fakeIdentity) Current() (models.Owner, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.owner == nil {
		return models.Owner{}, false
	}
	return *f.owner, true
}

type fakeChannels struct{ calls atomic.Int32 }

func (f *fakeChannels) DisconnectAll() { f.calls.Add(1) }

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func eventually(t *testing.T, timeout time.Duration, fn func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error(msg)
}

func newEngine(t *testing.T, store *fakeStore, opts ...Option) (*Engine, *fakeChannels) {
	t.Helper()
	owner := me
	ch := &fakeChannels{}
	opts = append([]Option{WithLogger(testLogger()), WithSaveDebounce(40 * time.Millisecond), WithSavedPulse(40 * time.Millisecond)}, opts...)
	e := New(notecache.New(), ch, store, &fakeIdentity{owner: &owner}, opts...)
	t.Cleanup(e.Close)
	return e, ch
}

func noteJSON(id, version, ownerID int64, content, at string) []byte {
	return []byte(`{"id":` + itoa(id) + `,"version_id":` + itoa(version) +
		`,"owner":{"kind":"HumanUser","id":` + itoa(ownerID) + `},"content":"` + content +
		`","updated_at":"` + at + `","attachments":[]}`)
}

func itoa(v int64) string { return strconv.FormatInt(v, 10) }

func TestFetchSnapshotPartitions(t *testing.T) {
	store := &fakeStore{notes: []models.Note{
		{ID: 1, VersionID: 100, Owner: me, Content: "mine", UpdatedAt: t0},
		{ID: 2, VersionID: 100, Owner: other, Content: "theirs", UpdatedAt: t0},
	}}
	e, _ := newEngine(t, store)

	if err := e.FetchSnapshot(context.Background(), models.Scope{ProjectID: 1, StepName: "Comp"}); err != nil {
		t.Fatalf("FetchSnapshot: %v", err)
	}
	s := e.Snapshot()
	if own, ok := s.Own(100); !ok || own.ID != 1 {
		t.Errorf("own[100] = %+v, %v", own, ok)
	}
	if others := s.Others(100); len(others) != 1 || others[0].ID != 2 {
		t.Errorf("others[100] = %+v", others)
	}
}

func TestFetchSnapshotFailureEmptiesCaches(t *testing.T) {
	store := &fakeStore{notes: []models.Note{{ID: 2, VersionID: 100, Owner: other, Content: "x", UpdatedAt: t0}}}
	e, _ := newEngine(t, store)
	if err := e.FetchSnapshot(context.Background(), models.Scope{ProjectID: 1, StepName: "All"}); err != nil {
		t.Fatal(err)
	}

	store.mu.Lock()
	store.fetchErr = errors.New("backend down")
	store.mu.Unlock()

	if err := e.FetchSnapshot(context.Background(), models.Scope{ProjectID: 1, StepName: "All"}); err == nil {
		t.Fatal("expected error")
	}
	s := e.Snapshot()
	if len(s.OwnNotes()) != 0 || len(s.OtherNotes()) != 0 {
		t.Error("failed fetch left cache populated")
	}
}

func TestSaveDoesNotWriteCache(t *testing.T) {
	store := &fakeStore{}
	e, _ := newEngine(t, store)
	before := e.Snapshot()

	if err := e.Save(context.Background(), v100, "draft"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, ok := e.Snapshot().Own(100); ok {
		t.Error("save wrote own cache")
	}
	if before.Revision == e.Snapshot().Revision {
		t.Error("expected pulse to publish a snapshot")
	}

	saves := store.saved()
	if len(saves) != 1 {
		t.Fatalf("saves = %d", len(saves))
	}
	got := saves[0]
	if got.VersionID != 100 || got.OwnerID != me.ID || got.OwnerKind != me.Kind || got.Content != "draft" || got.VersionMeta != v100 {
		t.Errorf("request = %+v", got)
	}
}

func TestSavePulsesThenClears(t *testing.T) {
	store := &fakeStore{block: make(chan struct{})}
	e, _ := newEngine(t, store)

	done := make(chan error, 1)
	go func() { done <- e.Save(context.Background(), v100, "x") }()

	time.Sleep(20 * time.Millisecond)
	if e.Snapshot().Pulsing(100) {
		t.Error("pulse set before the request returned")
	}
	close(store.block)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if !e.Snapshot().Pulsing(100) {
		t.Error("pulse not set after request")
	}
	eventually(t, time.Second, func() bool { return !e.Snapshot().Pulsing(100) }, "pulse never cleared")
}

func TestSavePulsesOnFailure(t *testing.T) {
	store := &fakeStore{saveErr: apperr.ErrForbidden}
	e, _ := newEngine(t, store, WithSavedPulse(time.Minute))

	err := e.Save(context.Background(), v100, "x")
	if !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("err = %v", err)
	}
	if !e.Snapshot().Pulsing(100) {
		t.Error("failed save must still pulse")
	}
	if _, ok := e.Snapshot().Own(100); ok {
		t.Error("failed save touched the cache")
	}
}

func TestNewerPulseKeepsFlag(t *testing.T) {
	store := &fakeStore{}
	e, _ := newEngine(t, store, WithSavedPulse(80*time.Millisecond))

	_ = e.Save(context.Background(), v100, "a")
	time.Sleep(50 * time.Millisecond)
	_ = e.Save(context.Background(), v100, "b")
	time.Sleep(50 * time.Millisecond)
	if !e.Snapshot().Pulsing(100) {
		t.Error("first pulse's timer cleared the newer pulse")
	}
	eventually(t, time.Second, func() bool { return !e.Snapshot().Pulsing(100) }, "pulse never cleared")
}

func TestSaveUnauthenticated(t *testing.T) {
	store := &fakeStore{}
	e := New(notecache.New(), &fakeChannels{}, store, &fakeIdentity{}, WithLogger(testLogger()))
	defer e.Close()

	if err := e.Save(context.Background(), v100, "x"); !errors.Is(err, apperr.ErrUnauthenticated) {
		t.Fatalf("err = %v", err)
	}
	if len(store.saved()) != 0 {
		t.Error("request sent without identity")
	}
}

func TestSaveDebouncedCollapses(t *testing.T) {
	store := &fakeStore{}
	e, _ := newEngine(t, store)

	for i, c := range []string{"h", "he", "hel", "hell", "hello"} {
		e.SaveDebounced(context.Background(), v100, c)
		if i < 4 {
			time.Sleep(10 * time.Millisecond)
		}
	}
	eventually(t, time.Second, func() bool { return len(store.saved()) == 1 }, "debounced save never sent")
	time.Sleep(80 * time.Millisecond)

	saves := store.saved()
	if len(saves) != 1 {
		t.Fatalf("saves = %d, want 1", len(saves))
	}
	if saves[0].Content != "hello" {
		t.Errorf("content = %q, want last call's", saves[0].Content)
	}
}

func TestSaveDebouncedPerVersion(t *testing.T) {
	store := &fakeStore{}
	e, _ := newEngine(t, store)
	v200 := models.Version{ID: 200, Name: "shot_020_v003", StepName: "Comp", ProjectID: 1}

	e.SaveDebounced(context.Background(), v100, "a")
	e.SaveDebounced(context.Background(), v200, "b")
	eventually(t, time.Second, func() bool { return len(store.saved()) == 2 }, "edits on different versions must both be sent")
}

func TestSaveDebouncedSurvivesCancel(t *testing.T) {
	store := &fakeStore{}
	e, _ := newEngine(t, store)
	ctx, cancel := context.WithCancel(context.Background())
	e.SaveDebounced(ctx, v100, "x")
	cancel()
	eventually(t, time.Second, func() bool { return len(store.saved()) == 1 }, "save dropped after caller context ended")
}

func TestHandleIncomingNoteRoutesByOwner(t *testing.T) {
	e, _ := newEngine(t, &fakeStore{})

	e.HandleIncomingNote(noteJSON(1, 100, me.ID, "mine", "2026-03-01T12:00:00Z"))
	e.HandleIncomingNote(noteJSON(7, 100, other.ID, "theirs", "2026-03-01T12:00:00Z"))

	s := e.Snapshot()
	if own, ok := s.Own(100); !ok || own.Content != "mine" {
		t.Errorf("own[100] = %+v", own)
	}
	if list := s.Others(100); len(list) != 1 || list[0].ID != 7 {
		t.Errorf("others[100] = %+v", list)
	}
	if !s.Highlighted(1) || !s.Highlighted(7) {
		t.Errorf("highlights = %v", s.Highlights())
	}

	e.ClearNewNoteFlag(7)
	if e.Snapshot().Highlighted(7) {
		t.Error("highlight not cleared")
	}
}

func TestHandleIncomingNoteRemoteDelete(t *testing.T) {
	e, _ := newEngine(t, &fakeStore{})
	e.HandleIncomingNote(noteJSON(7, 100, other.ID, "x", "2026-03-01T12:00:00Z"))
	e.HandleIncomingNote(noteJSON(0, 100, other.ID, "", "2026-03-01T12:01:00Z"))

	if e.Snapshot().HasOthers(100) {
		t.Error("others[100] should be gone")
	}
}

func TestHandleIncomingNoteMalformed(t *testing.T) {
	e, _ := newEngine(t, &fakeStore{})
	before := e.Snapshot()

	for _, raw := range []string{
		`not json`,
		`{}`,
		`{"id":3,"version_id":100,"content":"x","updated_at":"2026-03-01T12:00:00Z"}`,
		`{"id":3,"version_id":0,"owner":{"kind":"HumanUser","id":20},"content":"x","updated_at":"2026-03-01T12:00:00Z"}`,
	} {
		e.HandleIncomingNote([]byte(raw))
	}
	if e.Snapshot() != before {
		t.Error("malformed payload changed the cache")
	}

	e.HandleIncomingNote(noteJSON(8, 100, other.ID, "ok", "2026-03-01T12:00:00Z"))
	if !e.Snapshot().HasOthers(100) {
		t.Error("valid payload after malformed ones was not applied")
	}
}

func TestSaveThenEchoUpdatesOwn(t *testing.T) {
	store := &fakeStore{}
	e, _ := newEngine(t, store)
	if err := e.Save(context.Background(), v100, "echoed"); err != nil {
		t.Fatal(err)
	}
	e.HandleIncomingNote(noteJSON(5, 100, me.ID, "echoed", "2026-03-01T12:00:00Z"))
	if own, ok := e.Snapshot().Own(100); !ok || own.Content != "echoed" {
		t.Errorf("own[100] = %+v", own)
	}
}

func TestAttachmentCommandsDelegate(t *testing.T) {
	store := &fakeStore{}
	e, _ := newEngine(t, store)
	before := e.Snapshot()

	files := []models.FileUpload{{Name: "a.png", Body: strings.NewReader("png")}}
	if err := e.UploadAttachments(context.Background(), 100, files, []string{"https://example.com"}); err != nil {
		t.Fatal(err)
	}
	if err := e.UploadAttachments(context.Background(), 100, nil, nil); err != nil {
		t.Fatal(err)
	}
	if err := e.DeleteAttachment(context.Background(), 9); err != nil {
		t.Fatal(err)
	}

	store.mu.Lock()
	uploads, deletes := store.uploads, append([]int64(nil), store.deletes...)
	store.mu.Unlock()
	if uploads != 1 || len(deletes) != 1 || deletes[0] != 9 {
		t.Errorf("uploads = %d, deletes = %v", uploads, deletes)
	}
	if e.Snapshot() != before {
		t.Error("attachment commands touched the cache")
	}
}

func TestClearAll(t *testing.T) {
	store := &fakeStore{}
	e, ch := newEngine(t, store, WithSaveDebounce(time.Hour), WithSavedPulse(time.Hour))

	e.HandleIncomingNote(noteJSON(1, 100, me.ID, "mine", "2026-03-01T12:00:00Z"))
	e.HandleIncomingNote(noteJSON(7, 100, other.ID, "theirs", "2026-03-01T12:00:00Z"))
	_ = e.Save(context.Background(), v100, "x")
	e.SaveDebounced(context.Background(), v100, "pending")

	e.ClearAll()
	if ch.calls.Load() != 1 {
		t.Errorf("DisconnectAll calls = %d", ch.calls.Load())
	}
	s := e.Snapshot()
	if len(s.OwnNotes()) != 0 || len(s.OtherNotes()) != 0 || len(s.Highlights()) != 0 || s.Pulsing(100) {
		t.Error("ClearAll left state behind")
	}
	if e.saver.Pending() != 0 {
		t.Error("pending debounced save survived ClearAll")
	}
	if len(store.saved()) != 1 {
		t.Errorf("saves = %d; the pending save must be dropped", len(store.saved()))
	}
}
