// Package reconcile keeps the note cache in step with the backend.
//
// Writes go to the backend and nothing else: the cache only changes when the
// backend pushes the resulting note back over an item's channel, or when a
// snapshot is fetched.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/starford/draftsync/internal/apperr"
	"github.com/starford/draftsync/internal/models"
	"github.com/starford/draftsync/internal/notecache"
)

const (
	defaultSaveDebounce = 500 * time.Millisecond
	defaultSavedPulse   = 500 * time.Millisecond
)

// Persistence is the backend the engine writes to.
type Persistence interface {
	NotesByStep(ctx context.Context, scope models.Scope) ([]models.Note, error)
	UpsertNote(ctx context.Context, req models.UpsertNoteRequest) error
	UploadAttachments(ctx context.Context, versionID int64, owner models.Owner, files []models.FileUpload, urls []string) error
	DeleteAttachment(ctx context.Context, attachmentID int64, owner models.Owner) error
}

// Identity reports who the local session is, if anyone.
type Identity interface {
	Current() (models.Owner, bool)
}

// Disconnector tears down every live channel.
type Disconnector interface {
	DisconnectAll()
}

type pendingSave struct {
	ctx     context.Context
	version models.Version
	content string
}

// Engine applies pushed notes to the cache and sends local edits to the backend.
type Engine struct {
	cache    *notecache.Cache
	channels Disconnector
	store    Persistence
	identity Identity
	logger   *slog.Logger

	saveDebounce time.Duration
	savedPulse   time.Duration
	saver        *Debouncer[int64, pendingSave]

	pulseMu  sync.Mutex
	pulseGen map[int64]uint64
	pulses   map[int64]*time.Timer
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithSaveDebounce sets the quiet window of SaveDebounced.
func WithSaveDebounce(d time.Duration) Option {
	return func(e *Engine) { e.saveDebounce = d }
}

// WithSavedPulse sets how long an item pulses after a save.
func WithSavedPulse(d time.Duration) Option {
	return func(e *Engine) { e.savedPulse = d }
}

// New creates an engine over cache.
func New(cache *notecache.Cache, channels Disconnector, store Persistence, identity Identity, opts ...Option) *Engine {
	e := &Engine{
		cache:        cache,
		channels:     channels,
		store:        store,
		identity:     identity,
		saveDebounce: defaultSaveDebounce,
		savedPulse:   defaultSavedPulse,
		pulseGen:     make(map[int64]uint64),
		pulses:       make(map[int64]*time.Timer),
	}
	for _, o := range opts {
		o(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.saver = NewDebouncer(e.saveDebounce, func(_ int64, p pendingSave) {
		// Save logs its own failures.
		_ = e.Save(p.ctx, p.version, p.content)
	})
	return e
}

// Snapshot returns the current cache snapshot.
func (e *Engine) Snapshot() *notecache.Snapshot { return e.cache.Snapshot() }

// Subscribe returns a channel receiving every new snapshot, latest wins.
func (e *Engine) Subscribe() chan *notecache.Snapshot { return e.cache.Subscribe() }

// Unsubscribe stops delivery to ch and closes it.
func (e *Engine) Unsubscribe(ch chan *notecache.Snapshot) { e.cache.Unsubscribe(ch) }

func (e *Engine) isLocal(owner models.Owner) bool {
	me, ok := e.identity.Current()
	return ok && me.Same(owner)
}

// FetchSnapshot replaces both caches with the notes in scope. On failure both
// caches are emptied and the error is returned.
func (e *Engine) FetchSnapshot(ctx context.Context, scope models.Scope) error {
	notes, err := e.store.NotesByStep(ctx, scope)
	if err != nil {
		e.cache.Load(nil, e.isLocal)
		e.logger.Error("fetch snapshot failed",
			slog.Int64("project_id", scope.ProjectID),
			slog.String("step_name", scope.StepName),
			slog.String("error", err.Error()))
		return fmt.Errorf("reconcile: fetch snapshot: %w", err)
	}
	e.cache.Load(notes, e.isLocal)
	e.logger.Debug("snapshot loaded", slog.Int("notes", len(notes)))
	return nil
}

// Save sends content as the local owner's note for version. The cache is not
// touched; the item pulses once the request returns, whatever the outcome.
func (e *Engine) Save(ctx context.Context, version models.Version, content string) error {
	owner, ok := e.identity.Current()
	if !ok {
		return fmt.Errorf("reconcile: save: %w", apperr.ErrUnauthenticated)
	}
	req := models.UpsertNoteRequest{
		VersionID:   version.ID,
		Content:     content,
		OwnerID:     owner.ID,
		OwnerKind:   owner.Kind,
		VersionMeta: version,
	}
	if err := req.Validate(); err != nil {
		return fmt.Errorf("reconcile: save: %w: %v", apperr.ErrInvalidPayload, err)
	}

	err := e.store.UpsertNote(ctx, req)
	e.pulse(version.ID)
	if err != nil {
		e.logger.Error("save note failed",
			slog.Int64("version_id", version.ID),
			slog.String("error", err.Error()))
		return fmt.Errorf("reconcile: save: %w", err)
	}
	return nil
}

// SaveDebounced schedules Save. Calls for the same version within the quiet
// window collapse into one request with the last call's arguments. The
// request outlives ctx's cancellation but keeps its values.
func (e *Engine) SaveDebounced(ctx context.Context, version models.Version, content string) {
	e.saver.Call(version.ID, pendingSave{
		ctx:     context.WithoutCancel(ctx),
		version: version,
		content: content,
	})
}

// FlushPendingSaves sends every debounced save now.
func (e *Engine) FlushPendingSaves() { e.saver.Flush() }

func (e *Engine) pulse(versionID int64) {
	e.pulseMu.Lock()
	defer e.pulseMu.Unlock()

	e.pulseGen[versionID]++
	gen := e.pulseGen[versionID]
	if t, ok := e.pulses[versionID]; ok {
		t.Stop()
	}
	e.cache.SetPulse(versionID, true)
	e.pulses[versionID] = time.AfterFunc(e.savedPulse, func() {
		e.pulseMu.Lock()
		defer e.pulseMu.Unlock()
		if e.pulseGen[versionID] != gen {
			return
		}
		delete(e.pulses, versionID)
		delete(e.pulseGen, versionID)
		e.cache.SetPulse(versionID, false)
	})
}

func (e *Engine) stopPulses() {
	e.pulseMu.Lock()
	defer e.pulseMu.Unlock()
	for id, t := range e.pulses {
		t.Stop()
		delete(e.pulses, id)
	}
	// Bump rather than clear so a timer already running sees a stale generation.
	for id := range e.pulseGen {
		e.pulseGen[id]++
	}
}

// UploadAttachments attaches files and urls to the local owner's note for versionID.
func (e *Engine) UploadAttachments(ctx context.Context, versionID int64, files []models.FileUpload, urls []string) error {
	owner, ok := e.identity.Current()
	if !ok {
		return fmt.Errorf("reconcile: upload attachments: %w", apperr.ErrUnauthenticated)
	}
	if len(files) == 0 && len(urls) == 0 {
		return nil
	}
	if err := e.store.UploadAttachments(ctx, versionID, owner, files, urls); err != nil {
		e.logger.Error("upload attachments failed",
			slog.Int64("version_id", versionID),
			slog.String("error", err.Error()))
		return fmt.Errorf("reconcile: upload attachments: %w", err)
	}
	return nil
}

// DeleteAttachment removes one of the local owner's attachments.
func (e *Engine) DeleteAttachment(ctx context.Context, attachmentID int64) error {
	owner, ok := e.identity.Current()
	if !ok {
		return fmt.Errorf("reconcile: delete attachment: %w", apperr.ErrUnauthenticated)
	}
	if err := e.store.DeleteAttachment(ctx, attachmentID, owner); err != nil {
		e.logger.Error("delete attachment failed",
			slog.Int64("attachment_id", attachmentID),
			slog.String("error", err.Error()))
		return fmt.Errorf("reconcile: delete attachment: %w", err)
	}
	return nil
}

// HandleIncomingNote applies one pushed payload. Malformed payloads are
// logged and dropped. It is safe to pass as a channel message callback.
func (e *Engine) HandleIncomingNote(raw []byte) {
	n, err := models.ParseNote(raw)
	if err != nil {
		e.logger.Warn("discarding pushed note",
			slog.Int("bytes", len(raw)),
			slog.String("error", err.Error()))
		return
	}
	changed := e.cache.Apply(n, e.isLocal(n.Owner))
	e.logger.Debug("pushed note applied",
		slog.Int64("version_id", n.VersionID),
		slog.Int64("note_id", n.ID),
		slog.Bool("delete", n.IsSentinel()),
		slog.Bool("changed", changed))
}

// ClearNewNoteFlag acknowledges a highlighted note.
func (e *Engine) ClearNewNoteFlag(noteID int64) { e.cache.ClearHighlight(noteID) }

// ClearAll closes every channel and empties the cache. Debounced saves that
// have not been sent yet are dropped.
func (e *Engine) ClearAll() {
	e.saver.Cancel()
	e.channels.DisconnectAll()
	e.stopPulses()
	e.cache.Reset()
}

// Close sends pending saves, then clears everything. The engine accepts no
// further debounced saves.
func (e *Engine) Close() {
	e.saver.Flush()
	e.saver.Stop()
	e.ClearAll()
}
