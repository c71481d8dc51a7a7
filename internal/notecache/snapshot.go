package notecache

import (
	"slices"

	"github.com/starford/draftsync/internal/models"
)

// Snapshot is an immutable view of the cache. Every mutation of the Cache
// produces a new *Snapshot; a changed pointer (or Revision) means changed state.
//
// The maps held by a Snapshot are never written after it is published.
// Accessors hand out copies so callers cannot break that.
type Snapshot struct {
	Revision uint64

	own        map[int64]models.Note
	others     map[int64][]models.Note
	highlights map[int64]struct{}
	pulses     map[int64]bool
}

func emptySnapshot(rev uint64) *Snapshot {
	return &Snapshot{
		Revision:   rev,
		own:        map[int64]models.Note{},
		others:     map[int64][]models.Note{},
		highlights: map[int64]struct{}{},
		pulses:     map[int64]bool{},
	}
}

// derive returns a shallow copy with the next revision. Callers replace
// whichever container they change before publishing it.
func (s *Snapshot) derive() *Snapshot {
	next := *s
	next.Revision = s.Revision + 1
	return &next
}

// Own returns the local session's note for a version.
func (s *Snapshot) Own(versionID int64) (models.Note, bool) {
	n, ok := s.own[versionID]
	if !ok {
		return models.Note{}, false
	}
	return n.Clone(), true
}

// OwnNotes returns every own note keyed by version id.
func (s *Snapshot) OwnNotes() map[int64]models.Note {
	out := make(map[int64]models.Note, len(s.own))
	for k, n := range s.own {
		out[k] = n.Clone()
	}
	return out
}

// Others returns other owners' notes for a version, newest first.
// A version with no notes from others returns nil.
func (s *Snapshot) Others(versionID int64) []models.Note {
	list, ok := s.others[versionID]
	if !ok {
		return nil
	}
	out := make([]models.Note, len(list))
	for i, n := range list {
		out[i] = n.Clone()
	}
	return out
}

// HasOthers reports whether the version has an entry in the others cache.
func (s *Snapshot) HasOthers(versionID int64) bool {
	_, ok := s.others[versionID]
	return ok
}

// OtherNotes returns every others list keyed by version id.
func (s *Snapshot) OtherNotes() map[int64][]models.Note {
	out := make(map[int64][]models.Note, len(s.others))
	for k := range s.others {
		out[k] = s.Others(k)
	}
	return out
}

// Highlighted reports whether a note id is awaiting acknowledgment.
func (s *Snapshot) Highlighted(noteID int64) bool {
	_, ok := s.highlights[noteID]
	return ok
}

// Highlights returns the pending highlight ids in ascending order.
func (s *Snapshot) Highlights() []int64 {
	out := make([]int64, 0, len(s.highlights))
	for id := range s.highlights {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Pulsing reports whether a save was just issued for the version.
func (s *Snapshot) Pulsing(versionID int64) bool {
	return s.pulses[versionID]
}
