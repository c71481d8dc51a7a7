// Package notecache holds the draft-note caches: the local owner's note per
// version, other owners' notes per version, pending highlights and save pulses.
//
// The cache is pure data plus mutation rules. Each mutation swaps in a new
// immutable Snapshot and notifies subscribers with it.
package notecache

import (
	"slices"
	"sync"

	"github.com/starford/draftsync/internal/models"
)

// Cache owns the current snapshot. Safe for concurrent use.
type Cache struct {
	mu   sync.Mutex
	cur  *Snapshot
	subs map[chan *Snapshot]struct{}
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{
		cur:  emptySnapshot(0),
		subs: make(map[chan *Snapshot]struct{}),
	}
}

// Snapshot returns the current snapshot.
func (c *Cache) Snapshot() *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

// Subscribe returns a channel that receives every new snapshot. A slow
// reader only ever sees the latest one; intermediate snapshots are dropped.
func (c *Cache) Subscribe() chan *Snapshot {
	ch := make(chan *Snapshot, 1)
	c.mu.Lock()
	c.subs[ch] = struct{}{}
	c.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (c *Cache) Unsubscribe(ch chan *Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[ch]; ok {
		delete(c.subs, ch)
		close(ch)
	}
}

// publish must be called with c.mu held.
func (c *Cache) publish(next *Snapshot) {
	c.cur = next
	for ch := range c.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- next:
		default:
		}
	}
}

// Load replaces the own and others caches wholesale from a bulk result.
// isLocal decides which notes belong to the local session. Duplicate
// owners within a version keep the most recently updated note.
func (c *Cache) Load(notes []models.Note, isLocal func(models.Owner) bool) {
	own := make(map[int64]models.Note)
	others := make(map[int64][]models.Note)
	for _, n := range notes {
		if n.IsSentinel() {
			continue
		}
		n = n.Clone()
		if isLocal(n.Owner) {
			if prev, ok := own[n.VersionID]; ok && prev.UpdatedAt.After(n.UpdatedAt) {
				continue
			}
			own[n.VersionID] = n
			continue
		}
		others[n.VersionID] = upsertOwner(others[n.VersionID], n)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.cur.derive()
	next.own = own
	next.others = others
	c.publish(next)
}

// Apply reconciles one pushed note. local reports whether the note's owner
// is the local session. It returns false when the event changed nothing.
func (c *Cache) Apply(n models.Note, local bool) bool {
	n = n.Clone()

	c.mu.Lock()
	defer c.mu.Unlock()
	if n.IsSentinel() {
		return c.applyDelete(n, local)
	}
	return c.applyUpsert(n, local)
}

func (c *Cache) applyDelete(n models.Note, local bool) bool {
	cur := c.cur
	if local {
		if _, ok := cur.own[n.VersionID]; !ok {
			return false
		}
		next := cur.derive()
		next.own = copyOwn(cur.own)
		delete(next.own, n.VersionID)
		c.publish(next)
		return true
	}

	list, ok := cur.others[n.VersionID]
	if !ok {
		return false
	}
	idx := slices.IndexFunc(list, func(e models.Note) bool { return e.Owner.Same(n.Owner) })
	if idx < 0 {
		return false
	}
	next := cur.derive()
	next.others = copyOthers(cur.others)
	remaining := slices.Delete(slices.Clone(list), idx, idx+1)
	if len(remaining) == 0 {
		delete(next.others, n.VersionID)
	} else {
		next.others[n.VersionID] = remaining
	}
	c.publish(next)
	return true
}

func (c *Cache) applyUpsert(n models.Note, local bool) bool {
	cur := c.cur
	next := cur.derive()
	if local {
		next.own = copyOwn(cur.own)
		next.own[n.VersionID] = n
	} else {
		next.others = copyOthers(cur.others)
		next.others[n.VersionID] = upsertOwner(cur.others[n.VersionID], n)
	}
	if _, ok := cur.highlights[n.ID]; !ok {
		next.highlights = copySet(cur.highlights)
		next.highlights[n.ID] = struct{}{}
	}
	c.publish(next)
	return true
}

// ClearHighlight removes a note id from the pending highlights.
func (c *Cache) ClearHighlight(noteID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.cur.highlights[noteID]; !ok {
		return
	}
	next := c.cur.derive()
	next.highlights = copySet(c.cur.highlights)
	delete(next.highlights, noteID)
	c.publish(next)
}

// SetPulse sets or clears the just-saved flag for a version.
func (c *Cache) SetPulse(versionID int64, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur.pulses[versionID] == on {
		return
	}
	next := c.cur.derive()
	next.pulses = make(map[int64]bool, len(c.cur.pulses)+1)
	for k, v := range c.cur.pulses {
		next.pulses[k] = v
	}
	if on {
		next.pulses[versionID] = true
	} else {
		delete(next.pulses, versionID)
	}
	c.publish(next)
}

// Reset empties every container.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publish(emptySnapshot(c.cur.Revision + 1))
}

// upsertOwner returns a new list with n replacing the entry of the same
// owner (or appended), sorted by UpdatedAt descending. list is not modified.
func upsertOwner(list []models.Note, n models.Note) []models.Note {
	out := make([]models.Note, 0, len(list)+1)
	replaced := false
	for _, e := range list {
		if e.Owner.Same(n.Owner) {
			if !replaced {
				out = append(out, n)
				replaced = true
			}
			continue
		}
		out = append(out, e)
	}
	if !replaced {
		out = append(out, n)
	}
	slices.SortStableFunc(out, func(a, b models.Note) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
	return out
}

func copyOwn(m map[int64]models.Note) map[int64]models.Note {
	out := make(map[int64]models.Note, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyOthers(m map[int64][]models.Note) map[int64][]models.Note {
	out := make(map[int64][]models.Note, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copySet(m map[int64]struct{}) map[int64]struct{} {
	out := make(map[int64]struct{}, len(m)+1)
	for k := range m {
		out[k] = struct{}{}
	}
	return out
}
