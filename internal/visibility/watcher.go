// Package visibility opens and closes channels to follow the set of items
// currently on screen.
package visibility

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/starford/draftsync/internal/channel"
)

// Channels is the part of the channel registry the watcher drives.
type Channels interface {
	Connect(ctx context.Context, key int64, address string, onMessage channel.MessageFunc) error
	Disconnect(key int64)
	IsConnected(key int64) bool
}

// Authenticator reports whether a user is logged in.
type Authenticator interface {
	Authenticated() bool
}

// AddressFunc returns the channel address of an item.
type AddressFunc func(item int64) string

// Result is the outcome of one Update.
type Result struct {
	Opened  []int64
	Failed  map[int64]error
	Closed  []int64
	Skipped bool // nobody logged in; nothing was done
}

// Watcher diffs successive visible-item lists and applies the difference to
// the channel registry.
type Watcher struct {
	channels  Channels
	auth      Authenticator
	address   AddressFunc
	onMessage channel.MessageFunc
	logger    *slog.Logger

	parallel       int
	connectTimeout time.Duration
	limiter        *rate.Limiter

	mu      sync.Mutex
	visible map[int64]struct{}
	last    []int64
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) { w.logger = l }
}

// WithParallelConnects bounds how many channels open at once. Zero or less means no bound.
func WithParallelConnects(n int) Option {
	return func(w *Watcher) { w.parallel = n }
}

// WithConnectTimeout bounds each channel open.
func WithConnectTimeout(d time.Duration) Option {
	return func(w *Watcher) { w.connectTimeout = d }
}

// WithConnectRate paces channel opens to perSecond, with bursts of burst.
// Zero perSecond means unpaced.
func WithConnectRate(perSecond float64, burst int) Option {
	return func(w *Watcher) {
		if perSecond <= 0 {
			w.limiter = nil
			return
		}
		w.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
	}
}

// New creates a watcher. onMessage receives every payload of every channel it opens.
func New(channels Channels, auth Authenticator, address AddressFunc, onMessage channel.MessageFunc, opts ...Option) *Watcher {
	w := &Watcher{
		channels:       channels,
		auth:           auth,
		address:        address,
		onMessage:      onMessage,
		parallel:       8,
		connectTimeout: 10 * time.Second,
		visible:        make(map[int64]struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	return w
}

// Update makes visible the new list of on-screen items. Newly visible items
// that are not connected get a channel, items that left get disconnected,
// and items on both lists are left alone. A failed open does not stop the
// others and is not retried. Updates run one at a time.
func (w *Watcher) Update(ctx context.Context, visible []int64) Result {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.last = slices.Clone(visible)
	if !w.auth.Authenticated() {
		return Result{Skipped: true}
	}

	next := make(map[int64]struct{}, len(visible))
	for _, id := range visible {
		next[id] = struct{}{}
	}

	var added, removed []int64
	for id := range next {
		if _, ok := w.visible[id]; !ok {
			added = append(added, id)
		}
	}
	for id := range w.visible {
		if _, ok := next[id]; !ok {
			removed = append(removed, id)
		}
	}
	w.visible = next

	slices.Sort(removed)
	for _, id := range removed {
		w.channels.Disconnect(id)
	}

	res := w.connectAll(ctx, added)
	res.Closed = removed
	w.logger.Debug("visible items changed",
		slog.Int("visible", len(next)),
		slog.Int("opened", len(res.Opened)),
		slog.Int("failed", len(res.Failed)),
		slog.Int("closed", len(res.Closed)))
	return res
}

// Refresh opens a channel for every visible item that has none, such as
// after login or to retry failed opens.
func (w *Watcher) Refresh(ctx context.Context) Result {
	w.mu.Lock()
	last := w.last
	if w.auth.Authenticated() {
		// Forget the previous list so every visible item is reconsidered.
		w.visible = make(map[int64]struct{})
	}
	w.mu.Unlock()
	return w.Update(ctx, last)
}

// Reset forgets the previous list without touching any channel. Use it once
// the registry has been cleared by other means, such as on logout.
func (w *Watcher) Reset() {
	w.mu.Lock()
	w.visible = make(map[int64]struct{})
	w.mu.Unlock()
}

func (w *Watcher) connectAll(ctx context.Context, ids []int64) Result {
	res := Result{Failed: map[int64]error{}}
	if len(ids) == 0 {
		return res
	}
	slices.Sort(ids)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	if w.parallel > 0 {
		g.SetLimit(w.parallel)
	}
	for _, id := range ids {
		if w.channels.IsConnected(id) {
			continue
		}
		g.Go(func() error {
			err := w.connect(ctx, id)
			mu.Lock()
			if err != nil {
				res.Failed[id] = err
			} else {
				res.Opened = append(res.Opened, id)
			}
			mu.Unlock()
			// Failures are recorded per item, never returned, so one bad
			// item cannot cancel the rest.
			return nil
		})
	}
	_ = g.Wait()
	slices.Sort(res.Opened)
	return res
}

func (w *Watcher) connect(ctx context.Context, id int64) error {
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	if w.connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.connectTimeout)
		defer cancel()
	}
	return w.channels.Connect(ctx, id, w.address(id), w.onMessage)
}

// Run applies every list received from updates until ctx is done or updates is closed.
func (w *Watcher) Run(ctx context.Context, updates <-chan []int64) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case visible, ok := <-updates:
			if !ok {
				return nil
			}
			res := w.Update(ctx, visible)
			for id, err := range res.Failed {
				w.logger.Warn("channel not opened",
					slog.Int64("version_id", id),
					slog.String("error", err.Error()))
			}
		}
	}
}
