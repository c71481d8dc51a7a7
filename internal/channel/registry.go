// Package channel tracks one live push channel per key.
//
// The registry knows nothing about what the messages mean: it hands every
// raw payload to the callback registered for its key, in delivery order.
// A channel that closes, for whatever reason, is removed and is not reopened.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrClosedDuringDial is returned by Connect when Disconnect was requested
// for the key before the channel finished opening.
var ErrClosedDuringDial = errors.New("channel: disconnected while opening")

// MessageFunc receives raw payloads.
type MessageFunc func(payload []byte)

type entry struct {
	onMessage MessageFunc
	conn      Conn
	connected bool
	closing   bool

	ready chan struct{} // closed once the dial finished
	err   error         // dial outcome, valid after ready is closed
	done  chan struct{} // closed when the read loop exits
}

// Registry owns every channel handle. Safe for concurrent use.
type Registry struct {
	dialer Dialer
	logger *slog.Logger

	mu      sync.Mutex
	entries map[int64]*entry
}

// NewRegistry creates a registry that opens channels with dialer.
func NewRegistry(dialer Dialer, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		dialer:  dialer,
		logger:  logger,
		entries: make(map[int64]*entry),
	}
}

// Connect opens the channel for key unless it is already open. It returns
// once the channel is open (nil) or failed to open. A concurrent Connect for
// a key that is still opening waits for that attempt instead of dialing again.
func (r *Registry) Connect(ctx context.Context, key int64, address string, onMessage MessageFunc) error {
	r.mu.Lock()
	if e, ok := r.entries[key]; ok && !e.closing {
		if e.connected {
			r.mu.Unlock()
			return nil
		}
		ready := e.ready
		r.mu.Unlock()
		select {
		case <-ready:
			r.mu.Lock()
			err := e.err
			r.mu.Unlock()
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	e := &entry{
		onMessage: onMessage,
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
	}
	r.entries[key] = e
	r.mu.Unlock()

	conn, err := r.dialer.Dial(ctx, address)

	r.mu.Lock()
	if err == nil && e.closing {
		err = ErrClosedDuringDial
		_ = conn.Close()
	}
	if err != nil {
		if r.entries[key] == e {
			delete(r.entries, key)
		}
		e.err = fmt.Errorf("channel: connect %d: %w", key, err)
		close(e.ready)
		close(e.done)
		r.mu.Unlock()
		r.logger.Warn("channel open failed",
			slog.Int64("key", key),
			slog.String("address", address),
			slog.String("error", err.Error()))
		return e.err
	}
	e.conn = conn
	e.connected = true
	close(e.ready)
	r.mu.Unlock()

	r.logger.Debug("channel open", slog.Int64("key", key), slog.String("address", address))
	go r.readLoop(key, e)
	return nil
}

func (r *Registry) readLoop(key int64, e *entry) {
	defer close(e.done)

	var readErr error
	for {
		payload, err := e.conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		r.mu.Lock()
		closing := e.closing
		r.mu.Unlock()
		if closing {
			continue
		}
		e.onMessage(payload)
	}

	r.mu.Lock()
	planned := e.closing
	e.connected = false
	if r.entries[key] == e {
		delete(r.entries, key)
	}
	r.mu.Unlock()
	_ = e.conn.Close()

	if planned || expectedClose(readErr) {
		r.logger.Debug("channel closed", slog.Int64("key", key))
		return
	}
	r.logger.Warn("channel lost",
		slog.Int64("key", key),
		slog.String("error", readErr.Error()))
}

// Disconnect requests closure of the channel for key. The entry is removed
// by the channel's close handling, not here. Messages that arrive after
// Disconnect are dropped.
func (r *Registry) Disconnect(key int64) {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok || e.closing {
		r.mu.Unlock()
		return
	}
	e.closing = true
	conn := e.conn
	r.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			r.logger.Debug("channel close error", slog.Int64("key", key), slog.String("error", err.Error()))
		}
	}
}

// DisconnectAll disconnects every tracked key and waits for their read loops
// to finish. It must not be called from a MessageFunc.
func (r *Registry) DisconnectAll() {
	r.mu.Lock()
	keys := make([]int64, 0, len(r.entries))
	waits := make([]chan struct{}, 0, len(r.entries))
	for k, e := range r.entries {
		keys = append(keys, k)
		waits = append(waits, e.done)
	}
	r.mu.Unlock()

	for _, k := range keys {
		r.Disconnect(k)
	}
	for _, done := range waits {
		<-done
	}
}

// IsConnected reports whether an open channel exists for key.
func (r *Registry) IsConnected(key int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	return ok && e.connected && !e.closing
}

// Keys returns the keys with a tracked channel, open or opening.
func (r *Registry) Keys() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int64, 0, len(r.entries))
	for k := range r.entries {
		out = append(out, k)
	}
	return out
}
