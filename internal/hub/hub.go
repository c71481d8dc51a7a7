// Package hub fans pushed notes out to the websocket clients of each version.
package hub

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"

	"github.com/starford/draftsync/internal/models"
)

const clientBuffer = 64

type subscription struct {
	versionID int64
	ch        chan []byte
}

type message struct {
	versionID int64
	payload   []byte
}

type countReq struct {
	versionID int64
	resp      chan int
}

// Hub tracks subscribers per version and broadcasts payloads to them.
//
// A single event loop owns the subscriber sets. Public methods talk to it
// over channels. A subscriber whose buffer is full misses the message.
type Hub struct {
	logger *slog.Logger

	subscribeCh   chan subscription
	unsubscribeCh chan subscription
	publishCh     chan message
	countReqCh    chan countReq

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// New starts a hub.
func New(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		logger:        logger,
		subscribeCh:   make(chan subscription),
		unsubscribeCh: make(chan subscription),
		publishCh:     make(chan message, 256),
		countReqCh:    make(chan countReq),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	defer close(h.stopped)

	clients := make(map[int64]map[chan []byte]struct{})

	for {
		select {
		case <-h.stopCh:
			for _, set := range clients {
				for ch := range set {
					close(ch)
				}
			}
			return

		case s := <-h.subscribeCh:
			set, ok := clients[s.versionID]
			if !ok {
				set = make(map[chan []byte]struct{})
				clients[s.versionID] = set
			}
			set[s.ch] = struct{}{}

		case s := <-h.unsubscribeCh:
			set := clients[s.versionID]
			if _, ok := set[s.ch]; ok {
				delete(set, s.ch)
				close(s.ch)
				if len(set) == 0 {
					delete(clients, s.versionID)
				}
			}

		case m := <-h.publishCh:
			for ch := range clients[m.versionID] {
				select {
				case ch <- m.payload:
				default:
					h.logger.Warn("hub: client buffer full, message dropped", slog.Int64("version_id", m.versionID))
				}
			}

		case req := <-h.countReqCh:
			if req.versionID == 0 {
				total := 0
				for _, set := range clients {
					total += len(set)
				}
				req.resp <- total
			} else {
				req.resp <- len(clients[req.versionID])
			}
		}
	}
}

// Close stops the loop and closes every subscriber channel.
func (h *Hub) Close() {
	if h.closed.CompareAndSwap(false, true) {
		close(h.stopCh)
	}
	<-h.stopped
}

// Subscribe registers a client of versionID and returns its channel.
func (h *Hub) Subscribe(versionID int64) chan []byte {
	ch := make(chan []byte, clientBuffer)
	if h.closed.Load() {
		close(ch)
		return ch
	}
	select {
	case h.subscribeCh <- subscription{versionID: versionID, ch: ch}:
	case <-h.stopped:
		close(ch)
	}
	return ch
}

// Unsubscribe removes a client and closes its channel.
func (h *Hub) Unsubscribe(versionID int64, ch chan []byte) {
	if h.closed.Load() {
		return
	}
	select {
	case h.unsubscribeCh <- subscription{versionID: versionID, ch: ch}:
	case <-h.stopped:
	}
}

// ClientCount returns the number of clients of versionID, or of every
// version when versionID is 0.
func (h *Hub) ClientCount(versionID int64) int {
	if h.closed.Load() {
		return 0
	}
	resp := make(chan int, 1)
	select {
	case h.countReqCh <- countReq{versionID: versionID, resp: resp}:
	case <-h.stopped:
		return 0
	}
	select {
	case n := <-resp:
		return n
	case <-h.stopped:
		return 0
	}
}

// Publish sends payload to every client of versionID.
func (h *Hub) Publish(versionID int64, payload []byte) {
	if h.closed.Load() {
		return
	}
	select {
	case h.publishCh <- message{versionID: versionID, payload: payload}:
	case <-h.stopped:
	}
}

// PublishNote broadcasts n, or its delete marker, to the clients of its version.
func (h *Hub) PublishNote(n models.Note) {
	if n.Attachments == nil {
		n.Attachments = []models.Attachment{}
	}
	payload, err := json.Marshal(n)
	if err != nil {
		h.logger.Error("hub: encode note", slog.Int64("note_id", n.ID), slog.String("error", err.Error()))
		return
	}
	h.Publish(n.VersionID, payload)
}
