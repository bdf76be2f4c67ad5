package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Hub is an in-memory Notifier with a ring buffer for late readers.
type Hub struct {
	mu      sync.Mutex
	nextSeq int64
	ring    []Message
	start   int
	size    int

	subs      map[int]chan Message
	nextSubID int
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		ring: make([]Message, capacity),
		subs: make(map[int]chan Message),
	}
}

// Publish stamps msg with an id, sequence and time, buffers it and fans it out.
func (h *Hub) Publish(_ context.Context, msg Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.At.IsZero() {
		msg.At = time.Now().UTC()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextSeq++
	msg.Seq = h.nextSeq
	h.pushLocked(msg)
	for _, ch := range h.subs {
		// Slow readers drop messages instead of blocking the write path.
		select {
		case ch <- msg:
		default:
		}
	}
	return nil
}

func (h *Hub) Subscribe() (<-chan Message, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Message, 64)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// SnapshotSince returns buffered messages with Seq > afterSeq, oldest first.
func (h *Hub) SnapshotSince(afterSeq int64) []Message {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Message, 0, h.size)
	for i := 0; i < h.size; i++ {
		m := h.ring[(h.start+i)%len(h.ring)]
		if m.Seq > afterSeq {
			out = append(out, m)
		}
	}
	return out
}

func (h *Hub) pushLocked(m Message) {
	capacity := len(h.ring)
	if h.size < capacity {
		h.ring[(h.start+h.size)%capacity] = m
		h.size++
		return
	}
	h.ring[h.start] = m
	h.start = (h.start + 1) % capacity
}
