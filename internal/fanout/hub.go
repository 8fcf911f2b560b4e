package fanout

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"chatrelay/internal/storage"
	logx "chatrelay/pkg/logx"

	"github.com/samber/lo"
	"golang.org/x/time/rate"
)

const defaultReorderWindow = 500 * time.Millisecond

// Sink receives every record after local delivery (external mirrors).
type Sink interface {
	Name() string
	Publish(msg storage.Message) error
}

// DeliveryError describes one member that could not take a record.
type DeliveryError struct {
	Member    string
	MessageID int64
	Reason    string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver message %d to %s: %s", e.MessageID, e.Member, e.Reason)
}

type Option func(*Hub)

// WithReorderWindow bounds how long a record waits for a missing lower id.
func WithReorderWindow(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.window = d
		}
	}
}

func WithSink(s Sink) Option {
	return func(h *Hub) {
		if s != nil {
			h.sinks = append(h.sinks, s)
		}
	}
}

// Hub is the broadcast fanout.
//
// Records are delivered in id order. Publish for id N+1 may run before
// Publish for id N when two appends race; the Hub holds N+1 until N shows up
// or the reorder window passes, then flushes what it has in ascending order.
type Hub struct {
	reg    *Registry
	log    logx.Logger
	sinks  []Sink
	window time.Duration

	// warnings about evicted members are throttled.
	evictLog *rate.Limiter

	mu      sync.Mutex
	primed  bool
	next    int64
	pending map[int64]storage.Message
	timer   *time.Timer
	gen     uint64 // invalidates timers that fired while being stopped
	closed  bool
}

func NewHub(reg *Registry, log logx.Logger, opts ...Option) *Hub {
	h := &Hub{
		reg:      reg,
		log:      log,
		window:   defaultReorderWindow,
		evictLog: rate.NewLimiter(rate.Limit(5), 10),
		pending:  map[int64]storage.Message{},
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Prime tells the Hub the highest id already stored, so the first published
// record is ordered against it.
func (h *Hub) Prime(lastID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.primed = true
	h.next = lastID + 1
}

// Publish delivers msg to every current member. It never blocks on members.
func (h *Hub) Publish(msg storage.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}

	switch {
	case !h.primed:
		h.primed = true
		h.next = msg.ID
		h.deliverLocked(msg)
		h.next = msg.ID + 1
		h.drainLocked()
	case msg.ID == h.next:
		h.deliverLocked(msg)
		h.next++
		h.drainLocked()
	case msg.ID < h.next:
		// The window already gave up on this id.
		h.log.Warn("late record delivered out of order", logx.Int64("id", msg.ID), logx.Int64("next", h.next))
		h.deliverLocked(msg)
	default:
		h.pending[msg.ID] = msg
		if h.timer == nil {
			h.gen++
			gen := h.gen
			h.timer = time.AfterFunc(h.window, func() { h.flushGap(gen) })
		}
	}
}

// Close flushes pending records and stops the Hub.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.flushLocked()
	h.closed = true
}

func (h *Hub) flushGap(gen uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if gen != h.gen {
		return
	}
	h.timer = nil
	if h.closed || len(h.pending) == 0 {
		return
	}
	h.log.Debug("reorder window expired; skipping gap", logx.Int64("next", h.next), logx.Int("pending", len(h.pending)))
	h.flushLocked()
}

func (h *Hub) flushLocked() {
	for len(h.pending) > 0 {
		ids := lo.Keys(h.pending)
		h.next = slices.Min(ids)
		h.drainLocked()
	}
	h.stopTimerLocked()
}

// drainLocked delivers the contiguous run starting at next.
func (h *Hub) drainLocked() {
	for {
		msg, ok := h.pending[h.next]
		if !ok {
			break
		}
		delete(h.pending, h.next)
		h.deliverLocked(msg)
		h.next++
	}
	if len(h.pending) == 0 {
		h.stopTimerLocked()
	}
}

func (h *Hub) stopTimerLocked() {
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
		h.gen++
	}
}

func (h *Hub) deliverLocked(msg storage.Message) {
	for _, m := range h.reg.deliver(msg) {
		if !h.reg.disconnectMember(m) {
			continue
		}
		if h.evictLog.Allow() {
			err := &DeliveryError{Member: m.ID, MessageID: msg.ID, Reason: "send buffer full"}
			h.log.Warn("member evicted", logx.String("conn", m.ID), logx.Err(err))
		}
	}
	for _, s := range h.sinks {
		if err := s.Publish(msg); err != nil {
			h.log.Warn("sink publish failed", logx.String("sink", s.Name()), logx.Int64("id", msg.ID), logx.Err(err))
		}
	}
}
