package fanout

import (
	"sort"
	"sync"
	"time"

	"chatrelay/internal/storage"

	"github.com/samber/lo"
)

const defaultBuffer = 256

// Member is one registered connection.
type Member struct {
	ID          string
	ConnectedAt time.Time

	ch     chan storage.Message
	closed bool // guarded by Registry.mu
}

// Messages yields records addressed to this member. It is closed when the
// member is disconnected or evicted.
func (m *Member) Messages() <-chan storage.Message { return m.ch }

// Registry tracks connected members. Create one per process and pass it to
// the Hub and to the connection handlers.
type Registry struct {
	buffer int

	// mu is held for reading while the Hub sends, and for writing while a
	// member channel is closed, so a send never hits a closed channel.
	mu      sync.RWMutex
	members map[string]*Member
}

func NewRegistry(buffer int) *Registry {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Registry{buffer: buffer, members: map[string]*Member{}}
}

// Connect adds a member. An existing member with the same id is replaced
// and its channel closed.
func (r *Registry) Connect(id string) *Member {
	m := &Member{ID: id, ConnectedAt: time.Now(), ch: make(chan storage.Message, r.buffer)}
	r.mu.Lock()
	if old := r.members[id]; old != nil {
		closeMember(old)
	}
	r.members[id] = m
	r.mu.Unlock()
	return m
}

// Disconnect removes a member and closes its channel. It reports whether
// the member was present.
func (r *Registry) Disconnect(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[id]
	if !ok {
		return false
	}
	delete(r.members, id)
	closeMember(m)
	return true
}

// disconnectMember removes m only if it is still the registered member for
// its id, so a stale eviction cannot drop a reconnected client.
func (r *Registry) disconnectMember(m *Member) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.members[m.ID] != m {
		return false
	}
	delete(r.members, m.ID)
	closeMember(m)
	return true
}

// DisconnectAll empties the registry. Used on shutdown.
func (r *Registry) DisconnectAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.members)
	for id, m := range r.members {
		delete(r.members, id)
		closeMember(m)
	}
	return n
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// IDs returns the member ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := lo.Keys(r.members)
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// deliver offers msg to every member without blocking and returns the
// members whose buffers were full.
func (r *Registry) deliver(msg storage.Message) (full []*Member) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.members {
		if m.closed {
			continue
		}
		select {
		case m.ch <- msg:
		default:
			full = append(full, m)
		}
	}
	return full
}

func closeMember(m *Member) {
	if m.closed {
		return
	}
	m.closed = true
	close(m.ch)
}
