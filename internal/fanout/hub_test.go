package fanout

import (
	"errors"
	"sync"
	"testing"
	"time"

	"chatrelay/internal/storage"
	logx "chatrelay/pkg/logx"

	"github.com/stretchr/testify/require"
)

func msg(id int64) storage.Message {
	return storage.Message{
		ID:           id,
		SenderName:   "A",
		Content:      "m",
		DisplayColor: storage.DefaultDisplayColor,
		CreatedAt:    time.Unix(1700000000+id, 0).UTC(),
	}
}

func recv(t *testing.T, m *Member) storage.Message {
	t.Helper()
	select {
	case got, ok := <-m.Messages():
		require.True(t, ok, "member channel closed")
		return got
	case <-time.After(2 * time.Second):
		t.Fatalf("member %s received nothing", m.ID)
		return storage.Message{}
	}
}

func requireNothing(t *testing.T, m *Member) {
	t.Helper()
	select {
	case got, ok := <-m.Messages():
		t.Fatalf("unexpected delivery to %s: %+v (open=%v)", m.ID, got, ok)
	default:
	}
}

type recordingSink struct {
	mu   sync.Mutex
	ids  []int64
	fail bool
}

func (s *recordingSink) Name() string { return "recording" }
func (s *recordingSink) Publish(m storage.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, m.ID)
	if s.fail {
		return errors.New("sink down")
	}
	return nil
}

func TestPublishReachesEveryMember(t *testing.T) {
	reg := NewRegistry(8)
	hub := NewHub(reg, logx.Nop())
	hub.Prime(0)

	members := []*Member{reg.Connect("a"), reg.Connect("b"), reg.Connect("c")}
	hub.Publish(msg(1))

	for _, m := range members {
		require.Equal(t, msg(1), recv(t, m))
	}
}

func TestMemberConnectedAfterPublishMissesIt(t *testing.T) {
	reg := NewRegistry(8)
	hub := NewHub(reg, logx.Nop())
	hub.Prime(0)

	early := reg.Connect("early")
	hub.Publish(msg(1))
	late := reg.Connect("late")

	require.Equal(t, int64(1), recv(t, early).ID)
	requireNothing(t, late)
}

func TestSlowMemberIsEvictedWithoutBlockingOthers(t *testing.T) {
	reg := NewRegistry(1)
	hub := NewHub(reg, logx.Nop())
	hub.Prime(0)

	slow := reg.Connect("slow")
	fast := reg.Connect("fast")

	hub.Publish(msg(1))
	require.Equal(t, int64(1), recv(t, fast).ID)

	done := make(chan struct{})
	go func() {
		hub.Publish(msg(2))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full member")
	}
	require.Equal(t, int64(2), recv(t, fast).ID)

	// slow still holds record 1, then its channel is closed.
	require.Equal(t, int64(1), recv(t, slow).ID)
	_, ok := <-slow.Messages()
	require.False(t, ok)
	require.Equal(t, []string{"fast"}, reg.IDs())
}

func TestOutOfOrderPublishIsReordered(t *testing.T) {
	reg := NewRegistry(8)
	hub := NewHub(reg, logx.Nop(), WithReorderWindow(time.Minute))
	hub.Prime(0)
	m := reg.Connect("a")

	hub.Publish(msg(2))
	hub.Publish(msg(3))
	requireNothing(t, m)

	hub.Publish(msg(1))
	require.Equal(t, int64(1), recv(t, m).ID)
	require.Equal(t, int64(2), recv(t, m).ID)
	require.Equal(t, int64(3), recv(t, m).ID)
}

func TestGapIsSkippedAfterWindow(t *testing.T) {
	reg := NewRegistry(8)
	hub := NewHub(reg, logx.Nop(), WithReorderWindow(20*time.Millisecond))
	hub.Prime(0)
	m := reg.Connect("a")

	hub.Publish(msg(1))
	hub.Publish(msg(3))
	require.Equal(t, int64(1), recv(t, m).ID)
	require.Equal(t, int64(3), recv(t, m).ID)

	hub.Publish(msg(4))
	require.Equal(t, int64(4), recv(t, m).ID)
}

func TestUnprimedHubStartsAtFirstRecord(t *testing.T) {
	reg := NewRegistry(8)
	hub := NewHub(reg, logx.Nop(), WithReorderWindow(time.Minute))
	m := reg.Connect("a")

	hub.Publish(msg(10))
	hub.Publish(msg(11))
	require.Equal(t, int64(10), recv(t, m).ID)
	require.Equal(t, int64(11), recv(t, m).ID)
}

func TestCloseFlushesPending(t *testing.T) {
	reg := NewRegistry(8)
	hub := NewHub(reg, logx.Nop(), WithReorderWindow(time.Minute))
	hub.Prime(5)
	m := reg.Connect("a")

	hub.Publish(msg(8))
	hub.Publish(msg(7))
	hub.Close()

	require.Equal(t, int64(7), recv(t, m).ID)
	require.Equal(t, int64(8), recv(t, m).ID)

	hub.Publish(msg(9))
	requireNothing(t, m)
}

func TestSinkFailureDoesNotAffectMembers(t *testing.T) {
	reg := NewRegistry(8)
	sink := &recordingSink{fail: true}
	hub := NewHub(reg, logx.Nop(), WithSink(sink))
	hub.Prime(0)
	m := reg.Connect("a")

	hub.Publish(msg(1))
	hub.Publish(msg(2))

	require.Equal(t, int64(1), recv(t, m).ID)
	require.Equal(t, int64(2), recv(t, m).ID)
	require.Equal(t, []int64{1, 2}, sink.ids)
}

func TestConcurrentPublishKeepsMembersInAgreement(t *testing.T) {
	reg := NewRegistry(256)
	hub := NewHub(reg, logx.Nop(), WithReorderWindow(time.Second))
	hub.Prime(0)
	a := reg.Connect("a")
	b := reg.Connect("b")

	const n = 100
	var wg sync.WaitGroup
	for i := int64(1); i <= n; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			hub.Publish(msg(id))
		}(i)
	}
	wg.Wait()

	for i := int64(1); i <= n; i++ {
		require.Equal(t, i, recv(t, a).ID)
		require.Equal(t, i, recv(t, b).ID)
	}
}
