package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chatrelay/internal/fanout"
	"chatrelay/internal/ingest"
	"chatrelay/internal/storage"
	logx "chatrelay/pkg/logx"

	fws "github.com/fasthttp/websocket"
	"github.com/stretchr/testify/require"
)

type relay struct {
	srv   *Server
	store storage.Store
	reg   *fanout.Registry
	hub   *fanout.Hub
}

func newRelay(t *testing.T, st storage.Store) *relay {
	t.Helper()
	reg := fanout.NewRegistry(16)
	hub := fanout.NewHub(reg, logx.Nop())
	hub.Prime(0)
	gw := ingest.New(st, hub, logx.Nop())
	srv := New(Config{RequestTimeout: time.Second, PongWait: 2 * time.Second}, gw, reg, logx.Nop())
	return &relay{srv: srv, store: st, reg: reg, hub: hub}
}

type brokenStore struct{ storage.Store }

func (brokenStore) Append(context.Context, storage.Candidate) (storage.Message, error) {
	return storage.Message{}, &storage.StorageError{Op: "append", Err: errors.New("disk gone")}
}

func (brokenStore) List(context.Context) ([]storage.Message, error) {
	return nil, &storage.StorageError{Op: "list", Err: errors.New("disk gone")}
}

func do(t *testing.T, r *relay, method, path, body string) (int, []byte) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := r.srv.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, raw
}

func TestSubmitThenHistory(t *testing.T) {
	r := newRelay(t, storage.NewMemory())

	code, raw := do(t, r, "POST", "/messages", `{"username":"A","content":"hello","color":"#111"}`)
	require.Equal(t, 200, code)

	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	require.EqualValues(t, 1, got["id"])
	require.Equal(t, "A", got["username"])
	require.Equal(t, "hello", got["content"])
	require.Equal(t, "#111", got["color"])
	require.NotEmpty(t, got["created_at"])

	code, raw = do(t, r, "GET", "/messages", "")
	require.Equal(t, 200, code)
	var list []map[string]any
	require.NoError(t, json.Unmarshal(raw, &list))
	require.Len(t, list, 1)
	require.Equal(t, got, list[0])
}

func TestEmptyHistoryIsArray(t *testing.T) {
	r := newRelay(t, storage.NewMemory())
	code, raw := do(t, r, "GET", "/messages", "")
	require.Equal(t, 200, code)
	require.JSONEq(t, `[]`, string(raw))
}

func TestSubmitRejections(t *testing.T) {
	cases := []struct {
		body string
		want string
	}{
		{`{"username":"A"}`, `{"error":"content required"}`},
		{``, `{"error":"content required"}`},
		{`{"content":"x","username":"` + strings.Repeat("u", 101) + `"}`, `{"error":"username too long"}`},
		{`{"content":"x","color":"` + strings.Repeat("c", 21) + `"}`, `{"error":"color too long"}`},
		{`{"content":`, `{"error":"invalid body"}`},
	}
	r := newRelay(t, storage.NewMemory())
	for _, tc := range cases {
		code, raw := do(t, r, "POST", "/messages", tc.body)
		require.Equal(t, 400, code, tc.body)
		require.JSONEq(t, tc.want, string(raw))
	}

	_, raw := do(t, r, "GET", "/messages", "")
	require.JSONEq(t, `[]`, string(raw))
}

func TestStoreFailureIsOpaque(t *testing.T) {
	r := newRelay(t, brokenStore{})

	code, raw := do(t, r, "POST", "/messages", `{"content":"x"}`)
	require.Equal(t, 500, code)
	require.JSONEq(t, `{"error":"db"}`, string(raw))

	code, raw = do(t, r, "GET", "/messages", "")
	require.Equal(t, 500, code)
	require.JSONEq(t, `{"error":"db"}`, string(raw))
}

func TestHealthAndUpgradeRequired(t *testing.T) {
	r := newRelay(t, storage.NewMemory())

	code, raw := do(t, r, "GET", "/healthz", "")
	require.Equal(t, 200, code)
	require.JSONEq(t, `{"status":"ok","clients":0}`, string(raw))

	code, _ = do(t, r, "GET", "/ws", "")
	require.Equal(t, 426, code)
}

func serve(t *testing.T, r *relay) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = r.srv.Serve(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.srv.Shutdown(ctx)
	})
	return ln.Addr().String()
}

func dial(t *testing.T, addr string) *fws.Conn {
	t.Helper()
	conn, _, err := fws.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *fws.Conn) storage.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var f struct {
		Event string          `json:"event"`
		Data  storage.Message `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&f))
	require.Equal(t, eventMessage, f.Event)
	return f.Data
}

func TestChannelClientsReceiveEveryRecord(t *testing.T) {
	r := newRelay(t, storage.NewMemory())
	addr := serve(t, r)

	a := dial(t, addr)
	b := dial(t, addr)
	require.Eventually(t, func() bool { return r.reg.Len() == 2 }, 3*time.Second, 10*time.Millisecond)

	code, _ := do(t, r, "POST", "/messages", `{"username":"A","content":"via http"}`)
	require.Equal(t, 200, code)

	err := a.WriteJSON(map[string]any{
		"event": "sendMessage",
		"data":  map[string]any{"username": "B", "content": "via channel", "color": "#222"},
	})
	require.NoError(t, err)

	first, second := readMessage(t, a), readMessage(t, a)
	require.Equal(t, first, readMessage(t, b))
	require.Equal(t, second, readMessage(t, b))
	require.Equal(t, "via http", first.Content)
	require.Equal(t, "via channel", second.Content)
	require.Equal(t, "#222", second.DisplayColor)

	history, err := r.store.List(context.Background())
	require.NoError(t, err)
	require.Equal(t, []storage.Message{first, second}, history)
}

func TestInvalidChannelSubmissionIsSilent(t *testing.T) {
	r := newRelay(t, storage.NewMemory())
	addr := serve(t, r)

	a := dial(t, addr)
	require.Eventually(t, func() bool { return r.reg.Len() == 1 }, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, a.WriteMessage(fws.TextMessage, []byte(`not json`)))
	require.NoError(t, a.WriteJSON(map[string]any{"event": "sendMessage", "data": map[string]any{"username": "A"}}))
	require.NoError(t, a.WriteJSON(map[string]any{"event": "sendMessage", "data": map[string]any{"content": "ok"}}))

	msg := readMessage(t, a)
	require.Equal(t, int64(1), msg.ID)
	require.Equal(t, "ok", msg.Content)
	require.Equal(t, storage.DefaultSenderName, msg.SenderName)
}

func TestDisconnectLeavesRegistry(t *testing.T) {
	r := newRelay(t, storage.NewMemory())
	addr := serve(t, r)

	a := dial(t, addr)
	require.Eventually(t, func() bool { return r.reg.Len() == 1 }, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, a.Close())
	require.Eventually(t, func() bool { return r.reg.Len() == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestShutdownClosesChannels(t *testing.T) {
	r := newRelay(t, storage.NewMemory())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = r.srv.Serve(ln) }()

	a := dial(t, ln.Addr().String())
	require.Eventually(t, func() bool { return r.reg.Len() == 1 }, 3*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.srv.Shutdown(ctx))

	require.NoError(t, a.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err = a.ReadMessage()
	require.Error(t, err)
}

func TestShutdownBeforeServeReleasesListener(t *testing.T) {
	r := newRelay(t, storage.NewMemory())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.srv.Shutdown(ctx))

	served := make(chan error, 1)
	go func() { served <- r.srv.Serve(ln) }()
	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve kept running after Shutdown")
	}
	_, err = net.DialTimeout("tcp", ln.Addr().String(), time.Second)
	require.Error(t, err)
}

func TestShutdownRacingServeReturns(t *testing.T) {
	for i := 0; i < 10; i++ {
		r := newRelay(t, storage.NewMemory())
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)

		served := make(chan error, 1)
		go func() { served <- r.srv.Serve(ln) }()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		require.NoError(t, r.srv.Shutdown(ctx))
		cancel()
		select {
		case err := <-served:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatalf("round %d: Serve kept running after Shutdown", i)
		}
	}
}
