package maintenance

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"chatrelay/internal/storage"
	logx "chatrelay/pkg/logx"

	"github.com/stretchr/testify/require"
)

type countingMaintainer struct {
	calls atomic.Int32
	err   error
}

func (m *countingMaintainer) Maintain(ctx context.Context) error {
	m.calls.Add(1)
	return m.err
}

func TestRunOnceAgainstSQLite(t *testing.T) {
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "relay.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	_, err = st.Append(context.Background(), storage.Candidate{Content: "x"})
	require.NoError(t, err)

	svc := New(Config{}, st.(storage.Maintainer), logx.Nop())
	require.NoError(t, svc.RunOnce(context.Background()))
	total, failed := svc.Runs()
	require.EqualValues(t, 1, total)
	require.Zero(t, failed)
}

func TestRunOnceReportsFailure(t *testing.T) {
	m := &countingMaintainer{err: errors.New("locked")}
	svc := New(Config{}, m, logx.Nop())
	require.Error(t, svc.RunOnce(context.Background()))
	_, failed := svc.Runs()
	require.EqualValues(t, 1, failed)
}

func TestScheduledRuns(t *testing.T) {
	m := &countingMaintainer{}
	svc := New(Config{Schedule: "@every 1s"}, m, logx.Nop())
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	require.Eventually(t, func() bool { return m.calls.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)
}

func TestStartRejectsBadSchedule(t *testing.T) {
	svc := New(Config{Schedule: "whenever"}, &countingMaintainer{}, logx.Nop())
	require.Error(t, svc.Start(context.Background()))

	svc = New(Config{}, &countingMaintainer{}, logx.Nop())
	require.ErrorIs(t, svc.Start(context.Background()), ErrNoSchedule)

	// Stop without Start is a no-op.
	svc.Stop()
}
