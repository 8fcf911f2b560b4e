package fanout

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistryMembership(t *testing.T) {
	reg := NewRegistry(0)
	require.Zero(t, reg.Len())

	a := reg.Connect("a")
	reg.Connect("b")
	require.Equal(t, 2, reg.Len())
	require.Equal(t, []string{"a", "b"}, reg.IDs())
	require.Equal(t, defaultBuffer, cap(a.ch))

	require.True(t, reg.Disconnect("a"))
	require.False(t, reg.Disconnect("a"))
	_, ok := <-a.Messages()
	require.False(t, ok)

	require.Equal(t, 1, reg.DisconnectAll())
	require.Zero(t, reg.Len())
}

func TestReconnectReplacesMember(t *testing.T) {
	reg := NewRegistry(4)
	old := reg.Connect("a")
	fresh := reg.Connect("a")

	_, ok := <-old.Messages()
	require.False(t, ok)

	// Evicting the stale member must not drop the new one.
	require.False(t, reg.disconnectMember(old))
	require.Equal(t, 1, reg.Len())
	require.True(t, reg.disconnectMember(fresh))
}
