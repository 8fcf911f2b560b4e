package mirror

import (
	"net"
	"testing"
	"time"

	logx "chatrelay/pkg/logx"

	"github.com/stretchr/testify/require"
)

func TestDialUnreachable(t *testing.T) {
	// Reserve a port, then release it so nothing is listening.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = Dial(Config{URL: "nats://" + addr, Timeout: 500 * time.Millisecond}, logx.Nop())
	require.ErrorContains(t, err, "connect to nats")
}

func TestNilSinkClose(t *testing.T) {
	var s *NATSSink
	require.NoError(t, s.Close())
}
