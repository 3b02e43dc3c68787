package websocket

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

// newUnstartedConn builds a Conn for selector-filtering tests that never
// perform real I/O; it only needs a valid net.Conn so newConn can read
// RemoteAddr.
func newUnstartedConn(t *testing.T, srv *Server) *Conn {
	t.Helper()
	clientSide, serverSide := net.Pipe()
	t.Cleanup(func() { _ = clientSide.Close(); _ = serverSide.Close() })
	return newConn(serverSide, srv)
}

func TestSelectors_AllVersusAllUpgraded(t *testing.T) {
	srv := NewServer(DefaultOptions(), Hooks{})

	accepted := newUnstartedConn(t, srv)
	upgraded := newUnstartedConn(t, srv)
	upgraded.setState(StateUpgraded)

	srv.conns[accepted] = struct{}{}
	srv.conns[upgraded] = struct{}{}

	require.Len(t, All(srv), 2)
	require.ElementsMatch(t, []*Conn{upgraded}, AllUpgraded(srv))
}

func TestSelectors_SingleRequiresRegistration(t *testing.T) {
	srv := NewServer(DefaultOptions(), Hooks{})
	registered := newUnstartedConn(t, srv)
	unregistered := newUnstartedConn(t, srv)
	srv.conns[registered] = struct{}{}

	require.Equal(t, []*Conn{registered}, Single(registered)(srv))
	require.Nil(t, Single(unregistered)(srv))
}
