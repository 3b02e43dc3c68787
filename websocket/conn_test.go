package websocket

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	shortTimeout = 2 * time.Second
	shortTick    = 10 * time.Millisecond
)

// newTestConn builds a Conn over a net.Pipe and drains whatever the server
// writes to it in the background, since net.Pipe is unbuffered and would
// otherwise block the writer activity's Write calls forever once nothing
// reads the other end.
func newTestConn(t *testing.T, opts Options) *Conn {
	t.Helper()
	server := NewServer(opts, Hooks{})
	clientSide, serverSide := net.Pipe()
	t.Cleanup(func() { _ = clientSide.Close() })
	go io.Copy(io.Discard, clientSide)
	return newConn(serverSide, server)
}

func TestConn_InitialState(t *testing.T) {
	c := newTestConn(t, DefaultOptions())
	require.Equal(t, StateAccepted, c.State())
	require.Equal(t, -1, c.LastPing())
}

func TestConn_QueueSendBeforeUpgradeFails(t *testing.T) {
	c := newTestConn(t, DefaultOptions())
	require.ErrorIs(t, c.QueueSendText("too early"), ErrNotConnected)
}

func TestConn_QueueSendAfterUpgradeSucceeds(t *testing.T) {
	c := newTestConn(t, DefaultOptions())
	c.setState(StateUpgraded)

	go c.writeLoop()

	require.NoError(t, c.QueueSendText("hi"))
}

func TestConn_HandleTwiceFails(t *testing.T) {
	c := newTestConn(t, DefaultOptions())

	go func() { _ = c.Handle() }()
	// A second call must observe the already-started flag regardless of
	// how far the first call's goroutines have progressed.
	require.Eventually(t, func() bool {
		return c.Handle() == ErrAlreadyConnected
	}, shortTimeout, shortTick)

	c.Disconnect(DisconnectRequested, "", ErrorKindNone)
}

func TestConn_DisconnectIsIdempotent(t *testing.T) {
	c := newTestConn(t, DefaultOptions())
	c.setState(StateUpgraded)
	go c.writeLoop()

	done := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		go func() {
			c.Disconnect(DisconnectRequested, "", ErrorKindNone)
			done <- struct{}{}
		}()
	}

	<-done
	<-done
	require.Equal(t, StateClosed, c.State())
}

func TestConn_StateString(t *testing.T) {
	cases := map[ConnState]string{
		StateAccepted: "Accepted",
		StateUpgraded: "Upgraded",
		StateClosing:  "Closing",
		StateClosed:   "Closed",
		ConnState(99): "Unknown",
	}
	for state, want := range cases {
		require.Equal(t, want, state.String())
	}
}
