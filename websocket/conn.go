package websocket

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ConnState is the lifecycle state of a connection engine.
// A connection moves strictly forward through this sequence; it never
// revisits an earlier state.
type ConnState int32

const (
	// StateAccepted is the state from the moment the TCP connection is
	// accepted until the HTTP upgrade handshake completes.
	StateAccepted ConnState = iota

	// StateUpgraded is the state once the 101 Switching Protocols response
	// has been written; application data frames flow in this state.
	StateUpgraded

	// StateClosing is the state from the moment a close has been
	// requested (by either side, by a timeout, or by an error) until the
	// Close frame has actually gone out and the socket has been released.
	StateClosing

	// StateClosed is the terminal state; the socket is released and no
	// further activity occurs on this connection.
	StateClosed
)

// String returns the human-readable name of the connection state.
func (s ConnState) String() string {
	switch s {
	case StateAccepted:
		return "Accepted"
	case StateUpgraded:
		return "Upgraded"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// outboxCapacity is the buffer depth of a connection's outbound queue.
// Sends beyond this depth block the producer until the writer catches up,
// which is the intended backpressure: a slow reader on the far end should
// not let an unbounded queue grow on this end.
const outboxCapacity = 64

// Conn is one accepted TCP connection running the WebSocket engine: a
// reader activity, a writer activity, and (if enabled) a pinger activity,
// coordinated through the state machine in ConnState.
type Conn struct {
	id         string
	netConn    net.Conn
	reader     *bufio.Reader
	server     *Server
	log        zerolog.Logger
	remoteAddr string

	state atomic.Int32

	started atomic.Bool
	wg      sync.WaitGroup

	outbox chan pendingMessage
	pongCh chan struct{}

	disconnecting atomic.Bool
	closeStarted  atomic.Bool
	finalizeOnce  sync.Once
	closedCh      chan struct{}

	closeReason DisconnectReason
	closeKind   ErrorKind
	closeText   string

	pingMu     sync.Mutex
	lastPingMs atomic.Int64
}

// newConn constructs a Conn wrapping an already-accepted net.Conn. It is the
// default ConnFactory; hosts that need custom per-connection state can
// install their own factory on Server.
func newConn(netConn net.Conn, srv *Server) *Conn {
	addr := netConn.RemoteAddr().String()
	c := &Conn{
		id:         addr,
		netConn:    netConn,
		reader:     bufio.NewReader(netConn),
		server:     srv,
		remoteAddr: addr,
		outbox:     make(chan pendingMessage, outboxCapacity),
		pongCh:     make(chan struct{}, 1),
		closedCh:   make(chan struct{}),
	}
	c.lastPingMs.Store(-1)
	c.log = pkgLogger.With().Str("component", "ws-conn").Str("remote", addr).Logger()
	return c
}

// ID returns a stable identifier for this connection, derived from the
// remote address observed at accept time.
func (c *Conn) ID() string { return c.id }

// RemoteAddr returns the remote address observed when the connection was
// accepted.
func (c *Conn) RemoteAddr() string { return c.remoteAddr }

// State returns the connection's current lifecycle state.
func (c *Conn) State() ConnState { return ConnState(c.state.Load()) }

// setState moves the connection forward to s. A request to move to s from
// a state at or past s is ignored, so concurrent activities cannot move the
// state backward.
func (c *Conn) setState(s ConnState) {
	for {
		cur := c.state.Load()
		if int32(s) <= cur || c.state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

// LastPing returns the round-trip time in milliseconds measured by the most
// recently completed Ping call, or -1 if no ping has completed yet.
func (c *Conn) LastPing() int { return int(c.lastPingMs.Load()) }

// Handle runs the connection's reader, writer, and (if configured) pinger
// activities and blocks until all of them have terminated. It must be
// called exactly once per connection; a second call returns
// ErrAlreadyConnected immediately.
func (c *Conn) Handle() error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyConnected
	}

	c.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()

	if c.server.options.AutoPing.Enabled {
		c.wg.Add(1)
		go c.pingLoop()
	}

	c.wg.Wait()
	return nil
}

// QueueSendText enqueues a text message for delivery. It returns
// ErrNotConnected if the connection is not in a state that accepts new
// outbound messages.
func (c *Conn) QueueSendText(text string) error {
	return c.queueSend(opcodeText, []byte(text))
}

// QueueSendBinary enqueues a binary message for delivery. It returns
// ErrNotConnected if the connection is not in a state that accepts new
// outbound messages.
func (c *Conn) QueueSendBinary(data []byte) error {
	return c.queueSend(opcodeBinary, data)
}

func (c *Conn) queueSend(opcode byte, payload []byte) error {
	if c.disconnecting.Load() {
		return ErrNotConnected
	}
	switch c.State() {
	case StateUpgraded, StateClosing:
	default:
		return ErrNotConnected
	}

	select {
	case c.outbox <- pendingMessage{opcode: opcode, payload: payload}:
		return nil
	case <-c.closedCh:
		return ErrNotConnected
	}
}

// Ping sends a Ping frame and waits up to timeoutMs for the matching Pong.
// It returns the measured round-trip time in milliseconds, or -1 if the
// timeout elapses, if a disconnect has already begun when Ping is called,
// or if the connection reaches Closed before the Pong arrives. A disconnect
// that begins while Ping is waiting ends the wait only once the connection
// is Closed, not when it enters Closing.
func (c *Conn) Ping(timeoutMs int) int {
	c.pingMu.Lock()
	defer c.pingMu.Unlock()

	select {
	case <-c.pongCh: // drain any stale signal from a prior, abandoned wait
	default:
	}

	if err := c.queueSend(opcodePing, nil); err != nil {
		return -1
	}

	start := time.Now()
	select {
	case <-c.pongCh:
		ms := int(time.Since(start).Milliseconds())
		c.lastPingMs.Store(int64(ms))
		return ms
	case <-time.After(time.Duration(timeoutMs) * time.Millisecond):
		return -1
	case <-c.closedCh:
		return -1
	}
}

// Disconnect begins a clean shutdown of the connection: it freezes new
// sends, waits for anything already queued to drain, writes a single Close
// frame carrying the code derived from reason/kind, and waits for the
// teardown to finish before returning. It is idempotent: once a connection
// starts closing, later calls (with any reason) simply wait for the first
// close to finish.
func (c *Conn) Disconnect(reason DisconnectReason, reasonText string, kind ErrorKind) {
	if c.closeStarted.CompareAndSwap(false, true) {
		c.closeReason, c.closeKind, c.closeText = reason, kind, reasonText
		c.disconnecting.Store(true)
		c.setState(StateClosing)

		payload := buildClosePayload(reason, kind, reasonText)
		select {
		case c.outbox <- pendingMessage{opcode: opcodeClose, payload: payload}:
		case <-c.closedCh:
			// The writer already tore down via abortFromWriter; there is
			// nothing left to enqueue.
		}
	}
	<-c.closedCh
}

// abortFromWriter is called by writeLoop itself when it cannot continue
// (a write failed, or an oversized message was dequeued). It must never
// block on c.outbox or c.closedCh, since the writer is the only consumer
// of the first and the only closer of the second.
func (c *Conn) abortFromWriter(kind ErrorKind) {
	if c.closeStarted.CompareAndSwap(false, true) {
		c.closeReason, c.closeKind, c.closeText = DisconnectError, kind, ""
		c.disconnecting.Store(true)
		c.setState(StateClosing)

		payload := buildClosePayload(DisconnectError, kind, "")
		_, _ = c.netConn.Write(encodeFrame(opcodeClose, payload, true))
	}
	c.finalize()
}

// finalize releases the socket, marks the connection Closed, removes it
// from the server's registry, and fires OnDisconnected exactly once.
func (c *Conn) finalize() {
	c.finalizeOnce.Do(func() {
		c.setState(StateClosed)
		_ = c.netConn.Close()
		c.server.removeConn(c)
		c.server.hooks.fireOnDisconnected(c, c.closeReason, c.closeKind, c.closeText)
		close(c.closedCh)
	})
}

// notifyPong signals a waiting Ping call that a Pong frame arrived. It
// never blocks: a Pong that nobody is waiting for is simply dropped.
func (c *Conn) notifyPong() {
	select {
	case c.pongCh <- struct{}{}:
	default:
	}
}

func (c *Conn) readLoop() {
	defer c.wg.Done()

	for {
		if c.disconnecting.Load() {
			return
		}

		switch c.State() {
		case StateAccepted:
			request, err := c.readHandshakeRequest()
			if err != nil {
				c.Disconnect(DisconnectError, "", ErrorKindStreamDisposed)
				return
			}
			if err := c.performHandshake(request); err != nil {
				c.Disconnect(DisconnectError, "", ErrorKindUpgradeFail)
				return
			}
			c.setState(StateUpgraded)
			c.server.hooks.fireOnUpgraded(c)

		case StateUpgraded:
			f, err := decodeFrame(c.reader, uint64(c.server.options.Messaging.MaxMessageReceiveBytes))
			if err != nil {
				if err == errPayloadTooLarge {
					c.Disconnect(DisconnectError, "", ErrorKindMessageTooLarge)
				} else {
					c.Disconnect(DisconnectError, "", ErrorKindStreamDisposed)
				}
				return
			}

			if !f.fin {
				c.Disconnect(DisconnectError, "", ErrorKindMessageUnfinished)
				return
			}
			if !f.masked {
				c.Disconnect(DisconnectError, "", ErrorKindMissingMask)
				return
			}

			switch f.opcode {
			case opcodeText:
				text := string(f.payload)
				if text == c.server.options.DisconnectPhrase {
					c.Disconnect(DisconnectRequested, "", ErrorKindNone)
					return
				}
				c.server.hooks.fireOnMessage(c, text)
			case opcodeBinary:
				c.server.hooks.fireOnData(c, f.payload)
			case opcodeClose:
				c.Disconnect(DisconnectRequested, "", ErrorKindNone)
				return
			case opcodePing:
				// This core answers pings with nothing; see the decision
				// recorded against automatic Pong replies.
			case opcodePong:
				c.notifyPong()
			default:
				// opcodeContinuation and any reserved opcode (0x3-0x7,
				// 0xB-0xF) are structurally valid frames this engine has no
				// handling for; they are observed and dropped rather than
				// closing the connection.
			}

		default:
			return
		}
	}
}

// readHandshakeRequest reads the request-line-and-headers block of an
// HTTP/1.1 request, stopping at the blank line that terminates it.
func (c *Conn) readHandshakeRequest() (string, error) {
	var buf []byte
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return "", err
		}
		buf = append(buf, line...)
		if line == "\r\n" || line == "\n" {
			break
		}
	}
	return string(buf), nil
}

func (c *Conn) performHandshake(request string) error {
	if !isUpgradeRequest(request) {
		return fmt.Errorf("websocket: not an upgrade request")
	}

	headers := parseRequestHeaders(request)
	key, ok := headers["Sec-WebSocket-Key"]
	if !ok || key == "" {
		return fmt.Errorf("websocket: missing Sec-WebSocket-Key")
	}

	if c.server.hooks.VerifyHandshake != nil && !c.server.hooks.VerifyHandshake(headers, request) {
		return fmt.Errorf("websocket: handshake rejected by host")
	}

	response := buildHandshakeResponse(key)
	if _, err := c.netConn.Write([]byte(response)); err != nil {
		return err
	}
	return nil
}

func (c *Conn) writeLoop() {
	defer c.wg.Done()

	for {
		msg := <-c.outbox

		switch msg.opcode {
		case opcodeClose:
			_, _ = c.netConn.Write(encodeFrame(opcodeClose, msg.payload, true))
			c.finalize()
			return

		case opcodePing, opcodePong:
			if _, err := c.netConn.Write(encodeFrame(msg.opcode, msg.payload, true)); err != nil {
				c.abortFromWriter(ErrorKindWriteError)
				return
			}

		default: // text, binary
			if len(msg.payload) > c.server.options.Messaging.MaxMessageSendBytes {
				c.abortFromWriter(ErrorKindMessageTooLarge)
				return
			}
			frames := splitFrames(msg.opcode, msg.payload, c.server.options.Messaging.MaxFrameSendBytes)
			for _, fr := range frames {
				if _, err := c.netConn.Write(fr); err != nil {
					c.abortFromWriter(ErrorKindWriteError)
					return
				}
			}
		}
	}
}

func (c *Conn) pingLoop() {
	defer c.wg.Done()

	opts := c.server.options.AutoPing
	interval := time.Duration(opts.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = DefaultAutoPingIntervalSeconds * time.Second
	}
	timeoutMs := opts.TimeoutSeconds * 1000

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closedCh:
			return
		case <-ticker.C:
			if c.State() != StateUpgraded {
				continue
			}
			if ms := c.Ping(timeoutMs); ms == -1 {
				c.Disconnect(DisconnectTimeout, "", ErrorKindNone)
				return
			}
		}
	}
}
