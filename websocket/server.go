package websocket

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Hooks are the application-supplied callbacks a Server invokes over a
// connection's lifetime. Any of them may be left nil; OnMessage
// and OnData recover from a panic, disconnect the offending connection with
// ErrorKindHandlingException, and log the recovered value instead of
// letting it crash the accept loop's goroutine tree.
type Hooks struct {
	// OnConnected fires once a TCP connection has been accepted and
	// registered, before the HTTP upgrade handshake runs.
	OnConnected func(c *Conn)

	// OnUpgraded fires once the 101 Switching Protocols response has been
	// written.
	OnUpgraded func(c *Conn)

	// OnMessage fires for each complete text frame (other than the
	// configured disconnect phrase).
	OnMessage func(c *Conn, text string)

	// OnData fires for each complete binary frame.
	OnData func(c *Conn, data []byte)

	// OnDisconnected fires exactly once per connection, after the socket
	// has been released and the connection removed from the registry.
	OnDisconnected func(c *Conn, reason DisconnectReason, kind ErrorKind, reasonText string)

	// VerifyHandshake, if set, decides whether an upgrade request is
	// accepted. A nil VerifyHandshake accepts every well-formed request.
	VerifyHandshake VerifyHandshakeFunc
}

func (h Hooks) fireOnConnected(c *Conn) {
	if h.OnConnected != nil {
		h.OnConnected(c)
	}
}

func (h Hooks) fireOnUpgraded(c *Conn) {
	if h.OnUpgraded != nil {
		h.OnUpgraded(c)
	}
}

func (h Hooks) fireOnMessage(c *Conn, text string) {
	if h.OnMessage == nil {
		return
	}
	defer h.recoverInto(c)
	h.OnMessage(c, text)
}

func (h Hooks) fireOnData(c *Conn, data []byte) {
	if h.OnData == nil {
		return
	}
	defer h.recoverInto(c)
	h.OnData(c, data)
}

// recoverInto turns a panicking hook into a clean disconnect instead of
// crashing the reader goroutine: a hook panic has no caller left to
// propagate to once it has already escaped past this package, so it logs
// the panic value through the connection's scoped logger and disconnects
// instead of re-panicking.
func (h Hooks) recoverInto(c *Conn) {
	if r := recover(); r != nil {
		c.log.Error().Interface("panic", r).Msg("recovered panic from message hook")
		c.Disconnect(DisconnectError, fmt.Sprint(r), ErrorKindHandlingException)
	}
}

func (h Hooks) fireOnDisconnected(c *Conn, reason DisconnectReason, kind ErrorKind, reasonText string) {
	if h.OnDisconnected != nil {
		h.OnDisconnected(c, reason, kind, reasonText)
	}
}

// ConnFactory constructs the Conn wrapping a freshly accepted net.Conn. A
// host that needs extra per-connection state can install a custom factory
// on Server before calling Start.
type ConnFactory func(netConn net.Conn, srv *Server) *Conn

// Server is the supervisor that binds a listener, accepts connections, and
// multiplexes the resulting Conn engines. One Server
// corresponds to one bound address; it is safe for concurrent use by
// multiple goroutines.
type Server struct {
	options Options
	hooks   Hooks
	factory ConnFactory
	log     zerolog.Logger

	listener net.Listener
	addr     string

	mu    sync.RWMutex
	conns map[*Conn]struct{}

	activity sync.WaitGroup

	running       atomic.Bool
	stopRequested atomic.Bool
	acceptDone    chan struct{}
}

// NewServer builds a Server from the given options and hooks. A zero-valued
// DisconnectPhrase or Messaging size limit is filled with its package
// default; other fields are used as given.
func NewServer(opts Options, hooks Hooks) *Server {
	return &Server{
		options: opts.withDefaults(),
		hooks:   hooks,
		factory: newConn,
		conns:   make(map[*Conn]struct{}),
		log:     pkgLogger.With().Str("component", "ws-server").Logger(),
	}
}

// SetConnFactory installs a custom ConnFactory. It must be called before
// Start.
func (s *Server) SetConnFactory(f ConnFactory) {
	if f != nil {
		s.factory = f
	}
}

// Addr returns the address the listener is bound to. It is only meaningful
// after a successful Start.
func (s *Server) Addr() string { return s.addr }

// Start binds the listener configured by Options and begins accepting
// connections in the background. It returns ErrAlreadyRunning if the server
// is already running.
func (s *Server) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	addr := fmt.Sprintf("%s:%d", s.options.BindAddress, s.options.BindPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.running.Store(false)
		return err
	}

	s.listener = ln
	s.addr = ln.Addr().String()
	s.stopRequested.Store(false)
	s.acceptDone = make(chan struct{})

	s.activity.Add(1)
	go s.acceptLoop()

	s.log.Info().Str("addr", s.addr).Msg("listening")
	return nil
}

func (s *Server) acceptLoop() {
	defer s.activity.Done()
	defer close(s.acceptDone)

	tcpListener, canDeadline := s.listener.(*net.TCPListener)

	for {
		if s.stopRequested.Load() {
			return
		}
		if canDeadline {
			_ = tcpListener.SetDeadline(time.Now().Add(500 * time.Millisecond))
		}

		netConn, err := s.listener.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if s.stopRequested.Load() {
				return
			}
			s.log.Error().Err(err).Msg("accept failed")
			continue
		}

		if _, err := s.AcceptClient(netConn); err != nil {
			_ = netConn.Close()
		}
	}
}

// AcceptClient registers an already-accepted net.Conn and starts driving
// its Conn.Handle in the background. It is called by the internal accept
// loop, and may also be called directly by a host that obtained a net.Conn
// some other way (e.g. a test harness using net.Pipe). It returns
// ErrNotRunning if the server is not currently running.
func (s *Server) AcceptClient(netConn net.Conn) (*Conn, error) {
	if !s.running.Load() {
		return nil, ErrNotRunning
	}

	c := s.factory(netConn, s)

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	s.hooks.fireOnConnected(c)

	s.activity.Add(1)
	go func() {
		defer s.activity.Done()
		_ = c.Handle()
	}()

	return c, nil
}

// DisconnectClient initiates a clean close of one connection registered
// with this server. It returns ErrNotInServer if conn is not (or no
// longer) registered.
func (s *Server) DisconnectClient(c *Conn, reason DisconnectReason, reasonText string) error {
	if !s.contains(c) {
		return ErrNotInServer
	}
	c.Disconnect(reason, reasonText, ErrorKindNone)
	return nil
}

// PingClient pings one connection registered with this server and returns
// its measured round-trip time, or -1 on timeout. It returns ErrNotInServer
// if conn is not (or no longer) registered.
func (s *Server) PingClient(c *Conn, timeoutMs int) (int, error) {
	if !s.contains(c) {
		return -1, ErrNotInServer
	}
	return c.Ping(timeoutMs), nil
}

// QueueSendText enqueues a text message for delivery to every connection
// selected by sel. Per-connection failures (e.g. a connection that closed
// moments before delivery) are not reported; they surface later as that
// connection's own OnDisconnected.
func (s *Server) QueueSendText(sel Selector, text string) {
	for _, c := range sel(s) {
		_ = c.QueueSendText(text)
	}
}

// QueueSendBinary enqueues a binary message for delivery to every
// connection selected by sel.
func (s *Server) QueueSendBinary(sel Selector, data []byte) {
	for _, c := range sel(s) {
		_ = c.QueueSendBinary(data)
	}
}

// Stop requests a clean shutdown: it stops accepting new connections,
// disconnects every registered connection with DisconnectServerShutdown,
// waits for all of their Handle calls to return, and releases the
// listener. It is idempotent; calling Stop on a server that is not running
// is a no-op.
func (s *Server) Stop() error {
	if !s.running.Load() {
		return nil
	}

	s.stopRequested.Store(true)
	<-s.acceptDone

	peers := s.snapshot(func(*Conn) bool { return true })
	var wg sync.WaitGroup
	for _, c := range peers {
		wg.Add(1)
		go func(c *Conn) {
			defer wg.Done()
			c.Disconnect(DisconnectServerShutdown, "Server is shutting down", ErrorKindNone)
		}(c)
	}
	wg.Wait()

	s.activity.Wait()

	err := s.listener.Close()
	s.running.Store(false)
	s.log.Info().Msg("stopped")
	return err
}

func (s *Server) removeConn(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) contains(c *Conn) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.conns[c]
	return ok
}

// snapshot returns a point-in-time slice of every registered connection for
// which keep returns true. Taking a snapshot rather than exposing the live
// registry means a concurrent accept or teardown never races a caller that
// is iterating the result.
func (s *Server) snapshot(keep func(*Conn) bool) []*Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		if keep(c) {
			out = append(out, c)
		}
	}
	return out
}
