package websocket

// Selector identifies which connections a Server.QueueSendText or
// Server.QueueSendBinary broadcast targets. Selectors are reified as
// snapshots at call time rather than lazy sequences, so a concurrent accept
// or teardown never races an in-progress broadcast.
type Selector func(s *Server) []*Conn

// All selects every connection record the server knows about, regardless
// of state.
func All(s *Server) []*Conn {
	return s.snapshot(func(*Conn) bool { return true })
}

// AllUpgraded selects connections currently in the Upgraded state; only
// these can receive application data.
func AllUpgraded(s *Server) []*Conn {
	return s.snapshot(func(c *Conn) bool { return c.State() == StateUpgraded })
}

// Single selects exactly one connection record, if it is still registered
// with s.
func Single(conn *Conn) Selector {
	return func(s *Server) []*Conn {
		if !s.contains(conn) {
			return nil
		}
		return []*Conn{conn}
	}
}
