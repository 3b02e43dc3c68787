package websocket

// Default configuration values.
const (
	DefaultDisconnectPhrase        = "disconnect"
	DefaultMaxMessageReceiveBytes  = 32768
	DefaultMaxMessageSendBytes     = 65535
	DefaultMaxFrameSendBytes       = 16384
	DefaultAutoPingIntervalSeconds = 30
	DefaultAutoPingTimeoutSeconds  = 10
)

// AutoPingOptions configures the pinger activity.
type AutoPingOptions struct {
	// Enabled starts a pinger activity per connection when true.
	Enabled bool

	// IntervalSeconds is the time between pings.
	IntervalSeconds int

	// TimeoutSeconds bounds how long the pinger waits for a Pong before
	// treating the connection as dead.
	TimeoutSeconds int
}

// MessagingOptions bounds frame and message sizes.
type MessagingOptions struct {
	// MaxMessageReceiveBytes is the largest inbound message the reader
	// accepts before closing with ErrorKindMessageTooLarge.
	MaxMessageReceiveBytes int

	// MaxMessageSendBytes is the largest outbound message (pre-split)
	// the writer will emit before closing with ErrorKindMessageTooLarge.
	MaxMessageSendBytes int

	// MaxFrameSendBytes bounds the size (including the reserved header
	// allowance) of each individual frame the writer emits; larger
	// messages are split into continuation frames.
	MaxFrameSendBytes int

	// MaxReceiveStackBytes and MaxSendStackBytes are advisory ceilings an
	// implementation may use to decide between stack and heap allocation
	// for frame buffers. This Go port ignores them; they exist only so
	// Options round-trips a host's existing configuration unchanged.
	MaxReceiveStackBytes int
	MaxSendStackBytes    int
}

// Options configures a Server. It is a plain configuration record built by
// the embedding host; there is no fluent builder API.
type Options struct {
	// BindAddress is the interface address to listen on, e.g. "0.0.0.0"
	// or "127.0.0.1". Empty means all interfaces.
	BindAddress string

	// BindPort is the TCP port to listen on. 0 lets the OS pick a free
	// port (useful for tests); the bound address is available from
	// Server.Addr after Start.
	BindPort int

	// DisconnectPhrase is a text payload whose receipt triggers a clean
	// close with DisconnectRequested. Defaults to "disconnect".
	DisconnectPhrase string

	AutoPing  AutoPingOptions
	Messaging MessagingOptions
}

// DefaultOptions returns an Options populated with the package's default
// values, bound to an ephemeral local port.
func DefaultOptions() Options {
	return Options{
		BindAddress:      "127.0.0.1",
		BindPort:         0,
		DisconnectPhrase: DefaultDisconnectPhrase,
		AutoPing: AutoPingOptions{
			Enabled:         false,
			IntervalSeconds: DefaultAutoPingIntervalSeconds,
			TimeoutSeconds:  DefaultAutoPingTimeoutSeconds,
		},
		Messaging: MessagingOptions{
			MaxMessageReceiveBytes: DefaultMaxMessageReceiveBytes,
			MaxMessageSendBytes:    DefaultMaxMessageSendBytes,
			MaxFrameSendBytes:      DefaultMaxFrameSendBytes,
		},
	}
}

// withDefaults fills any zero-valued field that must not be zero with its
// default. Called once by NewServer.
func (o Options) withDefaults() Options {
	if o.DisconnectPhrase == "" {
		o.DisconnectPhrase = DefaultDisconnectPhrase
	}
	if o.Messaging.MaxMessageReceiveBytes == 0 {
		o.Messaging.MaxMessageReceiveBytes = DefaultMaxMessageReceiveBytes
	}
	if o.Messaging.MaxMessageSendBytes == 0 {
		o.Messaging.MaxMessageSendBytes = DefaultMaxMessageSendBytes
	}
	if o.Messaging.MaxFrameSendBytes == 0 {
		o.Messaging.MaxFrameSendBytes = DefaultMaxFrameSendBytes
	}
	return o
}
