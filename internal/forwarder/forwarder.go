// Package forwarder owns the single outbound TCP connection of a session.
//
// A Forwarder is single-use. It resolves its host once, connects once and
// never reconnects:
//
//	Idle -> Connecting -> Streaming -> Closed
//	          |              |
//	          +-> Failed <---+
package forwarder

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"gpsd-forwarder/internal/gpsd"
)

// State is the connection lifecycle.
type State int

const (
	Idle State = iota
	Connecting
	Streaming
	Closed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Streaming:
		return "streaming"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == Closed || s == Failed }

// Target is the resolved server endpoint.
type Target struct {
	IP   net.IP
	Port int
}

func (t Target) String() string {
	if t.IP == nil {
		return ""
	}
	return net.JoinHostPort(t.IP.String(), strconv.Itoa(t.Port))
}

// ResolveFunc turns a host name or literal into one IP address.
type ResolveFunc func(ctx context.Context, host string) (net.IP, error)

// DialFunc opens a stream connection.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

type Config struct {
	// Resolve defaults to the system resolver, preferring IPv4.
	Resolve ResolveFunc
	// Dial defaults to a net.Dialer with no timeout.
	Dial   DialFunc
	Logger *zerolog.Logger
}

// Snapshot is a point-in-time view for status pages.
type Snapshot struct {
	State        string `json:"state"`
	Host         string `json:"host,omitempty"`
	Target       string `json:"target,omitempty"`
	Local        string `json:"local,omitempty"`
	BytesSent    uint64 `json:"bytes_sent"`
	LinesSent    uint64 `json:"lines_sent"`
	ConnectedUTC string `json:"connected_utc,omitempty"`
	LastWriteUTC string `json:"last_write_utc,omitempty"`
	LastError    string `json:"last_error,omitempty"`
}

type Forwarder struct {
	resolve ResolveFunc
	dial    DialFunc
	log     zerolog.Logger

	mu          sync.Mutex
	state       State
	host        string
	target      Target
	conn        *countingConn
	cancel      context.CancelFunc
	lastErr     string
	connectedAt time.Time
	lastWrite   time.Time

	// sendMu keeps lines whole when Send is called concurrently.
	sendMu sync.Mutex
	lines  atomic.Uint64
}

func New(cfg Config) *Forwarder {
	f := &Forwarder{resolve: cfg.Resolve, dial: cfg.Dial}
	if f.resolve == nil {
		f.resolve = ResolveIP
	}
	if f.dial == nil {
		var d net.Dialer
		f.dial = d.DialContext
	}
	l := log.Logger
	if cfg.Logger != nil {
		l = *cfg.Logger
	}
	f.log = l.With().Str("module", "forwarder").Logger()
	return f
}

// ResolveIP looks host up with the system resolver and returns the first
// IPv4 address, or the first address of any family when there is none.
func ResolveIP(ctx context.Context, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	for _, a := range addrs {
		if v4 := a.IP.To4(); v4 != nil {
			return v4, nil
		}
	}
	if len(addrs) == 0 {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	return addrs[0].IP, nil
}

// Start resolves host and connects to it. It blocks until the connection
// is up, resolution or dialing fails, ctx is done, or Stop is called. There
// is no timeout of its own.
//
// If Stop runs while Start is blocked, Start returns ErrStopped and any
// connection that arrives late is closed.
func (f *Forwarder) Start(ctx context.Context, host string, port int) error {
	f.mu.Lock()
	if f.state != Idle {
		f.mu.Unlock()
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.host = host
	f.state = Connecting
	f.mu.Unlock()

	f.log.Debug().Str("host", host).Int("port", port).Msg("resolving")
	ip, err := f.resolve(runCtx, host)

	f.mu.Lock()
	if f.state != Connecting {
		f.mu.Unlock()
		return ErrStopped
	}
	if err == nil && ip == nil {
		err = errors.New("no address")
	}
	if err != nil {
		f.failLocked(err)
		f.mu.Unlock()
		return &UnresolvedHostError{Host: host, Err: err}
	}
	target := Target{IP: ip, Port: port}
	f.target = target
	f.mu.Unlock()

	f.log.Debug().Str("target", target.String()).Msg("dialing")
	conn, err := f.dial(runCtx, "tcp", target.String())

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != Connecting {
		if conn != nil {
			_ = conn.Close()
		}
		return ErrStopped
	}
	if err != nil {
		f.failLocked(err)
		return &ConnectError{Target: target, Err: err}
	}
	f.conn = &countingConn{Conn: conn}
	f.state = Streaming
	f.connectedAt = time.Now().UTC()
	f.log.Info().Str("target", target.String()).Msg("streaming")
	return nil
}

func (f *Forwarder) failLocked(err error) {
	f.state = Failed
	f.lastErr = err.Error()
	if f.cancel != nil {
		f.cancel()
	}
	if f.conn != nil {
		_ = f.conn.Close()
	}
}

// Send writes one message as one line. It does not retry or buffer: a
// write error moves the forwarder to Failed and is returned as
// *WriteError.
func (f *Forwarder) Send(msg gpsd.Message) error {
	f.sendMu.Lock()
	defer f.sendMu.Unlock()

	f.mu.Lock()
	if f.state != Streaming {
		f.mu.Unlock()
		return ErrNotStreaming
	}
	conn := f.conn
	target := f.target
	f.mu.Unlock()

	_, err := conn.Write(msg.Line())
	if err != nil {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.state != Streaming {
			// Stop closed the socket under us.
			return ErrNotStreaming
		}
		f.failLocked(err)
		f.log.Warn().Err(err).Str("target", target.String()).Msg("write failed")
		return &WriteError{Target: target, Err: err}
	}

	f.lines.Add(1)
	f.mu.Lock()
	f.lastWrite = time.Now().UTC()
	f.mu.Unlock()
	return nil
}

// Stop closes the connection or abandons an in-flight Start. It is safe in
// any state; a Failed forwarder stays Failed.
func (f *Forwarder) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil {
		f.cancel()
	}
	if f.state.Terminal() {
		return
	}
	if f.conn != nil {
		_ = f.conn.Close()
		f.log.Debug().
			Uint64("bytes_out", f.conn.bytesOut.Load()).
			Uint64("lines_out", f.lines.Load()).
			Msg("connection closed")
	}
	f.state = Closed
}

func (f *Forwarder) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Target returns the resolved endpoint, or the zero Target before
// resolution.
func (f *Forwarder) Target() Target {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.target
}

func (f *Forwarder) Snapshot() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := Snapshot{
		State:     f.state.String(),
		Host:      f.host,
		Target:    f.target.String(),
		LinesSent: f.lines.Load(),
		LastError: f.lastErr,
	}
	if f.conn != nil {
		out.BytesSent = f.conn.bytesOut.Load()
		if la := f.conn.LocalAddr(); la != nil {
			out.Local = la.String()
		}
	}
	if !f.connectedAt.IsZero() {
		out.ConnectedUTC = f.connectedAt.Format(time.RFC3339Nano)
	}
	if !f.lastWrite.IsZero() {
		out.LastWriteUTC = f.lastWrite.Format(time.RFC3339Nano)
	}
	return out
}
