package pop3

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/krdev/pop3sclient/pkg/metrics"
)

const (
	// MaxLineLength is the default cap on a single response line,
	// CRLF included. Lines beyond it terminate the connection.
	MaxLineLength = 8192

	// DefaultConnectTimeout bounds dialing and the TLS handshake when
	// the caller passes no explicit connect timeout.
	DefaultConnectTimeout = 30 * time.Second

	writeDeadline = 30 * time.Second
)

// TransportHandler receives the events of one connection. All methods
// are invoked from transport-owned goroutines; implementations must
// not block for long.
type TransportHandler interface {
	// HandleLine delivers one response line, CRLF stripped.
	HandleLine(line string)
	// HandleTimeout reports that the inactivity window elapsed with no
	// traffic in either direction. The connection stays open; closing
	// it is the handler's decision.
	HandleTimeout()
	// HandleClosed reports that the connection is gone. It is the
	// final event for a connection. err is nil when the close was
	// requested locally or the peer shut down cleanly.
	HandleClosed(err error)
}

// ConnectOptions carry the per-connection deadlines.
type ConnectOptions struct {
	// ConnectTimeout bounds the dial including the TLS handshake.
	// Zero selects DefaultConnectTimeout.
	ConnectTimeout time.Duration
	// InactivityTimeout arms the idle watchdog. Zero disables it.
	InactivityTimeout time.Duration
}

// Transport drives one line-delimited connection at a time: it dials,
// splits inbound traffic into lines, watches for inactivity and hands
// every event to the TransportHandler. A Transport may be reconnected
// after the previous connection reported HandleClosed.
type Transport interface {
	Connect(ctx context.Context, host string, port int, opts ConnectOptions, h TransportHandler) error
	Write(p []byte) error
	Close() error
}

// TransportOptions configure the transport built by NewTransport.
type TransportOptions struct {
	// TLSConfig is cloned for each connection; ServerName is filled in
	// from the dialed host when unset. nil selects library defaults.
	TLSConfig *tls.Config
	// Plaintext disables TLS entirely. Intended for tests against
	// loopback servers, never for production traffic.
	Plaintext bool
	// MaxLineLength overrides MaxLineLength when positive.
	MaxLineLength int
}

// netTransport is the TCP+TLS transport used by real sessions.
type netTransport struct {
	opts TransportOptions

	mu       sync.Mutex
	conn     net.Conn
	watchdog *time.Timer
	idle     time.Duration
	closed   bool
}

// NewTransport builds the standard TLS transport.
func NewTransport(opts TransportOptions) Transport {
	return &netTransport{opts: opts}
}

func (t *netTransport) Connect(ctx context.Context, host string, port int, opts ConnectOptions, h TransportHandler) error {
	t.mu.Lock()
	if t.conn != nil {
		t.mu.Unlock()
		return errors.New("transport already connected")
	}
	t.closed = false
	t.mu.Unlock()

	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	dialer := &net.Dialer{}
	var conn net.Conn
	var err error
	if t.opts.Plaintext {
		conn, err = dialer.DialContext(dialCtx, "tcp", addr)
	} else {
		cfg := t.opts.TLSConfig
		if cfg == nil {
			cfg = &tls.Config{}
		} else {
			cfg = cfg.Clone()
		}
		if cfg.ServerName == "" {
			cfg.ServerName = host
		}
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: cfg}
		conn, err = tlsDialer.DialContext(dialCtx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}

	t.mu.Lock()
	if t.closed {
		// Close raced the dial; the connection was never handed out.
		t.mu.Unlock()
		conn.Close()
		return net.ErrClosed
	}
	t.conn = conn
	t.idle = opts.InactivityTimeout
	if t.idle > 0 {
		t.watchdog = time.AfterFunc(t.idle, func() { t.onIdle(h) })
	}
	t.mu.Unlock()

	go t.readLoop(conn, h)
	return nil
}

// readLoop splits the inbound stream into lines and delivers them
// until the connection ends. bufio.Scanner tolerates bare LF line
// endings; well-behaved servers always send CRLF.
func (t *netTransport) readLoop(conn net.Conn, h TransportHandler) {
	maxLine := t.opts.MaxLineLength
	if maxLine <= 0 {
		maxLine = MaxLineLength
	}
	// Scanner treats the larger of max and cap(buf) as the limit, so
	// the initial buffer must not exceed maxLine.
	bufCap := 1024
	if maxLine < bufCap {
		bufCap = maxLine
	}
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, bufCap), maxLine)

	for scanner.Scan() {
		t.touch()
		line := scanner.Text()
		metrics.BytesTransferred.WithLabelValues("in").Add(float64(len(line) + 2))
		h.HandleLine(line)
	}

	err := scanner.Err()
	if errors.Is(err, bufio.ErrTooLong) {
		err = ErrLineTooLong
	}

	// Only tear down transport state still owned by this connection; a
	// Close may have detached it already and a new dial may own the
	// slot by now.
	t.mu.Lock()
	requested := t.closed
	if t.conn == conn {
		t.closed = true
		t.conn = nil
		if t.watchdog != nil {
			t.watchdog.Stop()
			t.watchdog = nil
		}
	}
	t.mu.Unlock()

	conn.Close()
	if requested || errors.Is(err, net.ErrClosed) {
		err = nil
	}
	h.HandleClosed(err)
}

func (t *netTransport) onIdle(h TransportHandler) {
	t.mu.Lock()
	if t.closed || t.conn == nil || t.watchdog == nil {
		t.mu.Unlock()
		return
	}
	t.watchdog.Reset(t.idle)
	t.mu.Unlock()
	h.HandleTimeout()
}

// touch re-arms the idle watchdog. Called on every read and write.
func (t *netTransport) touch() {
	t.mu.Lock()
	if t.watchdog != nil && !t.closed {
		t.watchdog.Reset(t.idle)
	}
	t.mu.Unlock()
}

func (t *netTransport) Write(p []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return net.ErrClosed
	}
	if err := conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if _, err := conn.Write(p); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	metrics.BytesTransferred.WithLabelValues("out").Add(float64(len(p)))
	t.touch()
	return nil
}

func (t *netTransport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.closed = true
	if t.watchdog != nil {
		t.watchdog.Stop()
		t.watchdog = nil
	}
	t.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}
