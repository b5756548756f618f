package pop3

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/krdev/pop3sclient/helpers"
	"github.com/krdev/pop3sclient/logger"
	"github.com/krdev/pop3sclient/pkg/idgen"
	"github.com/krdev/pop3sclient/pkg/metrics"
)

// State is the lifecycle position of a session.
type State int

const (
	// StateUninitialized means no usable connection: before the first
	// connect, or after a disconnect, timeout or connection loss.
	StateUninitialized State = iota
	// StateConnected means the connection is up, the greeting has been
	// consumed and the command slot is free.
	StateConnected
	// StateCommandInFlight means exactly one command is awaiting its
	// reply. The connect handshake counts: the greeting occupies the
	// slot until the banner arrives.
	StateCommandInFlight
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConnected:
		return "connected"
	case StateCommandInFlight:
		return "command-in-flight"
	default:
		return "unknown"
	}
}

// exchange pairs an in-flight command with its completion future.
type exchange struct {
	cmd     *Command
	fut     *Future
	started time.Time
}

type eventKind int

const (
	evtDialFailed eventKind = iota
	evtLine
	evtTimeout
	evtClosed
)

type event struct {
	kind eventKind
	line string
	err  error
}

// connHandler adapts transport callbacks into the event channel that a
// single session goroutine drains for the lifetime of one connection.
// Events arriving after that goroutine exits are dropped; they belong
// to a connection the session has already written off.
type connHandler struct {
	events chan event
	done   chan struct{}
}

func newConnHandler() *connHandler {
	return &connHandler{
		events: make(chan event, 32),
		done:   make(chan struct{}),
	}
}

func (h *connHandler) HandleLine(line string) { h.post(event{kind: evtLine, line: line}) }
func (h *connHandler) HandleTimeout()         { h.post(event{kind: evtTimeout}) }
func (h *connHandler) HandleClosed(err error) { h.post(event{kind: evtClosed, err: err}) }
func (h *connHandler) dialFailed(err error)   { h.post(event{kind: evtDialFailed, err: err}) }

func (h *connHandler) post(ev event) {
	select {
	case h.events <- ev:
	case <-h.done:
	}
}

// Session drives one POP3 connection with at most one command in
// flight. Callers submit work through Connect, Execute and Disconnect
// and observe completion through the returned futures; all connection
// events are serialized onto one internal goroutine, so futures are
// always resolved outside the session lock.
//
// A session is safe for concurrent use, but the protocol allows only
// one outstanding command: a second Execute before the first resolves
// fails with ErrInvalidState rather than queueing. After a disconnect
// or connection loss the same session can connect again.
type Session struct {
	id        string
	transport Transport
	debug     bool

	mu      sync.Mutex
	state   State
	addr    string
	banner  string
	current *exchange
	closing *Future
	counted bool
}

// SessionOptions configure a session built directly rather than
// through a Client.
type SessionOptions struct {
	// Transport overrides the built-in TLS transport, mainly for
	// tests. nil selects NewTransport with the options below.
	Transport Transport
	// TLSConfig is passed to the built-in transport.
	TLSConfig *tls.Config
	// Plaintext disables TLS on the built-in transport.
	Plaintext bool
	// MaxLineLength overrides the response line cap.
	MaxLineLength int
	// Debug enables per-event debug logging.
	Debug bool
}

// NewSession builds a session in the uninitialized state.
func NewSession(opts SessionOptions) *Session {
	transport := opts.Transport
	if transport == nil {
		transport = NewTransport(TransportOptions{
			TLSConfig:     opts.TLSConfig,
			Plaintext:     opts.Plaintext,
			MaxLineLength: opts.MaxLineLength,
		})
	}
	return &Session{
		id:        idgen.New(),
		transport: transport,
		debug:     opts.Debug,
	}
}

// ID returns the generated session identifier used in log lines.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Banner returns the greeting line sent by the server on the current
// connection, empty before the handshake completes. For servers that
// support APOP it contains the msg-id timestamp.
func (s *Session) Banner() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.banner
}

// Connect dials the server and returns a future that resolves once the
// greeting banner has been received and parsed. The greeting occupies
// the command slot like any other reply, so the session accepts no
// Execute until the future resolves. connectTimeout bounds the dial
// and TLS handshake; inactivityTimeout arms the idle watchdog for the
// whole connection, zero disables it.
//
// Connect fails with ErrInvalidState unless the session is
// uninitialized. A greeting of -ERR still resolves the future with
// that response; deciding to hang up is the caller's business.
func (s *Session) Connect(ctx context.Context, host string, port int, connectTimeout, inactivityTimeout time.Duration) (*Future, error) {
	s.mu.Lock()
	if s.state != StateUninitialized || s.closing != nil {
		state := s.state
		s.mu.Unlock()
		return nil, fmt.Errorf("connect in state %s: %w", state, ErrInvalidState)
	}
	fut := newFuture()
	s.current = &exchange{cmd: newGreetingCommand(), fut: fut, started: time.Now()}
	s.state = StateCommandInFlight
	s.addr = net.JoinHostPort(host, strconv.Itoa(port))
	s.banner = ""
	h := newConnHandler()
	s.mu.Unlock()

	s.DebugLog("connecting")
	go s.run(h)
	go func() {
		err := s.transport.Connect(ctx, host, port, ConnectOptions{
			ConnectTimeout:    connectTimeout,
			InactivityTimeout: inactivityTimeout,
		}, h)
		if err != nil {
			h.dialFailed(err)
		}
	}()
	return fut, nil
}

// Execute submits one command and returns the future for its reply.
// It fails synchronously with ErrInvalidState unless the session is
// connected with a free command slot. A failed write resolves the
// returned future instead; the session stays connected because nothing
// reached the server.
func (s *Session) Execute(cmd *Command) (*Future, error) {
	verb := cmd.Type().String()
	s.mu.Lock()
	if s.state != StateConnected {
		state := s.state
		s.mu.Unlock()
		return nil, fmt.Errorf("execute %s in state %s: %w", verb, state, ErrInvalidState)
	}
	if s.current != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("execute %s: command slot occupied: %w", verb, ErrInvalidState)
	}
	fut := newFuture()
	ex := &exchange{cmd: cmd, fut: fut, started: time.Now()}
	s.current = ex
	s.state = StateCommandInFlight
	s.mu.Unlock()

	if err := s.transport.Write(cmd.wireLine()); err != nil {
		// Give the slot back unless a concurrent teardown already
		// claimed the exchange; whoever removed it resolves it.
		mine := false
		s.mu.Lock()
		if s.current == ex {
			s.current = nil
			s.state = StateConnected
			mine = true
		}
		s.mu.Unlock()
		if mine {
			metrics.CommandsTotal.WithLabelValues(verb, "failed").Inc()
			s.WarnLog("%s write failed: %v", verb, err)
			fut.fail(fmt.Errorf("write %s: %w", verb, err))
		}
		return fut, nil
	}

	s.DebugLog("sent %s", commandLogLine(cmd))
	return fut, nil
}

// Disconnect closes the connection and returns a future that resolves
// once the transport has fully shut down. A command still in flight is
// failed with ErrSessionClosed; the server's reply, if any, is never
// read. Disconnect on a session that is already uninitialized fails
// with ErrInvalidState; while a previous disconnect is still draining
// it returns that disconnect's future.
func (s *Session) Disconnect() (*Future, error) {
	s.mu.Lock()
	if s.closing != nil {
		fut := s.closing
		s.mu.Unlock()
		return fut, nil
	}
	if s.state == StateUninitialized {
		s.mu.Unlock()
		return nil, fmt.Errorf("disconnect: %w", ErrInvalidState)
	}
	ex := s.current
	s.current = nil
	fut := newFuture()
	s.closing = fut
	s.state = StateUninitialized
	s.mu.Unlock()

	s.DebugLog("disconnect requested")
	if ex != nil {
		verb := ex.cmd.Type().String()
		metrics.CommandsTotal.WithLabelValues(verb, "aborted").Inc()
		ex.fut.fail(fmt.Errorf("%s aborted: %w", verb, ErrSessionClosed))
	}
	s.transport.Close()
	return fut, nil
}

// run drains connection events until the connection ends. It is the
// only goroutine that resolves futures for replies, timeouts and
// closure, which keeps the single-resolution guarantee trivial.
func (s *Session) run(h *connHandler) {
	defer close(h.done)
	for ev := range h.events {
		switch ev.kind {
		case evtLine:
			s.handleLine(ev.line)
		case evtTimeout:
			if s.handleTimeout() {
				return
			}
		case evtDialFailed, evtClosed:
			s.teardown(ev.err)
			return
		}
	}
}

func (s *Session) handleLine(line string) {
	s.mu.Lock()
	ex := s.current
	if ex == nil {
		s.mu.Unlock()
		metrics.UnexpectedLinesTotal.Inc()
		s.WarnLog("dropping line with no command in flight: %q", line)
		return
	}

	done, err := ex.cmd.feed(line)
	if !done {
		s.mu.Unlock()
		return
	}

	// The reply is complete. The session must still record this
	// exchange as the in-flight command; anything else means two
	// owners raced for the slot, a defect worth failing loudly.
	if s.state != StateCommandInFlight || s.current != ex {
		state := s.state
		s.mu.Unlock()
		ex.fut.fail(fmt.Errorf("reply for %s completed in state %s: %w", ex.cmd.Type(), state, ErrInternalFailure))
		return
	}

	s.current = nil
	s.state = StateConnected
	greeting := ex.cmd.Type() == commandGreeting
	resp := ex.cmd.response()
	if greeting && err == nil {
		s.banner = resp.Message
		s.counted = true
	}
	s.mu.Unlock()

	verb := ex.cmd.Type().String()
	if err != nil {
		metrics.CommandsTotal.WithLabelValues(verb, "failed").Inc()
		s.WarnLog("%s reply unusable: %v", verb, err)
		ex.fut.fail(err)
		return
	}

	status := "ok"
	if resp.Status != StatusOK {
		status = "err"
	}
	metrics.CommandsTotal.WithLabelValues(verb, status).Inc()
	metrics.CommandDuration.WithLabelValues(verb).Observe(time.Since(ex.started).Seconds())
	if greeting {
		// The connection is live either way; a rejecting server still
		// holds it open until someone hangs up.
		metrics.ConnectionsCurrent.Inc()
		if resp.Status == StatusOK {
			metrics.ConnectionsTotal.WithLabelValues("success").Inc()
			s.Log("connected: %s", helpers.SanitizeForLog(resp.Message, 128))
		} else {
			metrics.ConnectionsTotal.WithLabelValues("rejected").Inc()
			s.WarnLog("server rejected connection: %s", helpers.SanitizeForLog(resp.Message, 128))
		}
	} else {
		s.DebugLog("%s completed with %s", verb, resp.Status)
	}
	ex.fut.resolve(resp)
}

// handleTimeout applies the inactivity policy: with a command in
// flight the reply is considered lost, the command fails with
// ErrTimeout and the connection is torn down; an idle timeout is
// merely logged. Returns true when the connection was torn down.
func (s *Session) handleTimeout() bool {
	s.mu.Lock()
	ex := s.current
	if s.state != StateCommandInFlight || ex == nil {
		s.mu.Unlock()
		metrics.TimeoutsTotal.WithLabelValues("idle").Inc()
		s.DebugLog("idle beyond inactivity window")
		return false
	}
	s.current = nil
	s.state = StateUninitialized
	counted := s.counted
	s.counted = false
	s.mu.Unlock()

	if counted {
		metrics.ConnectionsCurrent.Dec()
	}
	verb := ex.cmd.Type().String()
	metrics.TimeoutsTotal.WithLabelValues("command").Inc()
	metrics.CommandsTotal.WithLabelValues(verb, "timeout").Inc()
	if ex.cmd.Type() == commandGreeting {
		metrics.ConnectionsTotal.WithLabelValues("failure").Inc()
	}
	s.transport.Close()
	s.WarnLog("%s timed out after inactivity, closing connection", verb)
	ex.fut.fail(fmt.Errorf("%s: %w", verb, ErrTimeout))
	return true
}

// teardown settles the session after the connection ended, whether by
// dial failure, local close or the server hanging up. Exactly one of
// the pending futures can exist; it is resolved here.
func (s *Session) teardown(cause error) {
	s.mu.Lock()
	ex := s.current
	closing := s.closing
	prev := s.state
	counted := s.counted
	addr := s.addr
	s.current = nil
	s.closing = nil
	s.state = StateUninitialized
	s.counted = false
	s.mu.Unlock()

	if counted {
		metrics.ConnectionsCurrent.Dec()
	}

	switch {
	case ex != nil:
		verb := ex.cmd.Type().String()
		if cause == nil {
			cause = io.EOF
		}
		if ex.cmd.Type() == commandGreeting {
			metrics.ConnectionsTotal.WithLabelValues("failure").Inc()
			s.WarnLog("connect failed: %v", cause)
		} else {
			s.WarnLog("connection lost during %s: %v", verb, cause)
		}
		metrics.CommandsTotal.WithLabelValues(verb, "aborted").Inc()
		ex.fut.fail(&ConnectError{Addr: addr, Err: cause})
	case closing != nil:
		s.DebugLog("disconnected")
		closing.resolve(&Response{Status: StatusOK, Message: "connection closed"})
	default:
		if prev != StateUninitialized {
			if cause != nil {
				s.WarnLog("connection lost: %v", cause)
			} else {
				s.Log("connection closed by server")
			}
		}
	}
}

func commandLogLine(cmd *Command) string {
	if cmd.Type() == commandRaw {
		return "[REDACTED]"
	}
	return helpers.MaskCommandLine(strings.TrimSuffix(string(cmd.wireLine()), "\r\n"))
}

func (s *Session) serverAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addr == "" {
		return "none"
	}
	return s.addr
}

// Log logs at INFO level with session context.
func (s *Session) Log(format string, args ...any) {
	logger.Info("Session", "proto", "pop3", "id", s.id, "server", s.serverAddr(), "msg", fmt.Sprintf(format, args...))
}

// DebugLog logs at DEBUG level with session context.
func (s *Session) DebugLog(format string, args ...any) {
	if s.debug {
		logger.Debug("Session", "proto", "pop3", "id", s.id, "server", s.serverAddr(), "msg", fmt.Sprintf(format, args...))
	}
}

// WarnLog logs at WARN level with session context.
func (s *Session) WarnLog(format string, args ...any) {
	logger.Warn("Session", "proto", "pop3", "id", s.id, "server", s.serverAddr(), "msg", fmt.Sprintf(format, args...))
}
