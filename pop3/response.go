package pop3

import (
	"strings"
)

// Status classifies the first line of a server response.
type Status int

const (
	// StatusOK is a +OK reply.
	StatusOK Status = iota
	// StatusErr is an -ERR reply.
	StatusErr
	// StatusContinue is a "+ " continuation request during an AUTH
	// exchange (RFC 5034). The message carries the base64 challenge.
	StatusContinue
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "+OK"
	case StatusErr:
		return "-ERR"
	case StatusContinue:
		return "+"
	default:
		return "unknown"
	}
}

// Response is one complete server reply: a status line, and for
// multi-line commands the dot-unstuffed body lines up to (excluding)
// the "." terminator.
type Response struct {
	Status  Status
	Message string
	Lines   []string
}

// OK reports whether the reply was +OK.
func (r *Response) OK() bool { return r.Status == StatusOK }

// Body joins the multi-line payload back into one CRLF-delimited blob,
// the shape RETR and TOP bodies are consumed in.
func (r *Response) Body() []byte {
	if len(r.Lines) == 0 {
		return nil
	}
	var b strings.Builder
	for _, line := range r.Lines {
		b.WriteString(line)
		b.WriteString("\r\n")
	}
	return []byte(b.String())
}

// parseStatusLine splits a response status line into its status and
// trailing message. Continuation lines may be a bare "+" when the
// server sends an empty challenge.
func parseStatusLine(line string) (Status, string, error) {
	switch {
	case strings.HasPrefix(line, "+OK"):
		return StatusOK, trimStatus(line, "+OK"), nil
	case strings.HasPrefix(line, "-ERR"):
		return StatusErr, trimStatus(line, "-ERR"), nil
	case line == "+" || strings.HasPrefix(line, "+ "):
		return StatusContinue, trimStatus(line, "+"), nil
	default:
		return 0, "", &ParseError{Line: line}
	}
}

func trimStatus(line, prefix string) string {
	return strings.TrimPrefix(strings.TrimPrefix(line, prefix), " ")
}

// unstuffLine reverses RFC 1939 §3 byte-stuffing: any body line that
// begins with "." had the dot doubled by the server so it cannot be
// mistaken for the terminator.
func unstuffLine(line string) string {
	if strings.HasPrefix(line, ".") {
		return line[1:]
	}
	return line
}

// Accumulator consumes the inbound lines of one server reply and
// reports when the reply is complete. The session feeds it every line
// it receives while the owning command is in flight; parsing state
// lives entirely in the accumulator, so alternative implementations
// can stream large payloads instead of buffering them.
//
// Feed returns done once the reply terminates: after the status line
// for single-line commands, after the "." terminator for multi-line
// ones. A Feed error also terminates the reply and fails the command.
type Accumulator interface {
	Feed(line string) (done bool, err error)
	Response() *Response
}

// accumulator is the default Accumulator: it buffers the status line
// and, for multi-line commands, the unstuffed body.
//
// Per RFC 1939 a multi-line reply only follows a +OK status; -ERR and
// continuation lines always complete immediately even for commands
// that would otherwise read a body.
type accumulator struct {
	multiline bool
	resp      *Response
	finished  bool
}

func newAccumulator(multiline bool) *accumulator {
	return &accumulator{multiline: multiline}
}

func (a *accumulator) Feed(line string) (bool, error) {
	if a.finished {
		return true, nil
	}

	if a.resp == nil {
		status, msg, err := parseStatusLine(line)
		if err != nil {
			a.finished = true
			return true, err
		}
		a.resp = &Response{Status: status, Message: msg}
		if !a.multiline || status != StatusOK {
			a.finished = true
		}
		return a.finished, nil
	}

	if line == "." {
		a.finished = true
		return true, nil
	}
	a.resp.Lines = append(a.resp.Lines, unstuffLine(line))
	return false, nil
}

func (a *accumulator) Response() *Response { return a.resp }
