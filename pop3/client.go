package pop3

import (
	"context"
	"crypto/tls"
	"time"
)

// Client builds sessions that share one connection configuration. It
// holds no connection state of its own; every NewSession is
// independent and a Client may mint any number of them.
type Client struct {
	opts ClientOptions
}

// ClientOptions configure every session the client creates.
type ClientOptions struct {
	// TLSConfig applies to each session's transport. nil selects
	// library defaults with the server name filled from the dial.
	TLSConfig *tls.Config
	// Plaintext disables TLS, for test servers on loopback.
	Plaintext bool
	// MaxLineLength overrides the response line cap.
	MaxLineLength int
	// Debug enables per-command debug logging on every session.
	Debug bool
}

// NewClient creates a session factory with the given options.
func NewClient(opts ClientOptions) *Client {
	return &Client{opts: opts}
}

// NewSession builds a new disconnected session.
func (c *Client) NewSession() *Session {
	return NewSession(SessionOptions{
		TLSConfig:     c.opts.TLSConfig,
		Plaintext:     c.opts.Plaintext,
		MaxLineLength: c.opts.MaxLineLength,
		Debug:         c.opts.Debug,
	})
}

// Dial builds a session, connects it and waits for the greeting. A
// greeting of -ERR hangs up and surfaces as a *ServerError; the usual
// outcome is a connected session ready for authentication.
func (c *Client) Dial(ctx context.Context, host string, port int, connectTimeout, inactivityTimeout time.Duration) (*Session, error) {
	session := c.NewSession()
	fut, err := session.Connect(ctx, host, port, connectTimeout, inactivityTimeout)
	if err != nil {
		return nil, err
	}
	resp, err := fut.Await(ctx)
	if err != nil {
		// The dial keeps going in the background; hang up so an
		// eventual connection does not linger. Teardown completes on
		// the session goroutine.
		session.Disconnect()
		return nil, err
	}
	if resp.Status != StatusOK {
		if closeFut, derr := session.Disconnect(); derr == nil {
			closeFut.Await(ctx)
		}
		return nil, &ServerError{Verb: "greeting", Message: resp.Message}
	}
	return session, nil
}
