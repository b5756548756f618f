package pop3

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/emersion/go-sasl"
)

// Auth authenticates with a SASL mechanism over the AUTH command
// (RFC 5034). Continuation challenges are decoded and fed to the
// mechanism until the server accepts or rejects the exchange.
func (s *Session) Auth(ctx context.Context, client sasl.Client) error {
	mech, ir, err := client.Start()
	if err != nil {
		return fmt.Errorf("sasl start: %w", err)
	}

	args := []string{mech}
	if ir != nil {
		// RFC 5034 §4: a zero-length initial response is sent as "=".
		if len(ir) == 0 {
			args = append(args, "=")
		} else {
			args = append(args, base64.StdEncoding.EncodeToString(ir))
		}
	}

	resp, err := s.exchange(ctx, NewCommand(CommandAuth, args...))
	if err != nil {
		return err
	}

	for resp.Status == StatusContinue {
		challenge, err := base64.StdEncoding.DecodeString(strings.TrimSpace(resp.Message))
		if err != nil {
			s.abortAuth(ctx)
			return fmt.Errorf("decoding AUTH challenge: %w", err)
		}
		data, err := client.Next(challenge)
		if err != nil {
			s.abortAuth(ctx)
			return fmt.Errorf("sasl step: %w", err)
		}
		resp, err = s.exchange(ctx, newRawCommand(base64.StdEncoding.EncodeToString(data)))
		if err != nil {
			return err
		}
	}

	if resp.Status != StatusOK {
		return &ServerError{Verb: "AUTH " + mech, Message: resp.Message}
	}
	return nil
}

// AuthPlain authenticates with SASL PLAIN and no authorization
// identity.
func (s *Session) AuthPlain(ctx context.Context, username, password string) error {
	return s.Auth(ctx, sasl.NewPlainClient("", username, password))
}

// exchange runs one command without converting -ERR, as an AUTH
// conversation inspects the status itself.
func (s *Session) exchange(ctx context.Context, cmd *Command) (*Response, error) {
	fut, err := s.Execute(cmd)
	if err != nil {
		return nil, err
	}
	return fut.Await(ctx)
}

// abortAuth cancels a half-done AUTH exchange with the "*" token
// (RFC 5034 §4). The expected answer is -ERR.
func (s *Session) abortAuth(ctx context.Context) {
	if resp, err := s.exchange(ctx, newRawCommand("*")); err == nil && resp.Status == StatusOK {
		s.WarnLog("server acknowledged AUTH abort with +OK")
	}
}
