package pop3

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/emersion/go-message"
)

// MailboxStat is the STAT drop listing: message count and total size
// in bytes, deleted messages excluded.
type MailboxStat struct {
	Count int
	Size  int64
}

// ScanListing is one row of a LIST response.
type ScanListing struct {
	Number int
	Size   int64
}

// UIDListing is one row of a UIDL response.
type UIDListing struct {
	Number int
	UID    string
}

// do executes one command, waits for its reply and converts -ERR into
// a *ServerError. Raw Execute treats -ERR as a value; the typed
// helpers treat it as the failure it is to their callers.
func (s *Session) do(ctx context.Context, cmd *Command) (*Response, error) {
	fut, err := s.Execute(cmd)
	if err != nil {
		return nil, err
	}
	resp, err := fut.Await(ctx)
	if err != nil {
		return nil, err
	}
	if resp.Status != StatusOK {
		return resp, &ServerError{Verb: cmd.Type().String(), Message: resp.Message}
	}
	return resp, nil
}

// Login authenticates with the USER and PASS pair. The password
// crosses the wire unobscured, which is why sessions default to TLS.
func (s *Session) Login(ctx context.Context, username, password string) error {
	if _, err := s.do(ctx, NewCommand(CommandUser, username)); err != nil {
		return err
	}
	if _, err := s.do(ctx, NewCommand(CommandPass, password)); err != nil {
		return err
	}
	return nil
}

// LoginAPOP authenticates with APOP (RFC 1939 §7): the shared secret
// never crosses the wire, only an MD5 digest of the greeting timestamp
// and the secret. Fails when the server's greeting carried no msg-id
// timestamp.
func (s *Session) LoginAPOP(ctx context.Context, username, secret string) error {
	timestamp, ok := apopTimestamp(s.Banner())
	if !ok {
		return fmt.Errorf("APOP: server greeting carries no timestamp")
	}
	sum := md5.Sum([]byte(timestamp + secret))
	digest := hex.EncodeToString(sum[:])
	_, err := s.do(ctx, NewCommand(CommandApop, username, digest))
	return err
}

// apopTimestamp extracts the RFC 822 msg-id from a greeting banner,
// angle brackets included, as the digest is computed over them.
func apopTimestamp(banner string) (string, bool) {
	start := strings.Index(banner, "<")
	if start < 0 {
		return "", false
	}
	end := strings.Index(banner[start:], ">")
	if end < 0 {
		return "", false
	}
	return banner[start : start+end+1], true
}

// Stat returns the drop listing.
func (s *Session) Stat(ctx context.Context) (MailboxStat, error) {
	resp, err := s.do(ctx, NewCommand(CommandStat))
	if err != nil {
		return MailboxStat{}, err
	}
	fields := strings.Fields(resp.Message)
	if len(fields) < 2 {
		return MailboxStat{}, fmt.Errorf("malformed STAT reply %q", resp.Message)
	}
	count, err := strconv.Atoi(fields[0])
	if err != nil {
		return MailboxStat{}, fmt.Errorf("STAT message count: %w", err)
	}
	size, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return MailboxStat{}, fmt.Errorf("STAT mailbox size: %w", err)
	}
	return MailboxStat{Count: count, Size: size}, nil
}

// List returns the scan listing for one message.
func (s *Session) List(ctx context.Context, number int) (ScanListing, error) {
	resp, err := s.do(ctx, NewCommand(CommandList, strconv.Itoa(number)))
	if err != nil {
		return ScanListing{}, err
	}
	return parseScanListing(resp.Message)
}

// ListAll returns the scan listing for every message in the drop.
func (s *Session) ListAll(ctx context.Context) ([]ScanListing, error) {
	resp, err := s.do(ctx, NewCommand(CommandList))
	if err != nil {
		return nil, err
	}
	listings := make([]ScanListing, 0, len(resp.Lines))
	for _, line := range resp.Lines {
		listing, err := parseScanListing(line)
		if err != nil {
			return nil, err
		}
		listings = append(listings, listing)
	}
	return listings, nil
}

func parseScanListing(line string) (ScanListing, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return ScanListing{}, fmt.Errorf("malformed scan listing %q", line)
	}
	number, err := strconv.Atoi(fields[0])
	if err != nil {
		return ScanListing{}, fmt.Errorf("scan listing number: %w", err)
	}
	size, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return ScanListing{}, fmt.Errorf("scan listing size: %w", err)
	}
	return ScanListing{Number: number, Size: size}, nil
}

// Uidl returns the unique-id listing for one message.
func (s *Session) Uidl(ctx context.Context, number int) (UIDListing, error) {
	resp, err := s.do(ctx, NewCommand(CommandUidl, strconv.Itoa(number)))
	if err != nil {
		return UIDListing{}, err
	}
	return parseUIDListing(resp.Message)
}

// UidlAll returns the unique-id listing for every message in the
// drop. UIDs are stable across sessions and are what fetch tracking
// keys on.
func (s *Session) UidlAll(ctx context.Context) ([]UIDListing, error) {
	resp, err := s.do(ctx, NewCommand(CommandUidl))
	if err != nil {
		return nil, err
	}
	listings := make([]UIDListing, 0, len(resp.Lines))
	for _, line := range resp.Lines {
		listing, err := parseUIDListing(line)
		if err != nil {
			return nil, err
		}
		listings = append(listings, listing)
	}
	return listings, nil
}

func parseUIDListing(line string) (UIDListing, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return UIDListing{}, fmt.Errorf("malformed unique-id listing %q", line)
	}
	number, err := strconv.Atoi(fields[0])
	if err != nil {
		return UIDListing{}, fmt.Errorf("unique-id listing number: %w", err)
	}
	return UIDListing{Number: number, UID: fields[1]}, nil
}

// Retr returns the raw RFC 822 message, CRLF line endings restored and
// byte-stuffing removed.
func (s *Session) Retr(ctx context.Context, number int) ([]byte, error) {
	resp, err := s.do(ctx, NewCommand(CommandRetr, strconv.Itoa(number)))
	if err != nil {
		return nil, err
	}
	return resp.Body(), nil
}

// RetrEntity retrieves a message and parses it into a MIME entity.
func (s *Session) RetrEntity(ctx context.Context, number int) (*message.Entity, error) {
	raw, err := s.Retr(ctx, number)
	if err != nil {
		return nil, err
	}
	return ParseMessage(bytes.NewReader(raw))
}

// Top returns the headers and the first n body lines of a message.
func (s *Session) Top(ctx context.Context, number, n int) ([]byte, error) {
	resp, err := s.do(ctx, NewCommand(CommandTop, strconv.Itoa(number), strconv.Itoa(n)))
	if err != nil {
		return nil, err
	}
	return resp.Body(), nil
}

// Dele marks a message for deletion at the end of the session.
func (s *Session) Dele(ctx context.Context, number int) error {
	_, err := s.do(ctx, NewCommand(CommandDele, strconv.Itoa(number)))
	return err
}

// Noop does nothing, usefully: it keeps the connection alive under an
// inactivity watchdog.
func (s *Session) Noop(ctx context.Context) error {
	_, err := s.do(ctx, NewCommand(CommandNoop))
	return err
}

// Rset unmarks every message marked for deletion in this session.
func (s *Session) Rset(ctx context.Context) error {
	_, err := s.do(ctx, NewCommand(CommandRset))
	return err
}

// Capa returns the server's capability lines (RFC 2449).
func (s *Session) Capa(ctx context.Context) ([]string, error) {
	resp, err := s.do(ctx, NewCommand(CommandCapa))
	if err != nil {
		return nil, err
	}
	return resp.Lines, nil
}

// Quit ends the session cleanly: QUIT commits pending deletions, then
// the connection is torn down. Most servers hang up right after the
// +OK; a disconnect that finds the session already settled is fine.
func (s *Session) Quit(ctx context.Context) error {
	if _, err := s.do(ctx, NewCommand(CommandQuit)); err != nil {
		return err
	}
	fut, err := s.Disconnect()
	if err != nil {
		if errors.Is(err, ErrInvalidState) {
			return nil
		}
		return err
	}
	_, err = fut.Await(ctx)
	return err
}
