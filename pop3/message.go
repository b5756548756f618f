package pop3

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"

	"github.com/krdev/pop3sclient/logger"
)

// ParseMessage reads and parses an email message from an io.Reader.
// If the message has malformed MIME headers, it attempts to create a
// fallback entity that preserves a readable placeholder, allowing
// degraded access rather than complete failure.
func ParseMessage(r io.Reader) (*message.Entity, error) {
	m, err := message.Read(r)
	if message.IsUnknownCharset(err) {
		logger.Debug("Unknown encoding:", "error", err)
	} else if err != nil {
		if strings.Contains(err.Error(), "malformed MIME header") {
			logger.Warn("Malformed MIME header detected, attempting fallback", "error", err)
			return createFallbackEntity(err), nil
		}
		return nil, fmt.Errorf("failed to read message: %v", err)
	}
	return m, nil
}

// createFallbackEntity creates a minimal message entity for corrupted
// messages, so they can still be stored and listed.
func createFallbackEntity(originalErr error) *message.Entity {
	var buf bytes.Buffer
	buf.WriteString("X-Popget-Parse-Error: ")
	buf.WriteString(originalErr.Error())
	buf.WriteString("\r\n")
	buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	buf.WriteString("\r\n")
	buf.WriteString("[Message could not be parsed due to malformed MIME headers]\r\n")

	entity, err := message.Read(bufio.NewReader(&buf))
	if err != nil {
		logger.Error("Failed to create fallback entity", "error", err)
		return nil
	}
	return entity
}
