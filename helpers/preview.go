package helpers

import (
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	"github.com/k3a/html2text"
)

// PreviewText extracts a short plaintext preview from a parsed
// message. It prefers the first text/plain part and falls back to
// converting the first text/html part. Whitespace runs are collapsed
// and the result is truncated to maxLen characters.
//
// The entity's body readers are consumed.
func PreviewText(entity *message.Entity, maxLen int) (string, error) {
	if entity == nil {
		return "", fmt.Errorf("nil message entity")
	}
	plainBody, htmlBody, err := collectTextBodies(entity)
	if err != nil {
		return "", err
	}

	text := plainBody
	// If we don't have a plaintext body but we have an HTML body, convert it to plaintext
	if text == "" && htmlBody != "" {
		text = html2text.HTML2Text(htmlBody)
	}

	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if maxLen > 0 && len(runes) > maxLen {
		text = string(runes[:maxLen]) + "..."
	}
	return text, nil
}

// collectTextBodies walks the MIME structure and returns the first
// text/plain and text/html bodies it finds. Transfer encodings are
// already decoded by the entity readers.
func collectTextBodies(entity *message.Entity) (plainBody, htmlBody string, err error) {
	mediaType, _, _ := entity.Header.ContentType()

	if strings.HasPrefix(mediaType, "multipart/") {
		mr := entity.MultipartReader()
		if mr == nil {
			return "", "", nil
		}
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				return plainBody, htmlBody, fmt.Errorf("failed to read part: %v", err)
			}
			childPlain, childHTML, err := collectTextBodies(part)
			if err != nil {
				return plainBody, htmlBody, err
			}
			if plainBody == "" {
				plainBody = childPlain
			}
			if htmlBody == "" {
				htmlBody = childHTML
			}
			if plainBody != "" {
				break
			}
		}
		return plainBody, htmlBody, nil
	}

	switch {
	case mediaType == "" || mediaType == "text/plain":
		body, err := io.ReadAll(entity.Body)
		if err != nil {
			return "", "", fmt.Errorf("failed to read body: %v", err)
		}
		return string(body), "", nil
	case mediaType == "text/html":
		body, err := io.ReadAll(entity.Body)
		if err != nil {
			return "", "", fmt.Errorf("failed to read body: %v", err)
		}
		return "", string(body), nil
	}
	return "", "", nil
}
