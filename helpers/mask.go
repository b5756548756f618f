package helpers

import "strings"

// MaskCommandLine redacts credentials from a client command line before
// it reaches a log. PASS arguments are always hidden; APOP keeps the
// user but hides the digest; AUTH keeps the mechanism and hides any
// initial response.
func MaskCommandLine(line string) string {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return line
	}

	var partsToKeep int
	switch strings.ToUpper(parts[0]) {
	case "PASS":
		partsToKeep = 1
	case "APOP", "AUTH":
		partsToKeep = 2
	default:
		return line
	}

	// Nothing sensitive present, e.g. "AUTH PLAIN" with the initial
	// response sent on the next line.
	if len(parts) <= partsToKeep {
		return line
	}
	return strings.Join(parts[:partsToKeep], " ") + " [REDACTED]"
}
