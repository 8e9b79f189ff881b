package record

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxPayloadBytes bounds accepted scan payloads.
const MaxPayloadBytes = 10000

// ValidationError reports a malformed raw scan event. It is permanent: the
// caller's input is wrong and retrying cannot help.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid scan %s: %s", e.Field, e.Reason)
}

// Validate checks a raw payload and symbology against the acceptance rules.
func Validate(payload string, kind Kind) error {
	if strings.TrimSpace(payload) == "" {
		return &ValidationError{Field: "payload", Reason: "empty"}
	}
	if len(payload) > MaxPayloadBytes {
		return &ValidationError{Field: "payload", Reason: fmt.Sprintf("exceeds %d bytes", MaxPayloadBytes)}
	}
	if !utf8.ValidString(payload) {
		return &ValidationError{Field: "payload", Reason: "not valid UTF-8"}
	}
	if !kind.Valid() {
		return &ValidationError{Field: "barcode_kind", Reason: fmt.Sprintf("unknown kind %q", string(kind))}
	}
	return nil
}
