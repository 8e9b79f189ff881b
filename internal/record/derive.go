package record

import (
	"encoding/json"
	"net/mail"
	"net/url"
	"regexp"
	"strings"
)

// Derived field keys populated by DeriveFields.
const (
	FieldContentType = "content_type"
	FieldFirstName   = "first_name"
	FieldLastName    = "last_name"
)

var phoneRe = regexp.MustCompile(`^\+?[0-9][0-9 ().-]{5,18}$`)

// DeriveFields classifies the payload and extracts name fields when the
// payload looks like an identity (badge payloads are commonly "Last, First",
// "First Last", an email address, or a small JSON object).
func DeriveFields(payload string) map[string]string {
	payload = strings.TrimSpace(payload)
	out := map[string]string{FieldContentType: classify(payload)}
	if first, last, ok := extractNames(payload); ok {
		out[FieldFirstName] = first
		out[FieldLastName] = last
	}
	return out
}

func classify(payload string) string {
	switch {
	case looksLikeURL(payload):
		return "url"
	case looksLikeEmail(payload):
		return "email"
	case phoneRe.MatchString(payload):
		return "phone"
	case strings.HasPrefix(payload, "{") && strings.HasSuffix(payload, "}") && json.Valid([]byte(payload)):
		return "json"
	default:
		return "text"
	}
}

func looksLikeURL(s string) bool {
	if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") {
		return false
	}
	u, err := url.Parse(s)
	return err == nil && u.Scheme != "" && u.Host != ""
}

func looksLikeEmail(s string) bool {
	if strings.ContainsAny(s, " \t\n") {
		return false
	}
	_, err := mail.ParseAddress(s)
	return err == nil && strings.Contains(s, "@")
}

// extractNames tries the formats observed in badge payloads, most specific
// first: "Last, First", JSON name keys, "first.last@domain", "First Last".
func extractNames(payload string) (first, last string, ok bool) {
	if i := strings.IndexByte(payload, ','); i > 0 && !strings.Contains(payload, "@") {
		lastPart := strings.TrimSpace(payload[:i])
		firstPart := strings.TrimSpace(payload[i+1:])
		if f := strings.Fields(firstPart); len(f) > 0 && lastPart != "" {
			return f[0], lastPart, true
		}
	}

	if strings.HasPrefix(payload, "{") {
		var m map[string]any
		if err := json.Unmarshal([]byte(payload), &m); err == nil {
			if f, l, ok := namesFromJSON(m); ok {
				return f, l, true
			}
		}
		return "", "", false
	}

	if at := strings.IndexByte(payload, '@'); at > 0 {
		local := payload[:at]
		if dot := strings.IndexByte(local, '.'); dot > 0 && dot < len(local)-1 {
			return local[:dot], local[dot+1:], true
		}
		return "", "", false
	}

	words := strings.Fields(payload)
	if len(words) >= 2 && !strings.ContainsAny(payload, ":/") {
		return words[0], words[1], true
	}
	return "", "", false
}

func namesFromJSON(m map[string]any) (string, string, bool) {
	str := func(key string) (string, bool) {
		v, ok := m[key].(string)
		return v, ok && v != ""
	}
	if f, ok := str("first_name"); ok {
		if l, ok := str("last_name"); ok {
			return f, l, true
		}
	}
	if f, ok := str("firstName"); ok {
		if l, ok := str("lastName"); ok {
			return f, l, true
		}
	}
	if name, ok := str("name"); ok {
		if f, l, ok := extractNames(name); ok {
			return f, l, true
		}
	}
	return "", "", false
}
