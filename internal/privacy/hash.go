// Package privacy normalizes and one-way-hashes donor identity fields for
// server-side conversion matching, and filters hashed fields by tenant
// privacy mode. Hashing happens exactly once, at ingestion; the delivery path
// only reuses stored digests.
package privacy

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

// Field keys follow the destination's user_data naming so the stored map can
// be copied into payloads without translation.
const (
	FieldEmail      = "em"
	FieldPhone      = "ph"
	FieldFirstName  = "fn"
	FieldLastName   = "ln"
	FieldCity       = "ct"
	FieldState      = "st"
	FieldPostalCode = "zp"
	FieldCountry    = "country"
)

// DefaultCountry is used when a transaction carries no country at all.
const DefaultCountry = "us"

// HashField normalizes a raw identity value for the given field kind and
// returns its SHA-256 hex digest. ok is false when the value normalizes to
// nothing usable (e.g. a phone number with fewer than 10 digits) and the
// field should be omitted. Normalization is deterministic so that separate
// events for the same person hash identically.
func HashField(kind, raw string) (digest string, ok bool) {
	norm, ok := Normalize(kind, raw)
	if !ok {
		return "", false
	}
	sum := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:]), true
}

// Normalize applies the field-specific normalization rules without hashing.
// Exposed separately so ingestion tests can assert on the pre-hash form.
func Normalize(kind, raw string) (string, bool) {
	switch kind {
	case FieldEmail:
		v := strings.ToLower(strings.TrimSpace(raw))
		return v, v != ""
	case FieldPhone:
		v := digitsOnly(raw)
		if len(v) < 10 {
			return "", false
		}
		return v, true
	case FieldFirstName, FieldLastName, FieldCity, FieldState:
		v := lettersOnly(strings.ToLower(strings.TrimSpace(raw)))
		return v, v != ""
	case FieldPostalCode:
		v := digitsOnly(raw)
		if v == "" {
			return "", false
		}
		if len(v) > 5 {
			v = v[:5]
		}
		return v, true
	case FieldCountry:
		v := strings.ToLower(strings.TrimSpace(raw))
		if v == "" {
			v = DefaultCountry
		}
		return v, true
	default:
		return "", false
	}
}

// HashUserData hashes a full set of raw identity fields, dropping anything
// that fails normalization. Input keys must be the Field* constants.
func HashUserData(raw map[string]string) map[string]string {
	hashed := make(map[string]string, len(raw))
	for kind, value := range raw {
		if digest, ok := HashField(kind, value); ok {
			hashed[kind] = digest
		}
	}
	return hashed
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func lettersOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
