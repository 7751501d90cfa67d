package flow

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// orderedClaims flattens the payload of a compact JWT into (type, value)
// pairs in document order. Arrays yield one claim per element; objects and
// non-string scalars keep their JSON text.
func orderedClaims(rawToken string) ([]Claim, error) {
	parts := strings.Split(rawToken, ".")
	if len(parts) != 3 {
		return nil, errors.New("token is not a compact JWT")
	}
	payload, err := jwt.NewParser().DecodeSegment(parts[1])
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, errors.New("payload is not a JSON object")
	}

	var claims []Claim
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("parse payload: %w", err)
		}
		key, _ := keyTok.(string)

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("parse claim %q: %w", key, err)
		}
		claims = append(claims, expandClaim(key, raw)...)
	}
	return claims, nil
}

// protocolClaims describe the ID token itself rather than the user and are
// left out of the reported claims.
var protocolClaims = map[string]bool{
	"iss":       true,
	"exp":       true,
	"nbf":       true,
	"aud":       true,
	"nonce":     true,
	"iat":       true,
	"auth_time": true,
	"c_hash":    true,
	"at_hash":   true,
}

// userClaims drops protocolClaims, keeping the order of the rest.
func userClaims(claims []Claim) []Claim {
	out := make([]Claim, 0, len(claims))
	for _, c := range claims {
		if !protocolClaims[c.Type] {
			out = append(out, c)
		}
	}
	return out
}

func expandClaim(key string, raw json.RawMessage) []Claim {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err == nil {
			out := make([]Claim, 0, len(items))
			for _, item := range items {
				out = append(out, Claim{Type: key, Value: claimValue(item)})
			}
			return out
		}
	}
	return []Claim{{Type: key, Value: claimValue(trimmed)}}
}

func claimValue(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err == nil {
		return buf.String()
	}
	return string(bytes.TrimSpace(raw))
}
