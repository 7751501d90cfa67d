package flow

import (
	"log/slog"
	"strings"
)

// AuthorizationRequest is everything needed to build the authorize URL and to
// redeem the returned code. It lives for exactly one flow.
type AuthorizationRequest struct {
	Authority   string
	ClientID    string
	Scopes      []string
	RedirectURI string
	PKCE        PKCE
	ExtraParams map[string]string
}

// LogValue omits the PKCE secrets and the state token.
func (r AuthorizationRequest) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("authority", r.Authority),
		slog.String("client_id", r.ClientID),
		slog.String("scope", strings.Join(r.Scopes, " ")),
		slog.String("redirect_uri", r.RedirectURI),
		slog.Any("pkce", r.PKCE),
	)
}

// ParseScope splits a space separated scope string, dropping empty entries and
// duplicates while keeping the first-seen order.
func ParseScope(scope string) []string {
	fields := strings.Fields(scope)
	seen := make(map[string]bool, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

func hasScope(scopes []string, want string) bool {
	for _, s := range scopes {
		if s == want {
			return true
		}
	}
	return false
}
