// Package oidctest provides a stub OpenID provider for tests. It serves
// discovery, JWKS, authorize and token endpoints over httptest and signs real
// RS256 ID tokens, so clients can be exercised without network access.
package oidctest

import (
	"io"
	"log/slog"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"
)

// DefaultClientID is accepted when no client id option is given.
const DefaultClientID = "abc123"

type pendingCode struct {
	clientID    string
	redirectURI string
	challenge   string
	nonce       string
	scope       string
}

// Provider is a running stub provider. It is closed by t.Cleanup.
type Provider struct {
	srv    *httptest.Server
	logger *slog.Logger

	signer    *signer
	published *signer

	clientID       string
	claims         map[string]any
	stateOverride  string
	nonceOverride  string
	authorizeError string
	authorizeDesc  string
	tokenError     string
	noRedirect     bool
	noIDToken      bool
	noRefreshToken bool
	noExpiresIn    bool
	foreign        bool
	tokenTTL       time.Duration

	mu         sync.Mutex
	codes      map[string]pendingCode
	authorizes []url.Values
	exchanges  int
}

// Option customises a Provider.
type Option func(*Provider)

// WithClientID sets the only client id the provider accepts.
func WithClientID(id string) Option {
	return func(p *Provider) { p.clientID = id }
}

// WithClaims adds claims to every ID token.
func WithClaims(claims map[string]any) Option {
	return func(p *Provider) {
		for k, v := range claims {
			p.claims[k] = v
		}
	}
}

// WithStateOverride redirects back with the given state instead of the one
// the client sent.
func WithStateOverride(state string) Option {
	return func(p *Provider) { p.stateOverride = state }
}

// WithNonceOverride puts the given nonce into the ID token.
func WithNonceOverride(nonce string) Option {
	return func(p *Provider) { p.nonceOverride = nonce }
}

// WithAuthorizeError answers authorization requests with an error redirect.
func WithAuthorizeError(code, description string) Option {
	return func(p *Provider) {
		p.authorizeError = code
		p.authorizeDesc = description
	}
}

// WithTokenError rejects every code exchange with the given OAuth error.
func WithTokenError(code string) Option {
	return func(p *Provider) { p.tokenError = code }
}

// WithoutRedirect makes the authorize endpoint render a page instead of
// redirecting, as if the user never finished signing in.
func WithoutRedirect() Option {
	return func(p *Provider) { p.noRedirect = true }
}

// WithoutIDToken omits id_token from token responses.
func WithoutIDToken() Option {
	return func(p *Provider) { p.noIDToken = true }
}

// WithoutRefreshToken omits refresh_token from token responses.
func WithoutRefreshToken() Option {
	return func(p *Provider) { p.noRefreshToken = true }
}

// WithoutExpiresIn omits expires_in from token responses. ID tokens still
// expire after the token TTL.
func WithoutExpiresIn() Option {
	return func(p *Provider) { p.noExpiresIn = true }
}

// WithForeignEndpoints advertises the authorization and token endpoints on
// "localhost" while the issuer uses "127.0.0.1", which fails host validation.
func WithForeignEndpoints() Option {
	return func(p *Provider) { p.foreign = true }
}

// WithUnpublishedSigningKey signs ID tokens with a key missing from the JWKS.
func WithUnpublishedSigningKey() Option {
	return func(p *Provider) { p.published = nil }
}

// WithTokenTTL sets expires_in of issued access tokens.
func WithTokenTTL(ttl time.Duration) Option {
	return func(p *Provider) { p.tokenTTL = ttl }
}

// WithLogger sets the provider's request logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// New starts a stub provider.
func New(t testing.TB, opts ...Option) *Provider {
	t.Helper()

	s, err := newSigner()
	if err != nil {
		t.Fatalf("oidctest: %v", err)
	}

	p := &Provider{
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		signer:    s,
		published: s,
		clientID:  DefaultClientID,
		claims:    map[string]any{},
		tokenTTL:  time.Hour,
		codes:     make(map[string]pendingCode),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.published == nil {
		other, err := newSigner()
		if err != nil {
			t.Fatalf("oidctest: %v", err)
		}
		p.published = other
	}

	p.srv = httptest.NewServer(p.routes())
	t.Cleanup(p.srv.Close)
	return p
}

// Issuer is the provider's authority URL.
func (p *Provider) Issuer() string {
	return p.srv.URL
}

func (p *Provider) endpointBase() string {
	if p.foreign {
		return strings.Replace(p.srv.URL, "127.0.0.1", "localhost", 1)
	}
	return p.srv.URL
}

// ClientID returns the accepted client id.
func (p *Provider) ClientID() string {
	return p.clientID
}

// Exchanges counts token endpoint calls, successful or not.
func (p *Provider) Exchanges() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exchanges
}

// AuthorizeRequests returns the query of every authorization request seen.
func (p *Provider) AuthorizeRequests() []url.Values {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]url.Values, len(p.authorizes))
	copy(out, p.authorizes)
	return out
}
