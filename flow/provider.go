package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// RelaxableEndpoints are the discovery fields exempted from host validation
// when endpoint validation is disabled. Some providers (Amazon Cognito among
// them) serve these from a different host than the issuer.
var RelaxableEndpoints = []string{
	"authorization_endpoint",
	"token_endpoint",
	"userinfo_endpoint",
	"end_session_endpoint",
	"revocation_endpoint",
}

// EndpointPolicy controls validation of discovered endpoints.
type EndpointPolicy struct {
	// Exclude lists discovery fields that skip validation.
	Exclude []string
}

// RelaxedEndpointPolicy exempts RelaxableEndpoints from validation.
func RelaxedEndpointPolicy() EndpointPolicy {
	return EndpointPolicy{Exclude: append([]string(nil), RelaxableEndpoints...)}
}

func (p EndpointPolicy) excludes(field string) bool {
	for _, f := range p.Exclude {
		if f == field {
			return true
		}
	}
	return false
}

// Metadata is the subset of the discovery document this client inspects.
type Metadata struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	UserinfoEndpoint      string `json:"userinfo_endpoint"`
	EndSessionEndpoint    string `json:"end_session_endpoint"`
	RevocationEndpoint    string `json:"revocation_endpoint"`
	JWKSURI               string `json:"jwks_uri"`
}

func (m Metadata) endpoints() map[string]string {
	return map[string]string{
		"authorization_endpoint": m.AuthorizationEndpoint,
		"token_endpoint":         m.TokenEndpoint,
		"userinfo_endpoint":      m.UserinfoEndpoint,
		"end_session_endpoint":   m.EndSessionEndpoint,
		"revocation_endpoint":    m.RevocationEndpoint,
		"jwks_uri":               m.JWKSURI,
	}
}

// ValidateEndpoints checks that every advertised endpoint lives on the
// authority's scheme and host, and uses https unless it is on loopback.
// Fields named in policy.Exclude are skipped.
func ValidateEndpoints(meta Metadata, authority string, policy EndpointPolicy) error {
	base, err := url.Parse(authority)
	if err != nil {
		return fmt.Errorf("parse authority: %w", err)
	}

	endpoints := meta.endpoints()
	fields := make([]string, 0, len(endpoints))
	for field := range endpoints {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	for _, field := range fields {
		raw := endpoints[field]
		if raw == "" || policy.excludes(field) {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
		if u.Scheme != "https" && !isLoopback(u.Hostname()) {
			return fmt.Errorf("%s %q must use https", field, raw)
		}
		if !strings.EqualFold(u.Scheme, base.Scheme) || !strings.EqualFold(u.Host, base.Host) {
			return fmt.Errorf("%s %q is not on the authority host %q", field, raw, base.Host)
		}
	}
	return nil
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Client is the OIDC protocol surface used by the orchestrator.
type Client interface {
	AuthCodeURL(req AuthorizationRequest) string
	Exchange(ctx context.Context, code string, req AuthorizationRequest) (*TokenResult, error)
}

// Discoverer resolves a Client for an authority.
type Discoverer func(ctx context.Context, opts DiscoveryOptions) (Client, error)

// DiscoveryOptions configures Discover.
type DiscoveryOptions struct {
	Authority          string
	ClientID           string
	Scopes             []string
	Policy             EndpointPolicy
	SkipSignatureCheck bool
	HTTPClient         *http.Client
	Logger             *slog.Logger
}

// Provider is a discovered OpenID provider bound to one public client.
type Provider struct {
	oauthConfig    oauth2.Config
	verifier       *oidc.IDTokenVerifier
	httpClient     *http.Client
	metadata       Metadata
	requireIDToken bool
	logger         *slog.Logger
}

// Discover fetches the discovery document, checks the issuer (go-oidc) and
// the endpoint hosts (policy), and prepares the verifier.
func Discover(ctx context.Context, opts DiscoveryOptions) (*Provider, error) {
	if opts.Authority == "" || opts.ClientID == "" {
		return nil, errors.New("authority and client id are required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	op, err := oidc.NewProvider(oidc.ClientContext(ctx, httpClient), opts.Authority)
	if err != nil {
		return nil, fmt.Errorf("discover provider %s: %w", opts.Authority, err)
	}

	var meta Metadata
	if err := op.Claims(&meta); err != nil {
		return nil, fmt.Errorf("decode discovery document: %w", err)
	}
	if err := ValidateEndpoints(meta, opts.Authority, opts.Policy); err != nil {
		return nil, fmt.Errorf("endpoint validation: %w", err)
	}
	if len(opts.Policy.Exclude) > 0 {
		logger.Debug("endpoint validation relaxed", "excluded", opts.Policy.Exclude)
	}

	endpoint := op.Endpoint()
	endpoint.AuthStyle = oauth2.AuthStyleInParams

	scopes := opts.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID}
	}

	verifier := op.Verifier(&oidc.Config{
		ClientID:                   opts.ClientID,
		InsecureSkipSignatureCheck: opts.SkipSignatureCheck,
	})

	logger.Debug("provider discovered",
		"issuer", meta.Issuer,
		"authorization_endpoint", meta.AuthorizationEndpoint,
		"token_endpoint", meta.TokenEndpoint,
	)

	return &Provider{
		oauthConfig: oauth2.Config{
			ClientID: opts.ClientID,
			Endpoint: endpoint,
			Scopes:   scopes,
		},
		verifier:       verifier,
		httpClient:     httpClient,
		metadata:       meta,
		requireIDToken: hasScope(scopes, oidc.ScopeOpenID),
		logger:         logger,
	}, nil
}

// DiscoverClient is the default Discoverer.
func DiscoverClient(ctx context.Context, opts DiscoveryOptions) (Client, error) {
	p, err := Discover(ctx, opts)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Metadata returns the discovery fields that were validated.
func (p *Provider) Metadata() Metadata {
	return p.metadata
}

func (p *Provider) configFor(req AuthorizationRequest) *oauth2.Config {
	cfg := p.oauthConfig
	cfg.RedirectURL = req.RedirectURI
	if len(req.Scopes) > 0 {
		cfg.Scopes = req.Scopes
	}
	return &cfg
}

// AuthCodeURL builds the front-channel authorization URL.
func (p *Provider) AuthCodeURL(req AuthorizationRequest) string {
	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("code_challenge", req.PKCE.Challenge),
		oauth2.SetAuthURLParam("code_challenge_method", ChallengeMethod),
	}
	if req.PKCE.Nonce != "" {
		opts = append(opts, oidc.Nonce(req.PKCE.Nonce))
	}

	keys := make([]string, 0, len(req.ExtraParams))
	for k := range req.ExtraParams {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		opts = append(opts, oauth2.SetAuthURLParam(k, req.ExtraParams[k]))
	}

	return p.configFor(req).AuthCodeURL(req.PKCE.State, opts...)
}

// Exchange redeems the code with the verifier and validates the ID token.
func (p *Provider) Exchange(ctx context.Context, code string, req AuthorizationRequest) (*TokenResult, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	cfg := p.configFor(req)
	tok, err := cfg.Exchange(ctx, code, oauth2.VerifierOption(req.PKCE.Verifier))
	if err != nil {
		return nil, newError(KindTokenExchangeFailed, err, "exchange authorization code")
	}

	rawIDToken, _ := tok.Extra("id_token").(string)
	if rawIDToken == "" {
		if p.requireIDToken || hasScope(req.Scopes, oidc.ScopeOpenID) {
			return nil, newError(KindTokenValidationFailed, nil, "id_token missing in token response")
		}
		p.logger.Debug("token response without id_token")
		return NewTokenResult("", tok.AccessToken, tok.RefreshToken, tokenExpiry(tok), nil), nil
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, newError(KindTokenValidationFailed, err, "verify id_token")
	}
	if idToken.Nonce != req.PKCE.Nonce {
		return nil, newError(KindTokenValidationFailed, nil, "id_token nonce mismatch")
	}
	if idToken.AccessTokenHash != "" {
		if err := idToken.VerifyAccessToken(tok.AccessToken); err != nil {
			return nil, newError(KindTokenValidationFailed, err, "verify at_hash")
		}
	}

	claims, err := orderedClaims(rawIDToken)
	if err != nil {
		return nil, newError(KindTokenValidationFailed, err, "read id_token claims")
	}
	claims = userClaims(claims)

	p.logger.Debug("id_token verified", "subject", idToken.Subject, "claims", len(claims))

	return NewTokenResult(rawIDToken, tok.AccessToken, tok.RefreshToken, tokenExpiry(tok), claims), nil
}

// tokenExpiry maps a response without expires_in to NoExpiry.
func tokenExpiry(tok *oauth2.Token) time.Time {
	if tok.Expiry.IsZero() {
		return NoExpiry
	}
	return tok.Expiry
}
