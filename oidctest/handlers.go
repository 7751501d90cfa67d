package oidctest

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"

	"oidccli/callback"
)

const subject = "user-123"

var pendingPage = template.Must(template.New("pending").Parse(
	`<!DOCTYPE html><html><body><p>Sign in to {{.}}</p></body></html>`))

func (p *Provider) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(callback.LoggingMiddleware(p.logger))
	r.Use(middleware.Recoverer)

	r.Get("/.well-known/openid-configuration", p.handleDiscovery)
	r.Get("/jwks.json", p.handleJWKS)
	r.Get("/authorize", p.handleAuthorize)
	r.Post("/token", p.handleToken)

	return r
}

func (p *Provider) discoveryDocument() map[string]any {
	issuer := p.Issuer()
	base := p.endpointBase()
	return map[string]any{
		"issuer":                                issuer,
		"authorization_endpoint":                base + "/authorize",
		"token_endpoint":                        base + "/token",
		"jwks_uri":                              issuer + "/jwks.json",
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"grant_types_supported":                 []string{"authorization_code"},
		"code_challenge_methods_supported":      []string{"S256"},
		"scopes_supported":                      []string{"openid", "profile", "email"},
		"token_endpoint_auth_methods_supported": []string{"none"},
	}
}

func (p *Provider) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, p.discoveryDocument())
}

func (p *Provider) handleJWKS(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, p.published.publicJWKS())
}

func (p *Provider) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	p.mu.Lock()
	p.authorizes = append(p.authorizes, q)
	p.mu.Unlock()

	if q.Get("client_id") != p.clientID {
		http.Error(w, "unknown client", http.StatusBadRequest)
		return
	}
	if q.Get("response_type") != "code" {
		http.Error(w, "unsupported response_type", http.StatusBadRequest)
		return
	}
	redirectURI, err := url.Parse(q.Get("redirect_uri"))
	if err != nil || redirectURI.Scheme != "http" {
		http.Error(w, "invalid redirect_uri", http.StatusBadRequest)
		return
	}
	if q.Get("code_challenge") == "" || q.Get("code_challenge_method") != "S256" {
		redirectWith(w, redirectURI, url.Values{
			"error":             {"invalid_request"},
			"error_description": {"PKCE S256 required"},
			"state":             {q.Get("state")},
		})
		return
	}

	if p.noRedirect {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_ = pendingPage.Execute(w, p.Issuer())
		return
	}

	state := q.Get("state")
	if p.stateOverride != "" {
		state = p.stateOverride
	}

	if p.authorizeError != "" {
		params := url.Values{"error": {p.authorizeError}, "state": {state}}
		if p.authorizeDesc != "" {
			params.Set("error_description", p.authorizeDesc)
		}
		redirectWith(w, redirectURI, params)
		return
	}

	code := randomHex(16)
	p.mu.Lock()
	p.codes[code] = pendingCode{
		clientID:    p.clientID,
		redirectURI: redirectURI.String(),
		challenge:   q.Get("code_challenge"),
		nonce:       q.Get("nonce"),
		scope:       q.Get("scope"),
	}
	p.mu.Unlock()

	redirectWith(w, redirectURI, url.Values{"code": {code}, "state": {state}})
}

func redirectWith(w http.ResponseWriter, target *url.URL, params url.Values) {
	u := *target
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	w.Header().Set("Location", u.String())
	w.WriteHeader(http.StatusFound)
}

func (p *Provider) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		tokenError(w, "invalid_request", "invalid form")
		return
	}

	p.mu.Lock()
	p.exchanges++
	pending, ok := p.codes[r.PostFormValue("code")]
	delete(p.codes, r.PostFormValue("code"))
	p.mu.Unlock()

	if p.tokenError != "" {
		tokenError(w, p.tokenError, "rejected by test provider")
		return
	}
	if r.PostFormValue("grant_type") != "authorization_code" {
		tokenError(w, "unsupported_grant_type", "")
		return
	}
	if !ok {
		tokenError(w, "invalid_grant", "code invalid or already used")
		return
	}
	if r.PostFormValue("client_id") != pending.clientID {
		tokenError(w, "invalid_grant", "client mismatch")
		return
	}
	if r.PostFormValue("redirect_uri") != pending.redirectURI {
		tokenError(w, "invalid_grant", "redirect_uri mismatch")
		return
	}
	if err := verifyPKCE(pending.challenge, r.PostFormValue("code_verifier")); err != nil {
		tokenError(w, "invalid_grant", err.Error())
		return
	}

	now := time.Now()
	resp := map[string]any{
		"access_token": "at-" + randomHex(16),
		"token_type":   "Bearer",
		"scope":        pending.scope,
	}
	if !p.noExpiresIn {
		resp["expires_in"] = int(p.tokenTTL.Seconds())
	}
	if !p.noRefreshToken {
		resp["refresh_token"] = "rt-" + randomHex(16)
	}
	if !p.noIDToken {
		nonce := pending.nonce
		if p.nonceOverride != "" {
			nonce = p.nonceOverride
		}
		claims := jwt.MapClaims{
			"iss": p.Issuer(),
			"sub": subject,
			"aud": pending.clientID,
			"iat": now.Unix(),
			"exp": now.Add(p.tokenTTL).Unix(),
		}
		if nonce != "" {
			claims["nonce"] = nonce
		}
		for k, v := range p.claims {
			claims[k] = v
		}
		idToken, err := p.signer.Sign(claims)
		if err != nil {
			tokenError(w, "server_error", "failed to sign id_token")
			return
		}
		resp["id_token"] = idToken
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, resp)
}

func verifyPKCE(challenge, verifier string) error {
	if verifier == "" {
		return errors.New("code_verifier required")
	}
	sum := sha256.Sum256([]byte(verifier))
	if base64.RawURLEncoding.EncodeToString(sum[:]) != challenge {
		return errors.New("pkce verification failed")
	}
	return nil
}

func tokenError(w http.ResponseWriter, code, desc string) {
	body := map[string]string{"error": code}
	if desc != "" {
		body["error_description"] = desc
	}
	writeJSON(w, http.StatusBadRequest, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
