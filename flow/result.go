package flow

import "time"

// Claim is one (type, value) pair taken from the ID token, in token order.
type Claim struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// TokenResult is the immutable product of a successful code exchange.
type TokenResult struct {
	idToken      string
	accessToken  string
	refreshToken string
	expiresAt    time.Time
	claims       []Claim
}

// NoExpiry is reported as the expiry of access tokens issued without a
// lifetime.
var NoExpiry = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)

// NewTokenResult copies claims so later changes by the caller are not observed.
func NewTokenResult(idToken, accessToken, refreshToken string, expiresAt time.Time, claims []Claim) *TokenResult {
	return &TokenResult{
		idToken:      idToken,
		accessToken:  accessToken,
		refreshToken: refreshToken,
		expiresAt:    expiresAt,
		claims:       append([]Claim(nil), claims...),
	}
}

func (t *TokenResult) IDToken() string      { return t.idToken }
func (t *TokenResult) AccessToken() string  { return t.accessToken }
func (t *TokenResult) RefreshToken() string { return t.refreshToken }
func (t *TokenResult) ExpiresAt() time.Time { return t.expiresAt }

// Claims returns a copy of the claims.
func (t *TokenResult) Claims() []Claim {
	return append([]Claim(nil), t.claims...)
}

// Outcome is the terminal value of a flow: either a token or an error, never
// both.
type Outcome struct {
	token *TokenResult
	err   *Error
}

// Success wraps a token result.
func Success(token *TokenResult) Outcome {
	return Outcome{token: token}
}

// Failure wraps a flow error.
func Failure(err *Error) Outcome {
	return Outcome{err: err}
}

func (o Outcome) OK() bool            { return o.err == nil && o.token != nil }
func (o Outcome) Token() *TokenResult { return o.token }
func (o Outcome) Err() *Error         { return o.err }

// Result converts the outcome to the usual (value, error) pair.
func (o Outcome) Result() (*TokenResult, error) {
	if o.err != nil {
		return nil, o.err
	}
	return o.token, nil
}
