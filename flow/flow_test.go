package flow

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

const testCode = "authcode-9f8e7d"

type fakeClient struct {
	mu        sync.Mutex
	requests  []AuthorizationRequest
	codes     []string
	token     *TokenResult
	exchErr   error
	exchDelay time.Duration
}

func (c *fakeClient) AuthCodeURL(req AuthorizationRequest) string {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	c.mu.Unlock()

	q := url.Values{
		"client_id":             {req.ClientID},
		"redirect_uri":          {req.RedirectURI},
		"scope":                 {strings.Join(req.Scopes, " ")},
		"state":                 {req.PKCE.State},
		"code_challenge":        {req.PKCE.Challenge},
		"code_challenge_method": {ChallengeMethod},
	}
	for k, v := range req.ExtraParams {
		q.Set(k, v)
	}
	return req.Authority + "/authorize?" + q.Encode()
}

func (c *fakeClient) Exchange(ctx context.Context, code string, req AuthorizationRequest) (*TokenResult, error) {
	c.mu.Lock()
	c.codes = append(c.codes, code)
	c.mu.Unlock()

	if c.exchDelay > 0 {
		select {
		case <-time.After(c.exchDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if c.exchErr != nil {
		return nil, c.exchErr
	}
	return c.token, nil
}

func (c *fakeClient) exchangeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.codes)
}

func (c *fakeClient) lastRequest() AuthorizationRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests[len(c.requests)-1]
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		token: NewTokenResult("", "at-secret-value", "rt-secret-value", time.Now().Add(time.Hour),
			[]Claim{{Type: "sub", Value: "user-123"}}),
	}
}

func fakeDiscoverer(c Client, err error) Discoverer {
	return func(ctx context.Context, opts DiscoveryOptions) (Client, error) {
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// redirectingBrowser plays the provider and the user agent: it sends the
// browser straight to the redirect URI with a code and the request's state.
func redirectingBrowser(mutate func(url.Values)) Browser {
	return BrowserFunc(func(authURL string) error {
		u, err := url.Parse(authURL)
		if err != nil {
			return err
		}
		q := u.Query()
		cb := url.Values{"code": {testCode}, "state": {q.Get("state")}}
		if mutate != nil {
			mutate(cb)
		}
		target := q.Get("redirect_uri") + "?" + cb.Encode()
		go func() {
			if resp, err := http.Get(target); err == nil {
				resp.Body.Close()
			}
		}()
		return nil
	})
}

func idleBrowser() Browser {
	return BrowserFunc(func(string) error { return nil })
}

func freePort(t *testing.T) int {
	t.Helper()
	port, err := LoopbackPorts{}.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	return port
}

func assertPortFree(t *testing.T, port int) {
	t.Helper()
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		t.Fatalf("port %d still bound: %v", port, err)
	}
	ln.Close()
}

func baseConfig() Config {
	return Config{
		Authority:       "https://idp.example.com",
		ClientID:        "abc123",
		Scope:           "openid profile",
		CallbackTimeout: 5 * time.Second,
	}
}

func TestRunSuccessWithFixedPort(t *testing.T) {
	client := newFakeClient()
	o := New(WithDiscoverer(fakeDiscoverer(client, nil)), WithBrowser(redirectingBrowser(nil)))

	cfg := baseConfig()
	cfg.Port = freePort(t)

	out := o.Run(context.Background(), cfg)
	token, err := out.Result()
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if token.AccessToken() == "" {
		t.Fatalf("expected access token")
	}
	if !token.ExpiresAt().After(time.Now()) {
		t.Fatalf("expiresAt %v is not in the future", token.ExpiresAt())
	}

	req := client.lastRequest()
	if req.RedirectURI != "http://localhost:"+strconv.Itoa(cfg.Port) {
		t.Fatalf("redirect uri = %q", req.RedirectURI)
	}
	if strings.Join(req.Scopes, " ") != "openid profile" {
		t.Fatalf("scopes = %v", req.Scopes)
	}
	if client.exchangeCount() != 1 || client.codes[0] != testCode {
		t.Fatalf("exchange calls = %v", client.codes)
	}
	assertPortFree(t, cfg.Port)
}

func TestRunAllocatesPortWhenUnset(t *testing.T) {
	client := newFakeClient()
	allocated := 0
	ports := PortAllocatorFunc(func() (int, error) {
		p, err := LoopbackPorts{}.Allocate()
		allocated = p
		return p, err
	})
	o := New(WithDiscoverer(fakeDiscoverer(client, nil)), WithBrowser(redirectingBrowser(nil)), WithPortAllocator(ports))

	if _, err := o.Run(context.Background(), baseConfig()).Result(); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if allocated == 0 || client.lastRequest().RedirectURI != RedirectURI(allocated) {
		t.Fatalf("redirect uri %q does not use allocated port %d", client.lastRequest().RedirectURI, allocated)
	}
}

func TestRunStateMismatch(t *testing.T) {
	client := newFakeClient()
	browser := redirectingBrowser(func(q url.Values) { q.Set("state", "forged") })
	o := New(WithDiscoverer(fakeDiscoverer(client, nil)), WithBrowser(browser))

	out := o.Run(context.Background(), baseConfig())
	if out.OK() || out.Err().Kind != KindStateMismatch {
		t.Fatalf("expected StateMismatch, got %v", out.Err())
	}
	if client.exchangeCount() != 0 {
		t.Fatalf("token exchange must not run on state mismatch")
	}
}

func TestRunProviderError(t *testing.T) {
	client := newFakeClient()
	browser := redirectingBrowser(func(q url.Values) {
		q.Del("code")
		q.Set("error", "access_denied")
		q.Set("error_description", "The user denied the request")
	})
	o := New(WithDiscoverer(fakeDiscoverer(client, nil)), WithBrowser(browser))

	out := o.Run(context.Background(), baseConfig())
	if out.OK() || out.Err().Kind != KindProviderError {
		t.Fatalf("expected ProviderError, got %v", out.Err())
	}
	if out.Err().Message != "The user denied the request" {
		t.Fatalf("message = %q", out.Err().Message)
	}
	if client.exchangeCount() != 0 {
		t.Fatalf("token exchange must not run on provider error")
	}
}

func TestRunProviderErrorWithoutDescription(t *testing.T) {
	browser := redirectingBrowser(func(q url.Values) {
		q.Del("code")
		q.Set("error", "login_required")
	})
	o := New(WithDiscoverer(fakeDiscoverer(newFakeClient(), nil)), WithBrowser(browser))

	out := o.Run(context.Background(), baseConfig())
	if out.OK() || out.Err().Message != "login_required" {
		t.Fatalf("expected error code as message, got %v", out.Err())
	}
}

func TestRunTimeoutReleasesPort(t *testing.T) {
	client := newFakeClient()
	o := New(WithDiscoverer(fakeDiscoverer(client, nil)), WithBrowser(idleBrowser()))

	cfg := baseConfig()
	cfg.Port = freePort(t)
	cfg.CallbackTimeout = 150 * time.Millisecond

	start := time.Now()
	out := o.Run(context.Background(), cfg)
	if out.OK() || out.Err().Kind != KindListenerTimeout {
		t.Fatalf("expected ListenerTimeout, got %v", out.Err())
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("timeout took %s", elapsed)
	}
	assertPortFree(t, cfg.Port)
}

func TestRunCancelWhileAwaiting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notified := make(chan struct{})
	notifier := NotifierFunc(func(string, error) { close(notified) })
	o := New(WithDiscoverer(fakeDiscoverer(newFakeClient(), nil)), WithBrowser(idleBrowser()), WithNotifier(notifier))

	cfg := baseConfig()
	cfg.Port = freePort(t)
	cfg.CallbackTimeout = time.Minute

	done := make(chan Outcome, 1)
	go func() { done <- o.Run(ctx, cfg) }()

	<-notified
	cancel()

	select {
	case out := <-done:
		if out.OK() || out.Err().Kind != KindListenerCancelled {
			t.Fatalf("expected ListenerCancelled, got %v", out.Err())
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("flow did not unwind after cancellation")
	}
	assertPortFree(t, cfg.Port)
}

func TestRunCancelDuringExchange(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := newFakeClient()
	client.exchDelay = time.Minute
	browser := redirectingBrowser(nil)
	o := New(WithDiscoverer(fakeDiscoverer(client, nil)), WithBrowser(BrowserFunc(func(u string) error {
		time.AfterFunc(200*time.Millisecond, cancel)
		return browser.Open(u)
	})))

	out := o.Run(ctx, baseConfig())
	if out.OK() || out.Err().Kind != KindListenerCancelled {
		t.Fatalf("expected ListenerCancelled, got %v", out.Err())
	}
}

func TestRunBrowserFailureIsNotFatal(t *testing.T) {
	client := newFakeClient()
	var browserErr error
	notifier := NotifierFunc(func(authURL string, err error) {
		browserErr = err
		// The user follows the printed URL by hand.
		_ = redirectingBrowser(nil).Open(authURL)
	})
	failing := BrowserFunc(func(string) error { return errors.New("xdg-open not found") })
	o := New(WithDiscoverer(fakeDiscoverer(client, nil)), WithBrowser(failing), WithNotifier(notifier))

	if _, err := o.Run(context.Background(), baseConfig()).Result(); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if KindOf(browserErr) != KindBrowserLaunchFailed {
		t.Fatalf("notifier got %v, want BrowserLaunchFailed", browserErr)
	}
}

func TestRunNoBrowser(t *testing.T) {
	opened := false
	browser := BrowserFunc(func(string) error { opened = true; return nil })
	notifier := NotifierFunc(func(authURL string, err error) {
		_ = redirectingBrowser(nil).Open(authURL)
	})
	o := New(WithDiscoverer(fakeDiscoverer(newFakeClient(), nil)), WithBrowser(browser), WithNotifier(notifier))

	cfg := baseConfig()
	cfg.NoBrowser = true
	if _, err := o.Run(context.Background(), cfg).Result(); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if opened {
		t.Fatalf("browser must not be opened with NoBrowser")
	}
}

func TestRunAudienceIsExtraParam(t *testing.T) {
	client := newFakeClient()
	o := New(WithDiscoverer(fakeDiscoverer(client, nil)), WithBrowser(redirectingBrowser(nil)))

	cfg := baseConfig()
	cfg.Audience = "api://default"
	if _, err := o.Run(context.Background(), cfg).Result(); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if got := client.lastRequest().ExtraParams["audience"]; got != "api://default" {
		t.Fatalf("audience = %q", got)
	}
}

func TestRunDefaultScope(t *testing.T) {
	client := newFakeClient()
	o := New(WithDiscoverer(fakeDiscoverer(client, nil)), WithBrowser(redirectingBrowser(nil)))

	cfg := baseConfig()
	cfg.Scope = ""
	if _, err := o.Run(context.Background(), cfg).Result(); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if got := client.lastRequest().Scopes; len(got) != 1 || got[0] != "openid" {
		t.Fatalf("scopes = %v", got)
	}
}

func TestRunFailures(t *testing.T) {
	validation := &Error{Kind: KindTokenValidationFailed, Message: "verify id_token"}
	cases := []struct {
		name   string
		cfg    func(*Config)
		disc   error
		ports  PortAllocator
		exch   error
		want   Kind
		noPort bool
	}{
		{name: "missing authority", cfg: func(c *Config) { c.Authority = "" }, want: KindInvalidConfig, noPort: true},
		{name: "relative authority", cfg: func(c *Config) { c.Authority = "idp.example.com" }, want: KindInvalidConfig, noPort: true},
		{name: "missing client id", cfg: func(c *Config) { c.ClientID = "" }, want: KindInvalidConfig, noPort: true},
		{name: "bad port", cfg: func(c *Config) { c.Port = 70000 }, want: KindInvalidConfig, noPort: true},
		{name: "discovery", disc: errors.New("connection refused"), want: KindDiscoveryFailed, noPort: true},
		{name: "port", ports: PortAllocatorFunc(func() (int, error) { return 0, errors.New("no ports") }), want: KindPortUnavailable},
		{name: "exchange", exch: errors.New("invalid_grant"), want: KindTokenExchangeFailed},
		{name: "validation", exch: validation, want: KindTokenValidationFailed},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := newFakeClient()
			client.exchErr = tc.exch

			allocations := 0
			ports := tc.ports
			if ports == nil {
				ports = LoopbackPorts{}
			}
			counting := PortAllocatorFunc(func() (int, error) {
				allocations++
				return ports.Allocate()
			})

			o := New(
				WithDiscoverer(fakeDiscoverer(client, tc.disc)),
				WithBrowser(redirectingBrowser(nil)),
				WithPortAllocator(counting),
			)
			cfg := baseConfig()
			if tc.cfg != nil {
				tc.cfg(&cfg)
			}

			out := o.Run(context.Background(), cfg)
			if out.OK() {
				t.Fatalf("expected failure")
			}
			if out.Err().Kind != tc.want {
				t.Fatalf("kind = %s, want %s (%v)", out.Err().Kind, tc.want, out.Err())
			}
			if out.Token() != nil {
				t.Fatalf("failed outcome must not carry a token")
			}
			if tc.noPort && allocations != 0 {
				t.Fatalf("port allocated before failure")
			}
		})
	}
}

func TestRunBindFailureOnBusyPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	cfg := baseConfig()
	cfg.Port = ln.Addr().(*net.TCPAddr).Port
	o := New(WithDiscoverer(fakeDiscoverer(newFakeClient(), nil)), WithBrowser(idleBrowser()))

	out := o.Run(context.Background(), cfg)
	if out.OK() || out.Err().Kind != KindPortUnavailable {
		t.Fatalf("expected PortUnavailable, got %v", out.Err())
	}
}

func TestRunDiagnosticsNeverLogsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	client := newFakeClient()
	o := New(WithDiscoverer(fakeDiscoverer(client, nil)), WithBrowser(redirectingBrowser(nil)), WithLogger(logger))

	cfg := baseConfig()
	cfg.Diagnostics = true
	if _, err := o.Run(context.Background(), cfg).Result(); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "flow_id") || !strings.Contains(out, "flow succeeded") {
		t.Fatalf("expected diagnostic records, got %s", out)
	}
	req := client.lastRequest()
	for _, secret := range []string{req.PKCE.Verifier, req.PKCE.State, req.PKCE.Nonce, testCode, "at-secret-value", "rt-secret-value"} {
		if strings.Contains(out, secret) {
			t.Fatalf("diagnostic log leaked %q", secret)
		}
	}
}

func TestRunWithoutDiagnosticsIsSilent(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	o := New(WithDiscoverer(fakeDiscoverer(newFakeClient(), nil)), WithBrowser(redirectingBrowser(nil)), WithLogger(logger))

	if _, err := o.Run(context.Background(), baseConfig()).Result(); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("expected no log output without diagnostics, got %s", buf.String())
	}
}
