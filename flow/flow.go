// Package flow runs one OpenID Connect authorization code flow with PKCE
// against a loopback redirect listener and reports its single outcome.
package flow

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"oidccli/callback"
)

// DefaultCallbackTimeout bounds the wait for the browser redirect.
const DefaultCallbackTimeout = 5 * time.Minute

// DefaultScope is requested when no scope is configured.
const DefaultScope = "openid"

// Config is the parsed invocation of one flow.
type Config struct {
	Authority string
	ClientID  string
	Scope     string
	// Port fixes the redirect port; 0 lets the OS pick one.
	Port     int
	Audience string

	Diagnostics               bool
	DisableEndpointValidation bool
	SkipSignatureCheck        bool

	CallbackTimeout time.Duration
	// NoBrowser skips the browser launch; the URL is only handed to the
	// notifier.
	NoBrowser bool
}

func (c Config) validate() error {
	if c.Authority == "" {
		return errors.New("authority is required")
	}
	u, err := url.Parse(c.Authority)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return fmt.Errorf("authority %q is not an absolute http(s) URL", c.Authority)
	}
	if c.ClientID == "" {
		return errors.New("client id is required")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.CallbackTimeout < 0 {
		return fmt.Errorf("callback timeout %s must be positive", c.CallbackTimeout)
	}
	return nil
}

func (c Config) endpointPolicy() EndpointPolicy {
	if c.DisableEndpointValidation {
		return RelaxedEndpointPolicy()
	}
	return EndpointPolicy{}
}

// Notifier is told where the user should authenticate once the listener is
// up. browserErr is non-nil when the browser could not be launched.
type Notifier interface {
	AwaitingAuthorization(authURL string, browserErr error)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(authURL string, browserErr error)

func (f NotifierFunc) AwaitingAuthorization(authURL string, browserErr error) { f(authURL, browserErr) }

// Orchestrator wires the collaborators of one flow.
type Orchestrator struct {
	logger     *slog.Logger
	browser    Browser
	ports      PortAllocator
	discover   Discoverer
	httpClient *http.Client
	notifier   Notifier
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the diagnostics logger. It is used only when
// Config.Diagnostics is set.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

func WithBrowser(b Browser) Option {
	return func(o *Orchestrator) { o.browser = b }
}

func WithPortAllocator(p PortAllocator) Option {
	return func(o *Orchestrator) { o.ports = p }
}

func WithDiscoverer(d Discoverer) Option {
	return func(o *Orchestrator) { o.discover = d }
}

func WithHTTPClient(c *http.Client) Option {
	return func(o *Orchestrator) { o.httpClient = c }
}

func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// New returns an orchestrator with the system browser, OS port allocation
// and go-oidc discovery unless overridden.
func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		browser:  SystemBrowser{},
		ports:    LoopbackPorts{},
		discover: DiscoverClient,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Run executes one flow and returns its outcome. The redirect listener never
// outlives the call.
func (o *Orchestrator) Run(ctx context.Context, cfg Config) Outcome {
	logger := discardLogger()
	if cfg.Diagnostics && o.logger != nil {
		logger = o.logger
	}
	logger = logger.With("flow_id", uuid.NewString())

	out := o.run(ctx, cfg, logger)
	if err := out.Err(); err != nil {
		logger.Info("flow failed", "kind", err.Kind)
	} else {
		logger.Info("flow succeeded", "expires_at", out.Token().ExpiresAt())
	}
	return out
}

func (o *Orchestrator) run(ctx context.Context, cfg Config, logger *slog.Logger) Outcome {
	if err := cfg.validate(); err != nil {
		return Failure(newError(KindInvalidConfig, err, "invalid configuration"))
	}
	scope := cfg.Scope
	if strings.TrimSpace(scope) == "" {
		scope = DefaultScope
	}
	scopes := ParseScope(scope)
	timeout := cfg.CallbackTimeout
	if timeout == 0 {
		timeout = DefaultCallbackTimeout
	}

	logger.Debug("starting flow",
		"authority", cfg.Authority,
		"client_id", cfg.ClientID,
		"scope", strings.Join(scopes, " "),
		"endpoint_validation", !cfg.DisableEndpointValidation,
	)

	client, err := o.discover(ctx, DiscoveryOptions{
		Authority:          cfg.Authority,
		ClientID:           cfg.ClientID,
		Scopes:             scopes,
		Policy:             cfg.endpointPolicy(),
		SkipSignatureCheck: cfg.SkipSignatureCheck,
		HTTPClient:         o.httpClient,
		Logger:             logger,
	})
	if err != nil {
		if ctx.Err() != nil {
			return Failure(newError(KindListenerCancelled, ctx.Err(), "cancelled during discovery"))
		}
		return Failure(newError(KindDiscoveryFailed, err, "discovery failed"))
	}

	port := cfg.Port
	if port == 0 {
		port, err = o.ports.Allocate()
		if err != nil {
			return Failure(newError(KindPortUnavailable, err, "no loopback port available"))
		}
	}

	pkce, err := GeneratePKCE()
	if err != nil {
		return Failure(newError(KindInternal, err, "generate PKCE parameters"))
	}

	req := AuthorizationRequest{
		Authority:   cfg.Authority,
		ClientID:    cfg.ClientID,
		Scopes:      scopes,
		RedirectURI: RedirectURI(port),
		PKCE:        pkce,
	}
	if cfg.Audience != "" {
		req.ExtraParams = map[string]string{"audience": cfg.Audience}
	}
	authURL := client.AuthCodeURL(req)
	logger.Debug("authorization request prepared", "request", req)

	listener := callback.New(callback.Options{Logger: logger})
	if err := listener.Start(port); err != nil {
		return Failure(newError(KindPortUnavailable, err, "bind redirect listener on port %d", port))
	}
	defer listener.Close()

	o.launch(authURL, cfg.NoBrowser, logger)

	res, err := listener.Await(ctx, timeout)
	if err != nil {
		return Failure(awaitError(err, timeout))
	}

	if res.IsError() {
		msg := res.ErrorDescription
		if msg == "" {
			msg = res.Error
		}
		logger.Debug("provider returned an error", "error", res.Error)
		return Failure(&Error{Kind: KindProviderError, Message: msg})
	}
	if subtle.ConstantTimeCompare([]byte(res.State), []byte(req.PKCE.State)) != 1 {
		logger.Warn("state mismatch on authorization response")
		return Failure(&Error{Kind: KindStateMismatch, Message: "state in authorization response does not match the request"})
	}
	if res.Code == "" {
		return Failure(&Error{Kind: KindProviderError, Message: "authorization response carried no code"})
	}

	token, err := client.Exchange(ctx, res.Code, req)
	if err != nil {
		if ctx.Err() != nil {
			return Failure(newError(KindListenerCancelled, ctx.Err(), "cancelled during token exchange"))
		}
		var fe *Error
		if errors.As(err, &fe) {
			return Failure(fe)
		}
		return Failure(newError(KindTokenExchangeFailed, err, "token exchange failed"))
	}
	return Success(token)
}

// launch opens the browser when allowed. A launch failure is reported to the
// notifier and does not stop the flow.
func (o *Orchestrator) launch(authURL string, noBrowser bool, logger *slog.Logger) {
	var browserErr error
	if !noBrowser && o.browser != nil {
		if err := o.browser.Open(authURL); err != nil {
			browserErr = newError(KindBrowserLaunchFailed, err, "could not open a browser")
			logger.Warn("browser launch failed", "error", err)
		}
	}
	if o.notifier != nil {
		o.notifier.AwaitingAuthorization(authURL, browserErr)
	}
}

func awaitError(err error, timeout time.Duration) *Error {
	switch {
	case errors.Is(err, callback.ErrTimeout):
		return newError(KindListenerTimeout, nil, "no authorization response within %s", timeout)
	case errors.Is(err, callback.ErrCancelled):
		return newError(KindListenerCancelled, nil, "cancelled while waiting for the authorization response")
	default:
		return newError(KindListenerFailed, err, "redirect listener failed")
	}
}
