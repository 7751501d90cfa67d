// Package callback receives the OAuth redirect on a loopback port.
package callback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultPath is the redirect path served by the listener.
const DefaultPath = "/"

// Host the listener binds to. The redirect URI advertises "localhost".
const loopbackHost = "127.0.0.1"

var (
	ErrTimeout        = errors.New("timed out waiting for the authorization response")
	ErrCancelled      = errors.New("cancelled while waiting for the authorization response")
	ErrAlreadyStarted = errors.New("listener already started")
	ErrNotStarted     = errors.New("listener not started")
	ErrClosed         = errors.New("listener closed")
)

// State tracks the lifecycle of a Listener.
type State int32

const (
	Idle State = iota
	Listening
	Captured
	Closed
	Cancelled
	TimedOut
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case Captured:
		return "captured"
	case Closed:
		return "closed"
	case Cancelled:
		return "cancelled"
	case TimedOut:
		return "timed_out"
	default:
		return "unknown(" + strconv.Itoa(int(s)) + ")"
	}
}

// Result is the authorization response delivered by the browser redirect.
type Result struct {
	Query            url.Values
	State            string
	Code             string
	Error            string
	ErrorDescription string
}

// IsError reports whether the provider answered with an error response.
func (r *Result) IsError() bool {
	return r.Error != ""
}

// LogValue keeps the code and state out of logs.
func (r *Result) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Bool("has_code", r.Code != ""),
		slog.Bool("has_state", r.State != ""),
		slog.String("error", r.Error),
	)
}

func resultFromQuery(query url.Values) *Result {
	return &Result{
		Query:            query,
		State:            query.Get("state"),
		Code:             query.Get("code"),
		Error:            query.Get("error"),
		ErrorDescription: query.Get("error_description"),
	}
}

// isAuthorizationResponse filters out requests to the redirect path that carry
// neither a code/state pair nor an error, e.g. a bare reload of the page.
func isAuthorizationResponse(query url.Values) bool {
	return query.Get("error") != "" || query.Get("code") != "" || query.Get("state") != ""
}

// Options configures a Listener.
type Options struct {
	Path   string
	Logger *slog.Logger
	// ShutdownGrace bounds how long a captured response may take to flush
	// before the server is torn down.
	ShutdownGrace time.Duration
}

// Listener is a single-use loopback HTTP endpoint that captures exactly one
// authorization response and then stops accepting connections.
type Listener struct {
	path   string
	logger *slog.Logger
	grace  time.Duration

	state   atomic.Int32
	latch   atomic.Bool
	results chan *Result
	faults  chan error

	srv       *http.Server
	port      int
	startedAt time.Time
	closeOnce sync.Once
}

// New constructs an idle listener.
func New(opts Options) *Listener {
	path := opts.Path
	if path == "" {
		path = DefaultPath
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	grace := opts.ShutdownGrace
	if grace <= 0 {
		grace = 2 * time.Second
	}
	return &Listener{
		path:    path,
		logger:  logger.With("component", "callback"),
		grace:   grace,
		results: make(chan *Result, 1),
		faults:  make(chan error, 1),
	}
}

// Start binds the loopback port and serves in the background. Port 0 asks the
// OS for an ephemeral port.
func (l *Listener) Start(port int) error {
	if !l.state.CompareAndSwap(int32(Idle), int32(Listening)) {
		return ErrAlreadyStarted
	}

	addr := net.JoinHostPort(loopbackHost, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		l.state.Store(int32(Closed))
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	l.port = ln.Addr().(*net.TCPAddr).Port
	l.startedAt = time.Now()
	l.srv = &http.Server{
		Handler:           l.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      15 * time.Second,
	}

	l.logger.Debug("listener started", "port", l.port, "path", l.path)

	go func() {
		if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case l.faults <- err:
			default:
			}
		}
	}()
	return nil
}

// Await blocks until the first authorization response is captured, the
// deadline measured from Start elapses, or ctx is done. The listener is torn
// down on every return path.
func (l *Listener) Await(ctx context.Context, timeout time.Duration) (*Result, error) {
	switch l.State() {
	case Idle:
		return nil, ErrNotStarted
	case Listening, Captured:
	default:
		return nil, ErrClosed
	}

	timer := time.NewTimer(timeout - time.Since(l.startedAt))
	defer timer.Stop()

	select {
	case res := <-l.results:
		l.teardown(Closed, true)
		return res, nil
	case err := <-l.faults:
		l.teardown(Closed, false)
		return nil, fmt.Errorf("callback server: %w", err)
	case <-timer.C:
		l.teardown(TimedOut, false)
		return nil, ErrTimeout
	case <-ctx.Done():
		l.teardown(Cancelled, false)
		return nil, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
	}
}

// Close releases the port without waiting for a response. It is safe to call
// more than once and after Await has returned.
func (l *Listener) Close() {
	l.teardown(Closed, false)
}

func (l *Listener) teardown(final State, graceful bool) {
	l.closeOnce.Do(func() {
		l.state.Store(int32(final))
		if l.srv == nil {
			return
		}
		if graceful {
			ctx, cancel := context.WithTimeout(context.Background(), l.grace)
			defer cancel()
			if err := l.srv.Shutdown(ctx); err == nil {
				l.logger.Debug("listener stopped", "state", final)
				return
			}
		}
		_ = l.srv.Close()
		l.logger.Debug("listener stopped", "state", final)
	})
}

// State returns the current lifecycle state.
func (l *Listener) State() State {
	return State(l.state.Load())
}

// Port returns the bound port, or 0 before Start.
func (l *Listener) Port() int {
	return l.port
}

// Path returns the redirect path the listener accepts.
func (l *Listener) Path() string {
	return l.path
}

// URL returns the loopback URL of the redirect path.
func (l *Listener) URL() string {
	return (&url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(loopbackHost, strconv.Itoa(l.port)),
		Path:   l.path,
	}).String()
}
