package oidctest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Visit is what the simulated browser saw at the end of the redirect chain.
type Visit struct {
	URL    string
	Status int
	Body   string
	Err    error
}

// Browser follows the authorization URL in the background, the way a user
// agent would, and lands on the client's redirect URI.
type Browser struct {
	client *http.Client
	visits chan Visit
	fail   error
}

// Browser returns a simulated user agent for this provider.
func (p *Provider) Browser() *Browser {
	return &Browser{
		client: &http.Client{Timeout: 10 * time.Second},
		visits: make(chan Visit, 4),
	}
}

// FailingBrowser returns a browser whose Open always fails with err and
// never visits the URL.
func FailingBrowser(err error) *Browser {
	if err == nil {
		err = errors.New("no browser available")
	}
	return &Browser{fail: err, visits: make(chan Visit, 1)}
}

// Open starts the visit and returns immediately.
func (b *Browser) Open(authURL string) error {
	if b.fail != nil {
		return b.fail
	}
	go func() {
		b.visits <- b.visit(authURL)
	}()
	return nil
}

func (b *Browser) visit(target string) Visit {
	resp, err := b.client.Get(target)
	if err != nil {
		return Visit{URL: target, Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	return Visit{URL: resp.Request.URL.String(), Status: resp.StatusCode, Body: string(body), Err: err}
}

// Wait returns the next completed visit.
func (b *Browser) Wait(ctx context.Context) (Visit, error) {
	select {
	case v := <-b.visits:
		return v, nil
	case <-ctx.Done():
		return Visit{}, fmt.Errorf("waiting for browser visit: %w", ctx.Err())
	}
}
