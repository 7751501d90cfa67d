package flow

import (
	"fmt"

	"github.com/pkg/browser"
)

// Browser opens the authorization URL for the user.
type Browser interface {
	Open(url string) error
}

// BrowserFunc adapts a function to Browser.
type BrowserFunc func(url string) error

func (f BrowserFunc) Open(url string) error { return f(url) }

// SystemBrowser opens URLs with the OS default browser. Helper process
// output follows browser.Stdout and browser.Stderr, which main points at
// stderr so stdout stays reserved for the result record.
type SystemBrowser struct{}

func (SystemBrowser) Open(url string) error {
	if err := browser.OpenURL(url); err != nil {
		return fmt.Errorf("open browser: %w", err)
	}
	return nil
}
