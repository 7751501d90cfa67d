package flow

import (
	"errors"
	"fmt"
)

// Kind classifies a terminal flow failure.
type Kind string

const (
	KindInvalidConfig         Kind = "InvalidConfig"
	KindInternal              Kind = "Internal"
	KindPortUnavailable       Kind = "PortUnavailable"
	KindBrowserLaunchFailed   Kind = "BrowserLaunchFailed"
	KindListenerFailed        Kind = "ListenerFailed"
	KindListenerTimeout       Kind = "ListenerTimeout"
	KindListenerCancelled     Kind = "ListenerCancelled"
	KindProviderError         Kind = "ProviderError"
	KindStateMismatch         Kind = "StateMismatch"
	KindDiscoveryFailed       Kind = "DiscoveryFailed"
	KindTokenExchangeFailed   Kind = "TokenExchangeFailed"
	KindTokenValidationFailed Kind = "TokenValidationFailed"
)

// Error is the single terminal error of a flow.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, err error, format string, args ...any) *Error {
	msg := fmt.Sprintf(format, args...)
	if err != nil {
		msg += ": " + err.Error()
	}
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}
