package domain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

type ErrorKind string

const (
	KindTransient ErrorKind = "transient"
	KindPermanent ErrorKind = "permanent"
)

var (
	ErrUnknownProvider   = errors.New("unknown_provider")
	ErrDuplicateProvider = errors.New("duplicate_provider")
	ErrInvalidProvider   = errors.New("invalid_provider")
	ErrMalformedPayload  = errors.New("malformed_payload")
	ErrMissingSetting    = errors.New("missing_credential_setting")
)

// Error is a provider failure tagged with whether retrying can help.
type Error struct {
	Kind       ErrorKind
	Provider   string
	Op         string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s %s (status %d): %v", e.Provider, e.Op, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s %s: %v", e.Provider, e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func Transient(provider, op string, err error) *Error {
	return &Error{Kind: KindTransient, Provider: provider, Op: op, Err: err}
}

func Permanent(provider, op string, err error) *Error {
	return &Error{Kind: KindPermanent, Provider: provider, Op: op, Err: err}
}

func IsTransient(err error) bool {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind == KindTransient
	}
	return false
}

func IsPermanent(err error) bool {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind == KindPermanent
	}
	return false
}

// FromHTTPStatus classifies a non-2xx response. It returns nil for success codes.
func FromHTTPStatus(provider, op string, status int, body string) error {
	if status >= 200 && status < 300 {
		return nil
	}
	cause := fmt.Errorf("unexpected response: %s", truncate(body, 256))
	kind := KindPermanent
	switch {
	case status == http.StatusTooManyRequests,
		status == http.StatusRequestTimeout,
		status >= http.StatusInternalServerError:
		kind = KindTransient
	}
	return &Error{Kind: kind, Provider: provider, Op: op, StatusCode: status, Err: cause}
}

// FromTransport marks dial errors, resets and client timeouts as transient.
// Cancellation of the caller's context is returned untouched.
func FromTransport(ctx context.Context, provider, op string, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return err
	}
	return Transient(provider, op, err)
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit]
}
