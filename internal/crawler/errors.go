package crawler

import (
	"errors"
	"fmt"
)

// ErrMalformedURL reports a URL that cannot be parsed or is not http(s).
var ErrMalformedURL = errors.New("malformed url")

// FetchErrorKind classifies fetch failures.
type FetchErrorKind string

// Fetch failure kinds. Timeout, Network and 5xx HTTP failures are transient.
const (
	KindTimeout          FetchErrorKind = "timeout"
	KindHTTP             FetchErrorKind = "http"
	KindRobotsDisallowed FetchErrorKind = "robots_disallowed"
	KindNetwork          FetchErrorKind = "network"
	KindContentRejected  FetchErrorKind = "content_rejected"
)

// FetchError is returned by Fetcher implementations for every failed fetch.
type FetchError struct {
	Kind       FetchErrorKind
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	switch {
	case e.Kind == KindHTTP:
		return fmt.Sprintf("fetch %s: http status %d", e.URL, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
	default:
		return fmt.Sprintf("fetch %s: %s", e.URL, e.Kind)
	}
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Retryable reports whether another attempt may succeed.
func (e *FetchError) Retryable() bool {
	switch e.Kind {
	case KindTimeout, KindNetwork:
		return true
	case KindHTTP:
		return e.StatusCode >= 500
	default:
		return false
	}
}

// NewTimeoutError wraps err as a Timeout failure.
func NewTimeoutError(url string, err error) *FetchError {
	return &FetchError{Kind: KindTimeout, URL: url, Err: err}
}

// NewHTTPError records a non-success status code.
func NewHTTPError(url string, status int) *FetchError {
	return &FetchError{Kind: KindHTTP, URL: url, StatusCode: status}
}

// NewRobotsDisallowedError marks url as excluded by robots.txt.
func NewRobotsDisallowedError(url string) *FetchError {
	return &FetchError{Kind: KindRobotsDisallowed, URL: url}
}

// NewNetworkError wraps a transport failure.
func NewNetworkError(url string, err error) *FetchError {
	return &FetchError{Kind: KindNetwork, URL: url, Err: err}
}

// NewContentRejectedError marks a body refused for its type or size.
func NewContentRejectedError(url string, reason error) *FetchError {
	return &FetchError{Kind: KindContentRejected, URL: url, Err: reason}
}

// IsRetryable reports whether err is a transient FetchError.
func IsRetryable(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Retryable()
	}
	return false
}

// KindOf returns the FetchErrorKind carried by err, or "" when err is not a FetchError.
func KindOf(err error) FetchErrorKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Content rejection reasons.
var (
	ErrContentType  = errors.New("unsupported content type")
	ErrBodyTooLarge = errors.New("body exceeds size limit")
)
