package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/url"
)

var (
	ErrStatus       = errors.New("unexpected status")
	ErrBodyTooLarge = errors.New("response body too large")
)

// TransportError is a failed fire at the HTTP layer: connection failure,
// timeout, or a non-2xx status.
type TransportError struct {
	URL    string
	Status int // 0 when no response was received
	Err    error
}

func (e *TransportError) Error() string {
	u := redact(e.URL)
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: status %d: %v", u, e.Status, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", u, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Timeout reports whether the request hit its deadline.
func (e *TransportError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var t interface{ Timeout() bool }
	return errors.As(e.Err, &t) && t.Timeout()
}

// redact drops the query string, which usually carries substituted API keys.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	if u.RawQuery != "" {
		u.RawQuery = "..."
	}
	u.User = nil
	return u.String()
}
