// Package job defines the schedule descriptor: what to fetch, when, how to
// extract it, and what to do with the result.
package job

import (
	"fmt"
	"strings"
	"time"
)

// Method is the HTTP method used by a fire.
type Method string

const (
	MethodGet  Method = "GET"
	MethodPost Method = "POST"
)

// ParseMethod accepts any case; empty means GET.
func ParseMethod(s string) (Method, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "GET":
		return MethodGet, nil
	case "POST":
		return MethodPost, nil
	default:
		return "", fmt.Errorf("unsupported method %q (use GET or POST)", s)
	}
}

// Action selects what a fire does with the query result.
type Action string

const (
	ActionPublish       Action = "publish"
	ActionStoreVariable Action = "store_variable"
)

// ParseAction accepts the config spellings, including the CamelCase forms.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "publish":
		return ActionPublish, nil
	case "store_variable", "storevariable", "store":
		return ActionStoreVariable, nil
	default:
		return "", fmt.Errorf("unknown response action %q (use publish or store_variable)", s)
	}
}

// Header is one request header. Value is a template.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Descriptor fully describes one periodic task. It is treated as immutable
// once submitted; the producer keeps its own Clone.
type Descriptor struct {
	SourceName string
	APIURL     string // template
	Method     Method
	Body       string // template, POST only
	Headers    []Header
	Timing     Timing
	Query      string
	Action     Action

	// DeferFirst skips the immediate first fire and waits for the first
	// scheduled occurrence instead.
	DeferFirst bool

	// Timeout overrides the fetcher's default request timeout when > 0.
	Timeout time.Duration
}

// Clone returns a deep copy.
func (d Descriptor) Clone() Descriptor {
	out := d
	if d.Headers != nil {
		out.Headers = append([]Header(nil), d.Headers...)
	}
	return out
}

// Validate checks every field that can be checked without network access.
// The query is compiled by the producer; everything else is checked here.
// The returned error is always a *RegistrationError.
func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.SourceName) == "" {
		return &RegistrationError{Field: "source_name", Err: ErrRequired}
	}
	fail := func(field string, err error) error {
		return &RegistrationError{Source: d.SourceName, Field: field, Err: err}
	}
	if strings.TrimSpace(d.APIURL) == "" {
		return fail("api_url", ErrRequired)
	}
	switch d.Method {
	case MethodGet, MethodPost:
	default:
		return fail("method", fmt.Errorf("unsupported method %q", d.Method))
	}
	switch d.Action {
	case ActionPublish, ActionStoreVariable:
	default:
		return fail("response_action", fmt.Errorf("unknown action %q", d.Action))
	}
	if strings.TrimSpace(d.Query) == "" {
		return fail("query", ErrRequired)
	}
	for i, h := range d.Headers {
		if strings.TrimSpace(h.Name) == "" {
			return fail(fmt.Sprintf("headers[%d].name", i), ErrRequired)
		}
	}
	if d.Timeout < 0 {
		return fail("timeout", fmt.Errorf("must be >= 0"))
	}
	if _, err := d.Timing.Compile(); err != nil {
		field := "interval_seconds"
		if d.Timing.Cron != "" {
			field = "cron_expression"
		}
		return fail(field, err)
	}
	return nil
}
