// Package scheduler owns the registry of running producers.
//
// Submit validates a descriptor and starts one producer goroutine for it;
// Stop cancels every producer and blocks until all of them have returned.
// Producers never talk to each other; they only share the variable store.
package scheduler

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"datawatch/internal/task/producer"
	"datawatch/internal/variables"
	logx "datawatch/pkg/logx"
)

var (
	ErrStopped  = errors.New("scheduler stopped")
	ErrDisabled = errors.New("scheduler disabled")
)

// Config controls producer behavior for every submitted descriptor.
type Config struct {
	// Disabled validates submissions but never starts producers.
	Disabled bool

	// CancelInFlight aborts running requests on stop instead of draining them.
	CancelInFlight bool

	// Epsilon is the cron re-arm offset (default 100ms).
	Epsilon time.Duration
}

// Deps are handed to every producer.
type Deps struct {
	Store        *variables.Store
	Publisher    producer.Publisher
	Fetcher      producer.Fetcher
	Observer     producer.Observer
	Log          logx.Logger
	WarnThrottle *logx.Throttle
}

// Handle identifies one submission.
type Handle struct {
	ID     uuid.UUID
	Seq    uint64
	Source string
}

// ProducerInfo is one row of Snapshot.
type ProducerInfo struct {
	ID        string    `json:"id"`
	Seq       uint64    `json:"seq"`
	Source    string    `json:"source"`
	Timing    string    `json:"timing"`
	Method    string    `json:"method"`
	Action    string    `json:"action"`
	State     string    `json:"state"`
	Submitted time.Time `json:"submitted"`
	Next      time.Time `json:"next,omitempty"`

	Fires       uint64        `json:"fires"`
	Failed      uint64        `json:"failed"`
	LastStarted time.Time     `json:"last_started,omitempty"`
	LastTook    time.Duration `json:"last_took,omitempty"`
	LastOutcome string        `json:"last_outcome,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
}
