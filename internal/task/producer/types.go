package producer

import (
	"context"
	"errors"
	"time"

	"datawatch/internal/fetch"
	"datawatch/internal/measure"
	"datawatch/internal/query"
	"datawatch/internal/variables"
	logx "datawatch/pkg/logx"
)

// DefaultEpsilon is how far past a cron fire the next occurrence is looked up,
// so a fast fire never matches the same second twice.
const DefaultEpsilon = 100 * time.Millisecond

// State is the producer lifecycle state.
type State int32

const (
	StateCreated State = iota
	StateArmed
	StateFiring
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateArmed:
		return "armed"
	case StateFiring:
		return "firing"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Outcome classifies a finished fire.
type Outcome string

const (
	OutcomeOK        Outcome = "ok"
	OutcomeTransport Outcome = "transport"
	OutcomeParse     Outcome = "parse"
	OutcomeEvaluate  Outcome = "evaluate"
	OutcomeShape     Outcome = "shape"
	OutcomeCanceled  Outcome = "canceled"
	OutcomePanic     Outcome = "panic"
	OutcomeError     Outcome = "error"
)

// Classify maps a fire error to its outcome.
func Classify(err error) Outcome {
	var (
		te *fetch.TransportError
		pe *query.ParseError
		ee *query.EvaluationError
		se *query.ShapeMismatchError
	)
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, context.Canceled):
		return OutcomeCanceled
	case errors.As(err, &te):
		return OutcomeTransport
	case errors.As(err, &pe):
		return OutcomeParse
	case errors.As(err, &ee):
		return OutcomeEvaluate
	case errors.As(err, &se):
		return OutcomeShape
	default:
		return OutcomeError
	}
}

// Report describes one finished fire.
type Report struct {
	ProducerID string
	Source     string
	Fire       uint64 // 1-based fire counter of this producer
	Started    time.Time
	Took       time.Duration
	Outcome    Outcome
	Err        error
	Status     int // HTTP status, 0 when no response

	Measurements int
	Pairs        int
}

// Observer receives a Report after every fire. It is called from the
// producer goroutine and must not block.
type Observer interface {
	ObserveFire(Report)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Report)

func (f ObserverFunc) ObserveFire(r Report) { f(r) }

// Observers fans a report out to each non-nil observer in order.
type Observers []Observer

func (os Observers) ObserveFire(r Report) {
	for _, o := range os {
		if o != nil {
			o.ObserveFire(r)
		}
	}
}

// Publisher accepts measurements for broadcast. Publish must not block.
type Publisher interface {
	Publish(measure.Measurement)
}

// Fetcher performs one substituted request.
type Fetcher interface {
	Fetch(ctx context.Context, r fetch.Request) (fetch.Response, error)
}

// Deps are shared by every producer of a scheduler.
type Deps struct {
	Store     *variables.Store
	Publisher Publisher
	Fetcher   Fetcher
	Observer  Observer
	Log       logx.Logger

	// WarnThrottle limits repeated failure warnings per source. Nil logs all.
	WarnThrottle *logx.Throttle

	// CancelInFlight aborts a running request when the producer is stopped.
	// By default an in-flight fire drains, bounded by its request timeout.
	CancelInFlight bool

	// Epsilon overrides DefaultEpsilon when > 0.
	Epsilon time.Duration
}

// Status is a point-in-time view of a producer.
type Status struct {
	ID     string
	State  State
	Fires  uint64
	Next   time.Time
	Last   Report
	Failed uint64
}
