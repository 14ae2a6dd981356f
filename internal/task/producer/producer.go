// Package producer runs one schedule descriptor: a single goroutine that
// waits until due, fires, and re-arms itself until stopped.
//
// Fires of one producer never overlap. The next due time is only computed
// after the previous fire has completed:
//
//   - interval: start of the last fire plus the interval, or right away when
//     that moment has already passed;
//   - cron: the first occurrence strictly after now plus a small epsilon.
package producer

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"datawatch/internal/fetch"
	"datawatch/internal/measure"
	"datawatch/internal/query"
	"datawatch/internal/task/job"
	logx "datawatch/pkg/logx"
)

// Producer is created by New and driven by Run. Run must be called at most once.
type Producer struct {
	id    string
	desc  job.Descriptor
	sched job.Schedule
	q     *query.Query
	deps  Deps
	log   logx.Logger
	now   func() time.Time

	state   atomic.Int32
	started atomic.Bool

	mu     sync.Mutex
	fires  uint64
	failed uint64
	next   time.Time
	last   Report
}

// Option customizes a Producer.
type Option func(*Producer)

// WithID sets the id reported in Status and Report.
func WithID(id string) Option { return func(p *Producer) { p.id = id } }

// WithClock replaces time.Now for due-time computation.
func WithClock(now func() time.Time) Option { return func(p *Producer) { p.now = now } }

// New validates desc, compiles its timing and query, and returns a producer
// in state Created. Any failure is a *job.RegistrationError.
func New(desc job.Descriptor, deps Deps, opts ...Option) (*Producer, error) {
	desc = desc.Clone()
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	sched, err := desc.Timing.Compile()
	if err != nil {
		return nil, &job.RegistrationError{Source: desc.SourceName, Field: "timing", Err: err}
	}
	q, err := query.Compile(desc.Query)
	if err != nil {
		return nil, &job.RegistrationError{Source: desc.SourceName, Field: "query", Err: err}
	}
	if deps.Store == nil {
		return nil, &job.RegistrationError{Source: desc.SourceName, Field: "variables", Err: job.ErrRequired}
	}
	if desc.Action == job.ActionPublish && deps.Publisher == nil {
		return nil, &job.RegistrationError{Source: desc.SourceName, Field: "publisher", Err: job.ErrRequired}
	}
	if deps.Fetcher == nil {
		deps.Fetcher = fetch.New(fetch.Config{})
	}
	if deps.Epsilon <= 0 {
		deps.Epsilon = DefaultEpsilon
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}

	p := &Producer{
		desc:  desc,
		sched: sched,
		q:     q,
		deps:  deps,
		now:   time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	p.log = deps.Log.With(logx.String("comp", "producer"), logx.String("source", desc.SourceName))
	if p.id != "" {
		p.log = p.log.With(logx.String("id", p.id))
	}
	return p, nil
}

// ID returns the id set with WithID.
func (p *Producer) ID() string { return p.id }

// Descriptor returns a copy of the producer's descriptor.
func (p *Producer) Descriptor() job.Descriptor { return p.desc.Clone() }

// State returns the current lifecycle state.
func (p *Producer) State() State { return State(p.state.Load()) }

// Status returns counters, the next due time and the last report.
func (p *Producer) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		ID:     p.id,
		State:  p.State(),
		Fires:  p.fires,
		Failed: p.failed,
		Next:   p.next,
		Last:   p.last,
	}
}

// Run fires and re-arms until ctx is canceled. Cancellation stops waiting
// immediately; an in-flight fire either drains or is aborted depending on
// Deps.CancelInFlight. Run returns after the producer reaches Stopped.
func (p *Producer) Run(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		p.log.Warn("run called twice; ignoring")
		return
	}
	defer func() {
		p.setState(StateStopped)
		p.mu.Lock()
		p.next = time.Time{}
		p.mu.Unlock()
		p.log.Debug("producer stopped")
	}()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	due := p.now()
	if p.desc.DeferFirst {
		due = p.sched.Next(due)
	}
	p.log.Debug("producer started", logx.String("timing", p.desc.Timing.String()), logx.Time("first_due", due))

	for {
		if due.IsZero() {
			p.log.Error("schedule has no next occurrence; stopping producer",
				logx.String("timing", p.desc.Timing.String()))
			return
		}
		p.arm(due)
		if wait := due.Sub(p.now()); wait > 0 {
			timer.Reset(wait)
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
		} else if ctx.Err() != nil {
			return
		}

		started := p.now()
		p.setState(StateFiring)
		p.fire(ctx, started)
		if ctx.Err() != nil {
			return
		}

		if p.desc.Timing.IsCron() {
			due = p.sched.Next(p.now().Add(p.deps.Epsilon))
		} else {
			due = p.sched.Next(started)
		}
	}
}

func (p *Producer) arm(due time.Time) {
	p.mu.Lock()
	p.next = due
	p.mu.Unlock()
	p.setState(StateArmed)
}

func (p *Producer) setState(s State) { p.state.Store(int32(s)) }

// request builds the substituted request. URL and body values are
// percent-encoded; header values are inserted verbatim.
func (p *Producer) request() fetch.Request {
	st := p.deps.Store
	r := fetch.Request{
		Method:  p.desc.Method,
		URL:     st.Substitute(p.desc.APIURL, true),
		Timeout: p.desc.Timeout,
	}
	if p.desc.Method == job.MethodPost && p.desc.Body != "" {
		r.Body = st.Substitute(p.desc.Body, true)
	}
	if len(p.desc.Headers) > 0 {
		r.Headers = make([]job.Header, len(p.desc.Headers))
		for i, h := range p.desc.Headers {
			r.Headers[i] = job.Header{Name: h.Name, Value: st.Substitute(h.Value, false)}
		}
	}
	return r
}

// fire runs one request/extract/deliver cycle. Errors are reported, never
// returned; a panic fails only this fire.
func (p *Producer) fire(ctx context.Context, started time.Time) {
	p.mu.Lock()
	p.fires++
	n := p.fires
	p.mu.Unlock()

	rep := Report{ProducerID: p.id, Source: p.desc.SourceName, Fire: n, Started: started}
	defer func() {
		if rec := recover(); rec != nil {
			rep.Outcome = OutcomePanic
			rep.Err = fmt.Errorf("panic: %v", rec)
			p.log.Error("fire panicked", logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
		}
		rep.Took = time.Since(started)
		p.finish(rep)
	}()

	reqCtx := ctx
	if !p.deps.CancelInFlight {
		reqCtx = context.WithoutCancel(ctx)
	}

	resp, err := p.deps.Fetcher.Fetch(reqCtx, p.request())
	if err != nil {
		rep.Err, rep.Outcome = err, Classify(err)
		return
	}
	rep.Status = resp.Status

	switch p.desc.Action {
	case job.ActionStoreVariable:
		pairs, err := p.q.Pairs(resp.Body)
		if err != nil {
			rep.Err, rep.Outcome = err, Classify(err)
			return
		}
		p.deps.Store.SetPairs(pairs)
		rep.Pairs = len(pairs)
	default:
		groups, err := p.q.Measurements(resp.Body)
		if err != nil {
			rep.Err, rep.Outcome = err, Classify(err)
			return
		}
		ms := measure.Flatten(p.desc.SourceName, resp.Received, groups)
		for _, m := range ms {
			p.deps.Publisher.Publish(m)
		}
		rep.Measurements = len(ms)
	}
	rep.Outcome = OutcomeOK
}

func (p *Producer) finish(rep Report) {
	p.mu.Lock()
	p.last = rep
	if rep.Outcome != OutcomeOK {
		p.failed++
	}
	p.mu.Unlock()

	if rep.Outcome == OutcomeOK {
		p.log.Debug("fire ok",
			logx.Uint64("fire", rep.Fire),
			logx.Duration("took", rep.Took),
			logx.Int("measurements", rep.Measurements),
			logx.Int("pairs", rep.Pairs),
		)
		p.deps.WarnThrottle.Forget(p.desc.SourceName)
	} else if rep.Outcome != OutcomePanic && p.deps.WarnThrottle.Allow(p.desc.SourceName) {
		p.log.Warn("fire failed",
			logx.Uint64("fire", rep.Fire),
			logx.String("outcome", string(rep.Outcome)),
			logx.Int("status", rep.Status),
			logx.Duration("took", rep.Took),
			logx.Err(rep.Err),
		)
	}

	if p.deps.Observer != nil {
		p.deps.Observer.ObserveFire(rep)
	}
}
