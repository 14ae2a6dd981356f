package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	rtsup "datawatch/internal/runtime/supervisor"
	"datawatch/internal/task/producer"
	logx "datawatch/pkg/logx"
)

const (
	defaultRecorderBuffer = 64
	appendTimeout         = 2 * time.Second
)

// Recorder is the producer.Observer that feeds the audit store.
//
// ObserveFire only enqueues; a single goroutine performs the writes, so a
// slow store never delays a producer. When the queue is full the record is
// dropped and counted. Write failures are logged and never reach producers.
type Recorder struct {
	st  Store
	log logx.Logger
	sup *rtsup.Supervisor

	mu     sync.Mutex
	closed bool
	queue  chan FireRecord

	dropped  atomic.Uint64
	failed   atomic.Uint64
	throttle *logx.Throttle
}

// NewRecorder starts the writer goroutine. It returns nil when st is nil,
// so the result can go straight into producer.Observers.
func NewRecorder(st Store, buffer int, log logx.Logger) *Recorder {
	if st == nil {
		return nil
	}
	if buffer <= 0 {
		buffer = defaultRecorderBuffer
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"))
	r := &Recorder{
		st:       st,
		log:      log,
		sup:      rtsup.New(context.Background(), rtsup.WithLogger(log)),
		queue:    make(chan FireRecord, buffer),
		throttle: logx.NewThrottle(10*time.Second, 1),
	}
	r.sup.Go0("storage.audit", r.drain)
	return r
}

// ObserveFire implements producer.Observer. It never blocks.
func (r *Recorder) ObserveFire(rep producer.Report) {
	if r == nil {
		return
	}
	rec := RecordFromReport(rep)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.dropped.Add(1)
		return
	}
	select {
	case r.queue <- rec:
	default:
		r.dropped.Add(1)
		if r.throttle.Allow("full") {
			r.log.Warn("fire audit queue full; dropping record",
				logx.String("source", rep.Source), logx.Uint64("dropped", r.dropped.Load()))
		}
	}
}

// drain writes queued records until the queue is closed and empty.
func (r *Recorder) drain(context.Context) {
	for rec := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
		err := r.st.AppendFire(ctx, rec)
		cancel()
		if err != nil {
			r.failed.Add(1)
			if r.throttle.Allow("append:" + rec.Source) {
				r.log.Warn("fire audit append failed", logx.String("source", rec.Source), logx.Err(err))
			}
		}
	}
}

// Dropped is the number of records discarded because the queue was full
// or the recorder was closed.
func (r *Recorder) Dropped() uint64 {
	if r == nil {
		return 0
	}
	return r.dropped.Load()
}

// Failed is the number of records the store rejected.
func (r *Recorder) Failed() uint64 {
	if r == nil {
		return 0
	}
	return r.failed.Load()
}

// Close stops accepting records and waits until the queued ones are
// written or ctx is done. The store itself stays open.
func (r *Recorder) Close(ctx context.Context) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	return r.sup.Wait(ctx)
}
