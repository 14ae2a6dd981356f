package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"datawatch/internal/runtime/supervisor"
	"datawatch/internal/task/job"
	"datawatch/internal/task/producer"
	logx "datawatch/pkg/logx"
)

type entry struct {
	h         Handle
	p         *producer.Producer
	cancel    context.CancelFunc
	done      chan struct{}
	submitted time.Time
}

type Service struct {
	cfg  Config
	deps Deps
	log  logx.Logger
	sup  *supervisor.Supervisor

	mu      sync.Mutex
	entries map[uuid.UUID]*entry
	seq     uint64
	stopped bool
}

func New(cfg Config, deps Deps) *Service {
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	log := deps.Log.With(logx.String("comp", "scheduler"))
	return &Service{
		cfg:     cfg,
		deps:    deps,
		log:     log,
		sup:     supervisor.New(context.Background(), supervisor.WithLogger(log)),
		entries: map[uuid.UUID]*entry{},
	}
}

func (s *Service) producerDeps() producer.Deps {
	return producer.Deps{
		Store:          s.deps.Store,
		Publisher:      s.deps.Publisher,
		Fetcher:        s.deps.Fetcher,
		Observer:       s.deps.Observer,
		Log:            s.deps.Log,
		WarnThrottle:   s.deps.WarnThrottle,
		CancelInFlight: s.cfg.CancelInFlight,
		Epsilon:        s.cfg.Epsilon,
	}
}

// Validate checks desc exactly as Submit would, without scheduling anything.
func (s *Service) Validate(desc job.Descriptor) error {
	_, err := producer.New(desc, s.producerDeps())
	return err
}

// Submit validates desc and starts its producer. A rejected descriptor
// returns a *job.RegistrationError and nothing is scheduled.
func (s *Service) Submit(desc job.Descriptor) (Handle, error) {
	id := uuid.New()
	p, err := producer.New(desc, s.producerDeps(), producer.WithID(id.String()))
	if err != nil {
		s.log.Warn("schedule rejected", logx.String("source", desc.SourceName), logx.Err(err))
		return Handle{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return Handle{}, ErrStopped
	}
	if s.cfg.Disabled {
		return Handle{}, ErrDisabled
	}
	s.seq++
	h := Handle{ID: id, Seq: s.seq, Source: desc.SourceName}
	s.startLocked(h, p)
	s.log.Info("schedule submitted",
		logx.String("source", h.Source),
		logx.Uint64("seq", h.Seq),
		logx.String("id", id.String()),
		logx.String("timing", desc.Timing.String()),
		logx.String("action", string(desc.Action)),
	)
	return h, nil
}

func (s *Service) startLocked(h Handle, p *producer.Producer) {
	ctx, cancel := context.WithCancel(s.sup.Context())
	e := &entry{h: h, p: p, cancel: cancel, done: make(chan struct{}), submitted: time.Now()}
	s.entries[h.ID] = e
	s.sup.Go0("producer/"+h.Source, func(context.Context) {
		defer close(e.done)
		defer cancel()
		p.Run(ctx)
	})
}

// Remove stops one producer and waits for it. It reports whether id was known.
func (s *Service) Remove(id uuid.UUID) bool {
	s.mu.Lock()
	e, ok := s.entries[id]
	if ok {
		delete(s.entries, id)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	e.cancel()
	<-e.done
	s.log.Info("schedule removed", logx.String("source", e.h.Source), logx.Uint64("seq", e.h.Seq))
	return true
}

// Replace swaps the whole producer set. Every descriptor is validated first;
// if any is rejected the running set is left untouched and the error returned.
// Old producers are stopped and joined before the new ones start.
func (s *Service) Replace(descs []job.Descriptor) ([]Handle, error) {
	for _, d := range descs {
		if err := s.Validate(d); err != nil {
			return nil, err
		}
	}
	if s.cfg.Disabled {
		s.log.Info("scheduler disabled; schedules validated only", logx.Int("count", len(descs)))
		return nil, nil
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, ErrStopped
	}
	old := make([]*entry, 0, len(s.entries))
	for id, e := range s.entries {
		old = append(old, e)
		delete(s.entries, id)
	}
	s.mu.Unlock()

	for _, e := range old {
		e.cancel()
	}
	for _, e := range old {
		<-e.done
	}
	if len(old) > 0 {
		s.log.Info("schedules stopped for replace", logx.Int("count", len(old)))
	}

	handles := make([]Handle, 0, len(descs))
	for _, d := range descs {
		h, err := s.Submit(d)
		if err != nil {
			return handles, err
		}
		handles = append(handles, h)
	}
	return handles, nil
}

// Stop cancels every producer and blocks until all have returned or ctx
// expires. Repeated calls wait again. Later submissions fail with ErrStopped.
func (s *Service) Stop(ctx context.Context) error {
	start := time.Now()
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		// an earlier Stop may have timed out with producers still draining
		if err := s.sup.Wait(ctx); err != nil && ctx.Err() != nil {
			return err
		}
		return nil
	}
	s.stopped = true
	n := len(s.entries)
	s.mu.Unlock()

	s.log.Info("stop requested", logx.Int("producers", n))
	err := s.sup.Stop(ctx)
	if err != nil && ctx.Err() != nil {
		s.log.Warn("stop timed out", logx.Duration("took", time.Since(start)), logx.Err(err))
		return err
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
	return nil
}

// Len returns the number of registered producers.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Supervisor exposes goroutine diagnostics for the producer pool.
func (s *Service) Supervisor() supervisor.Snapshot { return s.sup.Snapshot() }

// Snapshot returns one row per producer, ordered by submission.
func (s *Service) Snapshot() []ProducerInfo {
	s.mu.Lock()
	es := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		es = append(es, e)
	}
	s.mu.Unlock()
	sort.Slice(es, func(i, j int) bool { return es[i].h.Seq < es[j].h.Seq })

	out := make([]ProducerInfo, 0, len(es))
	for _, e := range es {
		d := e.p.Descriptor()
		st := e.p.Status()
		info := ProducerInfo{
			ID:          e.h.ID.String(),
			Seq:         e.h.Seq,
			Source:      e.h.Source,
			Timing:      d.Timing.String(),
			Method:      string(d.Method),
			Action:      string(d.Action),
			State:       st.State.String(),
			Submitted:   e.submitted,
			Next:        st.Next,
			Fires:       st.Fires,
			Failed:      st.Failed,
			LastStarted: st.Last.Started,
			LastTook:    st.Last.Took,
			LastOutcome: string(st.Last.Outcome),
		}
		if st.Last.Err != nil {
			info.LastError = st.Last.Err.Error()
		}
		out = append(out, info)
	}
	return out
}
