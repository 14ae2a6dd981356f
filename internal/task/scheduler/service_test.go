package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datawatch/internal/fetch"
	"datawatch/internal/measure"
	"datawatch/internal/task/job"
	"datawatch/internal/task/producer"
	"datawatch/internal/variables"
)

type fetchFunc func(ctx context.Context, r fetch.Request) (fetch.Response, error)

func (f fetchFunc) Fetch(ctx context.Context, r fetch.Request) (fetch.Response, error) {
	return f(ctx, r)
}

type sink struct {
	mu sync.Mutex
	ms []measure.Measurement
}

func (s *sink) Publish(m measure.Measurement) {
	s.mu.Lock()
	s.ms = append(s.ms, m)
	s.mu.Unlock()
}

func (s *sink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ms)
}

func quoteBody(context.Context, fetch.Request) (fetch.Response, error) {
	return fetch.Response{Status: 200, Body: []byte(`[{"s":"A","v":1},{"s":"B","v":2}]`), Received: time.Now()}, nil
}

func descriptor(source string, timing job.Timing) job.Descriptor {
	return job.Descriptor{
		SourceName: source,
		APIURL:     "https://example.invalid/q",
		Method:     job.MethodGet,
		Timing:     timing,
		Query:      "[].{measure_name: s, measure_data: {mark: v}}",
		Action:     job.ActionPublish,
	}
}

func newService(cfg Config, f producer.Fetcher, pub producer.Publisher, obs producer.Observer) *Service {
	return New(cfg, Deps{Store: variables.New(nil), Publisher: pub, Fetcher: f, Observer: obs})
}

func stopCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSubmitRejectsInvalidCron(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	f := fetchFunc(func(ctx context.Context, r fetch.Request) (fetch.Response, error) {
		calls.Add(1)
		return quoteBody(ctx, r)
	})
	s := newService(Config{}, f, &sink{}, nil)
	defer s.Stop(stopCtx(t))

	_, err := s.Submit(descriptor("BAD", job.CronExpr("not a cron")))
	var re *job.RegistrationError
	require.True(t, errors.As(err, &re), "got %v", err)
	assert.Equal(t, "cron_expression", re.Field)
	assert.Zero(t, s.Len())
	assert.Empty(t, s.Snapshot())

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, calls.Load(), "nothing may fire for a rejected descriptor")
}

func TestSubmitFiresAndSnapshot(t *testing.T) {
	t.Parallel()
	pub := &sink{}
	fired := make(chan producer.Report, 16)
	s := newService(Config{}, fetchFunc(quoteBody), pub, producer.ObserverFunc(func(r producer.Report) {
		select {
		case fired <- r:
		default:
		}
	}))

	h1, err := s.Submit(descriptor("ONE", job.Every(time.Hour)))
	require.NoError(t, err)
	h2, err := s.Submit(descriptor("TWO", job.Every(time.Hour)))
	require.NoError(t, err)
	assert.NotEqual(t, h1.ID, h2.ID)
	assert.Less(t, h1.Seq, h2.Seq)

	for i := 0; i < 2; i++ {
		select {
		case r := <-fired:
			assert.Equal(t, producer.OutcomeOK, r.Outcome)
		case <-time.After(2 * time.Second):
			t.Fatalf("no immediate fire")
		}
	}
	assert.Equal(t, 4, pub.len())

	snap := s.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "ONE", snap[0].Source)
	assert.Equal(t, "TWO", snap[1].Source)
	assert.Equal(t, "every:1h0m0s", snap[0].Timing)
	assert.Equal(t, uint64(1), snap[0].Fires)

	require.NoError(t, s.Stop(stopCtx(t)))
}

func TestStopJoinsEveryProducer(t *testing.T) {
	t.Parallel()
	var inflight atomic.Int32
	slow := fetchFunc(func(ctx context.Context, r fetch.Request) (fetch.Response, error) {
		inflight.Add(1)
		defer inflight.Add(-1)
		time.Sleep(30 * time.Millisecond)
		return quoteBody(ctx, r)
	})
	s := newService(Config{}, slow, &sink{}, nil)
	for _, src := range []string{"A", "B", "C", "D"} {
		_, err := s.Submit(descriptor(src, job.Every(10*time.Millisecond)))
		require.NoError(t, err)
	}
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, s.Stop(stopCtx(t)))
	assert.Zero(t, inflight.Load(), "no fire may outlive Stop")
	for _, info := range s.Snapshot() {
		assert.Equal(t, "stopped", info.State)
	}

	_, err := s.Submit(descriptor("LATE", job.Every(time.Second)))
	assert.ErrorIs(t, err, ErrStopped)
}

func TestRepeatedStopWaitsForDrainingFire(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	var inflight atomic.Int32
	blocked := fetchFunc(func(ctx context.Context, r fetch.Request) (fetch.Response, error) {
		inflight.Add(1)
		defer inflight.Add(-1)
		<-release
		return quoteBody(ctx, r)
	})
	s := newService(Config{}, blocked, &sink{}, nil)
	_, err := s.Submit(descriptor("SLOW", job.Every(time.Hour)))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return inflight.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	short := func() context.Context {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		t.Cleanup(cancel)
		return ctx
	}
	assert.ErrorIs(t, s.Stop(short()), context.DeadlineExceeded)
	assert.ErrorIs(t, s.Stop(short()), context.DeadlineExceeded, "a second Stop must not report success while a fire drains")

	close(release)
	require.NoError(t, s.Stop(stopCtx(t)))
	assert.Zero(t, inflight.Load())
}

func TestRemove(t *testing.T) {
	t.Parallel()
	s := newService(Config{}, fetchFunc(quoteBody), &sink{}, nil)
	defer s.Stop(stopCtx(t))

	h, err := s.Submit(descriptor("ONE", job.Every(time.Hour)))
	require.NoError(t, err)
	assert.True(t, s.Remove(h.ID))
	assert.False(t, s.Remove(h.ID))
	assert.False(t, s.Remove(uuid.New()))
	assert.Zero(t, s.Len())
}

func TestReplaceKeepsRunningSetOnInvalidInput(t *testing.T) {
	t.Parallel()
	s := newService(Config{}, fetchFunc(quoteBody), &sink{}, nil)
	defer s.Stop(stopCtx(t))

	_, err := s.Submit(descriptor("KEEP", job.Every(time.Hour)))
	require.NoError(t, err)

	bad := descriptor("NEW", job.Every(time.Hour))
	bad.Query = "["
	_, err = s.Replace([]job.Descriptor{descriptor("OK", job.Every(time.Hour)), bad})
	require.Error(t, err)
	require.Len(t, s.Snapshot(), 1)
	assert.Equal(t, "KEEP", s.Snapshot()[0].Source)

	hs, err := s.Replace([]job.Descriptor{descriptor("X", job.Every(time.Hour)), descriptor("Y", job.Every(time.Hour))})
	require.NoError(t, err)
	assert.Len(t, hs, 2)
	snap := s.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "X", snap[0].Source)
	assert.Equal(t, "Y", snap[1].Source)
}

func TestDisabledValidatesOnly(t *testing.T) {
	t.Parallel()
	s := newService(Config{Disabled: true}, fetchFunc(quoteBody), &sink{}, nil)
	defer s.Stop(stopCtx(t))

	_, err := s.Submit(descriptor("ONE", job.Every(time.Hour)))
	assert.ErrorIs(t, err, ErrDisabled)

	hs, err := s.Replace([]job.Descriptor{descriptor("ONE", job.Every(time.Hour))})
	require.NoError(t, err)
	assert.Empty(t, hs)
	assert.Zero(t, s.Len())
}

func TestProducersShareVariableStore(t *testing.T) {
	t.Parallel()
	store := variables.New(nil)
	var sawToken atomic.Value
	f := fetchFunc(func(ctx context.Context, r fetch.Request) (fetch.Response, error) {
		if r.URL == "https://example.invalid/token" {
			return fetch.Response{Status: 200, Body: []byte(`{"token":"t-1"}`)}, nil
		}
		sawToken.Store(r.URL)
		return quoteBody(ctx, r)
	})
	done := make(chan struct{}, 8)
	s := New(Config{}, Deps{Store: store, Publisher: &sink{}, Fetcher: f, Observer: producer.ObserverFunc(func(producer.Report) {
		done <- struct{}{}
	})})
	defer s.Stop(stopCtx(t))

	_, err := s.Submit(job.Descriptor{
		SourceName: "AUTH",
		APIURL:     "https://example.invalid/token",
		Timing:     job.Every(time.Hour),
		Method:     job.MethodGet,
		Query:      "{TOKEN: token}",
		Action:     job.ActionStoreVariable,
	})
	require.NoError(t, err)
	<-done

	d := descriptor("DATA", job.Every(time.Hour))
	d.APIURL = "https://example.invalid/q?key=[[TOKEN]]"
	_, err = s.Submit(d)
	require.NoError(t, err)
	<-done

	assert.Equal(t, "https://example.invalid/q?key=t%2D1", sawToken.Load())
}
