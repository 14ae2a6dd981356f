package broker

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datawatch/internal/measure"
	logx "datawatch/pkg/logx"
)

func m(name string, v float64) measure.Measurement {
	return measure.Measurement{Source: "TEST", Name: name, Description: "mark", Value: v, Timestamp: 1}
}

type recorder struct {
	mu  sync.Mutex
	got []measure.Measurement
}

func (r *recorder) Consume(x measure.Measurement) error {
	r.mu.Lock()
	r.got = append(r.got, x)
	r.mu.Unlock()
	return nil
}

func (r *recorder) all() []measure.Measurement {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]measure.Measurement(nil), r.got...)
}

func TestFanOutToEverySubscriber(t *testing.T) {
	t.Parallel()
	b := New(logx.Nop())
	a, c := &recorder{}, &recorder{}
	_, err := b.Subscribe("a", a, 8)
	require.NoError(t, err)
	_, err = b.Subscribe("c", c, 8)
	require.NoError(t, err)

	b.Publish(m("X", 1))
	b.Publish(m("Y", 2))
	require.NoError(t, b.Close())

	assert.Equal(t, []measure.Measurement{m("X", 1), m("Y", 2)}, a.all())
	assert.Equal(t, a.all(), c.all())
	st := b.Stats()
	assert.Equal(t, uint64(2), st.Published)
	assert.Equal(t, uint64(4), st.Sent)
}

func TestSlowSubscriberDropsWithoutBlocking(t *testing.T) {
	t.Parallel()
	b := New(logx.Nop())
	release := make(chan struct{})
	var slowGot atomic.Int32
	_, err := b.Subscribe("slow", ConsumerFunc(func(measure.Measurement) error {
		<-release
		slowGot.Add(1)
		return nil
	}), 2)
	require.NoError(t, err)
	fast := &recorder{}
	_, err = b.Subscribe("fast", fast, 64)
	require.NoError(t, err)

	begin := time.Now()
	for i := 0; i < 20; i++ {
		b.Publish(m("X", float64(i)))
	}
	assert.Less(t, time.Since(begin), 100*time.Millisecond, "publish must not block")

	close(release)
	require.NoError(t, b.Close())

	assert.Len(t, fast.all(), 20)
	st := b.Stats()
	var slow SubscriberStats
	for _, s := range st.Subscribers {
		if s.Name == "slow" {
			slow = s
		}
	}
	// one in the consumer, two buffered
	assert.LessOrEqual(t, slowGot.Load(), int32(3))
	assert.Equal(t, uint64(20), slow.Sent+slow.Dropped)
	assert.GreaterOrEqual(t, slow.Dropped, uint64(17))
}

func TestConsumerPanicIsIsolated(t *testing.T) {
	t.Parallel()
	b := New(logx.Nop())
	_, err := b.Subscribe("bad", ConsumerFunc(func(x measure.Measurement) error {
		if x.Value == 1 {
			panic("boom")
		}
		return errors.New("nope")
	}), 8)
	require.NoError(t, err)
	good := &recorder{}
	_, err = b.Subscribe("good", good, 8)
	require.NoError(t, err)

	b.Publish(m("X", 1))
	b.Publish(m("X", 2))
	require.NoError(t, b.Close())

	assert.Len(t, good.all(), 2)
	assert.Equal(t, uint64(2), b.Stats().Failed)
}

func TestSubscribeIsNotRetroactive(t *testing.T) {
	t.Parallel()
	b := New(logx.Nop())
	b.Publish(m("EARLY", 1))
	late := &recorder{}
	_, err := b.Subscribe("late", late, 8)
	require.NoError(t, err)
	b.Publish(m("LATE", 2))
	require.NoError(t, b.Close())
	assert.Equal(t, []measure.Measurement{m("LATE", 2)}, late.all())
}

func TestUnsubscribeAndClose(t *testing.T) {
	t.Parallel()
	b := New(logx.Nop())
	r := &recorder{}
	unsub, err := b.Subscribe("r", r, 8)
	require.NoError(t, err)

	_, err = b.Subscribe("r", r, 8)
	assert.ErrorIs(t, err, ErrSubscriberExists)

	b.Publish(m("A", 1))
	unsub()
	unsub()
	b.Publish(m("B", 2))
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	b.Publish(m("C", 3))

	assert.Equal(t, []measure.Measurement{m("A", 1)}, r.all())
	assert.Equal(t, uint64(2), b.Stats().Published, "publishes after Close are not counted")
	_, err = b.Subscribe("x", r, 1)
	assert.ErrorIs(t, err, ErrClosed)
	b.Publish(m("C", 3))
}

func TestConcurrentPublishers(t *testing.T) {
	t.Parallel()
	b := New(logx.Nop())
	r := &recorder{}
	_, err := b.Subscribe("r", r, 1024)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				b.Publish(m("X", float64(i)))
			}
		}()
	}
	wg.Wait()
	require.NoError(t, b.Close())
	st := b.Stats()
	assert.Equal(t, uint64(800), st.Published)
	assert.Equal(t, uint64(len(r.all())), st.Sent)
}
