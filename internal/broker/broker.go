// Package broker fans measurements out to subscribed consumers.
//
// Contract:
//   - Publish never blocks. Each subscriber owns a bounded buffer; when it is
//     full the measurement is dropped for that subscriber only.
//   - Each subscriber has one delivery goroutine, so a slow or failing
//     consumer never affects producers or other consumers.
//   - Consumer errors and panics are counted and logged, never propagated.
//   - Subscriptions are not retroactive.
package broker

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"datawatch/internal/measure"
	logx "datawatch/pkg/logx"
)

const DefaultBuffer = 64

var (
	ErrClosed           = errors.New("broker closed")
	ErrSubscriberExists = errors.New("subscriber name already exists")
)

// Consumer receives measurements on its own goroutine.
type Consumer interface {
	Consume(measure.Measurement) error
}

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc func(measure.Measurement) error

func (f ConsumerFunc) Consume(m measure.Measurement) error { return f(m) }

// Stats is a point-in-time view of the broker.
type Stats struct {
	Published   uint64
	Sent        uint64
	Dropped     uint64
	Failed      uint64
	Subscribers []SubscriberStats
}

// SubscriberStats are the counters of one subscription.
type SubscriberStats struct {
	Name      string
	Sent      uint64 // accepted into the buffer
	Dropped   uint64 // buffer full
	Delivered uint64 // Consume returned nil
	Failed    uint64 // Consume returned an error or panicked
	Queued    int
	Capacity  int
}

type subscription struct {
	name string
	c    Consumer
	ch   chan measure.Measurement
	once sync.Once

	sent      atomic.Uint64
	dropped   atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
}

type Broker struct {
	log logx.Logger

	mu     sync.RWMutex
	subs   map[string]*subscription
	closed bool

	published atomic.Uint64
	wg        sync.WaitGroup
	drops     *logx.Throttle
}

func New(log logx.Logger) *Broker {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Broker{
		log:   log.With(logx.String("comp", "broker")),
		subs:  map[string]*subscription{},
		drops: logx.NewThrottle(10*time.Second, 1),
	}
}

// SetDropThrottle replaces the limiter for "subscriber slow" warnings.
// Nil logs every drop.
func (b *Broker) SetDropThrottle(t *logx.Throttle) { b.drops = t }

// Subscribe registers c under a unique name and starts its delivery
// goroutine. The returned function unsubscribes; buffered measurements are
// still delivered before the goroutine exits.
func (b *Broker) Subscribe(name string, c Consumer, buffer int) (func(), error) {
	if c == nil {
		return nil, errors.New("broker: nil consumer")
	}
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	sub := &subscription{name: name, c: c, ch: make(chan measure.Measurement, buffer)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	if _, ok := b.subs[name]; ok {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrSubscriberExists, name)
	}
	b.subs[name] = sub
	b.wg.Add(1)
	b.mu.Unlock()

	go b.deliver(sub)
	b.log.Debug("subscriber added", logx.String("name", name), logx.Int("buffer", buffer))

	return func() {
		b.mu.Lock()
		if cur, ok := b.subs[name]; ok && cur == sub {
			delete(b.subs, name)
			sub.once.Do(func() { close(sub.ch) })
		}
		b.mu.Unlock()
	}, nil
}

// Publish offers m to every subscriber without blocking.
// Measurements offered after Close are ignored and not counted.
func (b *Broker) Publish(m measure.Measurement) {
	// The read lock excludes channel close in Unsubscribe/Close.
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.published.Add(1)
	for _, sub := range b.subs {
		select {
		case sub.ch <- m:
			sub.sent.Add(1)
		default:
			sub.dropped.Add(1)
			if b.drops.Allow(sub.name) {
				b.log.Warn("subscriber slow; measurement dropped",
					logx.String("subscriber", sub.name),
					logx.String("source", m.Source),
					logx.Uint64("dropped_total", sub.dropped.Load()),
				)
			}
		}
	}
}

func (b *Broker) deliver(sub *subscription) {
	defer b.wg.Done()
	log := b.log.With(logx.String("subscriber", sub.name))
	for m := range sub.ch {
		if err := consume(sub.c, m); err != nil {
			sub.failed.Add(1)
			log.Warn("consumer failed", logx.String("source", m.Source), logx.String("name", m.Name), logx.Err(err))
			continue
		}
		sub.delivered.Add(1)
	}
	log.Debug("subscriber drained")
}

func consume(c Consumer, m measure.Measurement) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("consumer panic: %v\n%s", r, debug.Stack())
		}
	}()
	return c.Consume(m)
}

// Stats returns totals and per-subscriber counters, sorted by name.
func (b *Broker) Stats() Stats {
	st := Stats{Published: b.published.Load()}
	b.mu.RLock()
	for _, sub := range b.subs {
		ss := SubscriberStats{
			Name:      sub.name,
			Sent:      sub.sent.Load(),
			Dropped:   sub.dropped.Load(),
			Delivered: sub.delivered.Load(),
			Failed:    sub.failed.Load(),
			Queued:    len(sub.ch),
			Capacity:  cap(sub.ch),
		}
		st.Sent += ss.Sent
		st.Dropped += ss.Dropped
		st.Failed += ss.Failed
		st.Subscribers = append(st.Subscribers, ss)
	}
	b.mu.RUnlock()
	sort.Slice(st.Subscribers, func(i, j int) bool { return st.Subscribers[i].Name < st.Subscribers[j].Name })
	return st
}

// Close stops accepting measurements, lets every subscriber drain its
// buffer, and waits for the delivery goroutines. Safe to call twice.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, sub := range b.subs {
		sub.once.Do(func() { close(sub.ch) })
	}
	b.mu.Unlock()

	b.wg.Wait()
	b.log.Debug("broker closed")
	return nil
}
