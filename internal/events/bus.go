package events

import (
	"sync"
	"time"

	"github.com/amaumene/ytgrab/internal/models"
)

// Bus dispatches status events to every subscriber in publish order.
// Publish never blocks on a slow subscriber: each one has its own unbounded
// queue drained by a dedicated goroutine.
type Bus struct {
	mu          sync.Mutex
	seq         uint64
	subscribers []*subscriber
}

// drainTimeout bounds how long Close waits for subscribers to take their
// remaining events
const drainTimeout = 5 * time.Second

type subscriber struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queue    []models.StatusEvent
	closed   bool
	draining bool
	done     chan struct{}
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{}
}

// Publish stamps the event with the next sequence number and hands it to all
// current subscribers
func (b *Bus) Publish(ev models.StatusEvent) models.StatusEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	ev.Seq = b.seq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	for _, s := range b.subscribers {
		s.push(ev)
	}
	return ev
}

// Subscribe calls onEvent for each event published from now on and returns
// the function that detaches it. Events already queued for a detached
// subscriber are dropped.
func (b *Bus) Subscribe(onEvent func(models.StatusEvent)) (cancel func()) {
	s := &subscriber{done: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)

	b.mu.Lock()
	b.subscribers = append(b.subscribers, s)
	b.mu.Unlock()

	go s.run(onEvent)

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(s) })
	}
}

// Subscribers returns the number of attached subscribers
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Close detaches every subscriber. Events published before Close are still
// delivered; Close waits for that up to drainTimeout, then drops the rest.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subscribers
	b.subscribers = nil
	b.mu.Unlock()

	for _, s := range subs {
		s.drain()
	}

	timer := time.NewTimer(drainTimeout)
	defer timer.Stop()
	for _, s := range subs {
		select {
		case <-s.done:
		case <-timer.C:
			for _, rest := range subs {
				rest.close()
			}
			return
		}
	}
}

func (b *Bus) unsubscribe(s *subscriber) {
	b.mu.Lock()
	for i := range b.subscribers {
		if b.subscribers[i] == s {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	s.close()
}

func (s *subscriber) push(ev models.StatusEvent) {
	s.mu.Lock()
	if !s.closed && !s.draining {
		s.queue = append(s.queue, ev)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.cond.Signal()
	s.mu.Unlock()
}

// drain stops accepting events and lets run exit once the queue is empty
func (s *subscriber) drain() {
	s.mu.Lock()
	s.draining = true
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *subscriber) run(onEvent func(models.StatusEvent)) {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed && !s.draining {
			s.cond.Wait()
		}
		if s.closed || len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		onEvent(ev)
	}
}
