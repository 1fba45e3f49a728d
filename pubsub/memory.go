package pubsub

import (
	"context"
	"sync"
)

// Memory is an in-process broker. Like a NATS subscription, each
// subscription delivers its messages in publish order on its own goroutine.
type Memory struct {
	mu     sync.RWMutex
	subs   map[*memorySubscription]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewMemory creates an empty in-process broker.
func NewMemory() *Memory {
	return &Memory{subs: make(map[*memorySubscription]struct{})}
}

type delivery struct {
	topic string
	data  []byte
}

type memorySubscription struct {
	broker  *Memory
	filter  string
	handler Handler
	ctx     context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	queue  []delivery
	signal chan struct{}
}

func (s *memorySubscription) Filter() string { return s.filter }

func (s *memorySubscription) Unsubscribe() error {
	s.cancel()
	s.broker.mu.Lock()
	delete(s.broker.subs, s)
	s.broker.mu.Unlock()
	return nil
}

// enqueue never blocks, so handlers may publish to their own filter.
func (s *memorySubscription) enqueue(d delivery) {
	s.mu.Lock()
	s.queue = append(s.queue, d)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *memorySubscription) run() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.signal:
		}
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			d := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			if s.ctx.Err() != nil {
				return
			}
			s.handler(s.ctx, d.topic, d.data)
		}
	}
}

// Publish queues data for every matching subscription.
func (m *Memory) Publish(_ context.Context, topic string, data []byte) error {
	if err := ValidateTopic(topic); err != nil {
		return err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	for s := range m.subs {
		if Match(s.filter, topic) {
			s.enqueue(delivery{topic: topic, data: append([]byte(nil), data...)})
		}
	}
	return nil
}

// Subscribe registers handler for filter until ctx ends or the
// subscription is removed.
func (m *Memory) Subscribe(ctx context.Context, filter string, handler Handler) (Subscription, error) {
	if err := ValidateFilter(filter); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	subCtx, cancel := context.WithCancel(ctx)
	s := &memorySubscription{
		broker:  m,
		filter:  filter,
		handler: handler,
		ctx:     subCtx,
		cancel:  cancel,
		signal:  make(chan struct{}, 1),
	}
	m.subs[s] = struct{}{}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		s.run()
	}()
	return s, nil
}

// Subscriptions returns the number of active subscriptions.
func (m *Memory) Subscriptions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}

// Close drops all subscriptions and waits for running deliveries.
func (m *Memory) Close(_ context.Context) error {
	m.mu.Lock()
	m.closed = true
	for s := range m.subs {
		s.cancel()
	}
	m.subs = make(map[*memorySubscription]struct{})
	m.mu.Unlock()

	m.wg.Wait()
	return nil
}
