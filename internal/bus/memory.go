package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// DefaultMemoryBufferSize is the per-subscriber queue length
const DefaultMemoryBufferSize = 1024

// Responder answers requests on a subject
type Responder func(ctx context.Context, data []byte) ([]byte, error)

// MemoryBus is an in-process Conn. It also hosts request responders, which
// makes it usable as an embedded server and in tests.
type MemoryBus struct {
	bufferSize int

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	subscribers  map[string]map[uint64]*memorySubscriber
	responders   map[string]Responder
	shutdownOnce sync.Once
	nextID       atomic.Uint64
}

type memorySubscriber struct {
	bus     *MemoryBus
	subject string
	id      uint64
	handler Handler
	ch      chan []byte
	done    chan struct{}
	once    sync.Once
}

// NewMemoryBus constructs an in-process bus; bufferSize <= 0 selects the default
func NewMemoryBus(bufferSize int) *MemoryBus {
	if bufferSize <= 0 {
		bufferSize = DefaultMemoryBufferSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &MemoryBus{
		bufferSize:  bufferSize,
		ctx:         ctx,
		cancel:      cancel,
		subscribers: make(map[string]map[uint64]*memorySubscriber),
		responders:  make(map[string]Responder),
	}
}

// Handle registers responder for requests on subject, replacing any previous one
func (b *MemoryBus) Handle(subject string, responder Responder) {
	b.mu.Lock()
	b.responders[subject] = responder
	b.mu.Unlock()
}

// Request implements Conn
func (b *MemoryBus) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	if b.ctx.Err() != nil {
		return nil, ErrClosed
	}
	b.mu.RLock()
	responder, ok := b.responders[subject]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoResponder, subject)
	}

	type reply struct {
		data []byte
		err  error
	}
	done := make(chan reply, 1)
	go func() {
		data, err := responder(ctx, clone(data))
		done <- reply{data: data, err: err}
	}()

	select {
	case r := <-done:
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.ctx.Done():
		return nil, ErrClosed
	}
}

// Subscribe implements Conn. Each subscriber has its own queue and goroutine.
func (b *MemoryBus) Subscribe(subject string, handler Handler) (Subscription, error) {
	if b.ctx.Err() != nil {
		return nil, ErrClosed
	}
	sub := &memorySubscriber{
		bus:     b,
		subject: subject,
		id:      b.nextID.Add(1),
		handler: handler,
		ch:      make(chan []byte, b.bufferSize),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if _, ok := b.subscribers[subject]; !ok {
		b.subscribers[subject] = make(map[uint64]*memorySubscriber)
	}
	b.subscribers[subject][sub.id] = sub
	b.mu.Unlock()

	go sub.run()
	return sub, nil
}

// Publish implements Conn by fanning data out to every subscriber of subject
func (b *MemoryBus) Publish(ctx context.Context, subject string, data []byte) error {
	if b.ctx.Err() != nil {
		return ErrClosed
	}

	// Snapshot subscribers to avoid holding lock during delivery.
	b.mu.RLock()
	subscribers := make([]*memorySubscriber, 0, len(b.subscribers[subject]))
	for _, sub := range b.subscribers[subject] {
		subscribers = append(subscribers, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subscribers {
		select {
		case <-sub.done:
		case <-ctx.Done():
			return fmt.Errorf("deliver context: %w", ctx.Err())
		case sub.ch <- clone(data):
		default:
			return fmt.Errorf("bus: subscriber buffer full on %s", subject)
		}
	}
	return nil
}

// SubscriberCount returns the number of subscribers of subject
func (b *MemoryBus) SubscriberCount(subject string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[subject])
}

// Close implements Conn
func (b *MemoryBus) Close(context.Context) error {
	b.shutdownOnce.Do(func() {
		b.cancel()
		b.mu.Lock()
		subs := b.subscribers
		b.subscribers = make(map[string]map[uint64]*memorySubscriber)
		b.mu.Unlock()
		for _, bySubject := range subs {
			for _, sub := range bySubject {
				sub.close()
			}
		}
	})
	return nil
}

// Unsubscribe implements Subscription
func (s *memorySubscriber) Unsubscribe() error {
	b := s.bus
	b.mu.Lock()
	if subs := b.subscribers[s.subject]; subs != nil {
		if stored, ok := subs[s.id]; ok && stored == s {
			delete(subs, s.id)
			if len(subs) == 0 {
				delete(b.subscribers, s.subject)
			}
		}
	}
	b.mu.Unlock()
	s.close()
	return nil
}

func (s *memorySubscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case data := <-s.ch:
			s.handler(s.subject, data)
		}
	}
}

func (s *memorySubscriber) close() {
	s.once.Do(func() { close(s.done) })
}

func clone(data []byte) []byte {
	out := make([]byte, len(data))
	copy(out, data)
	return out
}
