package bus

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"tickgofer/internal/client"
	"tickgofer/internal/livedata"
)

const sessionQueueSize = 4096

type delivery struct {
	consumer *topicConsumer
	data     []byte
}

// session is one dispatch lane. Ticks on all topics assigned to a session are
// decoded and handed to the update sink by a single goroutine, in arrival order.
type session struct {
	id      int
	queue   chan delivery
	done    chan struct{}
	once    sync.Once
	updates client.UpdateSink
	logger  zerolog.Logger
}

func newSession(id int, updates client.UpdateSink, logger zerolog.Logger) *session {
	return &session{
		id:      id,
		queue:   make(chan delivery, sessionQueueSize),
		done:    make(chan struct{}),
		updates: updates,
		logger:  logger.With().Int("session", id).Logger(),
	}
}

// enqueue blocks while the lane is full so bus back-pressure reaches the server
func (s *session) enqueue(tc *topicConsumer, data []byte) {
	select {
	case s.queue <- delivery{consumer: tc, data: data}:
	case <-s.done:
	}
}

func (s *session) run() {
	for {
		select {
		case <-s.done:
			return
		case d := <-s.queue:
			s.dispatch(d)
		}
	}
}

func (s *session) dispatch(d delivery) {
	if d.consumer.closed.Load() {
		return
	}
	var msg TickMsg
	if err := decode(d.data, &msg); err != nil {
		s.logger.Warn().Err(err).Str("topic", d.consumer.topic).Msg("dropping undecodable tick")
		return
	}
	update := msg.Update()
	if update.Spec.IsZero() {
		spec, ok := d.consumer.soleSpec()
		if !ok {
			s.logger.Warn().Str("topic", d.consumer.topic).Msg("dropping tick without specification on shared topic")
			return
		}
		update.Spec = spec
	}
	s.updates.ValueUpdate(update)
}

func (s *session) stop() {
	s.once.Do(func() { close(s.done) })
}

// topicConsumer is the subscription for one distribution topic, shared by
// every fully-qualified specification the server publishes on it.
type topicConsumer struct {
	topic   string
	session *session
	sub     Subscription
	closed  atomic.Bool

	mu    sync.Mutex
	specs map[string]livedata.ItemSpecification
}

func (tc *topicConsumer) soleSpec() (livedata.ItemSpecification, bool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if len(tc.specs) != 1 {
		return livedata.ItemSpecification{}, false
	}
	for _, spec := range tc.specs {
		return spec, true
	}
	return livedata.ItemSpecification{}, false
}
