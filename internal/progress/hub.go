package progress

import (
	"context"
	"sync"
	"time"
)

const (
	// defaultReplayBuffer bounds the per-run event history kept for
	// late subscribers.
	defaultReplayBuffer = 1000
	// defaultMaxPending bounds a subscriber's outgoing queue before
	// non-terminal events start being dropped.
	defaultMaxPending = 256
)

// Hub multiplexes progress events to per-run subscribers. Publishing
// never blocks: slow consumers lose intermediate percentage updates
// first, while terminal events are always retained for delivery.
type Hub struct {
	mu    sync.RWMutex
	runs  map[string]*stream
	nowFn func() time.Time
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		runs:  make(map[string]*stream),
		nowFn: time.Now,
	}
}

// Publish stamps and broadcasts the event to all subscribers of its run.
func (h *Hub) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = h.nowFn()
	}
	st := h.getOrCreateStream(ev.RunID)
	st.publish(ev)
}

// Subscribe registers a subscriber for a run. Events already buffered
// with Seq greater than afterSeq are replayed first; pass 0 for the
// full buffer. The returned subscription's channel is closed when ctx
// is cancelled or Close is called.
func (h *Hub) Subscribe(ctx context.Context, runID string, afterSeq int64) *Subscription {
	st := h.getOrCreateStream(runID)
	return st.subscribe(ctx, afterSeq)
}

// Reporter returns a step-scoped reporter publishing into this hub.
func (h *Hub) Reporter(runID, step string) *Reporter {
	return &Reporter{hub: h, runID: runID, step: step}
}

// LastSeq returns the sequence number of the newest event published for
// a run, or 0 when nothing has been published yet. Subscribing after
// this sequence skips the whole backlog.
func (h *Hub) LastSeq(runID string) int64 {
	h.mu.RLock()
	st, ok := h.runs[runID]
	h.mu.RUnlock()
	if !ok {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.seq
}

func (h *Hub) getOrCreateStream(runID string) *stream {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.runs[runID]
	if !ok {
		st = newStream()
		h.runs[runID] = st
	}
	return st
}

// Subscription is an active event feed for one run.
type Subscription struct {
	C      <-chan Event
	cancel context.CancelFunc
}

// Close terminates the subscription. The channel is closed shortly after.
func (s *Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

type stream struct {
	mu          sync.Mutex
	seq         int64
	buffer      []Event
	subscribers map[*subscriber]struct{}
}

func newStream() *stream {
	return &stream{
		subscribers: make(map[*subscriber]struct{}),
	}
}

func (st *stream) publish(ev Event) {
	st.mu.Lock()
	st.seq++
	ev.Seq = st.seq
	st.buffer = append(st.buffer, ev)
	if len(st.buffer) > defaultReplayBuffer {
		st.buffer = st.buffer[len(st.buffer)-defaultReplayBuffer:]
	}
	subs := make([]*subscriber, 0, len(st.subscribers))
	for sub := range st.subscribers {
		subs = append(subs, sub)
	}
	st.mu.Unlock()

	for _, sub := range subs {
		sub.enqueue(ev)
	}
}

func (st *stream) subscribe(ctx context.Context, afterSeq int64) *Subscription {
	subCtx, cancel := context.WithCancel(ctx)
	out := make(chan Event, 32)
	sub := &subscriber{
		ctx:  subCtx,
		out:  out,
		wake: make(chan struct{}, 1),
	}

	st.mu.Lock()
	st.subscribers[sub] = struct{}{}
	for _, ev := range st.buffer {
		if ev.Seq > afterSeq {
			sub.queue = append(sub.queue, ev)
		}
	}
	st.mu.Unlock()

	go sub.pump(func() {
		st.mu.Lock()
		delete(st.subscribers, sub)
		st.mu.Unlock()
	})
	sub.signal()

	return &Subscription{C: out, cancel: cancel}
}

type subscriber struct {
	ctx  context.Context
	out  chan Event
	wake chan struct{}

	mu    sync.Mutex
	queue []Event
}

// enqueue appends the event to the pending queue. When the queue is
// over budget the oldest non-terminal event is discarded so terminal
// events always survive to delivery.
func (s *subscriber) enqueue(ev Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	if len(s.queue) > defaultMaxPending {
		for i, queued := range s.queue {
			if !queued.Terminal() {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()
	s.signal()
}

func (s *subscriber) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) pump(onClose func()) {
	defer func() {
		onClose()
		close(s.out)
	}()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
		}

		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case <-s.ctx.Done():
				return
			case s.out <- ev:
			}
		}
	}
}
