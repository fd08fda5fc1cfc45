package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/retry"
	"gopkg.in/tomb.v2"

	"github.com/roach88/harvester/internal/oplog"
	"github.com/roach88/harvester/internal/queue"
)

// DefaultReopenDelay is the first pause before the hub re-opens a failed
// tail. Later attempts double up to DefaultReopenMaxDelay.
const (
	DefaultReopenDelay    = 500 * time.Millisecond
	DefaultReopenMaxDelay = 30 * time.Second

	// DefaultMaxBacklog caps the entries queued for one subscriber.
	DefaultMaxBacklog = 4096
)

var (
	// ErrHubClosed is returned by Subscribe once the hub has stopped.
	ErrHubClosed = errors.New("stream hub closed")

	// ErrTailLost ends subscriptions when the shared tail fails. Clients
	// reconnect with Last-Event-ID.
	ErrTailLost = errors.New("change tail lost")

	// ErrSlowSubscriber ends a subscription whose queue reached the
	// backlog cap. The client reconnects with Last-Event-ID and catches up
	// from the log.
	ErrSlowSubscriber = errors.New("subscriber fell behind")
)

// HubConfig configures a Hub.
type HubConfig struct {
	Log            oplog.Log
	ReopenDelay    time.Duration
	ReopenMaxDelay time.Duration
	MaxBacklog     int
	Clock          clock.Clock
	Logger         *slog.Logger
}

// Hub owns the single shared tail of the log and fans entries out to the
// queues of every open subscription.
type Hub struct {
	log            oplog.Log
	reopenDelay    time.Duration
	reopenMaxDelay time.Duration
	maxBacklog     int
	clock          clock.Clock
	logger         *slog.Logger

	tomb tomb.Tomb

	mu      sync.Mutex
	head    oplog.Position
	subs    map[string]*subscriber
	started bool
	closed  bool
}

// subscriber is one connection's view of the hub.
type subscriber struct {
	id    string
	queue *queue.Queue[oplog.Entry]

	mu  sync.Mutex
	err error
}

func (s *subscriber) end(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.queue.Close()
}

// Err returns why the hub ended this subscriber, if it did.
func (s *subscriber) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// NewHub returns an unstarted hub.
func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.Log == nil {
		return nil, errors.New("stream: Log is required")
	}
	if cfg.ReopenDelay <= 0 {
		cfg.ReopenDelay = DefaultReopenDelay
	}
	if cfg.ReopenMaxDelay <= 0 {
		cfg.ReopenMaxDelay = DefaultReopenMaxDelay
	}
	if cfg.MaxBacklog <= 0 {
		cfg.MaxBacklog = DefaultMaxBacklog
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Hub{
		log:            cfg.Log,
		reopenDelay:    cfg.ReopenDelay,
		reopenMaxDelay: cfg.ReopenMaxDelay,
		maxBacklog:     cfg.MaxBacklog,
		clock:          cfg.Clock,
		logger:         cfg.Logger,
		subs:           make(map[string]*subscriber),
	}, nil
}

// Start captures the log head and begins tailing from it.
func (h *Hub) Start(ctx context.Context) error {
	head, err := h.log.Head(ctx)
	if err != nil {
		return fmt.Errorf("stream hub: read log head: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return errors.New("stream hub: already started")
	}
	h.started = true
	h.head = head

	runCtx := h.tomb.Context(ctx)
	h.tomb.Go(func() error { return h.loop(runCtx) })
	return nil
}

// Stop ends every subscription and the shared tail.
func (h *Hub) Stop() error {
	h.mu.Lock()
	started := h.started
	h.mu.Unlock()

	h.endAll(ErrHubClosed, true)
	if !started {
		return nil
	}
	h.tomb.Kill(nil)
	return h.tomb.Wait()
}

// Head returns the position of the last entry the hub fanned out, or the
// log head at start.
func (h *Hub) Head() oplog.Position {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.head
}

// Subscribers returns the number of open subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// subscribe registers a new subscriber. Every entry after the returned
// head will be delivered to its queue; nothing at or before it will.
func (h *Hub) subscribe() (*subscriber, oplog.Position, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || !h.started {
		return nil, oplog.Position{}, ErrHubClosed
	}

	s := &subscriber{id: uuid.NewString(), queue: queue.New[oplog.Entry]()}
	h.subs[s.id] = s
	return s, h.head, nil
}

func (h *Hub) unsubscribe(s *subscriber) {
	h.mu.Lock()
	delete(h.subs, s.id)
	h.mu.Unlock()
	s.queue.Close()
}

// endAll closes every subscriber with err. When final, later subscribes
// fail with ErrHubClosed.
func (h *Hub) endAll(err error, final bool) {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[string]*subscriber)
	if final {
		h.closed = true
	}
	h.mu.Unlock()

	for _, s := range subs {
		s.end(err)
	}
}

func (h *Hub) publish(e oplog.Entry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e.Position.After(h.head) {
		h.head = e.Position
	}
	for id, s := range h.subs {
		if s.queue.Len() >= h.maxBacklog {
			delete(h.subs, id)
			h.logger.Warn("change stream subscriber fell behind, ending it",
				"event", "sse_slow_subscriber",
				"subscriber", id,
				"backlog", h.maxBacklog,
			)
			s.end(ErrSlowSubscriber)
			continue
		}
		s.queue.Enqueue(e)
	}
}

func (h *Hub) loop(ctx context.Context) error {
	for {
		cur, err := h.open(ctx)
		if err != nil {
			return nil
		}

		err = h.pump(ctx, cur)
		_ = cur.Close()
		if ctx.Err() != nil {
			return nil
		}

		h.logger.Warn("change stream tail lost, ending subscriptions",
			"event", "sse_tail_lost",
			"head", h.Head().String(),
			"subscribers", h.Subscribers(),
			"error", err,
		)
		h.endAll(fmt.Errorf("%w: %v", ErrTailLost, err), false)

		select {
		case <-ctx.Done():
			return nil
		case <-h.clock.After(h.reopenDelay):
		}
	}
}

// open opens a cursor after the current head, retrying with backoff until
// it succeeds or ctx ends.
func (h *Hub) open(ctx context.Context) (oplog.Cursor, error) {
	var cur oplog.Cursor
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			c, err := h.log.Tail(ctx, h.Head())
			if err != nil {
				return err
			}
			cur = c
			return nil
		},
		IsFatalError: func(error) bool { return ctx.Err() != nil },
		NotifyFunc: func(err error, attempt int) {
			h.logger.Warn("change stream tail open failed",
				"event", "sse_tail_open_failed",
				"attempt", attempt,
				"error", err,
			)
		},
		Attempts:    retry.UnlimitedAttempts,
		Delay:       h.reopenDelay,
		MaxDelay:    h.reopenMaxDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       h.clock,
		Stop:        ctx.Done(),
	})
	if err != nil {
		return nil, err
	}
	return cur, nil
}

func (h *Hub) pump(ctx context.Context, cur oplog.Cursor) error {
	for {
		e, err := cur.Next(ctx)
		if err != nil {
			return err
		}
		h.publish(e)
	}
}
