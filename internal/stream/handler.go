package stream

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/juju/clock"

	"github.com/roach88/harvester/internal/oplog"
	"github.com/roach88/harvester/internal/registry"
	"github.com/roach88/harvester/internal/resource"
)

const (
	// DefaultTickInterval is the keep-alive frame period.
	DefaultTickInterval = 3 * time.Second

	// DefaultWriteTimeout bounds each frame write to a stalled client.
	DefaultWriteTimeout = 10 * time.Second

	backlogBatch = 256
)

// Observer receives stream measurements. internal/metrics implements it.
type Observer interface {
	Subscribers(delta int)
	Frame(kind string)
}

type nopObserver struct{}

func (nopObserver) Subscribers(int) {}
func (nopObserver) Frame(string)    {}

// HandlerConfig wires a Handler.
type HandlerConfig struct {
	Hub          *Hub
	Registry     *registry.Registry
	Adapter      resource.Adapter
	TickInterval time.Duration
	WriteTimeout time.Duration
	Clock        clock.Clock
	Observer     Observer
	Logger       *slog.Logger
}

// Handler serves GET /changes/stream.
type Handler struct {
	hub      *Hub
	registry *registry.Registry
	adapter  resource.Adapter
	tick     time.Duration
	timeout  time.Duration
	clock    clock.Clock
	observer Observer
	logger   *slog.Logger
}

// NewHandler returns a stream handler.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handler{
		hub:      cfg.Hub,
		registry: cfg.Registry,
		adapter:  cfg.Adapter,
		tick:     cfg.TickInterval,
		timeout:  cfg.WriteTimeout,
		clock:    cfg.Clock,
		observer: cfg.Observer,
		logger:   cfg.Logger,
	}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sub, err := ParseSubscription(r, h.registry)
	if err != nil {
		var re *RequestError
		if errors.As(err, &re) {
			writeError(w, re)
			return
		}
		writeError(w, errInternal(err.Error()))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, errInternal("Streaming is not supported by this connection."))
		return
	}

	subscriber, head, err := h.hub.subscribe()
	if err != nil {
		writeError(w, errUnavailable(err.Error()))
		return
	}
	defer h.hub.unsubscribe(subscriber)

	h.observer.Subscribers(1)
	defer h.observer.Subscribers(-1)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	c := &conn{
		Handler: h,
		w:       w,
		rc:      http.NewResponseController(w),
		flusher: flusher,
		sub:     sub,
		cutoff:  head,
	}
	h.logger.Debug("change stream opened",
		"event", "sse_open",
		"subscriber", subscriber.id,
		"resources", len(sub.Resources),
		"head", head.String(),
	)

	err = c.serve(r.Context(), subscriber)
	h.logger.Debug("change stream closed",
		"event", "sse_close",
		"subscriber", subscriber.id,
		"frames", c.sent,
		"reason", err,
	)
}

// errLimitReached ends a stream after its limit of change frames.
var errLimitReached = errors.New("frame limit reached")

// conn is one open stream.
type conn struct {
	*Handler
	w       http.ResponseWriter
	rc      *http.ResponseController
	flusher http.Flusher
	sub     *Subscription

	// cutoff is the hub head at subscribe time. Backlog covers entries up to
	// it; live entries at or before it are duplicates.
	cutoff oplog.Position
	sent   int
	ticks  int
}

func (c *conn) serve(ctx context.Context, s *subscriber) error {
	if c.sub.LastEventID != nil {
		if err := c.replay(ctx, *c.sub.LastEventID); err != nil {
			return err
		}
		if c.sub.LastEventID.After(c.cutoff) {
			c.cutoff = *c.sub.LastEventID
		}
	}

	timer := c.clock.NewTimer(c.tick)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case _, open := <-s.queue.Wait():
			for {
				e, ok := s.queue.TryDequeue()
				if !ok {
					break
				}
				if !e.Position.After(c.cutoff) {
					continue
				}
				if err := c.send(e); err != nil {
					return err
				}
			}
			if !open {
				if err := s.Err(); err != nil {
					return err
				}
				return ErrHubClosed
			}

		case <-timer.Chan():
			c.ticks++
			if err := c.deadline(); err != nil {
				return err
			}
			if err := writeTick(c.w, c.ticks); err != nil {
				return err
			}
			c.flusher.Flush()
			c.observer.Frame("tick")
			timer.Reset(c.tick)
		}
	}
}

// replay writes the backlog (since, cutoff].
func (c *conn) replay(ctx context.Context, since oplog.Position) error {
	for since.Compare(c.cutoff) < 0 {
		entries, err := c.hub.log.Read(ctx, since, backlogBatch)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}
		for _, e := range entries {
			if e.Position.After(c.cutoff) {
				return nil
			}
			if err := c.send(e); err != nil {
				return err
			}
			since = e.Position
		}
	}
	return nil
}

// send writes e if the subscription wants it.
func (c *conn) send(e oplog.Entry) error {
	res, ok := c.registry.ResourceFor(e.Namespace)
	if !ok || !c.sub.Wants(res) {
		return nil
	}
	rec := c.adapter.Deserialize(res, e)
	if !c.sub.Matches(rec) {
		return nil
	}

	if err := c.deadline(); err != nil {
		return err
	}
	if err := writeChange(c.w, e.Position, eventName(res, e.Operation), rec); err != nil {
		return err
	}
	c.flusher.Flush()
	c.observer.Frame("change")

	c.sent++
	if c.sub.Limit > 0 && c.sent >= c.sub.Limit {
		return errLimitReached
	}
	return nil
}

// deadline arms the write deadline for the next frame. Writers without
// deadline support are left as they are.
func (c *conn) deadline() error {
	err := c.rc.SetWriteDeadline(time.Now().Add(c.timeout))
	if errors.Is(err, http.ErrNotSupported) {
		return nil
	}
	return err
}
