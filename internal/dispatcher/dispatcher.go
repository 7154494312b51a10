package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/bifrost-vtt/conduit/pkg/protocol"
)

// ErrUnknownKind is returned by Dispatch for kinds with no handler.
var ErrUnknownKind = errors.New("unknown message type")

type unknownKind string

func (k unknownKind) Error() string      { return "unknown message type: " + string(k) }
func (unknownKind) Is(target error) bool { return target == ErrUnknownKind }

// Event is one decoded inbound frame.
type Event struct {
	Kind     string
	ID       string
	Message  protocol.Inbound
	Received time.Time
}

// HandlerFunc processes an event. A non-nil reply is sent back tagged with
// the event's correlation id.
type HandlerFunc func(ctx context.Context, e Event) (protocol.Reply, error)

// Sender writes an outbound frame. It reports whether the frame left.
type Sender interface {
	Send(msg any) bool
}

// Logger interface for pluggable logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Option configures handler registration.
type Option func(*config)

type config struct {
	bufferSize  int
	blocking    bool
	logged      bool
	alwaysReply bool
}

// Buffered makes the handler async with a queue of the given size.
func Buffered(size int) Option {
	return func(c *config) {
		c.bufferSize = size
	}
}

// Blocking makes a buffered handler block when the queue is full instead of dropping.
func Blocking() Option {
	return func(c *config) {
		c.blocking = true
	}
}

// Logged adds debug logging to the handler.
func Logged() Option {
	return func(c *config) {
		c.logged = true
	}
}

// AlwaysReply sends the handler's reply even when the frame carried no id.
func AlwaysReply() Option {
	return func(c *config) {
		c.alwaysReply = true
	}
}

type route struct {
	handler     HandlerFunc
	alwaysReply bool
}

// Dispatcher routes inbound frames to registered handlers and sends replies.
type Dispatcher struct {
	routes map[string]route
	logger Logger
	sender Sender
	now    func() time.Time

	// OTEL metrics
	queueSize metric.Int64ObservableGauge
	processed metric.Int64Counter
	dropped   metric.Int64Counter
	failed    metric.Int64Counter

	// Track buffers for gauge callback
	mu      sync.RWMutex
	buffers map[string]chan Event
}

// New creates a new Dispatcher that answers through sender.
// Uses the global OTel meter for metrics (no-op if not configured).
func New(logger Logger, sender Sender) (*Dispatcher, error) {
	d := &Dispatcher{
		routes:  make(map[string]route),
		buffers: make(map[string]chan Event),
		logger:  logger,
		sender:  sender,
		now:     time.Now,
	}

	m := otel.Meter("github.com/bifrost-vtt/conduit/internal/dispatcher")

	var err error

	d.queueSize, err = m.Int64ObservableGauge(
		"dispatcher.queue.size",
		metric.WithDescription("Current number of frames waiting in a handler queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating queue size gauge: %w", err)
	}

	_, err = m.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			d.mu.RLock()
			defer d.mu.RUnlock()
			for kind, buf := range d.buffers {
				o.ObserveInt64(d.queueSize, int64(len(buf)),
					metric.WithAttributes(attribute.String("kind", kind)))
			}
			return nil
		},
		d.queueSize,
	)
	if err != nil {
		return nil, fmt.Errorf("registering queue callback: %w", err)
	}

	d.processed, err = m.Int64Counter(
		"dispatcher.frames.processed",
		metric.WithDescription("Total inbound frames handled"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating processed counter: %w", err)
	}

	d.dropped, err = m.Int64Counter(
		"dispatcher.frames.dropped",
		metric.WithDescription("Total frames dropped due to full queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating dropped counter: %w", err)
	}

	d.failed, err = m.Int64Counter(
		"dispatcher.frames.failed",
		metric.WithDescription("Total frames that were malformed or whose handler failed"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating failed counter: %w", err)
	}

	return d, nil
}

// Register adds a handler for the given kind with optional configuration.
func (d *Dispatcher) Register(kind string, h HandlerFunc, opts ...Option) {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}

	handler := h

	if cfg.bufferSize > 0 {
		handler = d.withBuffer(kind, cfg.bufferSize, cfg.blocking, cfg.alwaysReply, handler)
	}

	if cfg.logged {
		handler = d.withLogging(kind, handler)
	}

	d.routes[kind] = route{handler: handler, alwaysReply: cfg.alwaysReply}
}

// HasHandler returns true if a handler is registered for the kind.
func (d *Dispatcher) HasHandler(kind string) bool {
	_, ok := d.routes[kind]
	return ok
}

// Dispatch routes an event to its registered handler.
func (d *Dispatcher) Dispatch(ctx context.Context, e Event) (protocol.Reply, error) {
	r, ok := d.routes[e.Kind]
	if !ok {
		return nil, unknownKind(e.Kind)
	}
	return r.handler(ctx, e)
}

// HandleFrame decodes one raw frame, dispatches it, and answers. Malformed
// frames and handler failures are answered with a failure reply when the
// frame carried an id; nothing escapes to the caller.
func (d *Dispatcher) HandleFrame(ctx context.Context, data []byte) {
	f, err := protocol.Decode(data)
	if err != nil {
		d.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", "malformed")))
		d.logger.Error("failed to decode frame", "id", f.ID, "error", err)
		d.respond(f.ID, nil, err, false)
		return
	}

	e := Event{Kind: f.Kind(), ID: f.ID, Message: f.Message, Received: d.now()}
	d.logger.Debug("received frame", "kind", e.Kind, "id", e.ID)

	reply, err := d.Dispatch(ctx, e)
	if err != nil {
		d.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", e.Kind)))
		d.logger.Error("frame handling failed", "kind", e.Kind, "id", e.ID, "error", err)
	}
	d.processed.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", e.Kind)))

	d.respond(e.ID, reply, err, d.routes[e.Kind].alwaysReply)
}

// respond sends reply, or a failure built from err, correlated to id.
// Nothing is sent for frames without an id unless always is set.
func (d *Dispatcher) respond(id string, reply protocol.Reply, err error, always bool) {
	if err != nil {
		reply = failureReply(err)
	}
	if reply == nil {
		return
	}
	if id == "" && !always {
		return
	}
	reply.Correlate(id)
	d.sender.Send(reply)
}

func failureReply(err error) protocol.Reply {
	var kind unknownKind
	if errors.As(err, &kind) {
		return protocol.Failuref("Unknown message type: %s", string(kind))
	}
	return protocol.Failure(err.Error())
}

func (d *Dispatcher) withBuffer(kind string, size int, blocking, always bool, h HandlerFunc) HandlerFunc {
	buffer := make(chan Event, size)

	d.mu.Lock()
	d.buffers[kind] = buffer
	d.mu.Unlock()

	kindAttr := attribute.String("kind", kind)

	go func() {
		for e := range buffer {
			reply, err := h(context.Background(), e)
			if err != nil {
				d.failed.Add(context.Background(), 1, metric.WithAttributes(kindAttr))
				d.logger.Error("queued frame failed", "kind", kind, "id", e.ID, "error", err)
			}
			d.respond(e.ID, reply, err, always)
		}
	}()

	if blocking {
		return func(ctx context.Context, e Event) (protocol.Reply, error) {
			select {
			case buffer <- e:
				return nil, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	return func(_ context.Context, e Event) (protocol.Reply, error) {
		select {
		case buffer <- e:
			return nil, nil
		default:
			d.dropped.Add(context.Background(), 1, metric.WithAttributes(kindAttr))
			return nil, fmt.Errorf("queue full: %s", kind)
		}
	}
}

func (d *Dispatcher) withLogging(kind string, h HandlerFunc) HandlerFunc {
	return func(ctx context.Context, e Event) (protocol.Reply, error) {
		start := time.Now()
		d.logger.Debug("handling frame", "kind", kind, "id", e.ID)

		reply, err := h(ctx, e)

		if err != nil {
			d.logger.Error("frame failed", "kind", kind, "duration", time.Since(start), "error", err)
		} else {
			d.logger.Debug("frame complete", "kind", kind, "duration", time.Since(start))
		}

		return reply, err
	}
}
