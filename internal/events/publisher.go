package events

import (
	"context"
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// DefaultQueueSize is the per-listener queue capacity.
const DefaultQueueSize = 64

// ErrClosed is returned when publishing after the terminal event.
var ErrClosed = errors.New("event stream is closed")

var (
	published = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "testgen",
		Subsystem: "events",
		Name:      "published_total",
		Help:      "Events published by type",
	}, []string{"type"})

	listenersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "testgen",
		Subsystem: "events",
		Name:      "listeners",
		Help:      "Attached event stream listeners",
	})
)

// Relay forwards events outside the process. Relay errors are logged and
// never interrupt a run.
type Relay interface {
	Publish(ctx context.Context, runID string, e *Event) error
}

// Options configures a Publisher.
type Options struct {
	QueueSize int
	Relay     Relay
	Logger    *zap.Logger
}

// Publisher fans the events of one run out to its listeners. Events are
// expected from a single producer; the publisher itself is safe for
// concurrent use.
type Publisher struct {
	runID  string
	size   int
	relay  Relay
	logger *zap.Logger

	mu        sync.Mutex
	history   []*Event
	listeners map[*listener]struct{}
	closed    bool
}

// NewPublisher returns a publisher for runID.
func NewPublisher(runID string, opts Options) *Publisher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Publisher{
		runID:     runID,
		size:      opts.QueueSize,
		relay:     opts.Relay,
		logger:    opts.Logger.With(zap.String("run_id", runID)),
		listeners: make(map[*listener]struct{}),
	}
}

// RunID returns the run the publisher serves.
func (p *Publisher) RunID() string { return p.runID }

// Start emits the start event.
func (p *Publisher) Start(ctx context.Context, message string, data any) error {
	return p.Publish(ctx, &Event{Type: TypeStart, Stage: StageInit, Message: message, Data: data})
}

// Progress emits a progress event for stage.
func (p *Publisher) Progress(ctx context.Context, stage, message string, data any) error {
	return p.Publish(ctx, &Event{Type: TypeProgress, Stage: stage, Message: message, Data: data})
}

// Complete emits the terminal complete event carrying the run summary.
func (p *Publisher) Complete(ctx context.Context, message string, summary any) error {
	return p.Publish(ctx, &Event{Type: TypeComplete, Stage: StageDone, Message: message, Data: summary})
}

// Fail emits the terminal error event naming the failing stage.
func (p *Publisher) Fail(ctx context.Context, stage string, err error) error {
	msg := "run failed"
	if err != nil {
		msg = err.Error()
	}
	return p.Publish(ctx, &Event{Type: TypeError, Stage: stage, Message: msg})
}

// Publish appends e to the history and queues it for every listener. A
// terminal event closes the stream.
func (p *Publisher) Publish(ctx context.Context, e *Event) error {
	if e == nil {
		return errors.New("event is nil")
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.history = append(p.history, e)
	for l := range p.listeners {
		l.push(e)
	}
	if e.Terminal() {
		p.closed = true
		for l := range p.listeners {
			l.push(nil)
		}
	}
	p.mu.Unlock()

	published.WithLabelValues(string(e.Type)).Inc()
	p.logger.Debug("event published", zap.String("event_type", string(e.Type)), zap.String("stage", e.Stage))

	if p.relay != nil {
		if err := p.relay.Publish(ctx, p.runID, e); err != nil {
			p.logger.Warn("relaying event failed", zap.String("event_type", string(e.Type)), zap.Error(err))
		}
	}
	return nil
}

// Subscribe attaches a listener. The history is replayed first, so a late
// listener still sees the whole stream. The channel is closed after the
// terminal event or when ctx is done.
func (p *Publisher) Subscribe(ctx context.Context) <-chan *Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	l := newListener(p.size + len(p.history) + 1)
	for _, e := range p.history {
		l.push(e)
	}
	if p.closed {
		l.push(nil)
	} else {
		p.listeners[l] = struct{}{}
		listenersGauge.Inc()
	}
	go l.run(ctx, func() { p.detach(l) })
	return l.out
}

// History returns the events published so far.
func (p *Publisher) History() []*Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Event(nil), p.history...)
}

// Closed reports whether the terminal event was published.
func (p *Publisher) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Publisher) detach(l *listener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.listeners[l]; ok {
		delete(p.listeners, l)
		listenersGauge.Dec()
	}
}

// listener owns one bounded queue and the goroutine draining it.
type listener struct {
	queue chan *Event
	out   chan *Event
	gone  chan struct{}
}

func newListener(size int) *listener {
	return &listener{
		queue: make(chan *Event, size),
		out:   make(chan *Event),
		gone:  make(chan struct{}),
	}
}

// push blocks while the queue is full unless the listener went away.
func (l *listener) push(e *Event) {
	select {
	case l.queue <- e:
	case <-l.gone:
	}
}

func (l *listener) run(ctx context.Context, detach func()) {
	defer close(l.out)
	defer detach()
	defer close(l.gone)
	for {
		select {
		case e := <-l.queue:
			if e == nil {
				return
			}
			select {
			case l.out <- e:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
