package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultSubjectPrefix roots the relay subjects.
const DefaultSubjectPrefix = "testgen.runs"

// NATSRelay publishes events to NATS so that processes other than the one
// executing a run can stream it. Events go to subjects
//
//	<prefix>.<run_id>.<event_type>
type NATSRelay struct {
	nc     *nats.Conn
	prefix string
	logger *zap.Logger
}

// Connect dials url and returns a relay owning the connection.
func Connect(url, prefix string, logger *zap.Logger) (*NATSRelay, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("testgen"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	logger.Info("connected to NATS", zap.String("url", url))
	return NewNATSRelay(nc, prefix, logger), nil
}

// NewNATSRelay wraps an existing connection.
func NewNATSRelay(nc *nats.Conn, prefix string, logger *zap.Logger) *NATSRelay {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSRelay{nc: nc, prefix: prefix, logger: logger}
}

// Subject returns the subject an event of type t for runID is published to.
func (r *NATSRelay) Subject(runID string, t Type) string {
	return fmt.Sprintf("%s.%s.%s", r.prefix, runID, t)
}

// Publish implements Relay.
func (r *NATSRelay) Publish(_ context.Context, runID string, e *Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := r.nc.Publish(r.Subject(runID, e.Type), data); err != nil {
		return fmt.Errorf("publish %s event: %w", e.Type, err)
	}
	// A terminal event is flushed so subscribers see it before the run's
	// owner moves on.
	if e.Terminal() {
		if err := r.nc.Flush(); err != nil {
			return fmt.Errorf("flush: %w", err)
		}
	}
	return nil
}

// Watch subscribes to the events of runID. The channel closes after the
// terminal event or when ctx is done. Only events published after the
// subscription is made are seen.
func (r *NATSRelay) Watch(ctx context.Context, runID string) (<-chan *Event, error) {
	msgs := make(chan *nats.Msg, DefaultQueueSize)
	sub, err := r.nc.ChanSubscribe(fmt.Sprintf("%s.%s.*", r.prefix, runID), msgs)
	if err != nil {
		return nil, fmt.Errorf("subscribe to run %s: %w", runID, err)
	}
	if err := r.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flush subscription: %w", err)
	}

	out := make(chan *Event)
	go func() {
		defer close(out)
		defer func() { _ = sub.Unsubscribe() }()
		for {
			select {
			case msg := <-msgs:
				e, err := Decode(msg.Data)
				if err != nil {
					r.logger.Warn("dropping malformed relay event", zap.String("subject", msg.Subject), zap.Error(err))
					continue
				}
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
				if e.Terminal() {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close drains and closes the connection.
func (r *NATSRelay) Close() error {
	if r.nc == nil {
		return nil
	}
	if err := r.nc.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return err
	}
	return nil
}
