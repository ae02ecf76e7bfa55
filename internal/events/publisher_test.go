package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, ch <-chan *Event) []*Event {
	t.Helper()
	var out []*Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, e)
		case <-timeout:
			t.Fatalf("stream not closed, got %d events", len(out))
		}
	}
}

func types(events []*Event) []Type {
	out := make([]Type, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func TestPublisher_OrderAndTermination(t *testing.T) {
	ctx := context.Background()
	p := NewPublisher("run-1", Options{})
	ch := p.Subscribe(ctx)

	require.NoError(t, p.Start(ctx, "starting", nil))
	require.NoError(t, p.Progress(ctx, "document_parser", "parsed", map[string]any{"documents": 1}))
	require.NoError(t, p.Progress(ctx, "requirement_parser", "analyzed", nil))
	require.NoError(t, p.Fail(ctx, "function_point_generator", errors.New("bad output")))

	got := drain(t, ch)
	assert.Equal(t, []Type{TypeStart, TypeProgress, TypeProgress, TypeError}, types(got))
	assert.Equal(t, StageInit, got[0].Stage)
	assert.Equal(t, "document_parser", got[1].Stage)
	assert.Equal(t, "function_point_generator", got[3].Stage)
	assert.Equal(t, "bad output", got[3].Message)

	assert.ErrorIs(t, p.Complete(ctx, "done", nil), ErrClosed, "no complete after error")
	assert.ErrorIs(t, p.Progress(ctx, "x", "late", nil), ErrClosed)
	assert.True(t, p.Closed())
	assert.Len(t, p.History(), 4)
}

func TestPublisher_LateSubscriberGetsReplay(t *testing.T) {
	ctx := context.Background()
	p := NewPublisher("run-2", Options{QueueSize: 2})
	require.NoError(t, p.Start(ctx, "starting", nil))
	require.NoError(t, p.Progress(ctx, "document_parser", "parsed", nil))
	require.NoError(t, p.Progress(ctx, "requirement_parser", "analyzed", nil))

	mid := p.Subscribe(ctx)
	require.NoError(t, p.Complete(ctx, "finished", map[string]any{"test_cases": 3}))
	after := p.Subscribe(ctx)

	want := []Type{TypeStart, TypeProgress, TypeProgress, TypeComplete}
	assert.Equal(t, want, types(drain(t, mid)))
	assert.Equal(t, want, types(drain(t, after)))
}

func TestPublisher_SlowListenerKeepsFIFO(t *testing.T) {
	ctx := context.Background()
	p := NewPublisher("run-3", Options{QueueSize: 1})
	ch := p.Subscribe(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = p.Start(ctx, "starting", nil)
		for i := 0; i < 20; i++ {
			_ = p.Progress(ctx, fmt.Sprintf("stage-%d", i), "", nil)
		}
		_ = p.Complete(ctx, "finished", nil)
	}()

	got := drain(t, ch)
	wg.Wait()
	require.Len(t, got, 22)
	for i := 0; i < 20; i++ {
		assert.Equal(t, fmt.Sprintf("stage-%d", i), got[i+1].Stage)
	}
	assert.Equal(t, TypeComplete, got[21].Type)
}

func TestPublisher_CanceledListenerDoesNotBlock(t *testing.T) {
	p := NewPublisher("run-4", Options{QueueSize: 1})
	ctx, cancel := context.WithCancel(context.Background())
	ch := p.Subscribe(ctx)
	cancel()
	drain(t, ch)

	done := make(chan struct{})
	go func() {
		defer close(done)
		bg := context.Background()
		for i := 0; i < 10; i++ {
			_ = p.Progress(bg, "stage", "", nil)
		}
		_ = p.Complete(bg, "finished", nil)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked on a canceled listener")
	}
}

func TestPublisher_MultipleListeners(t *testing.T) {
	ctx := context.Background()
	p := NewPublisher("run-5", Options{})
	a, b := p.Subscribe(ctx), p.Subscribe(ctx)
	require.NoError(t, p.Start(ctx, "", nil))
	require.NoError(t, p.Complete(ctx, "", nil))
	assert.Equal(t, types(drain(t, a)), types(drain(t, b)))
}

type recordingRelay struct {
	mu     sync.Mutex
	events []*Event
	err    error
}

func (r *recordingRelay) Publish(_ context.Context, _ string, e *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func TestPublisher_RelayFailureIsIgnored(t *testing.T) {
	relay := &recordingRelay{err: errors.New("down")}
	p := NewPublisher("run-6", Options{Relay: relay})
	ctx := context.Background()
	assert.NoError(t, p.Start(ctx, "", nil))
	assert.NoError(t, p.Complete(ctx, "", nil))
	assert.Len(t, relay.events, 2)
}

func TestEvent_WireShape(t *testing.T) {
	raw, err := json.Marshal(&Event{Type: TypeProgress, Stage: "user_review", Message: "waiting"})
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Len(t, m, 4)
	assert.Equal(t, "progress", m["event_type"])
	assert.Contains(t, m, "data")

	e, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, "user_review", e.Stage)

	_, err = Decode([]byte(`{"event_type":"bogus"}`))
	assert.Error(t, err)
}
