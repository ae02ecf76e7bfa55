package monitor

import (
	"context"
	"errors"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/testgen/internal/events"
)

func key(r rune) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}}
}

func feed(t *testing.T, m Model, evs ...*events.Event) Model {
	t.Helper()
	for _, e := range evs {
		updated, _ := m.Update(eventMsg(e))
		m = updated.(Model)
	}
	return m
}

func progressEvent(stage string, ms float64) *events.Event {
	return &events.Event{Type: events.TypeProgress, Stage: stage, Message: stage + " done",
		Data: map[string]any{"duration_ms": ms, "errors": []any{}}}
}

func TestNewModel(t *testing.T) {
	model := NewModel("run-1", make(chan *events.Event), nil)
	assert.Equal(t, "run-1", model.runID)
	assert.Equal(t, "running", model.Run().Status)
	assert.False(t, model.quitting)
	assert.NotNil(t, model.Init())
}

func TestModel_Update_QuitKey(t *testing.T) {
	model := NewModel("run-1", make(chan *events.Event), nil)
	updated, cmd := model.Update(key('q'))

	m := updated.(Model)
	assert.True(t, m.quitting)
	assert.NotNil(t, cmd)
	assert.Empty(t, m.View())
}

func TestModel_TracksStages(t *testing.T) {
	m := feed(t, NewModel("run-1", make(chan *events.Event), nil),
		&events.Event{Type: events.TypeStart, Stage: events.StageInit, Message: "Generation started"},
		progressEvent("document_parser", 120),
		progressEvent("requirement_parser", 2400),
	)

	run := m.Run()
	assert.Equal(t, "requirement_parser", run.Stage)
	assert.Equal(t, []float64{120, 2400}, run.DurationHistory)
	assert.InDelta(t, 2.0/7, m.fraction(), 1e-9)

	view := m.View()
	assert.Contains(t, view, "testgen run run-1")
	assert.Contains(t, view, "requirement_parser")
	assert.Contains(t, view, "2.4s")
	assert.Contains(t, view, "[q]")
	assert.NotContains(t, view, "[a]")
}

func TestModel_ReviewKeysSendFeedback(t *testing.T) {
	var got []string
	fn := func(_ context.Context, verdict string) error {
		got = append(got, verdict)
		return nil
	}
	m := feed(t, NewModel("run-1", make(chan *events.Event), fn),
		&events.Event{Type: events.TypeProgress, Stage: "user_review", Message: "Waiting for user review",
			Data: map[string]any{"function_points": []any{map[string]any{"name": "登录"}, map[string]any{"name": "下单"}}}},
	)
	require.True(t, m.Run().AwaitingReview)
	assert.Equal(t, 2, m.Run().FunctionPoints)
	assert.Contains(t, m.View(), "[a]")

	updated, cmd := m.Update(key('x'))
	require.NotNil(t, cmd)
	msg := cmd()
	updated, _ = updated.(Model).Update(msg)
	m = updated.(Model)

	assert.Equal(t, []string{"rejected"}, got)
	assert.False(t, m.Run().AwaitingReview)
	assert.Contains(t, m.View(), "rejected sent")
}

func TestModel_ReviewKeysIgnoredWhileRunning(t *testing.T) {
	called := false
	m := NewModel("run-1", make(chan *events.Event), func(context.Context, string) error {
		called = true
		return nil
	})
	_, cmd := m.Update(key('a'))
	assert.Nil(t, cmd)
	assert.False(t, called)
}

func TestModel_FeedbackError(t *testing.T) {
	m := NewModel("run-1", make(chan *events.Event), nil)
	updated, cmd := m.Update(feedbackMsg{verdict: "approved", err: errors.New("run is not awaiting review")})
	assert.Nil(t, cmd)
	assert.Contains(t, updated.(Model).View(), "run is not awaiting review")
}

func TestModel_Terminal(t *testing.T) {
	t.Run("complete", func(t *testing.T) {
		m := NewModel("run-1", make(chan *events.Event), nil)
		updated, cmd := m.Update(eventMsg(&events.Event{Type: events.TypeComplete, Stage: events.StageDone,
			Message: "Generation completed successfully",
			Data:    map[string]any{"function_points": float64(2), "test_cases": float64(4), "test_scripts": float64(4), "mind_map_nodes": float64(2)}}))
		assert.Nil(t, cmd)

		m = updated.(Model)
		assert.Equal(t, "completed", m.Run().Status)
		assert.Equal(t, 1.0, m.fraction())
		view := m.View()
		assert.Contains(t, view, "COMPLETED")
		assert.Contains(t, view, "test_cases: 4")
	})

	t.Run("error", func(t *testing.T) {
		m := feed(t, NewModel("run-1", make(chan *events.Event), nil),
			&events.Event{Type: events.TypeError, Stage: "function_point_generator", Message: "stage function_point_generator: bad json"})
		assert.Equal(t, "failed", m.Run().Status)
		assert.Contains(t, m.View(), "bad json")
	})

	t.Run("closed stream", func(t *testing.T) {
		m := NewModel("run-1", make(chan *events.Event), nil)
		updated, _ := m.Update(closedMsg{})
		assert.Contains(t, updated.(Model).View(), "event stream closed")
	})
}

func TestWaitForEvent(t *testing.T) {
	ch := make(chan *events.Event, 1)
	ch <- &events.Event{Type: events.TypeStart}
	close(ch)

	msg := waitForEvent(ch)()
	e, ok := msg.(eventMsg)
	require.True(t, ok)
	assert.Equal(t, events.TypeStart, e.Type)

	_, ok = waitForEvent(ch)().(closedMsg)
	assert.True(t, ok)
}
