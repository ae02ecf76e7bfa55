// Package monitor renders a live terminal dashboard of one run's event
// stream.
package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/testgen/internal/events"
	"github.com/fyrsmithlabs/testgen/internal/pipeline"
)

const (
	sparklineWidth  = 30
	sparklineHeight = 3
	historySize     = 30
	logSize         = 8
)

// FeedbackFunc submits a review verdict for the watched run.
type FeedbackFunc func(ctx context.Context, verdict string) error

// RunState is what the dashboard knows about the run so far.
type RunState struct {
	Stage          string
	Status         string
	Completed      map[string]bool
	AwaitingReview bool
	FunctionPoints int
	Summary        map[string]any
	Errors         []string
	Failure        string

	// Stage durations in milliseconds, oldest first.
	DurationHistory []float64
}

// Model is the bubbletea model of the dashboard.
type Model struct {
	runID    string
	stream   <-chan *events.Event
	feedback FeedbackFunc
	started  time.Time

	lastEvent time.Time
	run       RunState
	log       []string
	notice    string
	err       error
	quitting  bool

	stageProgress progress.Model
}

// Lipgloss styles (k9s-inspired color scheme)
var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			MarginTop(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	healthyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(1, 2)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			MarginTop(1)

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	sparklineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51"))
)

// NewModel creates a dashboard over stream. feedback may be nil, in which
// case the review keys are disabled.
func NewModel(runID string, stream <-chan *events.Event, feedback FeedbackFunc) Model {
	return Model{
		runID:    runID,
		stream:   stream,
		feedback: feedback,
		started:  time.Now(),
		run: RunState{
			Status:          "running",
			Completed:       map[string]bool{},
			DurationHistory: make([]float64, 0, historySize),
		},
		stageProgress: progress.New(
			progress.WithGradient("#00ffff", "#00ff00"),
			progress.WithWidth(40),
		),
	}
}

// Run returns the state accumulated so far.
func (m Model) Run() RunState { return m.run }

// Message types
type (
	eventMsg    *events.Event
	closedMsg   struct{}
	tickMsg     time.Time
	feedbackMsg struct {
		verdict string
		err     error
	}
)

// Init starts reading the stream.
func (m Model) Init() tea.Cmd {
	return tea.Batch(waitForEvent(m.stream), tick())
}

func waitForEvent(stream <-chan *events.Event) tea.Cmd {
	return func() tea.Msg {
		e, ok := <-stream
		if !ok {
			return closedMsg{}
		}
		return eventMsg(e)
	}
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func sendFeedback(fn FeedbackFunc, verdict string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return feedbackMsg{verdict: verdict, err: fn(ctx, verdict)}
	}
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "a", "x":
			if !m.run.AwaitingReview || m.feedback == nil {
				return m, nil
			}
			verdict := string(pipeline.FeedbackApproved)
			if msg.String() == "x" {
				verdict = string(pipeline.FeedbackRejected)
			}
			m.notice = "sending " + verdict + "..."
			return m, sendFeedback(m.feedback, verdict)
		}

	case tickMsg:
		if m.run.Status != "running" && m.run.Status != "awaiting_review" {
			return m, nil
		}
		return m, tick()

	case eventMsg:
		m.apply(msg)
		if (*events.Event)(msg).Terminal() {
			return m, nil
		}
		return m, waitForEvent(m.stream)

	case closedMsg:
		if m.run.Status == "running" || m.run.Status == "awaiting_review" {
			m.err = fmt.Errorf("event stream closed")
		}
		return m, nil

	case feedbackMsg:
		if msg.err != nil {
			m.notice = ""
			m.err = msg.err
			return m, nil
		}
		m.err = nil
		m.notice = msg.verdict + " sent"
		m.run.AwaitingReview = false
		m.run.Status = "running"
		return m, nil
	}

	return m, nil
}

func (m *Model) apply(e *events.Event) {
	m.lastEvent = time.Now()
	m.log = appendLine(m.log, fmt.Sprintf("%s %s %s", e.Type, e.Stage, e.Message))

	data, _ := e.Data.(map[string]any)
	switch e.Type {
	case events.TypeStart:
		m.run.Stage = e.Stage
	case events.TypeProgress:
		m.run.Stage = e.Stage
		if e.Stage == string(pipeline.NodeUserReview) && e.Message == "Waiting for user review" {
			m.run.AwaitingReview = true
			m.run.Status = "awaiting_review"
			if fps, ok := data["function_points"].([]any); ok {
				m.run.FunctionPoints = len(fps)
			}
			return
		}
		m.run.Completed[e.Stage] = true
		if ms, ok := data["duration_ms"].(float64); ok {
			m.run.DurationHistory = appendToHistory(m.run.DurationHistory, ms)
		}
		if errs, ok := data["errors"].([]any); ok {
			for _, v := range errs {
				m.run.Errors = append(m.run.Errors, fmt.Sprint(v))
			}
		}
	case events.TypeComplete:
		m.run.Stage = e.Stage
		m.run.Status = "completed"
		m.run.Summary = data
	case events.TypeError:
		m.run.Status = "failed"
		m.run.Failure = e.Message
		if msg, ok := data["error"].(string); ok && msg != "" {
			m.run.Failure = msg
		}
	}
}

// fraction of pipeline nodes that have reported completion.
func (m Model) fraction() float64 {
	if m.run.Status == "completed" {
		return 1
	}
	done := 0
	for _, n := range pipeline.Nodes {
		if m.run.Completed[string(n)] {
			done++
		}
	}
	return float64(done) / float64(len(pipeline.Nodes))
}

func statusBadge(status string) string {
	switch status {
	case "completed":
		return healthyStyle.Render("✓ COMPLETED")
	case "failed":
		return errorStyle.Render("✗ FAILED")
	case "awaiting_review":
		return warningStyle.Render("⚠ REVIEW")
	}
	return valueStyle.Render("● RUNNING")
}

// appendToHistory appends a value to history, maintaining max size
func appendToHistory(history []float64, value float64) []float64 {
	history = append(history, value)
	if len(history) > historySize {
		history = history[1:]
	}
	return history
}

func appendLine(lines []string, line string) []string {
	lines = append(lines, line)
	if len(lines) > logSize {
		lines = lines[1:]
	}
	return lines
}

// createSparkline creates a sparkline chart from historical data
func createSparkline(data []float64) string {
	if len(data) == 0 {
		return dimStyle.Render(fmt.Sprintf("%*s", sparklineWidth, "no data"))
	}

	spark := sparkline.New(sparklineWidth, sparklineHeight)
	for _, v := range data {
		spark.Push(v)
	}
	spark.Draw()

	return sparklineStyle.Render(spark.View())
}

// View renders the dashboard
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(headerStyle.Render(" testgen run "+m.runID+" ") + "\n")
	fmt.Fprintf(&b, "%s   %s %s\n",
		statusBadge(m.run.Status),
		dimStyle.Render("Elapsed:"),
		valueStyle.Render(FormatElapsed(time.Since(m.started))))

	b.WriteString("\n" + sectionStyle.Render("┃ Pipeline") + "\n")
	stage := m.run.Stage
	if stage == "" {
		stage = "waiting for events"
	}
	b.WriteString(labelStyle.Render("  Stage: ") + valueStyle.Render(stage) + "\n")
	b.WriteString(labelStyle.Render("  Progress: ") +
		m.stageProgress.ViewAs(m.fraction()) +
		" " + dimStyle.Render(FormatPercentage(m.fraction())) + "\n")
	var last float64
	if n := len(m.run.DurationHistory); n > 0 {
		last = m.run.DurationHistory[n-1] / 1000
	}
	b.WriteString(labelStyle.Render("  Stage time: ") +
		valueStyle.Render(FormatLatency(last)) + "   " +
		createSparkline(m.run.DurationHistory) + "\n")

	if m.run.AwaitingReview {
		b.WriteString("\n" + sectionStyle.Render("┃ Review") + "\n")
		b.WriteString(labelStyle.Render("  Function points: ") +
			valueStyle.Render(fmt.Sprintf("%d", m.run.FunctionPoints)) + "\n")
	}

	if m.run.Summary != nil {
		b.WriteString("\n" + sectionStyle.Render("┃ Artifacts") + "\n")
		for _, key := range []string{"function_points", "test_cases", "test_scripts", "mind_map_nodes"} {
			b.WriteString(labelStyle.Render("  "+key+": ") + valueStyle.Render(fmt.Sprint(m.run.Summary[key])) + "\n")
		}
	}

	if m.run.Failure != "" {
		b.WriteString("\n" + errorStyle.Render("  "+m.run.Failure) + "\n")
	}
	if len(m.run.Errors) > 0 {
		b.WriteString(warningStyle.Render(fmt.Sprintf("  %d partial failures", len(m.run.Errors))) + "\n")
	}

	b.WriteString("\n" + sectionStyle.Render("┃ Events") + "\n")
	if len(m.log) == 0 {
		b.WriteString(dimStyle.Render("  none yet") + "\n")
	}
	for _, line := range m.log {
		b.WriteString(dimStyle.Render("  "+line) + "\n")
	}

	if m.err != nil {
		b.WriteString("\n" + errorStyle.Render("Error: "+m.err.Error()) + "\n")
	}
	if m.notice != "" {
		b.WriteString("\n" + dimStyle.Render(m.notice) + "\n")
	}

	footer := footerKeyStyle.Render("[q]") + footerStyle.Render(" quit  ")
	if m.run.AwaitingReview && m.feedback != nil {
		footer += footerKeyStyle.Render("[a]") + footerStyle.Render(" approve  ") +
			footerKeyStyle.Render("[x]") + footerStyle.Render(" reject")
	}
	b.WriteString("\n" + footer)

	return containerStyle.Render(b.String())
}
