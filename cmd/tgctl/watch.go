package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/testgen/internal/events"
	"github.com/fyrsmithlabs/testgen/internal/monitor"
)

var watchPlainOutput bool

func init() {
	watchCmd.Flags().BoolVar(&watchPlainOutput, "plain", false, "print one line per event instead of the dashboard")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch <run_id>",
	Short: "Follow a run's events",
	Long: `Follow a run's event stream over the gateway WebSocket.

The dashboard shows stage progress, stage durations and recent events. While
the run waits for review, press [a] to approve or [x] to reject.

Examples:
  tgctl watch 0b9d...
  tgctl watch 0b9d... --plain`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if watchPlainOutput {
			return watchPlain(cmd.Context(), cmd.OutOrStdout(), args[0])
		}
		return watchDashboard(cmd.Context(), args[0])
	},
}

// streamEvents dials the run's WebSocket and forwards decoded events until
// the server closes the stream. Acknowledgements are skipped.
func streamEvents(ctx context.Context, runID string) (<-chan *events.Event, <-chan error, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	u, err := newClient().wsURL("/api/v1/runs/" + url.PathEscape(runID) + "/ws")
	if err != nil {
		return nil, nil, err
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, resp, err := dialer.DialContext(ctx, u, nil)
	if err != nil {
		if resp != nil {
			return nil, nil, fmt.Errorf("connecting to %s: server returned status %d", u, resp.StatusCode)
		}
		return nil, nil, fmt.Errorf("connecting to %s: %w", u, err)
	}

	out := make(chan *events.Event, 16)
	errc := make(chan error, 1)
	go func() {
		defer close(out)
		defer conn.Close()
		go func() {
			<-ctx.Done()
			_ = conn.Close()
		}()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) && ctx.Err() == nil {
					errc <- err
				}
				return
			}
			var peek struct {
				EventType string `json:"event_type"`
			}
			if json.Unmarshal(raw, &peek) != nil || peek.EventType == "" {
				continue
			}
			e, err := events.Decode(raw)
			if err != nil {
				continue
			}
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, errc, nil
}

func watchPlain(ctx context.Context, w io.Writer, runID string) error {
	stream, errc, err := streamEvents(ctx, runID)
	if err != nil {
		return err
	}
	var last *events.Event
	for e := range stream {
		last = e
		fmt.Fprintln(w, formatEvent(e))
	}
	select {
	case err := <-errc:
		return fmt.Errorf("event stream: %w", err)
	default:
	}
	if last != nil && last.Type == events.TypeError {
		return errors.New(last.Message)
	}
	return nil
}

func formatEvent(e *events.Event) string {
	style := dimStyle
	switch e.Type {
	case events.TypeComplete:
		style = okStyle
	case events.TypeError:
		style = errStyle
	case events.TypeProgress:
		if e.Message == "Waiting for user review" {
			style = warnStyle
		}
	}
	return fmt.Sprintf("%s %s %s", style.Render(fmt.Sprintf("%-8s", e.Type)), labelStyle.Render(fmt.Sprintf("%-24s", e.Stage)), e.Message)
}

func watchDashboard(ctx context.Context, runID string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, _, err := streamEvents(ctx, runID)
	if err != nil {
		return err
	}
	feedback := func(ctx context.Context, verdict string) error {
		_, err := submitFeedback(ctx, runID, verdict)
		return err
	}
	model := monitor.NewModel(runID, stream, feedback)
	if _, err := tea.NewProgram(model, tea.WithContext(ctx)).Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}
