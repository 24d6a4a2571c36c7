package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/harun/conductor/pkg/orchestrator"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

const contentWidth = 100

// writeTranscript renders msgs in the requested format.
func writeTranscript(w io.Writer, msgs []orchestrator.Message, format string) error {
	switch strings.ToLower(format) {
	case "", "table":
		return writeTranscriptTable(w, msgs)
	case "plain":
		return writeTranscriptPlain(w, msgs)
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(msgs)
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}

func writeTranscriptTable(w io.Writer, msgs []orchestrator.Message) error {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleRounded)
	tw.Style().Options.SeparateRows = true

	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignRight, AlignHeader: text.AlignCenter},
		{Number: 2, Align: text.AlignLeft, AlignHeader: text.AlignCenter},
		{Number: 3, Align: text.AlignLeft, AlignHeader: text.AlignCenter, WidthMax: contentWidth},
		{Number: 4, Align: text.AlignRight, AlignHeader: text.AlignCenter},
	})
	tw.AppendHeader(table.Row{"#", "Kind", "Content", "Duration"})

	for i, msg := range msgs {
		tw.AppendRow(table.Row{i + 1, string(msg.Kind), messageText(msg), durationText(msg)})
	}
	if len(msgs) == 0 {
		tw.AppendRow(table.Row{"-", "-", "(empty transcript)", "-"})
	}

	_ = tw.Render()
	return nil
}

func writeTranscriptPlain(w io.Writer, msgs []orchestrator.Message) error {
	for _, msg := range msgs {
		if _, err := fmt.Fprintf(w, "[%s] %s\n", msg.Kind, messageText(msg)); err != nil {
			return err
		}
	}
	return nil
}

// messageText is the one-cell summary of a transcript message.
func messageText(msg orchestrator.Message) string {
	switch {
	case msg.ToolCall != nil:
		tc := msg.ToolCall
		line := fmt.Sprintf("%s (%s)", tc.Title, tc.Status)
		if tc.Result != "" {
			line += "\n" + tc.Result
		}
		return line
	case msg.Diff != nil:
		return fmt.Sprintf("edit %s (-%d/+%d lines)", msg.Diff.Path, lineCount(msg.Diff.OldText), lineCount(msg.Diff.NewText))
	default:
		return msg.Content
	}
}

func durationText(msg orchestrator.Message) string {
	switch {
	case msg.Duration <= 0:
		return ""
	case msg.Duration < time.Second:
		return msg.Duration.Round(time.Millisecond).String()
	default:
		return formatDuration(msg.Duration)
	}
}

func lineCount(s string) int {
	if s == "" {
		return 0
	}
	return strings.Count(strings.TrimSuffix(s, "\n"), "\n") + 1
}
