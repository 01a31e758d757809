package transcript

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rye-run/rye/pkg/models"
)

// RenderedName is the derived markdown view's file name. The markdown is
// never a source of truth; it can be regenerated from the journal at any
// time.
const RenderedName = "transcript.md"

// RenderFile reads a journal and writes the markdown view next to it.
func RenderFile(journalPath string) error {
	events, err := Replay(journalPath)
	if err != nil {
		return err
	}
	out := Render(events)
	dest := filepath.Join(filepath.Dir(journalPath), RenderedName)
	tmp := dest + ".tmp"
	if err := os.WriteFile(tmp, []byte(out), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, dest)
}

// Render produces the human-readable markdown for a sequence of events.
func Render(events []models.TranscriptEvent) string {
	var b strings.Builder
	for _, ev := range events {
		renderEvent(&b, ev)
	}
	return b.String()
}

func renderEvent(b *strings.Builder, ev models.TranscriptEvent) {
	switch ev.Type {
	case models.EventThreadStarted:
		var p models.ThreadStartedPayload
		_ = ev.DecodePayload(&p)
		fmt.Fprintf(b, "# Thread %s\n\n", ev.ThreadID)
		fmt.Fprintf(b, "- directive: `%s`\n- model: `%s` (%s)\n- started: %s\n\n",
			ev.Directive, p.Model, p.Provider, ev.TS.Format("2006-01-02 15:04:05"))

	case models.EventStepStart:
		var p models.StepStartPayload
		_ = ev.DecodePayload(&p)
		fmt.Fprintf(b, "## Turn %d\n\n", p.TurnNumber)

	case models.EventCognitionIn:
		var p models.CognitionInPayload
		_ = ev.DecodePayload(&p)
		fmt.Fprintf(b, "**%s:**\n\n%s\n\n", p.Role, p.Text)

	case models.EventCognitionOut:
		var p models.CognitionOutPayload
		_ = ev.DecodePayload(&p)
		if p.IsPartial {
			fmt.Fprintf(b, "**assistant (partial, %s):**\n\n%s\n\n", p.Error, p.Text)
		} else if p.Text != "" {
			fmt.Fprintf(b, "**assistant:**\n\n%s\n\n", p.Text)
		}

	case models.EventToolCallStart:
		var p models.ToolCallStartPayload
		_ = ev.DecodePayload(&p)
		fmt.Fprintf(b, "### Tool call: `%s`\n\n```json\n%s\n```\n\n", p.Tool, string(p.Input))

	case models.EventToolCallResult:
		var p models.ToolCallResultPayload
		_ = ev.DecodePayload(&p)
		if p.Error != "" {
			fmt.Fprintf(b, "Tool result (%dms, error): %s\n\n", p.DurationMs, p.Error)
		} else {
			fmt.Fprintf(b, "Tool result (%dms):\n\n```json\n%s\n```\n\n", p.DurationMs, string(p.Output))
		}

	case models.EventErrorClassified:
		var p models.ErrorClassifiedPayload
		_ = ev.DecodePayload(&p)
		fmt.Fprintf(b, "> error classified: %s (%s, retryable=%v)\n\n", p.ErrorCode, p.Category, p.Retryable)

	case models.EventLimitEscalationRequested:
		var p models.LimitEscalationPayload
		_ = ev.DecodePayload(&p)
		fmt.Fprintf(b, "> limit %s hit at %.2f/%.2f, proposed %.2f\n\n",
			p.LimitCode, p.CurrentValue, p.CurrentMax, p.ProposedMax)

	case models.EventChildThreadStarted:
		var p models.ChildThreadStartedPayload
		_ = ev.DecodePayload(&p)
		fmt.Fprintf(b, "> spawned child `%s` (%s)\n\n", p.ChildThreadID, p.ChildDirective)

	case models.EventCompactionStart:
		var p models.CompactionStartPayload
		_ = ev.DecodePayload(&p)
		fmt.Fprintf(b, "> compaction started (pressure %.2f)\n\n", p.PressureRatio)

	case models.EventThreadCompleted:
		var p models.ThreadCompletedPayload
		_ = ev.DecodePayload(&p)
		fmt.Fprintf(b, "---\n\nCompleted: %d turns, %d in / %d out tokens, $%.4f, %.1fs\n",
			p.Cost.Turns, p.Cost.InputTokens, p.Cost.OutputTokens, p.Cost.Spend, p.Cost.DurationSeconds)

	case models.EventThreadError:
		var p models.ThreadErrorPayload
		_ = ev.DecodePayload(&p)
		fmt.Fprintf(b, "---\n\nFailed (%s): %s\n", p.Category, p.Message)

	case models.EventThreadSuspended:
		var p models.ThreadSuspendedPayload
		_ = ev.DecodePayload(&p)
		fmt.Fprintf(b, "---\n\nSuspended: %s\n", p.SuspendReason)

	case models.EventThreadCancelled:
		var p models.ThreadCancelledPayload
		_ = ev.DecodePayload(&p)
		fmt.Fprintf(b, "---\n\nCancelled by %s: %s\n", p.CancelledBy, p.Reason)
	}
}
