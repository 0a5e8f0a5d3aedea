// ABOUTME: Renders session snapshots into the bridge's status message.
// ABOUTME: Produces the single mrkdwn message that gets updated in place.

package format

import (
	"fmt"
	"strings"
	"time"

	"github.com/2389/coven-bridge/internal/session"
)

const (
	thinkingPreviewRunes = 280
	toolOutputTailRunes  = 400
)

// StatusMessage renders a snapshot into the status message body. The layout
// is stable across updates so the message reads as one evolving document:
// status header, response text, thinking preview, active tools, token footer.
func StatusMessage(snap session.Snapshot) string {
	var sb strings.Builder

	sb.WriteString(statusHeader(snap))
	sb.WriteString("\n")

	if text := strings.TrimSpace(snap.Text); text != "" {
		sb.WriteString("\n")
		sb.WriteString(Mrkdwn(text))
		sb.WriteString("\n")
	}

	if thinking := strings.TrimSpace(snap.Thinking); thinking != "" && snap.Status == session.StatusRunning {
		sb.WriteString("\n_")
		sb.WriteString(escape(tailRunes(collapseWhitespace(thinking), thinkingPreviewRunes)))
		sb.WriteString("_\n")
	}

	for _, tool := range snap.Tools {
		fmt.Fprintf(&sb, "\n:hammer_and_wrench: `%s` (%s)\n", tool.Name, roundElapsed(tool.Running))
		if out := strings.TrimSpace(tool.Output); out != "" {
			sb.WriteString("```\n")
			sb.WriteString(escape(tailRunes(out, toolOutputTailRunes)))
			sb.WriteString("\n```\n")
		}
	}

	if footer := tokenFooter(snap); footer != "" {
		sb.WriteString("\n")
		sb.WriteString(footer)
		sb.WriteString("\n")
	}

	return strings.TrimRight(sb.String(), "\n")
}

func statusHeader(snap session.Snapshot) string {
	switch snap.Status {
	case session.StatusCompleted:
		return ":white_check_mark: *Done*"
	case session.StatusInterrupted:
		return ":octagonal_sign: *Interrupted*"
	case session.StatusFailed:
		return ":x: *Failed*"
	default:
		return fmt.Sprintf(":hourglass_flowing_sand: *Working* (%s)", roundElapsed(time.Since(snap.StartedAt)))
	}
}

func tokenFooter(snap session.Snapshot) string {
	if snap.InputTokens == 0 && snap.OutputTokens == 0 {
		return ""
	}
	footer := fmt.Sprintf("_%s in / %s out", formatTokens(snap.InputTokens), formatTokens(snap.OutputTokens))
	if snap.ContextWindow > 0 {
		pct := float64(snap.InputTokens) / float64(snap.ContextWindow) * 100
		footer += fmt.Sprintf(" · %.0f%% of context", pct)
	}
	return footer + "_"
}

// formatTokens renders counts the way humans read them: exact below 10k,
// thousands above.
func formatTokens(n int64) string {
	if n < 10_000 {
		return fmt.Sprintf("%d", n)
	}
	return fmt.Sprintf("%.1fk", float64(n)/1000)
}

func roundElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	if d < time.Minute {
		return d.Round(time.Second).String()
	}
	return d.Round(time.Minute).String()
}

// tailRunes keeps the last n runes of s, prefixing an ellipsis when trimmed.
func tailRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return "…" + string(runes[len(runes)-n:])
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
