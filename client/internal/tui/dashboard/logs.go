package dashboard

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/XiaoCRQ/Competitive-Remote/client/internal/eventbus"
	"github.com/XiaoCRQ/Competitive-Remote/client/internal/tui"
)

const maxLogLines = 1000

type logsModel struct {
	viewport   viewport.Model
	lines      []string
	autoScroll bool
}

func newLogs() logsModel {
	return logsModel{viewport: viewport.New(80, 10), autoScroll: true}
}

func (l *logsModel) SetSize(width, height int) {
	l.viewport.Width = width
	l.viewport.Height = height
}

func (l *logsModel) add(msg EventMsg) {
	l.lines = append(l.lines, formatEvent(msg))
	if len(l.lines) > maxLogLines {
		l.lines = l.lines[len(l.lines)-maxLogLines:]
	}
	l.viewport.SetContent(strings.Join(l.lines, "\n"))
	if l.autoScroll {
		l.viewport.GotoBottom()
	}
}

// formatEvent renders log entries as "time LEVEL msg k=v" and any other
// event as its type plus raw payload.
func formatEvent(msg EventMsg) string {
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	stamp := ts.Local().Format("15:04:05")

	if msg.Type != eventbus.LogEntry {
		return fmt.Sprintf("  %s %s  %s", stamp, tui.Subtitle.Render(msg.Type), string(msg.Data))
	}
	var entry map[string]any
	if err := json.Unmarshal(msg.Data, &entry); err != nil {
		return fmt.Sprintf("  %s %s", stamp, string(msg.Data))
	}
	level, _ := entry["level"].(string)
	text, _ := entry["msg"].(string)

	keys := make([]string, 0, len(entry))
	for k := range entry {
		if k != "level" && k != "msg" && k != "time" {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	attrs := make([]string, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, fmt.Sprintf("%s=%v", k, entry[k]))
	}

	line := fmt.Sprintf("  %s %s  %s", stamp, tui.LogLevelStyle(level).Render(fmt.Sprintf("%-5s", level)), text)
	if len(attrs) > 0 {
		line += "  " + tui.Dimmed.Render(strings.Join(attrs, " "))
	}
	return line
}

func (l logsModel) Update(msg tea.Msg) (logsModel, tea.Cmd) {
	if k, ok := msg.(tea.KeyMsg); ok {
		switch k.String() {
		case "G":
			l.autoScroll = true
			l.viewport.GotoBottom()
			return l, nil
		case "g":
			l.autoScroll = false
			l.viewport.GotoTop()
			return l, nil
		case "j", "down", "k", "up":
			l.autoScroll = false
		}
	}
	var cmd tea.Cmd
	l.viewport, cmd = l.viewport.Update(msg)
	return l, cmd
}

func (l logsModel) View() string { return l.viewport.View() }
