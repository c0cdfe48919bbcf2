package dashboard

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/XiaoCRQ/Competitive-Remote/client/internal/ipc"
	"github.com/XiaoCRQ/Competitive-Remote/client/internal/tui"
)

type headerModel struct {
	status ipc.StatusResult
}

func (h headerModel) View(width int) string {
	left := tui.Title.Render("Competitive Remote")
	st := h.status
	right := fmt.Sprintf("%s  %s %s", st.Endpoint, tui.StatusDot(st.State), tui.StateStyle(st.State).Render(st.State))

	info := fmt.Sprintf("  Gateway: %s   Settings: %s   Pending: %d   Reconnects: %d   Uptime: %s",
		st.Gateway, st.Settings, st.Pending, st.Reconnects, formatSince(st.StartedAt, st.Uptime))
	if !st.LastAck.IsZero() {
		info += fmt.Sprintf("   Last pong: %s ago", formatSince(st.LastAck, "-"))
	}

	gap := max(0, width-lipgloss.Width(left)-lipgloss.Width(right)-6)
	row := lipgloss.JoinHorizontal(lipgloss.Top, left, lipgloss.NewStyle().Width(gap).Render(""), right)

	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(tui.ColorPrimary).
		Width(max(0, width-2)).
		Padding(0, 1).
		Render(row + "\n" + tui.Description.Render(info))
}

func formatSince(t time.Time, fallback string) string {
	if t.IsZero() {
		return fallback
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}
}
