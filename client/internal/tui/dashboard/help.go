package dashboard

import (
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/lipgloss"

	"github.com/XiaoCRQ/Competitive-Remote/client/internal/tui"
)

type keyMap struct {
	Quit   key.Binding
	Detach key.Binding
	Switch key.Binding
	Help   key.Binding
}

var keys = keyMap{
	Quit:   key.NewBinding(key.WithKeys("ctrl+c", "q"), key.WithHelp("q", "quit")),
	Detach: key.NewBinding(key.WithKeys("ctrl+d", "d"), key.WithHelp("d", "detach")),
	Switch: key.NewBinding(key.WithKeys("tab"), key.WithHelp("tab", "switch panel")),
	Help:   key.NewBinding(key.WithKeys("?"), key.WithHelp("?", "help")),
}

func helpBar() string {
	return tui.Help.Render("  q quit  d detach  tab switch  j/k move  g/G top/bottom  ? help")
}

func helpView() string {
	binds := [][2]string{
		{"q / Ctrl+C", "Close the dashboard"},
		{"d / Ctrl+D", "Detach, the client keeps running"},
		{"Tab", "Switch between Deliveries and Logs"},
		{"j / k", "Move or scroll"},
		{"g / G", "Jump to top / bottom"},
		{"?", "Toggle this help"},
	}
	keyStyle := lipgloss.NewStyle().Foreground(tui.ColorAccent).Bold(true).Width(14)

	var b strings.Builder
	b.WriteString(tui.Title.Render("Keyboard Shortcuts") + "\n\n")
	for _, kv := range binds {
		b.WriteString("  " + keyStyle.Render(kv[0]) + kv[1] + "\n")
	}
	b.WriteString("\n" + tui.Help.Render("  Press ? to close"))
	return lipgloss.NewStyle().Padding(1, 2).Render(b.String())
}
