package dashboard

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/XiaoCRQ/Competitive-Remote/client/internal/delivery"
	"github.com/XiaoCRQ/Competitive-Remote/client/internal/tui"
)

const maxDeliveryRows = 10

type deliveriesModel struct {
	items  []delivery.Result
	cursor int
}

func (d *deliveriesModel) update(items []delivery.Result) {
	d.items = items
	if d.cursor >= len(d.items) {
		d.cursor = max(0, len(d.items)-1)
	}
}

func (d deliveriesModel) Update(msg tea.Msg) (deliveriesModel, tea.Cmd) {
	if k, ok := msg.(tea.KeyMsg); ok {
		switch k.String() {
		case "j", "down":
			if d.cursor < len(d.items)-1 {
				d.cursor++
			}
		case "k", "up":
			if d.cursor > 0 {
				d.cursor--
			}
		case "g":
			d.cursor = 0
		case "G":
			d.cursor = max(0, len(d.items)-1)
		}
	}
	return d, nil
}

func (d deliveriesModel) View() string {
	if len(d.items) == 0 {
		return tui.Dimmed.Render("  No deliveries yet")
	}
	head := lipgloss.NewStyle().Foreground(tui.ColorSubtle).Bold(true)
	var b strings.Builder
	fmt.Fprintf(&b, "  %-9s %-11s %-10s %-10s %s\n",
		head.Render("TIME"), head.Render("FAMILY"), head.Render("OUTCOME"), head.Render("DEST"), head.Render("URL"))

	start := 0
	if d.cursor >= maxDeliveryRows {
		start = d.cursor - maxDeliveryRows + 1
	}
	end := min(len(d.items), start+maxDeliveryRows)
	for i := start; i < end; i++ {
		r := d.items[i]
		prefix := "  "
		if i == d.cursor {
			prefix = tui.Title.Render("> ")
		}
		dest := r.DestinationID
		if len(dest) > 8 {
			dest = dest[:8]
		}
		line := fmt.Sprintf("%-9s %-11s %-10s %-10s %s",
			r.At.Local().Format("15:04:05"),
			r.Family,
			tui.StateStyle(r.Outcome).Render(r.Outcome),
			dest,
			r.Destination,
		)
		if r.Error != "" {
			line += "  " + tui.ErrorStyle.Render(r.Error)
		}
		b.WriteString(prefix + line + "\n")
	}
	return b.String()
}

func (d deliveriesModel) height() int {
	return min(len(d.items), maxDeliveryRows) + 2
}
