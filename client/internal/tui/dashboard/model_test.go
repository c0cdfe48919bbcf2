package dashboard

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/XiaoCRQ/Competitive-Remote/client/internal/delivery"
	"github.com/XiaoCRQ/Competitive-Remote/client/internal/eventbus"
	"github.com/XiaoCRQ/Competitive-Remote/client/internal/ipc"
)

func TestModel_DetachAndSwitch(t *testing.T) {
	m := NewModel(ipc.StatusResult{State: "connected"}, nil)

	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyTab})
	m = next.(Model)
	if m.active != PanelLogs {
		t.Fatalf("active = %v after tab", m.active)
	}

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("d")})
	m = next.(Model)
	if !m.Detached() || cmd == nil {
		t.Fatal("d should detach and quit")
	}
}

func TestModel_RendersDeliveriesAndEvents(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.Local)
	m := NewModel(ipc.StatusResult{Endpoint: "ws://relay:10044", State: "connected"}, []delivery.Result{
		{DestinationID: "abcdef123456", Family: "codeforces", Destination: "https://codeforces.com/contest/1/submit", Outcome: delivery.OutcomeDelivered, At: at},
	})
	next, _ := m.Update(tea.WindowSizeMsg{Width: 160, Height: 40})
	m = next.(Model)

	entry, _ := json.Marshal(map[string]any{"level": "INFO", "msg": "relay connected", "endpoint": "ws://relay:10044"})
	next, _ = m.Update(EventMsg{Type: eventbus.LogEntry, Timestamp: at, Data: entry})
	m = next.(Model)

	view := m.View()
	for _, want := range []string{"ws://relay:10044", "codeforces", "abcdef12", "relay connected"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestFormatEvent_NonLog(t *testing.T) {
	line := formatEvent(EventMsg{Type: eventbus.JobDropped, Data: json.RawMessage(`{"reason":"no matching family"}`)})
	if !strings.Contains(line, "no matching family") || !strings.Contains(line, eventbus.JobDropped) {
		t.Errorf("line = %q", line)
	}
}
