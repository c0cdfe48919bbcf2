package dashboard

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/XiaoCRQ/Competitive-Remote/client/internal/ipc"
)

const refreshInterval = 2 * time.Second

// Attach connects to the client listening on socketPath and runs the
// dashboard until the user quits or detaches.
func Attach(ctx context.Context, socketPath string) error {
	c, err := ipc.Dial(socketPath)
	if err != nil {
		return fmt.Errorf("connect to client: %w", err)
	}
	defer func() { _ = c.Close() }()

	status, err := c.Status(ctx)
	if err != nil {
		return fmt.Errorf("query status: %w", err)
	}
	recent, err := c.Deliveries(ctx)
	if err != nil {
		return fmt.Errorf("query deliveries: %w", err)
	}
	if err := c.Subscribe(ctx); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	p := tea.NewProgram(NewModel(status, recent), tea.WithAltScreen(), tea.WithContext(ctx))

	refresh := func() {
		rctx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		if st, err := c.Status(rctx); err == nil {
			p.Send(StatusMsg(st))
		}
		if ds, err := c.Deliveries(rctx); err == nil {
			p.Send(DeliveriesMsg(ds))
		}
	}

	go func() {
		for evt := range c.Events() {
			p.Send(EventMsg{Type: evt.Type, Timestamp: evt.Timestamp, Data: evt.Data})
			if strings.HasPrefix(evt.Type, "task.") || strings.HasPrefix(evt.Type, "relay.") {
				refresh()
			}
		}
		p.Quit()
	}()

	tickCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		t := time.NewTicker(refreshInterval)
		defer t.Stop()
		for {
			select {
			case <-tickCtx.Done():
				return
			case <-t.C:
				refresh()
			}
		}
	}()

	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}
