package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/XiaoCRQ/Competitive-Remote/client/internal/eventbus"
	"github.com/XiaoCRQ/Competitive-Remote/client/internal/router"
	"github.com/XiaoCRQ/Competitive-Remote/pkg/protocol"
)

// fakeGateway signals readiness when the test says so.
type fakeGateway struct {
	ready chan string

	mu        sync.Mutex
	activated []string
	delivered map[string][]any
	failAddr  string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{ready: make(chan string, 8), delivered: make(map[string][]any)}
}

func (g *fakeGateway) Activate(_ context.Context, address string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if address == g.failAddr {
		return "", errors.New("cannot open")
	}
	g.activated = append(g.activated, address)
	return "id-" + address, nil
}

func (g *fakeGateway) Ready() <-chan string { return g.ready }

func (g *fakeGateway) Deliver(_ context.Context, id string, payload any) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.delivered[id] = append(g.delivered[id], payload)
	return nil
}

func (g *fakeGateway) Close() error { return nil }

func (g *fakeGateway) deliveredTo(id string) []any {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]any(nil), g.delivered[id]...)
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 2*time.Millisecond)
}

func TestDispatcher_RoutesActivatesAndDeliversOnReady(t *testing.T) {
	gw := newFakeGateway()
	bus := eventbus.New()
	events := bus.Subscribe(eventbus.TaskEnqueued, eventbus.TaskDelivered)
	d := NewDispatcher(gw, Options{}, bus, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	d.HandleFrame(protocol.Frame{URL: "https://codeforces.com/contest/42/problem/B", Code: "src"})

	id := "id-https://codeforces.com/contest/42/submit"
	eventually(t, func() bool { return d.Queue().Len() == 1 })
	assert.Empty(t, gw.deliveredTo(id), "nothing is delivered before readiness")

	gw.ready <- id
	eventually(t, func() bool { return len(gw.deliveredTo(id)) == 1 })

	p := gw.deliveredTo(id)[0].(router.Payload)
	assert.Equal(t, "B", p.Code.(router.Submission).Problem)

	eventually(t, func() bool { return len(d.Recent()) == 1 })
	assert.Equal(t, OutcomeDelivered, d.Recent()[0].Outcome)

	assert.Equal(t, eventbus.TaskEnqueued, (<-events).Type)
	assert.Equal(t, eventbus.TaskDelivered, (<-events).Type)
}

func TestDispatcher_DropsUnroutableAndInvalid(t *testing.T) {
	gw := newFakeGateway()
	bus := eventbus.New()
	dropped := bus.Subscribe(eventbus.JobDropped)
	d := NewDispatcher(gw, Options{}, bus, testLogger())
	defer d.Close()

	d.HandleFrame(protocol.Frame{URL: "https://example.com/p/1", Code: "src"})
	d.HandleFrame(protocol.Frame{URL: "https://codeforces.com/blog/entry/1", Code: "src"})
	d.HandleFrame(protocol.Frame{URL: "https://www.luogu.com.cn/problem/P1001"}) // no code

	require.Len(t, dropped, 2)
	assert.Contains(t, string((<-dropped).Data), "no matching family")
	assert.Contains(t, string((<-dropped).Data), "missing codeforces problem id")

	gw.mu.Lock()
	defer gw.mu.Unlock()
	assert.Empty(t, gw.activated)
}

func TestDispatcher_ActivationFailureIsRecorded(t *testing.T) {
	gw := newFakeGateway()
	gw.failAddr = "https://ac.nowcoder.com/acm/problem/1"
	d := NewDispatcher(gw, Options{}, nil, testLogger())
	defer d.Close()

	d.HandleJob(protocol.Job{URL: gw.failAddr, Code: "src"})
	eventually(t, func() bool { return len(d.Recent()) == 1 })
	assert.Equal(t, OutcomeFailed, d.Recent()[0].Outcome)
	assert.Equal(t, 0, d.Queue().Len())
}

func TestDispatcher_SweepsStaleEntries(t *testing.T) {
	gw := newFakeGateway()
	d := NewDispatcher(gw, Options{Window: 20 * time.Millisecond, SweepInterval: 10 * time.Millisecond}, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	d.HandleJob(protocol.Job{URL: "https://www.luogu.com.cn/problem/P1001", Code: "src"})
	eventually(t, func() bool {
		r := d.Recent()
		return len(r) == 1 && r[0].Outcome == OutcomeExpired
	})
	assert.Equal(t, 0, d.Queue().Len())
}
