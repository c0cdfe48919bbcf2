package cmd

import (
	"bytes"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/XiaoCRQ/Competitive-Remote/pkg/protocol"
	"github.com/XiaoCRQ/Competitive-Remote/relay/internal/server"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd("1.2.3")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

// listener starts a relay and one connected client, returning the relay's
// WebSocket URL and the client.
func listener(t *testing.T) (string, *websocket.Conn) {
	t.Helper()
	srv := server.New(server.Options{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	relay := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(relay, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.Eventually(t, func() bool { return srv.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)
	return relay, conn
}

func readJob(t *testing.T, conn *websocket.Conn) protocol.Job {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	f, err := protocol.Decode(data)
	require.NoError(t, err)
	job, ok := f.Job()
	require.True(t, ok, "not a job: %s", data)
	return job
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "", "version")
	require.NoError(t, err)
	assert.Equal(t, "cr-relay 1.2.3\n", out)
}

func TestSubmit_WebSocketFromFile(t *testing.T) {
	relay, conn := listener(t)
	src := filepath.Join(t.TempDir(), "a.cpp")
	require.NoError(t, os.WriteFile(src, []byte("int main(){}"), 0o600))

	out, err := execute(t, "", "submit", "--relay", relay,
		"--url", "https://codeforces.com/problemset/problem/4/A", "--problem", "4A", src)
	require.NoError(t, err)
	assert.Contains(t, out, "job sent")

	job := readJob(t, conn)
	assert.Equal(t, "int main(){}", job.Code)
	assert.Equal(t, "4A", job.Problem)
}

func TestSubmit_HTTPFromStdin(t *testing.T) {
	relay, conn := listener(t)

	out, err := execute(t, "print(1)\n", "submit", "--http", "--relay", relay,
		"--url", "https://www.luogu.com.cn/problem/P1001", "--language", "python")
	require.NoError(t, err)
	assert.Contains(t, out, "1 client(s)")

	job := readJob(t, conn)
	assert.Equal(t, "print(1)\n", job.Code)
	assert.Equal(t, "python", job.Language)
}

func TestSubmit_RequiresURLAndCode(t *testing.T) {
	_, err := execute(t, "code", "submit")
	require.Error(t, err)

	_, err = execute(t, "", "submit", "--url", "https://example.com")
	require.ErrorContains(t, err, "code is required")
}

func TestJobsEndpoint(t *testing.T) {
	tests := []struct {
		in, want string
		wantErr  bool
	}{
		{in: "ws://127.0.0.1:10044", want: "http://127.0.0.1:10044/api/jobs"},
		{in: "wss://relay.example/ws?x=1", want: "https://relay.example/api/jobs"},
		{in: "http://h:1/", want: "http://h:1/api/jobs"},
		{in: "ftp://h", wantErr: true},
	}
	for _, tt := range tests {
		got, err := jobsEndpoint(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestServe_BadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"path":"nope"}`), 0o600))
	_, err := execute(t, "", "serve", "-c", path)
	require.ErrorContains(t, err, "path must start")
}
