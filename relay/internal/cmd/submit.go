package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/XiaoCRQ/Competitive-Remote/pkg/protocol"
)

type submitOptions struct {
	relay    string
	url      string
	language string
	problem  string
	viaHTTP  bool
	timeout  time.Duration
}

func newSubmitCmd() *cobra.Command {
	var opts submitOptions
	cmd := &cobra.Command{
		Use:   "submit [source-file]",
		Short: "Send one job to a relay",
		Long: `Reads source code from the named file (or stdin when omitted or "-")
and sends it to the relay as a job. Every connected client receives it.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src := "-"
			if len(args) == 1 {
				src = args[0]
			}
			code, err := readSource(cmd.InOrStdin(), src)
			if err != nil {
				return err
			}
			job := protocol.Job{URL: opts.url, Code: code, Language: opts.language, Problem: opts.problem}
			if err := job.Validate(); err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			if opts.viaHTTP {
				n, err := submitHTTP(ctx, opts.relay, job)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "job accepted, %d client(s) received it\n", n)
				return nil
			}
			if err := submitWS(ctx, opts.relay, job); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "job sent")
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.relay, "relay", "ws://127.0.0.1:10044", "relay WebSocket URL")
	cmd.Flags().StringVar(&opts.url, "url", "", "problem page URL (required)")
	cmd.Flags().StringVar(&opts.language, "language", "", "language hint, e.g. cpp")
	cmd.Flags().StringVar(&opts.problem, "problem", "", "problem id hint, e.g. 4A")
	cmd.Flags().BoolVar(&opts.viaHTTP, "http", false, "use the relay's POST /api/jobs instead of a WebSocket")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "give up after this long")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func readSource(stdin io.Reader, name string) (string, error) {
	var (
		data []byte
		err  error
	)
	if name == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(name)
	}
	if err != nil {
		return "", fmt.Errorf("read source: %w", err)
	}
	return string(data), nil
}

func submitWS(ctx context.Context, relay string, job protocol.Job) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, relay, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", relay, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	if err := conn.WriteJSON(job); err != nil {
		return fmt.Errorf("send job: %w", err)
	}
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return nil
}

// jobsEndpoint maps ws://host/path to http://host/api/jobs.
func jobsEndpoint(relay string) (string, error) {
	u, err := url.Parse(relay)
	if err != nil {
		return "", fmt.Errorf("relay url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("relay url must use ws://, wss://, http:// or https://, got %q", relay)
	}
	u.Path = "/api/jobs"
	u.RawQuery = ""
	return u.String(), nil
}

func submitHTTP(ctx context.Context, relay string, job protocol.Job) (int, error) {
	endpoint, err := jobsEndpoint(relay)
	if err != nil {
		return 0, err
	}
	body, err := json.Marshal(job)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("post %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return 0, fmt.Errorf("relay rejected job: %s %s", resp.Status, strings.TrimSpace(e.Error))
	}
	var out struct {
		Recipients int `json:"recipients"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode response: %w", err)
	}
	return out.Recipients, nil
}
