package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/XiaoCRQ/Competitive-Remote/client/internal/daemon"
)

func newLogsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the background client's log",
		RunE:  runLogs,
	}
	cmd.Flags().IntP("lines", "n", 50, "number of lines to show")
	cmd.Flags().BoolP("follow", "f", false, "follow log output")
	return cmd
}

func runLogs(cmd *cobra.Command, _ []string) error {
	n, _ := cmd.Flags().GetInt("lines")
	follow, _ := cmd.Flags().GetBool("follow")
	out := cmd.OutOrStdout()

	path := daemon.Default().LogPath()
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("no log file found at %s", path)
	}
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	r := bufio.NewReader(f)
	lines, err := tailLines(r, n)
	if err != nil {
		return err
	}
	for _, l := range lines {
		fmt.Fprintln(out, l)
	}
	if !follow {
		return nil
	}

	for {
		line, err := r.ReadString('\n')
		if len(line) > 0 {
			fmt.Fprint(out, line)
		}
		switch {
		case errors.Is(err, io.EOF):
			select {
			case <-cmd.Context().Done():
				return nil
			case <-time.After(250 * time.Millisecond):
			}
		case err != nil:
			return err
		}
	}
}

// tailLines returns the last n lines of r.
func tailLines(r io.Reader, n int) ([]string, error) {
	if n <= 0 {
		_, err := io.Copy(io.Discard, r)
		return nil, err
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	ring := make([]string, 0, n)
	for sc.Scan() {
		if len(ring) == n {
			ring = append(ring[:0], ring[1:]...)
		}
		ring = append(ring, sc.Text())
	}
	return ring, sc.Err()
}
