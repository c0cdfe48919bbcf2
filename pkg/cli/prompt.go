// Package cli provides line-oriented terminal prompts for setup wizards.
package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/term"
)

// Prompter asks questions on Out and reads answers from In.
type Prompter struct {
	In  io.Reader
	Out io.Writer

	sc *bufio.Scanner
}

// DefaultPrompter returns a Prompter on stdin/stdout.
func DefaultPrompter() *Prompter {
	return &Prompter{In: os.Stdin, Out: os.Stdout}
}

// readLine returns the next trimmed line; ok is false once input is exhausted.
func (p *Prompter) readLine() (string, bool) {
	if p.sc == nil {
		p.sc = bufio.NewScanner(p.In)
	}
	if !p.sc.Scan() {
		return "", false
	}
	return strings.TrimSpace(p.sc.Text()), true
}

func (p *Prompter) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(p.Out, format, args...)
}

// Ask reads one answer, returning def for an empty line or at end of input.
func (p *Prompter) Ask(question, def string) string {
	if def != "" {
		p.printf("%s [%s]: ", question, def)
	} else {
		p.printf("%s: ", question)
	}
	if line, _ := p.readLine(); line != "" {
		return line
	}
	return def
}

// AskValid repeats the question until check accepts the answer. When input
// runs out on a rejected answer it returns the last check error.
func (p *Prompter) AskValid(question, def string, check func(string) error) (string, error) {
	for {
		if def != "" {
			p.printf("%s [%s]: ", question, def)
		} else {
			p.printf("%s: ", question)
		}
		line, ok := p.readLine()
		if line == "" {
			line = def
		}
		err := check(line)
		if err == nil {
			return line, nil
		}
		p.printf("  %v\n", err)
		if !ok {
			return "", err
		}
	}
}

// AskSecret reads without echo when In is a terminal.
func (p *Prompter) AskSecret(question string) string {
	p.printf("%s: ", question)
	if f, ok := p.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		p.printf("\n")
		if err == nil {
			return strings.TrimSpace(string(b))
		}
	}
	line, _ := p.readLine()
	return line
}

// AskDuration reads a Go duration such as "800ms" or "30s".
func (p *Prompter) AskDuration(question string, def time.Duration) (time.Duration, error) {
	ans, err := p.AskValid(question, def.String(), func(s string) error {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			return fmt.Errorf("please enter a positive duration such as 800ms or 30s")
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return time.ParseDuration(ans)
}

// Choose lists options and returns the one picked by number or by name.
func (p *Prompter) Choose(question string, options []string, def int) string {
	p.printf("%s\n", question)
	for i, opt := range options {
		marker := "  "
		if i == def {
			marker = "> "
		}
		p.printf("%s%d) %s\n", marker, i+1, opt)
	}
	for {
		p.printf("Choice [%d]: ", def+1)
		line, ok := p.readLine()
		if line == "" {
			return options[def]
		}
		if n, err := strconv.Atoi(line); err == nil && n >= 1 && n <= len(options) {
			return options[n-1]
		}
		for _, opt := range options {
			if strings.EqualFold(opt, line) {
				return opt
			}
		}
		if !ok {
			return options[def]
		}
		p.printf("  Please enter a number between 1 and %d.\n", len(options))
	}
}

// Confirm asks a yes/no question.
func (p *Prompter) Confirm(question string, defYes bool) bool {
	hint := "y/N"
	if defYes {
		hint = "Y/n"
	}
	p.printf("%s [%s]: ", question, hint)
	line, _ := p.readLine()
	if line == "" {
		return defYes
	}
	return strings.HasPrefix(strings.ToLower(line), "y")
}
