// Package protocol defines the JSON frames exchanged between the relay and its
// clients over WebSocket.
//
// Control frames carry a "type" field. Job frames carry no type; any frame
// with both "url" and "code" is a job.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Control frame types.
const (
	TypePing  = "ping"
	TypePong  = "pong"
	TypeHello = "hello"
)

// DefaultLanguage is used when a job frame omits "language".
const DefaultLanguage = "text"

// Frame is a decoded inbound frame. Only the fields this protocol knows about
// are kept; Raw holds the original bytes for logging and relaying.
type Frame struct {
	Type     string `json:"type,omitempty"`
	T        int64  `json:"t,omitempty"`
	Client   string `json:"client,omitempty"`
	URL      string `json:"url,omitempty"`
	Code     string `json:"code,omitempty"`
	Language string `json:"language,omitempty"`
	Problem  string `json:"problem,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// Ping is the outbound liveness probe.
type Ping struct {
	Type string `json:"type"`
	T    int64  `json:"t"`
}

// Pong acknowledges a Ping.
type Pong struct {
	Type string `json:"type"`
	T    int64  `json:"t,omitempty"`
}

// Hello is optionally sent by a client once per connection.
type Hello struct {
	Type   string `json:"type"`
	Client string `json:"client"`
}

// Job is a "submit this code" descriptor. It is immutable once decoded.
type Job struct {
	URL      string `json:"url"`
	Code     string `json:"code"`
	Language string `json:"language,omitempty"`
	Problem  string `json:"problem,omitempty"`
}

// NewPing returns a ping stamped with now in Unix milliseconds.
func NewPing(now time.Time) Ping {
	return Ping{Type: TypePing, T: now.UnixMilli()}
}

// NewHello returns the hello frame for the named client.
func NewHello(client string) Hello {
	return Hello{Type: TypeHello, Client: client}
}

// Decode parses a single text frame. Non-object payloads are rejected.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	f.Raw = append(json.RawMessage(nil), data...)
	return f, nil
}

// IsPong reports whether f acknowledges a probe.
func (f Frame) IsPong() bool { return f.Type == TypePong }

// IsPing reports whether f is a probe.
func (f Frame) IsPing() bool { return f.Type == TypePing }

// Job extracts the job descriptor carried by f. ok is false when either url or
// code is missing.
func (f Frame) Job() (job Job, ok bool) {
	if f.URL == "" || f.Code == "" {
		return Job{}, false
	}
	lang := f.Language
	if lang == "" {
		lang = DefaultLanguage
	}
	return Job{URL: f.URL, Code: f.Code, Language: lang, Problem: f.Problem}, true
}

// Validate checks a job built outside of Decode, e.g. by the submit command or
// the relay's HTTP endpoint.
func (j Job) Validate() error {
	if j.URL == "" {
		return fmt.Errorf("url is required")
	}
	if j.Code == "" {
		return fmt.Errorf("code is required")
	}
	return nil
}
