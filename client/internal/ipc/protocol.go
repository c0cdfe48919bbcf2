// Package ipc exposes a running client over a JSON-Lines Unix socket so the
// CLI and the attach dashboard can inspect it.
package ipc

import (
	"encoding/json"
	"time"

	"github.com/XiaoCRQ/Competitive-Remote/client/internal/delivery"
)

// Methods.
const (
	MethodStatus     = "status"
	MethodDeliveries = "deliveries"
	MethodSubscribe  = "subscribe"
)

// Response types.
const (
	TypeResult = "result"
	TypeError  = "error"
	TypeEvent  = "event"
)

// Request is one JSON line sent by a client.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is one JSON line sent by the server.
type Response struct {
	ID   string          `json:"id,omitempty"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// StatusResult is returned by the status method.
type StatusResult struct {
	Endpoint    string    `json:"endpoint"`
	State       string    `json:"state"`
	Connected   bool      `json:"connected"`
	ConnectedAt time.Time `json:"connected_at,omitzero"`
	LastAck     time.Time `json:"last_ack,omitzero"`
	Dials       int       `json:"dials"`
	Reconnects  int       `json:"reconnects"`
	Pending     int       `json:"pending"`
	Gateway     string    `json:"gateway"`
	Settings    string    `json:"settings"`
	StartedAt   time.Time `json:"started_at"`
	Uptime      string    `json:"uptime"`
	Version     string    `json:"version"`
}

// DeliveriesResult is returned by the deliveries method, newest first.
type DeliveriesResult struct {
	Deliveries []delivery.Result `json:"deliveries"`
}

type SubscribeParams struct {
	Events []string `json:"events,omitempty"`
}

// Event carries a bus event to a subscribed client.
type Event struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"ts"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type errorBody struct {
	Error string `json:"error"`
}

// StateProvider answers the status and deliveries methods.
type StateProvider interface {
	Status() StatusResult
	Deliveries() []delivery.Result
}

func marshalRaw(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}
