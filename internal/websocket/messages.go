package websocket

import (
	"encoding/json"
	"time"

	"github.com/AnuragDani/ride-billing-engine/internal/events"
)

// Message types for WebSocket frames. Billing events keep the type of their
// events.Event (invoice, payment, dunning, webhook, job).
const (
	TypeHealth    = "health"
	TypeHeartbeat = "heartbeat"
)

// Message represents a WebSocket message
type Message struct {
	Type      string      `json:"type"`
	Event     string      `json:"event"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewMessage creates a new message with the current timestamp
func NewMessage(msgType, event string, data interface{}) *Message {
	return &Message{
		Type:      msgType,
		Event:     event,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// FromEvent wraps a billing event for the live feed
func FromEvent(e events.Event) *Message {
	return &Message{Type: e.Type, Event: e.Event, Data: e.Data, Timestamp: e.Timestamp}
}

// ToJSON serializes the message to JSON bytes
func (m *Message) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// HeartbeatData represents heartbeat data
type HeartbeatData struct {
	ServerTime  time.Time `json:"server_time"`
	ClientCount int       `json:"client_count"`
}

// WelcomeData is sent once after the upgrade
type WelcomeData struct {
	ClientID   string    `json:"client_id"`
	ServerTime time.Time `json:"server_time"`
	Message    string    `json:"message"`
}
