// Package api defines the WebSocket message envelopes.
package api

import "github.com/skobkin/gpumon-web/internal/status"

// Message types exchanged over /ws.
const (
	TypeHello  = "hello"
	TypeStatus = "status"
	TypeError  = "error"
	TypePong   = "pong"
)

// HelloMessage is the initial payload sent on WebSocket connection.
type HelloMessage struct {
	Type       string            `json:"type"`
	IntervalMS int               `json:"interval_ms"`
	Server     status.ServerInfo `json:"server"`
}

// NewHelloMessage constructs a hello payload.
func NewHelloMessage(intervalMS int, server status.ServerInfo) HelloMessage {
	return HelloMessage{
		Type:       TypeHello,
		IntervalMS: intervalMS,
		Server:     server,
	}
}

// StatusMessage carries the same document as /api/status plus a type tag.
type StatusMessage struct {
	Type string `json:"type"`
	status.Status
}

// NewStatusMessage constructs a status payload.
func NewStatusMessage(current status.Status) StatusMessage {
	return StatusMessage{
		Type:   TypeStatus,
		Status: current,
	}
}

// ErrorMessage communicates an error condition to the client.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewErrorMessage constructs an error payload.
func NewErrorMessage(message string) ErrorMessage {
	return ErrorMessage{Type: TypeError, Message: message}
}

// ClientMessage is a generic envelope used for decoding inbound client messages.
type ClientMessage struct {
	Type string `json:"type"`
}

// PongMessage is the response to a ping.
type PongMessage struct {
	Type string `json:"type"`
}

// NewPongMessage constructs a pong payload.
func NewPongMessage() PongMessage {
	return PongMessage{Type: TypePong}
}
