// Package protocol defines the frames exchanged between the client and the
// gateway over the realtime websocket.
//
// Every frame is a single JSON object carrying a "type" discriminator. Fields
// irrelevant to a type are omitted on the wire. Byte payloads ([]byte) are
// base64-encoded by encoding/json.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Type identifies a frame.
type Type string

// Client to gateway.
const (
	TypeAuthenticate Type = "authenticate-session"
	TypeInput        Type = "session-input"
	TypeResize       Type = "session-resize"
	TypeExecute      Type = "execute-command"
	TypeExecuteBatch Type = "execute-batch"
	TypeCheckSession Type = "check-session"
	TypeTeardown     Type = "teardown-session"
	TypeRestartShell Type = "restart-shell"
	TypePing         Type = "ping"
)

// Gateway to client.
const (
	TypeEstablished   Type = "session-established"
	TypeResumed       Type = "session-resumed"
	TypeOutput        Type = "session-output"
	TypeError         Type = "session-error"
	TypeErrorBytes    Type = "session-error-bytes"
	TypeClosed        Type = "session-closed"
	TypeEnded         Type = "session-ended"
	TypeCommandResult Type = "command-result"
	TypeBatchResult   Type = "batch-result"
	TypeSessionStatus Type = "session-status"
	TypePong          Type = "pong"
)

// CodeNotAttached marks a gateway reply sent because the socket has no
// session bound yet, typically between a transport reopen and
// session-resumed. It is a transport condition, not a command failure.
const CodeNotAttached = "not-attached"

// BatchEntry is one command's outcome inside a batch-result frame.
type BatchEntry struct {
	Command string `json:"command"`
	Output  string `json:"output"`
	Error   string `json:"error,omitempty"`
}

// Frame is the envelope for every message on the channel.
type Frame struct {
	Type Type `json:"type"`

	SessionID string `json:"sessionId,omitempty"`
	Message   string `json:"message,omitempty"`
	// Code classifies session-error, command-result and batch-result
	// failures that are not the remote command's own.
	Code string `json:"code,omitempty"`

	// authenticate-session
	Host       string `json:"host,omitempty"`
	Port       int    `json:"port,omitempty"`
	Username   string `json:"username,omitempty"`
	PrivateKey string `json:"privateKey,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`

	// session-input, session-output, session-error-bytes
	Data []byte `json:"data,omitempty"`

	// session-resize
	Cols int `json:"cols,omitempty"`
	Rows int `json:"rows,omitempty"`

	// execute-command, command-result
	Command     string `json:"command,omitempty"`
	ExecutionID string `json:"executionId,omitempty"`
	Stream      bool   `json:"stream,omitempty"`
	Output      string `json:"output,omitempty"`
	Error       string `json:"error,omitempty"`
	Partial     bool   `json:"partial,omitempty"`

	// execute-batch, batch-result
	BatchID  string       `json:"batchId,omitempty"`
	Commands []string     `json:"commands,omitempty"`
	Results  []BatchEntry `json:"results,omitempty"`

	// session-status
	Alive bool `json:"alive,omitempty"`
}

// IsProbe reports whether the frame is a liveness or refresh probe. Probes
// are not counted as session activity when sent.
func (f Frame) IsProbe() bool {
	return f.Type == TypePing || f.Type == TypeCheckSession
}

// IsProbeReply reports whether the frame answers a probe. Replies are not
// counted as session activity when received.
func (f Frame) IsProbeReply() bool {
	return f.Type == TypePong || f.Type == TypeSessionStatus
}

// NotAttached reports whether the gateway refused the frame's request
// because no session was bound to the socket.
func (f Frame) NotAttached() bool {
	return f.Code == CodeNotAttached
}

// Encode serializes a frame for the wire.
func Encode(f Frame) ([]byte, error) {
	if f.Type == "" {
		return nil, fmt.Errorf("encode frame: missing type")
	}
	b, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Type, err)
	}
	return b, nil
}

// Decode parses a frame received from the wire.
func Decode(b []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("decode frame: missing type")
	}
	return f, nil
}
