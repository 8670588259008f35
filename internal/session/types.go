package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"time"
)

// Status is the connection status of the remote session.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
)

// String returns the human-readable name of the status.
func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "unknown"
	}
}

var (
	// ErrAuthFailed means the remote host rejected the credential. It is
	// never retried.
	ErrAuthFailed = errors.New("session: authentication failed")
	// ErrAlreadyActive is returned by Connect while a session is connecting
	// or connected.
	ErrAlreadyActive = errors.New("session: already connecting or connected")
	// ErrNotConnected is returned by operations that need a live session.
	ErrNotConnected = errors.New("session: not connected")
	// ErrSessionEnded means the gateway reported the remote shell is gone.
	ErrSessionEnded = errors.New("session: remote session ended")
	// ErrRejected is a non-authentication session error during connect.
	ErrRejected = errors.New("session: gateway rejected session")
	// ErrDisconnected is delivered to a Connect that was interrupted by
	// Disconnect.
	ErrDisconnected = errors.New("session: disconnected")
	// ErrNoSavedSession is returned by Resume when nothing can be resumed.
	ErrNoSavedSession = errors.New("session: no saved session to resume")
)

// authFailurePattern matches gateway error text that indicates a rejected
// credential.
var authFailurePattern = regexp.MustCompile(`(?i)(authentication|auth)\s+(failed|failure|rejected|error)|unable to authenticate|permission denied|invalid (credentials|private key|passphrase)|incorrect passphrase|no supported methods remain|passphrase protected`)

// IsAuthFailure reports whether a gateway error message describes an
// authentication failure.
func IsAuthFailure(msg string) bool {
	return authFailurePattern.MatchString(msg)
}

// ConnectionConfig is what the user submits to open a session.
type ConnectionConfig struct {
	Host       string `json:"host" yaml:"host"`
	Port       int    `json:"port" yaml:"port"`
	Username   string `json:"username" yaml:"username"`
	PrivateKey string `json:"privateKey" yaml:"private_key"`
	Passphrase string `json:"passphrase,omitempty" yaml:"passphrase,omitempty"`
}

// Validate checks the fields required to authenticate.
func (c ConnectionConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("connection config: host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("connection config: port %d out of range", c.Port)
	}
	if c.Username == "" {
		return fmt.Errorf("connection config: username is required")
	}
	if c.PrivateKey == "" {
		return fmt.Errorf("connection config: private key is required")
	}
	return nil
}

// Address returns host:port.
func (c ConnectionConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// sameTarget reports whether two configs point at the same account.
func (c ConnectionConfig) sameTarget(o ConnectionConfig) bool {
	return c.Host == o.Host && c.Port == o.Port && c.Username == o.Username
}

// Handle is a snapshot of the session identity.
type Handle struct {
	PersistentID   string
	Status         Status
	LastActivityAt time.Time
}

// ConnectionInfo is the display record kept beside the session.
type ConnectionInfo struct {
	Host      string    `json:"host"`
	Username  string    `json:"username"`
	Port      int       `json:"port"`
	Timestamp time.Time `json:"timestamp"`
}

// Record is the client-side state that survives a reload.
type Record struct {
	SessionID string
	Connected bool
	Config    *ConnectionConfig
	Info      ConnectionInfo
}

// PersistenceStore saves the session Record across reloads. Load returns
// nil, nil when nothing is stored.
type PersistenceStore interface {
	Load(ctx context.Context) (*Record, error)
	Save(ctx context.Context, rec Record) error
	Clear(ctx context.Context) error
}

// StatusChange is delivered to OnStatusChange subscribers.
type StatusChange struct {
	From   Status
	To     Status
	Reason string
	Err    error
}
