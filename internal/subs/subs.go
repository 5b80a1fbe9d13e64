// Package subs maintains live account-change and program-log subscriptions
// over one persistent WebSocket connection. Each subscription stores the
// caller's callback alongside the server-side handle so the manager can
// resubscribe autonomously after a reconnect.
package subs

import (
	"errors"
	"time"
)

// ConnState is the connection state machine:
// disconnected → connecting → connected, or connected → reconnecting →
// connected on failure.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// ErrGaveUp is the terminal signal emitted after reconnection attempts are
// exhausted.
var ErrGaveUp = errors.New("gave up reconnecting")

// AccountUpdate is one account-change notification.
type AccountUpdate struct {
	Address  string
	Lamports int64
	Data     []byte
	Slot     int64
}

// LogEvent is one program-log notification.
type LogEvent struct {
	Signature string
	Logs      []string
	Slot      int64
	Err       interface{}
}

// AccountHandler consumes account-change notifications. Handlers are invoked
// serially per subscription key, concurrently across keys.
type AccountHandler func(AccountUpdate)

// LogsHandler consumes program-log notifications.
type LogsHandler func(LogEvent)

// Config configures the subscription manager.
type Config struct {
	// ReconnectDelay is the base reconnect backoff (base * 2^attempt).
	ReconnectDelay time.Duration
	// MaxReconnectDelay caps the backoff delay.
	MaxReconnectDelay time.Duration
	// MaxReconnectAttempts bounds reconnection; once exceeded the manager
	// emits the gave-up signal instead of retrying forever.
	MaxReconnectAttempts int
	// PingInterval is the keepalive ping cadence.
	PingInterval time.Duration
	// ReadTimeout is the per-message read deadline.
	ReadTimeout time.Duration
	// WriteTimeout is the per-message write deadline.
	WriteTimeout time.Duration
	// SubscribeTimeout bounds the wait for a subscription confirmation.
	SubscribeTimeout time.Duration
	// OnReconnectAttempt, when set, is invoked once per reconnection attempt.
	OnReconnectAttempt func(attempt int)
}

// DefaultConfig returns default subscription manager configuration.
func DefaultConfig() Config {
	return Config{
		ReconnectDelay:       1 * time.Second,
		MaxReconnectDelay:    30 * time.Second,
		MaxReconnectAttempts: 10,
		PingInterval:         30 * time.Second,
		ReadTimeout:          60 * time.Second,
		WriteTimeout:         10 * time.Second,
		SubscribeTimeout:     30 * time.Second,
	}
}
