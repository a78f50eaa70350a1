package types

import (
	"context"
	"time"
)

type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateExhausted
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// ConnectionInfo is a read-only snapshot of the sync channel state.
type ConnectionInfo struct {
	State             ConnectionState `json:"state"`
	ReconnectAttempts int             `json:"reconnect_attempts"`
	ConnectedAt       time.Time       `json:"connected_at,omitempty"`
	LastError         string          `json:"last_error,omitempty"`
}

type ChangeEventType string

const (
	ChangeInvalidate ChangeEventType = "invalidate"
	ChangeUpdate     ChangeEventType = "update"

	// Control messages exchanged with the push server.
	ChangeSubscribe   ChangeEventType = "subscribe"
	ChangeUnsubscribe ChangeEventType = "unsubscribe"
)

type ChangeEvent struct {
	Type      ChangeEventType `json:"type"`
	Entity    string          `json:"entity"`
	Key       string          `json:"key,omitempty"`
	Value     []byte          `json:"value,omitempty"`
	TTLMillis int64           `json:"ttl_ms,omitempty"`
	Sender    string          `json:"sender,omitempty"`
	MessageID string          `json:"message_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

type ChangeHandler func(event *ChangeEvent)

type StateHandler func(info ConnectionInfo)

type SyncChannel interface {
	LifecycleManager
	Subscribe(entity string) (func(), error)
	Send(ctx context.Context, event *ChangeEvent) error
	OnChange(handler ChangeHandler)
	OnStateChange(handler StateHandler)
	Connection() ConnectionInfo
}

// Transport is the abstract bidirectional message channel the sync channel
// runs over. Implementations report non-caller-initiated closure through the
// OnClose handler with a non-nil error.
type Transport interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, data []byte) error
	OnMessage(handler func(data []byte))
	OnClose(handler func(err error))
	Close() error
}

type Invalidator interface {
	RegisterDependency(entityKey, cacheKey string)
	Invalidate(ctx context.Context, entityKey string) ([]string, error)
	Dependents(entityKey string) []string
}
