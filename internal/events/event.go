// Package events publishes pending record lifecycle events to an external
// queue so other services can follow broadcasts without polling the API.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Type 表示生命周期事件类型。
type Type string

const (
	TypeStaged    Type = "staged"
	TypeRefused   Type = "refused"
	TypeSubmitted Type = "submitted"
	TypeConfirmed Type = "confirmed"
	TypeTimedOut  Type = "timed_out"
	TypeFailed    Type = "failed"
	TypeRemoved   Type = "removed"
)

// Event 是一次状态变化。
type Event struct {
	ID          string         `json:"id"`
	Type        Type           `json:"type"`
	PendingID   string         `json:"pending_id"`
	Network     string         `json:"network,omitempty"`
	ContentHash string         `json:"content_hash,omitempty"`
	TxHash      string         `json:"tx_hash,omitempty"`
	Code        string         `json:"code,omitempty"`
	At          int64          `json:"at_ms"`
	Details     map[string]any `json:"details,omitempty"`
}

// New 创建带唯一 ID 与时间戳的事件。
func New(typ Type, pendingID string, at time.Time) Event {
	return Event{ID: uuid.NewString(), Type: typ, PendingID: pendingID, At: at.UnixMilli()}
}

// Handler 处理一条事件。
type Handler func(ctx context.Context, evt Event) error

// Publisher 负责投递事件。
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
	Close() error
}

// Consumer 负责消费事件。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Bus 同时具备发布与消费能力。
type Bus interface {
	Publisher
	Consumer
}

// Nop 丢弃所有事件。
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

func (Nop) Close() error { return nil }

func encode(evt Event) ([]byte, error) { return json.Marshal(evt) }

func decode(raw []byte) (Event, error) {
	var evt Event
	err := json.Unmarshal(raw, &evt)
	return evt, err
}
