package wsx

import (
	"context"
	"time"
)

// auditMsgType is the container type under which all WSX events are stored.
const auditMsgType = "wsx"

// Audit event directions.
const (
	DataDirectionReceived = "received"
	DataDirectionSent     = "sent"
)

// DataEvent describes a single frame that was sent to or received from a
// peer. Storage is host-owned; the core only emits events.
type DataEvent struct {
	Type      string
	Direction string
	ObjectID  string
	Data      string
	Timestamp time.Time
	MsgID     string
	InReplyTo string
}

// AuditLog records per-connection traffic when the channel has the sent or
// received audit log enabled. Implementations must be safe for concurrent
// use.
type AuditLog interface {
	StoreData(ctx context.Context, event *DataEvent) error
	DeleteContainer(ctx context.Context, msgType, objectID string) error
}
