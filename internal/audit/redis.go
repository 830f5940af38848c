// Package audit provides the host-owned storage behind the channel core's
// audit log hook. Events are kept in capped Redis lists, one container per
// connection and direction.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/felixcheruiyot/zato/internal/storage"
	"github.com/felixcheruiyot/zato/internal/wsx"
)

// auditEvent is the stored form of a wsx.DataEvent.
type auditEvent struct {
	Type      string    `json:"type"`
	Direction string    `json:"direction"`
	ObjectID  string    `json:"object_id"`
	Data      string    `json:"data"`
	Timestamp time.Time `json:"timestamp"`
	MsgID     string    `json:"msg_id,omitempty"`
	InReplyTo string    `json:"in_reply_to,omitempty"`
}

// RedisAuditLog stores per-connection traffic events in Redis. Each
// direction has its own list, trimmed to a configured maximum length so
// that long-lived connections cannot grow containers without bound.
type RedisAuditLog struct {
	redis          *storage.RedisClient
	maxLenSent     int
	maxLenReceived int
}

func NewRedisAuditLog(redis *storage.RedisClient, maxLenSent, maxLenReceived int) *RedisAuditLog {
	return &RedisAuditLog{
		redis:          redis,
		maxLenSent:     maxLenSent,
		maxLenReceived: maxLenReceived,
	}
}

// ContainerKey builds the Redis key for one connection's event list.
func ContainerKey(msgType, direction, objectID string) string {
	return fmt.Sprintf("%s:audit:%s:%s", msgType, direction, objectID)
}

// StoreData appends one event to its container.
func (l *RedisAuditLog) StoreData(ctx context.Context, event *wsx.DataEvent) error {
	data, err := json.Marshal(auditEvent{
		Type:      event.Type,
		Direction: event.Direction,
		ObjectID:  event.ObjectID,
		Data:      event.Data,
		Timestamp: event.Timestamp,
		MsgID:     event.MsgID,
		InReplyTo: event.InReplyTo,
	})
	if err != nil {
		return fmt.Errorf("audit: marshal event: %w", err)
	}

	maxLen := l.maxLenReceived
	if event.Direction == wsx.DataDirectionSent {
		maxLen = l.maxLenSent
	}

	key := ContainerKey(event.Type, event.Direction, event.ObjectID)
	return l.redis.PushCapped(ctx, key, data, maxLen)
}

// DeleteContainer removes both direction lists for a connection.
func (l *RedisAuditLog) DeleteContainer(ctx context.Context, msgType, objectID string) error {
	return l.redis.DeleteKeys(ctx,
		ContainerKey(msgType, wsx.DataDirectionSent, objectID),
		ContainerKey(msgType, wsx.DataDirectionReceived, objectID),
	)
}
