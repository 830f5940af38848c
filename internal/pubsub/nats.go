// Package pubsub bridges the broker transport to the channel core. Other
// server processes publish pub/sub deliveries and control messages to NATS
// subjects; this bridge turns them into calls on the local channel server.
// The core itself only enqueues and delivers - everything about topics and
// fan-out between processes lives behind these subjects.
package pubsub

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/felixcheruiyot/zato/internal/wsx"
)

// ---------------------------------------------------------------------------
// Subjects
// ---------------------------------------------------------------------------

func subjectPubSubDelivery() string {
	return "zato.wsx.pubsub.delivery"
}

func subjectBroadcast() string {
	return "zato.wsx.broadcast"
}

func subjectDisconnect() string {
	return "zato.wsx.client.disconnect"
}

// ---------------------------------------------------------------------------
// Wire messages
// ---------------------------------------------------------------------------

// DeliveryMessage is one pub/sub message addressed to a connected client.
type DeliveryMessage struct {
	CID         string          `json:"cid"`
	PubClientID string          `json:"pub_client_id"`
	SubKey      string          `json:"sub_key"`
	PubMsgID    string          `json:"pub_msg_id"`
	Data        json.RawMessage `json:"data"`
	ReplyToSK   string          `json:"reply_to_sk,omitempty"`
	DeliverToSK string          `json:"deliver_to_sk,omitempty"`
}

// BroadcastMessage is a request fanned out to every connected client.
type BroadcastMessage struct {
	CID  string          `json:"cid"`
	Data json.RawMessage `json:"data"`
}

// DisconnectMessage asks the server to drop one client.
type DisconnectMessage struct {
	CID         string `json:"cid"`
	PubClientID string `json:"pub_client_id"`
}

// ---------------------------------------------------------------------------
// Bridge
// ---------------------------------------------------------------------------

// Bridge wraps a NATS connection and dispatches broker messages into a
// channel server.
type Bridge struct {
	conn   *nats.Conn
	server *wsx.ChannelServer
	logger *slog.Logger

	subs []*nats.Subscription
}

// NewBridge connects to a NATS server.
func NewBridge(url string, server *wsx.ChannelServer) (*Bridge, error) {
	logger := slog.Default().With("component", "wsx-bridge")

	opts := []nats.Option{
		nats.Name("zato-wsx"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	return &Bridge{
		conn:   nc,
		server: server,
		logger: logger,
	}, nil
}

// Close drains the connection (flushes pending messages) and disconnects.
func (b *Bridge) Close() {
	if b.conn != nil {
		_ = b.conn.Drain()
	}
}

// Ping verifies the NATS connection is alive.
func (b *Bridge) Ping() error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("nats: not connected")
	}
	return nil
}

// Start subscribes to all broker subjects.
func (b *Bridge) Start() error {
	handlers := map[string]nats.MsgHandler{
		subjectPubSubDelivery(): b.onDelivery,
		subjectBroadcast():      b.onBroadcast,
		subjectDisconnect():     b.onDisconnect,
	}

	for subject, handler := range handlers {
		sub, err := b.conn.Subscribe(subject, handler)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		b.subs = append(b.subs, sub)
		b.logger.Info("subscribed to broker subject", "subject", subject)
	}
	return nil
}

func (b *Bridge) onDelivery(msg *nats.Msg) {
	var delivery DeliveryMessage
	if err := json.Unmarshal(msg.Data, &delivery); err != nil {
		b.logger.Error("unmarshal delivery", "error", err, "subject", msg.Subject)
		return
	}

	err := b.server.NotifyPubSubMessage(delivery.CID, delivery.PubClientID, &wsx.PubSubDelivery{
		SubKey: delivery.SubKey,
		Messages: []*wsx.PubSubMessage{{
			PubMsgID:    delivery.PubMsgID,
			SubKey:      delivery.SubKey,
			Serialized:  delivery.Data,
			ReplyToSK:   delivery.ReplyToSK,
			DeliverToSK: delivery.DeliverToSK,
		}},
	})
	if err != nil {
		b.logger.Warn("pub/sub delivery not accepted",
			"pub_client_id", delivery.PubClientID, "sub_key", delivery.SubKey, "error", err)
	}
}

func (b *Bridge) onBroadcast(msg *nats.Msg) {
	var broadcast BroadcastMessage
	if err := json.Unmarshal(msg.Data, &broadcast); err != nil {
		b.logger.Error("unmarshal broadcast", "error", err, "subject", msg.Subject)
		return
	}
	b.server.Broadcast(broadcast.CID, broadcast.Data)
}

func (b *Bridge) onDisconnect(msg *nats.Msg) {
	var disconnect DisconnectMessage
	if err := json.Unmarshal(msg.Data, &disconnect); err != nil {
		b.logger.Error("unmarshal disconnect", "error", err, "subject", msg.Subject)
		return
	}
	if err := b.server.DisconnectClient(disconnect.CID, disconnect.PubClientID); err != nil {
		b.logger.Warn("disconnect not applied", "pub_client_id", disconnect.PubClientID, "error", err)
	}
}

// ---------------------------------------------------------------------------
// Publishers
// ---------------------------------------------------------------------------

// PublishDelivery publishes one pub/sub message for a connected client.
func (b *Bridge) PublishDelivery(delivery *DeliveryMessage) error {
	return b.publish(subjectPubSubDelivery(), delivery)
}

// PublishBroadcast publishes a request fanned out to every client.
func (b *Bridge) PublishBroadcast(broadcast *BroadcastMessage) error {
	return b.publish(subjectBroadcast(), broadcast)
}

// PublishDisconnect asks whichever server holds the client to drop it.
func (b *Bridge) PublishDisconnect(disconnect *DisconnectMessage) error {
	return b.publish(subjectDisconnect(), disconnect)
}

func (b *Bridge) publish(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal for %s: %w", subject, err)
	}
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	b.logger.Debug("published broker message", "subject", subject, "bytes", len(data))
	return nil
}
