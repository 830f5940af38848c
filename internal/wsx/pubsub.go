package wsx

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
)

var errSubscriptionClosed = errors.New("subscription closed")

// Pub/sub identifier prefixes. Message ids carry the msg prefix so that
// client replies to pub/sub deliveries can be told apart from synchronous
// responses; sub_keys carry the sub-key prefix.
const (
	pubsubMsgIDPrefix = "zpsm"
	subKeyPrefix      = "zpsk"
)

// deliveryQueueSize bounds how many undelivered messages a single sub_key
// may hold before enqueuing callers block.
const deliveryQueueSize = 256

// NewSubKey returns a new pub/sub subscription key.
func NewSubKey() string {
	return subKeyPrefix + "." + newCID()
}

// NewPubSubMsgID returns a new pub/sub message id.
func NewPubSubMsgID() string {
	return pubsubMsgIDPrefix + newCID()
}

// isPubSubReply reports whether an in_reply_to value points back at a
// pub/sub delivery rather than a synchronous request.
func isPubSubReply(inReplyTo string) bool {
	return strings.HasPrefix(inReplyTo, pubsubMsgIDPrefix)
}

// PubSubMessage is a single message handed to a connection for delivery.
// Serialized, when set, is the message's pre-serialized form and is sent
// as-is; otherwise Data is serialized with the channel's dump function.
type PubSubMessage struct {
	PubMsgID    string
	SubKey      string
	Serialized  []byte
	Data        any
	ReplyToSK   string
	DeliverToSK string
}

// PubSubDelivery is what the pub/sub subsystem hands to the channel server
// for a connected client.
type PubSubDelivery struct {
	SubKey   string
	Messages []*PubSubMessage
}

// ---------------------------------------------------------------------------
// Per-connection delivery binding
// ---------------------------------------------------------------------------

// subscription is one sub_key owned by a connection, with its FIFO delivery
// queue. A single goroutine drains the queue, which is what preserves
// per-sub_key ordering.
type subscription struct {
	subKey string
	queue  chan *PubSubMessage
	quit   chan struct{}
}

// pubsubTool wraps per-subscription delivery into client pushes for one
// connection. Ordering is guaranteed within a sub_key only.
type pubsubTool struct {
	conn   *Connection
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string]*subscription
	wg   sync.WaitGroup
}

func newPubSubTool(conn *Connection) *pubsubTool {
	return &pubsubTool{
		conn:   conn,
		logger: conn.logger.With("component", "wsx-pubsub"),
		subs:   make(map[string]*subscription),
	}
}

// AddSubKey makes the connection responsible for deliveries on subKey and
// starts its delivery task. Adding an already known key is a no-op.
func (t *pubsubTool) AddSubKey(subKey string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.subs[subKey]; ok {
		return
	}

	sub := &subscription{
		subKey: subKey,
		queue:  make(chan *PubSubMessage, deliveryQueueSize),
		quit:   make(chan struct{}),
	}
	t.subs[subKey] = sub

	t.wg.Add(1)
	go t.deliverLoop(sub)
}

// RemoveSubKey stops the delivery task for subKey and releases it.
func (t *pubsubTool) RemoveSubKey(subKey string) {
	t.mu.Lock()
	sub, ok := t.subs[subKey]
	if ok {
		delete(t.subs, subKey)
	}
	t.mu.Unlock()

	if ok {
		close(sub.quit)
	}
}

// RemoveAllSubKeys releases every subscription and waits until all delivery
// tasks have observed the disconnection. The connection must not be
// discarded before this returns.
func (t *pubsubTool) RemoveAllSubKeys() {
	t.mu.Lock()
	subs := t.subs
	t.subs = make(map[string]*subscription)
	t.mu.Unlock()

	for _, sub := range subs {
		close(sub.quit)
	}
	t.wg.Wait()
}

// SubKeys returns the sub_keys this connection is responsible for.
func (t *pubsubTool) SubKeys() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	keys := make([]string, 0, len(t.subs))
	for k := range t.subs {
		keys = append(keys, k)
	}
	return keys
}

// AddMessage enqueues one message for delivery on subKey, blocking when the
// queue is full so that enqueue order is never reordered or dropped.
func (t *pubsubTool) AddMessage(subKey string, msg *PubSubMessage) error {
	t.mu.Lock()
	sub, ok := t.subs[subKey]
	t.mu.Unlock()

	if !ok {
		return &SubKeyNotFoundError{SubKey: subKey}
	}

	select {
	case sub.queue <- msg:
		return nil
	case <-sub.quit:
		return &SendFailed{Err: errSubscriptionClosed}
	case <-t.conn.done:
		return &SendFailed{Err: errSubscriptionClosed}
	}
}

// deliverLoop drains one subscription's queue, batching whatever is already
// pending into a single push while preserving order.
func (t *pubsubTool) deliverLoop(sub *subscription) {
	defer t.wg.Done()

	for {
		select {
		case <-sub.quit:
			return
		case <-t.conn.done:
			return
		case msg := <-sub.queue:
			batch := []*PubSubMessage{msg}
			for n := len(sub.queue); n > 0; n-- {
				batch = append(batch, <-sub.queue)
			}
			t.conn.deliverPubSubMsg(sub.subKey, batch)
		}
	}
}
