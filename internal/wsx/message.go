package wsx

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Client actions
// ---------------------------------------------------------------------------

const (
	ActionCreateSession  = "create-session"
	ActionClientResponse = "client-response"
	ActionInvokeService  = "invoke-service"
)

// statusOK is the status value carried by successful server responses.
const statusOK = "ok"

// ---------------------------------------------------------------------------
// Inbound envelope
// ---------------------------------------------------------------------------

// ClientMessage is a parsed client-to-server envelope. Data is opaque to the
// core and handed to host services verbatim.
type ClientMessage struct {
	Action        string
	ID            string
	Timestamp     string
	Token         string
	ExtClientID   string
	ExtClientName string
	Username      string
	Secret        string
	IsAuth        bool
	InReplyTo     string
	ReplyToSK     string
	DeliverToSK   string
	Data          json.RawMessage

	// hasMeta records whether the envelope carried a meta object at all;
	// an empty frame parses to an empty message with no meta.
	hasMeta bool

	// metaExtra holds meta fields the core does not recognize. They are
	// preserved verbatim and re-emitted by Serialize.
	metaExtra map[string]json.RawMessage
}

// HasMeta reports whether the original envelope carried a meta object.
func (m *ClientMessage) HasMeta() bool {
	return m.hasMeta
}

// knownMetaKeys are the meta fields the parser consumes itself; anything
// else is preserved in metaExtra.
var knownMetaKeys = map[string]struct{}{
	"action":      {},
	"id":          {},
	"timestamp":   {},
	"token":       {},
	"client_id":   {},
	"client_name": {},
	"username":    {},
	"secret":      {},
	"in_reply_to": {},
	"ctx":         {},
}

type rawEnvelope struct {
	Meta map[string]json.RawMessage `json:"meta"`
	Data json.RawMessage            `json:"data"`
}

type messageCtx struct {
	ReplyToSK   string `json:"reply_to_sk"`
	DeliverToSK string `json:"deliver_to_sk"`
}

// ParseClientMessage parses an incoming text frame. The meta object is
// optional; its absence yields an empty message whose action defaults to
// client-response. needsAuthSecret controls whether a create-session message
// is expected to carry a secret (channels without security definitions
// attached accept credential-less sessions).
func ParseClientMessage(data []byte, needsAuthSecret bool) (*ClientMessage, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		data = []byte("{}")
	}

	var env rawEnvelope
	if err := jsonIter.Unmarshal(data, &env); err != nil {
		return nil, &ProtocolError{Reason: "Malformed message envelope"}
	}

	msg := &ClientMessage{
		Action: ActionClientResponse,
		Data:   env.Data,
	}

	if len(env.Meta) == 0 {
		return msg, nil
	}
	msg.hasMeta = true

	for key, value := range env.Meta {
		if _, known := knownMetaKeys[key]; !known {
			if msg.metaExtra == nil {
				msg.metaExtra = make(map[string]json.RawMessage)
			}
			msg.metaExtra[key] = value
		}
	}

	if action := metaString(env.Meta, "action"); action != "" {
		msg.Action = action
	}
	msg.ID = metaString(env.Meta, "id")
	msg.Timestamp = metaString(env.Meta, "timestamp")

	// Optional because it will not exist during the first authentication.
	msg.Token = metaString(env.Meta, "token")

	msg.ExtClientID = metaString(env.Meta, "client_id")

	clientName, err := parseClientName(env.Meta["client_name"])
	if err != nil {
		return nil, err
	}
	msg.ExtClientName = clientName

	if msg.Action == ActionCreateSession {
		msg.Username = metaString(env.Meta, "username")
		if needsAuthSecret {
			msg.Secret = metaString(env.Meta, "secret")
		}
		msg.IsAuth = true
	} else {
		msg.InReplyTo = metaString(env.Meta, "in_reply_to")
		if raw, ok := env.Meta["ctx"]; ok {
			var ctx messageCtx
			if err := jsonIter.Unmarshal(raw, &ctx); err != nil {
				return nil, &ProtocolError{Reason: "Malformed message envelope"}
			}
			msg.ReplyToSK = ctx.ReplyToSK
			msg.DeliverToSK = ctx.DeliverToSK
		}
	}

	return msg, nil
}

// metaString extracts a string-typed meta field, returning "" when the field
// is absent or not a string.
func metaString(meta map[string]json.RawMessage, key string) string {
	raw, ok := meta[key]
	if !ok {
		return ""
	}
	var s string
	if err := jsonIter.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// parseClientName accepts the client_name meta field as either a plain
// string or a map; maps are flattened to "k: v; k: v" with keys sorted.
func parseClientName(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}

	var s string
	if err := jsonIter.Unmarshal(raw, &s); err == nil {
		return s, nil
	}

	var m map[string]any
	if err := jsonIter.Unmarshal(raw, &m); err != nil {
		return "", &ProtocolError{Reason: "Malformed message envelope"}
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %v", k, m[k]))
	}
	return strings.Join(parts, "; "), nil
}

// Serialize re-emits the message as a wire envelope. Preserved unknown meta
// fields are written back verbatim; the secret is never re-emitted.
func (m *ClientMessage) Serialize(dump DumpFunc) ([]byte, error) {
	meta := make(map[string]any)

	for key, value := range m.metaExtra {
		meta[key] = json.RawMessage(value)
	}

	if m.Action != "" {
		meta["action"] = m.Action
	}
	if m.ID != "" {
		meta["id"] = m.ID
	}
	if m.Timestamp != "" {
		meta["timestamp"] = m.Timestamp
	}
	if m.Token != "" {
		meta["token"] = m.Token
	}
	if m.ExtClientID != "" {
		meta["client_id"] = m.ExtClientID
	}
	if m.ExtClientName != "" {
		meta["client_name"] = m.ExtClientName
	}
	if m.Username != "" {
		meta["username"] = m.Username
	}
	if m.InReplyTo != "" {
		meta["in_reply_to"] = m.InReplyTo
	}
	if m.ReplyToSK != "" || m.DeliverToSK != "" {
		ctx := make(map[string]any)
		if m.ReplyToSK != "" {
			ctx["reply_to_sk"] = m.ReplyToSK
		}
		if m.DeliverToSK != "" {
			ctx["deliver_to_sk"] = m.DeliverToSK
		}
		meta["ctx"] = ctx
	}

	env := make(map[string]any, 2)
	if len(meta) > 0 {
		env["meta"] = meta
	}
	if len(m.Data) > 0 {
		env["data"] = json.RawMessage(m.Data)
	}

	return dump(env)
}

// ---------------------------------------------------------------------------
// Outbound envelope
// ---------------------------------------------------------------------------

type serverMeta struct {
	CID       string         `json:"cid" bson:"cid"`
	ID        string         `json:"id,omitempty" bson:"id,omitempty"`
	InReplyTo string         `json:"in_reply_to,omitempty" bson:"in_reply_to,omitempty"`
	Status    any            `json:"status,omitempty" bson:"status,omitempty"`
	Reason    string         `json:"reason,omitempty" bson:"reason,omitempty"`
	Timestamp string         `json:"timestamp,omitempty" bson:"timestamp,omitempty"`
	Token     string         `json:"token,omitempty" bson:"token,omitempty"`
	Ctx       map[string]any `json:"ctx,omitempty" bson:"ctx,omitempty"`
}

// ServerMessage is a server-to-client envelope of any subtype: OK, Error,
// Forbidden, Authenticate, InvokeClient or InvokeClientPubSub.
type ServerMessage struct {
	Meta serverMeta `json:"meta" bson:"meta"`
	Data any        `json:"data,omitempty" bson:"data,omitempty"`

	// isPubSub marks fire-and-forget pub/sub invocations - no waiter is
	// ever registered for them.
	isPubSub bool
}

func wireTimestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// NewOKResponse wraps a service response in a success envelope.
func NewOKResponse(cid, inReplyTo string, data any) *ServerMessage {
	return &ServerMessage{
		Meta: serverMeta{
			CID:       cid,
			InReplyTo: inReplyTo,
			Status:    statusOK,
			Timestamp: wireTimestamp(),
		},
		Data: data,
	}
}

// NewErrorResponse builds an error envelope with an HTTP-like status code
// and a short, stable reason.
func NewErrorResponse(cid, inReplyTo string, status int, reason string) *ServerMessage {
	return &ServerMessage{
		Meta: serverMeta{
			CID:       cid,
			InReplyTo: inReplyTo,
			Status:    status,
			Reason:    reason,
			Timestamp: wireTimestamp(),
		},
	}
}

// NewForbidden builds the terminal envelope sent before a policy close.
func NewForbidden(cid string) *ServerMessage {
	return &ServerMessage{
		Meta: serverMeta{
			CID:    cid,
			Status: http.StatusForbidden,
		},
	}
}

// NewAuthenticateResponse acknowledges a successful create-session request,
// carrying the newly assigned session token.
func NewAuthenticateResponse(cid, inReplyTo, token string) *ServerMessage {
	return &ServerMessage{
		Meta: serverMeta{
			CID:       cid,
			InReplyTo: inReplyTo,
			Status:    statusOK,
			Token:     token,
		},
	}
}

// NewInvokeClientRequest builds a server-to-client invocation. The fresh
// meta.id is what the client echoes back as in_reply_to.
func NewInvokeClientRequest(cid string, data any, ctx map[string]any) *ServerMessage {
	return &ServerMessage{
		Meta: serverMeta{
			CID: cid,
			ID:  newCID(),
			Ctx: ctx,
		},
		Data: data,
	}
}

// NewInvokeClientPubSubRequest builds a fire-and-forget pub/sub delivery.
// Its id is the pub/sub message id so that a client reply, if any, can be
// recognized and routed to the on_pubsub_response hook.
func NewInvokeClientPubSubRequest(cid string, data any, ctx map[string]any) *ServerMessage {
	return &ServerMessage{
		Meta: serverMeta{
			CID: cid,
			ID:  cid,
			Ctx: ctx,
		},
		Data:     data,
		isPubSub: true,
	}
}

// Serialize dumps the envelope with the channel's configured JSON library,
// sanitizing data values that are not natively serializable.
func (m *ServerMessage) Serialize(dump DumpFunc) ([]byte, error) {
	out := *m
	out.Data = sanitizeValue(m.Data)
	return dump(&out)
}

// ---------------------------------------------------------------------------
// Ping payloads
// ---------------------------------------------------------------------------

// pingEnvelope is the tiny payload carried inside ping control frames. Pong
// frames are byte-for-byte echoes, so the id is how a pong is correlated
// back to its ping.
type pingEnvelope struct {
	Meta struct {
		ID string `json:"id"`
	} `json:"meta"`
}

func newPingPayload(id string) []byte {
	var env pingEnvelope
	env.Meta.ID = id
	data, _ := json.Marshal(env)
	return data
}

func parsePingPayload(data []byte) string {
	var env pingEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return ""
	}
	return env.Meta.ID
}
