package wsx

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
)

// ---------------------------------------------------------------------------
// Protocol constants
// ---------------------------------------------------------------------------

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Maximum frame size accepted from a peer (256 KB).
	maxMessageSize = 256 * 1024

	// Placeholder FQDN used when a reverse lookup is not possible.
	fqdnUnknown = "unknown-fqdn"

	// Upper bound on best-effort reverse DNS lookups during accept.
	fqdnLookupTimeout = 500 * time.Millisecond
)

// pubClientIDPrefix is prepended to every connection's public client id.
const pubClientIDPrefix = "ws."

// ---------------------------------------------------------------------------
// Connection
// ---------------------------------------------------------------------------

// Connection holds everything the channel knows about an individual peer:
// its identity, session token, correlation state and pub/sub bindings. The
// reader goroutine owns inbound dispatch; the pinger and the session
// watchdog run alongside it and all teardown paths converge on a single
// idempotent cleanup.
type Connection struct {
	server *ChannelServer
	conn   *websocket.Conn
	config *ChannelConfig
	logger *slog.Logger

	authFunc  AuthFunc
	onMessage OnMessageCallback
	hooks     *HookInvoker
	audit     AuditLog

	dump DumpFunc

	pubClientID      string
	localAddress     string
	peerAddress      string
	peerHost         string
	peerFQDN         string
	forwardedFor     string
	forwardedForFQDN string
	connectionTime   time.Time
	httpEnviron      map[string]string

	// ctx is canceled when the connection goes away; host invocations run
	// under it.
	ctx    context.Context
	cancel context.CancelFunc

	// mu guards the mutable session state below.
	mu                   sync.Mutex
	token                *TokenInfo
	hasSessionOpened     bool
	extClientID          string
	extClientName        string
	lastSeen             time.Time
	pingsMissed          int
	pingLastResponseTime time.Time
	sqlWSClientID        int64
	interactLastSet      time.Time
	interactLastUpdated  time.Time
	lastInteractSource   string
	peerConnInfo         string

	// writeMu serializes all outbound data frames - one writer at a time.
	writeMu sync.Mutex

	sessionOpened chan struct{}
	sessionOnce   sync.Once
	done          chan struct{}
	doneOnce      sync.Once
	cleanupOnce   sync.Once

	disconnectRequested atomic.Bool
	serverTerminated    atomic.Bool

	correlator *correlator
	pubsub     *pubsubTool
}

func newConnection(server *ChannelServer, wsConn *websocket.Conn, r *http.Request) *Connection {
	pubClientID := pubClientIDPrefix + newCID()

	c := &Connection{
		server:    server,
		conn:      wsConn,
		config:    server.config,
		authFunc:  server.authFunc,
		onMessage: server.onMessage,
		hooks:     server.hooks,
		audit:     server.audit,

		pubClientID:    pubClientID,
		connectionTime: time.Now().UTC(),

		sessionOpened: make(chan struct{}),
		done:          make(chan struct{}),
		correlator:    newCorrelator(),
	}

	c.logger = slog.Default().With("component", "wsx-conn", "pub_client_id", pubClientID)
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.dump = resolveDumpFunc(server.config.JSONLibrary, c.logger)
	c.lastSeen = c.connectionTime

	c.localAddress = wsConn.LocalAddr().String()
	c.peerAddress = wsConn.RemoteAddr().String()
	c.forwardedFor = r.Header.Get("X-Forwarded-For")

	c.httpEnviron = make(map[string]string, len(r.Header))
	for name := range r.Header {
		c.httpEnviron[name] = r.Header.Get(name)
	}

	c.resolvePeerNames()
	c.peerConnInfo = c.buildPeerConnInfo()

	c.pubsub = newPubSubTool(c)

	return c
}

// resolvePeerNames performs best-effort reverse lookups of the peer and any
// forwarded-for address.
func (c *Connection) resolvePeerNames() {
	c.peerHost = fqdnUnknown
	c.peerFQDN = fqdnUnknown
	c.forwardedForFQDN = fqdnUnknown

	ctx, cancel := context.WithTimeout(context.Background(), fqdnLookupTimeout)
	defer cancel()

	if host, _, err := net.SplitHostPort(c.peerAddress); err == nil {
		if names, err := net.DefaultResolver.LookupAddr(ctx, host); err == nil && len(names) > 0 {
			c.peerHost = strings.TrimSuffix(names[0], ".")
			c.peerFQDN = c.peerHost
		} else if err != nil {
			c.logger.Debug("peer FQDN lookup failed", "peer_address", c.peerAddress, "error", err)
		}
	}

	if c.forwardedFor != "" {
		if names, err := net.DefaultResolver.LookupAddr(ctx, c.forwardedFor); err == nil && len(names) > 0 {
			c.forwardedForFQDN = strings.TrimSuffix(names[0], ".")
		}
	}
}

func (c *Connection) buildPeerConnInfo() string {
	return fmt.Sprintf("name:`%s` id:`%s` fwd_for:`%s` conn:`%s` pub:`%s` swc:`%d`",
		c.extClientName, c.extClientID, c.forwardedForFQDN, c.peerFQDN, c.pubClientID, c.sqlWSClientID)
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// PubClientID returns the stable opaque id assigned at accept time.
func (c *Connection) PubClientID() string { return c.pubClientID }

// PeerAddress returns the remote address of the underlying socket.
func (c *Connection) PeerAddress() string { return c.peerAddress }

// LocalAddress returns the local address of the underlying socket.
func (c *Connection) LocalAddress() string { return c.localAddress }

// ConnectionTime returns when the connection was accepted.
func (c *Connection) ConnectionTime() time.Time { return c.connectionTime }

// ExtClientID returns the external client id supplied at authentication.
func (c *Connection) ExtClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.extClientID
}

// ExtClientName returns the external client name supplied at authentication.
func (c *Connection) ExtClientName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.extClientName
}

// HasSessionOpened reports whether the peer has authenticated.
func (c *Connection) HasSessionOpened() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasSessionOpened
}

// Token returns the current session token, or nil before authentication.
func (c *Connection) Token() *TokenInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// SQLWSClientID returns the id assigned by the host at registration time.
func (c *Connection) SQLWSClientID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sqlWSClientID
}

// AddSubKey makes this connection responsible for a pub/sub subscription.
func (c *Connection) AddSubKey(subKey string) { c.pubsub.AddSubKey(subKey) }

// RemoveSubKey releases a pub/sub subscription.
func (c *Connection) RemoveSubKey(subKey string) { c.pubsub.RemoveSubKey(subKey) }

// SubKeys returns the pub/sub subscription keys this connection owns.
func (c *Connection) SubKeys() []string { return c.pubsub.SubKeys() }

func (c *Connection) environ() *Environ {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &Environ{
		Connection:           c,
		SQLWSClientID:        c.sqlWSClientID,
		PubClientID:          c.pubClientID,
		ExtClientID:          c.extClientID,
		ExtClientName:        c.extClientName,
		Token:                c.token,
		ConnectionTime:       c.connectionTime,
		PingsMissed:          c.pingsMissed,
		PingsMissedThreshold: c.config.PingsMissedThreshold,
		PeerAddress:          c.peerAddress,
		PeerHost:             c.peerHost,
		PeerFQDN:             c.peerFQDN,
		ForwardedFor:         c.forwardedFor,
		ForwardedForFQDN:     c.forwardedForFQDN,
		PeerConnInfo:         c.peerConnInfo,
	}
}

func (c *Connection) hookCtx(hookType string) *HookCtx {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &HookCtx{
		HookType:         hookType,
		PubClientID:      c.pubClientID,
		ExtClientID:      c.extClientID,
		ExtClientName:    c.extClientName,
		ConnectionTime:   c.connectionTime,
		PeerAddress:      c.peerAddress,
		PeerHost:         c.peerHost,
		PeerFQDN:         c.peerFQDN,
		ForwardedFor:     c.forwardedFor,
		ForwardedForFQDN: c.forwardedForFQDN,
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// run is the reader loop. It owns inbound dispatch - no two messages from
// the same peer are ever handled concurrently. When it returns, the
// connection is cleaned up exactly once.
func (c *Connection) run() {
	defer c.cleanup()

	c.logger.Info("new connection",
		"peer_address", c.peerAddress,
		"peer_fqdn", c.peerFQDN,
		"local_address", c.localAddress,
		"channel", c.config.Name,
		"forwarded_for", c.forwardedFor)

	go c.ensureSessionCreated()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(c.onPong)

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) &&
				!c.serverTerminated.Load() {
				c.logger.Info("peer connection ended", "error", err)
			}
			return
		}

		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		c.receivedMessage(data)
	}
}

// ensureSessionCreated is the session watchdog. It waits for the peer to
// authenticate within new_token_wait_time and forces the connection closed
// otherwise.
func (c *Connection) ensureSessionCreated() {
	timer := time.NewTimer(c.config.NewTokenWaitTime)
	defer timer.Stop()

	select {
	case <-c.sessionOpened:
	case <-c.done:
	case <-timer.C:
		c.onForbidden(fmt.Sprintf("did not create session within %s", c.config.NewTokenWaitTime))
	}
}

// cleanup releases everything the connection owns. It is safe to reach from
// any teardown path; only the first call does the work.
func (c *Connection) cleanup() {
	c.cleanupOnce.Do(func() {
		c.markDone()
		c.serverTerminated.Store(true)
		_ = c.conn.Close()

		// Delivery tasks must observe the disconnect and release their
		// subscriptions before the connection can be discarded.
		subKeys := c.pubsub.SubKeys()
		c.pubsub.RemoveAllSubKeys()

		c.unregisterAuthClient(subKeys)

		if c.config.IsAuditLogSentActive || c.config.IsAuditLogReceivedActive {
			if c.audit != nil {
				if err := c.audit.DeleteContainer(context.Background(), auditMsgType, c.pubClientID); err != nil {
					c.logger.Warn("could not delete audit container", "error", err)
				}
			}
		}

		c.server.removeClient(c.pubClientID)
		c.cancel()

		c.logger.Info("connection closed",
			"peer_address", c.peerAddress,
			"channel", c.config.Name,
			"ext_client_id", c.ExtClientID(),
			"disconnect_requested", c.disconnectRequested.Load())
	})
}

// unregisterAuthClient reverses the host-side registration performed after
// authentication and runs the on_disconnected hook.
func (c *Connection) unregisterAuthClient(subKeys []string) {
	c.mu.Lock()
	hadSession := c.hasSessionOpened
	c.mu.Unlock()

	if !hadSession {
		return
	}

	hctx := c.hookCtx(HookOnDisconnected)
	c.hooks.Invoke(context.Background(), hctx)

	if _, err := c.invokeService(context.Background(), "zato.channel.web-socket.client.delete-by-pub-id", map[string]any{
		"pub_client_id": c.pubClientID,
		"sub_keys":      subKeys,
	}, "", false); err != nil {
		c.logger.Warn("could not unregister client", "error", err)
	}
}

func (c *Connection) markDone() {
	c.doneOnce.Do(func() {
		close(c.done)
	})
}

// close sends a close frame with the given code and tears the socket down.
// It is idempotent; the second attempt is a no-op.
func (c *Connection) close(code int, reason string) {
	if c.serverTerminated.Swap(true) {
		return
	}

	deadline := time.Now().Add(writeWait)
	if err := c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline); err != nil {
		c.logger.Debug("could not write close frame", "code", code, "error", err)
	}

	c.markDone()
	_ = c.conn.Close()
}

// DisconnectClient disconnects the remote peer. Closing the socket unblocks
// the reader, whose exit path performs the actual cleanup - exactly once, no
// matter how many disconnect paths fire.
func (c *Connection) DisconnectClient(cid string, code int, reason string) {
	c.disconnectRequested.Store(true)
	c.logger.Info("disconnecting client",
		"cid", cid, "code", code, "reason", reason, "peer", c.peerConnInfo)
	c.close(code, reason)
}

func (c *Connection) isClientDisconnected() bool {
	select {
	case <-c.done:
		return true
	default:
		return c.serverTerminated.Load()
	}
}

// ---------------------------------------------------------------------------
// Outbound
// ---------------------------------------------------------------------------

// send writes one text frame. Writes are serialized; failures on an already
// terminated stream are reported as SendFailed so that callers can log and
// drop instead of raising upward.
func (c *Connection) send(data []byte, cid, inReplyTo string) error {
	if c.config.IsAuditLogSentActive {
		c.storeAuditEvent(DataDirectionSent, data, cid, inReplyTo)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return &SendFailed{Err: err}
	}
	return nil
}

// sendResponse serializes and sends a server message, logging and dropping
// on a terminated stream.
func (c *Connection) sendResponse(msg *ServerMessage) {
	serialized, err := msg.Serialize(c.dump)
	if err != nil {
		c.logger.Warn("could not serialize response", "cid", msg.Meta.CID, "error", err)
		return
	}
	if err := c.send(serialized, msg.Meta.CID, msg.Meta.InReplyTo); err != nil {
		c.logger.Warn("response discarded, client disconnected",
			"cid", msg.Meta.CID, "error", err)
	}
}

// onForbidden logs the offending action, sends a Forbidden message
// (best-effort) and closes the connection.
func (c *Connection) onForbidden(action string) {
	cid := newCID()
	c.logger.Warn("closing peer connection",
		"action", action,
		"peer_address", c.peerAddress,
		"peer_fqdn", c.peerFQDN,
		"cid", cid,
		"peer", c.peerConnInfo)

	if !c.isClientDisconnected() {
		c.sendResponse(NewForbidden(cid))
	}

	c.close(websocket.CloseNormalClosure, action)
}

// ---------------------------------------------------------------------------
// Inbound dispatch
// ---------------------------------------------------------------------------

func (c *Connection) receivedMessage(data []byte) {
	// Input bytes must be UTF-8. The frame codec does not validate payloads
	// itself, so the policy is applied here: before a session opens bad
	// bytes close the connection, afterwards they produce an error reply.
	if !utf8.Valid(data) {
		c.logger.Warn("invalid UTF-8 bytes received", "peer", c.peerConnInfo)
		if c.HasSessionOpened() {
			c.sendResponse(NewErrorResponse("", "", http.StatusUnprocessableEntity, "Invalid UTF-8 bytes"))
			return
		}
		c.DisconnectClient(newCID(), codeInvalidUTF8, "Invalid UTF-8 bytes")
		return
	}

	cid := newCID()
	hasSession := c.HasSessionOpened()

	msg, err := c.parseMessage(data)
	if err != nil {
		if hasSession {
			c.sendResponse(NewErrorResponse(cid, "", http.StatusBadRequest, "Malformed message envelope"))
		} else {
			c.logger.Warn("ignoring malformed pre-session message", "cid", cid, "error", err)
		}
		return
	}

	c.mu.Lock()
	c.lastSeen = time.Now().UTC()
	c.mu.Unlock()

	if c.config.IsAuditLogReceivedActive {
		c.storeAuditEvent(DataDirectionReceived, data, cid, "")
	}

	if !hasSession {
		c.handleCreateSession(cid, msg)
		return
	}

	// An empty envelope cannot carry a token; answer with a protocol-level
	// error instead of treating it as a policy violation.
	if !msg.HasMeta() {
		c.sendResponse(NewErrorResponse(cid, msg.ID, http.StatusBadRequest, "Malformed message envelope"))
		return
	}

	// The peer is authenticated, so every message must present the current,
	// unexpired token.
	if msg.Token == "" {
		c.onForbidden("did not send token")
		return
	}

	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	if msg.Token != token.Value {
		c.onForbidden("sent an invalid token")
		return
	}
	if token.IsExpired(time.Now().UTC()) {
		c.onForbidden("used an expired token")
		return
	}

	if msg.IsAuth {
		// Re-authentication grants a fresh token.
		c.handleCreateSession(cid, msg)
		return
	}
	c.handleClientMessage(cid, msg)
}

// parseMessage parses an inbound frame and keeps the connection's external
// identity up to date from the message metadata.
func (c *Connection) parseMessage(data []byte) (*ClientMessage, error) {
	msg, err := ParseClientMessage(data, c.config.NeedsAuth)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if msg.ExtClientID != "" {
		c.extClientID = msg.ExtClientID
	} else {
		msg.ExtClientID = c.extClientID
	}
	c.mu.Unlock()

	return msg, nil
}

func (c *Connection) handleClientMessage(cid string, msg *ClientMessage) {
	if msg.Action == ActionClientResponse {
		c.handleClientResponse(cid, msg)
		return
	}
	c.handleInvokeService(cid, msg)
}

// handleInvokeService runs the channel's configured service with the message
// payload and returns the outcome to the peer. Service failures become Error
// responses; they never close the connection.
func (c *Connection) handleInvokeService(cid string, msg *ClientMessage) {
	var response *ServerMessage

	serviceResponse, err := c.invokeService(c.ctx, c.config.ServiceName, msg.Data, cid, true)
	if err != nil {
		c.logger.Warn("service could not be invoked",
			"service", c.config.ServiceName, "id", msg.ID, "cid", cid, "error", err)
		status, reason := errorStatus(err)
		response = NewErrorResponse(cid, msg.ID, status, reason)
	} else {
		response = NewOKResponse(cid, msg.ID, serviceResponse)
	}

	c.sendResponse(response)
}

// handleClientResponse routes a client-response frame: replies to pub/sub
// deliveries go to the on_pubsub_response hook, everything else wakes the
// waiter registered for the correlation id.
func (c *Connection) handleClientResponse(cid string, msg *ClientMessage) {
	if msg.InReplyTo == "" {
		c.sendResponse(NewErrorResponse(cid, msg.ID, http.StatusBadRequest, "Malformed message envelope"))
		return
	}

	if isPubSubReply(msg.InReplyTo) {
		if !c.hooks.Has(HookOnPubSubResponse) {
			c.logger.Warn("ignoring pub/sub response, on_pubsub_response hook not configured",
				"channel", c.config.Name, "in_reply_to", msg.InReplyTo)
			return
		}
		hctx := c.hookCtx(HookOnPubSubResponse)
		hctx.Msg = msg
		c.hooks.Invoke(c.ctx, hctx)
		return
	}

	c.correlator.resolve(msg.InReplyTo, msg)
}

// ---------------------------------------------------------------------------
// Session creation
// ---------------------------------------------------------------------------

func (c *Connection) handleCreateSession(cid string, msg *ClientMessage) {
	if !msg.IsAuth {
		c.onForbidden("is not authenticated")
		return
	}

	response := c.createSession(cid, msg)
	if response == nil {
		c.onForbidden("sent invalid credentials")
		return
	}

	c.registerAuthClient()
	c.sendResponse(response)

	c.logger.Info("client logged in",
		"pub_client_id", c.pubClientID,
		"channel", c.config.Name,
		"ext_client_id", msg.ExtClientID,
		"ext_client_name", msg.ExtClientName)
}

// createSession validates credentials against the channel's auth backend
// and, on success, assigns session metadata and a fresh token.
func (c *Connection) createSession(cid string, msg *ClientMessage) *ServerMessage {
	canCreate := true

	if c.config.NeedsAuth {
		if c.hooks.Has(HookOnVaultMountPointNeeded) {
			c.hooks.Invoke(c.ctx, c.hookCtx(HookOnVaultMountPointNeeded))
		}

		responseHeaders := make(map[string]string)
		creds := &Credentials{Username: msg.Username, Secret: msg.Secret}
		canCreate = c.authFunc(c.ctx, cid, c.config.SecType, creds,
			c.config.SecName, c.config.DefaultAuthMethod, c.httpEnviron, responseHeaders)
	}

	if !canCreate {
		return nil
	}

	c.mu.Lock()
	tokenValue := tokenPrefix + newCID()
	if c.token == nil {
		c.token = newTokenInfo(tokenValue, c.config.TokenTTL)
	} else {
		c.token.Value = tokenValue
		c.token.Extend(0)
	}
	c.hasSessionOpened = true
	if msg.ExtClientID != "" {
		c.extClientID = msg.ExtClientID
	}
	if msg.ExtClientName != "" {
		c.extClientName = msg.ExtClientName
	}
	c.peerConnInfo = c.buildPeerConnInfo()
	token := c.token.Value
	c.mu.Unlock()

	c.sessionOnce.Do(func() {
		close(c.sessionOpened)
	})

	return NewAuthenticateResponse(cid, msg.ID, token)
}

// registerAuthClient registers the peer with the host and starts the
// background pings that keep its connection alive. Called only once
// authentication succeeded.
func (c *Connection) registerAuthClient() {
	c.mu.Lock()
	lastSeen := c.lastSeen
	c.mu.Unlock()

	response, err := c.invokeService(c.ctx, "zato.channel.web-socket.client.create", map[string]any{
		"pub_client_id":           c.pubClientID,
		"ext_client_id":           c.ExtClientID(),
		"ext_client_name":         c.ExtClientName(),
		"is_internal":             true,
		"local_address":           c.localAddress,
		"peer_address":            c.peerAddress,
		"peer_fqdn":               c.peerFQDN,
		"connection_time":         c.connectionTime,
		"last_seen":               lastSeen,
		"channel_name":            c.config.Name,
		"peer_forwarded_for":      c.forwardedFor,
		"peer_forwarded_for_fqdn": c.forwardedForFQDN,
	}, "", true)
	if err != nil {
		c.logger.Warn("could not register client with host", "error", err)
	} else if id, ok := extractWSClientID(response); ok {
		c.mu.Lock()
		c.sqlWSClientID = id
		c.mu.Unlock()
	}

	c.hooks.Invoke(c.ctx, c.hookCtx(HookOnConnected))

	go c.sendBackgroundPings()
}

// extractWSClientID pulls the host-assigned client id out of a
// client.create response.
func extractWSClientID(response any) (int64, bool) {
	m, ok := response.(map[string]any)
	if !ok {
		return 0, false
	}
	switch v := m["ws_client_id"].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}

// ---------------------------------------------------------------------------
// Host service invocations
// ---------------------------------------------------------------------------

// invokeService calls an internal host service on behalf of this connection.
func (c *Connection) invokeService(ctx context.Context, service string, payload any, cid string, needsResponse bool) (any, error) {
	if cid == "" {
		cid = newCID()
	}

	response, err := c.onMessage(ctx, &ChannelRequest{
		CID:        cid,
		Service:    service,
		DataFormat: c.config.DataFormat,
		Payload:    payload,
		Environ:    c.environ(),
	})
	if err != nil {
		return nil, err
	}
	if !needsResponse {
		return nil, nil
	}
	return response, nil
}

// SubscribeToTopic subscribes this connection to the topic named in the
// request.
func (c *Connection) SubscribeToTopic(cid, topicName string) error {
	_, err := c.invokeService(c.ctx, "zato.pubsub.subscription.create-wsx-subscription-for-current", map[string]any{
		"topic_name": topicName,
	}, cid, false)
	return err
}

// ---------------------------------------------------------------------------
// Client invocations
// ---------------------------------------------------------------------------

type invokeOpts struct {
	timeout time.Duration
	ctx     map[string]any
	pubsub  bool
	noWait  bool
}

// invokeClient sends a request to the remote peer and waits for its reply.
// Pub/sub invocations are fire-and-forget; broadcast callers set noWait.
// A timeout yields a nil response and no error.
func (c *Connection) invokeClient(cid string, request any, opts invokeOpts) (any, error) {
	var msg *ServerMessage
	if opts.pubsub {
		msg = NewInvokeClientPubSubRequest(cid, request, opts.ctx)
	} else {
		msg = NewInvokeClientRequest(cid, request, opts.ctx)
	}

	serialized, err := msg.Serialize(c.dump)
	if err != nil {
		return nil, fmt.Errorf("wsx: serialize client request: %w", err)
	}

	needsReply := !opts.pubsub && !opts.noWait

	var replyCh <-chan clientReply
	if needsReply {
		replyCh = c.correlator.register(msg.Meta.ID)
	}

	if err := c.send(serialized, cid, msg.Meta.ID); err != nil {
		if needsReply {
			c.correlator.cancel(msg.Meta.ID)
		}
		c.logger.Info("cannot send message, disconnecting client", "cid", cid, "error", err)
		c.DisconnectClient(cid, codeRuntimeInvokeClient, "Client invocation runtime error")
		return nil, fmt.Errorf("wsx: client disconnected, cid %s: %w", cid, err)
	}

	if !needsReply {
		return nil, nil
	}

	timeout := opts.timeout
	if timeout <= 0 {
		timeout = defaultInvokeTimeout
	}

	reply, ok := c.correlator.wait(replyCh, msg.Meta.ID, timeout, c.done)
	if !ok {
		return nil, nil
	}
	if reply.pong {
		return true, nil
	}
	return reply.msg.Data, nil
}

// InvokeClient invokes the remote peer and returns its response, if any
// arrived within the timeout.
func (c *Connection) InvokeClient(cid string, request any, timeout time.Duration) (any, error) {
	return c.invokeClient(cid, request, invokeOpts{timeout: timeout})
}

// ---------------------------------------------------------------------------
// Background pings
// ---------------------------------------------------------------------------

// sendBackgroundPings keeps the peer's session alive. Each answered ping
// resets the miss counter and extends the token by one ping interval; each
// unanswered one counts toward the missed threshold.
func (c *Connection) sendBackgroundPings() {
	interval := c.config.PingInterval
	threshold := c.config.PingsMissedThreshold

	c.logger.Info("starting background pings",
		"ping_interval", interval, "pings_missed_threshold", threshold, "peer", c.peerConnInfo)

	for {
		select {
		case <-c.done:
			return
		case <-time.After(interval):
		}

		if c.isClientDisconnected() {
			return
		}

		pingID := newCID()
		replyCh := c.correlator.register(pingID)

		if err := c.conn.WriteControl(websocket.PingMessage, newPingPayload(pingID),
			time.Now().Add(writeWait)); err != nil {
			c.correlator.cancel(pingID)
			c.logger.Warn("background ping write failed, closing connection", "error", err)
			c.DisconnectClient(newCID(), codeRuntimeBackgroundPing, "Background ping runtime error")
			return
		}

		reply, ok := c.correlator.wait(replyCh, pingID, interval, c.done)
		ponged := ok && reply.pong

		c.mu.Lock()
		if ponged {
			c.pingsMissed = 0
			c.pingLastResponseTime = time.Now().UTC()
			c.token.Extend(interval)
			c.mu.Unlock()

			c.setLastInteractionData("wsx.ponged")
			continue
		}

		c.pingsMissed++
		missed := c.pingsMissed
		lastResponse := c.pingLastResponseTime
		c.mu.Unlock()

		if missed >= threshold {
			c.onPingsMissed(missed, threshold)
			return
		}

		c.logger.Warn("peer missed ping",
			"missed", missed,
			"threshold", threshold,
			"last_response_time", lastResponse,
			"peer", c.peerConnInfo)
	}
}

func (c *Connection) onPingsMissed(missed, threshold int) {
	c.logger.Warn("peer missed too many pings, forcing its connection to close",
		"missed", missed, "threshold", threshold, "peer", c.peerConnInfo)
	c.DisconnectClient(newCID(), codePingsMissed, "Pings missed")
}

// onPong correlates a pong control frame back to its ping. Pong payloads are
// byte-for-byte echoes of the ping payload, so the embedded id is the
// correlation key; the waiter observes a true marker.
func (c *Connection) onPong(appData string) error {
	if c.config.IsAuditLogReceivedActive {
		c.storeAuditEvent(DataDirectionReceived, []byte(appData), "", "")
	}

	if id := parsePingPayload([]byte(appData)); id != "" {
		c.correlator.resolvePong(id)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Pub/sub delivery
// ---------------------------------------------------------------------------

// deliverPubSubMsg pushes one batch of pub/sub messages for a single
// sub_key to the peer. Deliveries are fire-and-forget; afterwards the
// interaction metadata is refreshed.
func (c *Connection) deliverPubSubMsg(subKey string, msgs []*PubSubMessage) {
	ctx := make(map[string]any)

	var cid string
	var data any

	if len(msgs) == 1 {
		m := msgs[0]
		cid = m.PubMsgID
		data = pubsubMsgData(m)
		if m.ReplyToSK != "" {
			ctx["reply_to_sk"] = m.ReplyToSK
		}
	} else {
		cid = NewPubSubMsgID()
		list := make([]any, 0, len(msgs))
		var replyToSKs []string
		for _, m := range msgs {
			list = append(list, pubsubMsgData(m))
			if m.ReplyToSK != "" {
				replyToSKs = append(replyToSKs, m.ReplyToSK)
			}
		}
		data = list
		if len(replyToSKs) > 0 {
			ctx["reply_to_sk"] = replyToSKs
		}
	}

	if len(ctx) == 0 {
		ctx = nil
	}

	c.logger.Info("delivering pub/sub messages", "count", len(msgs), "sub_key", subKey)

	if _, err := c.invokeClient(cid, data, invokeOpts{pubsub: true, ctx: ctx}); err != nil {
		c.logger.Warn("pub/sub delivery failed", "sub_key", subKey, "error", err)
		return
	}

	c.setLastInteractionData("pubsub.deliver_pubsub_msg")
}

func pubsubMsgData(m *PubSubMessage) any {
	if len(m.Serialized) > 0 {
		return json.RawMessage(m.Serialized)
	}
	return m.Data
}

// ---------------------------------------------------------------------------
// Interaction metadata
// ---------------------------------------------------------------------------

// setLastInteractionData rate-limits last-seen updates against the host:
// the first interaction flushes immediately, later ones only after
// interact_update_interval has elapsed since the previous flush.
func (c *Connection) setLastInteractionData(source string) {
	now := time.Now().UTC()

	c.mu.Lock()
	c.lastInteractSource = source

	needsServices := false
	if c.interactLastSet.IsZero() {
		c.interactLastSet = now
		needsServices = true
	} else if now.Sub(c.interactLastUpdated) >= c.config.InteractUpdateInterval {
		needsServices = true
	}
	if needsServices {
		c.interactLastUpdated = now
	}
	sqlWSClientID := c.sqlWSClientID
	peerConnInfo := c.peerConnInfo
	c.mu.Unlock()

	if !needsServices {
		return
	}

	if _, err := c.invokeService(c.ctx, "zato.pubsub.subscription.update-interaction-metadata", map[string]any{
		"sub_key":                  c.pubsub.SubKeys(),
		"last_interaction_time":    now,
		"last_interaction_type":    source,
		"last_interaction_details": peerConnInfo,
	}, "", false); err != nil {
		c.logger.Warn("could not update pub/sub interaction metadata", "error", err)
	}

	if _, err := c.invokeService(c.ctx, "zato.channel.web-socket.client.set-last-seen", map[string]any{
		"id":        sqlWSClientID,
		"last_seen": now,
	}, "", false); err != nil {
		c.logger.Warn("could not set client last seen", "error", err)
	}
}

// ---------------------------------------------------------------------------
// Audit
// ---------------------------------------------------------------------------

func (c *Connection) storeAuditEvent(direction string, data []byte, msgID, inReplyTo string) {
	if c.audit == nil {
		return
	}

	event := &DataEvent{
		Type:      auditMsgType,
		Direction: direction,
		ObjectID:  c.pubClientID,
		Data:      string(data),
		Timestamp: time.Now().UTC(),
		MsgID:     msgID,
		InReplyTo: inReplyTo,
	}
	if err := c.audit.StoreData(context.Background(), event); err != nil {
		c.logger.Warn("could not store audit event", "direction", direction, "error", err)
	}
}
