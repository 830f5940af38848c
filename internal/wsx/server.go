package wsx

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"golang.org/x/sys/unix"
)

// ServerOptions carries the optional collaborators a channel server may be
// constructed with.
type ServerOptions struct {
	HookInvoker *HookInvoker
	AuditLog    AuditLog
}

// ChannelServer accepts WebSocket upgrades on the channel's path, tracks
// every live connection by pub_client_id and exposes the operations internal
// services use to reach connected clients.
type ChannelServer struct {
	config    *ChannelConfig
	logger    *slog.Logger
	authFunc  AuthFunc
	onMessage OnMessageCallback
	hooks     *HookInvoker
	audit     AuditLog

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*Connection

	listener   net.Listener
	httpServer *http.Server

	broadcastSem chan struct{}
}

// NewChannelServer builds a channel server for the given configuration. The
// config is normalized in place; opts may be nil.
func NewChannelServer(config *ChannelConfig, authFunc AuthFunc, onMessage OnMessageCallback, opts *ServerOptions) (*ChannelServer, error) {
	if err := config.Normalize(); err != nil {
		return nil, err
	}
	if onMessage == nil {
		return nil, fmt.Errorf("wsx channel %q: on_message callback is required", config.Name)
	}
	if config.NeedsAuth && authFunc == nil {
		return nil, fmt.Errorf("wsx channel %q: auth func is required when sec_name is set", config.Name)
	}

	s := &ChannelServer{
		config:    config,
		logger:    slog.Default().With("component", "wsx-server", "channel", config.Name),
		authFunc:  authFunc,
		onMessage: onMessage,
		clients:   make(map[string]*Connection),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		broadcastSem: make(chan struct{}, config.BroadcastConcurrency),
	}

	if opts != nil {
		s.hooks = opts.HookInvoker
		s.audit = opts.AuditLog
	}

	return s, nil
}

// ---------------------------------------------------------------------------
// HTTP layer
// ---------------------------------------------------------------------------

// Handler returns the HTTP handler serving the channel: the configured path
// upgrades to WebSocket, every other path is a 404 with a short body.
func (s *ChannelServer) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc(s.config.Path, s.handleUpgrade)
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "404 Not Found", http.StatusNotFound)
	})
	return router
}

func (s *ChannelServer) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "400 Bad Request", http.StatusBadRequest)
		return
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		s.logger.Warn("handshake error", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	conn := newConnection(s, wsConn, r)
	s.addClient(conn)
	go conn.run()
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Start binds the listener and serves until Stop is called. It blocks.
func (s *ChannelServer) Start() error {
	listener, err := s.listen()
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:     s.Handler(),
		IdleTimeout: 120 * time.Second,
	}
	httpServer := s.httpServer
	s.mu.Unlock()

	s.logger.Info("wsx channel listening",
		"address", s.config.Address, "path", s.config.Path, "needs_tls", s.config.NeedsTLS)

	if s.config.NeedsTLS {
		err = httpServer.ServeTLS(listener, s.config.TLSCertFile, s.config.TLSKeyFile)
	} else {
		err = httpServer.Serve(listener)
	}
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// listen binds the configured address, setting SO_REUSEADDR and
// SO_REUSEPORT when requested.
func (s *ChannelServer) listen() (net.Listener, error) {
	lc := net.ListenConfig{}
	if s.config.SOReuse {
		lc.Control = reusePortControl
	}

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	listener, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("wsx channel %q: listen on %s: %w", s.config.Name, addr, err)
	}
	return listener, nil
}

func reusePortControl(_, _ string, conn syscall.RawConn) error {
	var sockErr error
	err := conn.Control(func(fd uintptr) {
		if sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); sockErr != nil {
			return
		}
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

// Stop shuts the listener down - read/write directions first, then the
// socket itself - and disconnects every remaining client.
func (s *ChannelServer) Stop() {
	s.mu.Lock()
	listener := s.listener
	httpServer := s.httpServer
	s.listener = nil
	s.httpServer = nil
	s.mu.Unlock()

	if listener != nil {
		shutdownListener(listener)
	}
	if httpServer != nil {
		_ = httpServer.Close()
	}

	for _, conn := range s.snapshotClients() {
		conn.DisconnectClient(newCID(), websocket.CloseGoingAway, "server stopping")
	}

	s.logger.Info("wsx channel stopped", "address", s.config.Address)
}

// shutdownListener issues shutdown(RDWR) on the listening socket before it
// is closed.
func shutdownListener(listener net.Listener) {
	if tcpListener, ok := listener.(*net.TCPListener); ok {
		if raw, err := tcpListener.SyscallConn(); err == nil {
			_ = raw.Control(func(fd uintptr) {
				_ = unix.Shutdown(int(fd), unix.SHUT_RDWR)
			})
		}
	}
	_ = listener.Close()
}

// ---------------------------------------------------------------------------
// Client table
// ---------------------------------------------------------------------------

func (s *ChannelServer) addClient(conn *Connection) {
	s.mu.Lock()
	s.clients[conn.PubClientID()] = conn
	total := len(s.clients)
	s.mu.Unlock()

	s.logger.Debug("client registered", "pub_client_id", conn.PubClientID(), "total_clients", total)
}

// removeClient drops a connection from the client table. A missing key
// means the client is already gone.
func (s *ChannelServer) removeClient(pubClientID string) {
	s.mu.Lock()
	delete(s.clients, pubClientID)
	total := len(s.clients)
	s.mu.Unlock()

	s.logger.Debug("client unregistered", "pub_client_id", pubClientID, "total_clients", total)
}

func (s *ChannelServer) snapshotClients() []*Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Connection, 0, len(s.clients))
	for _, conn := range s.clients {
		out = append(out, conn)
	}
	return out
}

// ListenAddr returns the bound listener address, or "" before Start.
func (s *ChannelServer) ListenAddr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// NumClients returns the number of currently tracked connections.
func (s *ChannelServer) NumClients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// GetClientByPubID looks a connection up by its pub_client_id.
func (s *ChannelServer) GetClientByPubID(pubClientID string) (*Connection, error) {
	s.mu.RLock()
	conn, ok := s.clients[pubClientID]
	s.mu.RUnlock()

	if !ok {
		return nil, &ClientNotFoundError{PubClientID: pubClientID}
	}
	return conn, nil
}

// ---------------------------------------------------------------------------
// Operations
// ---------------------------------------------------------------------------

// InvokeClient sends a request to one connected client and returns its
// response, if any arrived within the timeout.
func (s *ChannelServer) InvokeClient(cid, pubClientID string, request any, timeout time.Duration) (any, error) {
	conn, err := s.GetClientByPubID(pubClientID)
	if err != nil {
		return nil, err
	}
	return conn.InvokeClient(cid, request, timeout)
}

// Broadcast sends the same request to every connected client without
// awaiting replies. Fan-out concurrency is capped so that a large client
// table cannot exhaust the server.
func (s *ChannelServer) Broadcast(cid string, request any) {
	for _, conn := range s.snapshotClients() {
		s.broadcastSem <- struct{}{}
		go func(conn *Connection) {
			defer func() { <-s.broadcastSem }()
			if _, err := conn.invokeClient(cid, request, invokeOpts{noWait: true}); err != nil {
				s.logger.Debug("broadcast delivery failed",
					"pub_client_id", conn.PubClientID(), "error", err)
			}
		}(conn)
	}
}

// DisconnectClient disconnects one client. A missing pub_client_id is
// treated as already gone.
func (s *ChannelServer) DisconnectClient(cid, pubClientID string) error {
	conn, err := s.GetClientByPubID(pubClientID)
	if err != nil {
		return nil
	}
	conn.DisconnectClient(cid, websocket.CloseNormalClosure, "disconnect requested")
	return nil
}

// NotifyPubSubMessage hands pub/sub messages to the connection responsible
// for the delivery's sub_key.
func (s *ChannelServer) NotifyPubSubMessage(cid, pubClientID string, delivery *PubSubDelivery) error {
	conn, err := s.GetClientByPubID(pubClientID)
	if err != nil {
		return err
	}
	for _, msg := range delivery.Messages {
		if err := conn.pubsub.AddMessage(delivery.SubKey, msg); err != nil {
			return err
		}
	}
	return nil
}

// SubscribeToTopic subscribes a connected client to the given topic.
func (s *ChannelServer) SubscribeToTopic(cid, pubClientID, topicName string) error {
	conn, err := s.GetClientByPubID(pubClientID)
	if err != nil {
		return err
	}
	return conn.SubscribeToTopic(cid, topicName)
}
