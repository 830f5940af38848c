// Package host implements the server-side contract the channel core
// consumes: a registry of named internal services, the lifecycle services
// the core invokes for connected clients, and the authentication backend.
package host

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/felixcheruiyot/zato/internal/storage"
	"github.com/felixcheruiyot/zato/internal/wsx"
)

// ServiceFunc is one internal service, invoked with the channel request
// built by the core.
type ServiceFunc func(ctx context.Context, req *wsx.ChannelRequest) (any, error)

// Registry resolves service names to implementations. The lifecycle
// services the channel core depends on are registered at construction;
// application services are added with Register.
type Registry struct {
	pg     *storage.PostgresClient
	logger *slog.Logger

	mu       sync.RWMutex
	services map[string]ServiceFunc
}

func NewRegistry(pg *storage.PostgresClient) *Registry {
	r := &Registry{
		pg:       pg,
		logger:   slog.Default().With("component", "host-registry"),
		services: make(map[string]ServiceFunc),
	}

	r.Register("zato.channel.web-socket.client.create", r.clientCreate)
	r.Register("zato.channel.web-socket.client.delete-by-pub-id", r.clientDeleteByPubID)
	r.Register("zato.channel.web-socket.client.set-last-seen", r.clientSetLastSeen)
	r.Register("zato.pubsub.subscription.update-interaction-metadata", r.updateInteractionMetadata)
	r.Register("zato.pubsub.subscription.create-wsx-subscription-for-current", r.createWSXSubscription)

	return r
}

// Register adds or replaces a named service.
func (r *Registry) Register(name string, fn ServiceFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[name] = fn
}

// OnMessage is the callback handed to the channel server. It dispatches the
// request to the named service.
func (r *Registry) OnMessage(ctx context.Context, req *wsx.ChannelRequest) (any, error) {
	r.mu.RLock()
	fn, ok := r.services[req.Service]
	r.mu.RUnlock()

	if !ok {
		return nil, &wsx.ServiceNotFoundError{Service: req.Service}
	}

	r.logger.Debug("invoking service", "service", req.Service, "cid", req.CID)
	return fn(ctx, req)
}

// --------------------------------------------------------------------------
// Lifecycle services
// --------------------------------------------------------------------------

func (r *Registry) clientCreate(ctx context.Context, req *wsx.ChannelRequest) (any, error) {
	payload, ok := req.Payload.(map[string]any)
	if !ok {
		return nil, &wsx.ParsingError{Err: fmt.Errorf("client.create: unexpected payload type %T", req.Payload)}
	}

	client := &storage.WSXClient{
		PubClientID:          stringField(payload, "pub_client_id"),
		ExtClientID:          stringField(payload, "ext_client_id"),
		ExtClientName:        stringField(payload, "ext_client_name"),
		IsInternal:           boolField(payload, "is_internal"),
		LocalAddress:         stringField(payload, "local_address"),
		PeerAddress:          stringField(payload, "peer_address"),
		PeerFQDN:             stringField(payload, "peer_fqdn"),
		PeerForwardedFor:     stringField(payload, "peer_forwarded_for"),
		PeerForwardedForFQDN: stringField(payload, "peer_forwarded_for_fqdn"),
		ChannelName:          stringField(payload, "channel_name"),
		ConnectionTime:       timeField(payload, "connection_time"),
		LastSeen:             timeField(payload, "last_seen"),
	}

	id, err := r.pg.InsertWSXClient(ctx, client)
	if err != nil {
		return nil, err
	}
	return map[string]any{"ws_client_id": id}, nil
}

func (r *Registry) clientDeleteByPubID(ctx context.Context, req *wsx.ChannelRequest) (any, error) {
	payload, ok := req.Payload.(map[string]any)
	if !ok {
		return nil, &wsx.ParsingError{Err: fmt.Errorf("client.delete-by-pub-id: unexpected payload type %T", req.Payload)}
	}
	return nil, r.pg.DeleteWSXClientByPubID(ctx, stringField(payload, "pub_client_id"))
}

func (r *Registry) clientSetLastSeen(ctx context.Context, req *wsx.ChannelRequest) (any, error) {
	payload, ok := req.Payload.(map[string]any)
	if !ok {
		return nil, &wsx.ParsingError{Err: fmt.Errorf("client.set-last-seen: unexpected payload type %T", req.Payload)}
	}

	id, ok := payload["id"].(int64)
	if !ok {
		return nil, &wsx.ParsingError{Err: fmt.Errorf("client.set-last-seen: missing id")}
	}
	return nil, r.pg.SetWSXClientLastSeen(ctx, id, timeField(payload, "last_seen"))
}

func (r *Registry) updateInteractionMetadata(ctx context.Context, req *wsx.ChannelRequest) (any, error) {
	payload, ok := req.Payload.(map[string]any)
	if !ok {
		return nil, &wsx.ParsingError{Err: fmt.Errorf("update-interaction-metadata: unexpected payload type %T", req.Payload)}
	}

	subKeys, _ := payload["sub_key"].([]string)
	return nil, r.pg.UpdateSubscriptionInteraction(ctx, subKeys,
		timeField(payload, "last_interaction_time"),
		stringField(payload, "last_interaction_type"),
		stringField(payload, "last_interaction_details"))
}

// createWSXSubscription provisions a pub/sub subscription for the calling
// connection: a fresh sub_key is generated, persisted, and bound to the
// connection's delivery tasks.
func (r *Registry) createWSXSubscription(ctx context.Context, req *wsx.ChannelRequest) (any, error) {
	payload, ok := req.Payload.(map[string]any)
	if !ok {
		return nil, &wsx.ParsingError{Err: fmt.Errorf("create-wsx-subscription: unexpected payload type %T", req.Payload)}
	}

	topicName := stringField(payload, "topic_name")
	if topicName == "" {
		return nil, &wsx.ParsingError{Err: fmt.Errorf("create-wsx-subscription: missing topic_name")}
	}
	if req.Environ == nil || req.Environ.Connection == nil {
		return nil, &wsx.Reportable{Status: http.StatusBadRequest, Reason: "No connection in scope"}
	}

	subKey := wsx.NewSubKey()
	if err := r.pg.InsertWSXSubscription(ctx, req.Environ.PubClientID, subKey, topicName); err != nil {
		return nil, err
	}

	req.Environ.Connection.AddSubKey(subKey)

	r.logger.Info("created wsx subscription",
		"pub_client_id", req.Environ.PubClientID, "topic_name", topicName, "sub_key", subKey)
	return map[string]any{"sub_key": subKey}, nil
}

// --------------------------------------------------------------------------
// Authentication
// --------------------------------------------------------------------------

// BasicAuthFunc returns an AuthFunc checking the supplied credentials
// against the sec_basic_auth table.
func BasicAuthFunc(pg *storage.PostgresClient) wsx.AuthFunc {
	logger := slog.Default().With("component", "host-auth")

	return func(ctx context.Context, cid, secType string, creds *wsx.Credentials,
		secName, defaultAuthMethod string, env map[string]string, responseHeaders map[string]string) bool {

		expected, err := pg.GetBasicAuthSecret(ctx, secName, creds.Username)
		if err != nil {
			logger.Warn("credentials lookup failed",
				"cid", cid, "sec_name", secName, "username", creds.Username, "error", err)
			return false
		}

		return subtle.ConstantTimeCompare([]byte(expected), []byte(creds.Secret)) == 1
	}
}

// --------------------------------------------------------------------------
// Payload helpers
// --------------------------------------------------------------------------

func stringField(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	return s
}

func boolField(payload map[string]any, key string) bool {
	b, _ := payload[key].(bool)
	return b
}

func timeField(payload map[string]any, key string) time.Time {
	t, _ := payload[key].(time.Time)
	return t
}
