package wsx

import (
	"context"
	"log/slog"
	"time"
)

// ---------------------------------------------------------------------------
// Hook types
// ---------------------------------------------------------------------------

const (
	HookOnConnected             = "on_connected"
	HookOnDisconnected          = "on_disconnected"
	HookOnPubSubResponse        = "on_pubsub_response"
	HookOnVaultMountPointNeeded = "on_vault_mount_point_needed"
)

// HookCtx carries the connection details handed to every hook invocation.
// Msg is set only for on_pubsub_response, where it is the client message
// that arrived in reply to a pub/sub delivery.
type HookCtx struct {
	HookType         string
	PubClientID      string
	ExtClientID      string
	ExtClientName    string
	ConnectionTime   time.Time
	PeerAddress      string
	PeerHost         string
	PeerFQDN         string
	ForwardedFor     string
	ForwardedForFQDN string
	Msg              *ClientMessage
}

// HookFunc is a single host-side callback.
type HookFunc func(ctx context.Context, hctx *HookCtx) error

// HookInvoker dispatches optional per-event callbacks into host services.
// A hook that was never registered is a no-op; a hook that fails is logged
// and never interrupts the connection that triggered it.
type HookInvoker struct {
	hooks  map[string]HookFunc
	logger *slog.Logger
}

func NewHookInvoker() *HookInvoker {
	return &HookInvoker{
		hooks:  make(map[string]HookFunc),
		logger: slog.Default().With("component", "wsx-hooks"),
	}
}

// Register attaches fn to the given hook type, replacing any previous one.
func (h *HookInvoker) Register(hookType string, fn HookFunc) {
	h.hooks[hookType] = fn
}

// Has reports whether a hook is registered for the given type.
func (h *HookInvoker) Has(hookType string) bool {
	if h == nil {
		return false
	}
	_, ok := h.hooks[hookType]
	return ok
}

// Invoke runs the hook for hctx.HookType, if one is registered.
func (h *HookInvoker) Invoke(ctx context.Context, hctx *HookCtx) {
	if h == nil {
		return
	}
	fn, ok := h.hooks[hctx.HookType]
	if !ok {
		return
	}
	if err := fn(ctx, hctx); err != nil {
		h.logger.Warn("hook failed",
			"hook_type", hctx.HookType,
			"pub_client_id", hctx.PubClientID,
			"error", err)
	}
}
