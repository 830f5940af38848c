package wsx

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// ---------------------------------------------------------------------------
// Defaults
// ---------------------------------------------------------------------------

const (
	defaultTokenTTL             = time.Hour
	defaultNewTokenWaitTime     = 5 * time.Second
	defaultPingInterval         = 30 * time.Second
	defaultPingsMissedThreshold = 2
	defaultInteractInterval     = time.Hour
	defaultBroadcastConcurrency = 64
	defaultMaxLenMessages       = 50
	defaultInvokeTimeout        = 5 * time.Second
)

// DataFormatJSON is the only data format the channel currently supports.
const DataFormatJSON = "json"

// ---------------------------------------------------------------------------
// Host contract
// ---------------------------------------------------------------------------

// Credentials are what a peer supplies in a create-session request.
type Credentials struct {
	Username string
	Secret   string
}

// AuthFunc validates a create-session attempt against the channel's security
// backend. env is a snapshot of the upgrade request headers;
// responseHeaders may be written to by the backend.
type AuthFunc func(ctx context.Context, cid, secType string, creds *Credentials,
	secName, defaultAuthMethod string, env map[string]string, responseHeaders map[string]string) bool

// Environ is the connection snapshot handed to host services alongside each
// invocation.
type Environ struct {
	Connection           *Connection
	SQLWSClientID        int64
	PubClientID          string
	ExtClientID          string
	ExtClientName        string
	Token                *TokenInfo
	ConnectionTime       time.Time
	PingsMissed          int
	PingsMissedThreshold int
	PeerAddress          string
	PeerHost             string
	PeerFQDN             string
	ForwardedFor         string
	ForwardedForFQDN     string
	PeerConnInfo         string
}

// ChannelRequest is what the core passes to the host's message callback for
// every service invocation made on behalf of a connection.
type ChannelRequest struct {
	CID        string
	Service    string
	DataFormat string
	Payload    any
	Environ    *Environ
}

// OnMessageCallback invokes an internal host service by name. The returned
// value, if any, is wrapped into an OK response for the peer.
type OnMessageCallback func(ctx context.Context, req *ChannelRequest) (any, error)

// ---------------------------------------------------------------------------
// Channel configuration
// ---------------------------------------------------------------------------

// ChannelConfig describes a single WebSocket channel. Host, Port, Path and
// NeedsTLS are derived from Address by Normalize; NeedsAuth is derived from
// SecName.
type ChannelConfig struct {
	Name    string
	Address string

	Host     string
	Port     int
	Path     string
	NeedsTLS bool

	DataFormat string
	SecName    string
	SecType    string
	NeedsAuth  bool

	// DefaultAuthMethod is passed through to the auth backend for security
	// definitions that distinguish between authentication methods.
	DefaultAuthMethod string

	TokenTTL             time.Duration
	NewTokenWaitTime     time.Duration
	PingInterval         time.Duration
	PingsMissedThreshold int

	JSONLibrary string
	HookService string
	ServiceName string

	IsAuditLogSentActive     bool
	IsAuditLogReceivedActive bool
	MaxLenMessagesSent       int
	MaxLenMessagesReceived   int

	InteractUpdateInterval time.Duration

	SOReuse              bool
	BroadcastConcurrency int

	TLSCertFile string
	TLSKeyFile  string
}

// Normalize derives the listener fields from Address and fills in defaults.
func (c *ChannelConfig) Normalize() error {
	if c.Address == "" {
		return fmt.Errorf("wsx channel %q: address is required", c.Name)
	}

	parsed, err := url.Parse(c.Address)
	if err != nil {
		return fmt.Errorf("wsx channel %q: parse address: %w", c.Name, err)
	}

	switch parsed.Scheme {
	case "ws":
		c.NeedsTLS = false
	case "wss":
		c.NeedsTLS = true
	default:
		return fmt.Errorf("wsx channel %q: unsupported scheme %q", c.Name, parsed.Scheme)
	}

	c.Host = parsed.Hostname()
	if portStr := parsed.Port(); portStr != "" {
		c.Port, err = strconv.Atoi(portStr)
		if err != nil {
			return fmt.Errorf("wsx channel %q: parse port: %w", c.Name, err)
		}
	}

	c.Path = parsed.Path
	if c.Path == "" {
		c.Path = "/"
	}

	if c.NeedsTLS && (c.TLSCertFile == "" || c.TLSKeyFile == "") {
		return fmt.Errorf("wsx channel %q: wss requires tls_cert_file and tls_key_file", c.Name)
	}

	c.NeedsAuth = c.SecName != ""

	if c.ServiceName == "" {
		return fmt.Errorf("wsx channel %q: service_name is required", c.Name)
	}

	if c.DataFormat == "" {
		c.DataFormat = DataFormatJSON
	}
	if c.DataFormat != DataFormatJSON {
		return fmt.Errorf("wsx channel %q: unsupported data format %q", c.Name, c.DataFormat)
	}

	if c.TokenTTL <= 0 {
		c.TokenTTL = defaultTokenTTL
	}
	if c.NewTokenWaitTime < 0 {
		c.NewTokenWaitTime = defaultNewTokenWaitTime
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.PingsMissedThreshold <= 0 {
		c.PingsMissedThreshold = defaultPingsMissedThreshold
	}
	if c.InteractUpdateInterval <= 0 {
		c.InteractUpdateInterval = defaultInteractInterval
	}
	if c.BroadcastConcurrency <= 0 {
		c.BroadcastConcurrency = defaultBroadcastConcurrency
	}
	if c.MaxLenMessagesSent <= 0 {
		c.MaxLenMessagesSent = defaultMaxLenMessages
	}
	if c.MaxLenMessagesReceived <= 0 {
		c.MaxLenMessagesReceived = defaultMaxLenMessages
	}

	return nil
}
