package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// IsNotFound returns true if the error indicates a record was not found.
// This checks for both pgx.ErrNoRows and the "not found" error strings
// produced by this package's query methods.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	if err == pgx.ErrNoRows {
		return true
	}
	return strings.Contains(err.Error(), "not found")
}

// PostgresClient wraps a pgx connection pool and provides CRUD operations
// for all relational data the channel server keeps: connected WSX clients,
// their pub/sub subscriptions and security definitions.
type PostgresClient struct {
	pool *pgxpool.Pool
}

// NewPostgresClient creates a new PostgreSQL client from the given DSN.
func NewPostgresClient(ctx context.Context, dsn string) (*PostgresClient, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	return &PostgresClient{pool: pool}, nil
}

// Close releases all connections in the pool.
func (p *PostgresClient) Close() {
	p.pool.Close()
}

// Ping verifies connectivity to PostgreSQL.
func (p *PostgresClient) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// --------------------------------------------------------------------------
// WebSocket clients
// --------------------------------------------------------------------------

// WSXClient is one row in the registry of live WebSocket connections.
type WSXClient struct {
	ID                   int64
	PubClientID          string
	ExtClientID          string
	ExtClientName        string
	IsInternal           bool
	LocalAddress         string
	PeerAddress          string
	PeerFQDN             string
	PeerForwardedFor     string
	PeerForwardedForFQDN string
	ChannelName          string
	ConnectionTime       time.Time
	LastSeen             time.Time
}

// InsertWSXClient registers a newly authenticated connection and returns the
// assigned row id.
func (p *PostgresClient) InsertWSXClient(ctx context.Context, c *WSXClient) (int64, error) {
	var id int64
	err := p.pool.QueryRow(ctx, `
		INSERT INTO web_socket_clients (
			pub_client_id, ext_client_id, ext_client_name, is_internal,
			local_address, peer_address, peer_fqdn,
			peer_forwarded_for, peer_forwarded_for_fqdn,
			channel_name, connection_time, last_seen
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id
	`, c.PubClientID, c.ExtClientID, c.ExtClientName, c.IsInternal,
		c.LocalAddress, c.PeerAddress, c.PeerFQDN,
		c.PeerForwardedFor, c.PeerForwardedForFQDN,
		c.ChannelName, c.ConnectionTime, c.LastSeen).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("postgres: insert wsx client: %w", err)
	}
	return id, nil
}

// DeleteWSXClientByPubID removes a connection and all of its subscriptions.
// Deleting an already removed client is not an error.
func (p *PostgresClient) DeleteWSXClientByPubID(ctx context.Context, pubClientID string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: delete wsx client begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		DELETE FROM web_socket_subscriptions
		WHERE client_pub_client_id = $1
	`, pubClientID); err != nil {
		return fmt.Errorf("postgres: delete wsx subscriptions: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		DELETE FROM web_socket_clients
		WHERE pub_client_id = $1
	`, pubClientID); err != nil {
		return fmt.Errorf("postgres: delete wsx client: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: delete wsx client commit: %w", err)
	}
	return nil
}

// SetWSXClientLastSeen stamps the last time the peer interacted with us.
func (p *PostgresClient) SetWSXClientLastSeen(ctx context.Context, id int64, lastSeen time.Time) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE web_socket_clients
		SET last_seen = $1
		WHERE id = $2
	`, lastSeen, id)
	if err != nil {
		return fmt.Errorf("postgres: set wsx client last seen: %w", err)
	}
	return nil
}

// --------------------------------------------------------------------------
// Pub/sub subscriptions
// --------------------------------------------------------------------------

// InsertWSXSubscription records a subscription created over a WSX channel.
func (p *PostgresClient) InsertWSXSubscription(ctx context.Context, pubClientID, subKey, topicName string) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO web_socket_subscriptions (client_pub_client_id, sub_key, topic_name, created_at)
		VALUES ($1, $2, $3, $4)
	`, pubClientID, subKey, topicName, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("postgres: insert wsx subscription: %w", err)
	}
	return nil
}

// UpdateSubscriptionInteraction refreshes interaction metadata for a set of
// sub_keys in one statement.
func (p *PostgresClient) UpdateSubscriptionInteraction(ctx context.Context, subKeys []string,
	interactionTime time.Time, interactionType, interactionDetails string) error {

	if len(subKeys) == 0 {
		return nil
	}

	_, err := p.pool.Exec(ctx, `
		UPDATE web_socket_subscriptions
		SET last_interaction_time = $1,
		    last_interaction_type = $2,
		    last_interaction_details = $3
		WHERE sub_key = ANY($4)
	`, interactionTime, interactionType, interactionDetails, subKeys)
	if err != nil {
		return fmt.Errorf("postgres: update subscription interaction: %w", err)
	}
	return nil
}

// --------------------------------------------------------------------------
// Security definitions
// --------------------------------------------------------------------------

// GetBasicAuthSecret looks up the expected secret for a security definition.
func (p *PostgresClient) GetBasicAuthSecret(ctx context.Context, secName, username string) (string, error) {
	var secret string
	err := p.pool.QueryRow(ctx, `
		SELECT secret
		FROM sec_basic_auth
		WHERE sec_name = $1 AND username = $2 AND is_active
	`, secName, username).Scan(&secret)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", fmt.Errorf("postgres: security definition not found: %s/%s", secName, username)
		}
		return "", fmt.Errorf("postgres: get basic auth secret: %w", err)
	}
	return secret, nil
}
