package storage

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
)

// ---------------------------------------------------------------------------
// IsNotFound
// ---------------------------------------------------------------------------

func TestIsNotFound(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{
			name:     "nil error returns false",
			err:      nil,
			expected: false,
		},
		{
			name:     "pgx.ErrNoRows returns true",
			err:      pgx.ErrNoRows,
			expected: true,
		},
		{
			name:     "error containing 'not found' returns true",
			err:      fmt.Errorf("postgres: security definition not found: sec/u"),
			expected: true,
		},
		{
			name:     "wrapped pgx.ErrNoRows without not found in message returns false",
			err:      fmt.Errorf("query failed: %w", pgx.ErrNoRows),
			expected: false,
		},
		{
			name:     "generic error returns false",
			err:      fmt.Errorf("connection refused"),
			expected: false,
		},
		{
			name:     "timeout error returns false",
			err:      fmt.Errorf("context deadline exceeded"),
			expected: false,
		},
		{
			name:     "error with 'Not Found' (capitalized) returns false",
			err:      fmt.Errorf("Resource Not Found"),
			expected: false,
		},
		{
			name:     "error with 'not found' at end returns true",
			err:      fmt.Errorf("wsx client not found"),
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsNotFound(tt.err))
		})
	}
}

// ---------------------------------------------------------------------------
// IsNotFound: all package error patterns
// ---------------------------------------------------------------------------

func TestIsNotFound_PackageErrorPatterns(t *testing.T) {
	// The "not found" error patterns that this package actually produces,
	// to ensure IsNotFound catches every one.
	patterns := []string{
		"postgres: security definition not found: %s",
	}

	for _, pattern := range patterns {
		t.Run(pattern, func(t *testing.T) {
			msg := fmt.Sprintf(pattern, "some-id")
			assert.True(t, IsNotFound(errors.New(msg)))
		})
	}
}

func TestIsNotFound_NonMatchingPackageErrors(t *testing.T) {
	// Error patterns from this package that should NOT be detected as
	// "not found".
	patterns := []string{
		"postgres: parse config: invalid dsn",
		"postgres: connect: connection refused",
		"postgres: ping: timeout",
		"postgres: insert wsx client: duplicate key",
		"postgres: delete wsx client: connection reset",
		"postgres: set wsx client last seen: deadlock detected",
		"postgres: insert wsx subscription: foreign key violation",
		"postgres: update subscription interaction: pool exhausted",
	}

	for _, msg := range patterns {
		t.Run(msg, func(t *testing.T) {
			assert.False(t, IsNotFound(errors.New(msg)))
		})
	}
}
