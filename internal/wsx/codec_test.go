package wsx

import (
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// Dump function selection
// ---------------------------------------------------------------------------

func TestResolveDumpFunc(t *testing.T) {
	logger := slog.Default()

	tests := []struct {
		name        string
		jsonLibrary string
	}{
		{"stdlib", jsonLibraryStdlib},
		{"default", jsonLibraryDefault},
		{"fast-binary", jsonLibraryFastBinary},
		{"bson", jsonLibraryBSON},
		{"empty falls back to default", ""},
		{"unknown falls back to default", "no-such-library"},
	}

	payload := map[string]any{"a": "x", "n": 1}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dump := resolveDumpFunc(tt.jsonLibrary, logger)
			require.NotNil(t, dump)

			data, err := dump(payload)
			require.NoError(t, err)
			assert.Contains(t, string(data), `"a"`)
			assert.Contains(t, string(data), `"x"`)
		})
	}
}

func TestResolveDumpFuncBSONEnvelope(t *testing.T) {
	dump := resolveDumpFunc(jsonLibraryBSON, slog.Default())

	msg := NewForbidden("cid-1")
	data, err := msg.Serialize(dump)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"cid":"cid-1"`)
	assert.Contains(t, string(data), `"status"`)
}

// ---------------------------------------------------------------------------
// Value sanitization
// ---------------------------------------------------------------------------

func TestSanitizeValue(t *testing.T) {
	when := time.Date(2024, 6, 1, 12, 30, 0, 0, time.UTC)
	id := uuid.MustParse("11111111-2222-3333-4444-555555555555")

	tests := []struct {
		name     string
		input    any
		expected any
	}{
		{"timestamp", when, "2024-06-01T12:30:00Z"},
		{"byte string", []byte("abc"), "abc"},
		{"opaque id", id, "11111111-2222-3333-4444-555555555555"},
		{"plain string", "s", "s"},
		{"plain number", 42, 42},
		{"nil", nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, sanitizeValue(tt.input))
		})
	}
}

func TestSanitizeValueNested(t *testing.T) {
	when := time.Date(2024, 6, 1, 12, 30, 0, 0, time.UTC)

	input := map[string]any{
		"ts":    when,
		"inner": map[string]any{"raw": []byte("x")},
		"list":  []any{when, []byte("y")},
	}

	out := sanitizeValue(input).(map[string]any)
	assert.Equal(t, "2024-06-01T12:30:00Z", out["ts"])
	assert.Equal(t, "x", out["inner"].(map[string]any)["raw"])
	assert.Equal(t, []any{"2024-06-01T12:30:00Z", "y"}, out["list"])
}

// ---------------------------------------------------------------------------
// Correlation ids
// ---------------------------------------------------------------------------

func TestNewCID(t *testing.T) {
	first := newCID()
	second := newCID()

	assert.Len(t, first, 32)
	assert.NotContains(t, first, "-")
	assert.NotEqual(t, first, second)
}
