package wsx

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.mongodb.org/mongo-driver/bson"
)

// ---------------------------------------------------------------------------
// JSON library selection
// ---------------------------------------------------------------------------

const (
	jsonLibraryStdlib     = "stdlib"
	jsonLibraryDefault    = "default"
	jsonLibraryFastBinary = "fast-binary"
	jsonLibraryBSON       = "bson"
)

// DumpFunc serializes an outbound value to JSON bytes. The exact library in
// use is selected per channel via the json_library configuration option.
type DumpFunc func(v any) ([]byte, error)

// jsonIter is the drop-in replacement config so that struct tags and
// RawMessage behave exactly like encoding/json.
var jsonIter = jsoniter.ConfigCompatibleWithStandardLibrary

var warnUnknownJSONLibrary sync.Once

// resolveDumpFunc returns the dump function for the configured library name.
// An unrecognized name warns once and falls back to the default library.
func resolveDumpFunc(name string, log *slog.Logger) DumpFunc {
	switch name {
	case "", jsonLibraryDefault:
		return jsonIter.Marshal
	case jsonLibraryStdlib:
		return json.Marshal
	case jsonLibraryFastBinary:
		return gojson.Marshal
	case jsonLibraryBSON:
		return dumpExtJSON
	default:
		warnUnknownJSONLibrary.Do(func() {
			log.Warn("unrecognized JSON library configured, switching to default",
				"json_library", name)
		})
		return jsonIter.Marshal
	}
}

func dumpExtJSON(v any) ([]byte, error) {
	return bson.MarshalExtJSON(v, false, false)
}

// ---------------------------------------------------------------------------
// Value sanitization
// ---------------------------------------------------------------------------

// sanitizeValue converts values that are not natively JSON-serializable into
// their canonical wire forms: timestamps become ISO-8601 strings, byte
// strings are decoded as UTF-8 and opaque ids take their string form.
// Maps and slices are sanitized recursively.
func sanitizeValue(v any) any {
	switch val := v.(type) {
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case []byte:
		return string(val)
	case uuid.UUID:
		return val.String()
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = sanitizeValue(elem)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = sanitizeValue(elem)
		}
		return out
	default:
		return v
	}
}

// newCID returns a new correlation id, a UUID4 with the dashes removed.
func newCID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
