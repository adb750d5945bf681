package configsvc

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mycelia/mycelia/core/infra/config"
)

// snapshotHash fingerprints an effective settings document. Equal documents
// hash equal regardless of map iteration order.
func snapshotHash(data map[string]any) (string, error) {
	if data == nil {
		return "", nil
	}
	encoded, err := canonicalJSON(data)
	if err != nil {
		return "", err
	}
	return sha256Sum(encoded), nil
}

// canonicalJSON encodes value with object keys sorted at every depth.
func canonicalJSON(value any) ([]byte, error) {
	var buf bytes.Buffer
	if err := appendCanonical(&buf, value); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func appendCanonical(buf *bytes.Buffer, value any) error {
	switch v := value.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case json.RawMessage:
		buf.Write(v)
		return nil
	case map[string]any:
		return appendCanonicalMap(buf, v)
	case map[string]string:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[k] = val
		}
		return appendCanonicalMap(buf, out)
	case []any:
		return appendCanonicalSlice(buf, v)
	case []string:
		return appendCanonicalSlice(buf, asAnySlice(v))
	case []int:
		return appendCanonicalSlice(buf, asAnySlice(v))
	case []int64:
		return appendCanonicalSlice(buf, asAnySlice(v))
	case []float64:
		return appendCanonicalSlice(buf, asAnySlice(v))
	case []bool:
		return appendCanonicalSlice(buf, asAnySlice(v))
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode canonical json: %w", err)
		}
		buf.Write(encoded)
		return nil
	}
}

func asAnySlice[T any](in []T) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}

func appendCanonicalMap(buf *bytes.Buffer, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, _ := json.Marshal(k)
		buf.Write(keyBytes)
		buf.WriteByte(':')
		if err := appendCanonical(buf, m[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func appendCanonicalSlice(buf *bytes.Buffer, items []any) error {
	buf.WriteByte('[')
	for i, item := range items {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := appendCanonical(buf, item); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

// snapshotVersion strings the per-scope revisions in overlay order, so any
// scope bump changes the version.
func snapshotVersion(revisions map[config.SettingsScope]int64) string {
	order := []config.SettingsScope{config.ScopeSystem, config.ScopeTenant, config.ScopeFacility}
	parts := make([]string, 0, len(order))
	for _, scope := range order {
		parts = append(parts, fmt.Sprintf("%s:%d", scope, revisions[scope]))
	}
	return strings.Join(parts, "|")
}

func sha256Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
