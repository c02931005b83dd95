package auditledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"
	"unicode/utf8"
)

// TimestampFormat is the layout timestamps take inside the canonical form.
const TimestampFormat = time.RFC3339Nano

// NormalizePayload round-trips a payload through JSON so that numbers become
// json.Number and nested values become plain maps and slices. The stored form,
// the hashed form and the re-read form are then identical.
func NormalizePayload(p map[string]any) (map[string]any, error) {
	if p == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, invalid("payload", err.Error())
	}
	return decodePayload(raw)
}

func decodePayload(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, invalid("payload", err.Error())
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// Canonical returns the byte form of the fields covered by hash_self.
// Keys are sorted at every depth and the output is compact. id, chain_id,
// the hashes, the signature and resolved are not covered.
func Canonical(e LogEntry) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	fields := []struct {
		key string
		val any
	}{
		{"action", e.Action},
		{"actor", e.Actor},
		{"category", e.Category},
		{"payload", e.Payload},
		{"severity", string(e.Severity)},
		{"target", e.Target},
		{"timestamp", e.Timestamp.UTC().Format(TimestampFormat)},
	}
	for i, f := range fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeString(&buf, f.key); err != nil {
			return nil, err
		}
		buf.WriteByte(':')
		if f.key == "payload" && e.Payload == nil {
			buf.WriteString("{}")
			continue
		}
		if err := writeValue(&buf, f.val); err != nil {
			return nil, fmt.Errorf("canonical %s: %w", f.key, err)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// CanonicalPayload renders only the payload, used for pattern matching.
func CanonicalPayload(p map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	if p == nil {
		return []byte("{}"), nil
	}
	if err := writeValue(&buf, p); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeValue(buf *bytes.Buffer, v any) error {
	switch x := v.(type) {
	case nil:
		buf.WriteString("null")
	case string:
		return writeString(buf, x)
	case bool:
		buf.WriteString(strconv.FormatBool(x))
	case json.Number:
		buf.WriteString(x.String())
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeValue(buf, x[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, item := range x {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeValue(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		// Values that did not pass through NormalizePayload.
		raw, err := json.Marshal(x)
		if err != nil {
			return err
		}
		norm, err := normalizeValue(raw)
		if err != nil {
			return err
		}
		return writeValue(buf, norm)
	}
	return nil
}

func normalizeValue(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// writeString refuses invalid UTF-8: the encoder would map every bad byte to
// U+FFFD and two different strings would share one canonical form.
func writeString(buf *bytes.Buffer, s string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("%w: %q", errInvalidUTF8, s)
	}
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return err
	}
	buf.Write(bytes.TrimRight(tmp.Bytes(), "\n"))
	return nil
}
