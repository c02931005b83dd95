package auditledger

import (
	"encoding/json"
	"testing"
	"time"
)

func TestGenesisHash(t *testing.T) {
	const want = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	if GenesisHash != want {
		t.Fatalf("GenesisHash = %s, want %s", GenesisHash, want)
	}
}

func TestCanonical_SortedAndCompact(t *testing.T) {
	e := LogEntry{
		ChainID:   "audit",
		Category:  "auth",
		Actor:     "alice",
		Action:    "login",
		Target:    "<admin>",
		Severity:  SeverityWarning,
		Timestamp: time.Date(2025, 5, 6, 7, 8, 9, 123456789, time.FixedZone("CET", 3600)),
		Payload: map[string]any{
			"z":      json.Number("1.50"),
			"a":      []any{"x", true, nil},
			"nested": map[string]any{"b": "2", "a": "1"},
		},
	}
	got, err := Canonical(e)
	if err != nil {
		t.Fatalf("Canonical failed: %v", err)
	}
	want := `{"action":"login","actor":"alice","category":"auth",` +
		`"payload":{"a":["x",true,null],"nested":{"a":"1","b":"2"},"z":1.50},` +
		`"severity":"warning","target":"<admin>","timestamp":"2025-05-06T06:08:09.123456789Z"}`
	if string(got) != want {
		t.Fatalf("Canonical mismatch:\n got %s\nwant %s", got, want)
	}
}

func TestCanonical_ExcludesMutableAndDerivedFields(t *testing.T) {
	base := LogEntry{
		Category:  "auth",
		Actor:     "alice",
		Action:    "login",
		Severity:  SeverityInfo,
		Timestamp: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Payload:   map[string]any{},
	}
	c1, _ := Canonical(base)

	other := base
	other.ID = 42
	other.ChainID = "forensic"
	other.HashPrev = "x"
	other.HashSelf = "y"
	other.Signature = "v1:00"
	other.Resolved = true
	c2, _ := Canonical(other)

	if string(c1) != string(c2) {
		t.Fatalf("canonical form depends on excluded fields:\n%s\n%s", c1, c2)
	}
}

func TestCanonical_InsertionOrderIndependent(t *testing.T) {
	p1, err := NormalizePayload(map[string]any{"a": 1, "b": map[string]any{"x": 1, "y": 2}})
	if err != nil {
		t.Fatalf("NormalizePayload failed: %v", err)
	}
	p2, err := NormalizePayload(map[string]any{"b": map[string]any{"y": 2, "x": 1}, "a": 1})
	if err != nil {
		t.Fatalf("NormalizePayload failed: %v", err)
	}
	c1, _ := CanonicalPayload(p1)
	c2, _ := CanonicalPayload(p2)
	if string(c1) != string(c2) {
		t.Fatalf("payload order changed canonical form: %s vs %s", c1, c2)
	}
}

func TestNormalizePayload(t *testing.T) {
	p, err := NormalizePayload(map[string]any{"n": 3, "f": 2.5, "s": []string{"a"}})
	if err != nil {
		t.Fatalf("NormalizePayload failed: %v", err)
	}
	if _, ok := p["n"].(json.Number); !ok {
		t.Fatalf("expected json.Number, got %T", p["n"])
	}
	if _, ok := p["s"].([]any); !ok {
		t.Fatalf("expected []any, got %T", p["s"])
	}

	empty, err := NormalizePayload(nil)
	if err != nil || empty == nil || len(empty) != 0 {
		t.Fatalf("nil payload should normalize to empty map, got %v %v", empty, err)
	}

	if _, err := NormalizePayload(map[string]any{"ch": make(chan int)}); err == nil {
		t.Fatal("expected error for unencodable payload")
	}
}

func TestComputeHash_LinksPrev(t *testing.T) {
	e := LogEntry{
		Category:  "auth",
		Actor:     "alice",
		Action:    "login",
		Severity:  SeverityInfo,
		Timestamp: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		HashPrev:  GenesisHash,
	}
	h1, err := ComputeHash(e)
	if err != nil {
		t.Fatalf("ComputeHash failed: %v", err)
	}
	c, _ := Canonical(e)
	if h1 != LinkHash(GenesisHash, c) {
		t.Fatal("ComputeHash disagrees with LinkHash")
	}
	e.HashPrev = h1
	h2, _ := ComputeHash(e)
	if h1 == h2 {
		t.Fatal("hash does not depend on hash_prev")
	}
}

func TestCanonical_RejectsInvalidUTF8(t *testing.T) {
	base := LogEntry{
		Category:  "auth",
		Action:    "login",
		Severity:  SeverityInfo,
		Timestamp: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	tests := []struct {
		name   string
		mutate func(*LogEntry)
	}{
		{"actor", func(e *LogEntry) { e.Actor = "alice\xff" }},
		{"payload value", func(e *LogEntry) { e.Payload = map[string]any{"k": "v\xfe"} }},
		{"payload key", func(e *LogEntry) { e.Payload = map[string]any{"k\xc3": "v"} }},
		{"nested", func(e *LogEntry) { e.Payload = map[string]any{"k": []any{map[string]any{"x": "\xed\xa0\x80"}}} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := base
			tt.mutate(&e)
			if _, err := Canonical(e); err == nil {
				t.Fatal("expected an error for invalid UTF-8")
			}
			if _, err := ComputeHash(e); err == nil {
				t.Fatal("expected ComputeHash to fail")
			}
		})
	}

	// The replacement character itself stays valid.
	e := base
	e.Actor = "alice\ufffd"
	if _, err := Canonical(e); err != nil {
		t.Fatalf("Canonical failed: %v", err)
	}
}
