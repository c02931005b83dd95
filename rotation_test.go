package auditledger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRotator_PolicyBySize(t *testing.T) {
	dir, err := os.MkdirTemp("", "auditledger-rotate-*")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	r, err := NewRotator(dir, RotationPolicy{MaxBytes: 10}, nil)
	if err != nil {
		t.Fatalf("NewRotator failed: %v", err)
	}
	path := filepath.Join(dir, "audit.jsonl")

	if err := os.WriteFile(path, []byte("short"), 0600); err != nil {
		t.Fatal(err)
	}
	rotated, err := r.Rotate("audit.jsonl")
	if err != nil || rotated != "" {
		t.Fatalf("small file rotated: %q %v", rotated, err)
	}

	if err := os.WriteFile(path, []byte("long enough to rotate"), 0600); err != nil {
		t.Fatal(err)
	}
	rotated, err = r.Rotate("audit.jsonl")
	if err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}
	if rotated == "" || !strings.HasPrefix(filepath.Base(rotated), "audit.jsonl.") {
		t.Fatalf("unexpected rotated path %q", rotated)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("original file still present after rotation")
	}

	// Missing files are not an error.
	if rotated, err := r.Rotate("audit.jsonl"); err != nil || rotated != "" {
		t.Fatalf("rotating missing file = %q, %v", rotated, err)
	}
}

func TestRotator_PolicyByAge(t *testing.T) {
	dir, err := os.MkdirTemp("", "auditledger-rotate-*")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	r, err := NewRotator(dir, RotationPolicy{MaxAge: time.Hour}, nil)
	if err != nil {
		t.Fatalf("NewRotator failed: %v", err)
	}
	path := filepath.Join(dir, "audit.jsonl")
	if err := os.WriteFile(path, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}
	if due, _ := r.Due("audit.jsonl"); due {
		t.Fatal("fresh file is due")
	}
	r.clock = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if due, _ := r.Due("audit.jsonl"); !due {
		t.Fatal("old file is not due")
	}
}

func TestRotator_ZeroPolicyOnlyForces(t *testing.T) {
	dir, err := os.MkdirTemp("", "auditledger-rotate-*")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	r, err := NewRotator(dir, RotationPolicy{}, nil)
	if err != nil {
		t.Fatalf("NewRotator failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "a.log"), []byte(strings.Repeat("x", 1<<16)), 0600); err != nil {
		t.Fatal(err)
	}
	if rotated, _ := r.Rotate("a.log"); rotated != "" {
		t.Fatal("zero policy rotated")
	}
	rotated, err := r.Force("a.log")
	if err != nil || rotated == "" {
		t.Fatalf("Force = %q, %v", rotated, err)
	}
}

func TestRotator_KeepsNewest(t *testing.T) {
	dir, err := os.MkdirTemp("", "auditledger-rotate-*")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	r, err := NewRotator(dir, RotationPolicy{Keep: 2}, nil)
	if err != nil {
		t.Fatalf("NewRotator failed: %v", err)
	}
	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	r.clock = func() time.Time { return clock }

	var last string
	for i := 0; i < 4; i++ {
		if err := os.WriteFile(filepath.Join(dir, "a.log"), []byte("x"), 0600); err != nil {
			t.Fatal(err)
		}
		rotated, err := r.Force("a.log")
		if err != nil {
			t.Fatalf("Force failed: %v", err)
		}
		mod := clock.Add(time.Duration(i) * time.Minute)
		if err := os.Chtimes(rotated, mod, mod); err != nil {
			t.Fatal(err)
		}
		clock = clock.Add(time.Minute)
		last = rotated
	}

	// Rotations are pruned on the next Force; trigger one more.
	if err := os.WriteFile(filepath.Join(dir, "a.log"), []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}
	newest, err := r.Force("a.log")
	if err != nil {
		t.Fatalf("Force failed: %v", err)
	}
	if err := os.Chtimes(newest, clock.Add(time.Hour), clock.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	kept, err := r.Rotated("a.log")
	if err != nil {
		t.Fatalf("Rotated failed: %v", err)
	}
	if len(kept) != 2 {
		t.Fatalf("expected 2 rotations kept, got %v", kept)
	}
	if kept[0] != newest || kept[1] != last {
		t.Fatalf("expected newest rotations kept, got %v", kept)
	}
}
