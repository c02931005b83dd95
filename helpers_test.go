package auditledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errFlaky = errors.New("flaky store: connection reset")

// flakyStore fails the first failures Commit calls, or every call when
// failures is negative.
type flakyStore struct {
	Store
	mu       sync.Mutex
	failures int
	commits  int
}

func (f *flakyStore) Commit(ctx context.Context, e LogEntry, expected ChainState) (LogEntry, error) {
	f.mu.Lock()
	f.commits++
	fail := f.failures < 0 || f.commits <= f.failures
	f.mu.Unlock()
	if fail {
		return LogEntry{}, errFlaky
	}
	return f.Store.Commit(ctx, e, expected)
}

// stepClock returns start, start+step, start+2*step, ...
func stepClock(start time.Time, step time.Duration) func() time.Time {
	var mu sync.Mutex
	next := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t := next
		next = next.Add(step)
		return t
	}
}

func testSigner(t *testing.T) *Signer {
	t.Helper()
	keys, err := NewDerivedKeys([]byte("0123456789abcdef0123456789abcdef"), []byte("test-salt"), 1)
	if err != nil {
		t.Fatalf("NewDerivedKeys failed: %v", err)
	}
	return NewSigner(keys)
}

func newTestLedger(t *testing.T, st Store, cfg Config) *Ledger {
	t.Helper()
	if cfg.RetryInitial == 0 {
		cfg.RetryInitial = time.Millisecond
	}
	if cfg.RetryMaxInterval == 0 {
		cfg.RetryMaxInterval = 5 * time.Millisecond
	}
	l, err := New(cfg, st)
	if err != nil {
		t.Fatalf("New ledger failed: %v", err)
	}
	return l
}

func mustAppend(t *testing.T, l *Ledger, req AppendRequest) LogEntry {
	t.Helper()
	e, err := l.Append(context.Background(), req)
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	return e
}

func infoRequest(actor, action string) AppendRequest {
	return AppendRequest{
		Category: "auth",
		Actor:    actor,
		Action:   action,
		Severity: SeverityInfo,
		Payload:  map[string]any{"ip": "10.0.0.1", "attempt": 1},
	}
}
