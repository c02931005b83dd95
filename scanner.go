package auditledger

import (
	"bytes"
	"context"
	"fmt"
	"strings"
)

// DefaultScanLimit bounds severity scans unless WithLimit says otherwise.
const DefaultScanLimit = 1000

const patternPage = 500

// Scanner runs read-only anomaly queries over a Store. It never marks entries
// resolved and never changes severity.
type Scanner struct {
	store Store
	limit int
}

// NewScanner returns a Scanner over st.
func NewScanner(st Store) *Scanner {
	return &Scanner{store: st, limit: DefaultScanLimit}
}

// WithLimit sets how many entries ScanSeverity returns at most. A
// non-positive n restores DefaultScanLimit.
func (s *Scanner) WithLimit(n int) *Scanner {
	if n <= 0 {
		n = DefaultScanLimit
	}
	s.limit = n
	return s
}

// ScanSeverity returns up to the scanner's limit of entries of chainID at or
// above threshold, newest-first.
func (s *Scanner) ScanSeverity(ctx context.Context, chainID string, threshold Severity) ([]LogEntry, error) {
	sev, err := ParseSeverity(string(threshold))
	if err != nil {
		return nil, err
	}
	out, err := s.store.Query(ctx, Filter{ChainID: chainID, MinSeverity: sev, Limit: s.limit})
	if err != nil {
		return nil, fmt.Errorf("scan severity: %w: %w", ErrStoreUnavailable, err)
	}
	return out, nil
}

// ScanBurst looks at the most recent window entries of actor across chains.
// If more than criticalThreshold of them are critical, those critical entries
// are returned in ascending id order; otherwise the result is nil.
func (s *Scanner) ScanBurst(ctx context.Context, actor string, window, criticalThreshold int) ([]LogEntry, error) {
	if actor == "" {
		return nil, invalid("actor", "required")
	}
	if window <= 0 {
		return nil, invalid("window", "must be positive")
	}
	if criticalThreshold < 0 {
		return nil, invalid("threshold", "must not be negative")
	}
	recent, err := s.store.Query(ctx, Filter{Actor: actor, Limit: window})
	if err != nil {
		return nil, fmt.Errorf("scan burst: %w: %w", ErrStoreUnavailable, err)
	}
	var critical []LogEntry
	for i := len(recent) - 1; i >= 0; i-- {
		if recent[i].Severity == SeverityCritical {
			critical = append(critical, recent[i])
		}
	}
	if len(critical) <= criticalThreshold {
		return nil, nil
	}
	log.Warnw("critical burst", "actor", actor, "window", window, "critical", len(critical))
	return critical, nil
}

// ScanPattern returns up to limit entries, newest-first, whose canonical
// payload contains text, ignoring case. text is escaped as a JSON string is,
// so quotes and backslashes inside string values match as written.
func (s *Scanner) ScanPattern(ctx context.Context, text string, limit int) ([]LogEntry, error) {
	if text == "" {
		return nil, invalid("text", "required")
	}
	if limit <= 0 {
		return nil, invalid("limit", "must be positive")
	}
	var esc bytes.Buffer
	if err := writeString(&esc, strings.ToLower(text)); err != nil {
		return nil, invalid("text", err.Error())
	}
	needle := esc.Bytes()[1 : esc.Len()-1]
	var out []LogEntry
	var cursor int64
	for {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		page, err := s.store.Query(ctx, Filter{BeforeID: cursor, Limit: patternPage})
		if err != nil {
			return nil, fmt.Errorf("scan pattern: %w: %w", ErrStoreUnavailable, err)
		}
		for _, e := range page {
			body, err := CanonicalPayload(e.Payload)
			if err != nil {
				continue
			}
			if bytes.Contains(bytes.ToLower(body), needle) {
				out = append(out, e)
				if len(out) >= limit {
					return out, nil
				}
			}
		}
		if len(page) < patternPage {
			return out, nil
		}
		cursor = page[len(page)-1].ID
	}
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}
