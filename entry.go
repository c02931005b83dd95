package auditledger

import (
	"encoding/json"
	"strings"
	"time"
)

// DefaultChainID is the chain used when a caller does not name one.
const DefaultChainID = "audit"

// Severity ranks audit events.
type Severity string

// Severity levels in ascending order.
const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityInfo:     1,
	SeverityWarning:  2,
	SeverityError:    3,
	SeverityCritical: 4,
}

// ParseSeverity accepts any letter case.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := severityRank[sev]; !ok {
		return "", invalid("severity", "unknown severity "+s)
	}
	return sev, nil
}

// Rank returns 0 for unknown severities.
func (s Severity) Rank() int { return severityRank[s] }

// Valid reports whether s is one of the four levels.
func (s Severity) Valid() bool { return s.Rank() > 0 }

// AtLeast reports whether s ranks at or above threshold.
func (s Severity) AtLeast(threshold Severity) bool { return s.Rank() >= threshold.Rank() }

// LogEntry is one immutable record of a chain.
type LogEntry struct {
	ID        int64          `json:"id"`
	ChainID   string         `json:"chain_id"`
	Category  string         `json:"category"`
	Actor     string         `json:"actor"`
	Action    string         `json:"action"`
	Target    string         `json:"target,omitempty"`
	Payload   map[string]any `json:"payload"`
	Severity  Severity       `json:"severity"`
	Timestamp time.Time      `json:"timestamp"`
	HashPrev  string         `json:"hash_prev"`
	HashSelf  string         `json:"hash_self"`
	Signature string         `json:"signature,omitempty"`
	Resolved  bool           `json:"resolved"`
}

// Clone returns a copy whose payload can be modified without touching e.
func (e LogEntry) Clone() LogEntry {
	out := e
	out.Payload = clonePayload(e.Payload)
	return out
}

func clonePayload(p map[string]any) map[string]any {
	if p == nil {
		return nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		out := make(map[string]any, len(p))
		for k, v := range p {
			out[k] = v
		}
		return out
	}
	out, err := decodePayload(raw)
	if err != nil {
		return p
	}
	return out
}

// ChainState is the persisted head of a chain.
type ChainState struct {
	ChainID       string    `json:"chain_id"`
	LastID        int64     `json:"last_id"`
	LastHash      string    `json:"last_hash"`
	LastTimestamp time.Time `json:"last_timestamp"`
}

// IsGenesis reports whether no entry has been appended to the chain.
func (c ChainState) IsGenesis() bool { return c.LastID == 0 }

func genesisState(chainID string) ChainState {
	return ChainState{ChainID: chainID, LastHash: GenesisHash}
}
