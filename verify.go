package auditledger

import (
	"fmt"
	"time"
)

// chainCheck replays one chain entry by entry.
type chainCheck struct {
	chainID string
	prev    string
	lastID  int64
	lastTS  time.Time
	signer  *Signer
	checked int
}

func newChainCheck(chainID, expectedPrev string, signer *Signer) *chainCheck {
	return &chainCheck{chainID: chainID, prev: expectedPrev, signer: signer}
}

func (c *chainCheck) fail(e LogEntry, reason, detail string) *IntegrityViolation {
	return &IntegrityViolation{ChainID: c.chainID, EntryID: e.ID, Reason: reason, Detail: detail}
}

// step checks id order, both hashes, timestamp order and the receipt when
// one is present and a signer is known.
func (c *chainCheck) step(e LogEntry) *IntegrityViolation {
	if c.checked > 0 && e.ID <= c.lastID {
		return c.fail(e, ReasonIDRegression, fmt.Sprintf("id %d after %d", e.ID, c.lastID))
	}
	if !constantTimeEqual(e.HashPrev, c.prev) {
		return c.fail(e, ReasonHashPrevMismatch, "")
	}
	want, err := ComputeHash(e)
	if err != nil {
		return c.fail(e, ReasonHashSelfMismatch, err.Error())
	}
	if !constantTimeEqual(want, e.HashSelf) {
		return c.fail(e, ReasonHashSelfMismatch, "")
	}
	if c.checked > 0 && e.Timestamp.Before(c.lastTS) {
		return c.fail(e, ReasonTimestampRegression,
			fmt.Sprintf("%s before %s", e.Timestamp.Format(TimestampFormat), c.lastTS.Format(TimestampFormat)))
	}
	if e.Signature != "" && c.signer != nil {
		if !c.signer.Verify(EntryReceiptPayload(e.ChainID, e.HashSelf), e.Signature) {
			return c.fail(e, ReasonSignatureMismatch, "")
		}
	}
	c.prev = e.HashSelf
	c.lastID = e.ID
	c.lastTS = e.Timestamp
	c.checked++
	return nil
}

// VerifyEntries replays entries (ascending id) of one chain starting from
// expectedPrev, which is GenesisHash for a replay from the start.
// It returns the hash of the last verified entry and the number verified.
// The error is an *IntegrityViolation at the first entry that fails.
func VerifyEntries(chainID string, entries []LogEntry, expectedPrev string, signer *Signer) (lastHash string, checked int, err error) {
	c := newChainCheck(chainID, expectedPrev, signer)
	for _, e := range entries {
		if v := c.step(e); v != nil {
			return c.prev, c.checked, v
		}
	}
	return c.prev, c.checked, nil
}
