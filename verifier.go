package auditledger

import (
	"context"
	"errors"
	"fmt"
)

// Range bounds a verification by entry id. Zero values are unbounded.
type Range struct {
	FromID int64
	ToID   int64
}

// Full reports whether r covers the whole chain.
func (r Range) Full() bool { return r.FromID <= 1 && r.ToID <= 0 }

// VerificationResult reports the outcome of replaying a chain.
//
// Partial is set for range verifications: they anchor on the first entry's
// own hash_prev and so say nothing about entries before FromID.
type VerificationResult struct {
	ChainID       string `json:"chain_id"`
	Valid         bool   `json:"valid"`
	FirstBrokenID int64  `json:"first_broken_id,omitempty"`
	Reason        string `json:"reason,omitempty"`
	Checked       int    `json:"checked"`
	LastID        int64  `json:"last_id"`
	LastHash      string `json:"last_hash"`
	Partial       bool   `json:"partial"`
}

// ChainVerifier replays chains from a Store. It never mutates the store.
type ChainVerifier struct {
	store   Store
	signer  *Signer
	metrics *Metrics
}

// NewChainVerifier returns a verifier. signer may be nil, in which case receipts are not checked.
func NewChainVerifier(st Store, signer *Signer, m *Metrics) *ChainVerifier {
	return &ChainVerifier{store: st, signer: signer, metrics: m}
}

// Verify replays chainID over r.
//
// A full verification starts at the genesis sentinel and compares the last
// entry against the persisted chain head, which detects a truncated tail.
// Once the replay matches the head, rows stored past it are an error unless
// the head has moved on since it was pinned.
// On the first broken entry the result is invalid and the error is an
// *IntegrityViolation.
func (v *ChainVerifier) Verify(ctx context.Context, chainID string, r Range) (VerificationResult, error) {
	res := VerificationResult{ChainID: chainID, Partial: !r.Full()}

	// Pin the head first so appends landing mid-replay are out of scope.
	head, hasHead, err := v.store.ChainHead(ctx, chainID)
	if err != nil {
		return res, fmt.Errorf("chain head %s: %w: %w", chainID, ErrStoreUnavailable, err)
	}
	toID := r.ToID
	if hasHead && (toID <= 0 || toID > head.LastID) {
		toID = head.LastID
	}

	ch, done, err := v.store.Iter(ctx, chainID, r.FromID, toID)
	if err != nil {
		return res, fmt.Errorf("iterate %s: %w: %w", chainID, ErrStoreUnavailable, err)
	}
	defer done()

	var check *chainCheck
	var violation *IntegrityViolation
	for e := range ch {
		if ctx.Err() != nil {
			break
		}
		if check == nil {
			prev := GenesisHash
			if !r.Full() && r.FromID > 1 {
				prev = e.HashPrev
			}
			check = newChainCheck(chainID, prev, v.signer)
		}
		if violation = check.step(e); violation != nil {
			break
		}
		res.LastID = e.ID
		res.LastHash = e.HashSelf
	}
	if check != nil {
		res.Checked = check.checked
	}
	if err := ctx.Err(); err != nil {
		res.Reason = ReasonCancelled
		return res, err
	}
	if violation == nil {
		if err := done(); err != nil {
			return res, fmt.Errorf("iterate %s: %w: %w", chainID, ErrStoreUnavailable, err)
		}
	}

	if violation == nil && !res.Partial {
		violation = compareHead(chainID, res, head, hasHead)
		if violation == nil && hasHead {
			if violation, err = v.beyondHead(ctx, chainID, head); err != nil {
				return res, err
			}
		}
	}
	if violation != nil {
		res.FirstBrokenID = violation.EntryID
		res.Reason = violation.Reason
		v.metrics.verified(false, violation.Reason)
		log.Errorw("integrity violation",
			"severity", "critical",
			"chain", chainID,
			"entry", violation.EntryID,
			"reason", violation.Reason,
			"detail", violation.Detail)
		return res, violation
	}
	res.Valid = true
	v.metrics.verified(true, "")
	return res, nil
}

func compareHead(chainID string, res VerificationResult, head ChainState, hasHead bool) *IntegrityViolation {
	switch {
	case !hasHead && res.Checked == 0:
		return nil
	case !hasHead:
		return &IntegrityViolation{ChainID: chainID, EntryID: res.LastID, Reason: ReasonHeadMismatch,
			Detail: "entries present but no chain head"}
	case head.LastID != res.LastID || !constantTimeEqual(head.LastHash, res.LastHash):
		return &IntegrityViolation{ChainID: chainID, EntryID: head.LastID, Reason: ReasonHeadMismatch,
			Detail: fmt.Sprintf("replay ends at %d, head records %d", res.LastID, head.LastID)}
	}
	return nil
}

// beyondHead looks for the first row of chainID with an id past the pinned
// head. Such a row is reported only when a fresh read of the head
// shows it has not advanced, since a concurrent append is out of scope.
func (v *ChainVerifier) beyondHead(ctx context.Context, chainID string, pinned ChainState) (*IntegrityViolation, error) {
	ch, done, err := v.store.Iter(ctx, chainID, pinned.LastID+1, 0)
	if err != nil {
		return nil, fmt.Errorf("iterate %s: %w: %w", chainID, ErrStoreUnavailable, err)
	}
	extra, found := <-ch
	// done cancels the iteration and waits for it when more rows follow.
	if err := done(); err != nil && !errors.Is(err, context.Canceled) {
		return nil, fmt.Errorf("iterate %s: %w: %w", chainID, ErrStoreUnavailable, err)
	}
	if !found {
		return nil, nil
	}
	now, ok, err := v.store.ChainHead(ctx, chainID)
	if err != nil {
		return nil, fmt.Errorf("chain head %s: %w: %w", chainID, ErrStoreUnavailable, err)
	}
	if ok && (now.LastID != pinned.LastID || now.LastHash != pinned.LastHash) {
		return nil, nil
	}
	detail := "entry beyond the persisted head"
	if constantTimeEqual(extra.HashPrev, pinned.LastHash) {
		detail = "entry consumes the head hash but the head never advanced"
	}
	return &IntegrityViolation{ChainID: chainID, EntryID: extra.ID, Reason: ReasonHeadMismatch, Detail: detail}, nil
}

// VerifyAll fully verifies every chain in the store.
// It returns every result and the first integrity violation, if any.
func (v *ChainVerifier) VerifyAll(ctx context.Context) ([]VerificationResult, error) {
	chains, err := v.store.Chains(ctx)
	if err != nil {
		return nil, fmt.Errorf("list chains: %w: %w", ErrStoreUnavailable, err)
	}
	var results []VerificationResult
	var first error
	for _, c := range chains {
		res, err := v.Verify(ctx, c.ChainID, Range{})
		results = append(results, res)
		if err != nil {
			if !errors.Is(err, ErrIntegrity) {
				return results, err
			}
			if first == nil {
				first = err
			}
		}
	}
	return results, first
}
