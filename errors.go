package auditledger

import (
	"errors"
	"fmt"
)

// ErrValidation indicates malformed input; nothing was persisted.
var ErrValidation = errors.New("validation failed")

// ErrStoreUnavailable indicates the store could not complete an operation after retries.
var ErrStoreUnavailable = errors.New("store unavailable")

// ErrIntegrity indicates a broken chain link, hash, timestamp order or signature.
var ErrIntegrity = errors.New("integrity violation")

// ErrSnapshotFailed indicates a snapshot did not reach the completed state.
var ErrSnapshotFailed = errors.New("snapshot failed")

// ErrNotFound indicates the requested entry or snapshot does not exist.
var ErrNotFound = errors.New("not found")

// ErrChainConflict indicates the persisted chain head moved during a commit.
var ErrChainConflict = errors.New("chain head moved")

var errInvalidUTF8 = errors.New("invalid UTF-8")

// ValidationError names the field and rule that rejected an input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// Unwrap lets errors.Is match ErrValidation.
func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// Verification failure reasons.
const (
	ReasonHashPrevMismatch    = "hash-prev-mismatch"
	ReasonHashSelfMismatch    = "hash-self-mismatch"
	ReasonSignatureMismatch   = "signature-mismatch"
	ReasonTimestampRegression = "timestamp-regression"
	ReasonIDRegression        = "id-regression"
	ReasonHeadMismatch        = "head-mismatch"
	ReasonChecksumMismatch    = "checksum-mismatch"
	ReasonCancelled           = "cancelled"
)

// IntegrityViolation identifies the first entry at which a chain stops verifying.
type IntegrityViolation struct {
	ChainID string
	EntryID int64
	Reason  string
	Detail  string
}

func (e *IntegrityViolation) Error() string {
	msg := fmt.Sprintf("integrity violation in chain %q at entry %d: %s", e.ChainID, e.EntryID, e.Reason)
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	return msg
}

// Unwrap lets errors.Is match ErrIntegrity.
func (e *IntegrityViolation) Unwrap() error { return ErrIntegrity }

// SnapshotFailure carries the stage at which a snapshot failed.
type SnapshotFailure struct {
	SnapshotID string
	Stage      SnapshotStatus
	Err        error
}

func (e *SnapshotFailure) Error() string {
	return fmt.Sprintf("snapshot %s failed while %s: %v", e.SnapshotID, e.Stage, e.Err)
}

// Is matches ErrSnapshotFailed.
func (e *SnapshotFailure) Is(target error) bool { return target == ErrSnapshotFailed }

func (e *SnapshotFailure) Unwrap() error { return e.Err }
