package auditledger

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("auditledger")

// Config controls ledger behavior.
type Config struct {
	DefaultChain     string        // chain used when a request names none ("audit")
	MaxRetries       uint64        // commit retries after the first attempt (default 5)
	DisableRetries   bool          // make exactly one commit attempt, ignoring MaxRetries
	RetryInitial     time.Duration // first backoff interval (default 10ms)
	RetryMaxInterval time.Duration // backoff ceiling (default 500ms)
	SignReceipts     bool          // sign every entry, not only requests asking for it
	Signer           *Signer
	Metrics          *Metrics
	Sinks            *SinkRegistry
	Clock            func() time.Time // for tests; defaults to time.Now
}

func (c Config) withDefaults() Config {
	if c.DefaultChain == "" {
		c.DefaultChain = DefaultChainID
	}
	switch {
	case c.DisableRetries:
		c.MaxRetries = 0
	case c.MaxRetries == 0:
		c.MaxRetries = 5
	}
	if c.RetryInitial == 0 {
		c.RetryInitial = 10 * time.Millisecond
	}
	if c.RetryMaxInterval == 0 {
		c.RetryMaxInterval = 500 * time.Millisecond
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// AppendRequest carries the caller-supplied fields of a new entry.
type AppendRequest struct {
	ChainID  string         `json:"chain_id" validate:"max=128"`
	Category string         `json:"category" validate:"required,max=128"`
	Actor    string         `json:"actor" validate:"required,max=256"`
	Action   string         `json:"action" validate:"required,max=256"`
	Target   string         `json:"target" validate:"max=1024"`
	Payload  map[string]any `json:"payload"`
	Severity Severity       `json:"severity" validate:"required,severity"`
	Sign     bool           `json:"sign"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("severity", func(fl validator.FieldLevel) bool {
		return Severity(fl.Field().String()).Valid()
	})
	return v
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return invalid(fe.Field(), fe.Tag())
	}
	return invalid("request", err.Error())
}

// Ledger appends hash-chained entries to a Store.
type Ledger struct {
	cfg   Config
	store Store

	mu    sync.Mutex
	locks map[string]chan struct{} // one-slot semaphore per chain
}

// New creates a ledger bound to a Store.
func New(cfg Config, st Store) (*Ledger, error) {
	if st == nil {
		return nil, invalid("store", "required")
	}
	cfg = cfg.withDefaults()
	if cfg.SignReceipts && cfg.Signer == nil {
		return nil, invalid("signer", "required when receipts are signed")
	}
	return &Ledger{cfg: cfg, store: st, locks: make(map[string]chan struct{})}, nil
}

// Store returns the underlying store.
func (l *Ledger) Store() Store { return l.store }

// Signer returns the configured receipt signer, or nil.
func (l *Ledger) Signer() *Signer { return l.cfg.Signer }

// Metrics returns the configured metrics, or nil.
func (l *Ledger) Metrics() *Metrics { return l.cfg.Metrics }

func (l *Ledger) normalize(req AppendRequest) (AppendRequest, error) {
	req.ChainID = strings.TrimSpace(req.ChainID)
	if req.ChainID == "" {
		req.ChainID = l.cfg.DefaultChain
	}
	req.Category = strings.TrimSpace(req.Category)
	req.Actor = strings.TrimSpace(req.Actor)
	req.Action = strings.TrimSpace(req.Action)
	req.Target = strings.TrimSpace(req.Target)
	for _, f := range []struct{ name, val string }{
		{"chain_id", req.ChainID},
		{"category", req.Category},
		{"actor", req.Actor},
		{"action", req.Action},
		{"target", req.Target},
	} {
		if !utf8.ValidString(f.val) {
			return req, invalid(f.name, "must be valid UTF-8")
		}
	}
	if _, err := CanonicalPayload(req.Payload); errors.Is(err, errInvalidUTF8) {
		return req, invalid("payload", "strings must be valid UTF-8")
	}
	if req.Severity != "" {
		if sev, err := ParseSeverity(string(req.Severity)); err == nil {
			req.Severity = sev
		}
	}
	if err := validate.Struct(req); err != nil {
		return req, validationError(err)
	}
	if (req.Sign || l.cfg.SignReceipts) && l.cfg.Signer == nil {
		return req, invalid("sign", "no signer configured")
	}
	return req, nil
}

func (l *Ledger) acquire(ctx context.Context, chainID string) (func(), error) {
	l.mu.Lock()
	sem, ok := l.locks[chainID]
	if !ok {
		sem = make(chan struct{}, 1)
		l.locks[chainID] = sem
	}
	l.mu.Unlock()

	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Ledger) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.cfg.RetryInitial
	b.MaxInterval = l.cfg.RetryMaxInterval
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, l.cfg.MaxRetries), ctx)
}

// Append validates, hashes, optionally signs and commits one entry.
//
// Appends to the same chain are serialized; the store's head compare-and-swap
// guards against writers in other processes. Store errors and head conflicts
// are retried with exponential backoff; when retries run out the chain is
// unchanged and the error matches ErrStoreUnavailable.
func (l *Ledger) Append(ctx context.Context, req AppendRequest) (LogEntry, error) {
	start := time.Now()
	req, err := l.normalize(req)
	if err != nil {
		return LogEntry{}, err
	}
	payload, err := NormalizePayload(req.Payload)
	if err != nil {
		return LogEntry{}, err
	}

	release, err := l.acquire(ctx, req.ChainID)
	if err != nil {
		return LogEntry{}, err
	}
	defer release()

	var committed LogEntry
	attempts := 0
	op := func() error {
		if attempts > 0 {
			l.cfg.Metrics.appendRetry()
		}
		attempts++
		head, ok, err := l.store.ChainHead(ctx, req.ChainID)
		if err != nil {
			return err
		}
		if !ok {
			head = genesisState(req.ChainID)
		}
		e, err := l.build(req, payload, head)
		if err != nil {
			return backoff.Permanent(err)
		}
		committed, err = l.store.Commit(ctx, e, head)
		if errors.Is(err, ErrValidation) {
			return backoff.Permanent(err)
		}
		if err != nil {
			log.Debugw("commit retry", "chain", req.ChainID, "attempt", attempts, "err", err)
		}
		return err
	}

	err = backoff.Retry(op, l.backOff(ctx))
	l.cfg.Metrics.appendDone(req.ChainID, time.Since(start).Seconds(), err)
	switch {
	case err == nil:
	case errors.Is(err, ErrValidation), errors.Is(err, ErrUnknownKeyVersion):
		return LogEntry{}, err
	case ctx.Err() != nil:
		return LogEntry{}, fmt.Errorf("append to %s: %w", req.ChainID, ctx.Err())
	default:
		log.Errorw("append failed", "chain", req.ChainID, "attempts", attempts, "err", err)
		return LogEntry{}, fmt.Errorf("append to %s after %d attempts: %w: %w", req.ChainID, attempts, ErrStoreUnavailable, err)
	}

	log.Debugw("appended", "chain", committed.ChainID, "id", committed.ID, "hash", committed.HashSelf)
	l.cfg.Sinks.Dispatch(committed)
	return committed, nil
}

func (l *Ledger) build(req AppendRequest, payload map[string]any, head ChainState) (LogEntry, error) {
	ts := l.cfg.Clock().UTC().Round(0)
	if ts.Before(head.LastTimestamp) {
		ts = head.LastTimestamp
	}
	e := LogEntry{
		ChainID:   req.ChainID,
		Category:  req.Category,
		Actor:     req.Actor,
		Action:    req.Action,
		Target:    req.Target,
		Payload:   payload,
		Severity:  req.Severity,
		Timestamp: ts,
		HashPrev:  head.LastHash,
	}
	h, err := ComputeHash(e)
	if err != nil {
		return LogEntry{}, invalid("payload", err.Error())
	}
	e.HashSelf = h
	if req.Sign || l.cfg.SignReceipts {
		sig, err := l.cfg.Signer.Sign(EntryReceiptPayload(e.ChainID, e.HashSelf))
		if err != nil {
			return LogEntry{}, fmt.Errorf("sign entry: %w", err)
		}
		e.Signature = sig
	}
	return e, nil
}

// Head returns the current head of chainID, or the genesis state for an empty chain.
func (l *Ledger) Head(ctx context.Context, chainID string) (ChainState, error) {
	if chainID == "" {
		chainID = l.cfg.DefaultChain
	}
	st, ok, err := l.store.ChainHead(ctx, chainID)
	if err != nil {
		return ChainState{}, fmt.Errorf("chain head %s: %w: %w", chainID, ErrStoreUnavailable, err)
	}
	if !ok {
		return genesisState(chainID), nil
	}
	return st, nil
}
