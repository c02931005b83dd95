package auditledger

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the size in bytes of receipt keys (SHA-256 output size).
const KeySize = 32

// ErrUnknownKeyVersion is returned when a receipt names a key version the provider cannot supply.
var ErrUnknownKeyVersion = errors.New("unknown key version")

// ErrMalformedReceipt is returned for receipts that are not of the form v<N>:<hex>.
var ErrMalformedReceipt = errors.New("malformed receipt")

// KeyProvider supplies versioned signing keys. Keys never leave the provider
// except to compute a MAC; they are not stored in entries or snapshots.
type KeyProvider interface {
	Current() uint32
	Key(version uint32) ([]byte, error)
}

// StaticKeys is a KeyProvider over explicitly supplied key versions.
type StaticKeys struct {
	mu      sync.RWMutex
	current uint32
	keys    map[uint32][]byte
}

// NewStaticKeys returns a provider signing with version current.
func NewStaticKeys(current uint32, keys map[uint32][]byte) (*StaticKeys, error) {
	if _, ok := keys[current]; !ok {
		return nil, fmt.Errorf("current version %d: %w", current, ErrUnknownKeyVersion)
	}
	cp := make(map[uint32][]byte, len(keys))
	for v, k := range keys {
		if len(k) == 0 {
			return nil, invalid("keys", fmt.Sprintf("version %d is empty", v))
		}
		cp[v] = append([]byte(nil), k...)
	}
	return &StaticKeys{current: current, keys: cp}, nil
}

// Current returns the version new receipts are signed with.
func (s *StaticKeys) Current() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Key returns the key for version.
func (s *StaticKeys) Key(version uint32) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[version]
	if !ok {
		return nil, fmt.Errorf("v%d: %w", version, ErrUnknownKeyVersion)
	}
	return k, nil
}

// Rotate adds key as version and makes it current. Older versions keep verifying.
func (s *StaticKeys) Rotate(version uint32, key []byte) error {
	if len(key) == 0 {
		return invalid("key", "empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if version <= s.current {
		return invalid("version", fmt.Sprintf("must be greater than %d", s.current))
	}
	s.keys[version] = append([]byte(nil), key...)
	s.current = version
	return nil
}

// DerivedKeys derives every key version from one deployment secret with HKDF-SHA256.
type DerivedKeys struct {
	mu      sync.Mutex
	secret  []byte
	salt    []byte
	current uint32
	cache   map[uint32][]byte
}

// NewDerivedKeys returns a provider whose version v key is
// HKDF-SHA256(secret, salt, "auditledger-receipt-v<v>").
func NewDerivedKeys(secret, salt []byte, current uint32) (*DerivedKeys, error) {
	if len(secret) < 16 {
		return nil, invalid("secret", "must be at least 16 bytes")
	}
	if current == 0 {
		return nil, invalid("version", "must be at least 1")
	}
	return &DerivedKeys{
		secret:  append([]byte(nil), secret...),
		salt:    append([]byte(nil), salt...),
		current: current,
		cache:   make(map[uint32][]byte),
	}, nil
}

// Current returns the version new receipts are signed with.
func (d *DerivedKeys) Current() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

// Key derives (and caches) the key for version. Versions above current are refused.
func (d *DerivedKeys) Key(version uint32) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if version == 0 || version > d.current {
		return nil, fmt.Errorf("v%d: %w", version, ErrUnknownKeyVersion)
	}
	if k, ok := d.cache[version]; ok {
		return k, nil
	}
	info := []byte("auditledger-receipt-v" + strconv.FormatUint(uint64(version), 10))
	k := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, d.secret, d.salt, info), k); err != nil {
		return nil, fmt.Errorf("derive v%d: %w", version, err)
	}
	d.cache[version] = k
	return k, nil
}

// Rotate makes version current.
func (d *DerivedKeys) Rotate(version uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if version <= d.current {
		return invalid("version", fmt.Sprintf("must be greater than %d", d.current))
	}
	d.current = version
	return nil
}

// Signer issues and checks HMAC-SHA256 receipts of the form v<N>:<hex>.
type Signer struct {
	keys KeyProvider
}

// NewSigner returns a Signer over keys.
func NewSigner(keys KeyProvider) *Signer {
	return &Signer{keys: keys}
}

// Sign returns a receipt over payload with the current key.
func (s *Signer) Sign(payload []byte) (string, error) {
	v := s.keys.Current()
	key, err := s.keys.Key(v)
	if err != nil {
		return "", err
	}
	return formatReceipt(v, mac(key, payload)), nil
}

// Verify reports whether sig is a valid receipt over payload under the key version it names.
func (s *Signer) Verify(payload []byte, sig string) bool {
	v, tag, err := parseReceipt(sig)
	if err != nil {
		return false
	}
	key, err := s.keys.Key(v)
	if err != nil {
		return false
	}
	return hmac.Equal(mac(key, payload), tag)
}

// KeyVersionOf returns the key version a receipt was signed with.
func KeyVersionOf(sig string) (uint32, error) {
	v, _, err := parseReceipt(sig)
	return v, err
}

// EntryReceiptPayload is what an entry receipt covers.
func EntryReceiptPayload(chainID, hashSelf string) []byte {
	return []byte(chainID + ":" + hashSelf)
}

func mac(key []byte, parts ...[]byte) []byte {
	m := hmac.New(sha256.New, key)
	for _, p := range parts {
		m.Write(p)
	}
	return m.Sum(nil)
}

func formatReceipt(version uint32, tag []byte) string {
	return "v" + strconv.FormatUint(uint64(version), 10) + ":" + hex.EncodeToString(tag)
}

func parseReceipt(sig string) (uint32, []byte, error) {
	head, body, ok := strings.Cut(sig, ":")
	if !ok || len(head) < 2 || head[0] != 'v' {
		return 0, nil, ErrMalformedReceipt
	}
	v, err := strconv.ParseUint(head[1:], 10, 32)
	if err != nil || strconv.FormatUint(v, 10) != head[1:] {
		return 0, nil, ErrMalformedReceipt
	}
	// Only the exact lowercase form is accepted, so a receipt has one spelling.
	tag, err := hex.DecodeString(body)
	if err != nil || len(tag) != sha256.Size || hex.EncodeToString(tag) != body {
		return 0, nil, ErrMalformedReceipt
	}
	return uint32(v), tag, nil
}
