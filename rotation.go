package auditledger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// RotationPolicy decides when a raw log file is rotated and how many
// rotations are kept. With zero MaxBytes and MaxAge nothing is ever due and
// only Force rotates.
type RotationPolicy struct {
	MaxBytes int64
	MaxAge   time.Duration
	Keep     int // rotated files kept per log; default 7
}

const rotationStamp = "20060102150405"

// Rotator renames raw log files aside and prunes old rotations. It only
// touches files in its directory, never the ledger store.
type Rotator struct {
	dir     string
	policy  RotationPolicy
	clock   func() time.Time
	metrics *Metrics
}

// NewRotator returns a Rotator for log files in dir.
func NewRotator(dir string, policy RotationPolicy, m *Metrics) (*Rotator, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	if policy.Keep <= 0 {
		policy.Keep = 7
	}
	return &Rotator{dir: dir, policy: policy, clock: time.Now, metrics: m}, nil
}

// Due reports whether name needs rotating under the policy.
func (r *Rotator) Due(name string) (bool, error) {
	fi, err := os.Stat(filepath.Join(r.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if r.policy.MaxBytes > 0 && fi.Size() >= r.policy.MaxBytes {
		return true, nil
	}
	if r.policy.MaxAge > 0 && fi.Size() > 0 && r.clock().Sub(fi.ModTime()) >= r.policy.MaxAge {
		return true, nil
	}
	return false, nil
}

// Rotate renames name to name.<UTC timestamp> if the policy says so, then
// prunes rotations beyond Keep. It returns the rotated path or "".
func (r *Rotator) Rotate(name string) (string, error) {
	due, err := r.Due(name)
	if err != nil || !due {
		return "", err
	}
	return r.Force(name)
}

// Force rotates name regardless of the policy. A missing file is not an error.
func (r *Rotator) Force(name string) (string, error) {
	src := filepath.Join(r.dir, name)
	if _, err := os.Stat(src); errors.Is(err, os.ErrNotExist) {
		log.Warnw("log file does not exist for rotation", "path", src)
		return "", nil
	}
	dst := filepath.Join(r.dir, name+"."+r.clock().UTC().Format(rotationStamp))
	for i := 1; ; i++ {
		if _, err := os.Stat(dst); errors.Is(err, os.ErrNotExist) {
			break
		}
		dst = filepath.Join(r.dir, fmt.Sprintf("%s.%s-%d", name, r.clock().UTC().Format(rotationStamp), i))
	}
	if err := os.Rename(src, dst); err != nil {
		return "", fmt.Errorf("rotate %s: %w", name, err)
	}
	log.Infow("rotated log", "from", src, "to", dst)
	r.metrics.rotated()
	if err := r.prune(name); err != nil {
		return dst, err
	}
	return dst, nil
}

// Rotated lists rotations of name, newest first.
func (r *Rotator) Rotated(name string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(r.dir, name+".*"))
	if err != nil {
		return nil, err
	}
	type rotated struct {
		path string
		mod  time.Time
	}
	var rs []rotated
	for _, m := range matches {
		fi, err := os.Stat(m)
		if err != nil {
			continue
		}
		rs = append(rs, rotated{path: m, mod: fi.ModTime()})
	}
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].mod.Equal(rs[j].mod) {
			return rs[i].path > rs[j].path
		}
		return rs[i].mod.After(rs[j].mod)
	})
	out := make([]string, len(rs))
	for i, x := range rs {
		out[i] = x.path
	}
	return out, nil
}

func (r *Rotator) prune(name string) error {
	rotated, err := r.Rotated(name)
	if err != nil {
		return err
	}
	var errs []error
	for _, old := range rotated[min(len(rotated), r.policy.Keep):] {
		if err := os.Remove(old); err != nil {
			log.Errorw("delete rotated log", "path", old, "err", err)
			errs = append(errs, err)
			continue
		}
		log.Infow("deleted old rotated log", "path", old)
	}
	return errors.Join(errs...)
}
