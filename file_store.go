package auditledger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/facebookgo/atomicfile"
)

// ArchiveStore holds snapshot archive files.
type ArchiveStore interface {
	Create(snapshotID string) (PendingArchive, error)
	Open(path string) (io.ReadCloser, error)
	Remove(path string) error
	List() ([]string, error)
}

// PendingArchive is an archive being written. Nothing is visible at Path
// until Commit succeeds; Abort discards the partial file.
type PendingArchive interface {
	io.Writer
	Path() string
	Commit() error
	Abort() error
}

const (
	archiveExt   = ".tar.gz"
	lockFileName = ".lock"
)

// fileArchiveStore keeps archives as <dir>/<snapshot id>.tar.gz.
//
// Writes go to a temporary file renamed into place on commit, and commits
// and removals hold an exclusive flock on <dir>/.lock so that several
// processes can share one archive directory.
type fileArchiveStore struct {
	dir string
}

// OpenFileArchiveStore creates or opens an archive directory.
func OpenFileArchiveStore(dir string) (ArchiveStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}
	lock, err := os.OpenFile(filepath.Join(dir, lockFileName), os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	_ = lock.Close()
	return &fileArchiveStore{dir: dir}, nil
}

func (s *fileArchiveStore) withLock(fn func() error) error {
	lock, err := os.OpenFile(filepath.Join(s.dir, lockFileName), os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	defer lock.Close()
	if err := syscall.Flock(int(lock.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("lock archive dir: %w", err)
	}
	defer syscall.Flock(int(lock.Fd()), syscall.LOCK_UN)
	return fn()
}

// path confines an archive path to the store directory.
func (s *fileArchiveStore) path(p string) (string, error) {
	if !filepath.IsAbs(p) {
		p = filepath.Join(s.dir, p)
	}
	clean := filepath.Clean(p)
	if filepath.Dir(clean) != filepath.Clean(s.dir) || !strings.HasSuffix(clean, archiveExt) {
		return "", invalid("path", "outside archive directory: "+p)
	}
	return clean, nil
}

// Create starts an archive for snapshotID.
func (s *fileArchiveStore) Create(snapshotID string) (PendingArchive, error) {
	if snapshotID == "" || strings.ContainsAny(snapshotID, `/\`) || strings.HasPrefix(snapshotID, ".") {
		return nil, invalid("snapshot_id", "not usable as a file name")
	}
	p := filepath.Join(s.dir, snapshotID+archiveExt)
	if _, err := os.Stat(p); err == nil {
		return nil, fmt.Errorf("archive %s: %w", p, os.ErrExist)
	}
	f, err := atomicfile.New(p, 0600)
	if err != nil {
		return nil, fmt.Errorf("create archive: %w", err)
	}
	return &pendingFile{store: s, f: f, path: p}, nil
}

type pendingFile struct {
	store *fileArchiveStore
	f     *atomicfile.File
	path  string
	done  bool
}

func (p *pendingFile) Write(b []byte) (int, error) { return p.f.Write(b) }

func (p *pendingFile) Path() string { return p.path }

// Commit syncs the temporary file and renames it into place.
func (p *pendingFile) Commit() error {
	if p.done {
		return nil
	}
	return p.store.withLock(func() error {
		if err := p.f.Sync(); err != nil {
			_ = p.f.Abort()
			p.done = true
			return fmt.Errorf("sync archive: %w", err)
		}
		p.done = true
		if err := p.f.Close(); err != nil {
			return fmt.Errorf("commit archive: %w", err)
		}
		return syncDir(p.store.dir)
	})
}

// Abort removes the temporary file.
func (p *pendingFile) Abort() error {
	if p.done {
		return nil
	}
	p.done = true
	return p.f.Abort()
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync dir: %w", err)
	}
	return nil
}

// Open opens a committed archive for reading.
func (s *fileArchiveStore) Open(path string) (io.ReadCloser, error) {
	p, err := s.path(path)
	if err != nil {
		return nil, err
	}
	return os.Open(p)
}

// Remove deletes a committed archive.
func (s *fileArchiveStore) Remove(path string) error {
	p, err := s.path(path)
	if err != nil {
		return err
	}
	return s.withLock(func() error {
		if err := os.Remove(p); err != nil {
			return err
		}
		return syncDir(s.dir)
	})
}

// List returns the paths of committed archives, sorted.
func (s *fileArchiveStore) List() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*"+archiveExt))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}
