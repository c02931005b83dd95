package auditledger

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestFileArchiveStore_CommitAndRemove(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "auditledger-archives-*")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(tmpDir)

	store, err := OpenFileArchiveStore(tmpDir)
	if err != nil {
		t.Fatalf("OpenFileArchiveStore failed: %v", err)
	}

	p, err := store.Create("snap_1")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := p.Write([]byte("archive bytes")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if _, err := os.Stat(p.Path()); !os.IsNotExist(err) {
		t.Fatal("archive visible before commit")
	}
	if err := p.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if p.Path() != filepath.Join(tmpDir, "snap_1.tar.gz") {
		t.Fatalf("unexpected path %s", p.Path())
	}

	rc, err := store.Open(p.Path())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "archive bytes" {
		t.Fatalf("unexpected content %q", data)
	}

	// Relative names resolve inside the directory.
	rc, err = store.Open("snap_1.tar.gz")
	if err != nil {
		t.Fatalf("Open relative failed: %v", err)
	}
	rc.Close()

	list, err := store.List()
	if err != nil || len(list) != 1 {
		t.Fatalf("List = %v, %v", list, err)
	}

	if _, err := store.Create("snap_1"); !errors.Is(err, os.ErrExist) {
		t.Fatalf("expected ErrExist for duplicate id, got %v", err)
	}

	if err := store.Remove(p.Path()); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if list, _ := store.List(); len(list) != 0 {
		t.Fatalf("archive still listed: %v", list)
	}
}

func TestFileArchiveStore_Abort(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "auditledger-archives-*")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(tmpDir)

	store, err := OpenFileArchiveStore(tmpDir)
	if err != nil {
		t.Fatalf("OpenFileArchiveStore failed: %v", err)
	}
	p, err := store.Create("snap_2")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := p.Write([]byte("partial")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := p.Abort(); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}
	assertNoArchives(t, tmpDir)
	// Commit after Abort is a no-op.
	if err := p.Commit(); err != nil {
		t.Fatalf("Commit after Abort failed: %v", err)
	}
	assertNoArchives(t, tmpDir)
}

func TestFileArchiveStore_Confinement(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "auditledger-archives-*")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(tmpDir)

	store, err := OpenFileArchiveStore(tmpDir)
	if err != nil {
		t.Fatalf("OpenFileArchiveStore failed: %v", err)
	}
	for _, id := range []string{"", "../escape", "a/b", ".hidden"} {
		if _, err := store.Create(id); !errors.Is(err, ErrValidation) {
			t.Fatalf("Create(%q) = %v, want ErrValidation", id, err)
		}
	}
	for _, path := range []string{"/etc/passwd", "../x.tar.gz", filepath.Join(tmpDir, "sub", "x.tar.gz"), filepath.Join(tmpDir, ".lock")} {
		if _, err := store.Open(path); !errors.Is(err, ErrValidation) {
			t.Fatalf("Open(%q) = %v, want ErrValidation", path, err)
		}
		if err := store.Remove(path); !errors.Is(err, ErrValidation) {
			t.Fatalf("Remove(%q) = %v, want ErrValidation", path, err)
		}
	}
}

func TestFileArchiveStore_ConcurrentCommits(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "auditledger-archives-*")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(tmpDir)

	// Two handles on one directory, as two processes would have.
	a, err := OpenFileArchiveStore(tmpDir)
	if err != nil {
		t.Fatal(err)
	}
	b, err := OpenFileArchiveStore(tmpDir)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := a
			if i%2 == 1 {
				s = b
			}
			p, err := s.Create("snap_c" + string(rune('a'+i)))
			if err != nil {
				errs <- err
				return
			}
			if _, err := p.Write([]byte("x")); err != nil {
				errs <- err
				return
			}
			errs <- p.Commit()
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent commit failed: %v", err)
		}
	}
	list, err := a.List()
	if err != nil || len(list) != 20 {
		t.Fatalf("expected 20 archives, got %d (%v)", len(list), err)
	}
}
