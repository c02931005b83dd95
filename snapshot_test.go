package auditledger

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"
)

//revive:disable:cyclomatic High complexity acceptable in tests
//revive:disable:cognitive-complexity High complexity acceptable in tests
//revive:disable:function-length Long test functions are acceptable

type archiverFixture struct {
	store    *MemoryStore
	ledger   *Ledger
	archiver *Archiver
	signer   *Signer
	dir      string
}

func newArchiverFixture(t *testing.T, mutate func(*ArchiverConfig)) *archiverFixture {
	t.Helper()
	dir, err := os.MkdirTemp("", "auditledger-snapshot-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	archives, err := OpenFileArchiveStore(dir)
	if err != nil {
		t.Fatalf("OpenFileArchiveStore failed: %v", err)
	}
	store := NewMemoryStore()
	signer := testSigner(t)
	cfg := ArchiverConfig{
		Store:      store,
		Catalog:    store,
		Dumper:     store,
		Archives:   archives,
		Signer:     signer,
		System:     StaticState{"hostname": "node-1", "cpu_percent": 12.5},
		Deployment: map[string]any{"node": "node-1", "environment": "test"},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	a, err := NewArchiver(cfg)
	if err != nil {
		t.Fatalf("NewArchiver failed: %v", err)
	}
	return &archiverFixture{
		store:    store,
		ledger:   newTestLedger(t, store, Config{}),
		archiver: a,
		signer:   signer,
		dir:      dir,
	}
}

func custodyActions(s Snapshot) []string {
	out := make([]string, len(s.ChainOfCustody))
	for i, r := range s.ChainOfCustody {
		out[i] = r.Action
	}
	return out
}

func readAll(t *testing.T, rc io.ReadCloser) []byte {
	t.Helper()
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read archive failed: %v", err)
	}
	return data
}

func TestSnapshot_BurstThenForensicBundle(t *testing.T) {
	fx := newArchiverFixture(t, nil)
	ctx := context.Background()

	a := appendSeverity(t, fx.ledger, "agent-1", SeverityInfo, map[string]any{"step": "a"})
	b := appendSeverity(t, fx.ledger, "agent-1", SeverityCritical, map[string]any{"step": "b"})
	c := appendSeverity(t, fx.ledger, "agent-1", SeverityCritical, map[string]any{"step": "c"})

	burst, err := NewScanner(fx.store).ScanBurst(ctx, "agent-1", 3, 1)
	if err != nil {
		t.Fatalf("ScanBurst failed: %v", err)
	}
	if len(burst) != 2 || burst[0].ID != b.ID || burst[1].ID != c.ID {
		t.Fatalf("expected [B, C], got %v", ids(burst))
	}

	snap, err := fx.archiver.Create(ctx, "analyst", SnapshotRequest{
		Type:        SnapshotForensic,
		Description: "burst from agent-1",
		Components:  []string{ComponentLedger},
		ChainID:     DefaultChainID,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if snap.Status != SnapshotCompleted {
		t.Fatalf("expected completed, got %s", snap.Status)
	}
	if got := custodyActions(snap); len(got) != 3 ||
		got[0] != CustodyCreated || got[1] != CustodyCollected || got[2] != CustodyCompleted {
		t.Fatalf("unexpected custody %v", got)
	}
	if len(snap.Components) != 1 || snap.Components[0] != ComponentLedger {
		t.Fatalf("unexpected components %v", snap.Components)
	}

	rc, opened, err := fx.archiver.Open(ctx, snap.ID)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	data := readAll(t, rc)
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != snap.Checksum || opened.Checksum != snap.Checksum {
		t.Fatal("checksum of downloaded archive does not match the catalog")
	}
	if int64(len(data)) != snap.SizeBytes {
		t.Fatalf("size %d, catalog says %d", len(data), snap.SizeBytes)
	}
	if !fx.signer.Verify(SignaturePayload(snap.ID, snap.Checksum, snap.SignedAt), snap.Signature) {
		t.Fatal("snapshot signature does not verify")
	}

	contents, err := ReadArchive(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("ReadArchive failed: %v", err)
	}
	if len(contents.Ledger) != 3 {
		t.Fatalf("expected exactly A, B, C, got %v", ids(contents.Ledger))
	}
	for i, want := range []LogEntry{a, b, c} {
		got := contents.Ledger[i]
		if got.ID != want.ID || got.HashPrev != want.HashPrev || got.HashSelf != want.HashSelf {
			t.Fatalf("entry %d changed in bundle: %+v", want.ID, got)
		}
	}
	if contents.SystemState != nil || contents.StoreDump != nil {
		t.Fatal("bundle holds components that were not requested")
	}
	if len(contents.ChainOfCustody) != 2 {
		t.Fatalf("bundled custody should end at collected, got %d records", len(contents.ChainOfCustody))
	}
	if contents.Metadata["id"] != snap.ID || contents.Metadata["created_by"] != "analyst" {
		t.Fatalf("unexpected bundle metadata %v", contents.Metadata)
	}
	if _, ok := contents.Metadata["deployment"]; !ok {
		t.Fatal("deployment identity missing from metadata")
	}

	rep, err := fx.archiver.VerifyArchive(ctx, snap.ID)
	if err != nil {
		t.Fatalf("VerifyArchive failed: %v", err)
	}
	if !rep.ChecksumValid || !rep.SignatureOK || !rep.LedgerValid || rep.Entries != 3 {
		t.Fatalf("unexpected archive report %+v", rep)
	}

	deleted, err := fx.archiver.Delete(ctx, "analyst", snap.ID)
	if err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if got := custodyActions(deleted); len(got) != 4 || got[3] != CustodyDeleted {
		t.Fatalf("expected fourth custody record to be deleted, got %v", got)
	}
	if deleted.Status != SnapshotDeleted {
		t.Fatalf("expected deleted, got %s", deleted.Status)
	}
	if _, err := os.Stat(snap.ArchivePath); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("archive file still present: %v", err)
	}
	if _, _, err := fx.archiver.Open(ctx, snap.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound opening deleted snapshot, got %v", err)
	}
	if _, err := fx.archiver.Delete(ctx, "analyst", snap.ID); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation deleting twice, got %v", err)
	}
}

func TestSnapshot_AllComponents(t *testing.T) {
	fx := newArchiverFixture(t, nil)
	ctx := context.Background()
	seedChain(t, fx.ledger, 4)

	evidence := filepath.Join(fx.dir, "evidence.txt")
	if err := os.WriteFile(evidence, []byte("raw evidence"), 0600); err != nil {
		t.Fatal(err)
	}

	snap, err := fx.archiver.Create(ctx, "analyst", SnapshotRequest{
		Components: []string{ComponentFiles, ComponentStoreDump, ComponentSystemState, ComponentLedger, ComponentLedger},
		Tables:     []string{TableEntries, TableChains},
		FilePaths:  []string{evidence},
		MaxEntries: 2,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if snap.Type != SnapshotOnDemand {
		t.Fatalf("expected default type on-demand, got %s", snap.Type)
	}
	if len(snap.Components) != 4 {
		t.Fatalf("components not deduplicated: %v", snap.Components)
	}

	rc, _, err := fx.archiver.Open(ctx, snap.ID)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	contents, err := ReadArchive(bytes.NewReader(readAll(t, rc)))
	if err != nil {
		t.Fatalf("ReadArchive failed: %v", err)
	}
	if len(contents.Ledger) != 2 || contents.Ledger[0].ID != 3 || contents.Ledger[1].ID != 4 {
		t.Fatalf("expected the 2 most recent entries ascending, got %v", ids(contents.Ledger))
	}
	if contents.SystemState["hostname"] != "node-1" {
		t.Fatalf("system state missing: %v", contents.SystemState)
	}
	if len(contents.StoreDump[TableEntries]) != 4 || len(contents.StoreDump[TableChains]) != 1 {
		t.Fatalf("unexpected store dump %v", contents.StoreDump)
	}
	if string(contents.Files["00_evidence.txt"]) != "raw evidence" {
		t.Fatalf("file not bundled: %v", contents.Files)
	}
	if snap.Metadata["slice_count"] == nil || snap.Metadata["slice_upper_id"] == nil {
		t.Fatalf("slice bounds missing from metadata: %v", snap.Metadata)
	}
}

type failingState struct{}

func (failingState) Collect(context.Context) (map[string]any, error) {
	return nil, errors.New("metrics endpoint unreachable")
}

func TestSnapshot_CollectFailureLeavesNoArchive(t *testing.T) {
	fx := newArchiverFixture(t, func(c *ArchiverConfig) { c.System = failingState{} })
	ctx := context.Background()
	seedChain(t, fx.ledger, 2)

	_, err := fx.archiver.Create(ctx, "analyst", SnapshotRequest{})
	if !errors.Is(err, ErrSnapshotFailed) {
		t.Fatalf("expected ErrSnapshotFailed, got %v", err)
	}
	var sf *SnapshotFailure
	if !errors.As(err, &sf) || sf.Stage != SnapshotCollecting {
		t.Fatalf("expected failure while collecting, got %v", err)
	}

	snap, err := fx.archiver.Get(ctx, sf.SnapshotID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if snap.Status != SnapshotFailed || snap.Metadata["failure_reason"] == nil {
		t.Fatalf("failure not recorded: %+v", snap)
	}
	if got := custodyActions(snap); got[len(got)-1] != CustodyFailed {
		t.Fatalf("expected failed custody record, got %v", got)
	}
	assertNoArchives(t, fx.dir)

	if _, _, err := fx.archiver.Open(ctx, snap.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound opening failed snapshot, got %v", err)
	}
}

// failingCatalog rejects the status update that follows writing the archive.
type failingCatalog struct {
	SnapshotCatalog
	failOn SnapshotStatus
}

func (c *failingCatalog) PutSnapshot(ctx context.Context, s Snapshot) error {
	if s.Status == c.failOn {
		return errors.New("catalog write failed")
	}
	return c.SnapshotCatalog.PutSnapshot(ctx, s)
}

func TestSnapshot_PackagedFailureRemovesPartialFile(t *testing.T) {
	var fc *failingCatalog
	fx := newArchiverFixture(t, func(c *ArchiverConfig) {
		fc = &failingCatalog{SnapshotCatalog: c.Catalog, failOn: SnapshotSigned}
		c.Catalog = fc
	})
	seedChain(t, fx.ledger, 2)

	_, err := fx.archiver.Create(context.Background(), "analyst", SnapshotRequest{})
	var sf *SnapshotFailure
	if !errors.As(err, &sf) || sf.Stage != SnapshotSigned {
		t.Fatalf("expected failure while signing, got %v", err)
	}
	assertNoArchives(t, fx.dir)

	snap, err := fx.store.GetSnapshot(context.Background(), sf.SnapshotID)
	if err != nil {
		t.Fatalf("GetSnapshot failed: %v", err)
	}
	if snap.Status != SnapshotFailed || snap.ArchivePath != "" {
		t.Fatalf("expected failed snapshot without archive path, got %+v", snap)
	}
}

func assertNoArchives(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Name() != lockFileName {
			t.Fatalf("unexpected file left behind: %s", e.Name())
		}
	}
}

func TestSnapshot_Validation(t *testing.T) {
	fx := newArchiverFixture(t, func(c *ArchiverConfig) { c.Dumper = nil })
	ctx := context.Background()

	for _, req := range []SnapshotRequest{
		{Type: "weekly"},
		{Components: []string{"kernel"}},
		{Components: []string{ComponentFiles}},
		{Components: []string{ComponentStoreDump}},
	} {
		if _, err := fx.archiver.Create(ctx, "analyst", req); !errors.Is(err, ErrValidation) {
			t.Fatalf("Create(%+v) = %v, want ErrValidation", req, err)
		}
	}
	if _, err := fx.archiver.Create(ctx, "", SnapshotRequest{}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for missing actor, got %v", err)
	}
	if _, err := fx.archiver.Get(ctx, "snap_missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := NewArchiver(ArchiverConfig{}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for empty config, got %v", err)
	}
}

func TestSnapshot_List(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	fx := newArchiverFixture(t, func(c *ArchiverConfig) { c.Clock = func() time.Time { return now } })
	ctx := context.Background()

	first, err := fx.archiver.Create(ctx, "analyst", SnapshotRequest{Type: SnapshotPeriodic})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	now = now.Add(time.Hour)
	second, err := fx.archiver.Create(ctx, "analyst", SnapshotRequest{Type: SnapshotForensic})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	all, err := fx.archiver.List(ctx, SnapshotFilter{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 2 || all[0].ID != second.ID || all[1].ID != first.ID {
		t.Fatalf("expected newest first, got %d records", len(all))
	}
	periodic, err := fx.archiver.List(ctx, SnapshotFilter{Type: SnapshotPeriodic})
	if err != nil || len(periodic) != 1 || periodic[0].ID != first.ID {
		t.Fatalf("type filter failed: %v", err)
	}
	paged, err := fx.archiver.List(ctx, SnapshotFilter{Offset: 1, Limit: 1})
	if err != nil || len(paged) != 1 || paged[0].ID != first.ID {
		t.Fatalf("paging failed: %v", err)
	}
}

func TestSnapshot_VerifyArchiveDetectsCorruption(t *testing.T) {
	fx := newArchiverFixture(t, nil)
	ctx := context.Background()
	seedChain(t, fx.ledger, 3)

	snap, err := fx.archiver.Create(ctx, "analyst", SnapshotRequest{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	data, err := os.ReadFile(snap.ArchivePath)
	if err != nil {
		t.Fatal(err)
	}
	data[len(data)/2] ^= 0x01
	if err := os.WriteFile(snap.ArchivePath, data, 0600); err != nil {
		t.Fatal(err)
	}

	rep, err := fx.archiver.VerifyArchive(ctx, snap.ID)
	if !errors.Is(err, ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity, got %v", err)
	}
	if rep.ChecksumValid {
		t.Fatal("corrupted archive reported a valid checksum")
	}
	var iv *IntegrityViolation
	if !errors.As(err, &iv) || iv.Reason != ReasonChecksumMismatch {
		t.Fatalf("expected checksum-mismatch, got %v", err)
	}
}

func TestSnapshot_VerifyArchiveDetectsForgedSignature(t *testing.T) {
	fx := newArchiverFixture(t, nil)
	ctx := context.Background()
	seedChain(t, fx.ledger, 2)

	snap, err := fx.archiver.Create(ctx, "analyst", SnapshotRequest{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if snap.Signature, err = fx.signer.Sign([]byte("something else")); err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if err := fx.store.PutSnapshot(ctx, snap); err != nil {
		t.Fatalf("PutSnapshot failed: %v", err)
	}

	rep, err := fx.archiver.VerifyArchive(ctx, snap.ID)
	if !errors.Is(err, ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity, got %v", err)
	}
	if !rep.ChecksumValid || rep.SignatureOK {
		t.Fatalf("expected only the signature to fail, got %+v", rep)
	}
	var iv *IntegrityViolation
	if !errors.As(err, &iv) || iv.Reason != ReasonSignatureMismatch {
		t.Fatalf("expected signature-mismatch, got %v", err)
	}
}

func TestPack_Deterministic(t *testing.T) {
	mtime := time.Date(2025, 1, 2, 3, 4, 5, 600, time.UTC)
	build := func(note string) *bundle {
		return &bundle{
			metadata:  map[string]any{"id": "snap_x", "note": note},
			ledger:    []LogEntry{{ID: 1, ChainID: "audit", HashPrev: GenesisHash, Payload: map[string]any{"k": "v"}}},
			hasLedger: true,
			system:    map[string]any{"b": 2, "a": 1},
			files:     []bundleFile{{name: "00_f", data: []byte("data")}},
			custody:   []CustodyRecord{{Timestamp: mtime, Actor: "x", Action: CustodyCreated}},
		}
	}
	one, err := build("same").pack("snap_x", mtime)
	if err != nil {
		t.Fatalf("pack failed: %v", err)
	}
	two, err := build("same").pack("snap_x", mtime)
	if err != nil {
		t.Fatalf("pack failed: %v", err)
	}
	if !bytes.Equal(one, two) {
		t.Fatal("equal bundles packed to different bytes")
	}

	changed, err := build("samf").pack("snap_x", mtime)
	if err != nil {
		t.Fatalf("pack failed: %v", err)
	}
	if sha256.Sum256(one) == sha256.Sum256(changed) {
		t.Fatal("changing a component byte did not change the checksum")
	}

	b, err := unpack(one)
	if err != nil {
		t.Fatalf("unpack failed: %v", err)
	}
	if len(b.ledger) != 1 || b.metadata["note"] != "same" || string(b.files[0].data) != "data" {
		t.Fatalf("unpack lost content: %+v", b)
	}
}
