// Package auditledger is a tamper-evident audit ledger.
//
// Every entry is linked to its predecessor on the same chain:
//
//	hash_self = hex(SHA-256(hash_prev || canonical(entry)))
//
// The first entry of a chain links to GenesisHash, hex(SHA-256("")).
// Changing any hashed field of a stored entry, deleting an entry or
// reordering entries breaks the links and is reported by ChainVerifier.
//
// Storage Backends
//
// 1. MemoryStore (memory_store.go)
//   - Process memory only
//   - Best for: tests and short-lived tools
//
// 2. SQL Storage (sql_store.go)
//   - SQLite through modernc.org/sqlite, WAL mode
//   - PostgreSQL through pgx
//   - Chain heads advance by compare-and-swap, so several processes may
//     append to one database
//
// Usage:
//
//	store, err := auditledger.OpenSQLiteStore("file:audit.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close()
//
//	keys, _ := auditledger.NewDerivedKeys(secret, nil, 1)
//	signer := auditledger.NewSigner(keys)
//
//	ledger, _ := auditledger.New(auditledger.Config{Signer: signer}, store)
//	e, err := ledger.Append(ctx, auditledger.AppendRequest{
//	    Category: "auth",
//	    Actor:    "alice",
//	    Action:   "login",
//	    Severity: auditledger.SeverityInfo,
//	    Payload:  map[string]any{"ip": "10.0.0.1"},
//	    Sign:     true,
//	})
//
//	verifier := auditledger.NewChainVerifier(store, signer, nil)
//	res, err := verifier.Verify(ctx, auditledger.DefaultChainID, auditledger.Range{})
//
// Snapshots
//
// An Archiver bundles a bounded ledger slice, host state, table dumps and
// files into a deterministic tar.gz, signs its checksum and records a chain
// of custody. RetentionManager deletes old archives through the Archiver so
// that every deletion is recorded before the file disappears.
//
// Notifications
//
// Committed entries can be fanned out to webhook, protobuf and JSON lines
// sinks through a SinkRegistry. Delivery is best effort and never affects
// the ledger.
package auditledger
