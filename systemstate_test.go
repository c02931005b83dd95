package auditledger

import (
	"context"
	"os"
	"testing"
)

func TestHostCollector(t *testing.T) {
	t.Setenv("AUDITLEDGER_ENV", "staging")
	t.Setenv("AUDITLEDGER_SIGNING_SECRET", "do-not-record")

	tmpDir, err := os.MkdirTemp("", "auditledger-host-*")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(tmpDir)

	h := HostCollector{DiskPath: tmpDir, EnvAllow: []string{"AUDITLEDGER_ENV", "AUDITLEDGER_SIGNING_SECRET"}}
	st, err := h.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	for _, k := range []string{"collected_at", "hostname", "platform", "cpu_count", "memory", "disk", "environment"} {
		if _, ok := st[k]; !ok {
			t.Fatalf("missing %s in host state", k)
		}
	}
	env := st["environment"].(map[string]any)
	if env["AUDITLEDGER_ENV"] != "staging" {
		t.Fatalf("allowed variable not recorded: %v", env)
	}
	if _, ok := env["AUDITLEDGER_SIGNING_SECRET"]; ok {
		t.Fatal("secret variable recorded")
	}
	disk := st["disk"].(map[string]any)
	if disk["path"] != tmpDir {
		t.Fatalf("unexpected disk path %v", disk["path"])
	}
}

func TestHostCollector_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := (HostCollector{}).Collect(ctx); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestStaticState_Copies(t *testing.T) {
	s := StaticState{"a": 1}
	got, _ := s.Collect(context.Background())
	got["a"] = 2
	if s["a"] != 1 {
		t.Fatal("Collect returned the underlying map")
	}
}
