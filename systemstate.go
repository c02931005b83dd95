package auditledger

import (
	"context"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/pbnjay/memory"
	sysi "github.com/whyrusleeping/go-sysinfo"
)

// SystemStateCollector produces the point-in-time host state stored in
// snapshots. Collection beyond this interface is left to implementations.
type SystemStateCollector interface {
	Collect(ctx context.Context) (map[string]any, error)
}

// DefaultEnvAllow lists the environment variables a HostCollector records
// when no allow list is configured. Secrets must never be listed.
var DefaultEnvAllow = []string{"HOSTNAME", "LANG", "TZ", "USER", "AUDITLEDGER_ENV"}

// HostCollector reports process, memory and disk state of the local host.
type HostCollector struct {
	DiskPath string   // filesystem to report; defaults to the working directory
	EnvAllow []string // environment variables to record
}

// Collect gathers host state. Probes that fail are reported as errors
// inside the result instead of failing the snapshot.
func (h HostCollector) Collect(ctx context.Context) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	hostname, _ := os.Hostname()
	out := map[string]any{
		"collected_at": time.Now().UTC().Format(TimestampFormat),
		"hostname":     hostname,
		"platform": map[string]any{
			"os":         runtime.GOOS,
			"arch":       runtime.GOARCH,
			"go_version": runtime.Version(),
		},
		"cpu_count":  runtime.NumCPU(),
		"goroutines": runtime.NumGoroutine(),
		"pid":        os.Getpid(),
	}

	mem := map[string]any{"total": memory.TotalMemory()}
	if m, err := sysi.MemoryInfo(); err == nil {
		mem["swap"] = m.Swap
		mem["used"] = m.Used
	} else {
		mem["error"] = err.Error()
	}
	var rt runtime.MemStats
	runtime.ReadMemStats(&rt)
	mem["heap_alloc"] = rt.HeapAlloc
	mem["runtime_sys"] = rt.Sys
	out["memory"] = mem

	diskPath := h.DiskPath
	if diskPath == "" {
		diskPath, _ = os.Getwd()
	}
	if d, err := sysi.DiskUsage(diskPath); err == nil {
		out["disk"] = map[string]any{
			"path":   diskPath,
			"fstype": d.FsType,
			"total":  d.Total,
			"free":   d.Free,
		}
	} else {
		out["disk"] = map[string]any{"path": diskPath, "error": err.Error()}
	}

	allow := h.EnvAllow
	if allow == nil {
		allow = DefaultEnvAllow
	}
	env := map[string]any{}
	for _, k := range allow {
		if isSecretName(k) {
			continue
		}
		if v, ok := os.LookupEnv(k); ok {
			env[k] = v
		}
	}
	out["environment"] = env
	return out, nil
}

func isSecretName(k string) bool {
	k = strings.ToUpper(k)
	for _, s := range []string{"SECRET", "PASSWORD", "TOKEN", "KEY"} {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

// StaticState is a SystemStateCollector returning fixed values.
type StaticState map[string]any

// Collect returns a copy of the fixed state.
func (s StaticState) Collect(context.Context) (map[string]any, error) {
	out := make(map[string]any, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out, nil
}
