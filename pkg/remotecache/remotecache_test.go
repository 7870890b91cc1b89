package remotecache_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agenthands/remotecache/internal/testkit"
	"github.com/agenthands/remotecache/pkg/actionresult"
	"github.com/agenthands/remotecache/pkg/backend"
	"github.com/agenthands/remotecache/pkg/core"
	"github.com/agenthands/remotecache/pkg/digest"
	"github.com/agenthands/remotecache/pkg/remotecache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

const sampleConfig = `
backend: local_disk
staging_dir: %STAGING%
local_disk:
  dir: %ROOT%
  engine: bolt
  transform:
    name: zstd
    zstd_level: 3
fetch:
  timeout: 30s
  user_agent: test-agent
limits:
  max_output_files: 1000
metrics:
  enabled: true
  namespace: rc
sweep:
  enabled: true
  run_every: 1h
  max_age: 2h
`

func writeConfig(t *testing.T, staging, root string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "remotecache.yaml")
	text := strings.NewReplacer("%STAGING%", staging, "%ROOT%", root).Replace(sampleConfig)
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := remotecache.LoadConfig(writeConfig(t, "/var/tmp/staging", "/var/lib/rc"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Backend != core.BackendLocalDisk {
		t.Errorf("expected backend %s, got %s", core.BackendLocalDisk, cfg.Backend)
	}
	if cfg.LocalDisk.Dir != "/var/lib/rc" || cfg.LocalDisk.Engine != "bolt" {
		t.Errorf("unexpected local_disk section %+v", cfg.LocalDisk)
	}
	if cfg.LocalDisk.Transform.Name != "zstd" {
		t.Errorf("expected zstd transform, got %q", cfg.LocalDisk.Transform.Name)
	}
	if cfg.Fetch.Timeout != 30*time.Second {
		t.Errorf("expected fetch timeout 30s, got %v", cfg.Fetch.Timeout)
	}
	if cfg.Limits.MaxOutputFiles != 1000 {
		t.Errorf("expected max_output_files 1000, got %d", cfg.Limits.MaxOutputFiles)
	}
	if !cfg.Metrics.Enabled {
		t.Error("expected metrics enabled")
	}
	if cfg.Sweep.MaxAge != 2*time.Hour {
		t.Errorf("expected sweep max_age 2h, got %v", cfg.Sweep.MaxAge)
	}

	if _, err := remotecache.ParseConfig([]byte("backend: memory\nbogus_key: 1\n")); !errors.Is(err, core.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for unknown key, got %v", err)
	}
	if _, err := remotecache.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, core.ErrIO) {
		t.Errorf("expected ErrIO for missing file, got %v", err)
	}
}

func TestOpen_LocalDiskFromConfig(t *testing.T) {
	ctx := context.Background()
	tmp := t.TempDir()
	cfg, err := remotecache.LoadConfig(writeConfig(t, filepath.Join(tmp, "staging"), filepath.Join(tmp, "root")))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	reg := prometheus.NewRegistry()
	c, err := remotecache.Open(ctx, cfg, remotecache.Options{Registerer: reg})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer c.Close()

	d, err := c.Ingest(ctx, strings.NewReader("hello world"), nil)
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if d.Hash != testkit.HelloWorldHash {
		t.Errorf("expected %s, got %s", testkit.HelloWorldHash, d.Hash)
	}

	got, ok, err := backend.ReadBlob(ctx, c.Backend(), d)
	if err != nil || !ok {
		t.Fatalf("ReadBlob failed: ok=%v err=%v", ok, err)
	}
	if string(got) != "hello world" {
		t.Errorf("unexpected content %q", got)
	}

	ar := &actionresult.ActionResult{ExitCode: 0, StdoutRaw: []byte("ok\n")}
	action := digest.FromBytes([]byte("compile main.cc"))
	if _, err := c.Backend().PutActionResult(ctx, action, ar); err != nil {
		t.Fatalf("PutActionResult failed: %v", err)
	}

	n, err := testutil.GatherAndCount(reg, "rc_backend_operations_total")
	if err != nil {
		t.Fatalf("GatherAndCount failed: %v", err)
	}
	if n == 0 {
		t.Error("expected operation counters to be registered")
	}

	if _, err := os.Stat(filepath.Join(tmp, "root", "database")); err != nil {
		t.Errorf("expected catalog database under the root: %v", err)
	}
}

func TestOpen_Defaults(t *testing.T) {
	ctx := context.Background()
	c, err := remotecache.Open(ctx, remotecache.Config{StagingDir: t.TempDir()}, remotecache.Options{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer c.Close()
	if c.Config().Backend != core.BackendMemory {
		t.Errorf("expected memory backend by default, got %s", c.Config().Backend)
	}

	if _, err := remotecache.Open(ctx, remotecache.Config{Backend: "tape"}, remotecache.Options{}); !errors.Is(err, core.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for unknown backend, got %v", err)
	}
	if _, err := remotecache.Open(ctx, remotecache.Config{Backend: core.BackendLocalDisk}, remotecache.Options{}); !errors.Is(err, core.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for local_disk without a dir, got %v", err)
	}
}

func TestCache_FetchExportImport(t *testing.T) {
	ctx := context.Background()
	body := testkit.CompressibleBytes(testkit.RNG(4), 10000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/start" {
			http.Redirect(w, r, "/archive.tar", http.StatusFound)
			return
		}
		w.Write(body)
	}))
	defer srv.Close()

	src, err := remotecache.Open(ctx, remotecache.Config{StagingDir: t.TempDir()}, remotecache.Options{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer src.Close()

	want := digest.FromBytes(body)
	d, err := src.Fetch(ctx, []string{srv.URL + "/start"}, want.Hash)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if d != want {
		t.Errorf("expected %v, got %v", want, d)
	}

	car := filepath.Join(t.TempDir(), "seed.car")
	stats, err := src.Export(ctx, car)
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if stats.Blobs != 1 {
		t.Errorf("expected 1 exported blob, got %d", stats.Blobs)
	}

	dst, err := remotecache.Open(ctx, remotecache.Config{
		StagingDir: t.TempDir(),
		LocalDisk:  remotecache.LocalDiskConfig{Dir: t.TempDir()},
	}, remotecache.Options{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer dst.Close()
	if dst.Config().Backend != core.BackendLocalDisk {
		t.Errorf("expected a local_disk dir to select local_disk, got %s", dst.Config().Backend)
	}

	if _, err := dst.Import(ctx, car); err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	got, ok, err := backend.ReadBlob(ctx, dst.Backend(), want)
	if err != nil || !ok {
		t.Fatalf("ReadBlob failed: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(body, got) {
		t.Error("imported content mismatch")
	}
}

func TestCache_Sweep(t *testing.T) {
	staging := t.TempDir()
	c, err := remotecache.Open(context.Background(), remotecache.Config{
		StagingDir: staging,
		Sweep:      remotecache.SweepConfig{MaxAge: time.Minute},
	}, remotecache.Options{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer c.Close()

	stale := filepath.Join(staging, core.TempPrefix+"crashed")
	if err := os.WriteFile(stale, []byte("partial"), 0o600); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatal(err)
	}

	res, err := c.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if res.Removed != 1 {
		t.Errorf("expected 1 removed, got %d", res.Removed)
	}
}
