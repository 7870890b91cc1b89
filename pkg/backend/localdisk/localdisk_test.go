package localdisk_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/agenthands/remotecache/internal/testkit"
	"github.com/agenthands/remotecache/pkg/actionresult"
	"github.com/agenthands/remotecache/pkg/backend"
	"github.com/agenthands/remotecache/pkg/backend/localdisk"
	"github.com/agenthands/remotecache/pkg/catalog"
	"github.com/agenthands/remotecache/pkg/core"
	"github.com/agenthands/remotecache/pkg/digest"
)

func openBackend(t *testing.T, cfg core.LocalDiskConfig) *localdisk.Backend {
	t.Helper()
	b, err := localdisk.Open(cfg, actionresult.NewCodec(core.LimitsConfig{}), nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestLocalDiskBackend(t *testing.T) {
	configs := map[string]core.LocalDiskConfig{
		"pebble":      {Engine: catalog.EnginePebble},
		"badger":      {Engine: catalog.EngineBadger},
		"bolt":        {Engine: catalog.EngineBolt},
		"pebble-zstd": {Engine: catalog.EnginePebble, Transform: core.TransformConfig{Name: "zstd", ZstdLevel: 3}},
	}
	for name, cfg := range configs {
		t.Run(name, func(t *testing.T) {
			testkit.RunBackendSuite(t, func(t *testing.T) backend.Backend {
				c := cfg
				c.Dir = t.TempDir()
				return openBackend(t, c)
			})
		})
	}
}

func TestLocalDisk_Layout(t *testing.T) {
	dir := t.TempDir()
	b := openBackend(t, core.LocalDiskConfig{Dir: dir})

	for _, sub := range []string{localdisk.DatabaseDir, localdisk.LargeBlobDir} {
		if fi, err := os.Stat(filepath.Join(dir, sub)); err != nil || !fi.IsDir() {
			t.Errorf("expected directory %s: %v", sub, err)
		}
	}

	d := digest.FromBytes([]byte("hello world"))
	if err := b.CASInsert(context.Background(), d, backend.InMemory([]byte("hello world"))); err != nil {
		t.Fatal(err)
	}
	p := filepath.Join(dir, localdisk.LargeBlobDir, d.Hash[:2], d.Hash)
	got, err := os.ReadFile(p)
	if err != nil || string(got) != "hello world" {
		t.Errorf("expected raw blob file at %s: %q err=%v", p, got, err)
	}
}

func TestLocalDisk_SurvivesRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	codec := actionresult.NewCodec(core.LimitsConfig{})

	b, err := localdisk.Open(core.LocalDiskConfig{Dir: dir, SyncWrite: true}, codec, nil)
	if err != nil {
		t.Fatal(err)
	}
	d := digest.FromBytes([]byte("durable"))
	if err := b.CASInsert(ctx, d, backend.InMemory([]byte("durable"))); err != nil {
		t.Fatal(err)
	}
	action := digest.FromBytes([]byte("action"))
	if _, err := b.PutActionResult(ctx, action, &actionresult.ActionResult{ExitCode: 3}); err != nil {
		t.Fatal(err)
	}
	if err := b.PutKV(ctx, []byte("k"), []byte("v")); err != nil {
		t.Fatal(err)
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}

	b = openBackend(t, core.LocalDiskConfig{Dir: dir, SyncWrite: true})
	got, ok, err := backend.ReadBlob(ctx, b, d)
	if err != nil || !ok || string(got) != "durable" {
		t.Errorf("blob lost across restart: %q ok=%v err=%v", got, ok, err)
	}
	ar, ok, err := b.GetActionResult(ctx, action)
	if err != nil || !ok || ar.ExitCode != 3 {
		t.Errorf("action result lost across restart: %+v ok=%v err=%v", ar, ok, err)
	}
	v, ok, _ := b.GetKV(ctx, []byte("k"))
	if !ok || string(v) != "v" {
		t.Errorf("kv lost across restart: %q", v)
	}
}

func TestLocalDisk_TransformChangeKeepsOldBlobsReadable(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	codec := actionresult.NewCodec(core.LimitsConfig{})
	content := testkit.CompressibleBytes(testkit.RNG(1), 64*1024)
	d := digest.FromBytes(content)

	b, err := localdisk.Open(core.LocalDiskConfig{Dir: dir, Transform: core.TransformConfig{Name: "zstd"}}, codec, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.CASInsert(ctx, d, backend.InMemory(content)); err != nil {
		t.Fatal(err)
	}
	b.Close()

	b = openBackend(t, core.LocalDiskConfig{Dir: dir})
	got, ok, err := backend.ReadBlob(ctx, b, d)
	if err != nil || !ok || !bytes.Equal(got, content) {
		t.Errorf("zstd blob unreadable after switching to none: ok=%v err=%v", ok, err)
	}
}

func TestLocalDisk_DetectsCorruption(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	b := openBackend(t, core.LocalDiskConfig{Dir: dir})

	d := digest.FromBytes([]byte("pristine"))
	if err := b.CASInsert(ctx, d, backend.InMemory([]byte("pristine"))); err != nil {
		t.Fatal(err)
	}
	p := filepath.Join(dir, localdisk.LargeBlobDir, d.Hash[:2], d.Hash)

	t.Run("FlippedBytes", func(t *testing.T) {
		if err := os.WriteFile(p, []byte("tainted!"), 0o644); err != nil {
			t.Fatal(err)
		}
		_, _, err := backend.ReadBlob(ctx, b, d)
		if !errors.Is(err, core.ErrInvalidDigestMismatch) || !core.IsOutbound(err) {
			t.Errorf("expected outbound digest mismatch, got %v", err)
		}
	})

	t.Run("Truncated", func(t *testing.T) {
		if err := os.WriteFile(p, []byte("pris"), 0o644); err != nil {
			t.Fatal(err)
		}
		_, _, err := backend.ReadBlob(ctx, b, d)
		if !errors.Is(err, core.ErrInvalidSizeMismatch) || !errors.Is(err, core.ErrCorrupt) {
			t.Errorf("expected outbound size mismatch, got %v", err)
		}
	})

	t.Run("Missing", func(t *testing.T) {
		if err := os.Remove(p); err != nil {
			t.Fatal(err)
		}
		_, _, err := b.CASGetData(ctx, d)
		if !errors.Is(err, core.ErrCorrupt) {
			t.Errorf("expected ErrCorrupt for missing file, got %v", err)
		}
	})
}

func TestLocalDisk_CancelledInsertLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	b := openBackend(t, core.LocalDiskConfig{Dir: dir, Transform: core.TransformConfig{Name: "zstd"}})

	content := testkit.RandomBytes(testkit.RNG(5), 256*1024)
	d := digest.FromBytes(content)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.CASInsert(ctx, d, backend.InMemory(content))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if ok, _ := b.CASExists(context.Background(), d); ok {
		t.Error("cancelled insert became visible")
	}

	entries, _ := os.ReadDir(b.BlobDir())
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), core.TempPrefix) {
			t.Errorf("temp file %s leaked", e.Name())
		}
	}
}

func TestLocalDisk_RejectsConflictingSize(t *testing.T) {
	ctx := context.Background()
	b := openBackend(t, core.LocalDiskConfig{Dir: t.TempDir()})
	d := digest.FromBytes([]byte("sized"))
	if err := b.CASInsert(ctx, d, backend.InMemory([]byte("sized"))); err != nil {
		t.Fatal(err)
	}

	wrong := digest.Digest{Hash: d.Hash, SizeBytes: 99}
	if err := b.CASInsert(ctx, wrong, backend.InMemory([]byte("sized"))); !errors.Is(err, core.ErrInvalidSizeMismatch) {
		t.Errorf("expected size mismatch, got %v", err)
	}
	if _, _, err := b.CASGetData(ctx, wrong); !errors.Is(err, core.ErrInvalidSizeMismatch) {
		t.Errorf("expected size mismatch on read, got %v", err)
	}

	rc, ok, err := b.CASGetData(ctx, d)
	if err != nil || !ok {
		t.Fatal(err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if string(got) != "sized" {
		t.Errorf("expected sized, got %q", got)
	}
}

func TestLocalDisk_OpenErrors(t *testing.T) {
	codec := actionresult.NewCodec(core.LimitsConfig{})
	if _, err := localdisk.Open(core.LocalDiskConfig{}, codec, nil); !errors.Is(err, core.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for empty dir, got %v", err)
	}
	if _, err := localdisk.Open(core.LocalDiskConfig{Dir: "/dev/null/impossible"}, codec, nil); err == nil {
		t.Error("expected error for impossible directory")
	}
	_, err := localdisk.Open(core.LocalDiskConfig{Dir: t.TempDir(), Transform: core.TransformConfig{Name: "lz4"}}, codec, nil)
	if !errors.Is(err, core.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for unknown transform, got %v", err)
	}
}
