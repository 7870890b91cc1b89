package cloud_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agenthands/remotecache/internal/testkit"
	"github.com/agenthands/remotecache/pkg/actionresult"
	"github.com/agenthands/remotecache/pkg/backend"
	"github.com/agenthands/remotecache/pkg/backend/cloud"
	"github.com/agenthands/remotecache/pkg/core"
	"github.com/agenthands/remotecache/pkg/digest"
	"github.com/agenthands/remotecache/pkg/sweep"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// memStore is an ObjectStore fake. Setting fail makes every call return it.
type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	fail    error
	heads   int
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string][]byte)}
}

func (s *memStore) Head(ctx context.Context, key string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heads++
	if s.fail != nil {
		return 0, false, core.Unavailable("head", s.fail)
	}
	v, ok := s.objects[key]
	return int64(len(v)), ok, nil
}

func (s *memStore) Put(ctx context.Context, key string, body io.ReadSeeker, size int64) error {
	b, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return core.Unavailable("put", s.fail)
	}
	if int64(len(b)) != size {
		return errors.New("content length mismatch")
	}
	s.objects[key] = b
	return nil
}

func (s *memStore) Get(ctx context.Context, key string) (io.ReadCloser, int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, 0, false, core.Unavailable("get", s.fail)
	}
	v, ok := s.objects[key]
	if !ok {
		return nil, 0, false, nil
	}
	return io.NopCloser(bytes.NewReader(bytes.Clone(v))), int64(len(v)), true, nil
}

func (s *memStore) List(ctx context.Context, prefix string, fn func(key string, size int64) error) error {
	s.mu.Lock()
	var keys []string
	for k := range s.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	sizes := make([]int64, len(keys))
	for i, k := range keys {
		sizes[i] = int64(len(s.objects[k]))
	}
	s.mu.Unlock()

	for i, k := range keys {
		if err := fn(k, sizes[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *memStore) set(key string, v []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = v
}

func (s *memStore) remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
}

type fixture struct {
	b     *cloud.Backend
	store *memStore
	redis *miniredis.Miniredis
}

func newFixture(t *testing.T, cfg core.CloudConfig) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	store := newMemStore()
	if cfg.StagingDir == "" {
		cfg.StagingDir = t.TempDir()
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b, err := cloud.New(context.Background(), cfg, store, rdb, actionresult.NewCodec(core.LimitsConfig{}), nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return &fixture{b: b, store: store, redis: mr}
}

func TestCloudBackend(t *testing.T) {
	configs := map[string]core.CloudConfig{
		"default":  {Prefix: "rc/"},
		"hotcache": {Prefix: "rc/", HotCacheMB: 16},
		"staged":   {InlineBlobBytes: 1024},
	}
	for name, cfg := range configs {
		t.Run(name, func(t *testing.T) {
			testkit.RunBackendSuite(t, func(t *testing.T) backend.Backend {
				return newFixture(t, cfg).b
			})
		})
	}
}

func mustInsert(t *testing.T, b backend.Backend, content []byte) digest.Digest {
	t.Helper()
	d := digest.FromBytes(content)
	if err := b.CASInsert(context.Background(), d, backend.InMemory(content)); err != nil {
		t.Fatalf("CASInsert failed: %v", err)
	}
	return d
}

func stagingEntries(t *testing.T, dir string) []os.DirEntry {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	return entries
}

func TestCloud_ObjectLayout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, core.CloudConfig{Prefix: "tenant/"})

	mustInsert(t, f.b, []byte("hello world"))
	if err := f.b.PutKV(ctx, []byte("k"), []byte("v")); err != nil {
		t.Fatalf("PutKV failed: %v", err)
	}

	for _, key := range []string{"tenant/cas/" + testkit.HelloWorldHash, "tenant/kv/6b"} {
		if _, ok := f.store.objects[key]; !ok {
			t.Errorf("expected object %s", key)
		}
	}

	size, err := f.redis.Get("tenant/cas:" + testkit.HelloWorldHash)
	if err != nil {
		t.Fatalf("index lookup failed: %v", err)
	}
	if size != "11" {
		t.Errorf("expected indexed size 11, got %s", size)
	}
}

func TestCloud_IndexLossFallsBackToObjectStore(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, core.CloudConfig{})

	d := mustInsert(t, f.b, []byte("survives index flush"))
	action := digest.FromBytes([]byte("action"))
	if _, err := f.b.PutActionResult(ctx, action, &actionresult.ActionResult{ExitCode: 1}); err != nil {
		t.Fatalf("PutActionResult failed: %v", err)
	}
	if err := f.b.PutKV(ctx, []byte("k"), []byte("v")); err != nil {
		t.Fatalf("PutKV failed: %v", err)
	}

	f.redis.FlushAll()

	ok, err := f.b.CASExists(ctx, d)
	if err != nil || !ok {
		t.Fatalf("expected blob found in the object store: ok=%v err=%v", ok, err)
	}
	if !f.redis.Exists("cas:" + d.Hash) {
		t.Error("Head result should be written back to the index")
	}

	ar, ok, err := f.b.GetActionResult(ctx, action)
	if err != nil || !ok {
		t.Fatalf("GetActionResult failed: ok=%v err=%v", ok, err)
	}
	if ar.ExitCode != 1 {
		t.Errorf("expected exit code 1, got %d", ar.ExitCode)
	}

	v, ok, err := f.b.GetKV(ctx, []byte("k"))
	if err != nil || !ok {
		t.Fatalf("GetKV failed: ok=%v err=%v", ok, err)
	}
	if string(v) != "v" {
		t.Errorf("expected v, got %q", v)
	}
}

func TestCloud_FilterHeadsOnlyIndexMisses(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, core.CloudConfig{HeadParallel: 2})

	indexed := mustInsert(t, f.b, []byte("indexed"))

	// Written by another node whose index update never landed.
	orphan := digest.FromBytes([]byte("orphan"))
	f.store.set("cas/"+orphan.Hash, []byte("orphan"))

	var missing []digest.Digest
	for i := 0; i < 5; i++ {
		missing = append(missing, digest.FromBytes([]byte{byte(i)}))
	}
	f.store.heads = 0

	in := append([]digest.Digest{indexed, orphan, digest.Empty}, missing...)
	out, err := f.b.CASFilterForMissing(ctx, in)
	if err != nil {
		t.Fatalf("CASFilterForMissing failed: %v", err)
	}
	if len(out) != len(missing) {
		t.Fatalf("expected %d missing, got %v", len(missing), out)
	}
	for i := range missing {
		if out[i] != missing[i] {
			t.Errorf("at %d: expected %v, got %v", i, missing[i], out[i])
		}
	}
	if f.store.heads != 6 {
		t.Errorf("indexed and empty digests must not reach the object store: %d heads", f.store.heads)
	}
}

func TestCloud_FilterKeepsRepeatsAndHeadsOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, core.CloudConfig{})

	orphan := digest.FromBytes([]byte("orphan"))
	f.store.set("cas/"+orphan.Hash, []byte("orphan"))
	absent := digest.FromBytes([]byte("absent"))
	f.store.heads = 0

	out, err := f.b.CASFilterForMissing(ctx, []digest.Digest{absent, orphan, absent, orphan, absent})
	if err != nil {
		t.Fatalf("CASFilterForMissing failed: %v", err)
	}
	if len(out) != 3 || out[0] != absent || out[1] != absent || out[2] != absent {
		t.Errorf("expected absent three times, got %v", out)
	}
	if f.store.heads != 2 {
		t.Errorf("expected one Head per distinct hash, got %d", f.store.heads)
	}
}

func TestCloud_StaleIndexEntryIsAMiss(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, core.CloudConfig{})

	d := mustInsert(t, f.b, []byte("vanishing"))
	f.store.remove("cas/" + d.Hash)

	_, ok, err := f.b.CASGetData(ctx, d)
	if err != nil {
		t.Fatalf("CASGetData failed: %v", err)
	}
	if ok {
		t.Error("expected a miss once the object is gone")
	}
	if f.redis.Exists("cas:" + d.Hash) {
		t.Error("stale index entry should be dropped")
	}
}

func TestCloud_DetectsCorruptObject(t *testing.T) {
	ctx := context.Background()
	for name, inline := range map[string]int64{"inline": 0, "staged": 4} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, core.CloudConfig{InlineBlobBytes: inline})
			d := mustInsert(t, f.b, []byte("pristine"))
			f.store.set("cas/"+d.Hash, []byte("tainted!"))

			_, _, err := backend.ReadBlob(ctx, f.b, d)
			if err == nil {
				t.Fatal("expected corruption to be detected")
			}
			if !errors.Is(err, core.ErrCorrupt) || !errors.Is(err, core.ErrInvalidDigestMismatch) {
				t.Errorf("expected corrupt digest mismatch, got %v", err)
			}
			if errors.Is(err, core.ErrBackendUnavailable) {
				t.Errorf("corruption is not an availability error: %v", err)
			}
		})
	}
}

func TestCloud_StagedDownloadIsRemovedOnClose(t *testing.T) {
	ctx := context.Background()
	staging := t.TempDir()
	f := newFixture(t, core.CloudConfig{StagingDir: staging, InlineBlobBytes: 16})

	content := testkit.RandomBytes(testkit.RNG(9), 4096)
	d := mustInsert(t, f.b, content)

	rc, ok, err := f.b.CASGetData(ctx, d)
	if err != nil || !ok {
		t.Fatalf("CASGetData failed: ok=%v err=%v", ok, err)
	}

	entries := stagingEntries(t, staging)
	if len(entries) != 1 || !strings.HasPrefix(entries[0].Name(), core.TempPrefix) {
		t.Fatalf("expected one staged temp file, got %v", entries)
	}

	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !bytes.Equal(content, got) {
		t.Error("content mismatch")
	}
	if err := rc.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if entries := stagingEntries(t, staging); len(entries) != 0 {
		t.Errorf("staged file leaked: %v", entries)
	}
}

func TestCloud_StagedDownloadSurvivesSweep(t *testing.T) {
	ctx := context.Background()
	staging := t.TempDir()
	f := newFixture(t, core.CloudConfig{StagingDir: staging, InlineBlobBytes: 16})

	content := testkit.RandomBytes(testkit.RNG(11), 4096)
	d := mustInsert(t, f.b, content)

	rc, ok, err := f.b.CASGetData(ctx, d)
	if err != nil || !ok {
		t.Fatalf("CASGetData failed: ok=%v err=%v", ok, err)
	}
	defer rc.Close()

	entries := stagingEntries(t, staging)
	if len(entries) != 1 {
		t.Fatalf("expected one staged file, got %d", len(entries))
	}
	path := filepath.Join(staging, entries[0].Name())

	// A reader held open past the sweep age.
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 100)
	if _, err := io.ReadFull(rc, buf); err != nil {
		t.Fatalf("read failed: %v", err)
	}

	res, err := sweep.NewRunner(core.SweepConfig{MaxAge: time.Hour}, []string{staging}, nil).RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if res.Removed != 0 {
		t.Errorf("an active reader's file was swept: removed %d", res.Removed)
	}

	rest, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !bytes.Equal(content, append(buf, rest...)) {
		t.Error("content mismatch after sweep")
	}
}

func TestCloud_NetworkFailuresAreWrapped(t *testing.T) {
	ctx := context.Background()

	t.Run("ObjectStore", func(t *testing.T) {
		f := newFixture(t, core.CloudConfig{})
		f.store.fail = errors.New("connection reset by peer")

		d := digest.FromBytes([]byte("x"))
		if err := f.b.CASInsert(ctx, d, backend.InMemory([]byte("x"))); !errors.Is(err, core.ErrBackendUnavailable) {
			t.Errorf("CASInsert: expected ErrBackendUnavailable, got %v", err)
		}
		if _, _, err := f.b.CASGetData(ctx, d); !errors.Is(err, core.ErrBackendUnavailable) {
			t.Errorf("CASGetData: expected ErrBackendUnavailable, got %v", err)
		}
	})

	t.Run("MetadataIndex", func(t *testing.T) {
		f := newFixture(t, core.CloudConfig{})
		f.redis.Close()

		if _, err := f.b.CASExists(ctx, digest.FromBytes([]byte("x"))); !errors.Is(err, core.ErrBackendUnavailable) {
			t.Errorf("CASExists: expected ErrBackendUnavailable, got %v", err)
		}
		if _, err := f.b.CASFilterForMissing(ctx, []digest.Digest{digest.FromBytes([]byte("y"))}); !errors.Is(err, core.ErrBackendUnavailable) {
			t.Errorf("CASFilterForMissing: expected ErrBackendUnavailable, got %v", err)
		}
	})
}

func TestCloud_NewErrors(t *testing.T) {
	ctx := context.Background()
	codec := actionresult.NewCodec(core.LimitsConfig{})

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	if _, err := cloud.New(ctx, core.CloudConfig{}, newMemStore(), rdb, codec, nil); !errors.Is(err, core.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput without a staging dir, got %v", err)
	}

	mr.Close()
	if _, err := cloud.New(ctx, core.CloudConfig{StagingDir: t.TempDir()}, newMemStore(), rdb, codec, nil); !errors.Is(err, core.ErrBackendUnavailable) {
		t.Errorf("expected ErrBackendUnavailable with redis down, got %v", err)
	}

	if _, err := cloud.Open(ctx, core.CloudConfig{Bucket: "b"}, codec, nil); !errors.Is(err, core.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for an incomplete config, got %v", err)
	}
}
