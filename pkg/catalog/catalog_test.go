package catalog

import (
	"context"
	"errors"
	"testing"

	"github.com/agenthands/remotecache/pkg/core"
	"github.com/agenthands/remotecache/pkg/digest"
	"github.com/agenthands/remotecache/pkg/record"
)

func TestCatalog(t *testing.T) {
	for _, engine := range []string{EnginePebble, EngineBadger, EngineBolt} {
		t.Run(engine, func(t *testing.T) {
			testCatalog(t, engine)
		})
	}
}

func testCatalog(t *testing.T, engine string) {
	cat, err := Open(t.TempDir(), engine, false)
	if err != nil {
		t.Fatalf("failed to open catalog: %v", err)
	}
	defer cat.Close()

	if cat.Engine() != engine {
		t.Errorf("expected engine %s, got %s", engine, cat.Engine())
	}

	ctx := context.Background()

	t.Run("KV", func(t *testing.T) {
		if _, ok, err := cat.GetKV([]byte("missing")); err != nil || ok {
			t.Fatalf("expected miss, ok=%v err=%v", ok, err)
		}
		if err := cat.PutKV([]byte("k"), []byte("v1")); err != nil {
			t.Fatalf("PutKV failed: %v", err)
		}
		if err := cat.PutKV([]byte("k"), []byte("v2")); err != nil {
			t.Fatalf("PutKV failed: %v", err)
		}
		v, ok, err := cat.GetKV([]byte("k"))
		if err != nil || !ok || string(v) != "v2" {
			t.Errorf("expected v2, got %q ok=%v err=%v", v, ok, err)
		}
	})

	t.Run("EmptyValue", func(t *testing.T) {
		if err := cat.PutKV([]byte("empty"), nil); err != nil {
			t.Fatalf("PutKV failed: %v", err)
		}
		v, ok, err := cat.GetKV([]byte("empty"))
		if err != nil || !ok || len(v) != 0 {
			t.Errorf("expected present empty value, got %q ok=%v err=%v", v, ok, err)
		}
	})

	t.Run("Action", func(t *testing.T) {
		h := digest.FromBytes([]byte("action")).Hash
		if err := cat.PutAction(h, []byte("record")); err != nil {
			t.Fatalf("PutAction failed: %v", err)
		}
		v, ok, err := cat.GetAction(h)
		if err != nil || !ok || string(v) != "record" {
			t.Errorf("expected record, got %q ok=%v err=%v", v, ok, err)
		}
	})

	t.Run("PrefixesAreDisjoint", func(t *testing.T) {
		if err := cat.PutKV([]byte("shared"), []byte("kv")); err != nil {
			t.Fatal(err)
		}
		if _, ok, _ := cat.GetAction("shared"); ok {
			t.Error("KV entry leaked into action namespace")
		}
	})

	t.Run("Blobs", func(t *testing.T) {
		want := map[string]int64{}
		for _, s := range []string{"a", "bb", "ccc"} {
			d := digest.FromBytes([]byte(s))
			want[d.Hash] = d.SizeBytes
			if err := cat.PutBlob(d.Hash, record.Blob{Size: d.SizeBytes}); err != nil {
				t.Fatalf("PutBlob failed: %v", err)
			}
		}

		d := digest.FromBytes([]byte("bb"))
		rec, ok, err := cat.GetBlob(d.Hash)
		if err != nil || !ok || rec.Size != 2 {
			t.Errorf("expected size 2, got %+v ok=%v err=%v", rec, ok, err)
		}

		var prev string
		seen := 0
		err = cat.IterateBlobs(ctx, func(d digest.Digest, rec record.Blob) error {
			if want[d.Hash] != d.SizeBytes {
				t.Errorf("unexpected blob %v", d)
			}
			if d.Hash <= prev {
				t.Errorf("blobs out of order: %s after %s", d.Hash, prev)
			}
			prev = d.Hash
			seen++
			return nil
		})
		if err != nil {
			t.Fatalf("IterateBlobs failed: %v", err)
		}
		if seen != len(want) {
			t.Errorf("expected %d blobs, saw %d", len(want), seen)
		}
	})

	t.Run("IterateStopsOnError", func(t *testing.T) {
		stop := errors.New("stop")
		calls := 0
		err := cat.IterateBlobs(ctx, func(digest.Digest, record.Blob) error {
			calls++
			return stop
		})
		if !errors.Is(err, stop) || calls != 1 {
			t.Errorf("expected one call and stop error, got calls=%d err=%v", calls, err)
		}
	})

	t.Run("CorruptBlobRecord", func(t *testing.T) {
		h := digest.FromBytes([]byte("corrupt")).Hash
		if err := cat.set(withPrefix(PrefixBlob, []byte(h)), []byte{0xff}); err != nil {
			t.Fatal(err)
		}
		if _, _, err := cat.GetBlob(h); !errors.Is(err, core.ErrCorrupt) {
			t.Errorf("expected ErrCorrupt, got %v", err)
		}
	})
}

func TestCatalog_Reopen(t *testing.T) {
	for _, engine := range []string{EnginePebble, EngineBadger, EngineBolt} {
		t.Run(engine, func(t *testing.T) {
			dir := t.TempDir()
			cat, err := Open(dir, engine, true)
			if err != nil {
				t.Fatalf("Open failed: %v", err)
			}
			if err := cat.PutKV([]byte("durable"), []byte("yes")); err != nil {
				t.Fatal(err)
			}
			if err := cat.Close(); err != nil {
				t.Fatalf("Close failed: %v", err)
			}

			cat, err = Open(dir, engine, true)
			if err != nil {
				t.Fatalf("reopen failed: %v", err)
			}
			defer cat.Close()
			v, ok, err := cat.GetKV([]byte("durable"))
			if err != nil || !ok || string(v) != "yes" {
				t.Errorf("value lost across reopen: %q ok=%v err=%v", v, ok, err)
			}
		})
	}
}

func TestCatalog_UnknownEngine(t *testing.T) {
	if _, err := Open(t.TempDir(), "leveldb", false); !errors.Is(err, core.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}
