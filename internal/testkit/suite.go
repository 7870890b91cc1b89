package testkit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"

	"github.com/agenthands/remotecache/pkg/actionresult"
	"github.com/agenthands/remotecache/pkg/backend"
	"github.com/agenthands/remotecache/pkg/core"
	"github.com/agenthands/remotecache/pkg/digest"
)

// HelloWorldHash is sha256("hello world").
const HelloWorldHash = "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"

// NewBackendFunc opens a fresh, empty backend for one subtest.
type NewBackendFunc func(t *testing.T) backend.Backend

// RunBackendSuite checks the Backend contract. Every concrete backend runs it.
func RunBackendSuite(t *testing.T, open NewBackendFunc) {
	ctx := context.Background()

	t.Run("RoundTrip", func(t *testing.T) {
		b := open(t)
		r := RNG(1)
		for _, size := range []int{0, 1, 11, 4096, 1 << 20} {
			content := RandomBytes(r, size)
			d := digest.FromBytes(content)
			if err := b.CASInsert(ctx, d, backend.InMemory(content)); err != nil {
				t.Fatalf("CASInsert(%d bytes) failed: %v", size, err)
			}
			got, ok, err := backend.ReadBlob(ctx, b, d)
			if err != nil || !ok {
				t.Fatalf("CASGetData(%d bytes): ok=%v err=%v", size, ok, err)
			}
			if !bytes.Equal(got, content) {
				t.Errorf("content mismatch for %d bytes", size)
			}
		}
	})

	t.Run("HelloWorld", func(t *testing.T) {
		b := open(t)
		d := digest.FromBytes([]byte("hello world"))
		if d.Hash != HelloWorldHash || d.SizeBytes != 11 {
			t.Fatalf("unexpected digest %v", d)
		}
		if err := b.CASInsert(ctx, d, backend.InMemory([]byte("hello world"))); err != nil {
			t.Fatalf("CASInsert failed: %v", err)
		}
		got, ok, err := backend.ReadBlob(ctx, b, d)
		if err != nil || !ok || string(got) != "hello world" {
			t.Errorf("got %q ok=%v err=%v", got, ok, err)
		}
	})

	t.Run("ExistsAfterInsert", func(t *testing.T) {
		b := open(t)
		d := digest.FromBytes([]byte("exists"))
		ok, err := b.CASExists(ctx, d)
		if err != nil || ok {
			t.Fatalf("expected absent before insert, ok=%v err=%v", ok, err)
		}
		if err := b.CASInsert(ctx, d, backend.InMemory([]byte("exists"))); err != nil {
			t.Fatalf("CASInsert failed: %v", err)
		}
		for i := 0; i < 3; i++ {
			ok, err = b.CASExists(ctx, d)
			if err != nil || !ok {
				t.Fatalf("expected present after insert, ok=%v err=%v", ok, err)
			}
		}
	})

	t.Run("MissingBlob", func(t *testing.T) {
		b := open(t)
		rc, ok, err := b.CASGetData(ctx, digest.FromBytes([]byte("never stored")))
		if err != nil || ok || rc != nil {
			t.Errorf("expected clean miss, got ok=%v err=%v", ok, err)
		}
	})

	t.Run("FilterForMissing", func(t *testing.T) {
		b := open(t)
		d1 := digest.FromBytes([]byte("present"))
		d2 := digest.FromBytes([]byte("absent"))
		if err := b.CASInsert(ctx, d1, backend.InMemory([]byte("present"))); err != nil {
			t.Fatalf("CASInsert failed: %v", err)
		}

		got, err := b.CASFilterForMissing(ctx, []digest.Digest{d1, d2})
		if err != nil {
			t.Fatalf("CASFilterForMissing failed: %v", err)
		}
		if len(got) != 1 || got[0] != d2 {
			t.Errorf("expected [%v], got %v", d2, got)
		}

		got, err = b.CASFilterForMissing(ctx, []digest.Digest{d2, d1, d2, digest.Empty})
		if err != nil {
			t.Fatalf("CASFilterForMissing failed: %v", err)
		}
		if len(got) != 2 || got[0] != d2 || got[1] != d2 {
			t.Errorf("expected every absent input kept, [%v %v], got %v", d2, d2, got)
		}

		got, err = b.CASFilterForMissing(ctx, nil)
		if err != nil || len(got) != 0 {
			t.Errorf("expected empty result for empty input, got %v err=%v", got, err)
		}
	})

	t.Run("InsertIdempotent", func(t *testing.T) {
		b := open(t)
		d := digest.FromBytes([]byte("twice"))
		for i := 0; i < 2; i++ {
			if err := b.CASInsert(ctx, d, backend.InMemory([]byte("twice"))); err != nil {
				t.Fatalf("insert %d failed: %v", i, err)
			}
		}
		got, ok, err := backend.ReadBlob(ctx, b, d)
		if err != nil || !ok || string(got) != "twice" {
			t.Errorf("got %q ok=%v err=%v", got, ok, err)
		}
	})

	t.Run("InsertRejectsMismatch", func(t *testing.T) {
		b := open(t)
		d := digest.FromBytes([]byte("declared"))

		err := b.CASInsert(ctx, d, backend.InMemory([]byte("spoofed!")))
		if !errors.Is(err, core.ErrInvalidDigestMismatch) || !core.IsInbound(err) {
			t.Errorf("expected inbound digest mismatch, got %v", err)
		}
		err = b.CASInsert(ctx, d, backend.InMemory([]byte("short")))
		if !errors.Is(err, core.ErrInvalidSizeMismatch) {
			t.Errorf("expected size mismatch, got %v", err)
		}

		p := writeTemp(t, []byte("spoofed!"))
		err = b.CASInsert(ctx, d, backend.OnDisk(p))
		if !errors.Is(err, core.ErrInvalidDigestMismatch) {
			t.Errorf("expected digest mismatch for disk upload, got %v", err)
		}
		if _, statErr := os.Stat(p); !os.IsNotExist(statErr) {
			t.Error("rejected disk upload was not cleaned up")
		}

		if ok, _ := b.CASExists(ctx, d); ok {
			t.Error("rejected content became visible")
		}
		if _, ok, _ := b.BuildDigestFromHashIfPresent(ctx, d.Hash); ok {
			t.Error("rejected content visible by hash")
		}
	})

	t.Run("InsertRejectsInvalidDigest", func(t *testing.T) {
		b := open(t)
		err := b.CASInsert(ctx, digest.Digest{Hash: "xyz", SizeBytes: 3}, backend.InMemory([]byte("xyz")))
		if !errors.Is(err, core.ErrInvalidHash) {
			t.Errorf("expected ErrInvalidHash, got %v", err)
		}
	})

	t.Run("OnDiskInsertTakesOwnership", func(t *testing.T) {
		b := open(t)
		content := RandomBytes(RNG(2), 64*1024)
		d := digest.FromBytes(content)
		p := writeTemp(t, content)

		if err := b.CASInsert(ctx, d, backend.OnDisk(p)); err != nil {
			t.Fatalf("CASInsert failed: %v", err)
		}
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Error("expected upload file to be relocated or removed")
		}
		got, ok, err := backend.ReadBlob(ctx, b, d)
		if err != nil || !ok || !bytes.Equal(got, content) {
			t.Errorf("round trip failed ok=%v err=%v", ok, err)
		}
	})

	t.Run("EmptyBlobAlwaysPresent", func(t *testing.T) {
		b := open(t)
		ok, err := b.CASExists(ctx, digest.Empty)
		if err != nil || !ok {
			t.Errorf("expected empty blob present, ok=%v err=%v", ok, err)
		}
		got, ok, err := backend.ReadBlob(ctx, b, digest.Empty)
		if err != nil || !ok || len(got) != 0 {
			t.Errorf("expected empty content, got %q ok=%v err=%v", got, ok, err)
		}
		d, ok, err := b.BuildDigestFromHashIfPresent(ctx, digest.Empty.Hash)
		if err != nil || !ok || d != digest.Empty {
			t.Errorf("expected empty digest, got %v ok=%v err=%v", d, ok, err)
		}
	})

	t.Run("BuildDigestFromHash", func(t *testing.T) {
		b := open(t)
		content := []byte("hash lookup")
		d := digest.FromBytes(content)

		_, ok, err := b.BuildDigestFromHashIfPresent(ctx, d.Hash)
		if err != nil || ok {
			t.Fatalf("expected absent, ok=%v err=%v", ok, err)
		}
		if err := b.CASInsert(ctx, d, backend.InMemory(content)); err != nil {
			t.Fatalf("CASInsert failed: %v", err)
		}
		got, ok, err := b.BuildDigestFromHashIfPresent(ctx, d.Hash)
		if err != nil || !ok || got != d {
			t.Errorf("expected %v, got %v ok=%v err=%v", d, got, ok, err)
		}

		if _, _, err := b.BuildDigestFromHashIfPresent(ctx, "not-a-hash"); !errors.Is(err, core.ErrInvalidHash) {
			t.Errorf("expected ErrInvalidHash, got %v", err)
		}
	})

	t.Run("ActionResult", func(t *testing.T) {
		b := open(t)
		codec := actionresult.NewCodec(core.LimitsConfig{})
		actionDigest := digest.FromBytes([]byte("cc -c main.c -o main.o"))
		ar := &actionresult.ActionResult{
			ExitCode: 2,
			OutputFiles: []actionresult.OutputFile{
				{Path: "out/a.o", Digest: digest.FromBytes([]byte("object"))},
			},
			StderrRaw:         []byte("boom"),
			ExecutionMetadata: actionresult.ExecutionMetadata{Worker: "w1"},
		}

		if _, ok, err := b.GetActionResult(ctx, actionDigest); err != nil || ok {
			t.Fatalf("expected miss before put, ok=%v err=%v", ok, err)
		}

		got, err := b.PutActionResult(ctx, actionDigest, ar)
		if err != nil {
			t.Fatalf("PutActionResult failed: %v", err)
		}
		serialized, err := codec.Encode(ar)
		if err != nil {
			t.Fatal(err)
		}
		if want := digest.FromBytes(serialized); got != want {
			t.Errorf("returned digest %v, want %v", got, want)
		}
		if got.Equal(actionDigest) {
			t.Error("content digest must not depend on the action digest")
		}

		back, ok, err := b.GetActionResult(ctx, actionDigest)
		if err != nil || !ok {
			t.Fatalf("GetActionResult ok=%v err=%v", ok, err)
		}
		if !reflect.DeepEqual(back, ar) {
			t.Errorf("expected %+v, got %+v", ar, back)
		}

		if ok, _ := b.CASExists(ctx, got); !ok {
			t.Error("serialized result should be retrievable from the CAS")
		}

		ar2 := &actionresult.ActionResult{ExitCode: 0}
		if _, err := b.PutActionResult(ctx, actionDigest, ar2); err != nil {
			t.Fatalf("overwrite failed: %v", err)
		}
		back, ok, err = b.GetActionResult(ctx, actionDigest)
		if err != nil || !ok || back.ExitCode != 0 {
			t.Errorf("expected overwritten result, got %+v ok=%v err=%v", back, ok, err)
		}
	})

	t.Run("KV", func(t *testing.T) {
		b := open(t)
		key := []byte("build/metadata")
		if _, ok, err := b.GetKV(ctx, key); err != nil || ok {
			t.Fatalf("expected miss, ok=%v err=%v", ok, err)
		}
		if err := b.PutKV(ctx, key, []byte("v1")); err != nil {
			t.Fatalf("PutKV failed: %v", err)
		}
		if err := b.PutKV(ctx, key, []byte("v2")); err != nil {
			t.Fatalf("PutKV overwrite failed: %v", err)
		}
		v, ok, err := b.GetKV(ctx, key)
		if err != nil || !ok || string(v) != "v2" {
			t.Errorf("expected v2, got %q ok=%v err=%v", v, ok, err)
		}

		v[0] = 'X'
		v2, _, _ := b.GetKV(ctx, key)
		if string(v2) != "v2" {
			t.Error("GetKV returned an alias into backend storage")
		}
	})

	t.Run("ConcurrentSameDigest", func(t *testing.T) {
		b := open(t)
		content := RandomBytes(RNG(3), 32*1024)
		d := digest.FromBytes(content)

		var wg sync.WaitGroup
		errs := make(chan error, 16)
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				var up backend.Upload
				if i%2 == 0 {
					up = backend.InMemory(content)
				} else {
					p := filepath.Join(t.TempDir(), fmt.Sprintf("upload-%d", i))
					if err := os.WriteFile(p, content, 0o600); err != nil {
						errs <- err
						return
					}
					up = backend.OnDisk(p)
				}
				errs <- b.CASInsert(ctx, d, up)
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Errorf("concurrent insert failed: %v", err)
			}
		}
		got, ok, err := backend.ReadBlob(ctx, b, d)
		if err != nil || !ok || !bytes.Equal(got, content) {
			t.Errorf("content after concurrent inserts: ok=%v err=%v", ok, err)
		}
	})

	t.Run("ConcurrentKVWriters", func(t *testing.T) {
		b := open(t)
		key := []byte("contended")
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_ = b.PutKV(ctx, key, []byte(fmt.Sprintf("writer-%d", i)))
			}(i)
		}
		wg.Wait()
		v, ok, err := b.GetKV(ctx, key)
		if err != nil || !ok || !bytes.HasPrefix(v, []byte("writer-")) {
			t.Errorf("expected one writer to win, got %q ok=%v err=%v", v, ok, err)
		}
	})

	t.Run("Iterate", func(t *testing.T) {
		b := open(t)
		l, ok := b.(backend.Lister)
		if !ok {
			t.Skip("backend does not enumerate")
		}
		want := map[string]bool{}
		for i := 0; i < 5; i++ {
			content := []byte(fmt.Sprintf("blob-%d", i))
			d := digest.FromBytes(content)
			want[d.Hash] = true
			if err := b.CASInsert(ctx, d, backend.InMemory(content)); err != nil {
				t.Fatal(err)
			}
		}
		seen := 0
		err := l.CASIterate(ctx, func(d digest.Digest) error {
			if !want[d.Hash] {
				return fmt.Errorf("unexpected digest %v", d)
			}
			seen++
			return nil
		})
		if err != nil {
			t.Fatalf("CASIterate failed: %v", err)
		}
		if seen != len(want) {
			t.Errorf("expected %d blobs, saw %d", len(want), seen)
		}
	})

	t.Run("Closed", func(t *testing.T) {
		b := open(t)
		if err := b.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
		if _, _, err := b.GetKV(ctx, []byte("k")); !errors.Is(err, core.ErrClosed) {
			t.Errorf("expected ErrClosed, got %v", err)
		}
		err := b.CASInsert(ctx, digest.FromBytes([]byte("x")), backend.InMemory([]byte("x")))
		if !errors.Is(err, core.ErrClosed) {
			t.Errorf("expected ErrClosed, got %v", err)
		}
	})
}

func writeTemp(t *testing.T, content []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "upload")
	if err := os.WriteFile(p, content, 0o600); err != nil {
		t.Fatalf("failed to write upload: %v", err)
	}
	return p
}
