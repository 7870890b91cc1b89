package testkit

import (
	"math/rand"
	"time"
)

// RNG returns a seeded source so failing tests can be replayed. Seed 0 picks
// one from the clock.
func RNG(seed int64) *rand.Rand {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return rand.New(rand.NewSource(seed))
}

// RandomBytes returns n incompressible bytes, like object files or archives.
func RandomBytes(r *rand.Rand, n int) []byte {
	out := make([]byte, n)
	_, _ = r.Read(out)
	return out
}

// CompressibleBytes returns n bytes of repetitive compiler output with
// sparse random noise, so zstd blobs differ in size from their content.
func CompressibleBytes(r *rand.Rand, n int) []byte {
	const line = "INFO: From Compiling src/main.cc: warning repeated "
	out := make([]byte, 0, n)
	for len(out) < n {
		out = append(out, line[:min(len(line), n-len(out))]...)
	}
	for noise := n / 1024; noise > 0; noise-- {
		out[r.Intn(n)] = byte(r.Intn(256))
	}
	return out
}
