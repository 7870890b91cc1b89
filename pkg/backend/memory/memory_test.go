package memory_test

import (
	"testing"

	"github.com/agenthands/remotecache/internal/testkit"
	"github.com/agenthands/remotecache/pkg/actionresult"
	"github.com/agenthands/remotecache/pkg/backend"
	"github.com/agenthands/remotecache/pkg/backend/memory"
	"github.com/agenthands/remotecache/pkg/core"
)

func TestMemoryBackend(t *testing.T) {
	testkit.RunBackendSuite(t, func(t *testing.T) backend.Backend {
		b := memory.New(actionresult.NewCodec(core.LimitsConfig{}), nil)
		t.Cleanup(func() { b.Close() })
		return b
	})
}
