// Package sweep removes temp files abandoned by crashed ingestions, uploads
// and downloads. Live temp files are never older than one transfer, so
// anything with the temp prefix past MaxAge is garbage.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/agenthands/remotecache/pkg/core"
	"go.uber.org/zap"
)

const (
	DefaultRunEvery = time.Hour
	DefaultMaxAge   = 24 * time.Hour
)

// Result contains statistics from a sweep.
type Result struct {
	Scanned        int
	Removed        int
	BytesReclaimed int64
}

// Runner defines the sweep interface.
type Runner interface {
	RunOnce(ctx context.Context) (Result, error)
	Start(ctx context.Context)
	Stop()
}

type runner struct {
	cfg  core.SweepConfig
	dirs []string
	log  *zap.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewRunner creates a runner over the top level of dirs.
func NewRunner(cfg core.SweepConfig, dirs []string, log *zap.Logger) Runner {
	if cfg.RunEvery == 0 {
		cfg.RunEvery = DefaultRunEvery
	}
	if cfg.MaxAge == 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &runner{cfg: cfg, dirs: dirs, log: log.Named("sweep")}
}

func (r *runner) RunOnce(ctx context.Context) (Result, error) {
	var res Result
	cutoff := time.Now().Add(-r.cfg.MaxAge)

	for _, dir := range r.dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return res, fmt.Errorf("%w: %w", core.ErrIO, err)
		}
		for _, e := range entries {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			if e.IsDir() || !strings.HasPrefix(e.Name(), core.TempPrefix) {
				continue
			}
			res.Scanned++
			info, err := e.Info()
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
			path := filepath.Join(dir, e.Name())
			if err := os.Remove(path); err != nil {
				if !errors.Is(err, os.ErrNotExist) {
					r.log.Warn("failed to remove stale temp file", zap.String("path", path), zap.Error(err))
				}
				continue
			}
			res.Removed++
			res.BytesReclaimed += info.Size()
		}
	}

	if res.Removed > 0 {
		r.log.Info("removed stale temp files",
			zap.Int("removed", res.Removed),
			zap.Int64("bytes", res.BytesReclaimed))
	}
	return res, nil
}

func (r *runner) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running || !r.cfg.Enabled {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	stopCh, doneCh := r.stopCh, r.doneCh
	r.mu.Unlock()

	go func() {
		defer close(doneCh)
		ticker := time.NewTicker(r.cfg.RunEvery)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
					r.log.Warn("sweep failed", zap.Error(err))
				}
			}
		}
	}()
}

// Stop halts a started runner and waits for an in-progress sweep to finish.
func (r *runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	doneCh := r.doneCh
	r.mu.Unlock()
	<-doneCh
}
