// Package remotecache assembles the storage engine from configuration: one
// backend selected at startup and shared by ingestion, fetching and archive
// tooling for the life of the process.
package remotecache

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/agenthands/remotecache/pkg/actionresult"
	"github.com/agenthands/remotecache/pkg/archive"
	"github.com/agenthands/remotecache/pkg/backend"
	"github.com/agenthands/remotecache/pkg/backend/cloud"
	"github.com/agenthands/remotecache/pkg/backend/localdisk"
	"github.com/agenthands/remotecache/pkg/backend/memory"
	"github.com/agenthands/remotecache/pkg/core"
	"github.com/agenthands/remotecache/pkg/digest"
	"github.com/agenthands/remotecache/pkg/fetch"
	"github.com/agenthands/remotecache/pkg/ingest"
	"github.com/agenthands/remotecache/pkg/instrument"
	"github.com/agenthands/remotecache/pkg/sweep"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type Options struct {
	Logger *zap.Logger
	// Registerer receives backend metrics when cfg.Metrics.Enabled. Nil means
	// prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
	// HTTPClient overrides the fetch client. It must not follow redirects.
	HTTPClient fetch.Doer
}

type Cache struct {
	cfg     Config
	log     *zap.Logger
	backend *instrument.Backend
	fetcher *fetch.Fetcher
	sweeper sweep.Runner
}

// Open builds the configured backend and, if enabled, starts the temp file
// sweeper.
func Open(ctx context.Context, cfg Config, opts Options) (*Cache, error) {
	cfg, err := withDefaults(cfg)
	if err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.StagingDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: failed to create staging directory: %w", core.ErrIO, err)
	}

	codec := actionresult.NewCodec(cfg.Limits)
	sweepDirs := []string{cfg.StagingDir}
	var b backend.Backend
	switch cfg.Backend {
	case core.BackendMemory:
		b = memory.New(codec, log)
	case core.BackendLocalDisk:
		ld, err := localdisk.Open(cfg.LocalDisk, codec, log)
		if err != nil {
			return nil, err
		}
		sweepDirs = append(sweepDirs, ld.BlobDir())
		b = ld
	case core.BackendCloud:
		cb, err := cloud.Open(ctx, cfg.Cloud, codec, log)
		if err != nil {
			return nil, err
		}
		sweepDirs = append(sweepDirs, cb.StagingDir())
		b = cb
	}

	var metrics *instrument.Metrics
	if cfg.Metrics.Enabled {
		reg := opts.Registerer
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		metrics = instrument.NewMetrics(reg, cfg.Metrics.Namespace)
	}
	ib := instrument.Wrap(b, cfg.Backend, metrics, log)

	client := opts.HTTPClient
	if client == nil {
		client = fetch.NewHTTPClient(cfg.Fetch)
	}

	c := &Cache{
		cfg:     cfg,
		log:     log,
		backend: ib,
		fetcher: fetch.New(ib, fetch.Options{
			Client:     client,
			StagingDir: cfg.StagingDir,
			UserAgent:  cfg.Fetch.UserAgent,
			Log:        log,
		}),
		sweeper: sweep.NewRunner(cfg.Sweep, dedupDirs(sweepDirs), log),
	}
	c.sweeper.Start(ctx)

	log.Info("remote cache opened", zap.String("backend", cfg.Backend), zap.String("staging", cfg.StagingDir))
	return c, nil
}

func dedupDirs(dirs []string) []string {
	seen := make(map[string]bool, len(dirs))
	out := dirs[:0]
	for _, d := range dirs {
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	return out
}

// Backend is the shared, instrumented backend.
func (c *Cache) Backend() backend.Backend { return c.backend }

// Config is the effective configuration after defaults.
func (c *Cache) Config() Config { return c.cfg }

// Ingest streams r into the CAS. expected may be nil.
func (c *Cache) Ingest(ctx context.Context, r io.Reader, expected *digest.Digest) (digest.Digest, error) {
	return ingest.FromReader(ctx, c.backend, r, ingest.Options{Dir: c.cfg.StagingDir, Expected: expected})
}

// Fetch materializes the resource with expectedHash from the first of uris
// that serves it.
func (c *Cache) Fetch(ctx context.Context, uris []string, expectedHash string) (digest.Digest, error) {
	return c.fetcher.Fetch(ctx, uris, expectedHash)
}

func (c *Cache) Export(ctx context.Context, path string) (archive.Stats, error) {
	return archive.Export(ctx, c.backend, path, archive.Options{})
}

func (c *Cache) Import(ctx context.Context, path string) (archive.Stats, error) {
	return archive.Import(ctx, c.backend, path, archive.Options{})
}

// Sweep runs one temp file sweep now, whether or not the background sweeper
// is enabled.
func (c *Cache) Sweep(ctx context.Context) (sweep.Result, error) {
	return c.sweeper.RunOnce(ctx)
}

func (c *Cache) Close() error {
	c.sweeper.Stop()
	return c.backend.Close()
}
