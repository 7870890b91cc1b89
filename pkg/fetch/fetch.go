// Package fetch materializes externally referenced resources into the cache.
// Content identity is authoritative: a hash already present is never fetched,
// whichever URI is asked for.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/agenthands/remotecache/pkg/core"
	"github.com/agenthands/remotecache/pkg/digest"
	"github.com/agenthands/remotecache/pkg/ingest"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// MaxRedirects is the number of redirect hops followed per candidate URI.
const MaxRedirects = 5

const DefaultUserAgent = "remotecache-fetch/1"

// Doer issues a single HTTP request without following redirects.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Store is the part of backend.Backend fetching needs.
type Store interface {
	ingest.Inserter
	BuildDigestFromHashIfPresent(ctx context.Context, hash string) (digest.Digest, bool, error)
}

type Options struct {
	// Client must not follow redirects itself. Nil means NewHTTPClient with
	// zero config.
	Client Doer
	// StagingDir holds in-flight downloads. Empty means os.TempDir().
	StagingDir string
	UserAgent  string
	Log        *zap.Logger
}

type Fetcher struct {
	store     Store
	client    Doer
	staging   string
	userAgent string
	log       *zap.Logger

	group singleflight.Group
}

func New(store Store, opts Options) *Fetcher {
	if opts.Client == nil {
		opts.Client = NewHTTPClient(core.FetchConfig{})
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	return &Fetcher{
		store:     store,
		client:    opts.Client,
		staging:   opts.StagingDir,
		userAgent: opts.UserAgent,
		log:       opts.Log.Named("fetch"),
	}
}

// NewHTTPClient returns a client that hands redirect responses back to the
// caller instead of following them.
func NewHTTPClient(cfg core.FetchConfig) *http.Client {
	return &http.Client{
		Timeout: cfg.Timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// Fetch returns the digest of the content stored under expectedHash, fetching
// it from the first uri that serves it if it is not already cached.
//
// Candidates are tried in order; transport failures, bad statuses and
// exhausted redirect budgets move on to the next one, and the last such error
// is returned if none succeed. Content that hashes to something other than
// expectedHash is kept under its real digest, but the call fails with
// *core.HashMismatchError without trying further candidates.
//
// Concurrent calls for the same hash share one download. A caller that gives up
// stops waiting for it; the download itself finishes for the others.
func (f *Fetcher) Fetch(ctx context.Context, uris []string, expectedHash string) (digest.Digest, error) {
	hash, err := digest.ParseHash(expectedHash)
	if err != nil {
		return digest.Digest{}, err
	}
	if len(uris) == 0 {
		return digest.Digest{}, fmt.Errorf("%w: no uris to fetch %s from", core.ErrInvalidInput, hash)
	}

	if d, ok, err := f.store.BuildDigestFromHashIfPresent(ctx, hash); err != nil || ok {
		return d, err
	}

	ch := f.group.DoChan(hash, func() (any, error) {
		// The flight outlives the caller that started it; others may be waiting.
		fctx := context.WithoutCancel(ctx)
		// A flight that just finished may have stored it.
		if d, ok, err := f.store.BuildDigestFromHashIfPresent(fctx, hash); err != nil || ok {
			return d, err
		}
		return f.fetchAny(fctx, uris, hash)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return digest.Digest{}, res.Err
		}
		return res.Val.(digest.Digest), nil
	case <-ctx.Done():
		return digest.Digest{}, ctx.Err()
	}
}

func (f *Fetcher) fetchAny(ctx context.Context, uris []string, hash string) (digest.Digest, error) {
	var lastErr error
	for _, uri := range uris {
		d, err := f.fetchOne(ctx, uri)
		if err != nil {
			if ctx.Err() != nil {
				return digest.Digest{}, ctx.Err()
			}
			f.log.Warn("fetch candidate failed", zap.String("uri", uri), zap.Error(err))
			lastErr = err
			continue
		}
		if d.Hash != hash {
			return digest.Digest{}, &core.HashMismatchError{
				Expected: hash,
				Actual:   d.Hash,
				Size:     d.SizeBytes,
				URI:      uri,
			}
		}
		f.log.Info("fetched", zap.String("uri", uri), zap.Stringer("digest", d))
		return d, nil
	}
	return digest.Digest{}, lastErr
}

type state int

const (
	stateRequesting state = iota
	stateRedirected
	stateSucceeded
	stateFailed
)

func (s state) String() string {
	switch s {
	case stateRequesting:
		return "requesting"
	case stateRedirected:
		return "redirected"
	case stateSucceeded:
		return "succeeded"
	default:
		return "failed"
	}
}

// attempt is the progress of one candidate URI through its redirect chain.
type attempt struct {
	original string
	current  *url.URL
	hops     int
	state    state
	resp     *http.Response
	err      error
}

func (f *Fetcher) fetchOne(ctx context.Context, uri string) (digest.Digest, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return digest.Digest{}, fmt.Errorf("%w: bad uri %q: %v", core.ErrInvalidInput, uri, err)
	}
	a := &attempt{original: uri, current: u, state: stateRequesting}

	for {
		switch a.state {
		case stateRequesting, stateRedirected:
			f.step(ctx, a)
		case stateSucceeded:
			d, err := ingest.FromReader(ctx, f.store, a.resp.Body, ingest.Options{Dir: f.staging})
			_ = a.resp.Body.Close()
			return d, err
		case stateFailed:
			return digest.Digest{}, a.err
		}
	}
}

// step issues one GET and moves a to its next state.
func (f *Fetcher) step(ctx context.Context, a *attempt) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.current.String(), nil)
	if err != nil {
		a.fail(fmt.Errorf("%w: %v", core.ErrInvalidInput, err))
		return
	}
	req.Header.Set("User-Agent", f.userAgent)

	f.log.Debug("fetch request", zap.String("uri", a.current.String()), zap.Int("hops", a.hops), zap.Stringer("state", a.state))
	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			a.fail(ctx.Err())
			return
		}
		a.fail(core.Unavailable("GET "+a.current.String(), err))
		return
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		a.resp = resp
		a.state = stateSucceeded

	case isRedirect(resp.StatusCode) && resp.Header.Get("Location") != "":
		discard(resp)
		loc, err := url.Parse(resp.Header.Get("Location"))
		if err != nil {
			a.fail(fmt.Errorf("%w: bad redirect location from %s: %v", core.ErrFetchStatus, a.current, err))
			return
		}
		next := a.current.ResolveReference(loc)
		if a.hops >= MaxRedirects {
			a.fail(&core.RedirectError{Original: a.original, Unresolved: next.String(), Hops: a.hops})
			return
		}
		a.hops++
		a.current = next
		a.state = stateRedirected

	default:
		discard(resp)
		a.fail(&core.StatusError{URI: a.current.String(), Code: resp.StatusCode})
	}
}

func (a *attempt) fail(err error) {
	a.err = err
	a.state = stateFailed
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}
