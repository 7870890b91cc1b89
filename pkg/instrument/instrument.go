// Package instrument decorates a Backend with Prometheus metrics and with
// logging whose severity follows where an error came from: bad client input
// is routine, corruption of stored data is an operational emergency.
package instrument

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/agenthands/remotecache/pkg/actionresult"
	"github.com/agenthands/remotecache/pkg/backend"
	"github.com/agenthands/remotecache/pkg/core"
	"github.com/agenthands/remotecache/pkg/digest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Result labels.
const (
	ResultOK          = "ok"
	ResultMiss        = "miss"
	ResultInbound     = "inbound"
	ResultCorrupt     = "corrupt"
	ResultUnavailable = "unavailable"
	ResultCanceled    = "canceled"
	ResultClosed      = "closed"
	ResultError       = "error"
)

type Metrics struct {
	ops      *prometheus.CounterVec
	duration *prometheus.HistogramVec
	bytes    *prometheus.CounterVec
}

// NewMetrics registers the backend metrics on reg.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = "remotecache"
	}
	f := promauto.With(reg)
	return &Metrics{
		ops: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "backend",
				Name:      "operations_total",
				Help:      "Backend operations by result",
			},
			[]string{"backend", "op", "result"},
		),
		duration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "backend",
				Name:      "operation_duration_seconds",
				Help:      "Backend operation latency in seconds",
				Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"backend", "op"},
		),
		bytes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "backend",
				Name:      "cas_bytes_total",
				Help:      "CAS payload bytes moved",
			},
			[]string{"backend", "direction"},
		),
	}
}

// OpsCounter returns the operation counter for one label set.
func (m *Metrics) OpsCounter(backendName, op, result string) (prometheus.Counter, error) {
	return m.ops.GetMetricWithLabelValues(backendName, op, result)
}

// BytesCounter returns the CAS payload counter for direction "in" or "out".
func (m *Metrics) BytesCounter(backendName, direction string) (prometheus.Counter, error) {
	return m.bytes.GetMetricWithLabelValues(backendName, direction)
}

// Classify maps err to a result label.
func Classify(err error) string {
	switch {
	case err == nil:
		return ResultOK
	case core.IsOutbound(err):
		return ResultCorrupt
	case core.IsInbound(err):
		return ResultInbound
	case errors.Is(err, core.ErrBackendUnavailable):
		return ResultUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ResultCanceled
	case errors.Is(err, core.ErrClosed):
		return ResultClosed
	default:
		return ResultError
	}
}

// Backend wraps another Backend. Metrics may be nil.
type Backend struct {
	next    backend.Backend
	name    string
	metrics *Metrics
	log     *zap.Logger
}

var (
	_ backend.Backend = (*Backend)(nil)
	_ backend.Lister  = (*Backend)(nil)
)

func Wrap(next backend.Backend, name string, m *Metrics, log *zap.Logger) *Backend {
	if log == nil {
		log = zap.NewNop()
	}
	return &Backend{next: next, name: name, metrics: m, log: log.With(zap.String("backend", name))}
}

// Unwrap returns the decorated backend.
func (b *Backend) Unwrap() backend.Backend { return b.next }

func (b *Backend) observe(op string, start time.Time, hit bool, err error, fields ...zap.Field) {
	result := Classify(err)
	if err == nil && !hit {
		result = ResultMiss
	}
	if b.metrics != nil {
		b.metrics.ops.WithLabelValues(b.name, op, result).Inc()
		b.metrics.duration.WithLabelValues(b.name, op).Observe(time.Since(start).Seconds())
	}
	b.logResult(op, result, err, fields...)
}

func (b *Backend) logResult(op, result string, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	fields = append(fields, zap.String("op", op), zap.Error(err))
	switch result {
	case ResultCorrupt:
		b.log.Error("stored data is corrupt", fields...)
	case ResultUnavailable:
		b.log.Warn("backend unavailable", fields...)
	case ResultError:
		b.log.Error("backend operation failed", fields...)
	default:
		b.log.Debug("backend operation rejected", fields...)
	}
}

func (b *Backend) addBytes(direction string, n int64) {
	if b.metrics != nil && n > 0 {
		b.metrics.bytes.WithLabelValues(b.name, direction).Add(float64(n))
	}
}

func (b *Backend) GetKV(ctx context.Context, key []byte) ([]byte, bool, error) {
	start := time.Now()
	v, ok, err := b.next.GetKV(ctx, key)
	b.observe("get_kv", start, ok, err)
	return v, ok, err
}

func (b *Backend) PutKV(ctx context.Context, key, value []byte) error {
	start := time.Now()
	err := b.next.PutKV(ctx, key, value)
	b.observe("put_kv", start, true, err)
	return err
}

func (b *Backend) GetActionResult(ctx context.Context, actionDigest digest.Digest) (*actionresult.ActionResult, bool, error) {
	start := time.Now()
	ar, ok, err := b.next.GetActionResult(ctx, actionDigest)
	b.observe("get_action_result", start, ok, err, zap.Stringer("action", actionDigest))
	return ar, ok, err
}

func (b *Backend) PutActionResult(ctx context.Context, actionDigest digest.Digest, ar *actionresult.ActionResult) (digest.Digest, error) {
	start := time.Now()
	d, err := b.next.PutActionResult(ctx, actionDigest, ar)
	b.observe("put_action_result", start, true, err, zap.Stringer("action", actionDigest))
	return d, err
}

func (b *Backend) CASExists(ctx context.Context, d digest.Digest) (bool, error) {
	start := time.Now()
	ok, err := b.next.CASExists(ctx, d)
	b.observe("cas_exists", start, ok, err, zap.Stringer("digest", d))
	return ok, err
}

func (b *Backend) CASFilterForMissing(ctx context.Context, ds []digest.Digest) ([]digest.Digest, error) {
	start := time.Now()
	n := len(ds)
	out, err := b.next.CASFilterForMissing(ctx, ds)
	b.observe("cas_filter_for_missing", start, true, err, zap.Int("requested", n))
	return out, err
}

func (b *Backend) CASInsert(ctx context.Context, d digest.Digest, data backend.Upload) error {
	start := time.Now()
	err := b.next.CASInsert(ctx, d, data)
	if err == nil {
		b.addBytes("in", d.SizeBytes)
	}
	b.observe("cas_insert", start, true, err, zap.Stringer("digest", d))
	return err
}

func (b *Backend) CASGetData(ctx context.Context, d digest.Digest) (io.ReadCloser, bool, error) {
	start := time.Now()
	rc, ok, err := b.next.CASGetData(ctx, d)
	b.observe("cas_get_data", start, ok, err, zap.Stringer("digest", d))
	if err != nil || !ok {
		return rc, ok, err
	}
	return &observedReader{ReadCloser: rc, b: b, d: d}, true, nil
}

func (b *Backend) BuildDigestFromHashIfPresent(ctx context.Context, hash string) (digest.Digest, bool, error) {
	start := time.Now()
	d, ok, err := b.next.BuildDigestFromHashIfPresent(ctx, hash)
	b.observe("build_digest_from_hash", start, ok, err, zap.String("hash", hash))
	return d, ok, err
}

func (b *Backend) CASIterate(ctx context.Context, fn func(d digest.Digest) error) error {
	l, ok := b.next.(backend.Lister)
	if !ok {
		return fmt.Errorf("%w: %s backend cannot enumerate blobs", core.ErrInvalidInput, b.name)
	}
	start := time.Now()
	err := l.CASIterate(ctx, fn)
	b.observe("cas_iterate", start, true, err)
	return err
}

func (b *Backend) Close() error {
	return b.next.Close()
}

// observedReader counts delivered bytes and reports corruption detected
// while the caller streams the blob.
type observedReader struct {
	io.ReadCloser
	b        *Backend
	d        digest.Digest
	n        int64
	reported bool
}

func (r *observedReader) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	r.n += int64(n)
	if err != nil && err != io.EOF && !r.reported {
		r.reported = true
		result := Classify(err)
		if r.b.metrics != nil {
			r.b.metrics.ops.WithLabelValues(r.b.name, "cas_read", result).Inc()
		}
		r.b.logResult("cas_read", result, err, zap.Stringer("digest", r.d))
	}
	return n, err
}

func (r *observedReader) Close() error {
	r.b.addBytes("out", r.n)
	return r.ReadCloser.Close()
}
