// Package taphttp provides an HTTP middleware which captures requests and
// responses as tap traces.
//
// A filter registers with a [tap.Admin] under its config ID. While an operator
// is attached to that ID, every request through the middleware is buffered and
// submitted to the admin. A filter may also have a static sink, e.g. a
// [github.com/peterbourgon/tap/tapfile.Sink], which receives every trace
// regardless of attachments. With neither, the middleware is a pass-through.
package taphttp

import (
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/peterbourgon/tap"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// DefaultMaxBufferedBytes is the default per-body capture limit.
const DefaultMaxBufferedBytes = 1024

// Config for a filter.
type Config struct {
	// ConfigID to register under. If empty, the filter doesn't register with
	// the admin, and only the static sink receives traces.
	ConfigID string

	// Admin to register with. Optional.
	Admin tap.Admin

	// Sink receives every trace, independent of any attachment. Optional.
	Sink tap.Sink

	// MaxBufferedBytes captured per body. Bytes beyond this are forwarded but
	// not captured, and the body is marked truncated. Default 1024.
	MaxBufferedBytes int

	// Registerer for the tapped requests counter. Optional.
	Registerer prometheus.Registerer

	// Logger. Optional.
	Logger *zap.Logger
}

// Filter is an HTTP tap extension.
type Filter struct {
	cfg       Config
	streaming atomic.Bool
	tapped    prometheus.Counter
	closed    atomic.Bool
}

var _ tap.ExtensionConfig = (*Filter)(nil)

// NewFilter returns a filter, registered with cfg.Admin if both it and
// cfg.ConfigID are set. Callers should Close the filter when it's no longer
// in use.
func NewFilter(cfg Config) *Filter {
	if cfg.MaxBufferedBytes <= 0 {
		cfg.MaxBufferedBytes = DefaultMaxBufferedBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.NewRegistry()
	}

	f := &Filter{
		cfg:    cfg,
		tapped: tappedCounter(cfg.Registerer, cfg.Logger).WithLabelValues(cfg.ConfigID),
	}

	if f.registered() {
		cfg.Admin.RegisterConfig(f, cfg.ConfigID)
	}

	return f
}

func tappedCounter(r prometheus.Registerer, logger *zap.Logger) *prometheus.CounterVec {
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tap_http_requests_tapped_total",
		Help: "HTTP requests captured by tap filters.",
	}, []string{"config_id"})

	if err := r.Register(vec); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
		logger.Warn("register tapped requests counter", zap.Error(err))
	}

	return vec
}

func (f *Filter) registered() bool {
	return f.cfg.Admin != nil && f.cfg.ConfigID != ""
}

// SetStreamingEnabled implements [tap.ExtensionConfig].
func (f *Filter) SetStreamingEnabled(enabled bool) {
	f.streaming.Store(enabled)
	f.cfg.Logger.Debug("streaming", zap.String("config_id", f.cfg.ConfigID), zap.Bool("enabled", enabled))
}

// Close unregisters the filter from the admin. Close is idempotent.
func (f *Filter) Close() error {
	if f.closed.CompareAndSwap(false, true) && f.registered() {
		f.cfg.Admin.UnregisterConfig(f)
	}
	return nil
}

// Middleware decorates next, capturing each request and response while the
// filter is tapping.
func (f *Filter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		streaming := f.streaming.Load()
		if !streaming && f.cfg.Sink == nil {
			next.ServeHTTP(w, r)
			return
		}

		var (
			tr  = tap.NewTrace(f.cfg.ConfigID, time.Now())
			ht  = &tap.HTTPTrace{}
			max = f.cfg.MaxBufferedBytes
		)

		ht.Request = tap.Message{
			Method:  r.Method,
			Path:    r.URL.RequestURI(),
			Headers: tap.HeadersFrom(r.Header),
		}

		if r.Body != nil && r.Body != http.NoBody {
			r.Body = &bodyRecorder{ReadCloser: r.Body, body: &ht.Request.Body, max: max}
		}

		iw := newInterceptor(w, &ht.Response, max)
		next.ServeHTTP(iw, r)
		iw.finish()

		ht.Request.Trailers = tap.HeadersFrom(r.Trailer)
		tr.HTTP = ht

		if streaming {
			f.cfg.Admin.SubmitTrace(tr)
		}
		if f.cfg.Sink != nil {
			f.cfg.Sink.SubmitTrace(tr)
		}
		f.tapped.Inc()
	})
}
