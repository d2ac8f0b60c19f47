// Package tapadmin implements the tap registry and its management endpoint.
//
// Extensions register with a [Registry] under a config ID. An operator attaches
// to a config ID, typically via the [Handler] HTTP endpoint, and receives every
// trace submitted by extensions registered under that ID until they detach.
// At most one attachment is active at any time.
//
// All registry state is owned by a single dispatcher goroutine. Registration
// and attach/detach calls hop onto that goroutine and wait; trace submissions
// are posted to it and return immediately. Each posted delivery re-checks the
// attachment when it runs, so a trace that races with a detach is dropped
// rather than delivered to a stream that's gone.
package tapadmin

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/peterbourgon/tap"
	"github.com/peterbourgon/tap/internal/tapdispatch"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Registry tracks tappable extensions by config ID, owns the single
// attachment slot, and routes submitted traces to the attached stream.
type Registry struct {
	dispatcher *tapdispatch.Dispatcher
	logger     *zap.Logger
	metrics    *metrics
	active     atomic.Bool // mirrors attached != nil, read off the dispatcher

	// Owned by the dispatcher goroutine.
	configs  map[string]map[tap.ExtensionConfig]struct{}
	configID map[tap.ExtensionConfig]string
	attached *attachedRequest
}

var _ tap.Admin = (*Registry)(nil)

type attachedRequest struct {
	configID string
	stream   Stream
	session  string
	start    time.Time
	stats    Stats
}

// Option configures a registry.
type Option func(*registryConfig)

type registryConfig struct {
	logger     *zap.Logger
	registerer prometheus.Registerer
}

// WithLogger sets the logger used by the registry. By default, nothing is
// logged.
func WithLogger(logger *zap.Logger) Option {
	return func(c *registryConfig) { c.logger = logger }
}

// WithRegisterer registers the registry's metrics with r. By default, metrics
// are kept in a private prometheus registry.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(c *registryConfig) { c.registerer = r }
}

// NewRegistry returns a new, empty registry. Callers must eventually call
// Close to stop its dispatcher goroutine.
func NewRegistry(opts ...Option) *Registry {
	var cfg registryConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	return &Registry{
		dispatcher: tapdispatch.New(),
		logger:     cfg.logger,
		metrics:    newMetrics(cfg.registerer),
		configs:    map[string]map[tap.ExtensionConfig]struct{}{},
		configID:   map[tap.ExtensionConfig]string{},
	}
}

// RegisterConfig makes ext tappable under configID. Multiple extensions can
// share a config ID, in which case they're tapped in aggregate. Registering an
// extension which is already registered moves it to the new config ID.
//
// If an operator is already attached to configID, ext has streaming enabled
// before RegisterConfig returns.
func (r *Registry) RegisterConfig(ext tap.ExtensionConfig, configID string) {
	r.do(func() {
		prev, moved := r.configID[ext]
		if moved {
			if prev == configID {
				return
			}
			r.removeLocked(ext, prev)
		}

		set, ok := r.configs[configID]
		if !ok {
			set = map[tap.ExtensionConfig]struct{}{}
			r.configs[configID] = set
		}
		set[ext] = struct{}{}
		r.configID[ext] = configID
		r.metrics.registered.Set(float64(len(r.configID)))

		r.logger.Debug("registered extension", zap.String("config_id", configID), zap.Int("count", len(set)))

		if streaming := r.attached != nil && r.attached.configID == configID; streaming || moved {
			ext.SetStreamingEnabled(streaming)
		}
	})
}

// UnregisterConfig removes ext from the registry. If ext was the last
// extension under the config ID of the active attachment, the attachment is
// closed with [tap.ErrExtensionGone]. Once UnregisterConfig returns, the
// registry holds no reference to ext. Unknown extensions are ignored.
func (r *Registry) UnregisterConfig(ext tap.ExtensionConfig) {
	r.do(func() {
		configID, ok := r.configID[ext]
		if !ok {
			return
		}
		r.removeLocked(ext, configID)
		r.metrics.registered.Set(float64(len(r.configID)))
		r.logger.Debug("unregistered extension", zap.String("config_id", configID))
	})
}

// removeLocked must be called from the dispatcher goroutine.
func (r *Registry) removeLocked(ext tap.ExtensionConfig, configID string) {
	delete(r.configID, ext)

	set := r.configs[configID]
	delete(set, ext)
	if len(set) > 0 {
		return
	}
	delete(r.configs, configID)

	if r.attached != nil && r.attached.configID == configID {
		r.logger.Info("closing attachment, no extensions remain",
			zap.String("config_id", configID),
			zap.String("session", r.attached.session),
			zap.Stringer("stats", r.attached.stats),
		)
		r.metrics.forcedDetaches.Inc()
		r.closeAttachedLocked(fmt.Errorf("%w (%s)", tap.ErrExtensionGone, configID))
	}
}

// Attach binds stream to configID. It returns an error wrapping
// [tap.ErrMalformedRequest] if configID is empty, [tap.ErrAlreadyAttached] if
// any attachment is active, or [tap.ErrNotFound] if no extensions are
// registered under configID. On success, every extension under configID has
// streaming enabled, and traces they submit are sent to stream until it's
// detached.
func (r *Registry) Attach(ctx context.Context, configID string, stream Stream) error {
	if configID == "" {
		r.metrics.attachRequests.WithLabelValues(attachMalformed).Inc()
		return fmt.Errorf("%w: config ID is required", tap.ErrMalformedRequest)
	}
	if stream == nil {
		r.metrics.attachRequests.WithLabelValues(attachMalformed).Inc()
		return fmt.Errorf("%w: stream is required", tap.ErrMalformedRequest)
	}

	var err error
	if doErr := r.dispatcher.Do(ctx, func() {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
			return
		}
		err = r.attachLocked(configID, stream)
	}); doErr != nil {
		// The attach task may still run, or may have run, after Do gave up
		// waiting. Nobody will detach a stream whose attach failed, so unbind
		// it here. The queue is FIFO, so this runs after the attach task.
		r.dispatcher.Post(func() {
			if r.attached != nil && r.attached.stream == stream {
				r.logger.Debug("unbinding abandoned attachment", zap.String("config_id", configID))
				r.clearAttachedLocked()
			}
		})
		return r.dispatchError(doErr)
	}
	return err
}

func (r *Registry) attachLocked(configID string, stream Stream) error {
	if r.attached != nil {
		r.metrics.attachRequests.WithLabelValues(attachAlreadyAttached).Inc()
		return fmt.Errorf("%w (%s)", tap.ErrAlreadyAttached, r.attached.configID)
	}

	set := r.configs[configID]
	if len(set) <= 0 {
		r.metrics.attachRequests.WithLabelValues(attachNotFound).Inc()
		return fmt.Errorf("%w (%s)", tap.ErrNotFound, configID)
	}

	now := time.Now()
	r.attached = &attachedRequest{
		configID: configID,
		stream:   stream,
		session:  ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		start:    now,
	}
	r.active.Store(true)
	r.metrics.attached.Set(1)
	r.metrics.attachRequests.WithLabelValues(attachAccepted).Inc()

	for ext := range set {
		ext.SetStreamingEnabled(true)
	}

	r.logger.Info("attached",
		zap.String("config_id", configID),
		zap.String("session", r.attached.session),
		zap.Int("extensions", len(set)),
	)

	return nil
}

// Detach unbinds stream, if it's the attached stream, and disables streaming
// on the extensions it was bound to. Detaching a stream that isn't attached,
// e.g. because it was already force-detached, is a no-op. The stream's Close
// method is not called.
func (r *Registry) Detach(stream Stream) {
	r.do(func() {
		if r.attached == nil || r.attached.stream != stream {
			return
		}
		r.logger.Info("detached",
			zap.String("config_id", r.attached.configID),
			zap.String("session", r.attached.session),
			zap.Duration("duration", time.Since(r.attached.start)),
			zap.Stringer("stats", r.attached.stats),
		)
		r.clearAttachedLocked()
	})
}

// Session returns the session ID of the attachment bound to stream, or the
// empty string if stream isn't attached.
func (r *Registry) Session(ctx context.Context, stream Stream) (string, error) {
	var session string
	if err := r.dispatcher.Do(ctx, func() {
		if r.attached != nil && r.attached.stream == stream {
			session = r.attached.session
		}
	}); err != nil {
		return "", r.dispatchError(err)
	}
	return session, nil
}

// Stats returns stats for the attachment bound to stream.
func (r *Registry) Stats(ctx context.Context, stream Stream) (Stats, error) {
	var (
		stats    Stats
		attached bool
	)
	if err := r.dispatcher.Do(ctx, func() {
		if r.attached != nil && r.attached.stream == stream {
			stats, attached = r.attached.stats, true
		}
	}); err != nil {
		return Stats{}, r.dispatchError(err)
	}
	if !attached {
		return Stats{}, errors.New("not attached")
	}
	return stats, nil
}

// SubmitTrace implements [tap.Sink]. It may be called from any goroutine, and
// never blocks beyond enqueueing the trace. Traces are delivered only if an
// attachment bound to tr.ConfigID is active when the delivery runs on the
// dispatcher goroutine; otherwise they're silently dropped.
func (r *Registry) SubmitTrace(tr *tap.Trace) {
	r.metrics.submitted.Inc()

	if !r.active.Load() { // optimization, re-checked below
		r.metrics.dropped.WithLabelValues(dropInactive).Inc()
		return
	}

	if !r.dispatcher.Post(func() { r.deliverLocked(tr) }) {
		r.metrics.dropped.WithLabelValues(dropClosed).Inc()
	}
}

func (r *Registry) deliverLocked(tr *tap.Trace) {
	switch {
	case r.attached == nil:
		r.metrics.dropped.WithLabelValues(dropInactive).Inc()

	case r.attached.configID != tr.ConfigID:
		r.attached.stats.Skips++
		r.metrics.dropped.WithLabelValues(dropMismatch).Inc()

	case !r.attached.stream.Send(tr):
		r.attached.stats.Drops++
		r.metrics.dropped.WithLabelValues(dropOverflow).Inc()

	default:
		r.attached.stats.Sends++
		r.metrics.forwarded.Inc()
	}
}

// Snapshot describes the registry at a point in time.
type Snapshot struct {
	Configs  map[string]int `json:"configs"`
	Attached string         `json:"attached,omitempty"`
	Session  string         `json:"session,omitempty"`
}

// Snapshot returns the number of extensions registered under each config ID,
// and the config ID of the active attachment, if any.
func (r *Registry) Snapshot(ctx context.Context) (Snapshot, error) {
	var s Snapshot
	if err := r.dispatcher.Do(ctx, func() {
		s.Configs = make(map[string]int, len(r.configs))
		for id, set := range r.configs {
			s.Configs[id] = len(set)
		}
		if r.attached != nil {
			s.Attached, s.Session = r.attached.configID, r.attached.session
		}
	}); err != nil {
		return Snapshot{}, r.dispatchError(err)
	}
	return s, nil
}

// Close force-detaches any active attachment with [tap.ErrClosed], and stops
// the dispatcher. Traces submitted after Close are dropped. Close is
// idempotent.
func (r *Registry) Close() error {
	r.dispatcher.Post(func() {
		if r.attached != nil {
			r.closeAttachedLocked(tap.ErrClosed)
		}
	})
	r.dispatcher.Close()
	return nil
}

// closeAttachedLocked must be called from the dispatcher goroutine.
func (r *Registry) closeAttachedLocked(reason error) {
	stream := r.attached.stream
	r.clearAttachedLocked()
	stream.Close(reason)
}

// clearAttachedLocked must be called from the dispatcher goroutine.
func (r *Registry) clearAttachedLocked() {
	for ext := range r.configs[r.attached.configID] {
		ext.SetStreamingEnabled(false)
	}
	r.attached = nil
	r.active.Store(false)
	r.metrics.attached.Set(0)
}

// do runs fn on the dispatcher and waits for it. Registration and detach must
// not be abandoned halfway, so there's no context: if the dispatcher is
// closed, fn simply doesn't run.
func (r *Registry) do(fn func()) {
	if err := r.dispatcher.Do(context.Background(), fn); err != nil {
		r.logger.Debug("registry operation skipped", zap.Error(err))
	}
}

func (r *Registry) dispatchError(err error) error {
	if errors.Is(err, tapdispatch.ErrClosed) {
		return tap.ErrClosed
	}
	return err
}
