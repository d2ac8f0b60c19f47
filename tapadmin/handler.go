package tapadmin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bernerdschaefer/eventsource"
	"github.com/peterbourgon/tap"
	"go.uber.org/zap"
)

// Close reasons sent to the operator when the handler ends a stream itself.
var (
	errTimeout  = errors.New("timeout")
	errMaxBytes = errors.New("max bytes reached")
)

// CloseReasonTrailer is the HTTP trailer carrying the reason a raw stream
// ended. Event streams carry it in the close event instead.
const CloseReasonTrailer = "Tap-Close-Reason"

// Handler is the HTTP management endpoint for a registry. Mount it at a
// prefix like /tap and at the same prefix with a trailing slash.
//
//	GET|POST <prefix>          attach and stream traces
//	GET      <prefix>/configs  list registered config IDs
//
// Requests that accept text/event-stream get server-sent events of type init,
// trace, stats, and close. Other requests get a chunked body of encoded
// traces, flushed after each trace, and the reason the stream ended in the
// [CloseReasonTrailer] trailer.
type Handler struct {
	registry *Registry
	logger   *zap.Logger
}

// NewHandler returns a handler for the registry. A nil logger logs nothing.
func NewHandler(registry *Registry, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		registry: registry,
		logger:   logger,
	}
}

// ServeHTTP implements [http.Handler].
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasSuffix(strings.TrimSuffix(r.URL.Path, "/"), "/configs"):
		h.handleConfigs(w, r)
	default:
		h.handleAttach(w, r)
	}
}

func (h *Handler) handleConfigs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, fmt.Errorf("method %s not allowed", r.Method), http.StatusMethodNotAllowed)
		return
	}

	snap, err := h.registry.Snapshot(r.Context())
	if err != nil {
		respondError(w, err, statusCode(err))
		return
	}

	respondJSON(w, http.StatusOK, snap)
}

func (h *Handler) handleAttach(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		respondError(w, fmt.Errorf("method %s not allowed", r.Method), http.StatusMethodNotAllowed)
		return
	}

	req, err := ParseAttachRequest(w, r)
	if err != nil {
		h.logger.Debug("rejected attach request", zap.Error(err))
		respondError(w, err, statusCode(err))
		return
	}

	events := RequestExplicitlyAccepts(r, "text/event-stream")
	if events && !req.Format.IsText() {
		err := fmt.Errorf("%w: format %s can't be sent as server-sent events", tap.ErrMalformedRequest, req.Format)
		respondError(w, err, statusCode(err))
		return
	}

	stream := NewChanStream(req.SendBuffer)

	if err := h.registry.Attach(r.Context(), req.ConfigID, stream); err != nil {
		h.logger.Info("attach rejected", zap.Stringer("request", req), zap.Error(err))
		respondError(w, err, statusCode(err))
		return
	}
	defer h.registry.Detach(stream)

	session, err := h.registry.Session(r.Context(), stream)
	if err != nil {
		h.logger.Debug("get session", zap.String("config_id", req.ConfigID), zap.Error(err))
	}
	logger := h.logger.With(zap.String("config_id", req.ConfigID), zap.String("session", session))
	logger.Info("streaming", zap.Stringer("request", req), zap.Bool("events", events))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var timeoutc <-chan time.Time
	if req.Timeout > 0 {
		t := time.NewTimer(req.Timeout)
		defer t.Stop()
		timeoutc = t.C
	}

	a := &attachment{
		req:      req,
		registry: h.registry,
		stream:   stream,
		session:  session,
		timeoutc: timeoutc,
		logger:   logger,
	}

	var reason error
	if events {
		reason = a.serveEvents(ctx, w, r)
	} else {
		reason = a.serveRaw(ctx, w)
	}

	logger.Info("stream finished", zap.Int("bytes", a.written), zap.NamedError("reason", reason))
}

// attachment is the state of one attached HTTP request.
type attachment struct {
	req      AttachRequest
	registry *Registry
	stream   *ChanStream
	session  string
	timeoutc <-chan time.Time
	logger   *zap.Logger
	written  int
}

// next waits for the next trace, or returns a non-nil reason the stream is
// over. Traces already buffered when the registry closes the stream are
// still returned. If tick fires first, next returns nil, nil.
func (a *attachment) next(ctx context.Context, stop <-chan bool, tick <-chan time.Time) (*tap.Trace, error) {
	select {
	case tr := <-a.stream.Traces():
		return tr, nil
	case <-a.stream.Done():
		select {
		case tr := <-a.stream.Traces():
			return tr, nil
		default:
			return nil, a.stream.Err()
		}
	case <-a.timeoutc:
		return nil, errTimeout
	case <-stop:
		return nil, context.Canceled
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-tick:
		return nil, nil
	}
}

func (a *attachment) full() bool {
	return a.req.MaxBytes > 0 && a.written >= a.req.MaxBytes
}

func (a *attachment) serveRaw(ctx context.Context, w http.ResponseWriter) (reason error) {
	rc := http.NewResponseController(w)

	w.Header().Set("content-type", a.req.Format.ContentType())
	w.Header().Set("cache-control", "no-cache")
	w.Header().Set("x-tap-session", a.session)
	w.Header().Set("trailer", CloseReasonTrailer)
	w.WriteHeader(http.StatusOK)
	defer func() {
		if reason != nil {
			w.Header().Set(CloseReasonTrailer, reason.Error())
		}
	}()
	if err := rc.Flush(); err != nil {
		a.logger.Debug("flush headers", zap.Error(err))
	}

	for {
		tr, reason := a.next(ctx, nil, nil)
		if reason != nil {
			return reason
		}

		n, err := a.req.Format.Encode(w, tr)
		a.written += n
		if err != nil {
			return fmt.Errorf("write trace: %w", err)
		}
		if err := rc.Flush(); err != nil {
			return fmt.Errorf("flush: %w", err)
		}

		if a.full() {
			return errMaxBytes
		}
	}
}

func (a *attachment) serveEvents(ctx context.Context, w http.ResponseWriter, r *http.Request) (reason error) {
	eventsource.Handler(func(lastID string, enc *eventsource.Encoder, stop <-chan bool) {
		encode := func(eventType string, v any) error {
			data, ok := v.([]byte)
			if !ok {
				var err error
				if data, err = json.Marshal(v); err != nil {
					return fmt.Errorf("marshal %s event: %w", eventType, err)
				}
			}
			return enc.Encode(eventsource.Event{Type: eventType, Data: data})
		}

		closeWith := func(err error) {
			reason = err
			if encErr := encode("close", map[string]string{"reason": err.Error()}); encErr != nil {
				a.logger.Debug("encode close", zap.Error(encErr))
			}
		}

		if err := encode("init", map[string]any{
			"config_id": a.req.ConfigID,
			"session":   a.session,
			"format":    a.req.Format,
			"sendbuf":   a.req.SendBuffer,
			"stats":     a.req.StatsInterval.String(),
		}); err != nil {
			reason = fmt.Errorf("encode init: %w", err)
			return
		}

		stats := time.NewTicker(a.req.StatsInterval)
		defer stats.Stop()

		for {
			tr, err := a.next(ctx, stop, stats.C)
			switch {
			case err != nil:
				closeWith(err)
				return

			case tr == nil:
				st, err := a.registry.Stats(ctx, a.stream)
				if err != nil {
					continue // detached concurrently, close event follows
				}
				if err := encode("stats", st); err != nil {
					reason = fmt.Errorf("encode stats: %w", err)
					return
				}

			default:
				data, err := a.req.Format.Marshal(tr)
				if err != nil {
					a.logger.Error("marshal trace", zap.String("trace_id", tr.ID), zap.Error(err))
					continue
				}
				data = bytes.TrimRight(data, "\n")
				if err := encode("trace", data); err != nil {
					reason = fmt.Errorf("encode trace: %w", err)
					return
				}
				a.written += len(data)
				if a.full() {
					closeWith(errMaxBytes)
					return
				}
			}
		}
	}).ServeHTTP(w, r)

	return reason
}
