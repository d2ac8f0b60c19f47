package tapadmin

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Drop reasons, used as the reason label of the dropped traces counter.
const (
	dropInactive = "inactive" // no attachment when submitted
	dropMismatch = "mismatch" // attached, but to a different config ID
	dropOverflow = "overflow" // attached stream's buffer was full
	dropClosed   = "closed"   // registry was closed
)

// Attach results, used as the result label of the attach requests counter.
const (
	attachAccepted        = "accepted"
	attachNotFound        = "not_found"
	attachAlreadyAttached = "already_attached"
	attachMalformed       = "malformed"
)

type metrics struct {
	submitted      prometheus.Counter
	forwarded      prometheus.Counter
	dropped        *prometheus.CounterVec
	attachRequests *prometheus.CounterVec
	forcedDetaches prometheus.Counter
	registered     prometheus.Gauge
	attached       prometheus.Gauge
}

func newMetrics(r prometheus.Registerer) *metrics {
	if r == nil {
		r = prometheus.NewRegistry() // private, effectively discarded
	}
	return &metrics{
		submitted: register(r, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tap_traces_submitted_total",
			Help: "Traces submitted to the tap registry by extensions.",
		})),
		forwarded: register(r, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tap_traces_forwarded_total",
			Help: "Traces forwarded to an attached operator stream.",
		})),
		dropped: register(r, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tap_traces_dropped_total",
			Help: "Traces dropped by the tap registry, by reason.",
		}, []string{"reason"})),
		attachRequests: register(r, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tap_attach_requests_total",
			Help: "Attach requests, by result.",
		}, []string{"result"})),
		forcedDetaches: register(r, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tap_forced_detaches_total",
			Help: "Attachments closed because their extensions went away.",
		})),
		registered: register(r, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tap_registered_extensions",
			Help: "Extensions currently registered with the tap registry.",
		})),
		attached: register(r, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tap_attached",
			Help: "1 if an operator stream is attached, 0 otherwise.",
		})),
	}
}

// register c with r, or return the equivalent collector already registered,
// so that successive registries from one manager can share a registerer.
func register[T prometheus.Collector](r prometheus.Registerer, c T) T {
	if err := r.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}
