package tap

// ExtensionConfig is a tappable unit, e.g. one HTTP filter instance. Many
// instances may register under the same config ID, so that they can be tapped
// in aggregate.
//
// Implementations are used as map keys, and so must be comparable. In
// practice, they're always pointers.
type ExtensionConfig interface {
	// SetStreamingEnabled is called when an operator attaches to, or detaches
	// from, the config ID the extension is registered under. Extensions should
	// skip capture work when streaming is disabled and they have no other
	// reason to capture.
	//
	// The method is called from the admin's own goroutine, and must not call
	// back into the admin synchronously.
	SetStreamingEnabled(enabled bool)
}

// Sink receives captured traces. SubmitTrace may be called from any goroutine,
// and must not block beyond enqueueing the trace. Submission is fire and
// forget: sinks never report errors to producers.
type Sink interface {
	SubmitTrace(tr *Trace)
}

// SinkFunc adapts a function to a sink.
type SinkFunc func(tr *Trace)

// SubmitTrace implements Sink.
func (f SinkFunc) SubmitTrace(tr *Trace) { f(tr) }

// Admin is a consumer contract for the tap registry, as seen by extensions.
// The typical implementation is [github.com/peterbourgon/tap/tapadmin.Registry].
type Admin interface {
	Sink

	// RegisterConfig makes the extension tappable under the given config ID.
	RegisterConfig(ext ExtensionConfig, configID string)

	// UnregisterConfig removes the extension. Once it returns, the admin holds
	// no reference to ext, and will not call it again.
	UnregisterConfig(ext ExtensionConfig)
}

// MultiSink fans a trace out to every sink in the slice.
type MultiSink []Sink

// SubmitTrace implements Sink.
func (ms MultiSink) SubmitTrace(tr *Trace) {
	for _, s := range ms {
		s.SubmitTrace(tr)
	}
}
