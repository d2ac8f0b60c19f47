// Package tap provides the shared vocabulary for live traffic taps in a proxy.
//
// The basic idea is that traffic-inspection extensions (an HTTP filter, a
// transport socket wrapper, and so on) capture what they observe into a
// [Trace], and hand that trace to a [Sink]. Extensions which are meant to be
// managed at runtime register themselves with an [Admin] under a config ID.
// An operator can then attach to that config ID via a management endpoint, and
// receive traces from every extension registered under it, in real time, for
// as long as the attachment lasts.
//
// Capture is best-effort. When nobody is attached, traces submitted to the
// admin are dropped, and extensions are told (via
// [ExtensionConfig.SetStreamingEnabled]) that they can skip the work of
// capturing entirely.
//
// Most programs want [github.com/peterbourgon/tap/tapadmin] for the registry
// and management endpoint, [github.com/peterbourgon/tap/taphttp] and
// [github.com/peterbourgon/tap/tapsocket] for the extensions, and
// [github.com/peterbourgon/tap/tapfile] for static file output.
package tap
