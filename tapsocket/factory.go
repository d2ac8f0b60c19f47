// Package tapsocket decorates transport sockets so that the bytes they carry
// are captured as tap traces.
//
// A [Factory] wraps an inner [TransportSocketFactory]. Every connection it
// creates is first built by the inner factory, e.g. a TLS handshake, and then
// wrapped in a tapping net.Conn which forwards every operation and records
// each read, write, and close. When the connection closes, the recorded
// events are emitted as a single trace.
package tapsocket

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/peterbourgon/tap"
	"github.com/peterbourgon/tap/tapfile"
	"go.uber.org/zap"
)

// TransportSocketFactory turns a raw connection into a transport socket.
type TransportSocketFactory interface {
	NewTransportSocket(ctx context.Context, conn net.Conn) (net.Conn, error)
}

// RawBufferFactory returns connections unmodified.
type RawBufferFactory struct{}

// NewTransportSocket implements TransportSocketFactory.
func (RawBufferFactory) NewTransportSocket(ctx context.Context, conn net.Conn) (net.Conn, error) {
	return conn, nil
}

// TLSFactory wraps connections in TLS, and completes the handshake before
// returning them.
type TLSFactory struct {
	Config *tls.Config
	Server bool
}

// NewTransportSocket implements TransportSocketFactory.
func (f TLSFactory) NewTransportSocket(ctx context.Context, conn net.Conn) (net.Conn, error) {
	var tc *tls.Conn
	if f.Server {
		tc = tls.Server(conn, f.Config)
	} else {
		tc = tls.Client(conn, f.Config)
	}
	if err := tc.HandshakeContext(ctx); err != nil {
		return nil, errors.Join(err, tc.Close())
	}
	return tc, nil
}

// DefaultMaxBufferedBytes is the default per-direction capture limit.
const DefaultMaxBufferedBytes = 1 << 20

// Options for a tapping factory.
type Options struct {
	// PathPrefix enables a file sink, writing one file per connection.
	// Optional.
	PathPrefix string

	// Format of the files written under PathPrefix.
	Format tap.Format

	// Clock for event timestamps. Default time.Now.
	Clock func() time.Time

	// MaxBufferedBytes captured per direction per connection. Bytes beyond
	// this are forwarded but not captured. Default 1MiB.
	MaxBufferedBytes int

	// ConfigID and Admin, if both set, make the factory tappable by an
	// attached operator.
	ConfigID string
	Admin    tap.Admin

	// Logger. Optional.
	Logger *zap.Logger
}

// Factory is a tapping transport socket factory.
type Factory struct {
	inner     TransportSocketFactory
	opts      Options
	sink      tap.Sink
	streaming atomic.Bool
	closed    atomic.Bool
}

var (
	_ TransportSocketFactory = (*Factory)(nil)
	_ tap.ExtensionConfig    = (*Factory)(nil)
)

// NewFactory returns a factory wrapping inner. It fails only if the file sink
// options are invalid.
func NewFactory(inner TransportSocketFactory, opts Options) (*Factory, error) {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.MaxBufferedBytes <= 0 {
		opts.MaxBufferedBytes = DefaultMaxBufferedBytes
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	f := &Factory{
		inner: inner,
		opts:  opts,
	}

	if opts.PathPrefix != "" {
		sink, err := tapfile.NewSink(tapfile.Options{
			PathPrefix: opts.PathPrefix,
			Format:     opts.Format,
			Logger:     opts.Logger,
		})
		if err != nil {
			return nil, err
		}
		f.sink = sink
	}

	if f.registered() {
		opts.Admin.RegisterConfig(f, opts.ConfigID)
	}

	return f, nil
}

func (f *Factory) registered() bool {
	return f.opts.Admin != nil && f.opts.ConfigID != ""
}

// SetStreamingEnabled implements [tap.ExtensionConfig]. It affects
// connections created afterwards.
func (f *Factory) SetStreamingEnabled(enabled bool) {
	f.streaming.Store(enabled)
	f.opts.Logger.Debug("streaming", zap.String("config_id", f.opts.ConfigID), zap.Bool("enabled", enabled))
}

// NewTransportSocket implements TransportSocketFactory. Connections are
// tapped if the factory has a file sink, or if streaming is enabled.
func (f *Factory) NewTransportSocket(ctx context.Context, conn net.Conn) (net.Conn, error) {
	c, err := f.inner.NewTransportSocket(ctx, conn)
	if err != nil {
		return nil, err
	}

	var sinks tap.MultiSink
	if f.sink != nil {
		sinks = append(sinks, f.sink)
	}
	if f.streaming.Load() {
		sinks = append(sinks, f.opts.Admin)
	}
	if len(sinks) <= 0 {
		return c, nil
	}

	return newConn(c, f.opts.ConfigID, sinks, f.opts.Clock, f.opts.MaxBufferedBytes), nil
}

// Close unregisters the factory from the admin. Connections already created
// are unaffected. Close is idempotent.
func (f *Factory) Close() error {
	if f.closed.CompareAndSwap(false, true) && f.registered() {
		f.opts.Admin.UnregisterConfig(f)
	}
	return nil
}
