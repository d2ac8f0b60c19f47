package tapsocket_test

import (
	"context"
	"errors"
	"io"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/peterbourgon/tap"
	"github.com/peterbourgon/tap/tapadmin"
	"github.com/peterbourgon/tap/tapsocket"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// attachedAdmin enables streaming on registration, as if an operator were
// already attached, and collects submitted traces.
type attachedAdmin struct {
	mtx    sync.Mutex
	exts   map[tap.ExtensionConfig]string
	traces []*tap.Trace
}

func newAttachedAdmin() *attachedAdmin {
	return &attachedAdmin{exts: map[tap.ExtensionConfig]string{}}
}

func (a *attachedAdmin) RegisterConfig(ext tap.ExtensionConfig, configID string) {
	a.mtx.Lock()
	a.exts[ext] = configID
	a.mtx.Unlock()
	ext.SetStreamingEnabled(true)
}

func (a *attachedAdmin) UnregisterConfig(ext tap.ExtensionConfig) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	delete(a.exts, ext)
}

func (a *attachedAdmin) SubmitTrace(tr *tap.Trace) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	a.traces = append(a.traces, tr)
}

func (a *attachedAdmin) Traces() []*tap.Trace {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return append([]*tap.Trace(nil), a.traces...)
}

func (a *attachedAdmin) Registered() int {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return len(a.exts)
}

// stepClock returns a clock which advances one second per call.
func stepClock() func() time.Time {
	var (
		mtx sync.Mutex
		t   = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	)
	return func() time.Time {
		mtx.Lock()
		defer mtx.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func TestFactoryRecordsConnection(t *testing.T) {
	t.Parallel()

	var (
		ctx   = context.Background()
		admin = newAttachedAdmin()
	)

	f, err := tapsocket.NewFactory(tapsocket.RawBufferFactory{}, tapsocket.Options{
		ConfigID: "conn1",
		Admin:    admin,
		Clock:    stepClock(),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	local, remote := net.Pipe()
	defer remote.Close()

	c, err := f.NewTransportSocket(ctx, local)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		if _, err := remote.Write([]byte("ping")); err != nil {
			done <- err
			return
		}
		buf := make([]byte, 4)
		if _, err := io.ReadFull(remote, buf); err != nil {
			done <- err
			return
		}
		if want, have := "pong", string(buf); want != have {
			done <- errors.New("peer read " + have)
			return
		}
		done <- remote.Close()
	}()

	buf := make([]byte, 4)
	if _, err := io.ReadFull(c, buf); err != nil {
		t.Fatal(err)
	}
	if want, have := "ping", string(buf); want != have {
		t.Fatalf("read: want %q, have %q", want, have)
	}
	if _, err := c.Write([]byte("pong")); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Read(buf); !errors.Is(err, io.EOF) {
		t.Fatalf("read after peer close: want EOF, have %v", err)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	c.Close() // idempotent, no second trace

	traces := admin.Traces()
	if want, have := 1, len(traces); want != have {
		t.Fatalf("traces: want %d, have %d", want, have)
	}

	tr := traces[0]
	if want, have := "conn1", tr.ConfigID; want != have {
		t.Errorf("config ID: want %q, have %q", want, have)
	}
	if tr.Socket == nil {
		t.Fatal("want socket trace")
	}

	second := func(n int) time.Time { return time.Date(2024, 1, 1, 0, 0, n, 0, time.UTC) }
	want := &tap.SocketTrace{
		Connection: tap.Connection{LocalAddress: "pipe", RemoteAddress: "pipe"},
		Events: []tap.SocketEvent{
			{Timestamp: second(2), Type: tap.SocketEventRead, Data: []byte("ping")},
			{Timestamp: second(3), Type: tap.SocketEventWrite, Data: []byte("pong")},
			{Timestamp: second(4), Type: tap.SocketEventRead, EndStream: true},
			{Timestamp: second(5), Type: tap.SocketEventClosed},
		},
	}
	if have := tr.Socket; !cmp.Equal(want, have) {
		t.Error(cmp.Diff(want, have))
	}
}

func TestFactoryPassthrough(t *testing.T) {
	t.Parallel()

	f, err := tapsocket.NewFactory(tapsocket.RawBufferFactory{}, tapsocket.Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	c, err := f.NewTransportSocket(context.Background(), local)
	if err != nil {
		t.Fatal(err)
	}
	if c != local {
		t.Errorf("want the inner connection unmodified, have %T", c)
	}
}

func TestFactoryTruncation(t *testing.T) {
	t.Parallel()

	admin := newAttachedAdmin()

	f, err := tapsocket.NewFactory(tapsocket.RawBufferFactory{}, tapsocket.Options{
		ConfigID:         "conn1",
		Admin:            admin,
		MaxBufferedBytes: 3,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	local, remote := net.Pipe()
	defer remote.Close()

	go io.Copy(io.Discard, remote)

	c, err := f.NewTransportSocket(context.Background(), local)
	if err != nil {
		t.Fatal(err)
	}
	c.Write([]byte("hello"))
	c.Write([]byte("world"))
	c.Close()

	traces := admin.Traces()
	if want, have := 1, len(traces); want != have {
		t.Fatalf("traces: want %d, have %d", want, have)
	}

	sock := traces[0].Socket
	if !sock.WriteTruncated {
		t.Errorf("want write truncated")
	}
	if sock.ReadTruncated {
		t.Errorf("want read not truncated")
	}

	var writes []string
	for _, ev := range sock.Events {
		if ev.Type == tap.SocketEventWrite {
			writes = append(writes, string(ev.Data))
		}
	}
	if want, have := []string{"hel", ""}, writes; !cmp.Equal(want, have) {
		t.Error(cmp.Diff(want, have))
	}
}

func TestFactoryFileSink(t *testing.T) {
	t.Parallel()

	prefix := filepath.Join(t.TempDir(), "socket")

	f, err := tapsocket.NewFactory(tapsocket.RawBufferFactory{}, tapsocket.Options{
		PathPrefix: prefix,
		Format:     tap.FormatProtoText,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	local, remote := net.Pipe()
	remote.Close()

	c, err := f.NewTransportSocket(context.Background(), local)
	if err != nil {
		t.Fatal(err)
	}
	c.Close()

	matches, err := filepath.Glob(prefix + "_*.pb_text")
	if err != nil {
		t.Fatal(err)
	}
	if want, have := 1, len(matches); want != have {
		t.Errorf("files: want %d, have %d (%v)", want, have, matches)
	}
}

func TestFactoryRegistry(t *testing.T) {
	t.Parallel()

	var (
		ctx      = context.Background()
		registry = tapadmin.NewRegistry()
		s        = tapadmin.NewChanStream(10)
	)
	defer registry.Close()

	f, err := tapsocket.NewFactory(tapsocket.RawBufferFactory{}, tapsocket.Options{
		ConfigID: "upstream",
		Admin:    registry,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if err := registry.Attach(ctx, "upstream", s); err != nil {
		t.Fatal(err)
	}

	local, remote := net.Pipe()
	remote.Close()

	c, err := f.NewTransportSocket(ctx, local)
	if err != nil {
		t.Fatal(err)
	}
	c.Close()

	select {
	case tr := <-s.Traces():
		if want, have := "upstream", tr.ConfigID; want != have {
			t.Errorf("config ID: want %q, have %q", want, have)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for trace")
	}

	f.Close()

	if err := s.Err(); !errors.Is(err, tap.ErrExtensionGone) {
		t.Errorf("close reason: want %v, have %v", tap.ErrExtensionGone, err)
	}
}

func TestConfiguredFactories(t *testing.T) {
	t.Parallel()

	admin := newAttachedAdmin()

	for _, testcase := range []struct {
		name       string
		cfg        tapsocket.Config
		downstream bool
		wantErr    bool
	}{
		{name: "default raw buffer", cfg: tapsocket.Config{}},
		{name: "raw buffer", cfg: tapsocket.Config{TransportSocket: "raw_buffer", ConfigID: "x"}},
		{name: "upstream tls", cfg: tapsocket.Config{TransportSocket: "tls", TLS: tapsocket.TLSConfig{ServerName: "example.com"}}},
		{name: "downstream tls without cert", cfg: tapsocket.Config{TransportSocket: "tls"}, downstream: true, wantErr: true},
		{name: "unknown transport socket", cfg: tapsocket.Config{TransportSocket: "quic"}, wantErr: true},
		{name: "unknown format", cfg: tapsocket.Config{PathPrefix: "x", Format: "csv"}, wantErr: true},
	} {
		testcase := testcase
		t.Run(testcase.name, func(t *testing.T) {
			var (
				f   *tapsocket.Factory
				err error
			)
			if testcase.downstream {
				f, err = tapsocket.NewDownstreamFactory(testcase.cfg, []string{"example.com"}, admin, nil)
			} else {
				f, err = tapsocket.NewUpstreamFactory(testcase.cfg, admin, nil)
			}
			if testcase.wantErr {
				if err == nil {
					f.Close()
					t.Fatal("want error, have none")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			f.Close()
		})
	}

	if want, have := 0, admin.Registered(); want != have {
		t.Errorf("registered after close: want %d, have %d", want, have)
	}
}
