package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffval"
	"github.com/peterbourgon/tap"
	"github.com/peterbourgon/tap/tapadmin"
	"github.com/peterbourgon/tap/tapfile"
	"github.com/peterbourgon/tap/taphttp"
	"github.com/peterbourgon/tap/tapsocket"
	"github.com/peterbourgon/unixtransport/unixproxy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type proxyConfig struct {
	*rootConfig

	configFile      string
	adminListen     string
	shutdownTimeout time.Duration
}

func (cfg *proxyConfig) register(fs *ff.FlagSet) {
	fs.AddFlag(ff.FlagConfig{ShortName: 'c', LongName: "config" /*           */, Value: ffval.NewValueDefault(&cfg.configFile, "tap.yaml") /*       */, Usage: "proxy config file (YAML)", Placeholder: "FILE"})
	fs.AddFlag(ff.FlagConfig{ShortName: 0x0, LongName: "admin-listen" /*     */, Value: ffval.NewValue(&cfg.adminListen) /*                         */, Usage: "override the admin listen address from the config file", Placeholder: "ADDR", NoDefault: true})
	fs.AddFlag(ff.FlagConfig{ShortName: 0x0, LongName: "shutdown-timeout" /* */, Value: ffval.NewValueDefault(&cfg.shutdownTimeout, 5*time.Second) /* */, Usage: "graceful shutdown timeout"})
}

func (cfg *proxyConfig) Exec(ctx context.Context, args []string) (err error) {
	pf, err := loadProxyFile(cfg.configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.adminListen != "" {
		pf.Admin.Listen = cfg.adminListen
	}

	logger := cfg.logger

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	tapadmin.DefaultManager.Configure(
		tapadmin.WithLogger(logger.Named("admin")),
		tapadmin.WithRegisterer(promRegistry),
	)
	admin := tapadmin.DefaultManager.Acquire()
	defer admin.Release()

	// Every filter and factory is closed on the way out, which unregisters
	// them from the admin.
	var closers []io.Closer
	defer func() {
		for _, c := range closers {
			err = multierr.Append(err, c.Close())
		}
	}()

	var g run.Group

	// Admin server.
	{
		mux := http.NewServeMux()
		handler := tapadmin.NewHandler(admin.Registry, logger.Named("admin"))
		mux.Handle("/tap", handler)
		mux.Handle("/tap/", handler)
		mux.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))

		ln, err := unixproxy.ListenURI(ctx, pf.Admin.Listen)
		if err != nil {
			return fmt.Errorf("admin: listen: %w", err)
		}

		logger.Info("admin listening", zap.String("addr", pf.Admin.Listen))
		server := &http.Server{Handler: mux}
		g.Add(func() error {
			return server.Serve(ln)
		}, func(error) {
			cfg.shutdown(server)
		})
	}

	// Proxy listeners.
	for _, lc := range pf.Listeners {
		server, ln, lcClosers, err := cfg.newListener(ctx, lc, admin.Registry, promRegistry)
		closers = append(closers, lcClosers...)
		if err != nil {
			return fmt.Errorf("%s: %w", lc.Name, err)
		}

		logger.Info("proxy listening", zap.String("name", lc.Name), zap.String("addr", lc.Listen), zap.String("upstream", lc.Upstream))
		g.Add(func() error {
			return server.Serve(ln)
		}, func(error) {
			cfg.shutdown(server)
		})
	}

	{
		g.Add(run.SignalHandler(ctx, syscall.SIGINT, syscall.SIGTERM))
	}

	err = g.Run()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	return err
}

func (cfg *proxyConfig) shutdown(server *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		cfg.logger.Warn("shutdown", zap.Error(err))
	}
}

// newListener builds the server for one listener: a reverse proxy to the
// upstream, behind an optional HTTP tap filter, dialing through an optional
// tapping upstream transport socket, and accepting through an optional
// tapping downstream transport socket.
func (cfg *proxyConfig) newListener(ctx context.Context, lc listenerConfig, admin tap.Admin, r prometheus.Registerer) (*http.Server, net.Listener, []io.Closer, error) {
	var (
		logger  = cfg.logger.With(zap.String("listener", lc.Name))
		closers []io.Closer
	)

	upstream, err := url.Parse(lc.Upstream)
	if err != nil {
		return nil, nil, closers, fmt.Errorf("parse upstream: %w", err)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if lc.UpstreamTransportSocket != nil {
		factory, err := tapsocket.NewUpstreamFactory(*lc.UpstreamTransportSocket, admin, logger.Named("upstream"))
		if err != nil {
			return nil, nil, closers, fmt.Errorf("upstream transport socket: %w", err)
		}
		closers = append(closers, factory)

		dialer := &net.Dialer{Timeout: 10 * time.Second}
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			return factory.NewTransportSocket(ctx, conn)
		}
	}

	proxy := httputil.NewSingleHostReverseProxy(upstream)
	proxy.Transport = transport
	proxy.ErrorLog = zap.NewStdLog(logger)

	var handler http.Handler = proxy
	if lc.HTTPTap != nil {
		tc := taphttp.Config{
			ConfigID:         lc.HTTPTap.ConfigID,
			Admin:            admin,
			MaxBufferedBytes: lc.HTTPTap.MaxBufferedBytes,
			Registerer:       r,
			Logger:           logger.Named("http_tap"),
		}
		if lc.HTTPTap.PathPrefix != "" {
			sink, err := tapfile.NewSink(tapfile.Options{
				PathPrefix: lc.HTTPTap.PathPrefix,
				Format:     tap.Format(lc.HTTPTap.Format),
				Compress:   lc.HTTPTap.Compress,
				Logger:     logger.Named("http_tap"),
			})
			if err != nil {
				return nil, nil, closers, fmt.Errorf("http tap file sink: %w", err)
			}
			tc.Sink = sink
		}
		filter := taphttp.NewFilter(tc)
		closers = append(closers, filter)
		handler = filter.Middleware(handler)
	}

	ln, err := unixproxy.ListenURI(ctx, lc.Listen)
	if err != nil {
		return nil, nil, closers, fmt.Errorf("listen: %w", err)
	}

	if lc.DownstreamTransportSocket != nil {
		factory, err := tapsocket.NewDownstreamFactory(*lc.DownstreamTransportSocket, nil, admin, logger.Named("downstream"))
		if err != nil {
			ln.Close()
			return nil, nil, closers, fmt.Errorf("downstream transport socket: %w", err)
		}
		closers = append(closers, factory)
		ln = &tapListener{Listener: ln, factory: factory, logger: logger}
	}

	server := &http.Server{
		Handler:  handler,
		ErrorLog: zap.NewStdLog(logger),
	}

	return server, ln, closers, nil
}

// tapListener runs accepted connections through a transport socket factory.
type tapListener struct {
	net.Listener

	factory tapsocket.TransportSocketFactory
	logger  *zap.Logger
}

const handshakeTimeout = 10 * time.Second

func (ln *tapListener) Accept() (net.Conn, error) {
	for {
		conn, err := ln.Listener.Accept()
		if err != nil {
			return nil, err
		}

		ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
		c, err := ln.factory.NewTransportSocket(ctx, conn)
		cancel()
		if err != nil {
			ln.logger.Warn("downstream transport socket", zap.String("remote_addr", conn.RemoteAddr().String()), zap.Error(err))
			conn.Close()
			continue
		}

		return c, nil
	}
}
