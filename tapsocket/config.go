package tapsocket

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/peterbourgon/tap"
	"go.uber.org/zap"
)

// Config describes a tapping transport socket, as it appears in e.g. a proxy
// config file.
type Config struct {
	// TransportSocket is the name of the inner factory, e.g. raw_buffer or
	// tls. Default raw_buffer.
	TransportSocket string `yaml:"transport_socket"`

	// TLS settings, used by the tls transport socket.
	TLS TLSConfig `yaml:"tls"`

	// PathPrefix and Format configure the file sink.
	PathPrefix string `yaml:"path_prefix"`
	Format     string `yaml:"format"`

	// ConfigID to register with the admin under.
	ConfigID string `yaml:"config_id"`

	// MaxBufferedBytes captured per direction.
	MaxBufferedBytes int `yaml:"max_buffered_bytes"`
}

// TLSConfig is the file-based configuration of a TLS transport socket.
type TLSConfig struct {
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	CAFile             string `yaml:"ca_file"`
	ServerName         string `yaml:"server_name"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// innerFactory builds a named inner factory. Downstream factories are given
// the server names they serve.
type innerFactory func(cfg Config, downstream bool, serverNames []string) (TransportSocketFactory, error)

var innerFactories = map[string]innerFactory{
	"raw_buffer": func(Config, bool, []string) (TransportSocketFactory, error) {
		return RawBufferFactory{}, nil
	},
	"tls": newTLSFactory,
}

// InnerFactoryNames returns the names of every known inner factory.
func InnerFactoryNames() []string {
	names := make([]string, 0, len(innerFactories))
	for name := range innerFactories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewUpstreamFactory returns a tapping factory for outbound connections.
func NewUpstreamFactory(cfg Config, admin tap.Admin, logger *zap.Logger) (*Factory, error) {
	return newConfiguredFactory(cfg, false, nil, admin, logger)
}

// NewDownstreamFactory returns a tapping factory for inbound connections.
func NewDownstreamFactory(cfg Config, serverNames []string, admin tap.Admin, logger *zap.Logger) (*Factory, error) {
	return newConfiguredFactory(cfg, true, serverNames, admin, logger)
}

func newConfiguredFactory(cfg Config, downstream bool, serverNames []string, admin tap.Admin, logger *zap.Logger) (*Factory, error) {
	name := cfg.TransportSocket
	if name == "" {
		name = "raw_buffer"
	}

	build, ok := innerFactories[name]
	if !ok {
		return nil, fmt.Errorf("unknown transport socket %q (known: %s)", name, strings.Join(InnerFactoryNames(), ", "))
	}

	inner, err := build(cfg, downstream, serverNames)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	format, err := tap.ParseFormat(cfg.Format)
	if err != nil {
		return nil, err
	}

	return NewFactory(inner, Options{
		PathPrefix:       cfg.PathPrefix,
		Format:           format,
		MaxBufferedBytes: cfg.MaxBufferedBytes,
		ConfigID:         cfg.ConfigID,
		Admin:            admin,
		Logger:           logger,
	})
}

func newTLSFactory(cfg Config, downstream bool, serverNames []string) (TransportSocketFactory, error) {
	tc := &tls.Config{
		ServerName:         cfg.TLS.ServerName,
		InsecureSkipVerify: cfg.TLS.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}

	if cfg.TLS.CertFile != "" || cfg.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load key pair: %w", err)
		}
		tc.Certificates = []tls.Certificate{cert}
	}

	if cfg.TLS.CAFile != "" {
		pem, err := os.ReadFile(cfg.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in CA file %s", cfg.TLS.CAFile)
		}
		if downstream {
			tc.ClientCAs, tc.ClientAuth = pool, tls.RequireAndVerifyClientCert
		} else {
			tc.RootCAs = pool
		}
	}

	if downstream {
		if len(tc.Certificates) <= 0 {
			return nil, errors.New("downstream TLS requires cert_file and key_file")
		}
		if len(serverNames) > 0 && tc.ServerName == "" {
			tc.ServerName = serverNames[0]
		}
	}

	return TLSFactory{Config: tc, Server: downstream}, nil
}
