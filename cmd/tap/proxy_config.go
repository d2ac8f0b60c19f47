package main

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"

	"github.com/peterbourgon/tap"
	"github.com/peterbourgon/tap/tapsocket"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// proxyFile is the YAML config file of `tap proxy`.
//
//	admin:
//	  listen: localhost:9901
//	listeners:
//	  - name: web
//	    listen: localhost:8080
//	    upstream: http://localhost:9000
//	    http_tap:
//	      config_id: web
//	    upstream_transport_socket:
//	      transport_socket: raw_buffer
//	      config_id: web-upstream
type proxyFile struct {
	Admin     adminConfig      `yaml:"admin"`
	Listeners []listenerConfig `yaml:"listeners"`
}

type adminConfig struct {
	// Listen address or URI, e.g. localhost:9901 or unix:///tmp/tap.sock.
	Listen string `yaml:"listen"`
}

type listenerConfig struct {
	Name     string `yaml:"name"`
	Listen   string `yaml:"listen"`
	Upstream string `yaml:"upstream"`

	HTTPTap                   *httpTapConfig    `yaml:"http_tap"`
	UpstreamTransportSocket   *tapsocket.Config `yaml:"upstream_transport_socket"`
	DownstreamTransportSocket *tapsocket.Config `yaml:"downstream_transport_socket"`
}

type httpTapConfig struct {
	ConfigID         string `yaml:"config_id"`
	PathPrefix       string `yaml:"path_prefix"`
	Format           string `yaml:"format"`
	Compress         bool   `yaml:"compress"`
	MaxBufferedBytes int    `yaml:"max_buffered_bytes"`
}

func loadProxyFile(filename string) (proxyFile, error) {
	f, err := os.Open(filename)
	if err != nil {
		return proxyFile{}, err
	}
	defer f.Close()
	return parseProxyFile(f)
}

func parseProxyFile(r io.Reader) (proxyFile, error) {
	var pf proxyFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&pf); err != nil {
		return proxyFile{}, fmt.Errorf("decode YAML: %w", err)
	}
	if err := pf.validate(); err != nil {
		return proxyFile{}, err
	}
	return pf, nil
}

func (pf *proxyFile) validate() (err error) {
	if pf.Admin.Listen == "" {
		pf.Admin.Listen = "localhost:9901"
	}

	if len(pf.Listeners) <= 0 {
		err = multierr.Append(err, errors.New("at least one listener is required"))
	}

	names := map[string]bool{}
	for i := range pf.Listeners {
		l := &pf.Listeners[i]
		if l.Name == "" {
			l.Name = fmt.Sprintf("listener%d", i)
		}
		if names[l.Name] {
			err = multierr.Append(err, fmt.Errorf("%s: duplicate listener name", l.Name))
		}
		names[l.Name] = true

		if l.Listen == "" {
			err = multierr.Append(err, fmt.Errorf("%s: listen is required", l.Name))
		}

		if u, parseErr := url.Parse(l.Upstream); parseErr != nil || u.Scheme == "" || u.Host == "" {
			err = multierr.Append(err, fmt.Errorf("%s: invalid upstream %q", l.Name, l.Upstream))
		}

		if l.HTTPTap != nil {
			if _, formatErr := tap.ParseFormat(l.HTTPTap.Format); formatErr != nil {
				err = multierr.Append(err, fmt.Errorf("%s: http_tap: %w", l.Name, formatErr))
			}
			if l.HTTPTap.ConfigID == "" && l.HTTPTap.PathPrefix == "" {
				err = multierr.Append(err, fmt.Errorf("%s: http_tap: config_id or path_prefix is required", l.Name))
			}
		}
	}

	return err
}
