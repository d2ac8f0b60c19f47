// Package tapfile provides a sink which writes each trace to its own file.
package tapfile

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
	"github.com/peterbourgon/tap"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Options for a file sink.
type Options struct {
	// PathPrefix for trace files. Each trace is written to a file named
	// <PathPrefix>_<trace ID><format extension>. Required.
	PathPrefix string

	// Format of each file. Default [tap.DefaultFormat].
	Format tap.Format

	// Compress files with gzip, adding a .gz extension.
	Compress bool

	// Logger for write errors. Optional.
	Logger *zap.Logger
}

// Sink writes traces to files.
type Sink struct {
	prefix   string
	format   tap.Format
	compress bool
	logger   *zap.Logger
}

var _ tap.Sink = (*Sink)(nil)

// NewSink returns a file sink.
func NewSink(opts Options) (*Sink, error) {
	if opts.PathPrefix == "" {
		return nil, errors.New("path prefix is required")
	}

	format, err := tap.ParseFormat(string(opts.Format))
	if err != nil {
		return nil, err
	}

	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Sink{
		prefix:   opts.PathPrefix,
		format:   format,
		compress: opts.Compress,
		logger:   opts.Logger,
	}, nil
}

// Path returns the file path for the trace.
func (s *Sink) Path(tr *tap.Trace) string {
	path := fmt.Sprintf("%s_%s%s", s.prefix, tr.ID, s.format.Extension())
	if s.compress {
		path += ".gz"
	}
	return path
}

// SubmitTrace implements [tap.Sink]. The file is written synchronously. Errors
// are logged, not returned.
func (s *Sink) SubmitTrace(tr *tap.Trace) {
	path := s.Path(tr)
	if err := s.write(path, tr); err != nil {
		s.logger.Error("write trace file", zap.String("path", path), zap.String("trace_id", tr.ID), zap.Error(err))
		return
	}
	s.logger.Debug("wrote trace file", zap.String("path", path))
}

func (s *Sink) write(path string, tr *tap.Trace) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, f.Close())
	}()

	var w io.Writer = f
	if s.compress {
		zw := gzip.NewWriter(f)
		defer func() {
			err = multierr.Append(err, zw.Close())
		}()
		w = zw
	}

	if _, err := s.format.Encode(w, tr); err != nil {
		return fmt.Errorf("encode: %w", err)
	}

	return nil
}
