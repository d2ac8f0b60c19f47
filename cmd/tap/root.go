package main

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffval"
	"github.com/peterbourgon/tap/tapadmin"
	"github.com/peterbourgon/unixtransport"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type rootConfig struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	adminURI string
	logLevel string

	logger *zap.Logger
}

func (cfg *rootConfig) registerBaseFlags(fs *ff.FlagSet) {
	fs.AddFlag(ff.FlagConfig{ShortName: 'a', LongName: "admin" /* */, Value: ffval.NewValueDefault(&cfg.adminURI, "localhost:9901/tap") /*                                          */, Usage: "admin endpoint URI, may be unix:///path/to/socket" /* */, Placeholder: "URI"})
	fs.AddFlag(ff.FlagConfig{ShortName: 'l', LongName: "log" /*   */, Value: ffval.NewEnum(&cfg.logLevel, "info", "i", "debug", "d", "warn", "w", "error", "e", "none", "n") /* */, Usage: "log level: i/info, d/debug, w/warn, e/error, n/none" /* */, Placeholder: "LEVEL"})
}

// newLogger returns a console logger writing to w at the given level.
func newLogger(level string, w io.Writer) (*zap.Logger, error) {
	var lvl zapcore.Level
	switch level {
	case "n", "none":
		return zap.NewNop(), nil
	case "i", "info":
		lvl = zapcore.InfoLevel
	case "d", "debug":
		lvl = zapcore.DebugLevel
	case "w", "warn":
		lvl = zapcore.WarnLevel
	case "e", "error":
		lvl = zapcore.ErrorLevel
	default:
		return nil, fmt.Errorf("invalid log level %q", level)
	}

	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.AddSync(w), lvl)
	return zap.New(core), nil
}

// adminClient returns a client for the admin endpoint. The endpoint may be
// a unix socket, via unixtransport.
func (cfg *rootConfig) adminClient() *tapadmin.Client {
	transport := &http.Transport{}
	unixtransport.Register(transport)

	return tapadmin.NewClient(&http.Client{Transport: transport}, strings.TrimSpace(cfg.adminURI))
}
