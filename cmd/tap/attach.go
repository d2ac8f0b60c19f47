package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffval"
	"github.com/peterbourgon/tap"
	"github.com/peterbourgon/tap/tapadmin"
	"go.uber.org/zap"
)

type attachConfig struct {
	*rootConfig

	configID      string
	format        string
	timeout       time.Duration
	maxBytes      int
	sendBuf       int
	statsInterval time.Duration
	raw           bool
}

func (cfg *attachConfig) register(fs *ff.FlagSet) {
	formats := make([]string, len(tap.Formats))
	for i, f := range tap.Formats {
		formats[i] = string(f)
	}

	fs.AddFlag(ff.FlagConfig{ShortName: 'c', LongName: "config-id" /*      */, Value: ffval.NewValue(&cfg.configID) /*                                 */, Usage: "config ID to attach to (required)", Placeholder: "ID"})
	fs.AddFlag(ff.FlagConfig{ShortName: 'f', LongName: "format" /*         */, Value: ffval.NewEnum(&cfg.format, formats...) /*                        */, Usage: "trace output format", Placeholder: "FORMAT"})
	fs.AddFlag(ff.FlagConfig{ShortName: 't', LongName: "timeout" /*        */, Value: ffval.NewValue(&cfg.timeout) /*                                  */, Usage: "detach after this long (0 means never)", NoDefault: true})
	fs.AddFlag(ff.FlagConfig{ShortName: 0x0, LongName: "max-bytes" /*      */, Value: ffval.NewValue(&cfg.maxBytes) /*                                 */, Usage: "detach after this many bytes of traces (0 means never)", NoDefault: true})
	fs.AddFlag(ff.FlagConfig{ShortName: 0x0, LongName: "send-buffer" /*    */, Value: ffval.NewValueDefault(&cfg.sendBuf, tapadmin.DefaultSendBuffer) /* */, Usage: "remote send buffer size"})
	fs.AddFlag(ff.FlagConfig{ShortName: 0x0, LongName: "stats-interval" /* */, Value: ffval.NewValueDefault(&cfg.statsInterval, 10*time.Second) /*   */, Usage: "stats reporting interval"})
	fs.AddFlag(ff.FlagConfig{ShortName: 'r', LongName: "raw" /*            */, Value: ffval.NewValue(&cfg.raw) /*                                      */, Usage: "stream the raw response body rather than server-sent events (required for binary formats)", NoDefault: true})
}

func (cfg *attachConfig) Exec(ctx context.Context, args []string) error {
	req := tapadmin.AttachRequest{
		ConfigID:      cfg.configID,
		Format:        tap.Format(cfg.format),
		Timeout:       cfg.timeout,
		MaxBytes:      cfg.maxBytes,
		SendBuffer:    cfg.sendBuf,
		StatsInterval: cfg.statsInterval,
	}
	if errs := req.Normalize(); len(errs) > 0 {
		return fmt.Errorf("invalid request: %w", errors.Join(errs...))
	}

	if !req.Format.IsText() && !cfg.raw {
		cfg.logger.Debug("binary format, using raw mode", zap.Stringer("format", req.Format))
		cfg.raw = true
	}

	client := cfg.adminClient()
	logger := cfg.logger.With(zap.String("config_id", req.ConfigID))
	logger.Info("attaching", zap.String("admin", client.URI), zap.Stringer("format", req.Format), zap.Bool("raw", cfg.raw))

	var g run.Group

	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			if cfg.raw {
				return client.AttachRaw(ctx, req, cfg.stdout)
			}
			return client.Attach(ctx, req, cfg.onEvent(logger))
		}, func(error) {
			cancel()
		})
	}

	{
		g.Add(run.SignalHandler(ctx, syscall.SIGINT, syscall.SIGTERM))
	}

	return g.Run()
}

func (cfg *attachConfig) onEvent(logger *zap.Logger) func(string, []byte) {
	return func(eventType string, data []byte) {
		switch eventType {
		case "trace":
			fmt.Fprintf(cfg.stdout, "%s\n", data)

		case "init":
			logger.Info("attached", zap.Any("init", json.RawMessage(data)))

		case "stats":
			var stats tapadmin.Stats
			if err := json.Unmarshal(data, &stats); err != nil {
				logger.Warn("invalid stats event", zap.Error(err))
				return
			}
			logger.Info("stats", zap.Stringer("stats", stats))

		case "close":
			var body struct {
				Reason string `json:"reason"`
			}
			json.Unmarshal(data, &body)
			logger.Info("detached", zap.String("reason", body.Reason))

		default:
			logger.Debug("unknown event type", zap.String("type", eventType))
		}
	}
}
