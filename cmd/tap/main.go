// tap runs a tapping reverse proxy, and attaches to tap admin endpoints.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/oklog/run"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
)

func main() {
	var (
		ctx    = context.Background()
		stdin  = os.Stdin
		stdout = os.Stdout
		stderr = os.Stderr
		args   = os.Args[1:]
	)
	err := exec(ctx, stdin, stdout, stderr, args)
	switch {
	case err == nil, errors.Is(err, context.Canceled), errors.As(err, &(run.SignalError{})):
		os.Exit(0)
	case err != nil:
		fmt.Fprintf(stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func exec(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) (err error) {
	rootConfig := &rootConfig{
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
	}

	rootFlags := ff.NewFlagSet("tap")
	rootConfig.registerBaseFlags(rootFlags)

	rootCommand := &ff.Command{
		Name:      "tap",
		ShortHelp: "run a tapping proxy, or stream live traces from one",
		Flags:     rootFlags,
	}

	// Config for `tap proxy`.
	proxyConfig := &proxyConfig{rootConfig: rootConfig}
	proxyFlags := ff.NewFlagSet("proxy").SetParent(rootFlags)
	proxyConfig.register(proxyFlags)
	proxyCommand := &ff.Command{
		Name:      "proxy",
		ShortHelp: "run a reverse proxy with tap filters and an admin endpoint",
		LongHelp:  "Run the listeners described by the YAML config file, and serve the tap admin endpoint and metrics.",
		Flags:     proxyFlags,
		Exec:      proxyConfig.Exec,
	}
	rootCommand.Subcommands = append(rootCommand.Subcommands, proxyCommand)

	// Config for `tap attach`.
	attachConfig := &attachConfig{rootConfig: rootConfig}
	attachFlags := ff.NewFlagSet("attach").SetParent(rootFlags)
	attachConfig.register(attachFlags)
	attachCommand := &ff.Command{
		Name:      "attach",
		ShortHelp: "attach to a config ID and stream traces to stdout",
		LongHelp:  "Attach to a tap admin endpoint, and write every trace for the config ID to stdout until detached.",
		Flags:     attachFlags,
		Exec:      attachConfig.Exec,
	}
	rootCommand.Subcommands = append(rootCommand.Subcommands, attachCommand)

	// Config for `tap configs`.
	configsConfig := &configsConfig{rootConfig: rootConfig}
	configsFlags := ff.NewFlagSet("configs").SetParent(rootFlags)
	configsCommand := &ff.Command{
		Name:      "configs",
		ShortHelp: "list the config IDs registered with an admin endpoint",
		Flags:     configsFlags,
		Exec:      configsConfig.Exec,
	}
	rootCommand.Subcommands = append(rootCommand.Subcommands, configsCommand)

	// Print help when appropriate.
	showHelp := true
	defer func() {
		errHelp := errors.Is(err, ff.ErrHelp) || errors.Is(err, ff.ErrNoExec)
		if showHelp || errHelp {
			fmt.Fprintf(stderr, "\n%s\n", ffhelp.Command(rootCommand))
		}
		if errHelp {
			err = nil
		}
	}()

	// Initial parsing.
	if err := rootCommand.Parse(args, ff.WithEnvVarPrefix("TAP")); err != nil {
		return err
	}

	// Validation and set-up.
	logger, err := newLogger(rootConfig.logLevel, stderr)
	if err != nil {
		return err
	}
	defer logger.Sync()
	rootConfig.logger = logger

	// Run errors shouldn't show help by default.
	showHelp = false

	// Run the selected command.
	return rootCommand.Run(ctx)
}
