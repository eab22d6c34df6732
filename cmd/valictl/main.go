// Copyright (c) 2024 Vali authors
//
// SPDX-License-Identifier: Apache-2.0
//

// valictl is an operator-facing introspection and demonstration tool for
// the core packages (handle table, memory spaces, scheduler primitives,
// the IPC arena, the device manager, the VFS engine and the VaFs
// reader). Each subcommand builds a small, self-contained instance of
// the subsystem it targets, runs the requested operation and prints the
// result — there is no persistent daemon behind it, mirroring the
// runtime CLI's own stateless one-shot command model.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	goruntime "runtime"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
)

const (
	name    = "valictl"
	version = "0.1.0"
	unknown = "<<unknown>>"
)

var arch = goruntime.GOARCH

var usage = fmt.Sprintf(`%s is a command line tool for inspecting and
exercising the Vali core runtime packages: the handle table, memory
spaces, the scheduler's futex/mutex/condition primitives, the IPC
arena, the device manager, and the VFS/VaFs storage stack.`, name)

// valiLog is the logger every subcommand derives its fields from.
var valiLog *logrus.Entry

var originalLoggerLevel = logrus.WarnLevel

var defaultOutputFile = os.Stdout
var defaultErrorFile = os.Stderr

var globalFlags = []cli.Flag{
	cli.StringFlag{
		Name:  "log",
		Value: "/dev/null",
		Usage: "set the log file path where internal debug information is written",
	},
	cli.StringFlag{
		Name:  "log-format",
		Value: "text",
		Usage: "set the format used by logs ('text' (default), or 'json')",
	},
}

var globalCommands = []cli.Command{
	handlesCLICommand,
	memoryCLICommand,
	schedCLICommand,
	ipcCLICommand,
	devicesCLICommand,
	vafsCLICommand,
	vfsCLICommand,
	metricsCLICommand,
}

func init() {
	valiLog = logrus.WithFields(logrus.Fields{
		"name":   name,
		"source": "valictl",
		"arch":   arch,
		"pid":    os.Getpid(),
	})

	originalLoggerLevel = valiLog.Logger.Level
	valiLog.Logger.Level = logrus.DebugLevel
}

func beforeSubcommands(c *cli.Context) error {
	if path := c.GlobalString("log"); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_SYNC, 0640)
		if err != nil {
			return err
		}
		valiLog.Logger.Out = f
	}

	switch c.GlobalString("log-format") {
	case "text":
	case "json":
		valiLog.Logger.Formatter = new(logrus.JSONFormatter)
	default:
		return fmt.Errorf("unknown log-format %q", c.GlobalString("log-format"))
	}

	valiLog.Logger.Level = originalLoggerLevel
	return nil
}

func commandNotFound(c *cli.Context, command string) {
	fatal(fmt.Errorf("invalid command %q", command))
}

func fatal(err error) {
	valiLog.Error(err)
	fmt.Fprintln(defaultErrorFile, err)
	exit(1)
}

func exit(status int) {
	os.Exit(status)
}

type fatalWriter struct {
	cliErrWriter io.Writer
}

func (f *fatalWriter) Write(p []byte) (int, error) {
	valiLog.Error(string(p))
	return f.cliErrWriter.Write(p)
}

func setupSignalHandler(ctx context.Context) {
	sigCh := make(chan os.Signal, 8)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		for sig := range sigCh {
			valiLog.WithField("signal", sig.String()).Debug("received signal")
		}
	}()
}

func createApp(ctx context.Context, args []string) error {
	app := cli.NewApp()
	app.Name = name
	app.Writer = defaultOutputFile
	app.Usage = usage
	app.Version = version
	app.Flags = globalFlags
	app.Commands = globalCommands
	app.Before = beforeSubcommands
	app.CommandNotFound = commandNotFound
	app.EnableBashCompletion = true
	app.Metadata = map[string]interface{}{
		"context": ctx,
	}

	cli.ErrWriter = &fatalWriter{cli.ErrWriter}

	return app.Run(args)
}

func cliContextToContext(c *cli.Context) (context.Context, error) {
	if c == nil {
		return nil, errors.New("need cli.Context")
	}
	ctx, ok := c.App.Metadata["context"].(context.Context)
	if !ok {
		return nil, errors.New("invalid or missing context in metadata")
	}
	return ctx, nil
}

func main() {
	ctx := context.Background()
	setupSignalHandler(ctx)

	if err := createApp(ctx, os.Args); err != nil {
		fatal(err)
	}
}
