// Copyright (c) 2014,2015,2016 Docker, Inc.
// Copyright (c) 2017-2018 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/devhawala/nicof/bridge"
	"github.com/devhawala/nicof/pkg/config"
	"github.com/devhawala/nicof/pkg/logging"
	"github.com/devhawala/nicof/pkg/signals"
)

// name is the program name used in usage text, logs and the default
// config file search paths.
const name = "nicof-proxy"

// version and commit are set at build time via -ldflags.
var (
	version = "0.1.0"
	commit  = "unknown"
)

var usage = fmt.Sprintf(`%s

%s bridges a VM/370 guest's inter-VM messaging calls to an outside proxy
process dialed into a display device, translating each send-and-receive
call into the half-duplex channel handshake the proxy speaks.`, name, name)

// proxyLog is the logger used to record all messages before the
// configuration file has been loaded and pkg/logging.New has built the
// real, level/format-configured entry.
var proxyLog = logrus.WithFields(logrus.Fields{
	"name":   name,
	"source": "nicof-proxy",
	"pid":    os.Getpid(),
})

var defaultOutputFile = os.Stdout
var defaultErrorFile = os.Stderr

var appFlags = []cli.Flag{
	cli.StringFlag{
		Name:  "config",
		Usage: name + " config file path",
	},
	cli.StringFlag{
		Name:  "log",
		Value: "/dev/null",
		Usage: "set the log file path where internal debug information is written",
	},
	cli.StringFlag{
		Name:  "log-format",
		Usage: "override the format used by logs ('text' or 'json')",
	},
	cli.StringFlag{
		Name:  "display-addr",
		Usage: "override the dialed display device listen address (e.g. unix:/run/nicof/display.sock)",
	},
	cli.StringFlag{
		Name:  "vmcf-addr",
		Usage: "override the VMCF facade listen address",
	},
	cli.StringFlag{
		Name:  "control-addr",
		Usage: "override the SMSG control channel listen address",
	},
	cli.BoolFlag{
		Name:  "show-default-config-paths",
		Usage: "show config file paths that will be checked for (in order), then exit",
	},
}

var appCommands = []cli.Command{
	versionCLICommand,
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	setCLIGlobals()

	app := cli.NewApp()
	app.Name = name
	app.Writer = defaultOutputFile
	app.Usage = usage
	app.Version = version
	app.Flags = appFlags
	app.Commands = appCommands
	app.Action = runBridge
	app.Metadata = map[string]interface{}{
		"context": ctx,
		"cancel":  cancel,
	}

	if err := app.Run(os.Args); err != nil {
		fatal(err)
	}
}

// runBridge is the application's default action: load configuration, wire
// up logging and signal handling, then run the bridge event loop until the
// SMSG "END" control message arrives or a shutdown signal is received.
func runBridge(c *cli.Context) error {
	if c.Bool("show-default-config-paths") {
		for _, f := range config.GetDefaultConfigFilePaths() {
			fmt.Fprintf(defaultOutputFile, "%s\n", f)
		}
		return nil
	}

	if path := c.String("log"); path != "" && path != "/dev/null" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_SYNC, 0640)
		if err != nil {
			return err
		}
		proxyLog.Logger.Out = f
	}

	resolvedPath, cfg, err := config.LoadConfiguration(c.String("config"), false)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	if v := c.String("display-addr"); v != "" {
		cfg.DisplayListenAddr = v
	}
	if v := c.String("vmcf-addr"); v != "" {
		cfg.VMCFListenAddr = v
	}
	if v := c.String("control-addr"); v != "" {
		cfg.ControlListenAddr = v
	}
	if v := c.String("log-format"); v != "" {
		cfg.LogFormat = v
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	log, err := logging.New(level, cfg.LogFormat, cfg.Syslog)
	if err != nil {
		return fmt.Errorf("setting up logging: %w", err)
	}
	log = log.WithField("config", resolvedPath)
	proxyLog = log
	signals.SetLogger(log)

	ctx, ok := c.App.Metadata["context"].(context.Context)
	if !ok {
		return fmt.Errorf("missing context in app metadata")
	}
	cancel, ok := c.App.Metadata["cancel"].(context.CancelFunc)
	if !ok {
		return fmt.Errorf("missing cancel function in app metadata")
	}
	signals.WatchForShutdown(cancel)

	b := bridge.New(bridge.Config{
		SlotCount:             cfg.SlotCount,
		DisplayListenAddr:     cfg.DisplayListenAddr,
		VMCFListenAddr:        cfg.VMCFListenAddr,
		ControlListenAddr:     cfg.ControlListenAddr,
		PrivilegedUID:         cfg.PrivilegedUID,
		RequirePrivilegeOnEnd: cfg.RequirePrivilegeOnEnd,
	}, log)

	log.WithFields(logrus.Fields{
		"version":      version,
		"commit":       commit,
		"slot-count":   cfg.SlotCount,
		"display-addr": cfg.DisplayListenAddr,
		"vmcf-addr":    cfg.VMCFListenAddr,
		"control-addr": cfg.ControlListenAddr,
	}).Info("starting nicof inside proxy")

	return b.Run(ctx)
}

var versionCLICommand = cli.Command{
	Name:  "version",
	Usage: "display version details",
	Action: func(c *cli.Context) error {
		fmt.Fprintf(defaultOutputFile, "%s version %s (commit %s)\n", name, version, commit)
		return nil
	},
}

// setCLIGlobals modifies various cli package global variables, matching
// this codebase's established error-reporting-through-the-logger pattern.
func setCLIGlobals() {
	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Fprintln(defaultOutputFile, c.App.Version)
	}
	cli.ErrWriter = &fatalWriter{cli.ErrWriter}
}

type fatalWriter struct {
	cliErrWriter io.Writer
}

func (f *fatalWriter) Write(p []byte) (int, error) {
	proxyLog.Error(string(p))
	return f.cliErrWriter.Write(p)
}

// fatal prints the error's details and exits the program.
func fatal(err error) {
	proxyLog.Error(err)
	fmt.Fprintln(defaultErrorFile, err)
	os.Exit(1)
}
