// Copyright (c) 2018 Intel Corporation
// Copyright (c) 2018 HyperHQ Inc.
//
// SPDX-License-Identifier: Apache-2.0
//

// Package logging sets up the structured logger every bridge component
// logs through: a single logrus.Entry, optionally mirrored to syslog with
// its own formatter (spec's ambient stack: logging is carried regardless
// of the Non-goals around an observability layer).
package logging

import (
	"fmt"
	"log/syslog"
	"time"

	"github.com/sirupsen/logrus"
	lSyslog "github.com/sirupsen/logrus/hooks/syslog"
)

// SYSLOGTAG identifies this process's entries in the system log.
const SYSLOGTAG = "nicof"

var baseLogger = logrus.New()

// New builds the root log entry for a bridge run: level and format come
// from configuration and every entry carries source=nicof; each subsystem
// (bridge, channel, vmcf, control, ...) adds its own component field.
func New(level logrus.Level, format string, syslogEnabled bool) (*logrus.Entry, error) {
	baseLogger.SetLevel(level)
	baseLogger.SetFormatter(formatterFor(format))

	entry := logrus.NewEntry(baseLogger).WithField("source", "nicof")

	if syslogEnabled {
		if err := handleSystemLog("", ""); err != nil {
			return nil, fmt.Errorf("logging: syslog setup: %w", err)
		}
	}

	return entry, nil
}

func formatterFor(format string) logrus.Formatter {
	if format == "json" {
		return &logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano}
	}
	return &logrus.TextFormatter{TimestampFormat: time.RFC3339Nano}
}

// sysLogHook wraps a syslog logrus hook and a formatter to be used for all
// syslog entries.
//
// This is necessary to allow the main logger (for "--log=") to use a custom
// formatter ("--log-format=") whilst allowing the system logger to use a
// different formatter.
type sysLogHook struct {
	shook     *lSyslog.SyslogHook
	formatter logrus.Formatter
}

func (h *sysLogHook) Levels() []logrus.Level {
	return h.shook.Levels()
}

// Fire is responsible for adding a log entry to the system log. It switches
// formatter before adding the system log entry, then reverts the original log
// formatter.
func (h *sysLogHook) Fire(e *logrus.Entry) (err error) {
	formatter := e.Logger.Formatter

	e.Logger.Formatter = h.formatter

	err = h.shook.Fire(e)

	e.Logger.Formatter = formatter

	return err
}

func newSystemLogHook(network, raddr string) (*sysLogHook, error) {
	hook, err := lSyslog.NewSyslogHook(network, raddr, syslog.LOG_INFO, SYSLOGTAG)
	if err != nil {
		return nil, err
	}

	return &sysLogHook{
		formatter: &logrus.TextFormatter{
			TimestampFormat: time.RFC3339Nano,
		},
		shook: hook,
	}, nil
}

// handleSystemLog sets up the system-level logger.
func handleSystemLog(network, raddr string) error {
	hook, err := newSystemLogHook(network, raddr)
	if err != nil {
		return err
	}

	baseLogger.Hooks.Add(hook)

	return nil
}
