// Copyright 2018 Intel Corporation.
//
// SPDX-License-Identifier: Apache-2.0
//

// Package signals turns OS signals into the bridge's shutdown path: SIGINT
// and SIGTERM cancel the event loop's context so the dialed display device
// and VMCF facade are deauthorized cleanly, while the fatal signals in
// handledSignalsMap produce a backtrace before the process dies.
package signals

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/pprof"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
)

var signalLog = logrus.WithField("default-signal-logger", true)

// CrashOnError causes a coredump to be produced when an internal error occurs
// or a fatal signal is received.
var CrashOnError = false

// DieCb is the callback function type that needs to be defined for every call
// into the Die() function. This callback will be run as the first function of
// the Die() implementation.
type DieCb func()

// SetLogger sets the custom logger to be used by this package. If not called,
// the package will create its own logger.
func SetLogger(logger *logrus.Entry) {
	signalLog = logger
}

// HandlePanic writes a message to the logger and then calls Die().
func HandlePanic(dieCb DieCb) {
	r := recover()

	if r != nil {
		msg := fmt.Sprintf("%s", r)
		signalLog.WithField("panic", msg).Error("fatal error")

		Die(dieCb)
	}
}

// Backtrace writes a multi-line backtrace to the logger.
func Backtrace() {
	profiles := pprof.Profiles()

	buf := &bytes.Buffer{}

	for _, p := range profiles {
		// The magic number requests a full stacktrace. See
		// https://golang.org/pkg/runtime/pprof/#Profile.WriteTo.
		pprof.Lookup(p.Name()).WriteTo(buf, 2)
	}

	for _, line := range strings.Split(buf.String(), "\n") {
		signalLog.Error(line)
	}
}

// FatalSignal returns true if the specified signal should cause the program
// to abort.
func FatalSignal(sig syscall.Signal) bool {
	s, exists := handledSignalsMap[sig]
	if !exists {
		return false
	}

	return s
}

// NonFatalSignal returns true if the specified signal should simply cause the
// program to Backtrace() but continue running.
func NonFatalSignal(sig syscall.Signal) bool {
	s, exists := handledSignalsMap[sig]
	if !exists {
		return false
	}

	return !s
}

// HandledSignals returns a list of signals the package can deal with.
func HandledSignals() []syscall.Signal {
	var signals []syscall.Signal

	for sig := range handledSignalsMap {
		signals = append(signals, sig)
	}

	return signals
}

// Die causes a backtrace to be produced. If CrashOnError is set a coredump
// will be produced, else the program will exit.
func Die(dieCb DieCb) {
	dieCb()

	Backtrace()

	if CrashOnError {
		signal.Reset(syscall.SIGABRT)
		syscall.Kill(0, syscall.SIGABRT)
	}

	os.Exit(1)
}

// WatchForShutdown starts a goroutine that calls cancel on SIGINT or
// SIGTERM (a graceful request to stop the bridge, the same path as the SMSG
// "END" control message), calls Die on any signal in FatalSignal, and logs
// a backtrace without dying on any signal in NonFatalSignal. It returns
// immediately; the goroutine stops after the first SIGINT or SIGTERM.
func WatchForShutdown(cancel context.CancelFunc) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	for _, s := range HandledSignals() {
		signal.Notify(ch, s)
	}

	go func() {
		for sig := range ch {
			s, ok := sig.(syscall.Signal)
			if !ok {
				continue
			}
			switch {
			case s == syscall.SIGINT || s == syscall.SIGTERM:
				signalLog.WithField("signal", s).Info("shutdown requested")
				cancel()
				return
			case FatalSignal(s):
				signalLog.WithField("signal", s).Error("fatal signal received")
				Die(func() {})
			case NonFatalSignal(s):
				signalLog.WithField("signal", s).Warn("non-fatal signal received")
				Backtrace()
			}
		}
	}()
}
