package vmcf

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// ControlKind classifies one SMSG control message (spec §4.5/§6).
type ControlKind int

const (
	// ControlEnd is the privileged "END" message: terminate the event
	// loop and exit with status 0.
	ControlEnd ControlKind = iota
	// ControlStat is the "STAT" message: emit a diagnostic dump.
	ControlStat
)

// ControlEvent is delivered to the bridge for each accepted SMSG message.
// For ControlStat, Reply is the connection to write the dump text back
// to; the bridge must close it when done.
type ControlEvent struct {
	Kind  ControlKind
	Reply net.Conn
}

// Control implements the SMSG control channel: a second unix-socket
// listener addressed to this process, recognizing two text lines, "END"
// (privileged origin only) and "STAT" (spec §4.5/§6).
type Control struct {
	addr           string
	privilegedUID  uint32
	requirePrivUID bool
	log            *logrus.Entry

	ln     net.Listener
	events chan ControlEvent
}

// NewControl builds a control channel listening on addr. When
// requirePrivUID is true, "END" is honored only from a peer whose
// SO_PEERCRED uid matches privilegedUID (spec: "only if origin is the
// privileged user"); STAT is never privilege-checked.
func NewControl(addr string, privilegedUID uint32, requirePrivUID bool, log *logrus.Entry) *Control {
	return &Control{
		addr:           addr,
		privilegedUID:  privilegedUID,
		requirePrivUID: requirePrivUID,
		log:            log.WithField("component", "control"),
		events:         make(chan ControlEvent, 4),
	}
}

// Events returns the control channel's event stream.
func (c *Control) Events() <-chan ControlEvent {
	return c.events
}

// Serve accepts control connections until ctx is cancelled.
func (c *Control) Serve(ctx context.Context) error {
	_, path := splitAddr(c.addr)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("control: listen on %s: %w", c.addr, err)
	}
	c.ln = ln

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return fmt.Errorf("control: accept on %s: %w", c.addr, err)
		}
		go c.serveConn(conn)
	}
}

func (c *Control) serveConn(conn net.Conn) {
	line, err := bufio.NewReader(conn).ReadString('\n')
	line = strings.TrimSpace(line)
	if err != nil && line == "" {
		conn.Close()
		return
	}

	switch strings.ToUpper(line) {
	case "END":
		if c.requirePrivUID && !c.peerIsPrivileged(conn) {
			c.log.Warn("SMSG END from unprivileged peer, ignored")
			fmt.Fprintln(conn, "not authorized")
			conn.Close()
			return
		}
		c.events <- ControlEvent{Kind: ControlEnd, Reply: conn}
	case "STAT":
		c.events <- ControlEvent{Kind: ControlStat, Reply: conn}
	default:
		c.log.WithField("line", line).Warn("unrecognized SMSG control message")
		fmt.Fprintln(conn, "unrecognized control message")
		conn.Close()
	}
}

// peerIsPrivileged checks the connecting peer's SO_PEERCRED uid, the
// nearest unix-domain analogue to VMCF's notion of a privileged
// originating VM ("MAINT").
func (c *Control) peerIsPrivileged(conn net.Conn) bool {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return false
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return false
	}
	var cred *unix.Ucred
	var credErr error
	err = raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil || credErr != nil || cred == nil {
		return false
	}
	return cred.Uid == c.privilegedUID
}
