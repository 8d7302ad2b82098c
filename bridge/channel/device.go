// Package channel implements the Channel I/O component of spec §4.2: it
// builds and issues the eight outbound channel-command templates over the
// dialed display device, and turns device interrupts into a Go event
// stream.
//
// The real "dialed display device" is a piece of 3270-style channel
// hardware the outside proxy dials into; nothing resembling it is
// reachable from Go without a hypervisor underneath, so this package
// expresses the same dialog over a net.Listener/net.Conn pair instead
// (the same interface a vsock or hybrid-vsock listener satisfies, the
// way the teacher's own agent transport is built). The half-duplex
// handshake, the "-pending" convention and the Attention/DeviceEnd event
// split are preserved exactly; only the physical transport changed.
package channel

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// EventKind classifies one entry on the device's event stream.
type EventKind int

const (
	// EventConnected fires when the outside proxy's connection is accepted.
	EventConnected EventKind = iota
	// EventDisconnected fires when that connection is lost.
	EventDisconnected
	// EventAttention fires when an inbound frame is fully buffered and
	// waiting to be claimed by ReadModified.
	EventAttention
	// EventReadCompleted fires once ReadModified has delivered the
	// buffered frame.
	EventReadCompleted
	// EventDeviceEnd fires once an Issue'd outbound command has been
	// written (or has failed after one retry).
	EventDeviceEnd
)

// Event is one entry on the device's event channel.
type Event struct {
	Kind EventKind
	// OK is meaningful for EventDeviceEnd: false means the write failed
	// even after a retry (spec §4.2/§4.7 failure model).
	OK bool
	// Data is the inbound frame bytes, meaningful for EventReadCompleted.
	Data []byte
}

// Device is the single dialed display device. Only one outside proxy can
// be connected at a time; a connection arriving while another is active
// replaces it, same as a fresh physical DIAL would steal the device.
type Device struct {
	addr string
	log  *logrus.Entry

	ln net.Listener

	mu     sync.Mutex
	conn   net.Conn
	frames chan []byte

	events chan Event
}

// New builds a device that will listen on addr once Serve is called.
func New(addr string, log *logrus.Entry) *Device {
	return &Device{
		addr:   addr,
		log:    log.WithField("component", "channel"),
		frames: make(chan []byte, 8),
		events: make(chan Event, 16),
	}
}

// Events returns the device's event stream, consumed by the bridge's
// single event-loop goroutine.
func (d *Device) Events() <-chan Event {
	return d.events
}

// Serve accepts connections until ctx is cancelled. Only the current
// connection, if any, is ever read from or written to; a new connection
// replaces it and the old one is closed.
func (d *Device) Serve(ctx context.Context) error {
	network, address := splitAddr(d.addr)
	ln, err := net.Listen(network, address)
	if err != nil {
		return fmt.Errorf("channel: listen on %s: %w", d.addr, err)
	}
	d.log.WithFields(logrus.Fields{"network": network, "address": address}).Info("dialed display device listening")
	d.ln = ln

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
			return fmt.Errorf("channel: accept on %s: %w", d.addr, err)
		}

		d.mu.Lock()
		if d.conn != nil {
			d.conn.Close()
		}
		d.conn = conn
		d.mu.Unlock()

		d.log.WithField("remote", conn.RemoteAddr()).Info("outside proxy dialed in")
		d.events <- Event{Kind: EventConnected}

		go d.readLoop(conn)
	}
}

func (d *Device) readLoop(conn net.Conn) {
	for {
		frame, err := readFrame(conn)
		if err != nil {
			d.mu.Lock()
			if d.conn == conn {
				d.conn = nil
			}
			d.mu.Unlock()
			d.log.WithError(err).Info("outside proxy connection closed")
			d.events <- Event{Kind: EventDisconnected}
			return
		}

		// Program order on this single reader goroutine guarantees the
		// frame is enqueued before the Attention event is observed by
		// the bridge's event loop, so ReadModified never blocks.
		d.frames <- frame
		d.events <- Event{Kind: EventAttention}
	}
}

// ReadModified claims the frame that triggered the most recent Attention
// event and delivers it as an EventReadCompleted. It must only be called
// after observing EventAttention.
func (d *Device) ReadModified() {
	frame := <-d.frames
	d.events <- Event{Kind: EventReadCompleted, Data: frame}
}

// Issue arms the next outbound frame and returns immediately; completion
// is reported asynchronously as an EventDeviceEnd. originVM/uw1/uw2/slot
// are only meaningful (and only encoded) for the two data-carrying kinds.
func (d *Device) Issue(kind Kind, originVM string, uw1, uw2 uint32, slotIndex uint16, payload []byte) {
	frame := buildFrame(kind, originVM, uw1, uw2, slotIndex, payload)

	go func() {
		ok := d.writeWithRetry(frame)
		if !ok {
			d.log.WithField("command", kind).Warn("channel command failed after retry; continuing without resync")
		}
		d.events <- Event{Kind: EventDeviceEnd, OK: ok}
	}()
}

// writeWithRetry issues the command, retrying exactly once on failure
// (spec §4.2: "On failure, retries once; if still failing, the failure
// is logged but the state machine proceeds").
func (d *Device) writeWithRetry(frame []byte) bool {
	for attempt := 0; attempt < 2; attempt++ {
		d.mu.Lock()
		conn := d.conn
		d.mu.Unlock()

		if conn == nil {
			d.log.Warn("channel command issued with no connected outside proxy")
			continue
		}

		if err := writeFrame(conn, frame); err == nil {
			return true
		} else if attempt == 0 {
			d.log.WithError(err).Warn("channel command write failed, retrying once")
		} else {
			d.log.WithError(err).Error("channel command write failed after retry")
		}
	}
	return false
}

func buildFrame(kind Kind, originVM string, uw1, uw2 uint32, slotIndex uint16, payload []byte) []byte {
	switch kind {
	case ReconnectCPRead:
		return append([]byte{wccFor(kind)}, reconnectCPReadText...)
	case ReconnectDialed:
		return append([]byte{wccFor(kind)}, reconnectDialedText...)
	}

	if !isDataFrame(kind) {
		return []byte{wccFor(kind), bufferAddressOrder[0], bufferAddressOrder[1], bufferAddressOrder[2]}
	}

	header := buildDataHeader(originVM, uw1, uw2, slotIndex)
	if kind == XmitPacketEmpty || len(payload) == 0 {
		return header
	}
	out := make([]byte, 0, len(header)+len(payload))
	out = append(out, header...)
	out = append(out, payload...)
	return out
}

// buildDataHeader builds the fixed 22-byte data frame header of spec §3:
// WCC(1) + positioning order(3) + origin-VM(8) + uw1(4) + uw2(4) + slot(2).
func buildDataHeader(originVM string, uw1, uw2 uint32, slotIndex uint16) []byte {
	h := make([]byte, 22)
	h[0] = wccData
	copy(h[1:4], bufferAddressOrder[:])

	var origin [8]byte
	for i := range origin {
		origin[i] = ' '
	}
	copy(origin[:], originVM)
	copy(h[4:12], origin[:])

	binary.BigEndian.PutUint32(h[12:16], uw1)
	binary.BigEndian.PutUint32(h[16:20], uw2)
	binary.BigEndian.PutUint16(h[20:22], slotIndex)
	return h
}

// splitAddr accepts addresses of the form "network:address" (e.g.
// "unix:/run/nicof/display.sock" or "tcp::7070") and defaults to "unix"
// when no scheme is given, matching the rest of the bridge's listener
// configuration (pkg/config).
func splitAddr(addr string) (string, string) {
	if net, rest, ok := strings.Cut(addr, ":"); ok && (net == "unix" || net == "tcp") {
		return net, rest
	}
	return "unix", addr
}
