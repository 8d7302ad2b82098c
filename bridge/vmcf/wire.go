// Package vmcf implements the VMCF Facade of spec §4.5: it stands in for
// the inter-VM messaging substrate's authorize/accept/receive/reply API,
// and the SMSG control channel of §4.5/§6.
//
// The real VMCF primitive delivers a client's send-and-receive call as a
// control-program interrupt carrying a fixed metadata header, with the
// payload fetched by a separate, explicit RECEIVE call. Nothing resembling
// that exists outside a VM/370 control program, so this package expresses
// the same contract over a byte-stream transport instead, grounded in the
// teacher's own agent-channel multiplexing: one long-lived connection per
// client VM, upgraded to a yamux session, with each concurrent
// send-and-receive call as one yamux stream (so concurrent requests from
// one client legitimately complete out of order, matching spec §1's
// Non-goals).
package vmcf

import (
	"encoding/binary"
	"fmt"
	"io"
)

// requestHeaderLen is the fixed VMCF-request metadata header a client
// stream opens with: origin-VM (8), message id (4), user-word-1 (4),
// user-word-2 (4), payload length (4).
const requestHeaderLen = 24

// maxPayloadLen mirrors bridge.MaxPayloadLen without importing the bridge
// package (vmcf must not depend on bridge, to avoid an import cycle: the
// bridge depends on vmcf, not the other way around).
const maxPayloadLen = 2048

// requestHeader is the metadata the external-interrupt context reads from
// a freshly accepted stream. It never reads the payload itself (spec §5).
type requestHeader struct {
	OriginVM  string
	MsgID     uint32
	UserWord1 uint32
	UserWord2 uint32
	Length    uint32
}

func readRequestHeader(r io.Reader) (requestHeader, error) {
	var buf [requestHeaderLen]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return requestHeader{}, err
	}

	h := requestHeader{
		OriginVM:  string(trimTrailingSpaces(buf[0:8])),
		MsgID:     binary.BigEndian.Uint32(buf[8:12]),
		UserWord1: binary.BigEndian.Uint32(buf[12:16]),
		UserWord2: binary.BigEndian.Uint32(buf[16:20]),
		Length:    binary.BigEndian.Uint32(buf[20:24]),
	}
	if h.Length > maxPayloadLen {
		return requestHeader{}, fmt.Errorf("vmcf: request length %d exceeds %d-byte maximum", h.Length, maxPayloadLen)
	}
	return h, nil
}

func trimTrailingSpaces(b []byte) []byte {
	end := len(b)
	for end > 0 && b[end-1] == ' ' {
		end--
	}
	return b[:end]
}

// Outcome bytes for the reply frame written back on a client's stream.
const (
	outcomeReply  byte = 0
	outcomeReject byte = 1
)

// writeReply writes {outcomeReply, uw1, uw2, length, payload}.
func writeReply(w io.Writer, uw1, uw2 uint32, payload []byte) error {
	var hdr [13]byte
	hdr[0] = outcomeReply
	binary.BigEndian.PutUint32(hdr[1:5], uw1)
	binary.BigEndian.PutUint32(hdr[5:9], uw2)
	binary.BigEndian.PutUint32(hdr[9:13], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// writeReject writes {outcomeReject, reason}.
func writeReject(w io.Writer, reason byte) error {
	_, err := w.Write([]byte{outcomeReject, reason})
	return err
}

// ReadReply is the reference client's counterpart to writeReply/writeReject,
// used by bridge/vmcf/testclient and by the facade's own tests.
func ReadReply(r io.Reader) (ok bool, reason byte, uw1, uw2 uint32, payload []byte, err error) {
	var tag [1]byte
	if _, err = io.ReadFull(r, tag[:]); err != nil {
		return
	}
	switch tag[0] {
	case outcomeReject:
		var rb [1]byte
		if _, err = io.ReadFull(r, rb[:]); err != nil {
			return
		}
		return false, rb[0], 0, 0, nil, nil
	case outcomeReply:
		var hdr [12]byte
		if _, err = io.ReadFull(r, hdr[:]); err != nil {
			return
		}
		uw1 = binary.BigEndian.Uint32(hdr[0:4])
		uw2 = binary.BigEndian.Uint32(hdr[4:8])
		n := binary.BigEndian.Uint32(hdr[8:12])
		payload = make([]byte, n)
		if _, err = io.ReadFull(r, payload); err != nil {
			return
		}
		return true, 0, uw1, uw2, payload, nil
	default:
		err = fmt.Errorf("vmcf: unknown reply outcome byte 0x%02x", tag[0])
		return
	}
}

// WriteRequest is the reference client's counterpart to readRequestHeader,
// writing the header followed immediately by the payload on one stream.
func WriteRequest(w io.Writer, originVM string, msgID, uw1, uw2 uint32, payload []byte) error {
	var origin [8]byte
	for i := range origin {
		origin[i] = ' '
	}
	copy(origin[:], originVM)

	var hdr [requestHeaderLen]byte
	copy(hdr[0:8], origin[:])
	binary.BigEndian.PutUint32(hdr[8:12], msgID)
	binary.BigEndian.PutUint32(hdr[12:16], uw1)
	binary.BigEndian.PutUint32(hdr[16:20], uw2)
	binary.BigEndian.PutUint32(hdr[20:24], uint32(len(payload)))

	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}
