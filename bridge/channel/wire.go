package channel

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameLen bounds a single inbound frame, matching the fixed
// 2560-byte read-modified buffer of spec §4.2.
const MaxFrameLen = 2560

// writeFrame writes a length-prefixed frame: a 4-byte big-endian length
// followed by payload. The physical channel has no intrinsic frame
// boundary over a byte-stream transport, so the Go rewrite gives it one
// explicitly rather than relying on read sizing, the way the teacher's
// own ttrpc/yamux-based agent transport frames its RPCs.
func writeFrame(w io.Writer, payload []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// readFrame reads one length-prefixed frame, rejecting anything larger
// than MaxFrameLen.
func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameLen {
		return nil, fmt.Errorf("channel: frame of %d bytes exceeds %d-byte maximum", n, MaxFrameLen)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
