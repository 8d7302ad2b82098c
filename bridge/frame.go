package bridge

import (
	"encoding/binary"
	"fmt"

	"github.com/devhawala/nicof/bridge/encoding"
)

// AID classifies an inbound response frame by its first byte (spec §6).
type aid byte

const (
	aidEnter         aid = 0x7D
	aidClear         aid = 0x6D
	aidAck           aid = 0xF1
	aidWelcome7of8   aid = 0xF2
	aidAckWantSend   aid = 0xF3
	aidDataWantSend  aid = 0xF4
	aidWantSend      aid = 0xF5
	aidWelcomeBinary aid = 0xF9
)

// dialSequence is the literal bytes the outside proxy's takeover input
// must carry, at the fixed offset used by ioproxy.c, for the core to
// treat it as a completed reconnection dial rather than stray CP READ
// input.
var dialSequence = []byte("DIAL ")

const (
	// dialOffset is the byte offset of dialSequence within the inbound
	// frame that follows a Clear/ReconnectCPRead prompt.
	dialOffset = 6

	// skipLen is the AID byte plus the 10 bytes of transport framing
	// the core never interprets (spec §3 "Response frame").
	skipLen = 11

	// subHeaderLen is the decoded {slot, uw1, uw2, xmitLen} region that
	// follows the skipped bytes.
	subHeaderLen = 12

	// minDataFrameLen is the spec's literal minimum acceptable length
	// for a data-carrying response (§4.4): shorter frames are resynced
	// with a Reset rather than parsed.
	minDataFrameLen = 21
)

// isDialRequest reports whether raw, received while Reconnect-CpRead is
// pending, is the "DIAL " sequence that completes a takeover.
func isDialRequest(raw []byte) bool {
	if len(raw) < dialOffset+len(dialSequence) {
		return false
	}
	for i, b := range dialSequence {
		if raw[dialOffset+i] != b {
			return false
		}
	}
	return true
}

// decodedResponse is a data frame's demultiplexed payload (spec §4.4
// "Payload decode").
type decodedResponse struct {
	SlotIndex uint16
	UserWord1 uint32
	UserWord2 uint32
	Payload   []byte
}

// decodeDataFrame extracts the slot index, user words and payload from a
// response frame already known to carry data (AID F4 or Enter). sevenOfEight
// selects whether the data region needs the inverse 7-of-8 transform before
// the subheader is read (spec §4.1: "encoding applies only to the data
// payload region of response frames, bytes after the first 11").
//
// A frame between minDataFrameLen and skipLen+subHeaderLen bytes is zero-padded
// before the subheader fields are read rather than rejected outright: the
// original C core simply kept reading past the declared length into
// whatever stale bytes were left in its fixed receive buffer, which this
// rewrite replaces with a deterministic (and memory-safe) zero fill.
func decodeDataFrame(raw []byte, sevenOfEight bool) (decodedResponse, error) {
	if len(raw) < minDataFrameLen {
		return decodedResponse{}, fmt.Errorf("response frame too short: %d bytes (minimum %d)", len(raw), minDataFrameLen)
	}

	body := raw[skipLen:]
	if sevenOfEight {
		body = encoding.InverseSevenOfEight(body)
	}
	if len(body) < subHeaderLen {
		padded := make([]byte, subHeaderLen)
		copy(padded, body)
		body = padded
	}

	slotIndex := binary.BigEndian.Uint16(body[0:2])
	uw1 := binary.BigEndian.Uint32(body[2:6])
	uw2 := binary.BigEndian.Uint32(body[6:10])
	xmitLen := int(binary.BigEndian.Uint16(body[10:12]))

	residue := body[subHeaderLen:]
	if xmitLen > len(residue) {
		// Boundary behavior (spec §8): a declared length longer than the
		// actual residue is truncated to the residue, never trusted.
		xmitLen = len(residue)
	}

	return decodedResponse{
		SlotIndex: slotIndex,
		UserWord1: uw1,
		UserWord2: uw2,
		Payload:   residue[:xmitLen],
	}, nil
}
