package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestBufferAddressOrderAddressesLastPosition pins the constant against
// ioproxy.c's data_xmit_header.sba = {0x11, 0x7f, 0x7f}: the outside
// proxy only recognizes frames as originating from our side if the
// Set-Buffer-Address order addresses the *last* (12-bit) buffer
// position, which 0x7F7F encodes; 0x4040 (the first position) would not.
func TestBufferAddressOrderAddressesLastPosition(t *testing.T) {
	assert.Equal(t, [3]byte{0x11, 0x7f, 0x7f}, bufferAddressOrder)
}

// TestBuildFrameHandshakeKinds checks the full header bytes (WCC + SBA)
// of every single-command handshake frame, not just the WCC byte.
func TestBuildFrameHandshakeKinds(t *testing.T) {
	cases := []struct {
		kind Kind
		wcc  byte
	}{
		{Welcome, 0x40},
		{WelcomeBinary, 0x4D},
		{WillSend, 0xC1},
		{Ack, 0xC4},
		{DoSend, 0xC5},
		{Reset, 0x4F},
		{Dump, 0x4E},
	}

	for _, c := range cases {
		frame := buildFrame(c.kind, "", 0, 0, 0, nil)
		assert.Equal(t, []byte{c.wcc, 0x11, 0x7f, 0x7f}, frame, "frame for %s", c.kind)
	}
}

// TestBuildFrameXmitPacket checks the 22-byte data header layout (spec
// §3: WCC + SBA + origin-VM(8) + uw1(4) + uw2(4) + slot(2)) plus the
// payload, and that XmitPacketEmpty carries the header with no payload.
func TestBuildFrameXmitPacket(t *testing.T) {
	payload := []byte("hello")
	frame := buildFrame(XmitPacket, "CLIENTA ", 0x11111111, 0x22222222, 7, payload)

	want := []byte{0x00, 0x11, 0x7f, 0x7f}
	want = append(want, []byte("CLIENTA ")...)
	want = append(want, 0x11, 0x11, 0x11, 0x11)
	want = append(want, 0x22, 0x22, 0x22, 0x22)
	want = append(want, 0x00, 0x07)
	want = append(want, payload...)

	assert.Equal(t, want, frame)

	empty := buildFrame(XmitPacketEmpty, "CLIENTA ", 0x11111111, 0x22222222, 7, nil)
	assert.Equal(t, want[:22], empty)
	assert.Len(t, empty, 22)
}

// TestBuildFrameXmitPacketPadsShortOriginVM checks that an origin-VM id
// shorter than 8 characters is space-padded (spec §3: "8 ASCII-range
// characters, space-padded").
func TestBuildFrameXmitPacketPadsShortOriginVM(t *testing.T) {
	frame := buildFrame(XmitPacketEmpty, "AB", 0, 0, 0, nil)
	assert.Equal(t, []byte("AB      "), frame[4:12])
}

func TestWccForUnknownKindIsZero(t *testing.T) {
	assert.Zero(t, wccFor(Kind(999)))
}

// TestBuildFrameReconnectKinds checks the two takeover-dance text prompts
// (ioproxy.c: ccw_reconnect_cpread / data_reconnect_dialed), which are
// prefixed with their WCC but carry no SBA (they address the screen
// directly with a literal prompt, not the data-header layout).
func TestBuildFrameReconnectKinds(t *testing.T) {
	cpRead := buildFrame(ReconnectCPRead, "", 0, 0, 0, nil)
	assert.Equal(t, append([]byte{0xC2}, reconnectCPReadText...), cpRead)

	dialed := buildFrame(ReconnectDialed, "", 0, 0, 0, nil)
	assert.Equal(t, append([]byte{0xC2}, reconnectDialedText...), dialed)
}

func TestIsDataFrame(t *testing.T) {
	assert.True(t, isDataFrame(XmitPacket))
	assert.True(t, isDataFrame(XmitPacketEmpty))
	assert.False(t, isDataFrame(WillSend))
	assert.False(t, isDataFrame(ReconnectCPRead))
}
