package channel

// Kind identifies one of the eight outbound channel-command templates of
// spec §4.2. Each pairs a write-control byte with the 3-byte terminal
// buffer-positioning order; the two data-carrying kinds additionally get
// the 22-byte data header built by buildDataHeader.
type Kind int

const (
	Welcome Kind = iota
	WelcomeBinary
	WillSend
	Ack
	DoSend
	Reset
	Dump
	XmitPacket
	XmitPacketEmpty

	// ReconnectCPRead and ReconnectDialed are not among the spec's eight
	// protocol-classified templates (§4.2); they carry the two literal
	// text prompts the takeover dance needs on the wire (grounded in
	// ioproxy.c's ccw_reconnect_cpread/ccw_reconnect_dialed), which §4.4
	// only names at the state-transition level ("issue the 'dialed'
	// welcome message").
	ReconnectCPRead
	ReconnectDialed
)

func (k Kind) String() string {
	switch k {
	case Welcome:
		return "Welcome"
	case WelcomeBinary:
		return "Welcome-binary"
	case WillSend:
		return "WillSend"
	case Ack:
		return "Ack"
	case DoSend:
		return "DoSend"
	case Reset:
		return "Reset"
	case Dump:
		return "Dump"
	case XmitPacket:
		return "XmitPacket"
	case XmitPacketEmpty:
		return "XmitPacket-empty"
	case ReconnectCPRead:
		return "Reconnect-CpRead"
	case ReconnectDialed:
		return "Reconnect-Dialed"
	default:
		return "Unknown"
	}
}

// Write-control bytes, spec §6.
const (
	wccWelcome       byte = 0x40
	wccWelcomeBinary byte = 0x4D
	wccWillSend      byte = 0xC1
	wccAck           byte = 0xC4
	wccDoSend        byte = 0xC5
	wccReset         byte = 0x4F
	wccDump          byte = 0x4E
	wccData          byte = 0x00

	// wccReconnectCPRead/wccReconnectDialed prefix the two takeover-dance
	// text prompts; ioproxy.c reuses 0xC2 (a "keyboard restore" WCC) for
	// both, which we keep.
	wccReconnectCPRead byte = 0xC2
	wccReconnectDialed byte = 0xC2
)

// reconnectCPReadText is the literal prompt written to the dialed
// terminal asking the outside proxy to issue "DIAL " (ioproxy.c:
// ccw_reconnect_cpread's "\x1d-CP READ            ").
var reconnectCPReadText = []byte("-CP READ            ")

// reconnectDialedText is the literal "welcome back" text sent once the
// takeover dial is accepted (ioproxy.c: data_reconnect_dialed).
var reconnectDialedText = []byte("  DIALED TO me")

func wccFor(k Kind) byte {
	switch k {
	case Welcome:
		return wccWelcome
	case WelcomeBinary:
		return wccWelcomeBinary
	case WillSend:
		return wccWillSend
	case Ack:
		return wccAck
	case DoSend:
		return wccDoSend
	case Reset:
		return wccReset
	case Dump:
		return wccDump
	case XmitPacket, XmitPacketEmpty:
		return wccData
	case ReconnectCPRead:
		return wccReconnectCPRead
	case ReconnectDialed:
		return wccReconnectDialed
	default:
		return 0
	}
}

// isDataFrame reports whether k carries the full 22-byte data header
// (origin-VM, user words, slot index) rather than being a bare
// single-command handshake frame.
func isDataFrame(k Kind) bool {
	return k == XmitPacket || k == XmitPacketEmpty
}

// bufferAddressOrder is the constant 3-byte terminal-buffer positioning
// order prefixed to every outbound frame (spec §3): a Set-Buffer-Address
// order addressing the last (12-bit) position of the display buffer,
// which is how the outside proxy recognizes these frames as originating
// from our side. Ground truth: ioproxy.c's data_xmit_header.sba = {0x11,
// 0x7f, 0x7f} and its comment that the encoded position "must be 7F7F ...
// for the CCW to be recognized as handshake from the VM/370-side proxy" —
// 0x4040 would instead address the *first* buffer position.
var bufferAddressOrder = [3]byte{0x11, 0x7f, 0x7f}
