package bridge

import (
	"context"
	"encoding/binary"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devhawala/nicof/bridge/encoding"
	"github.com/devhawala/nicof/bridge/vmcf/testclient"
)

// fakeProxy plays the outside proxy's half of the dialog directly on the
// dialed display device's socket, using the same length-prefixed framing
// bridge/channel uses (4-byte big-endian length, then the frame bytes).
type fakeProxy struct {
	t    *testing.T
	conn net.Conn
}

func dialFakeProxy(t *testing.T, addr string) *fakeProxy {
	t.Helper()
	var conn net.Conn
	var err error
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err = net.Dial("unix", addr)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, err, "dialing fake outside proxy socket")
	return &fakeProxy{t: t, conn: conn}
}

func (p *fakeProxy) send(frame []byte) {
	p.t.Helper()
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(frame)))
	_, err := p.conn.Write(lenBuf[:])
	require.NoError(p.t, err)
	_, err = p.conn.Write(frame)
	require.NoError(p.t, err)
}

func (p *fakeProxy) recv() []byte {
	p.t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var lenBuf [4]byte
	_, err := readFull(p.conn, lenBuf[:])
	require.NoError(p.t, err)
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	_, err = readFull(p.conn, buf)
	require.NoError(p.t, err)
	return buf
}

func readFull(r net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func encodeDataBlock(slotIndex uint16, uw1, uw2 uint32, payload []byte, sevenOfEight bool) []byte {
	sub := make([]byte, subHeaderLen+len(payload))
	binary.BigEndian.PutUint16(sub[0:2], slotIndex)
	binary.BigEndian.PutUint32(sub[2:6], uw1)
	binary.BigEndian.PutUint32(sub[6:10], uw2)
	binary.BigEndian.PutUint16(sub[10:12], uint16(len(payload)))
	copy(sub[subHeaderLen:], payload)
	if sevenOfEight {
		sub = encoding.SevenOfEight(sub)
	}
	return sub
}

func buildInboundDataFrame(aidByte byte, slotIndex uint16, uw1, uw2 uint32, payload []byte, sevenOfEight bool) []byte {
	block := encodeDataBlock(slotIndex, uw1, uw2, payload, sevenOfEight)
	raw := make([]byte, skipLen+len(block))
	raw[0] = aidByte
	copy(raw[skipLen:], block)
	return raw
}

func testAddrs(t *testing.T) (display, vmcfAddr, control string) {
	dir := t.TempDir()
	return "unix:" + filepath.Join(dir, "display.sock"),
		"unix:" + filepath.Join(dir, "vmcf.sock"),
		"unix:" + filepath.Join(dir, "control.sock")
}

func TestBridgeHappyRoundTripSevenOfEight(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	display, vmcfAddr, control := testAddrs(t)

	log := logrus.NewEntry(logrus.New())
	log.Logger.SetOutput(discard{})

	b := New(Config{
		SlotCount:         4,
		DisplayListenAddr: display,
		VMCFListenAddr:    vmcfAddr,
		ControlListenAddr: control,
	}, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- b.Run(ctx) }()

	displayPath := display[len("unix:"):]
	proxy := dialFakeProxy(t, displayPath)

	// Initial handshake: proxy announces 7-of-8 encoding.
	proxy.send([]byte{byte(aidWelcome7of8)})
	welcomeFrame := proxy.recv()
	assert.Equal([]byte{0x40, 0x11, 0x7f, 0x7f}, welcomeFrame, "expected Welcome WCC + last-position SBA")
	ackFrame := proxy.recv()
	assert.Equal([]byte{0xC4, 0x11, 0x7f, 0x7f}, ackFrame, "expected Ack WCC + last-position SBA")

	// Give the event loop a moment to settle into Idle after the Ack's
	// own device-end (no further proxy action is needed for that step).
	time.Sleep(50 * time.Millisecond)

	vmcfNetwork, vmcfAddress := "unix", vmcfAddr[len("unix:"):]
	client, err := testclient.Dial(vmcfNetwork, vmcfAddress, "CLIENT1")
	require.NoError(err)
	defer client.Close()

	type callResult struct {
		reply testclient.Reply
		err   error
	}
	resultCh := make(chan callResult, 1)
	go func() {
		r, err := client.SendAndReceive(0x11, 0x22, []byte("ping"))
		resultCh <- callResult{r, err}
	}()

	willSendFrame := proxy.recv()
	assert.Equal(byte(0xC1), willSendFrame[0], "expected WillSend write-control byte")

	// The WillSend write and its own device-end promotion
	// (TransmitPrepPending -> TransmitPrep) race against this goroutine
	// in a way the original hardware's synchronous channel-end signal
	// never did; give the event loop time to settle before the next
	// inbound frame needs the resolved state.
	time.Sleep(50 * time.Millisecond)
	proxy.send([]byte{byte(aidAck)})

	xmitFrame := proxy.recv()
	assert.Equal(byte(0x00), xmitFrame[0], "expected data write-control byte for XmitPacket")
	origin := string(xmitFrame[4:12])
	assert.Equal("CLIENT1 ", origin)
	slotIndex := binary.BigEndian.Uint16(xmitFrame[20:22])
	payload := xmitFrame[22:]
	assert.Equal("ping", string(payload))

	time.Sleep(50 * time.Millisecond)
	proxy.send([]byte{byte(aidAckWantSend)})

	doSendFrame := proxy.recv()
	assert.Equal(byte(0xC5), doSendFrame[0], "expected DoSend write-control byte")

	time.Sleep(50 * time.Millisecond)
	reply := buildInboundDataFrame(byte(aidEnter), slotIndex, 0x33, 0x44, []byte("pong"), true)
	proxy.send(reply)

	finalAck := proxy.recv()
	assert.Equal(byte(0xC4), finalAck[0], "expected closing Ack write-control byte")

	select {
	case res := <-resultCh:
		require.NoError(res.err)
		assert.True(res.reply.OK)
		assert.EqualValues(0x33, res.reply.UserWord1)
		assert.EqualValues(0x44, res.reply.UserWord2)
		assert.Equal("pong", string(res.reply.Payload))
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for client reply")
	}

	cancel()
	select {
	case err := <-runErrCh:
		assert.NoError(err)
	case <-time.After(2 * time.Second):
		t.Fatal("bridge.Run did not return after cancellation")
	}
}

func TestBridgeRejectsWhenSlotTableExhausted(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	display, vmcfAddr, control := testAddrs(t)
	log := logrus.NewEntry(logrus.New())
	log.Logger.SetOutput(discard{})

	b := New(Config{
		SlotCount:         1,
		DisplayListenAddr: display,
		VMCFListenAddr:    vmcfAddr,
		ControlListenAddr: control,
	}, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	// Force the table full without a connected display, so no WillSend
	// handshake is attempted: OnRequest alone is enough to reach "no
	// free slots" for a second concurrent caller.
	time.Sleep(50 * time.Millisecond)
	_, ok := b.OnRequest("FIRST", 1, 0, 0, 1)
	require.True(ok)

	vmcfNetwork, vmcfAddress := "unix", vmcfAddr[len("unix:"):]
	client, err := testclient.Dial(vmcfNetwork, vmcfAddress, "SECOND")
	require.NoError(err)
	defer client.Close()

	reply, err := client.SendAndReceive(0, 0, []byte("x"))
	require.NoError(err)
	assert.False(reply.OK)
	assert.EqualValues(1, reply.Reason, "exhaustion must reject with reason 1")
}
