package vmcf

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/hashicorp/yamux"
	"github.com/sirupsen/logrus"
)

// Sink is implemented by the bridge core to accept ingress metadata from
// the facade's accept goroutine — the External-interrupt context of spec
// §5. It must never block on I/O: it only acquires a slot, enqueues it,
// and (per §5's "initiation of transmit from external context" rule)
// possibly issues WillSend itself.
type Sink interface {
	// OnRequest reports a new send-and-receive call's metadata. It
	// returns the slot index bound to this request and ok=true, or
	// ok=false if the slot table is exhausted — in which case the
	// facade itself issues the reason-1 reject (spec §4.5), without
	// involving the bridge any further.
	OnRequest(originVM string, msgID, uw1, uw2 uint32, payloadLen int) (slotIndex uint16, ok bool)
}

// Facade is the VMCF Facade of spec §4.5. Authorize/Deauthorize start and
// stop its listener; ReceiveInto, Reply and Reject are called from the
// bridge's single event-loop goroutine (the Device-interrupt context).
type Facade struct {
	addr string
	log  *logrus.Entry
	sink Sink

	ln net.Listener

	mu      sync.Mutex
	streams map[uint16]net.Conn
}

// New builds a facade that will listen on addr (a unix socket path or
// "tcp:host:port") once Serve is called. sink receives ingress events.
func New(addr string, sink Sink, log *logrus.Entry) *Facade {
	return &Facade{
		addr:    addr,
		sink:    sink,
		log:     log.WithField("component", "vmcf"),
		streams: make(map[uint16]net.Conn),
	}
}

// Serve authorizes the facade (spec: "authorizes the inter-VM messaging
// subsystem on startup") by opening its listener, and accepts one
// long-lived connection per client VM until ctx is cancelled, at which
// point it deauthorizes by closing the listener and any open streams.
func (f *Facade) Serve(ctx context.Context) error {
	network, address := splitAddr(f.addr)
	ln, err := net.Listen(network, address)
	if err != nil {
		return fmt.Errorf("vmcf: listen on %s: %w", f.addr, err)
	}
	f.ln = ln
	f.log.WithFields(logrus.Fields{"network": network, "address": address}).Info("VMCF facade authorized")

	go func() {
		<-ctx.Done()
		ln.Close()
		f.closeAllStreams()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				f.log.Info("VMCF facade deauthorized")
				return nil
			default:
			}
			return fmt.Errorf("vmcf: accept on %s: %w", f.addr, err)
		}
		go f.serveClient(conn)
	}
}

// serveClient upgrades one client VM's connection to a yamux session and
// accepts one stream per concurrent send-and-receive call.
func (f *Facade) serveClient(conn net.Conn) {
	session, err := yamux.Server(conn, nil)
	if err != nil {
		f.log.WithError(err).Warn("yamux session setup failed")
		conn.Close()
		return
	}
	defer session.Close()

	for {
		stream, err := session.Accept()
		if err != nil {
			return
		}
		go f.serveStream(stream)
	}
}

// serveStream is the External-interrupt context of spec §5: it reads only
// the request's metadata header, never the payload.
func (f *Facade) serveStream(stream net.Conn) {
	hdr, err := readRequestHeader(stream)
	if err != nil {
		f.log.WithError(err).Debug("malformed or truncated VMCF request header")
		stream.Close()
		return
	}

	slotIndex, ok := f.sink.OnRequest(hdr.OriginVM, hdr.MsgID, hdr.UserWord1, hdr.UserWord2, int(hdr.Length))
	if !ok {
		f.log.WithFields(logrus.Fields{"origin": hdr.OriginVM, "msgid": hdr.MsgID}).Warn("no free transmission slots; rejecting")
		writeReject(stream, 1)
		stream.Close()
		return
	}

	f.mu.Lock()
	f.streams[slotIndex] = stream
	f.mu.Unlock()
}

// ReceiveInto reads exactly len(buf) bytes of payload from the stream
// bound to slotIndex. It must only be called from the device-interrupt
// context, at the point the outbound XmitPacket for that slot is about to
// be built (spec §5's fundamental ordering invariant: a client payload
// read must never happen concurrently with a reply being issued).
func (f *Facade) ReceiveInto(slotIndex uint16, buf []byte) error {
	stream, ok := f.boundStream(slotIndex)
	if !ok {
		return fmt.Errorf("vmcf: no stream bound to slot %d", slotIndex)
	}
	_, err := io.ReadFull(stream, buf)
	return err
}

// Reply delivers a response to slotIndex's client and closes its stream.
func (f *Facade) Reply(slotIndex uint16, uw1, uw2 uint32, payload []byte) error {
	stream, ok := f.takeStream(slotIndex)
	if !ok {
		return fmt.Errorf("vmcf: no stream bound to slot %d", slotIndex)
	}
	defer stream.Close()
	return writeReply(stream, uw1, uw2, payload)
}

// Reject rejects slotIndex's client with reason and closes its stream.
// Used for reason 2 (reset_all on reconnection, spec §4.6); the reason-1
// exhaustion reject is written directly by serveStream before any slot
// exists.
func (f *Facade) Reject(slotIndex uint16, reason byte) error {
	stream, ok := f.takeStream(slotIndex)
	if !ok {
		// The slot may have had no bound stream (e.g. a request that was
		// itself rejected for exhaustion never reaches here); nothing to do.
		return nil
	}
	defer stream.Close()
	return writeReject(stream, reason)
}

func (f *Facade) boundStream(slotIndex uint16) (net.Conn, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.streams[slotIndex]
	return s, ok
}

func (f *Facade) takeStream(slotIndex uint16) (net.Conn, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.streams[slotIndex]
	if ok {
		delete(f.streams, slotIndex)
	}
	return s, ok
}

func (f *Facade) closeAllStreams() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for idx, s := range f.streams {
		s.Close()
		delete(f.streams, idx)
	}
}

// splitAddr mirrors bridge/channel's address scheme: "unix:/path" or
// "tcp::port", defaulting to unix.
func splitAddr(addr string) (string, string) {
	for _, scheme := range []string{"unix", "tcp"} {
		prefix := scheme + ":"
		if len(addr) > len(prefix) && addr[:len(prefix)] == prefix {
			return scheme, addr[len(prefix):]
		}
	}
	return "unix", addr
}
