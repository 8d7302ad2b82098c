// Package testclient is a reference client VM for the VMCF Facade (spec
// §4.5): it dials the facade's listener, upgrades to a yamux session, and
// opens one stream per send-and-receive call, exactly as a real client VM
// would. It exists to exercise the facade end-to-end in tests and as a
// runnable example of the wire contract bridge/vmcf/wire.go defines.
package testclient

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/google/uuid"
	"github.com/hashicorp/yamux"

	"github.com/devhawala/nicof/bridge/vmcf"
)

// Client is one client VM's long-lived connection to a VMCF Facade.
type Client struct {
	originVM string
	conn     net.Conn
	session  *yamux.Session
}

// Dial opens a new client VM connection to a facade listening on address
// over network (the two halves of the "network:address" scheme
// bridge/channel and bridge/vmcf use, passed separately).
func Dial(network, address, originVM string) (*Client, error) {
	conn, err := net.Dial(network, address)
	if err != nil {
		return nil, fmt.Errorf("testclient: dial %s %s: %w", network, address, err)
	}
	session, err := yamux.Client(conn, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("testclient: yamux client setup: %w", err)
	}
	return &Client{originVM: originVM, conn: conn, session: session}, nil
}

// Close tears down the client VM's session.
func (c *Client) Close() error {
	return c.session.Close()
}

// Reply is the resolved outcome of one send-and-receive call.
type Reply struct {
	OK        bool
	Reason    byte
	UserWord1 uint32
	UserWord2 uint32
	Payload   []byte
}

// SendAndReceive opens a new stream, issues one send-and-receive call with
// a freshly generated message id, and blocks for the reply (spec §4.5:
// "blocks until the bridge delivers Reply or Reject on this slot").
func (c *Client) SendAndReceive(uw1, uw2 uint32, payload []byte) (Reply, error) {
	stream, err := c.session.Open()
	if err != nil {
		return Reply{}, fmt.Errorf("testclient: open stream: %w", err)
	}
	defer stream.Close()

	msgID := messageID()
	if err := vmcf.WriteRequest(stream, c.originVM, msgID, uw1, uw2, payload); err != nil {
		return Reply{}, fmt.Errorf("testclient: write request: %w", err)
	}

	ok, reason, ruw1, ruw2, rpayload, err := vmcf.ReadReply(stream)
	if err != nil {
		return Reply{}, fmt.Errorf("testclient: read reply: %w", err)
	}
	return Reply{OK: ok, Reason: reason, UserWord1: ruw1, UserWord2: ruw2, Payload: rpayload}, nil
}

// messageID derives a 32-bit message id from a fresh UUID: VMCF message
// ids are a single control-program word, so only the low 32 bits are used.
func messageID() uint32 {
	id := uuid.New()
	b := id[:]
	return binary.BigEndian.Uint32(b[12:16])
}
