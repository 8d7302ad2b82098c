// Package bridge implements the inside proxy's core: the Slot Table, the
// protocol State, the Log Ring and the Dispatch State Machine of spec §3/
// §4.3/§4.4, wired together as a single Bridge object per the design note
// of spec §9 ("they should be encapsulated in a single 'bridge' object
// with the interrupt handlers as methods on that object").
package bridge

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/devhawala/nicof/bridge/channel"
	"github.com/devhawala/nicof/bridge/logring"
	"github.com/devhawala/nicof/bridge/vmcf"
)

// Config holds the bridge's deployment-time parameters (spec §3: slot
// count is "a compile-time constant, not a protocol parameter" in the
// original; here it is a configuration default instead, per pkg/config).
type Config struct {
	SlotCount             int
	DisplayListenAddr     string
	VMCFListenAddr        string
	ControlListenAddr     string
	PrivilegedUID         uint32
	RequirePrivilegeOnEnd bool
}

// Bridge owns the slot table, protocol state, log ring, channel device and
// VMCF facade, and runs the single-goroutine event loop that is the Go
// analogue of spec §5's "single-threaded cooperative" scheduling model: the
// two hardware interrupt contexts of the original become two Go goroutines
// (the facade's accept path and this event loop) synchronized by mu, the
// explicit stand-in for the interrupt-priority ordering the original got
// from hardware.
type Bridge struct {
	log *logrus.Entry

	mu            sync.Mutex
	state         State
	sevenOfEight  bool
	slots         *SlotTable
	ring          *logring.Ring

	device  *channel.Device
	vmcf    *vmcf.Facade
	control *vmcf.Control
}

// New builds a Bridge; Run starts its event loop and the device/VMCF/
// control listeners.
func New(cfg Config, log *logrus.Entry) *Bridge {
	b := &Bridge{
		log:          log.WithField("component", "bridge"),
		state:        StateInitial,
		sevenOfEight: true,
		slots:        NewSlotTable(cfg.SlotCount),
		ring:         logring.New(),
	}
	b.device = channel.New(cfg.DisplayListenAddr, log)
	b.vmcf = vmcf.New(cfg.VMCFListenAddr, b, log)
	b.control = vmcf.NewControl(cfg.ControlListenAddr, cfg.PrivilegedUID, cfg.RequirePrivilegeOnEnd, log)
	return b
}

// Run starts the device, VMCF and control listeners and services events
// until the SMSG "END" message arrives or ctx is cancelled (spec §4.5/§6,
// §7 "Control-message-induced shutdown").
func (b *Bridge) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 3)
	go func() { errCh <- b.device.Serve(ctx) }()
	go func() { errCh <- b.vmcf.Serve(ctx) }()
	go func() { errCh <- b.control.Serve(ctx) }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if err != nil {
				return err
			}
		case ev := <-b.device.Events():
			b.handleDeviceEvent(ev)
		case ev := <-b.control.Events():
			if done := b.handleControlEvent(ev); done {
				return nil
			}
		}
	}
}

// OnRequest implements vmcf.Sink: the External-interrupt context of spec
// §5. It is called from the facade's accept goroutine, never from Run's
// goroutine, so it takes mu itself.
func (b *Bridge) OnRequest(originVM string, msgID, uw1, uw2 uint32, payloadLen int) (uint16, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	slot, ok := b.slots.Acquire()
	if !ok {
		b.ring.Add(fmt.Sprintf("reject %s/%d: slot table exhausted", originVM, msgID))
		return 0, false
	}

	slot.OriginVM = originVM
	slot.MsgID = msgID
	slot.UserWord1 = uw1
	slot.UserWord2 = uw2
	slot.Len = payloadLen
	b.slots.Enqueue(slot)
	b.ring.Add(fmt.Sprintf("enqueue slot %d from %s/%d (%d bytes)", slot.SlotIndex, originVM, msgID, payloadLen))

	// Spec §5 "Initiation of transmit from external context": when the
	// state is exactly Idle, the external-interrupt context itself issues
	// WillSend. In any other state the device-interrupt context picks the
	// queue up at its next natural quiescent point (maybeStartTransmit).
	if b.state == StateIdle {
		b.state = StateTransmitPrepPending
		b.device.Issue(channel.WillSend, "", 0, 0, 0, nil)
		b.ring.Add("WillSend issued from external context (state was Idle)")
	}

	return slot.SlotIndex, true
}

func (b *Bridge) handleControlEvent(ev vmcf.ControlEvent) (shutdown bool) {
	switch ev.Kind {
	case vmcf.ControlEnd:
		b.log.Warn("SMSG END received, shutting down")
		fmt.Fprintln(ev.Reply, "ok")
		ev.Reply.Close()
		return true
	case vmcf.ControlStat:
		b.writeStatDump(ev.Reply)
		ev.Reply.Close()
		return false
	default:
		ev.Reply.Close()
		return false
	}
}

func (b *Bridge) writeStatDump(w interface{ Write([]byte) (int, error) }) {
	b.mu.Lock()
	state := b.state
	sevenOfEight := b.sevenOfEight
	free, queued, inFlight := b.slots.counts()
	entries := b.ring.Dump()
	b.mu.Unlock()

	fmt.Fprintf(w, "state: %s\n", state)
	fmt.Fprintf(w, "encoding: 7-of-8=%v\n", sevenOfEight)
	fmt.Fprintf(w, "slots: free=%d queued=%d in-flight=%d capacity=%d\n", free, queued, inFlight, b.slots.Capacity())
	fmt.Fprintln(w, "log ring:")
	for _, e := range entries {
		fmt.Fprintf(w, "  %s\n", e)
	}
}
