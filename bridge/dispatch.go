package bridge

import (
	"fmt"

	"github.com/devhawala/nicof/bridge/channel"
)

// handleDeviceEvent is the Device-interrupt context of spec §5: it may
// interrupt the main context and the external-interrupt context, and it
// alone performs the payload read that the external-interrupt context is
// forbidden from doing (§5's fundamental ordering invariant).
func (b *Bridge) handleDeviceEvent(ev channel.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch ev.Kind {
	case channel.EventConnected:
		b.ring.Add("outside proxy connection accepted")
	case channel.EventDisconnected:
		b.ring.Add("outside proxy connection lost")
	case channel.EventAttention:
		b.onAttention()
	case channel.EventReadCompleted:
		b.onReadCompleted(ev.Data)
	case channel.EventDeviceEnd:
		b.onDeviceEnd(ev.OK)
	}
}

// onAttention reacts to an Attention interrupt: the outside proxy has
// data to send. Per spec §4.4, this only triggers an inbound read when we
// have no outbound command outstanding; otherwise it is logged and
// ignored (§4.7 "Unexpected channel status").
func (b *Bridge) onAttention() {
	if b.state.awaitingOutboundCompletion() {
		b.ring.Add("attention while outbound command pending, ignored")
		return
	}
	b.device.ReadModified()
}

// onDeviceEnd promotes a "-pending" state to its logical companion once
// our outbound command has been consumed, and performs whatever the
// pending state's completion requires (spec §4.4's "-pending" convention).
// A failed write (ev.OK == false) is logged but the promotion still
// happens: spec §4.2 says the state machine proceeds on failure, trusting
// the outside proxy to resync via its own Reset.
func (b *Bridge) onDeviceEnd(ok bool) {
	if !ok {
		b.ring.Add(fmt.Sprintf("device-end failure in state %s, proceeding anyway", b.state))
	}

	switch b.state {
	case StateWelcomePending:
		b.state = StateIdlePending
		b.device.Issue(channel.Ack, "", 0, 0, 0, nil)
		b.ring.Add("welcome sent -> Ack issued")

	case StateIdlePending:
		b.state = StateIdle
		b.ring.Add("-> Idle")
		b.maybeStartTransmit()

	case StateTransmitPrepPending:
		b.state = StateTransmitPrep
		b.ring.Add("-> TransmitPrep")

	case StateTransmittingPending:
		b.state = StateTransmitting
		b.ring.Add("-> Transmitting")

	case StateReceivingPending:
		b.state = StateReceiving
		b.ring.Add("-> Receiving")

	case StateResetPending:
		b.state = StateReset
		b.ring.Add("-> Reset")

	case StateReconnectDialedPending:
		b.state = StateInitial
		b.ring.Add("-> Initial (post-reconnect welcome sent)")

	case StateReconnectCPReadPending:
		// Not a device-end promotion at all: this state waits on the next
		// inbound frame, not on our own command's completion (state.go).
		b.ring.Add("CP READ prompt sent, awaiting dial")

	default:
		b.ring.Add(fmt.Sprintf("device-end in unexpected state %s", b.state))
	}
}

// maybeStartTransmit is the device-interrupt context "picking up the
// queue at its next natural quiescent point" (spec §5), for every request
// enqueued while the state was not exactly Idle.
func (b *Bridge) maybeStartTransmit() {
	if b.state != StateIdle || !b.slots.HasQueued() {
		return
	}
	b.state = StateTransmitPrepPending
	b.device.Issue(channel.WillSend, "", 0, 0, 0, nil)
	b.ring.Add("WillSend issued from device-interrupt context")
}

// issueReset is the explicit resync handshake of spec §4.4/§4.7: it does
// not abandon slots, it only tells the outside proxy to restart its side
// of the dialog.
func (b *Bridge) issueReset(reason string) {
	b.ring.Add("Reset: " + reason)
	b.state = StateResetPending
	b.device.Issue(channel.Reset, "", 0, 0, 0, nil)
}

// onReadCompleted classifies a fully-buffered inbound frame by its AID
// byte and dispatches it through the receive/transmit path table of spec
// §4.4.
func (b *Bridge) onReadCompleted(raw []byte) {
	if len(raw) < 1 {
		b.issueReset("empty response (no AID)")
		return
	}

	frameAID := aid(raw[0])

	switch frameAID {
	case aidWantSend:
		b.onWantSend()
		return
	case aidWelcome7of8, aidWelcomeBinary:
		b.onWelcome(frameAID == aidWelcome7of8)
		return
	case aidAck:
		b.onAck(raw)
		return
	case aidAckWantSend:
		b.onAckWantSend()
		return
	case aidClear:
		b.onClear()
		return
	case aidEnter:
		if b.state == StateReconnectCPReadPending {
			b.onReconnectEnter(raw)
			return
		}
	}

	// Everything else requires at least the data-frame minimum length
	// (spec §4.4: "else if recvLen < 21 ... issue Reset"), checked before
	// the remaining AIDs are considered.
	if len(raw) < minDataFrameLen {
		b.issueReset(fmt.Sprintf("response too short: %d bytes", len(raw)))
		return
	}

	switch frameAID {
	case aidDataWantSend:
		b.onData(raw, true)
	case aidEnter:
		b.onData(raw, false)
	default:
		b.issueReset(fmt.Sprintf("unexpected AID 0x%02x", byte(frameAID)))
	}
}

// onWantSend handles a bare "want-send" (AID F5): the outside proxy
// wants to send unprompted.
func (b *Bridge) onWantSend() {
	switch b.state {
	case StateIdle:
		b.ring.Add("want-send: entering Receiving")
		b.state = StateReceivingPending
		b.device.Issue(channel.DoSend, "", 0, 0, 0, nil)
	case StateTransmitPrep:
		// Tie-break (spec §4.4/§8 scenario 2): we already asked to send;
		// our side has priority, so we re-issue WillSend rather than
		// yielding to the proxy's want-send.
		b.ring.Add("want-send collision while TransmitPrep: re-issuing WillSend (we have priority)")
		b.state = StateTransmitPrepPending
		b.device.Issue(channel.WillSend, "", 0, 0, 0, nil)
	default:
		b.issueReset(fmt.Sprintf("unexpected want-send in state %s", b.state))
	}
}

// onWelcome handles the initial handshake (spec §4.4 "Initial handshake"):
// the outside proxy selects the wire encoding by which welcome AID it sent.
func (b *Bridge) onWelcome(sevenOfEight bool) {
	if b.state != StateInitial {
		b.issueReset(fmt.Sprintf("unexpected welcome handshake in state %s", b.state))
		return
	}
	b.sevenOfEight = sevenOfEight
	b.state = StateWelcomePending
	if sevenOfEight {
		b.ring.Add("welcome: 7-of-8 encoding selected")
		b.device.Issue(channel.Welcome, "", 0, 0, 0, nil)
	} else {
		b.ring.Add("welcome: binary encoding selected")
		b.device.Issue(channel.WelcomeBinary, "", 0, 0, 0, nil)
	}
}

// onAck handles a bare "ack" (AID F1), the transmit-path handshake of
// spec §4.4: it both confirms our WillSend and (once we're Transmitting)
// confirms our data packet.
func (b *Bridge) onAck(raw []byte) {
	switch b.state {
	case StateTransmitPrep:
		b.beginTransmit()
	case StateTransmitting, StateReset:
		if b.slots.HasQueued() {
			b.ring.Add("ack: more queued, re-issuing WillSend")
			b.state = StateTransmitPrepPending
			b.device.Issue(channel.WillSend, "", 0, 0, 0, nil)
			return
		}
		// The original core checks a positional byte (recvBuffer[3]) for
		// a trailing want-send rather than a distinct AID; spec §4.4's
		// prose labels it "F3" but ioproxy.c checks literally for 0xF5 at
		// this offset, which this rewrite follows (ambiguity resolved per
		// the original source, see DESIGN.md).
		if len(raw) > 3 && aid(raw[3]) == aidWantSend {
			b.ring.Add("ack carries trailing want-send: entering Receiving")
			b.state = StateReceivingPending
			b.device.Issue(channel.DoSend, "", 0, 0, 0, nil)
			return
		}
		b.ring.Add("-> Idle")
		b.state = StateIdle
		b.maybeStartTransmit()
	default:
		b.issueReset(fmt.Sprintf("unexpected ack in state %s", b.state))
	}
}

// onAckWantSend handles "ack + want-send" (AID F3): expected only while
// Transmitting or Reset (spec §4.4).
func (b *Bridge) onAckWantSend() {
	switch b.state {
	case StateTransmitting, StateReset:
		b.ring.Add("ack+want-send: entering Receiving")
		b.state = StateReceivingPending
		b.device.Issue(channel.DoSend, "", 0, 0, 0, nil)
	default:
		b.issueReset(fmt.Sprintf("unexpected ack+want-send in state %s", b.state))
	}
}

// beginTransmit dequeues the next slot, performs the delayed VMCF receive
// of its payload (inside the device-interrupt context, per spec §5's
// fundamental ordering invariant), and issues the data frame.
func (b *Bridge) beginTransmit() {
	slot, ok := b.slots.Dequeue()
	if !ok {
		b.ring.Add("ack in TransmitPrep but queue empty, returning to Idle")
		b.state = StateIdle
		return
	}

	if err := b.vmcf.ReceiveInto(slot.SlotIndex, slot.Payload[:slot.Len]); err != nil {
		b.log.WithError(err).Warn("inter-VM receive failed; transmitting with whatever was read")
		b.ring.Add(fmt.Sprintf("receive failed for slot %d: %v", slot.SlotIndex, err))
	}

	slot.State = SlotInFlight
	kind := channel.XmitPacket
	if slot.Len == 0 {
		kind = channel.XmitPacketEmpty
	}
	b.device.Issue(kind, slot.OriginVM, slot.UserWord1, slot.UserWord2, slot.SlotIndex, slot.Payload[:slot.Len])
	b.state = StateTransmittingPending
	b.ring.Add(fmt.Sprintf("transmitting slot %d (%d bytes)", slot.SlotIndex, slot.Len))
}

// onClear handles a takeover request (AID 0x6D): a different outside
// proxy wants to connect (spec §4.4/§4.6).
func (b *Bridge) onClear() {
	b.ring.Add("Clear received: entering Reconnect-CpRead")
	b.state = StateReconnectCPReadPending
	b.device.Issue(channel.ReconnectCPRead, "", 0, 0, 0, nil)
}

// onReconnectEnter handles the Enter input that follows a Clear, while
// Reconnect-CpRead is pending: only a literal "DIAL " sequence at the
// expected offset completes the takeover (spec §4.4).
func (b *Bridge) onReconnectEnter(raw []byte) {
	if !isDialRequest(raw) {
		b.ring.Add("Reconnect-CpRead: input was not a DIAL sequence, re-prompting")
		b.device.Issue(channel.ReconnectCPRead, "", 0, 0, 0, nil)
		return
	}

	b.ring.Add("DIAL sequence received: resetting all in-flight requests")
	b.resetAllForReconnect()

	b.state = StateReconnectDialedPending
	b.device.Issue(channel.ReconnectDialed, "", 0, 0, 0, nil)
}

// resetAllForReconnect drains every non-free slot and rejects it with
// reason 2 (spec §4.6): the only place in-flight state is ever abandoned.
func (b *Bridge) resetAllForReconnect() {
	b.slots.ResetAll(func(s *Slot, wasInFlight bool) {
		if err := b.vmcf.Reject(s.SlotIndex, 2); err != nil {
			b.log.WithError(err).Warn("reject-on-reconnect failed")
		}
		b.ring.Add(fmt.Sprintf("reconnect: reject slot %d origin=%s wasInFlight=%v", s.SlotIndex, s.OriginVM, wasInFlight))
	})
}

// onData handles a data-carrying frame (AID F4 "data + want-send" or
// Enter "data"): decode, demultiplex to the waiting slot, and transition
// per spec §4.4 ("keepReceivingAfterData").
func (b *Bridge) onData(raw []byte, keepReceiving bool) {
	decoded, err := decodeDataFrame(raw, b.sevenOfEight)
	if err != nil {
		b.issueReset(err.Error())
		return
	}

	if !b.demux(decoded) {
		return
	}

	if keepReceiving {
		b.ring.Add("-> Receiving (more data expected)")
		b.state = StateReceivingPending
		b.device.Issue(channel.DoSend, "", 0, 0, 0, nil)
		return
	}

	b.ring.Add("-> Idle (data complete)")
	b.state = StateIdlePending
	b.device.Issue(channel.Ack, "", 0, 0, 0, nil)
}

// demux resolves a decoded response to its slot and replies to the
// originating client, or silently accepts a response for a slot that was
// already reset (spec §4.4 "Payload decode"). It returns false when the
// slot index is out of range and a Reset was issued instead.
func (b *Bridge) demux(decoded decodedResponse) bool {
	slot, ok := b.slots.Lookup(decoded.SlotIndex)
	if !ok {
		b.issueReset(fmt.Sprintf("response for out-of-range slot %d", decoded.SlotIndex))
		return false
	}

	if slot.State == SlotFree {
		b.ring.Add(fmt.Sprintf("response for slot %d ignored: already reset", decoded.SlotIndex))
		return true
	}

	slot.State = SlotReturning
	if err := b.vmcf.Reply(slot.SlotIndex, decoded.UserWord1, decoded.UserWord2, decoded.Payload); err != nil {
		b.log.WithError(err).Warn("reply delivery failed")
	}
	b.ring.Add(fmt.Sprintf("slot %d replied (%d bytes) and released", slot.SlotIndex, len(decoded.Payload)))
	b.slots.Release(slot)
	return true
}
