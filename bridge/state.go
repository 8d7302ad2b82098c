package bridge

// State is the bridge's single protocol state variable (spec §3). Each
// logical state has a "-pending" companion entered immediately after the
// matching outbound channel command is issued; the device-end interrupt
// for that command promotes the pending state to its logical counterpart.
type State int

const (
	StateInitial State = iota
	StateWelcomePending
	StateIdlePending
	StateIdle
	StateTransmitPrepPending
	StateTransmitPrep
	StateTransmittingPending
	StateTransmitting
	StateReceivingPending
	StateReceiving
	StateResetPending
	StateReset
	// StateReconnectCPReadPending is entered on a Clear takeover request;
	// unlike the other "-pending" states it is not waiting for a
	// device-end of our own outbound command, but for the next inbound
	// frame (the Enter/"DIAL " sequence). It behaves like an inbound-wait
	// state for the purposes of Attention handling.
	StateReconnectCPReadPending
	StateReconnectDialedPending
)

var stateNames = map[State]string{
	StateInitial:                "Initial",
	StateWelcomePending:         "WelcomePending",
	StateIdlePending:            "IdlePending",
	StateIdle:                   "Idle",
	StateTransmitPrepPending:    "TransmitPrepPending",
	StateTransmitPrep:           "TransmitPrep",
	StateTransmittingPending:    "TransmittingPending",
	StateTransmitting:           "Transmitting",
	StateReceivingPending:       "ReceivingPending",
	StateReceiving:              "Receiving",
	StateResetPending:           "ResetPending",
	StateReset:                  "Reset",
	StateReconnectCPReadPending: "ReconnectCPReadPending",
	StateReconnectDialedPending: "ReconnectDialedPending",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "Unknown"
}

// awaitingOutboundCompletion reports whether the state has an outbound
// channel command outstanding, i.e. is one of the "-pending" states that
// can only be left by a device-end interrupt. StateReconnectCPReadPending
// is deliberately excluded: it is waiting on an inbound frame, not a
// device-end, so an Attention interrupt in that state must still trigger
// an inbound read.
func (s State) awaitingOutboundCompletion() bool {
	switch s {
	case StateWelcomePending, StateIdlePending, StateTransmitPrepPending,
		StateTransmittingPending, StateReceivingPending, StateResetPending,
		StateReconnectDialedPending:
		return true
	default:
		return false
	}
}
