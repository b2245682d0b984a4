package dialogsm

import "fmt"

// InviteStatus is the Invite sub-state machine described in spec §4.3.1.
// confirmed doubles as the synthetic neutral state a UAS-side dialog
// starts in before its first INVITE branch runs.
type InviteStatus int

const (
	StatusProceedingUAC InviteStatus = iota
	StatusAcceptedUAC
	StatusProceedingUAS
	StatusAcceptedUAS
	StatusConfirmed
	StatusBye
)

func (s InviteStatus) String() string {
	switch s {
	case StatusProceedingUAC:
		return "proceeding_uac"
	case StatusAcceptedUAC:
		return "accepted_uac"
	case StatusProceedingUAS:
		return "proceeding_uas"
	case StatusAcceptedUAS:
		return "accepted_uas"
	case StatusConfirmed:
		return "confirmed"
	case StatusBye:
		return "bye"
	default:
		return fmt.Sprintf("InviteStatus(%d)", int(s))
	}
}

// Class distinguishes which side of the INVITE transaction created this
// invite sub-record.
type Class int

const (
	ClassUAC Class = iota
	ClassUAS
)

func (c Class) String() string {
	if c == ClassUAC {
		return "uac"
	}
	return "uas"
}

// Origin is which side produced an SDP offer or answer slot.
type Origin int

const (
	OriginLocal Origin = iota
	OriginRemote
)

func (o Origin) String() string {
	if o == OriginLocal {
		return "local"
	}
	return "remote"
}

// Carrier records which SIP method conveyed an SDP body.
type Carrier int

const (
	CarrierInvite Carrier = iota
	CarrierPrack
	CarrierUpdate
	CarrierAck
)

func (c Carrier) String() string {
	switch c {
	case CarrierInvite:
		return "invite"
	case CarrierPrack:
		return "prack"
	case CarrierUpdate:
		return "update"
	case CarrierAck:
		return "ack"
	default:
		return fmt.Sprintf("Carrier(%d)", int(c))
	}
}

// StopReason is attached to a dialog when Store.stop removes it.
type StopReason int

const (
	ReasonUnspecified StopReason = iota
	ReasonCallerBye
	ReasonCalleeBye
	ReasonDialogEndingCode // RFC 5057 {404,410,416,482,483,484,485,502,604}
	ReasonInviteFailure
	ReasonAckTimeout
)

func (r StopReason) String() string {
	switch r {
	case ReasonCallerBye:
		return "caller_bye"
	case ReasonCalleeBye:
		return "callee_bye"
	case ReasonDialogEndingCode:
		return "dialog_ending_code"
	case ReasonInviteFailure:
		return "invite_failure"
	case ReasonAckTimeout:
		return "ack_timeout"
	default:
		return "unspecified"
	}
}
