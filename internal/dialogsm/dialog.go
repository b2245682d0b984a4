package dialogsm

import (
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/sipstack/core/internal/registrar"
)

// Invite is one INVITE-initiated transaction layered on top of a Dialog:
// the initial INVITE, or a re-INVITE/UPDATE session refresh, per spec §3.
type Invite struct {
	Status   InviteStatus
	Class    Class
	Request  *sip.Request
	Response *sip.Response
	Ack      *sip.Request

	OfferAnswer OfferAnswer

	// Answered is set once a final 2xx has produced a matched
	// offer/answer pair for this invite.
	Answered bool
}

// Dialog is the stable SIP dialog record, spec §3: identity never
// changes after creation; mutable fields move through the DSM's tables.
type Dialog struct {
	mu sync.Mutex

	ID DialogId

	CallID    string
	LocalTag  string
	RemoteTag string

	// CallerTag is whichever of LocalTag/RemoteTag belongs to the
	// original UAC, fixed at dialog creation and never reassigned even
	// across a target-refresh.
	CallerTag string

	LocalSeq  uint32
	RemoteSeq uint32

	LocalAOR  registrar.AOR
	RemoteAOR registrar.AOR

	LocalTarget sip.Uri
	RouteSet    []sip.Uri

	// Current is the invite sub-record currently in flight (the initial
	// INVITE, or the most recent re-INVITE/UPDATE). A confirmed dialog
	// with no session refresh in progress carries Current.Status ==
	// StatusConfirmed; its OfferAnswer keeps the offer/answer slots of
	// the last exchange (the ACK does not clear them).
	Current *Invite

	CreatedAt time.Time
	UpdatedAt time.Time

	Stopped    bool
	StopReason StopReason
}

// DialogId is the collaborator-computed (Call-ID, local-tag, remote-tag)
// key, opaque to this package. Produced by sip.DialogIDMake.
type DialogId = string

// Lock/Unlock expose the dialog's own mutex so the store can serialize
// all handling of one dialog while letting other dialogs proceed
// concurrently (spec §5).
func (d *Dialog) Lock()   { d.mu.Lock() }
func (d *Dialog) Unlock() { d.mu.Unlock() }

// NextLocalSeq returns the next CSeq this side should use and advances
// the counter, matching the teacher's Dialog.NextCSeq pattern.
func (d *Dialog) NextLocalSeq() uint32 {
	d.LocalSeq++
	return d.LocalSeq
}
