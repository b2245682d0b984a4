// SDP offer/answer slot tracking, spec §4.1. The tracker never does I/O
// and never interprets media — it only needs enough of the SDP body to
// tell "this is the same session description as before" from "this is a
// new one", which it gets from the o= origin line.
package dialogsm

import (
	"bytes"
	"fmt"

	psdp "github.com/pion/sdp/v3"
)

// Sdp is an opaque SDP body. Only Identity() ever looks inside it.
type Sdp struct {
	Body []byte
}

// Identity returns "<session-id> <session-version>" parsed from the o=
// line, or "" if the body does not parse as SDP. Two Sdp values with the
// same non-empty Identity carry the same session description per RFC
// 4566 §5.2 (a changed offer bumps the version; a re-sent one keeps it).
func (s Sdp) Identity() string {
	if len(s.Body) == 0 {
		return ""
	}
	var desc psdp.SessionDescription
	if err := desc.Unmarshal(s.Body); err != nil {
		return ""
	}
	if desc.Origin.SessionID == 0 && desc.Origin.SessionVersion == 0 {
		return ""
	}
	return fmt.Sprintf("%d %d", desc.Origin.SessionID, desc.Origin.SessionVersion)
}

// sameSession reports whether a and b describe the same SDP session,
// falling back to a raw byte comparison when either fails to parse —
// the tracker must never reject a dialog transition just because a UA
// sent malformed SDP.
func sameSession(a, b Sdp) bool {
	ia, ib := a.Identity(), b.Identity()
	if ia != "" && ib != "" {
		return ia == ib
	}
	return bytes.Equal(a.Body, b.Body)
}

// Slot is one offer or answer position: who produced it, how it was
// conveyed, and the body itself.
type Slot struct {
	Origin  Origin
	Carrier Carrier
	Body    Sdp
}

// OfferAnswer is the per-invite offer/answer tracker (component C1).
// At most one offer and one answer are outstanding at any time
// (invariant 1 in spec §3).
type OfferAnswer struct {
	Offer  *Slot
	Answer *Slot
}

// HasOffer reports whether an offer is currently outstanding.
func (oa *OfferAnswer) HasOffer() bool { return oa.Offer != nil }

// HasAnswer reports whether an answer is currently outstanding.
func (oa *OfferAnswer) HasAnswer() bool { return oa.Answer != nil }

// SetOffer installs a new offer slot, overwriting any prior one. Callers
// are responsible for the invariant-2 glare check before calling this.
func (oa *OfferAnswer) SetOffer(origin Origin, carrier Carrier, body Sdp) {
	oa.Offer = &Slot{Origin: origin, Carrier: carrier, Body: body}
}

// SetAnswer installs a new answer slot, overwriting any prior one. It does
// not check the answer against the current offer; callers do that.
func (oa *OfferAnswer) SetAnswer(origin Origin, carrier Carrier, body Sdp) {
	oa.Answer = &Slot{Origin: origin, Carrier: carrier, Body: body}
}

// Clear empties both slots, per the "failure clears offer/answer" rule.
func (oa *OfferAnswer) Clear() {
	oa.Offer = nil
	oa.Answer = nil
}

// IsRetransmission reports whether body matches the currently offered
// SDP from origin/carrier — used by the re-INVITE request path on a
// confirmed dialog to distinguish a resent offer from a new one.
func (oa *OfferAnswer) IsRetransmission(origin Origin, carrier Carrier, body Sdp) bool {
	return oa.Offer != nil && oa.Offer.Origin == origin && oa.Offer.Carrier == carrier && sameSession(oa.Offer.Body, body)
}
