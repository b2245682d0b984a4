// Package dialogsm implements the dialog state machine: per-dialog
// request/response handling (INVITE/ACK/BYE/PRACK/UPDATE plus delegated
// SUBSCRIBE/NOTIFY/REFER), SDP offer/answer tracking, and the store that
// backs it. It never does transport I/O; callers hand it parsed
// *sip.Request/*sip.Response values and act on the returned Dialog or
// error.
package dialogsm

import (
	"log/slog"
	"math/rand"

	"github.com/emiago/sipgo/sip"
	"github.com/sipstack/core/internal/registrar"
)

// dialogEndingCodes are the RFC 5057 codes that always stop a dialog,
// regardless of method (spec §4.3.2 / §7).
var dialogEndingCodes = map[int]bool{
	404: true, 410: true, 416: true, 482: true, 483: true,
	484: true, 485: true, 502: true, 604: true,
}

// Machine is the dialog state machine (component C3). Events is an
// optional collaborator; a nil Events means SUBSCRIBE/NOTIFY/REFER
// always fail no_transaction, matching the "no collaborator wired"
// degenerate case.
type Machine struct {
	Store  *Store
	Events EventCollaborator
}

// NewMachine builds a Machine bound to store.
func NewMachine(store *Store) *Machine {
	return &Machine{Store: store}
}

// HandleRequest processes one inbound in-dialog (or dialog-initiating)
// request and returns the resulting dialog, or a CodedError describing
// the SIP-level rejection per spec §7.
func (m *Machine) HandleRequest(req *sip.Request) (*Dialog, *CodedError) {
	d := m.findForRequest(req)

	if d == nil {
		switch req.Method {
		case sip.INVITE:
			d = m.newDialogFromRequest(req)
		case sip.NOTIFY:
			return m.delegateEventRequest(req, nil)
		default:
			return nil, errNoTransaction()
		}
	}

	d.Lock()
	defer d.Unlock()

	if d.Stopped {
		if req.Method == sip.ACK {
			return d, nil // retransmission absorbed silently
		}
		return nil, errNoTransaction()
	}

	if req.Method != sip.ACK {
		if cseq, ok := req.CSeq(); ok {
			if d.RemoteSeq > 0 && cseq.SeqNo < d.RemoteSeq {
				return nil, errInternal("Old CSeq in Dialog")
			}
			d.RemoteSeq = cseq.SeqNo
		}
	}

	switch req.Method {
	case sip.INVITE:
		return m.handleInviteRequest(d, req)
	case sip.ACK:
		return m.handleAckRequest(d, req)
	case sip.BYE:
		return m.handleByeRequest(d, req)
	case sip.PRACK:
		return m.handlePrackRequest(d, req)
	case sip.UPDATE:
		return m.handleUpdateRequest(d, req)
	case sip.SUBSCRIBE, sip.NOTIFY, sip.REFER:
		return m.handleEventRequest(d, req)
	default:
		return d, nil
	}
}

// HandleResponse processes a response within a dialog: either a response
// this side sends to an inbound request (INVITE, PRACK, UPDATE, ...), or a
// response to a request this side sent (re-INVITE, BYE, PRACK, UPDATE,
// SUBSCRIBE/NOTIFY/REFER). req is the request being answered; together
// with resp it supplies the tags needed to resolve or create the dialog.
func (m *Machine) HandleResponse(req *sip.Request, resp *sip.Response) (*Dialog, *CodedError) {
	if resp.StatusCode < 101 {
		return nil, nil
	}

	d := m.findForResponse(req, resp)
	if d == nil {
		if isDialogCreatingResponse(req.Method, resp.StatusCode) {
			d = m.newDialogFromResponse(req, resp)
		} else {
			return nil, errNoTransaction()
		}
	}

	d.Lock()
	defer d.Unlock()

	if dialogEndingCodes[resp.StatusCode] {
		m.Store.Stop(ReasonDialogEndingCode, d)
		return d, nil
	}

	if resp.StatusCode == 481 && d.Current != nil {
		m.Store.Stop(ReasonInviteFailure, d)
		return d, nil
	}

	switch req.Method {
	case sip.INVITE:
		return m.handleInviteResponse(d, req, resp)
	case sip.BYE:
		return m.handleByeResponse(d, req)
	case sip.PRACK:
		return m.handlePrackResponse(d, resp)
	case sip.UPDATE:
		return m.handleUpdateResponse(d, req, resp)
	case sip.SUBSCRIBE, sip.NOTIFY, sip.REFER:
		return m.handleEventResponse(d, req, resp)
	default:
		return d, nil
	}
}

// --- INVITE -----------------------------------------------------------

func (m *Machine) handleInviteRequest(d *Dialog, req *sip.Request) (*Dialog, *CodedError) {
	if d.Current == nil {
		d.Current = &Invite{Status: StatusConfirmed, Class: ClassUAS}
	}
	inv := d.Current
	hasSDP := len(req.Body()) > 0

	switch inv.Status {
	case StatusConfirmed:
		if inv.OfferAnswer.HasOffer() && hasSDP {
			if inv.OfferAnswer.IsRetransmission(OriginRemote, CarrierInvite, Sdp{Body: req.Body()}) {
				slog.Debug("retransmitted re-INVITE offer, no state change", "dialog_id", d.ID)
				return d, nil
			}
			return nil, errRequestPending()
		}
		if hasSDP {
			inv.OfferAnswer.SetOffer(OriginRemote, CarrierInvite, Sdp{Body: req.Body()})
		}
		inv.Status = StatusProceedingUAS
		inv.Class = ClassUAS
		inv.Request = req
	case StatusProceedingUAC, StatusAcceptedUAC:
		return nil, errRequestPending()
	case StatusProceedingUAS, StatusAcceptedUAS:
		return nil, errRetryProcessing(retryAfterJitter())
	default:
		return nil, errRequestPending()
	}

	m.Store.Update("invite_request", d)
	return d, nil
}

// applyInviteResponseOfferAnswer implements the INVITE 101-299
// offer/answer table from spec §4.3.2.
func applyInviteResponseOfferAnswer(inv *Invite, req *sip.Request, resp *sip.Response) {
	hasSDP := len(resp.Body()) > 0
	reqHasSDP := req != nil && len(req.Body()) > 0
	offer := inv.OfferAnswer.Offer

	switch {
	case offer != nil && offer.Origin == OriginRemote && offer.Carrier == CarrierInvite && hasSDP:
		inv.OfferAnswer.SetAnswer(OriginLocal, CarrierInvite, Sdp{Body: resp.Body()})
		inv.Answered = true
	case offer != nil && offer.Origin == OriginRemote && offer.Carrier == CarrierInvite && !hasSDP && resp.StatusCode >= 200:
		inv.OfferAnswer.Clear()
	case offer == nil && hasSDP && reqHasSDP:
		inv.OfferAnswer.SetOffer(OriginRemote, CarrierInvite, Sdp{Body: req.Body()})
		inv.OfferAnswer.SetAnswer(OriginLocal, CarrierInvite, Sdp{Body: resp.Body()})
		inv.Answered = true
	case offer == nil && hasSDP:
		inv.OfferAnswer.SetOffer(OriginLocal, CarrierInvite, Sdp{Body: resp.Body()})
	case offer != nil && offer.Origin == OriginLocal && offer.Carrier == CarrierInvite && hasSDP:
		inv.OfferAnswer.SetAnswer(OriginRemote, CarrierInvite, Sdp{Body: resp.Body()})
		inv.Answered = true
	default:
		// unchanged
	}
}

func (m *Machine) handleInviteResponse(d *Dialog, req *sip.Request, resp *sip.Response) (*Dialog, *CodedError) {
	inv := d.Current
	if inv == nil || inv.Status != StatusProceedingUAS {
		slog.Debug("invite response ignored outside proceeding_uas", "dialog_id", d.ID, "code", resp.StatusCode)
		return d, nil
	}

	if resp.StatusCode >= 300 {
		if !inv.Answered {
			m.Store.Stop(ReasonInviteFailure, d)
			return d, nil
		}
		clearInviteAndPrackOffers(inv)
		inv.Status = StatusConfirmed
		m.Store.Update("invite_failed_stale", d)
		return d, nil
	}

	applyInviteResponseOfferAnswer(inv, req, resp)
	inv.Response = resp
	if resp.StatusCode < 200 {
		inv.Status = StatusProceedingUAS
	} else {
		inv.Status = StatusAcceptedUAS
	}
	m.Store.Update("invite_response", d)
	return d, nil
}

func clearInviteAndPrackOffers(inv *Invite) {
	if o := inv.OfferAnswer.Offer; o != nil && (o.Carrier == CarrierInvite || o.Carrier == CarrierPrack) {
		inv.OfferAnswer.Offer = nil
	}
	if a := inv.OfferAnswer.Answer; a != nil && (a.Carrier == CarrierInvite || a.Carrier == CarrierPrack) {
		inv.OfferAnswer.Answer = nil
	}
}

// --- ACK ----------------------------------------------------------------

func (m *Machine) handleAckRequest(d *Dialog, req *sip.Request) (*Dialog, *CodedError) {
	inv := d.Current
	if inv == nil {
		return nil, errNoTransaction()
	}

	cseq, _ := req.CSeq()

	switch {
	case inv.Status == StatusAcceptedUAS && inv.Request != nil && sameCSeqNo(inv.Request, cseq.SeqNo):
		mergeAckSDP(inv, req)
		inv.Status = StatusConfirmed
		inv.Ack = req
		m.Store.Update("confirmed", d)
		return d, nil
	case inv.Status == StatusConfirmed:
		return d, nil
	case inv.Status == StatusBye:
		return d, nil
	default:
		return nil, errNoTransaction()
	}
}

func mergeAckSDP(inv *Invite, req *sip.Request) {
	offer := inv.OfferAnswer.Offer
	if offer == nil || offer.Origin != OriginLocal || offer.Carrier != CarrierInvite {
		return
	}
	if len(req.Body()) > 0 {
		inv.OfferAnswer.SetAnswer(OriginRemote, CarrierAck, Sdp{Body: req.Body()})
		inv.Answered = true
	} else {
		inv.OfferAnswer.Clear()
	}
}

func sameCSeqNo(req *sip.Request, seq uint32) bool {
	c, ok := req.CSeq()
	return ok && c.SeqNo == seq
}

// --- BYE ------------------------------------------------------------------

func (m *Machine) handleByeRequest(d *Dialog, req *sip.Request) (*Dialog, *CodedError) {
	if d.Current == nil {
		d.Current = &Invite{Class: ClassUAS}
	}
	d.Current.Status = StatusBye
	d.Current.Request = req
	m.Store.Update("bye", d)

	reason := ReasonCalleeBye
	if fromTag(req) == d.CallerTag {
		reason = ReasonCallerBye
	}
	m.Store.Stop(reason, d)
	return d, nil
}

func (m *Machine) handleByeResponse(d *Dialog, req *sip.Request) (*Dialog, *CodedError) {
	reason := ReasonCalleeBye
	if fromTag(req) == d.CallerTag {
		reason = ReasonCallerBye
	}
	m.Store.Stop(reason, d)
	return d, nil
}

// --- PRACK ------------------------------------------------------------

func (m *Machine) handlePrackRequest(d *Dialog, req *sip.Request) (*Dialog, *CodedError) {
	inv := d.Current
	if inv == nil || inv.Status != StatusProceedingUAS {
		return nil, errRequestPending()
	}

	hasSDP := len(req.Body()) > 0
	offer := inv.OfferAnswer.Offer

	switch {
	case !inv.OfferAnswer.HasOffer() && hasSDP:
		inv.OfferAnswer.SetOffer(OriginRemote, CarrierPrack, Sdp{Body: req.Body()})
	case offer != nil && offer.Origin == OriginLocal && offer.Carrier == CarrierInvite && hasSDP:
		inv.OfferAnswer.SetAnswer(OriginRemote, CarrierPrack, Sdp{Body: req.Body()})
		inv.Answered = true
	default:
		// no-op
	}

	m.Store.Update("prack", d)
	return d, nil
}

func (m *Machine) handlePrackResponse(d *Dialog, resp *sip.Response) (*Dialog, *CodedError) {
	inv := d.Current
	if inv == nil {
		return d, nil
	}
	offer := inv.OfferAnswer.Offer
	isPrackOffer := offer != nil && offer.Origin == OriginRemote && offer.Carrier == CarrierPrack

	switch {
	case resp.StatusCode < 300 && isPrackOffer && len(resp.Body()) > 0:
		inv.OfferAnswer.SetAnswer(OriginLocal, CarrierPrack, Sdp{Body: resp.Body()})
		inv.Answered = true
		m.Store.Update("prack", d)
	case resp.StatusCode < 300 && isPrackOffer:
		inv.OfferAnswer.Clear()
		m.Store.Update("prack_cleared", d)
	case resp.StatusCode >= 300 && isPrackOffer:
		inv.OfferAnswer.Clear()
		m.Store.Update("prack_failed", d)
	default:
		// no-op
	}
	return d, nil
}

// --- UPDATE -------------------------------------------------------------

func (m *Machine) handleUpdateRequest(d *Dialog, req *sip.Request) (*Dialog, *CodedError) {
	inv := d.Current
	if inv == nil {
		inv = &Invite{Status: StatusConfirmed, Class: ClassUAS}
		d.Current = inv
	}

	hasSDP := len(req.Body()) > 0
	offer := inv.OfferAnswer.Offer

	switch {
	case offer == nil && hasSDP:
		inv.OfferAnswer.SetOffer(OriginRemote, CarrierUpdate, Sdp{Body: req.Body()})
	case offer == nil:
		// no-op
	case offer.Origin == OriginLocal:
		return nil, errRequestPending()
	default: // offer.Origin == OriginRemote
		return nil, errRetryProcessing(retryAfterJitter())
	}

	m.Store.Update("update_request", d)
	return d, nil
}

// handleUpdateResponse implements the UPDATE 2xx/>=300 response rows.
// The spec's own table carries two identical Code>=200&&Code<300 guards
// for this case (an acknowledged transcription artifact — see the
// "Open questions" note in spec §9); this collapses them into one
// offer/origin-driven switch instead of replicating the dead arm.
func (m *Machine) handleUpdateResponse(d *Dialog, req *sip.Request, resp *sip.Response) (*Dialog, *CodedError) {
	inv := d.Current
	if inv == nil {
		return d, nil
	}
	offer := inv.OfferAnswer.Offer
	isUpdateOffer := offer != nil && offer.Origin == OriginRemote && offer.Carrier == CarrierUpdate

	switch {
	case resp.StatusCode < 300 && isUpdateOffer && len(resp.Body()) > 0:
		inv.OfferAnswer.SetAnswer(OriginLocal, CarrierUpdate, Sdp{Body: resp.Body()})
		inv.Answered = true
	case resp.StatusCode < 300 && isUpdateOffer:
		inv.OfferAnswer.Clear()
	case resp.StatusCode >= 300 && isUpdateOffer:
		inv.OfferAnswer.Clear()
	default:
		// no-op
	}

	if resp.StatusCode < 300 && m.Events != nil {
		if ud := m.Events.UASResponse(req, resp, d); ud != nil {
			d = ud
		}
	}

	m.Store.Update("update_response", d)
	return d, nil
}

// --- SUBSCRIBE / NOTIFY / REFER (delegated) ------------------------------

func (m *Machine) handleEventRequest(d *Dialog, req *sip.Request) (*Dialog, *CodedError) {
	return m.delegateEventRequest(req, d)
}

func (m *Machine) delegateEventRequest(req *sip.Request, d *Dialog) (*Dialog, *CodedError) {
	if m.Events == nil {
		return nil, errNoTransaction()
	}
	nd, err := m.Events.UASRequest(req, d)
	if err != nil {
		return nil, errNoTransaction()
	}
	if nd != nil {
		d = nd
	}
	if d != nil {
		m.Store.Update("event", d)
	}
	return d, nil
}

func (m *Machine) handleEventResponse(d *Dialog, req *sip.Request, resp *sip.Response) (*Dialog, *CodedError) {
	if m.Events != nil {
		if ud := m.Events.UASResponse(req, resp, d); ud != nil {
			d = ud
		}
	}
	m.Store.Update("event_response", d)
	return d, nil
}

// --- dialog lookup / creation -------------------------------------------

// findForRequest resolves the dialog an inbound request belongs to,
// using the UAS-style id (our tag is the To-tag, the sender's is the
// From-tag) — the same scheme newDialogFromRequest stores under.
func (m *Machine) findForRequest(req *sip.Request) *Dialog {
	id, err := sip.DialogIDFromRequestUAS(req)
	if err != nil {
		return nil
	}
	return m.Store.Find(id)
}

// findForResponse resolves the dialog a response belongs to. It first
// tries the UAC-style id (our tag is the From-tag of the original
// request, the peer's is the To-tag of the response) — the scheme
// newDialogFromResponse stores under — and then the UAS-style id derived
// from the response itself (our tag is its To-tag), which is the scheme
// newDialogFromRequest stores under when this side answers an inbound
// request.
func (m *Machine) findForResponse(req *sip.Request, resp *sip.Response) *Dialog {
	callID, okCallID := req.CallID()
	to, okTo := resp.To()
	if okCallID && okTo {
		if remoteTag, ok := to.Params.Get("tag"); ok {
			if d := m.Store.Find(sip.DialogIDMake(string(*callID), fromTag(req), remoteTag)); d != nil {
				return d
			}
		}
	}
	if id, err := sip.DialogIDFromResponse(resp); err == nil {
		return m.Store.Find(id)
	}
	return nil
}

func (m *Machine) newDialogFromRequest(req *sip.Request) *Dialog {
	callID, _ := req.CallID()
	from, _ := req.From()
	to, _ := req.To()
	localTag := sip.GenerateTagN(8)
	remoteTag, _ := from.Params.Get("tag")

	d := &Dialog{
		ID:        sip.DialogIDMake(string(*callID), localTag, remoteTag),
		CallID:    string(*callID),
		LocalTag:  localTag,
		RemoteTag: remoteTag,
		CallerTag: remoteTag,
		LocalAOR:  registrar.AORFromURI(to.Address),
		RemoteAOR: registrar.AORFromURI(from.Address),
	}
	m.Store.Create(d)
	return d
}

// newDialogFromResponse implements the "dialog creation from response"
// rule (spec §4.3.2): reached for INVITE 101-299 or SUBSCRIBE/NOTIFY/
// REFER 2xx responses to a request this side sent, when no dialog was
// already stored for it.
func (m *Machine) newDialogFromResponse(req *sip.Request, resp *sip.Response) *Dialog {
	callID, _ := req.CallID()
	from, _ := req.From()
	to, _ := resp.To()
	localTag := fromTag(req)
	remoteTag, _ := to.Params.Get("tag")

	d := &Dialog{
		ID:        sip.DialogIDMake(string(*callID), localTag, remoteTag),
		CallID:    string(*callID),
		LocalTag:  localTag,
		RemoteTag: remoteTag,
		CallerTag: localTag,
		LocalAOR:  registrar.AORFromURI(from.Address),
		RemoteAOR: registrar.AORFromURI(to.Address),
	}

	if req.Method == sip.INVITE && len(req.Body()) > 0 {
		inv := &Invite{Status: StatusProceedingUAS, Class: ClassUAS, Request: req}
		inv.OfferAnswer.SetOffer(OriginLocal, CarrierInvite, Sdp{Body: req.Body()})
		d.Current = inv
	}

	m.Store.Create(d)
	return d
}

func isDialogCreatingResponse(method sip.RequestMethod, code int) bool {
	if method == sip.INVITE {
		return code >= 101 && code < 300
	}
	switch method {
	case sip.SUBSCRIBE, sip.NOTIFY, sip.REFER:
		return code >= 200 && code < 300
	}
	return false
}

func fromTag(req *sip.Request) string {
	from, ok := req.From()
	if !ok {
		return ""
	}
	tag, _ := from.Params.Get("tag")
	return tag
}

// retryAfterJitter picks a Retry-After value in [0,10]s for the
// "Processing Previous INVITE" rejection, per spec §4.3.1.
func retryAfterJitter() int {
	return rand.Intn(11)
}
