package dialogsm

import (
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
)

func newTestMachine() *Machine {
	store := NewStore(time.Hour, time.Hour, time.Hour)
	return NewMachine(store)
}

func aliceURI() sip.Uri { return sip.Uri{User: "alice", Host: "a.example.com"} }
func bobURI() sip.Uri   { return sip.Uri{User: "bob", Host: "b.example.com"} }

// buildRequest constructs a minimal in-dialog-capable request: To/From
// (From always carrying a tag; To only once a dialog is established),
// Call-ID and CSeq.
func buildRequest(method sip.RequestMethod, callID, fromTag, toTag string, seq uint32, body []byte) *sip.Request {
	req := sip.NewRequest(method, bobURI())

	from := &sip.FromHeader{Address: aliceURI(), Params: sip.NewParams()}
	from.Params.Add("tag", fromTag)
	req.AppendHeader(from)

	to := &sip.ToHeader{Address: bobURI()}
	if toTag != "" {
		to.Params = sip.NewParams()
		to.Params.Add("tag", toTag)
	}
	req.AppendHeader(to)

	cid := sip.CallID(callID)
	req.AppendHeader(&cid)

	req.AppendHeader(&sip.CSeq{SeqNo: seq, MethodName: method})

	if len(body) > 0 {
		req.SetBody(body)
	}
	return req
}

// buildResponse builds a response to req, assigning it its own To-tag —
// the tag a UAS mints when it first answers a dialog-creating request.
func buildResponse(req *sip.Request, code int, reason string, toTag string, body []byte) *sip.Response {
	resp := sip.NewResponseFromRequest(req, code, reason, body)
	if to, ok := resp.To(); ok && toTag != "" {
		to.Params = sip.NewParams()
		to.Params.Add("tag", toTag)
	}
	return resp
}

// --- inbound (UAS) flows: everything driven through HandleRequest ---------

func TestHandleRequestUnknownNonInviteRejected(t *testing.T) {
	m := newTestMachine()
	req := buildRequest(sip.BYE, "call-1", "from-tag", "to-tag", 1, nil)

	d, err := m.HandleRequest(req)
	if d != nil || err == nil {
		t.Fatalf("expected no_transaction error for an unknown dialog BYE, got d=%v err=%v", d, err)
	}
	if err.Kind != KindNoTransaction {
		t.Errorf("Kind = %v, want %v", err.Kind, KindNoTransaction)
	}
}

func TestInviteCreatesDialogAndAcceptsOffer(t *testing.T) {
	m := newTestMachine()
	req := buildRequest(sip.INVITE, "call-2", "from-tag", "", 1, []byte("v=0\r\no=a 1 1 IN IP4 1.1.1.1\r\n"))

	d, err := m.HandleRequest(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d == nil {
		t.Fatal("expected a dialog to be created")
	}
	if d.Current == nil || d.Current.Status != StatusProceedingUAS {
		t.Fatalf("expected proceeding_uas, got %+v", d.Current)
	}
	if !d.Current.OfferAnswer.HasOffer() {
		t.Error("expected the INVITE body to be stored as the offer")
	}
}

func TestSecondInviteWhileProceedingIsRejected(t *testing.T) {
	m := newTestMachine()
	req := buildRequest(sip.INVITE, "call-4", "from-tag", "", 1, []byte("v=0\r\no=a 1 1 IN IP4 1.1.1.1\r\n"))
	d, err := m.HandleRequest(req)
	if err != nil {
		t.Fatalf("first invite failed: %v", err)
	}

	// The re-INVITE carries our To-tag, so it lands on the same dialog.
	reinvite := buildRequest(sip.INVITE, "call-4", "from-tag", d.LocalTag, 2, []byte("v=0\r\no=a 1 2 IN IP4 1.1.1.1\r\n"))
	_, err = m.HandleRequest(reinvite)
	if err == nil {
		t.Fatal("expected a retry error for an overlapping INVITE")
	}
	if err.Kind != KindRetry {
		t.Errorf("Kind = %v, want %v", err.Kind, KindRetry)
	}
}

// establishInboundDialog drives an inbound INVITE through to confirmed,
// the way a UAS sees it: INVITE arrives, we answer, the ACK arrives.
// It returns the dialog and our (the callee's) tag so subsequent
// in-dialog requests can target it.
func establishInboundDialog(t *testing.T, m *Machine, callID string) (*Dialog, string) {
	t.Helper()
	req := buildRequest(sip.INVITE, callID, "caller-tag", "", 1, []byte("v=0\r\no=a 1 1 IN IP4 1.1.1.1\r\n"))
	d, err := m.HandleRequest(req)
	if err != nil {
		t.Fatalf("invite failed: %v", err)
	}
	calleeTag := d.LocalTag

	answer := buildResponse(req, 200, "OK", calleeTag, []byte("v=0\r\no=b 1 1 IN IP4 2.2.2.2\r\n"))
	if _, err := m.HandleResponse(req, answer); err != nil {
		t.Fatalf("answer failed: %v", err)
	}

	ack := buildRequest(sip.ACK, callID, "caller-tag", calleeTag, 1, nil)
	d, err = m.HandleRequest(ack)
	if err != nil {
		t.Fatalf("ack failed: %v", err)
	}
	if d.Current.Status != StatusConfirmed {
		t.Fatalf("expected confirmed after ACK, got %v", d.Current.Status)
	}
	return d, calleeTag
}

func TestInviteThenAckConfirms(t *testing.T) {
	m := newTestMachine()
	establishInboundDialog(t, m, "call-3")
}

func TestByeFromCallerEndsDialog(t *testing.T) {
	m := newTestMachine()
	d, calleeTag := establishInboundDialog(t, m, "call-5")

	bye := buildRequest(sip.BYE, "call-5", "caller-tag", calleeTag, 2, nil)
	d, err := m.HandleRequest(bye)
	if err != nil {
		t.Fatalf("bye failed: %v", err)
	}
	if !d.Stopped {
		t.Error("expected dialog to be stopped after BYE")
	}
	if d.StopReason != ReasonCallerBye {
		t.Errorf("StopReason = %v, want %v", d.StopReason, ReasonCallerBye)
	}
	if m.Store.Find(d.ID) != nil {
		t.Error("expected stopped dialog to be removed from the store")
	}
}

func TestByeFromCalleeIsCalleeBye(t *testing.T) {
	m := newTestMachine()
	// This side placed the call: the dialog comes from the 200 to our own
	// INVITE, so we are the caller and the far end is the callee.
	invite := buildRequest(sip.INVITE, "call-5b", "our-tag", "", 1, []byte("v=0\r\no=a 1 1 IN IP4 1.1.1.1\r\n"))
	ok := buildResponse(invite, 200, "OK", "their-tag", []byte("v=0\r\no=b 2 1 IN IP4 2.2.2.2\r\n"))
	if _, err := m.HandleResponse(invite, ok); err != nil {
		t.Fatalf("invite response failed: %v", err)
	}

	// The BYE's From-tag is the callee's tag here: the callee hung up.
	bye := buildRequest(sip.BYE, "call-5b", "their-tag", "our-tag", 2, nil)
	d, err := m.HandleRequest(bye)
	if err != nil {
		t.Fatalf("bye failed: %v", err)
	}
	if d.StopReason != ReasonCalleeBye {
		t.Errorf("StopReason = %v, want %v", d.StopReason, ReasonCalleeBye)
	}
}

// --- outbound (UAC) flows: dialog creation and termination driven through
// HandleResponse, for requests this side originated ----------------------

func TestDialogCreatedFromInviteResponse(t *testing.T) {
	m := newTestMachine()
	req := buildRequest(sip.INVITE, "call-7", "our-tag", "", 1, []byte("v=0\r\no=a 1 1 IN IP4 1.1.1.1\r\n"))

	resp := buildResponse(req, 200, "OK", "their-tag", []byte("v=0\r\no=b 2 1 IN IP4 2.2.2.2\r\n"))
	d, err := m.HandleResponse(req, resp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d == nil {
		t.Fatal("expected a dialog to be created from the 200 response")
	}
	if d.Current.Status != StatusAcceptedUAS {
		t.Fatalf("expected accepted_uas, got %v", d.Current.Status)
	}
	if !d.Current.Answered {
		t.Error("expected the dialog to be marked answered after exchanging SDP")
	}
}

func TestFailureResponseBeforeAnswerDoesNotCreateLingeringDialog(t *testing.T) {
	m := newTestMachine()
	req := buildRequest(sip.INVITE, "call-8", "our-tag", "", 1, nil)

	// 486 is a final failure, not a dialog-creating response, and no
	// dialog exists for it yet: nothing is created or stored.
	resp := buildResponse(req, 486, "Busy Here", "their-tag", nil)
	d, err := m.HandleResponse(req, resp)
	if d != nil {
		t.Fatalf("expected no dialog to be created from a 486, got %+v", d)
	}
	if err == nil || err.Kind != KindNoTransaction {
		t.Errorf("err = %v, want %v", err, KindNoTransaction)
	}
	if got := m.Store.Len(); got != 0 {
		t.Errorf("Store.Len() = %d, want 0 after a 486 with no dialog", got)
	}
}

// TestRetransmittedReInviteOfferIsNoOp exercises the IsRetransmission
// wiring in handleInviteRequest: a re-INVITE carrying the exact same
// SDP offer already outstanding on a confirmed dialog must not be
// treated as glare, since it is just the far end resending the same
// request (no transport-layer ACK seen yet), not a new offer.
func TestRetransmittedReInviteOfferIsNoOp(t *testing.T) {
	m := newTestMachine()
	sdpBody := []byte("v=0\r\no=alice 1 1 IN IP4 10.0.0.1\r\n")

	reinvite := buildRequest(sip.INVITE, "call-retx", "caller-tag", "callee-tag", 2, sdpBody)
	id, err := sip.DialogIDFromRequestUAS(reinvite)
	if err != nil {
		t.Fatalf("computing dialog id: %v", err)
	}

	d := &Dialog{ID: id, CallID: "call-retx", LocalTag: "callee-tag", RemoteTag: "caller-tag"}
	d.Current = &Invite{Status: StatusConfirmed}
	d.Current.OfferAnswer.SetOffer(OriginRemote, CarrierInvite, Sdp{Body: sdpBody})
	m.Store.Create(d)

	got, err := m.HandleRequest(reinvite)
	if err != nil {
		t.Fatalf("expected a retransmitted offer to be a no-op, got error: %v", err)
	}
	if got.Current.Status != StatusConfirmed {
		t.Errorf("Status = %v, want unchanged confirmed", got.Current.Status)
	}

	bumped := buildRequest(sip.INVITE, "call-retx", "caller-tag", "callee-tag", 3,
		[]byte("v=0\r\no=alice 1 2 IN IP4 10.0.0.1\r\n"))
	_, err = m.HandleRequest(bumped)
	if err == nil {
		t.Fatal("expected a genuinely new offer while one is already pending to be rejected as request_pending")
	}
	if err.Kind != KindRequestPending {
		t.Errorf("Kind = %v, want %v", err.Kind, KindRequestPending)
	}
}

func TestProvisionalThenFinalInviteResponse(t *testing.T) {
	m := newTestMachine()
	req := buildRequest(sip.INVITE, "call-9", "our-tag", "", 1, []byte("v=0\r\no=a 1 1 IN IP4 1.1.1.1\r\n"))

	ringing := buildResponse(req, 180, "Ringing", "their-tag", nil)
	d, err := m.HandleResponse(req, ringing)
	if err != nil {
		t.Fatalf("unexpected error on 180: %v", err)
	}
	if d.Current.Status != StatusProceedingUAS {
		t.Fatalf("expected proceeding_uas after 180, got %v", d.Current.Status)
	}

	ok := buildResponse(req, 200, "OK", "their-tag", []byte("v=0\r\no=b 2 1 IN IP4 2.2.2.2\r\n"))
	d, err = m.HandleResponse(req, ok)
	if err != nil {
		t.Fatalf("unexpected error on 200: %v", err)
	}
	if d.Current.Status != StatusAcceptedUAS {
		t.Fatalf("expected accepted_uas after 200, got %v", d.Current.Status)
	}
}
