package dialogsm

import (
	"testing"

	"github.com/emiago/sipgo/sip"
)

func TestPrackCompletesPendingInviteOffer(t *testing.T) {
	m := newTestMachine()
	invite := buildRequest(sip.INVITE, "call-20", "caller-tag", "", 1, nil) // no SDP in the INVITE
	d, err := m.HandleRequest(invite)
	if err != nil {
		t.Fatalf("invite failed: %v", err)
	}

	// We (the UAS) sent our offer in a 183, and the PRACK carries the answer.
	d.Current.OfferAnswer.SetOffer(OriginLocal, CarrierInvite, Sdp{Body: []byte("v=0\r\no=b 1 1 IN IP4 2.2.2.2\r\n")})

	prack := buildRequest(sip.PRACK, "call-20", "caller-tag", d.LocalTag, 2, []byte("v=0\r\no=a 1 1 IN IP4 1.1.1.1\r\n"))
	d, err = m.HandleRequest(prack)
	if err != nil {
		t.Fatalf("prack failed: %v", err)
	}
	if !d.Current.Answered {
		t.Error("expected the PRACK's SDP to complete the pending offer")
	}
}

func TestUpdateWhileOfferPendingLocallyIsRejected(t *testing.T) {
	m := newTestMachine()
	d, calleeTag := establishInboundDialog(t, m, "call-21")
	d.Current.OfferAnswer.SetOffer(OriginLocal, CarrierUpdate, Sdp{Body: []byte("v=0\r\no=b 1 1 IN IP4 2.2.2.2\r\n")})

	update := buildRequest(sip.UPDATE, "call-21", "caller-tag", calleeTag, 2, []byte("v=0\r\no=a 1 1 IN IP4 1.1.1.1\r\n"))
	_, err := m.HandleRequest(update)
	if err == nil {
		t.Fatal("expected request_pending while our own UPDATE offer is outstanding")
	}
	if err.Kind != KindRequestPending {
		t.Errorf("Kind = %v, want %v", err.Kind, KindRequestPending)
	}
}

func TestUpdateOfferThenAnsweredResponse(t *testing.T) {
	m := newTestMachine()
	d, calleeTag := establishInboundDialog(t, m, "call-22")
	// The confirmed dialog still holds the INVITE's offer/answer; start
	// from empty slots so the UPDATE carries a fresh offer.
	d.Current.OfferAnswer.Clear()
	d.Current.Answered = false

	update := buildRequest(sip.UPDATE, "call-22", "caller-tag", calleeTag, 2, []byte("v=0\r\no=a 1 1 IN IP4 1.1.1.1\r\n"))
	d, err := m.HandleRequest(update)
	if err != nil {
		t.Fatalf("update request failed: %v", err)
	}
	if !d.Current.OfferAnswer.HasOffer() {
		t.Fatal("expected the UPDATE's SDP to be stored as a remote offer")
	}

	resp := buildResponse(update, 200, "OK", calleeTag, []byte("v=0\r\no=b 2 1 IN IP4 2.2.2.2\r\n"))
	d, err = m.HandleResponse(update, resp)
	if err != nil {
		t.Fatalf("update response failed: %v", err)
	}
	if !d.Current.Answered {
		t.Error("expected the UPDATE's 200 OK to complete the offer/answer exchange")
	}
}

// --- SUBSCRIBE/NOTIFY/REFER delegation ------------------------------------

type recordingEvents struct {
	uasRequests int
	uasResps    int
}

func (r *recordingEvents) UASRequest(req *sip.Request, d *Dialog) (*Dialog, error) {
	r.uasRequests++
	return d, nil
}

func (r *recordingEvents) UASResponse(req *sip.Request, resp *sip.Response, d *Dialog) *Dialog {
	r.uasResps++
	return d
}

func TestSubscribeDelegatesToEventCollaborator(t *testing.T) {
	m := newTestMachine()
	d, calleeTag := establishInboundDialog(t, m, "call-23")

	events := &recordingEvents{}
	m.Events = events

	sub := buildRequest(sip.SUBSCRIBE, "call-23", "caller-tag", calleeTag, 2, nil)
	_, err := m.HandleRequest(sub)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if events.uasRequests != 1 {
		t.Errorf("uasRequests = %d, want 1", events.uasRequests)
	}
	_ = d
}

func TestSubscribeWithoutCollaboratorIsRejected(t *testing.T) {
	m := newTestMachine()
	_, calleeTag := establishInboundDialog(t, m, "call-24")

	sub := buildRequest(sip.SUBSCRIBE, "call-24", "caller-tag", calleeTag, 2, nil)
	_, err := m.HandleRequest(sub)
	if err == nil {
		t.Fatal("expected no_transaction when no EventCollaborator is installed")
	}
	if err.Kind != KindNoTransaction {
		t.Errorf("Kind = %v, want %v", err.Kind, KindNoTransaction)
	}
}
