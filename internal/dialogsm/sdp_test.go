package dialogsm

import "testing"

const sdpBody1 = "v=0\r\no=alice 1234 1 IN IP4 10.0.0.1\r\ns=-\r\nc=IN IP4 10.0.0.1\r\nt=0 0\r\nm=audio 10000 RTP/AVP 0\r\n"
const sdpBody2 = "v=0\r\no=alice 1234 2 IN IP4 10.0.0.1\r\ns=-\r\nc=IN IP4 10.0.0.1\r\nt=0 0\r\nm=audio 10000 RTP/AVP 0\r\n"

func TestSdpIdentity(t *testing.T) {
	s := Sdp{Body: []byte(sdpBody1)}
	if got := s.Identity(); got != "1234 1" {
		t.Errorf("Identity() = %q, want %q", got, "1234 1")
	}
}

func TestSdpIdentityEmpty(t *testing.T) {
	s := Sdp{}
	if got := s.Identity(); got != "" {
		t.Errorf("Identity() = %q, want empty", got)
	}
}

func TestSameSessionBySDPVersion(t *testing.T) {
	a := Sdp{Body: []byte(sdpBody1)}
	b := Sdp{Body: []byte(sdpBody1)}
	if !sameSession(a, b) {
		t.Error("expected identical bodies to be the same session")
	}

	c := Sdp{Body: []byte(sdpBody2)}
	if sameSession(a, c) {
		t.Error("expected a bumped o= version to be a different session")
	}
}

func TestOfferAnswerRetransmission(t *testing.T) {
	var oa OfferAnswer
	if oa.HasOffer() {
		t.Fatal("fresh OfferAnswer should have no offer")
	}

	oa.SetOffer(OriginRemote, CarrierInvite, Sdp{Body: []byte(sdpBody1)})
	if !oa.HasOffer() {
		t.Fatal("expected offer to be set")
	}

	if !oa.IsRetransmission(OriginRemote, CarrierInvite, Sdp{Body: []byte(sdpBody1)}) {
		t.Error("identical offer replay should be detected as a retransmission")
	}
	if oa.IsRetransmission(OriginRemote, CarrierInvite, Sdp{Body: []byte(sdpBody2)}) {
		t.Error("bumped o= version should not be a retransmission")
	}
	if oa.IsRetransmission(OriginLocal, CarrierInvite, Sdp{Body: []byte(sdpBody1)}) {
		t.Error("different origin should not count as a retransmission")
	}

	oa.SetAnswer(OriginLocal, CarrierInvite, Sdp{Body: []byte(sdpBody1)})
	if !oa.HasAnswer() {
		t.Fatal("expected answer to be set")
	}

	oa.Clear()
	if oa.HasOffer() || oa.HasAnswer() {
		t.Error("Clear() should drop both slots")
	}
}
