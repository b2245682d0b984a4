package dialogsm

import (
	"testing"

	"github.com/emiago/sipgo/sip"
)

type fakeSessionTimer struct {
	called bool
	result *sip.Response
}

func (f *fakeSessionTimer) UASUpdateTimer(req *sip.Request, resp *sip.Response) *sip.Response {
	f.called = true
	return f.result
}

func TestDecorateResponseAddsContactOnce(t *testing.T) {
	m := newTestMachine()
	req := buildRequest(sip.INVITE, "call-10", "caller-tag", "", 1, []byte("v=0\r\no=a 1 1 IN IP4 1.1.1.1\r\n"))
	d, err := m.HandleRequest(req)
	if err != nil {
		t.Fatalf("invite failed: %v", err)
	}
	d.LocalTarget = sip.Uri{User: "bob", Host: "b.example.com", Port: 5060}

	resp := buildResponse(req, 200, "OK", d.LocalTag, nil)
	out := m.DecorateResponse(req, resp, &DecorateOptions{MakeContact: true}, nil)

	contacts := out.Response.GetHeaders("Contact")
	if len(contacts) != 1 {
		t.Fatalf("got %d Contact headers, want 1", len(contacts))
	}
	ch := contacts[0].(*sip.ContactHeader)
	if ch.Address.Host != "b.example.com" {
		t.Errorf("Contact host = %q, want b.example.com", ch.Address.Host)
	}
}

func TestDecorateResponseSkipsContactWhenAlreadyPresent(t *testing.T) {
	m := newTestMachine()
	req := buildRequest(sip.INVITE, "call-11", "caller-tag", "", 1, []byte("v=0\r\no=a 1 1 IN IP4 1.1.1.1\r\n"))
	d, err := m.HandleRequest(req)
	if err != nil {
		t.Fatalf("invite failed: %v", err)
	}
	d.LocalTarget = sip.Uri{User: "bob", Host: "b.example.com"}

	resp := buildResponse(req, 200, "OK", d.LocalTag, nil)
	resp.AppendHeader(&sip.ContactHeader{Address: sip.Uri{User: "bob", Host: "already-set.example.com"}})

	out := m.DecorateResponse(req, resp, &DecorateOptions{MakeContact: true}, nil)
	contacts := out.Response.GetHeaders("Contact")
	if len(contacts) != 1 {
		t.Fatalf("got %d Contact headers, want 1", len(contacts))
	}
	ch := contacts[0].(*sip.ContactHeader)
	if ch.Address.Host != "already-set.example.com" {
		t.Error("expected the existing Contact to be left untouched")
	}
}

func TestDecorateResponseInvokesSessionTimerForInvite2xx(t *testing.T) {
	m := newTestMachine()
	req := buildRequest(sip.INVITE, "call-12", "caller-tag", "", 1, []byte("v=0\r\no=a 1 1 IN IP4 1.1.1.1\r\n"))
	d, err := m.HandleRequest(req)
	if err != nil {
		t.Fatalf("invite failed: %v", err)
	}

	resp := buildResponse(req, 200, "OK", d.LocalTag, nil)
	timer := &fakeSessionTimer{result: resp}
	m.DecorateResponse(req, resp, &DecorateOptions{MakeContact: true}, timer)

	if !timer.called {
		t.Error("expected the session timer collaborator to be invoked for a 200 to INVITE")
	}
}

func TestDecorateResponseSkipsSessionTimerForNonInvite(t *testing.T) {
	m := newTestMachine()
	d, calleeTag := establishInboundDialog(t, m, "call-13")
	bye := buildRequest(sip.BYE, "call-13", "caller-tag", calleeTag, 2, nil)
	if _, err := m.HandleRequest(bye); err != nil {
		t.Fatalf("bye failed: %v", err)
	}

	resp := buildResponse(bye, 200, "OK", calleeTag, nil)
	timer := &fakeSessionTimer{result: resp}
	m.DecorateResponse(bye, resp, &DecorateOptions{MakeContact: true}, timer)

	if timer.called {
		t.Error("expected the session timer collaborator to be skipped for a BYE response")
	}
	_ = d
}

func TestDecorateResponseSkipsSessionTimerForNilRequest(t *testing.T) {
	m := newTestMachine()
	req := buildRequest(sip.INVITE, "call-14", "caller-tag", "", 1, []byte("v=0\r\no=a 1 1 IN IP4 1.1.1.1\r\n"))
	resp := buildResponse(req, 200, "OK", "callee-tag", nil)

	timer := &fakeSessionTimer{result: resp}
	out := m.DecorateResponse(nil, resp, &DecorateOptions{MakeContact: true}, timer)

	if timer.called {
		t.Error("expected the session timer collaborator to be skipped when req is nil")
	}
	if out.Response != resp {
		t.Error("expected the response to be returned unchanged")
	}
}
