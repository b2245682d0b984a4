package dialogsm

import "github.com/emiago/sipgo/sip"

// EventCollaborator handles SUBSCRIBE/NOTIFY/REFER, which this package
// treats as delegated entirely (spec §4.3.1's "delegate to event
// collaborator" row) — subscription/dialog-event bookkeeping lives
// outside the dialog/invite state machine.
type EventCollaborator interface {
	// UASRequest is called for an inbound SUBSCRIBE/NOTIFY/REFER. It may
	// return an updated Dialog (e.g. recording a new subscription) or an
	// error to reject the request.
	UASRequest(req *sip.Request, d *Dialog) (*Dialog, error)

	// UASResponse is called for every response (101 and up) to one of
	// the same methods, and for 2xx responses to UPDATE, mirroring spec
	// §4.3.2's "emit {subscribe|notify, uas, req, resp} event" rule.
	UASResponse(req *sip.Request, resp *sip.Response, d *Dialog) *Dialog
}

// SessionTimerCollaborator attaches Session-Expires/Min-SE headers to
// 2xx INVITE/UPDATE responses, per spec §4.6 step 3 (RFC 4028). It is
// invoked by the Response Decorator, never by the state machine itself.
type SessionTimerCollaborator interface {
	UASUpdateTimer(req *sip.Request, resp *sip.Response) *sip.Response
}
