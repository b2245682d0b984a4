package dialogsm

import (
	"log/slog"

	"github.com/emiago/sipgo/sip"
)

// DecorateOptions mirrors the options bag spec §4.6 passes alongside a
// response; MakeContact starts true and the decorator clears it once it
// has synthesized a Contact itself, so the transport layer doesn't
// double-add one.
type DecorateOptions struct {
	MakeContact bool
}

// DecoratedResponse pairs the (possibly session-timer-updated) response
// with the dialog id computed for it, since *sip.Response carries no
// such field of its own.
type DecoratedResponse struct {
	Response *sip.Response
	DialogID DialogId
}

// DecorateResponse implements the Response Decorator (component C8):
// it is called before a UAS response leaves the stack. req may be nil
// for a multi-2xx replay, in which case the session-timer step is
// skipped with a log entry (spec §4.6 step 3).
func (m *Machine) DecorateResponse(req *sip.Request, resp *sip.Response, opts *DecorateOptions, timer SessionTimerCollaborator) *DecoratedResponse {
	out := &DecoratedResponse{Response: resp}

	// resp already carries req's From/Call-ID copied verbatim (it was
	// built via sip.NewResponseFromRequest), so once the caller has
	// stamped our own tag onto resp's To header the id derived straight
	// from resp matches the scheme newDialogFromRequest stored under —
	// req's own To header never carries our tag, so deriving from req
	// here would miss every dialog-creating response.
	if id, err := sip.DialogIDFromResponse(resp); err == nil {
		out.DialogID = id
	}

	if d := m.Store.Find(out.DialogID); d != nil {
		if len(resp.GetHeaders("Contact")) == 0 {
			resp.AppendHeader(&sip.ContactHeader{Address: d.LocalTarget})
			if opts != nil {
				opts.MakeContact = false
			}
		}
	}

	if req == nil {
		slog.Debug("skipping session timer on replayed response", "status", resp.StatusCode)
		return out
	}
	if !isSessionTimerEligible(req, resp) {
		return out
	}
	if timer == nil {
		return out
	}
	if updated := timer.UASUpdateTimer(req, resp); updated != nil {
		out.Response = updated
	}
	return out
}

func isSessionTimerEligible(req *sip.Request, resp *sip.Response) bool {
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false
	}
	if req == nil {
		return false
	}
	return req.Method == sip.INVITE || req.Method == sip.UPDATE
}
