package dialogsm

import (
	"log/slog"
	"time"

	"github.com/sipstack/core/internal/store"
)

// EventFunc is called by update whenever a dialog changes, spec §4.2's
// "(b) fires event callbacks (collaborator)" step.
type EventFunc func(event string, d *Dialog)

// Store is the Dialog Store (component C2): an in-process
// DialogId -> Dialog mapping with a single write path (update).
type Store struct {
	ttl   *store.TTLStore[DialogId, *Dialog]
	onEvt EventFunc

	activeTTL   time.Duration
	ackTimeout  time.Duration
}

// NewStore builds a Dialog Store. cleanupInterval governs the
// background TTL sweep; activeTTL is how long a confirmed dialog may
// sit idle before being reclaimed; ackTimeout bounds how long a dialog
// may remain in accepted_uas waiting for its ACK (spec §9's
// "generalized ACK-timeout watcher" supplement).
func NewStore(cleanupInterval, activeTTL, ackTimeout time.Duration) *Store {
	s := &Store{
		ttl:        store.NewTTLStore[DialogId, *Dialog](cleanupInterval),
		activeTTL:  activeTTL,
		ackTimeout: ackTimeout,
	}
	s.ttl.SetOnEvict(func(id DialogId, d *Dialog) {
		slog.Debug("dialog expired from store", "dialog_id", id, "call_id", d.CallID)
	})
	return s
}

// OnEvent installs the callback invoked by update for every dialog
// mutation, including stop.
func (s *Store) OnEvent(fn EventFunc) { s.onEvt = fn }

// Find returns the dialog for id, or nil if absent or expired
// (spec §4.2 find(id) -> Option<Dialog>).
func (s *Store) Find(id DialogId) *Dialog {
	d, ok := s.ttl.Get(id)
	if !ok {
		return nil
	}
	return d
}

// Create inserts a brand-new dialog and fires the "created" event.
func (s *Store) Create(d *Dialog) {
	d.CreatedAt = time.Now()
	d.UpdatedAt = d.CreatedAt
	s.ttl.Set(d.ID, d, s.ttlFor(d))
	s.fire("created", d)
}

// Update is the single write path (spec §4.2): it persists the
// modified dialog, fires the event callback, and — if d has been
// stopped — removes the dialog from the store. Callers must hold d's own lock
// for the duration of whatever mutation produced this call.
func (s *Store) Update(event string, d *Dialog) {
	d.UpdatedAt = time.Now()
	if d.Stopped {
		s.ttl.Delete(d.ID)
		s.fire(event, d)
		return
	}
	s.ttl.Set(d.ID, d, s.ttlFor(d))
	s.fire(event, d)
}

// Stop is shorthand for a terminal update: it marks d stopped, records
// reason as its stop reason, and removes it via Update("stop", d).
func (s *Store) Stop(reason StopReason, d *Dialog) {
	d.Stopped = true
	d.StopReason = reason
	s.Update("stop", d)
}

// ttlFor picks the TTL for the next Set call: a dialog stuck in
// accepted_uas gets the shorter ACK timeout so a missing ACK reclaims
// it quickly (spec §9 ACK-timeout supplement); anything else gets the
// long active-dialog TTL.
func (s *Store) ttlFor(d *Dialog) time.Duration {
	if d.Current != nil && d.Current.Status == StatusAcceptedUAS {
		return s.ackTimeout
	}
	return s.activeTTL
}

// SweepAckTimeouts scans for dialogs stuck in accepted_uas past their
// deadline and stops them with ReasonAckTimeout. It is safe to call
// periodically from a collaborator-owned timer; the TTLStore's own
// background eviction (ttlFor above) is what actually reclaims storage,
// this just applies the proper stop reason and event before that happens.
func (s *Store) SweepAckTimeouts(deadline time.Duration) {
	var stale []*Dialog
	cutoff := time.Now().Add(-deadline)
	s.ttl.ForEach(func(_ DialogId, d *Dialog) bool {
		if d.Current != nil && d.Current.Status == StatusAcceptedUAS && d.UpdatedAt.Before(cutoff) {
			stale = append(stale, d)
		}
		return true
	})
	for _, d := range stale {
		d.Lock()
		if d.Current != nil && d.Current.Status == StatusAcceptedUAS {
			slog.Warn("dialog stopped on ACK timeout", "dialog_id", d.ID, "call_id", d.CallID)
			s.Stop(ReasonAckTimeout, d)
		}
		d.Unlock()
	}
}

// Len reports the number of live dialogs, mainly useful for metrics/tests.
func (s *Store) Len() int { return s.ttl.Len() }

func (s *Store) fire(event string, d *Dialog) {
	if s.onEvt != nil {
		s.onEvt(event, d)
	}
}
