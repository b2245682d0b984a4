package registrar

import (
	"context"
	"log/slog"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"
)

// Lookup is the Lookup API (component C7): the read-side queries spec
// §4.4 layers on top of the same Store the Engine writes to.
type Lookup struct {
	Store Store
	GRUU  *GRUUCodec
}

// NewLookup builds a Lookup against a Store and GRUU codec.
func NewLookup(store Store, gruu *GRUUCodec) *Lookup {
	return &Lookup{Store: store, GRUU: gruu}
}

// Find resolves a request-URI to its live contact URIs, honoring the
// `gr` GRUU parameter per spec §4.4's find(): a bare `;gr` flag (a
// temp-GRUU) means uri.User is ciphertext — decrypt it to
// (aor, instance_id, pos) and return the one contact whose instance
// matches and whose stored floor (MinTmpPos) is at or below pos. A
// valued `gr=<instance_id>` (a pub-GRUU) matches instance_id directly
// against the AOR's own contacts, no decryption involved. If
// decryption fails, or uri carries no `gr` at all, this falls back to
// a plain AOR fan-out of every live contact.
func (l *Lookup) Find(ctx context.Context, app AppID, uri sip.Uri) ([]sip.Uri, error) {
	grVal, hasGr := uri.UriParams.Get("gr")

	if hasGr && grVal == "" && l.GRUU != nil && uri.User != "" {
		term, err := l.GRUU.Decrypt(uri.User)
		if err != nil {
			slog.Debug("gruu decrypt failed, falling back to AOR search", "error", err)
		} else {
			live, err := l.liveContacts(ctx, app, term.AOR)
			if err != nil {
				return nil, err
			}
			for _, c := range live {
				if c.InstanceID == term.InstanceID && term.Pos >= c.MinTmpPos {
					return []sip.Uri{c.Contact}, nil
				}
			}
			return nil, nil
		}
	}

	aor := AORFromURI(uri)
	live, err := l.liveContacts(ctx, app, aor)
	if err != nil {
		return nil, err
	}

	if hasGr && grVal != "" {
		var out []sip.Uri
		for _, c := range live {
			if c.InstanceID == grVal {
				out = append(out, c.Contact)
			}
		}
		return out, nil
	}

	out := make([]sip.Uri, 0, len(live))
	for _, c := range live {
		out = append(out, c.Contact)
	}
	return out, nil
}

// FindByURI resolves the exact AOR carried by a request-scoped URI,
// forcing the plain net-index path regardless of any `gr` parameter
// present on uri — used by callers that want AOR-wide fan-out even
// when routing off a GRUU (e.g. an is_registered probe).
func (l *Lookup) FindByURI(ctx context.Context, app AppID, uri sip.Uri) ([]sip.Uri, error) {
	plain := uri
	plain.UriParams = uri.UriParams.Clone()
	plain.UriParams.Remove("gr")
	return l.Find(ctx, app, plain)
}

// FindByUser is the supplemented convenience query (SPEC_FULL §9):
// resolve every AOR sharing a user part regardless of domain, useful
// for multi-tenant deployments fronted by one registrar instance. It
// requires the backing Store to support enumeration; MemStore does via
// DelAll-style traversal, so this is only wired against MemStore.
func (l *Lookup) FindByUser(ctx context.Context, app AppID, mem *MemStore, user string) ([]sip.Uri, error) {
	if mem == nil {
		return nil, nil
	}
	now := uint64(time.Now().Unix())
	var out []sip.Uri
	mem.ttl.ForEach(func(k storeKey, contacts []RegContact) bool {
		if k.App != app || k.AOR.User != user {
			return true
		}
		for _, c := range contacts {
			if c.IsLive(now) {
				out = append(out, c.Contact)
			}
		}
		return true
	})
	return out, nil
}

// qGroup is one priority tier of QFind's result: contacts sharing the
// same q value, ordered by Updated ascending within it.
type qGroup = []sip.Uri

// QFind groups live contacts by descending q-value (RFC 3261 §16.6
// step 10's parallel/serial forking hint), each group sorted oldest
// registration first, per spec §4.4's qfind().
func (l *Lookup) QFind(ctx context.Context, app AppID, aor AOR) ([]qGroup, error) {
	live, err := l.liveContacts(ctx, app, aor)
	if err != nil {
		return nil, err
	}
	if len(live) == 0 {
		return nil, nil
	}

	sort.SliceStable(live, func(i, j int) bool {
		if live[i].Q != live[j].Q {
			return live[i].Q > live[j].Q
		}
		return live[i].Updated < live[j].Updated
	})

	var groups []qGroup
	var cur qGroup
	var curQ float32
	first := true
	for _, c := range live {
		if first || c.Q != curQ {
			if len(cur) > 0 {
				groups = append(groups, cur)
			}
			cur = nil
			curQ = c.Q
			first = false
		}
		cur = append(cur, c.Contact)
	}
	if len(cur) > 0 {
		groups = append(groups, cur)
	}
	return groups, nil
}

// IsRegistered reports whether the AOR has any live binding matching
// req's transport tuple (proto, remote_ip, remote_port) — the RFC
// 3261 §10.3 "is this the same UA that registered" check, not merely
// "does anything exist for this AOR". It first matches against the
// Transport recorded at registration time (engine.go's transportOf),
// falling back to resolving each contact URI's own (transport, host,
// port) when nothing recorded a Transport match. When req is nil it
// reports whether the AOR has any live binding at all.
func (l *Lookup) IsRegistered(ctx context.Context, app AppID, aor AOR, req *sip.Request) (bool, error) {
	live, err := l.liveContacts(ctx, app, aor)
	if err != nil {
		return false, err
	}
	if req == nil {
		return len(live) > 0, nil
	}

	ip, port, proto := requestTransportTuple(req)
	for _, c := range live {
		if c.Transport.Proto == proto && c.Transport.RemoteIP == ip && c.Transport.RemotePort == port {
			return true, nil
		}
	}
	for _, c := range live {
		if contactMatchesTransport(c.Contact, proto, ip, port) {
			return true, nil
		}
	}
	return false, nil
}

// contactMatchesTransport is the is_registered fallback: compare the
// stored contact URI's own (transport, host, port) against req's
// tuple, resolving host to an IP since a contact is usually
// registered by name rather than literal address.
func contactMatchesTransport(uri sip.Uri, proto, ip string, port int) bool {
	cProto := "udp"
	if p, ok := uri.UriParams.Get("transport"); ok {
		cProto = strings.ToLower(p)
	}
	if cProto != proto {
		return false
	}
	cPort := uri.Port
	if cPort == 0 {
		cPort = 5060
	}
	if cPort != port {
		return false
	}
	if uri.Host == ip {
		return true
	}
	ips, err := net.LookupIP(uri.Host)
	if err != nil {
		return false
	}
	for _, resolved := range ips {
		if resolved.String() == ip {
			return true
		}
	}
	return false
}

// Delete removes every binding for one AOR, reporting whether the AOR
// had any stored bindings to remove (spec §6: `Del → Ok | NotFound |
// error`, with NotFound surfaced as found=false here).
func (l *Lookup) Delete(ctx context.Context, app AppID, aor AOR) (found bool, err error) {
	return l.Store.Del(ctx, app, aor)
}

// Clear removes every binding for an entire application.
func (l *Lookup) Clear(ctx context.Context, app AppID) error {
	return l.Store.DelAll(ctx, app)
}

func (l *Lookup) liveContacts(ctx context.Context, app AppID, aor AOR) ([]RegContact, error) {
	contacts, err := l.Store.Get(ctx, app, aor)
	if err != nil {
		return nil, err
	}
	return filterLive(contacts, uint64(time.Now().Unix())), nil
}
