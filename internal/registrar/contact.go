package registrar

import "github.com/emiago/sipgo/sip"

// NetIndex identifies a contact by its network identity: scheme,
// transport, user, domain, port (spec §3).
type NetIndex struct {
	Scheme string
	Proto  string
	User   string
	Domain string
	Port   int
}

// ObIndex identifies a contact by its RFC 5626 outbound flow identity.
type ObIndex struct {
	InstanceID string
	RegID      string
}

// Index is either a NetIndex or an ObIndex; exactly one of the two
// pointer fields is non-nil.
type Index struct {
	Net *NetIndex
	Ob  *ObIndex
}

// Equal compares two indexes for the "same index" uniqueness rule.
func (i Index) Equal(o Index) bool {
	switch {
	case i.Ob != nil && o.Ob != nil:
		return *i.Ob == *o.Ob
	case i.Net != nil && o.Net != nil:
		return *i.Net == *o.Net
	default:
		return false
	}
}

// Transport records where a contact was last seen, for is_registered
// matching.
type Transport struct {
	Proto      string
	RemoteIP   string
	RemotePort int
	ListenIP   string
	ListenPort int
}

// RegContact is one stored registration binding for an AOR.
type RegContact struct {
	Index Index

	// Contact is the wire URI, carrying (if minted) pub-gruu/temp-gruu
	// params per spec §6. The normalized expires is not stored on it; it
	// is added as a Contact header param when a response is built.
	Contact sip.Uri
	Expires int // normalized decimal seconds

	Updated uint64 // nanosecond logical timestamp, tiebreaker for qfind
	Expire  uint64 // wall-clock unix seconds; stale when now > Expire
	Q       float32

	CallID string
	CSeq   uint32

	Transport Transport
	Path      []sip.Uri

	InstanceID string
	RegID      string

	MinTmpPos  uint64
	NextTmpPos uint64
}

// IsLive reports whether the contact has not yet expired at now (unix
// seconds).
func (c *RegContact) IsLive(now uint64) bool {
	return c.Expire > now
}
