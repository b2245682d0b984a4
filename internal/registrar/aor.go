package registrar

import (
	"fmt"
	"strings"

	"github.com/emiago/sipgo/sip"
)

// AOR is an Address-of-Record: (scheme, user, domain) per spec §3.
type AOR struct {
	Scheme string // "sip" or "sips"
	User   string
	Domain string
}

// AORFromURI projects a sip.Uri down to its AOR triple, matching the
// teacher's extractUserFromAOR/extractUserFromURI string-surgery but
// operating on the already-parsed sip.Uri the collaborator gives us.
func AORFromURI(u sip.Uri) AOR {
	scheme := "sip"
	if u.IsEncrypted() {
		scheme = "sips"
	}
	return AOR{Scheme: scheme, User: u.User, Domain: u.Host}
}

// String renders the AOR as a bare sip(s) URI, e.g. "sip:alice@example.com".
func (a AOR) String() string {
	if a.User == "" {
		return fmt.Sprintf("%s:%s", a.Scheme, a.Domain)
	}
	return fmt.Sprintf("%s:%s@%s", a.Scheme, a.User, a.Domain)
}

// Equal compares two AORs case-insensitively on scheme/domain, per RFC
// 3261 §19.1.4 URI comparison rules (user part stays case-sensitive).
func (a AOR) Equal(b AOR) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) &&
		a.User == b.User &&
		strings.EqualFold(a.Domain, b.Domain)
}

// AppID scopes a registrar operation to one application/realm, so a
// single Store can be shared by multiple independent registrars.
type AppID string
