package registrar

import (
	"context"
	"time"
)

// Store is the pluggable registrar backing store (component C4): a
// key-value mapping (AppID, AOR) -> []RegContact with a TTL hint. The
// default implementation (MemStore) is in-process only; a real
// deployment may back this with Redis or similar. Del's bool result is
// the ok/not_found distinction (`Del → Ok | NotFound | error`)
// collapsed into Go's usual (found, err) shape: err non-nil is a
// callback error, a false/nil result is not_found, true/nil is ok.
type Store interface {
	Get(ctx context.Context, app AppID, aor AOR) ([]RegContact, error)
	Put(ctx context.Context, app AppID, aor AOR, contacts []RegContact, ttl time.Duration) error
	Del(ctx context.Context, app AppID, aor AOR) (bool, error)
	DelAll(ctx context.Context, app AppID) error
}

// storeKey is the MemStore's internal map key, since AOR is not itself
// comparable-friendly as a map key when embedded with AppID (Go allows
// struct keys fine, but a dedicated type keeps the call sites readable).
type storeKey struct {
	App AppID
	AOR AOR
}
