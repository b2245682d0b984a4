package registrar

import (
	"strconv"
	"sync"

	"github.com/google/uuid"
)

// MemFlows is a minimal in-process FlowLookup: the first time a
// transport tuple is seen it mints an opaque per-flow token (mirroring
// the teacher's uuid-based opaque-id minting for b2bua legs/bridges),
// then returns that same token for the life of the process. A real
// deployment backs this with the transport layer's actual connection
// table instead of remembering tuples forever.
type MemFlows struct {
	mu     sync.Mutex
	tokens map[string][]byte
}

// NewMemFlows builds an empty MemFlows.
func NewMemFlows() *MemFlows {
	return &MemFlows{tokens: make(map[string][]byte)}
}

// Lookup implements FlowLookup, minting a token on first sight of a
// (proto, remote_ip, remote_port) tuple and returning it thereafter.
func (f *MemFlows) Lookup(proto, remoteIP string, remotePort int) ([]byte, bool) {
	key := flowKey(proto, remoteIP, remotePort)

	f.mu.Lock()
	defer f.mu.Unlock()

	if tok, ok := f.tokens[key]; ok {
		return tok, true
	}
	tok := uuid.New()
	token := tok[:]
	f.tokens[key] = token
	return token, true
}

func flowKey(proto, remoteIP string, remotePort int) string {
	return proto + "|" + remoteIP + "|" + strconv.Itoa(remotePort)
}
