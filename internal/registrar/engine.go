// Package registrar implements the RFC 3261 §10 REGISTER processing
// engine with Path (RFC 3327), Outbound (RFC 5626), and GRUU (RFC 5627)
// extensions, plus the pluggable store and lookup API around it.
package registrar

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"
)

// obStatus is the tri-state Outbound-processing result from spec
// §4.4 step 1: true/false read like booleans, unsupported means the
// app itself never advertises RFC 5626.
type obStatus int

const (
	obUnsupported obStatus = iota
	obFalse
	obTrue
)

// FlowLookup resolves a transport tuple to its active RFC 5626 flow,
// returning an opaque token to embed in a synthesized Path URI. It is
// a collaborator — actual flow/connection tracking is transport-layer.
type FlowLookup interface {
	Lookup(proto, remoteIP string, remotePort int) (token []byte, ok bool)
}

// EngineConfig carries the per-application tunables spec §4.4 reads
// from "config" and "app supports X" checks.
type EngineConfig struct {
	DefaultExpires   time.Duration
	MinExpires       time.Duration
	MaxExpires       time.Duration
	SupportsOutbound bool
	SupportsGRUU     bool
	ListenHost       string
	ListenPort       int
}

// Engine is the Registrar Engine (component C5): the full REGISTER
// handler. Lookup queries (find/qfind/is_registered) and delete/clear
// live in lookup.go, layered on the same Store.
type Engine struct {
	Store Store
	GRUU  *GRUUCodec
	Flows FlowLookup
	Cfg   EngineConfig
}

// NewEngine builds an Engine against a Store and GRUU codec.
func NewEngine(store Store, gruu *GRUUCodec, flows FlowLookup, cfg EngineConfig) *Engine {
	return &Engine{Store: store, GRUU: gruu, Flows: flows, Cfg: cfg}
}

// Request is the full RFC 3261 REGISTER handler (spec §4.4).
func (e *Engine) Request(ctx context.Context, app AppID, req *sip.Request) (*sip.Response, *CodedError) {
	to, ok := req.To()
	if !ok {
		return nil, &CodedError{Kind: KindInvalidRequest, Detail: "missing To header"}
	}
	toAOR := AORFromURI(to.Address)

	if !strings.EqualFold(toAOR.Scheme, "sip") && !strings.EqualFold(toAOR.Scheme, "sips") {
		return nil, &CodedError{Kind: KindUnsupportedURIScheme}
	}

	obProc := e.checkOutbound(req)
	gruuProc := e.Cfg.SupportsGRUU && supportsToken(req, "gruu")

	defaultExpires := e.Cfg.DefaultExpires
	if hdr := req.GetHeader("Expires"); hdr != nil {
		if exp, ok := hdr.(*sip.Expires); ok {
			defaultExpires = time.Duration(*exp) * time.Second
		}
	}

	now := uint64(time.Now().Unix())
	longNow := uint64(time.Now().UnixNano())

	contacts := flattenContacts(req)

	if len(contacts) == 0 {
		return e.queryResponse(ctx, app, toAOR, req)
	}

	if len(contacts) == 1 && contacts[0].Address.Wildcard && defaultExpires == 0 {
		return e.deleteAll(ctx, app, toAOR, req)
	}

	existing, err := e.Store.Get(ctx, app, toAOR)
	if err != nil {
		return nil, &CodedError{Kind: KindInternalError, Detail: "Error calling registrar 'get' callback"}
	}

	live := filterLive(existing, now)

	sawRegID := false
	for _, c := range contacts {
		updated, remove, cerr := e.processContact(req, c, toAOR, obProc, gruuProc, defaultExpires, now, longNow, &sawRegID, live)
		if cerr != nil {
			return nil, cerr
		}
		live = replaceByIndex(live, updated, remove)
	}

	if len(live) == 0 {
		if _, err := e.Store.Del(ctx, app, toAOR); err != nil {
			return nil, &CodedError{Kind: KindInternalError, Detail: "Error calling registrar 'del' callback"}
		}
	} else {
		ttl := ttlFor(live, now)
		if err := e.Store.Put(ctx, app, toAOR, live, ttl); err != nil {
			return nil, &CodedError{Kind: KindInternalError, Detail: "Error calling registrar 'put' callback"}
		}
	}

	resp := buildOKResponse(req, live, obProc)
	return resp, nil
}

// processContact implements spec §4.4's update-path steps a-j for one
// Contact header value.
func (e *Engine) processContact(
	req *sip.Request,
	c *sip.ContactHeader,
	toAOR AOR,
	obProc obStatus,
	gruuProc bool,
	defaultExpires time.Duration,
	now, longNow uint64,
	sawRegID *bool,
	live []RegContact,
) (RegContact, bool, *CodedError) {
	// a. sanity
	if c.Address.Wildcard {
		return RegContact{}, false, &CodedError{Kind: KindInvalidRequest, Detail: "wildcard Contact mixed with others"}
	}
	contactAOR := AORFromURI(c.Address)
	if contactAOR.Equal(toAOR) {
		return RegContact{}, false, &CodedError{Kind: KindForbidden, Detail: "Invalid Contact"}
	}
	if gr, ok := c.Address.UriParams.Get("gr"); ok && gr != "" && e.GRUU != nil {
		if term, err := e.GRUU.Decrypt(gr); err == nil && term.AOR.Equal(toAOR) {
			return RegContact{}, false, &CodedError{Kind: KindForbidden, Detail: "Invalid Contact"}
		}
	}

	regID, hasRegID := c.Params.Get("reg-id")
	expires := contactExpires(c, defaultExpires)

	// b. several-reg-id guard
	if hasRegID && expires > 0 {
		if *sawRegID {
			return RegContact{}, false, &CodedError{Kind: KindInvalidRequest, Detail: "Several 'reg-id' Options"}
		}
		*sawRegID = true
	}

	// c. expires clamp
	if expires > 0 {
		if expires < e.Cfg.MinExpires && expires < 3600*time.Second {
			return RegContact{}, false, &CodedError{Kind: KindIntervalTooBrief, Detail: strconv.Itoa(int(e.Cfg.MinExpires.Seconds()))}
		}
		if expires > e.Cfg.MaxExpires {
			expires = e.Cfg.MaxExpires
		}
	}

	// d. q
	q := parseQ(c)

	// e. instance id
	instanceID := ""
	if raw, ok := c.Params.Get("+sip.instance"); ok {
		instanceID = hashInstance(raw)
	}

	// f. reg-id acceptance
	if hasRegID {
		if obProc == obUnsupported || instanceID == "" {
			regID = ""
			hasRegID = false
		} else if obProc == obFalse {
			return RegContact{}, false, &CodedError{Kind: KindFirstHopLacksOutbound}
		}
	}

	// g. index
	idx := buildIndex(c, contactAOR, instanceID, regID, hasRegID)

	// h. replacement lookup
	prior := findByIndex(live, idx)
	callID := callIDOf(req)
	cseq := cseqOf(req)

	minTmpPos, nextTmpPos := uint64(0), uint64(0)
	if prior != nil {
		if cseq <= prior.CSeq && prior.CallID == callID {
			return RegContact{}, false, &CodedError{Kind: KindInvalidRequest, Detail: "Rejected Old CSeq"}
		}
		if expires > 0 {
			if prior.CallID == callID {
				nextTmpPos = prior.NextTmpPos
				minTmpPos = prior.MinTmpPos
			} else {
				minTmpPos = prior.NextTmpPos
			}
		}
	}

	if expires == 0 {
		return RegContact{Index: idx}, true, nil
	}

	out := RegContact{
		Index:      idx,
		Contact:    c.Address,
		Expires:    int(expires.Seconds()),
		Updated:    longNow,
		Expire:     now + uint64(expires.Seconds()),
		Q:          q,
		CallID:     callID,
		CSeq:       cseq,
		Transport:  transportOf(req),
		InstanceID: instanceID,
		RegID:      regID,
		MinTmpPos:  minTmpPos,
		NextTmpPos: nextTmpPos,
	}

	// i. GRUU minting
	if gruuProc && instanceID != "" && !hasRegID && e.GRUU != nil {
		if !strings.EqualFold(contactAOR.Scheme, "sip") {
			return RegContact{}, false, &CodedError{Kind: KindForbidden, Detail: "Invalid Contact"}
		}
		pub := fmt.Sprintf("<sip:%s@%s;gr=%s>", toAOR.User, toAOR.Domain, instanceID)
		cipher, err := e.GRUU.Encrypt(Term{AOR: toAOR, InstanceID: instanceID, Pos: out.NextTmpPos})
		if err != nil {
			return RegContact{}, false, &CodedError{Kind: KindInternalError, Detail: "gruu encrypt failed"}
		}
		temp := fmt.Sprintf("<sip:%s@%s;gr>", cipher, toAOR.Domain)
		out.Contact.Headers = out.Contact.Headers.Clone()
		out.Contact.UriParams = out.Contact.UriParams.Clone()
		out.Contact.UriParams.Add("pub-gruu", pub)
		out.Contact.UriParams.Add("temp-gruu", temp)
		out.NextTmpPos = out.NextTmpPos + 1
	}

	return out, false, nil
}

func (e *Engine) queryResponse(ctx context.Context, app AppID, aor AOR, req *sip.Request) (*sip.Response, *CodedError) {
	existing, err := e.Store.Get(ctx, app, aor)
	if err != nil {
		return nil, &CodedError{Kind: KindInternalError, Detail: "Error calling registrar 'get' callback"}
	}
	live := filterLive(existing, uint64(time.Now().Unix()))
	return buildOKResponse(req, live, obUnsupported), nil
}

// deleteAll implements the delete-all path: a single wildcard Contact
// with Expires: 0.
func (e *Engine) deleteAll(ctx context.Context, app AppID, aor AOR, req *sip.Request) (*sip.Response, *CodedError) {
	existing, err := e.Store.Get(ctx, app, aor)
	if err != nil {
		return nil, &CodedError{Kind: KindInternalError, Detail: "Error calling registrar 'get' callback"}
	}
	callID := callIDOf(req)
	cseq := cseqOf(req)
	for _, c := range existing {
		if c.CallID == callID && cseq <= c.CSeq {
			return nil, &CodedError{Kind: KindInvalidRequest, Detail: "Rejected Old CSeq"}
		}
	}
	found, err := e.Store.Del(ctx, app, aor)
	if err != nil {
		return nil, &CodedError{Kind: KindInternalError, Detail: "Error calling registrar 'del' callback"}
	}
	if !found {
		slog.Debug("delete-all REGISTER for an AOR with no stored bindings", "aor", aor.String())
	}
	return buildOKResponse(req, nil, obUnsupported), nil
}

// checkOutbound implements spec §4.4 step 1.
func (e *Engine) checkOutbound(req *sip.Request) obStatus {
	if !e.Cfg.SupportsOutbound || !supportsToken(req, "outbound") {
		return obUnsupported
	}

	vias := flattenVia(req)
	firstHop := len(vias) <= 1

	pathEntries := flattenPath(req)
	if len(pathEntries) > 0 {
		top := pathEntries[len(pathEntries)-1] // topmost after reversal
		if _, ok := top.Address.UriParams.Get("ob"); ok {
			return obTrue
		}
		return obFalse
	}

	if !firstHop {
		return obFalse
	}

	remoteIP, remotePort, proto := requestTransportTuple(req)
	token, ok := e.lookupFlow(proto, remoteIP, remotePort)
	if !ok {
		return obFalse
	}

	pathURI := sip.Uri{
		User: "NkF" + base64.RawURLEncoding.EncodeToString(token),
		Host: e.Cfg.ListenHost,
		Port: e.Cfg.ListenPort,
	}
	pathURI.UriParams = sip.NewParams()
	pathURI.UriParams.Add("lr", "")

	req.PrependHeader(&sip.RouteHeader{Address: pathURI})
	slog.Debug("outbound flow resolved", "remote_ip", remoteIP, "remote_port", remotePort)
	return obTrue
}

func (e *Engine) lookupFlow(proto, ip string, port int) ([]byte, bool) {
	if e.Flows == nil {
		return nil, false
	}
	return e.Flows.Lookup(proto, ip, port)
}

// --- helpers --------------------------------------------------------------

func supportsToken(req *sip.Request, token string) bool {
	hdr := req.GetHeader("Supported")
	if hdr == nil {
		return false
	}
	for _, t := range strings.Split(hdr.Value(), ",") {
		if strings.EqualFold(strings.TrimSpace(t), token) {
			return true
		}
	}
	return false
}

func flattenContacts(req *sip.Request) []*sip.ContactHeader {
	var out []*sip.ContactHeader
	for _, h := range req.GetHeaders("Contact") {
		c, ok := h.(*sip.ContactHeader)
		if !ok {
			continue
		}
		for n := c; n != nil; n = n.Next {
			out = append(out, n)
		}
	}
	return out
}

func flattenVia(req *sip.Request) []*sip.ViaHeader {
	var out []*sip.ViaHeader
	for _, h := range req.GetHeaders("Via") {
		v, ok := h.(*sip.ViaHeader)
		if !ok {
			continue
		}
		for n := v; n != nil; n = n.Next {
			out = append(out, n)
		}
	}
	return out
}

func flattenPath(req *sip.Request) []*sip.RouteHeader {
	var out []*sip.RouteHeader
	for _, h := range req.GetHeaders("Path") {
		p, ok := h.(*sip.RouteHeader)
		if !ok {
			continue
		}
		for n := p; n != nil; n = n.Next {
			out = append(out, n)
		}
	}
	return out
}

func contactExpires(c *sip.ContactHeader, def time.Duration) time.Duration {
	if raw, ok := c.Params.Get("expires"); ok {
		if n, err := strconv.Atoi(raw); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return def
}

func parseQ(c *sip.ContactHeader) float32 {
	raw, ok := c.Params.Get("q")
	if !ok {
		return 1.0
	}
	if f, err := strconv.ParseFloat(raw, 32); err == nil && f > 0 {
		return float32(f)
	}
	if n, err := strconv.Atoi(raw); err == nil && n > 0 {
		return float32(n)
	}
	return 1.0
}

func hashInstance(raw string) string {
	if raw == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:8])
}

func buildIndex(c *sip.ContactHeader, aor AOR, instanceID, regID string, hasRegID bool) Index {
	if hasRegID {
		return Index{Ob: &ObIndex{InstanceID: instanceID, RegID: regID}}
	}
	proto := "udp"
	if p, ok := c.Address.UriParams.Get("transport"); ok {
		proto = strings.ToLower(p)
	}
	return Index{Net: &NetIndex{Scheme: aor.Scheme, Proto: proto, User: aor.User, Domain: aor.Domain, Port: c.Address.Port}}
}

func findByIndex(live []RegContact, idx Index) *RegContact {
	for i := range live {
		if live[i].Index.Equal(idx) {
			return &live[i]
		}
	}
	return nil
}

func replaceByIndex(live []RegContact, c RegContact, remove bool) []RegContact {
	for i := range live {
		if live[i].Index.Equal(c.Index) || (remove && live[i].Index.Equal(c.Index)) {
			if remove {
				return append(live[:i], live[i+1:]...)
			}
			live[i] = c
			return live
		}
	}
	if remove {
		return live
	}
	return append(live, c)
}

func filterLive(contacts []RegContact, now uint64) []RegContact {
	out := make([]RegContact, 0, len(contacts))
	for _, c := range contacts {
		if c.IsLive(now) {
			out = append(out, c)
		}
	}
	return out
}

func ttlFor(live []RegContact, now uint64) time.Duration {
	max := uint64(5)
	for _, c := range live {
		if c.Expire > now && c.Expire-now > max {
			max = c.Expire - now
		}
	}
	return time.Duration(max) * time.Second
}

func callIDOf(req *sip.Request) string {
	if c, ok := req.CallID(); ok {
		return string(*c)
	}
	return ""
}

func cseqOf(req *sip.Request) uint32 {
	if c, ok := req.CSeq(); ok {
		return c.SeqNo
	}
	return 0
}

func transportOf(req *sip.Request) Transport {
	ip, port, proto := requestTransportTuple(req)
	return Transport{Proto: proto, RemoteIP: ip, RemotePort: port}
}

func requestTransportTuple(req *sip.Request) (ip string, port int, proto string) {
	proto = strings.ToLower(req.Transport())
	if proto == "" {
		proto = "udp"
	}
	host, p, err := net.SplitHostPort(req.Source())
	if err != nil {
		return req.Source(), 0, proto
	}
	n, _ := strconv.Atoi(p)
	return host, n, proto
}

func buildOKResponse(req *sip.Request, live []RegContact, obProc obStatus) *sip.Response {
	resp := sip.NewResponseFromRequest(req, 200, "OK", nil)
	for _, c := range live {
		ch := &sip.ContactHeader{Address: c.Contact}
		ch.Params = sip.NewParams()
		ch.Params.Add("expires", strconv.Itoa(c.Expires))
		resp.AppendHeader(ch)
	}
	if obProc == obTrue {
		resp.AppendHeader(&sip.GenericHeader{HeaderName: "Require", Contents: "outbound"})
	}
	return resp
}
