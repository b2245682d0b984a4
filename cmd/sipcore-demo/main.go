// Command sipcore-demo wires the dialog state machine and registrar
// engine to a real sipgo transport, the way cmd/signaling does for the
// full switchboard — minus media, routing, and the B2BUA, since this
// binary exists to exercise the dialog/registrar subsystems end to end,
// not to bridge calls.
package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/sipstack/core/internal/config"
	"github.com/sipstack/core/internal/dialogsm"
	"github.com/sipstack/core/internal/logger"
	"github.com/sipstack/core/internal/registrar"
)

type server struct {
	cfg     *config.Config
	ua      *sipgo.UserAgent
	srv     *sipgo.Server
	client  *sipgo.Client
	machine *dialogsm.Machine
	engine  *registrar.Engine
	lookup  *registrar.Lookup
}

const demoApp registrar.AppID = "sipcore-demo"

func main() {
	cfg := config.Load()
	logger.Init(os.Stdout, cfg.LogLevel, cfg.LogJSON)

	srv, err := newServer(cfg)
	if err != nil {
		slog.Error("failed to start sipcore-demo", "error", err)
		os.Exit(1)
	}
	defer srv.Close()

	run(srv)
}

func newServer(cfg *config.Config) (*server, error) {
	ua, err := sipgo.NewUA()
	if err != nil {
		return nil, fmt.Errorf("creating user agent: %w", err)
	}
	uas, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating server: %w", err)
	}
	uac, err := sipgo.NewClient(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating client: %w", err)
	}

	dialogStore := dialogsm.NewStore(cfg.DialogCleanupInterval, cfg.DialogActiveTTL, cfg.DialogAckTimeout)
	dialogStore.OnEvent(func(event string, d *dialogsm.Dialog) {
		slog.Info("dialog event", "event", event, "dialog_id", d.ID, "call_id", d.CallID)
	})
	machine := dialogsm.NewMachine(dialogStore)

	globalID := make([]byte, 16)
	if _, err := rand.Read(globalID); err != nil {
		ua.Close()
		return nil, fmt.Errorf("generating gruu key: %w", err)
	}
	gruuCodec := registrar.NewGRUUCodec(globalID)

	regStore := registrar.NewMemStore(30 * time.Second)
	flows := registrar.NewMemFlows()
	engine := registrar.NewEngine(regStore, gruuCodec, flows, registrar.EngineConfig{
		DefaultExpires:   cfg.RegistrarDefaultExpires,
		MinExpires:       cfg.RegistrarMinExpires,
		MaxExpires:       cfg.RegistrarMaxExpires,
		SupportsOutbound: cfg.SupportsOutbound,
		SupportsGRUU:     cfg.SupportsGRUU,
		ListenHost:       cfg.AdvertiseAddr,
		ListenPort:       cfg.Port,
	})
	lookup := registrar.NewLookup(regStore, gruuCodec)

	s := &server{
		cfg:     cfg,
		ua:      ua,
		srv:     uas,
		client:  uac,
		machine: machine,
		engine:  engine,
		lookup:  lookup,
	}

	uas.OnRequest(sip.REGISTER, s.handleRegister)
	uas.OnRequest(sip.INVITE, s.handleInDialog)
	uas.OnRequest(sip.ACK, s.handleInDialog)
	uas.OnRequest(sip.BYE, s.handleInDialog)
	uas.OnRequest(sip.PRACK, s.handleInDialog)
	uas.OnRequest(sip.UPDATE, s.handleInDialog)
	uas.OnRequest(sip.SUBSCRIBE, s.handleInDialog)
	uas.OnRequest(sip.NOTIFY, s.handleInDialog)
	uas.OnRequest(sip.REFER, s.handleInDialog)

	slog.Info("sip handlers registered", "methods",
		"REGISTER, INVITE, ACK, BYE, PRACK, UPDATE, SUBSCRIBE, NOTIFY, REFER")

	return s, nil
}

func (s *server) Start(ctx context.Context) error {
	listenAddr := fmt.Sprintf("%s:%d", s.cfg.BindAddr, s.cfg.Port)
	slog.Info("starting sip listener", "addr", listenAddr, "advertise", s.cfg.AdvertiseAddr)
	return s.srv.ListenAndServe(ctx, "udp", listenAddr)
}

func (s *server) Close() error {
	return s.ua.Close()
}

func (s *server) handleRegister(req *sip.Request, tx sip.ServerTransaction) {
	resp, cerr := s.engine.Request(context.Background(), demoApp, req)
	if cerr != nil {
		slog.Warn("register rejected", "kind", cerr.Kind, "detail", cerr.Detail)
		status := cerr.Kind.StatusCode()
		errResp := sip.NewResponseFromRequest(req, status, cerr.Error(), nil)
		if cerr.Kind == registrar.KindIntervalTooBrief {
			errResp.AppendHeader(&sip.GenericHeader{HeaderName: "Min-Expires", Contents: cerr.Detail})
		}
		if err := tx.Respond(errResp); err != nil {
			slog.Error("failed to send register error response", "error", err)
		}
		return
	}
	if err := tx.Respond(resp); err != nil {
		slog.Error("failed to send register response", "error", err)
	}
}

// handleInDialog routes every in-dialog method through the dialog state
// machine and decorates the resulting response before it is sent. Every
// INVITE (initial or re-INVITE) is resolved through the registrar Lookup first
// (honoring a GRUU Request-URI), since that is the routing decision a
// real application would make before ever reaching the dialog layer;
// this demo only logs the resolved targets instead of forking to them.
func (s *server) handleInDialog(req *sip.Request, tx sip.ServerTransaction) {
	if req.Method == sip.INVITE {
		s.logRequestURITargets(req)
	}

	d, cerr := s.machine.HandleRequest(req)
	if cerr != nil {
		slog.Debug("dialog request rejected", "method", req.Method, "kind", cerr.Kind, "detail", cerr.Detail)
		resp := sip.NewResponseFromRequest(req, cerr.Kind.StatusCode(), reasonFor(cerr), nil)
		if cerr.Retry > 0 {
			resp.AppendHeader(&sip.GenericHeader{HeaderName: "Retry-After", Contents: fmt.Sprintf("%d", cerr.Retry)})
		}
		if err := tx.Respond(resp); err != nil {
			slog.Error("failed to send dialog error response", "error", err)
		}
		return
	}

	if req.Method == sip.ACK {
		return // no response to an ACK
	}

	status, reason := responseFor(req.Method, d)
	resp := sip.NewResponseFromRequest(req, status, reason, nil)
	stampToTag(resp, d.LocalTag)
	decorated := s.machine.DecorateResponse(req, resp, &dialogsm.DecorateOptions{MakeContact: true}, nil)
	if err := tx.Respond(decorated.Response); err != nil {
		slog.Error("failed to send dialog response", "error", err)
	}
}

// logRequestURITargets resolves an incoming INVITE's Request-URI
// against the registrar, following a `gr` GRUU parameter straight to
// the one bound instance instead of fanning out to the whole AOR.
func (s *server) logRequestURITargets(req *sip.Request) {
	uris, err := s.lookup.Find(context.Background(), demoApp, req.Recipient)
	if err != nil {
		slog.Warn("registrar lookup failed for incoming INVITE", "error", err)
		return
	}
	if len(uris) == 0 {
		slog.Debug("no registered targets for incoming INVITE", "request_uri", req.Recipient.String())
		return
	}
	slog.Info("resolved incoming INVITE targets", "request_uri", req.Recipient.String(), "targets", len(uris))
}

// stampToTag sets resp's To-tag to ours, if it isn't already set — a
// UAS only ever mints the tag once per dialog, on the first response
// that creates it (RFC 3261 §12.1.1); later responses within the same
// dialog reuse it, so a reinvite's 200 OK must not overwrite it.
func stampToTag(resp *sip.Response, localTag string) {
	to, ok := resp.To()
	if !ok {
		return
	}
	if _, hasTag := to.Params.Get("tag"); hasTag {
		return
	}
	to.Params = sip.NewParams()
	to.Params.Add("tag", localTag)
}

func reasonFor(cerr *dialogsm.CodedError) string {
	if cerr.Reason != "" {
		return cerr.Reason
	}
	return cerr.Kind.String()
}

// responseFor picks the demo's default final status for a successfully
// processed in-dialog request — a real application would plug in its own
// call-routing/subscription logic here instead.
func responseFor(method sip.RequestMethod, d *dialogsm.Dialog) (int, string) {
	switch method {
	case sip.INVITE:
		return 200, "OK"
	case sip.BYE:
		return 200, "OK"
	case sip.PRACK:
		return 200, "OK"
	case sip.UPDATE:
		return 200, "OK"
	case sip.SUBSCRIBE:
		return 202, "Accepted"
	case sip.NOTIFY:
		return 200, "OK"
	case sip.REFER:
		return 202, "Accepted"
	default:
		return 200, "OK"
	}
}

func run(s *server) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := s.Start(ctx); err != nil {
			slog.Error("sip server stopped", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("received signal, shutting down", "signal", sig)
	cancel()
	time.Sleep(500 * time.Millisecond)
}
