// Package uac implements a client INVITE state machine: build and send an
// INVITE, handle provisional/final responses and a single digest retry,
// send the ACK for a 2xx, and hang up with BYE. The local identity
// (From/Contact) comes from the Identity given to New; the target and
// per-call From overrides come from a calldescriptor.CallDescriptor.
package uac

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sipwire/uacore/internal/auth"
	"github.com/sipwire/uacore/internal/calldescriptor"
	"github.com/sipwire/uacore/internal/dialog"
	"github.com/sipwire/uacore/internal/events"
	"github.com/sipwire/uacore/internal/resolver"
	"github.com/sipwire/uacore/internal/sdpmangle"
)

// proxyReceivedFromHeader is an optional hint a proxy in the path can set on
// a response to tell the UAC the address it actually observed the far end
// on, taking priority over what the UAC measures itself.
const proxyReceivedFromHeader = "Proxy-Received-From"

// Transport is the subset of sipgo.Client the UAC needs, kept as an
// interface so tests can stub the wire without a real socket.
type Transport interface {
	TransactionRequest(ctx context.Context, req *sip.Request, opts ...sipgo.ClientRequestOption) (sip.ClientTransaction, error)
	WriteRequest(req *sip.Request, opts ...sipgo.ClientRequestOption) error
}

// Identity is the local party identity used to build From/Contact.
type Identity struct {
	DisplayName string
	User        string
	Host        string
	Port        int
}

func (i Identity) uri() sip.Uri {
	return sip.Uri{Scheme: "sip", User: i.User, Host: i.Host, Port: i.Port}
}

// state is the Idle→Calling→Proceeding→{Authenticating→Calling'}→Completed
// machine a single INVITE attempt drives through.
type state int

const (
	stateIdle state = iota
	stateCalling
	stateProceeding
	stateAuthenticating
	stateCompleted
)

// UAC drives one outgoing INVITE through to a final response, handling one
// digest retry and CANCEL along the way.
type UAC struct {
	transport Transport
	resolver  *resolver.Resolver
	bus       *events.Bus
	log       zerolog.Logger
	identity  Identity

	mu           sync.Mutex
	state        state
	desc         *calldescriptor.CallDescriptor
	invite       *sip.Request
	tx           sip.ClientTransaction
	cred         *auth.Credentials
	authAttempts int
	lastChallenge *sip.Response

	cancelIssued    bool
	cancelCompleted bool
	hungupOnCancel  bool // I5 latch: BYE sent exactly once if 2xx arrives post-CANCEL

	dlg *dialog.Dialog

	finalObserved bool // I1: first final response wins
}

// Option configures a UAC.
type Option func(*UAC)

func WithLogger(l zerolog.Logger) Option { return func(u *UAC) { u.log = l } }

// WithResolver enables destination resolution before the INVITE transaction
// is created. Without one, the request is handed to the transport with
// whatever destination it derives on its own.
func WithResolver(r *resolver.Resolver) Option {
	return func(u *UAC) { u.resolver = r }
}
func WithCredentials(c *auth.Credentials) Option {
	return func(u *UAC) { u.cred = c }
}

// New creates a UAC bound to a transport, local identity, and event bus.
func New(transport Transport, identity Identity, bus *events.Bus, opts ...Option) *UAC {
	u := &UAC{
		transport: transport,
		identity:  identity,
		bus:       bus,
		log:       zerolog.Nop(),
		state:     stateIdle,
	}
	for _, o := range opts {
		o(u)
	}
	return u
}

// Call builds and sends the INVITE for desc, moving the state machine from
// Idle to Calling. It returns once the INVITE has been submitted to the
// transaction layer; the outcome arrives asynchronously via the event bus.
func (u *UAC) Call(ctx context.Context, desc *calldescriptor.CallDescriptor) error {
	desc = desc.Copy() // the caller's descriptor is left untouched
	u.mu.Lock()
	if u.state != stateIdle {
		u.mu.Unlock()
		return fmt.Errorf("uac: Call called out of Idle state")
	}
	u.desc = desc
	u.state = stateCalling
	u.mu.Unlock()

	desc.EnsureIdentifiers()
	invite, err := u.buildInvite(desc)
	if err != nil {
		u.emitFailed(desc.CallID, "build INVITE: "+err.Error())
		return err
	}

	if u.resolver != nil {
		ep, err := u.resolver.Resolve(ctx, desc.TargetURI, false)
		if err != nil {
			u.emitFailed(desc.CallID, "unresolvable destination "+desc.TargetURI.Host)
			u.markCompleted()
			return err
		}
		invite.SetDestination(ep.HostPort())
	}

	return u.send(ctx, invite)
}

func (u *UAC) buildInvite(desc *calldescriptor.CallDescriptor) (*sip.Request, error) {
	invite := sip.NewRequest(sip.INVITE, desc.TargetURI)

	maxFwd := sip.MaxForwardsHeader(70)
	invite.AppendHeader(&maxFwd)

	fromURI := u.identity.uri()
	if desc.FromURIUser != "" {
		fromURI.User = desc.FromURIUser
	}
	if desc.FromURIHost != "" {
		fromURI.Host = desc.FromURIHost
	}
	fromParams := sip.NewParams()
	fromParams.Add("tag", generateTag())
	displayName := u.identity.DisplayName
	if desc.FromDisplayName != "" {
		displayName = desc.FromDisplayName
	}
	invite.AppendHeader(&sip.FromHeader{DisplayName: displayName, Address: fromURI, Params: fromParams})

	toURI := desc.TargetURI
	invite.AppendHeader(&sip.ToHeader{Address: toURI, Params: sip.NewParams()})

	callID := sip.CallIDHeader(desc.CallID)
	invite.AppendHeader(&callID)

	invite.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})

	invite.AppendHeader(&sip.ContactHeader{Address: u.identity.uri()})

	invite.AppendHeader(sip.NewHeader("Supported", "replaces, norefersub, 100rel"))

	for _, rt := range desc.RouteSet {
		invite.AppendHeader(&sip.RouteHeader{Address: rt})
	}

	for _, h := range calldescriptor.FilterCustomHeaders(desc.CustomHeaders) {
		invite.AppendHeader(sip.NewHeader(h.Name, h.Value))
	}

	if desc.AuthUsername != "" || desc.AuthPassword != "" {
		if u.cred == nil {
			u.cred = &auth.Credentials{}
		}
		u.cred.AuthUsername = desc.AuthUsername
		u.cred.Password = desc.AuthPassword
	}

	if len(desc.Body) > 0 {
		ct := desc.ContentType
		if ct == "" {
			ct = "application/sdp"
		}
		invite.AppendHeader(sip.NewHeader("Content-Type", ct))
		invite.SetBody(desc.Body)
	}

	return invite, nil
}

func (u *UAC) send(ctx context.Context, invite *sip.Request) error {
	tx, err := u.transport.TransactionRequest(ctx, invite)
	if err != nil {
		u.emitFailed(callIDOf(invite), "transaction: "+err.Error())
		return err
	}

	u.mu.Lock()
	u.invite = invite
	u.tx = tx
	u.state = stateProceeding
	u.mu.Unlock()

	go u.responseLoop(ctx, invite, tx)
	return nil
}

func (u *UAC) responseLoop(ctx context.Context, invite *sip.Request, tx sip.ClientTransaction) {
	for {
		select {
		case <-ctx.Done():
			u.handleTimeoutOrCancel(ctx, invite, tx)
			return

		case resp, ok := <-tx.Responses():
			if !ok {
				return
			}
			if resp == nil {
				continue
			}
			final := u.handleResponse(ctx, invite, tx, resp)
			if final {
				return
			}

		case <-tx.Done():
			return
		}
	}
}

func (u *UAC) handleTimeoutOrCancel(ctx context.Context, invite *sip.Request, tx sip.ClientTransaction) {
	u.mu.Lock()
	cancelled := u.cancelIssued
	u.mu.Unlock()
	if cancelled {
		return
	}
	u.emitFailed(callIDOf(invite), "Timeout, no response from server")
}

// handleResponse processes one response. Returns true once a final outcome
// has been delivered to the caller (I1: the first final wins).
func (u *UAC) handleResponse(ctx context.Context, invite *sip.Request, tx sip.ClientTransaction, resp *sip.Response) bool {
	code := int(resp.StatusCode)

	switch {
	case code == 100:
		u.bus.Emit(events.Event{Type: events.TypeCallTrying, CallID: callIDOf(invite)})
		return false

	case code == 180 || code == 181:
		u.bus.Emit(events.Event{Type: events.TypeCallRinging, CallID: callIDOf(invite), Code: code})
		return false

	case code == 183:
		body := resp.Body()
		if len(body) > 0 && u.desc.MangleResponseSDP {
			body = u.mangleBody(resp, body).Body
		}
		u.bus.Emit(events.Event{Type: events.TypeCallRinging, CallID: callIDOf(invite), Code: code, Fields: map[string]any{"sdp": body}})
		return false

	case code == 401 || code == 407:
		return u.handleChallenge(ctx, invite, tx, resp)

	case code >= 200 && code < 300:
		return u.handleSuccess(invite, resp)

	case code >= 300:
		return u.handleFinalFailure(invite, resp)
	}
	return false
}

func (u *UAC) handleChallenge(ctx context.Context, invite *sip.Request, tx sip.ClientTransaction, resp *sip.Response) bool {
	u.mu.Lock()
	if u.cancelIssued {
		u.mu.Unlock()
		return false
	}
	if u.cred == nil || !u.cred.HasSecret() || u.authAttempts > 0 {
		u.mu.Unlock()
		u.emitFailed(callIDOf(invite), "Authentication failed or not attempted")
		u.markCompleted()
		return true
	}
	u.authAttempts++
	u.state = stateAuthenticating
	u.lastChallenge = resp
	u.mu.Unlock()

	retry := cloneRequest(invite)
	if err := u.cred.Authenticate(retry, resp, auth.ClassNewTransaction); err != nil {
		u.emitFailed(callIDOf(invite), "Authentication: "+err.Error())
		u.markCompleted()
		return true
	}

	if err := u.send(ctx, retry); err != nil {
		u.markCompleted()
		return true
	}
	return true
}

func (u *UAC) handleSuccess(invite *sip.Request, resp *sip.Response) bool {
	u.mu.Lock()
	if u.finalObserved {
		u.mu.Unlock()
		return true
	}
	u.finalObserved = true
	cancelIssued := u.cancelIssued
	u.mu.Unlock()

	id, err := dialog.FromResponse(invite, resp, dialog.DirectionUAC)
	if err == nil {
		d := dialog.New(id, dialog.DirectionUAC, invite.CSeq().SeqNo)
		if contact := resp.Contact(); contact != nil {
			target := contact.Address
			if sub := u.mangleSubstitute(resp); sub != "" {
				if host, changed := sdpmangle.MangleContactHost(target.Host, sub); changed {
					target.Host = host
				}
			}
			d.SetRemoteTarget(target)
		}
		u.mu.Lock()
		u.dlg = d
		u.mu.Unlock()
	}

	body := resp.Body()
	if len(body) > 0 && u.desc != nil && u.desc.MangleResponseSDP {
		body = u.mangleBody(resp, body).Body
	}

	if err := u.sendACK(resp, invite); err != nil {
		u.log.Warn().Err(err).Msg("send ACK failed")
	}

	u.markCompleted()

	if cancelIssued {
		// I5: CANCEL raced a 2xx. Absorb silently and send exactly one BYE.
		u.mu.Lock()
		already := u.hungupOnCancel
		u.hungupOnCancel = true
		u.mu.Unlock()
		if !already {
			_ = u.Hangup(context.Background())
		}
		return true
	}

	u.bus.Emit(events.Event{
		Type: events.TypeCallAnswered, CallID: callIDOf(invite), Code: int(resp.StatusCode),
		Reason: resp.Reason, Fields: map[string]any{"sdp": body},
	})
	return true
}

func (u *UAC) handleFinalFailure(invite *sip.Request, resp *sip.Response) bool {
	u.mu.Lock()
	if u.finalObserved {
		u.mu.Unlock()
		return true
	}
	u.finalObserved = true
	cancelIssued := u.cancelIssued
	u.mu.Unlock()

	u.markCompleted()

	if int(resp.StatusCode) == 487 && cancelIssued {
		// Absorbed silently: expected outcome of our own CANCEL.
		return true
	}

	u.bus.Emit(events.Event{
		Type: events.TypeCallAnswered, CallID: callIDOf(invite),
		Code: int(resp.StatusCode), Reason: resp.Reason,
	})
	return true
}

// mangleBody rewrites body's connection address to the substitute
// mangleSubstitute resolves for resp, logging the address the offer
// originally advertised.
func (u *UAC) mangleBody(resp *sip.Response, body []byte) sdpmangle.Result {
	sub := u.mangleSubstitute(resp)
	if sub == "" {
		return sdpmangle.Result{Body: body}
	}
	if addr, _, ok := sdpmangle.ConnectionAddress(body); ok {
		u.log.Debug().Str("original", addr).Str("substitute", sub).Msg("mangling SDP connection address")
	}
	return sdpmangle.Mangle(body, sub)
}

// mangleSubstitute resolves the public address to substitute into SDP and
// Contact rewriting, in priority order: an explicit Proxy-Received-From
// response hint, the address the response was actually received from, then
// the descriptor's configured substitute. The first of these present wins.
func (u *UAC) mangleSubstitute(resp *sip.Response) string {
	if resp != nil {
		if hdr := resp.GetHeader(proxyReceivedFromHeader); hdr != nil {
			if host := hostOnly(hdr.Value()); host != "" {
				return host
			}
		}
		if host := hostOnly(resp.Source()); host != "" {
			return host
		}
	}
	if u.desc != nil {
		return u.desc.MangleIPAddress
	}
	return ""
}

func hostOnly(hostport string) string {
	if hostport == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return hostport
}

// sendACK implements ACK-for-2xx as a standalone request per RFC 3261
// §13.2.2.4: new request, Request-URI from the response's Contact, sent
// directly via the transport rather than through a new transaction.
func (u *UAC) sendACK(resp *sip.Response, invite *sip.Request) error {
	requestURI := invite.Recipient
	if contact := resp.Contact(); contact != nil {
		requestURI = contact.Address
	}

	ack := sip.NewRequest(sip.ACK, requestURI)
	sip.CopyHeaders("From", invite, ack)
	sip.CopyHeaders("Call-ID", invite, ack)

	if to := resp.To(); to != nil {
		ack.AppendHeader(&sip.ToHeader{DisplayName: to.DisplayName, Address: to.Address, Params: to.Params})
	}
	if cseq := invite.CSeq(); cseq != nil {
		ack.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.ACK})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	return u.transport.WriteRequest(ack)
}

// Cancel has three outcomes depending on where the INVITE attempt stands:
// no transaction yet → synthesize CallFailed; CANCEL not yet sent → send
// one; already cancelled (CANCEL in flight or completed) → no-op, so an
// INVITE never gets a second CANCEL transaction.
func (u *UAC) Cancel(ctx context.Context) error {
	u.mu.Lock()
	if u.cancelIssued {
		u.mu.Unlock()
		return nil // (c) no-op
	}
	if u.invite == nil {
		u.cancelIssued = true
		u.mu.Unlock()
		u.emitFailed("", "Call cancelled by user.")
		u.markCompleted()
		return nil
	}
	invite := u.invite
	challenge := u.lastChallenge
	u.cancelIssued = true
	u.mu.Unlock()

	cancelReq := sip.NewRequest(sip.CANCEL, invite.Recipient)
	sip.CopyHeaders("From", invite, cancelReq)
	sip.CopyHeaders("To", invite, cancelReq)
	sip.CopyHeaders("Call-ID", invite, cancelReq)
	if rs := invite.GetHeaders("Route"); len(rs) > 0 {
		for _, r := range rs {
			cancelReq.AppendHeader(r)
		}
	}
	if cseq := invite.CSeq(); cseq != nil {
		cancelReq.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.CANCEL})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	cancelReq.AppendHeader(&maxFwd)

	if authHdr := invite.GetHeader("Authorization"); authHdr != nil && u.cred != nil && challenge != nil {
		_ = u.cred.Authenticate(cancelReq, challenge, auth.ClassCancel)
	}

	tx, err := u.transport.TransactionRequest(ctx, cancelReq)
	if err != nil {
		return fmt.Errorf("send CANCEL: %w", err)
	}

	go func() {
		select {
		case <-tx.Responses():
		case <-tx.Done():
		case <-ctx.Done():
		}
		u.mu.Lock()
		u.cancelCompleted = true
		u.mu.Unlock()
	}()

	return nil
}

// Hangup sends BYE against the established dialog, moving it from
// Confirmed to Terminated, retrying once with digest on 401/407.
func (u *UAC) Hangup(ctx context.Context) error {
	u.mu.Lock()
	d := u.dlg
	cred := u.cred
	u.mu.Unlock()
	if d == nil {
		return fmt.Errorf("uac: no established dialog")
	}

	bye := u.buildBye(d)
	tx, err := u.transport.TransactionRequest(ctx, bye)
	if err != nil {
		return fmt.Errorf("send BYE: %w", err)
	}

	select {
	case resp := <-tx.Responses():
		if resp != nil && (resp.StatusCode == 401 || resp.StatusCode == 407) && cred != nil && cred.HasSecret() {
			retry := cloneRequest(bye)
			if err := cred.Authenticate(retry, resp, auth.ClassNewTransaction); err == nil {
				retryTx, err := u.transport.TransactionRequest(ctx, retry)
				if err == nil {
					select {
					case <-retryTx.Responses():
					case <-retryTx.Done():
					case <-ctx.Done():
					}
				}
			}
		}
	case <-tx.Done():
	case <-ctx.Done():
	}

	d.TransitionTo(dialog.StateTerminated, dialog.TerminateLocalBye)
	return nil
}

func (u *UAC) buildBye(d *dialog.Dialog) *sip.Request {
	target := d.RemoteTarget()
	bye := sip.NewRequest(sip.BYE, target)
	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)

	fromParams := sip.NewParams()
	fromParams.Add("tag", d.ID().LocalTag)
	bye.AppendHeader(&sip.FromHeader{Address: d.LocalURI, Params: fromParams})

	toParams := sip.NewParams()
	toParams.Add("tag", d.ID().RemoteTag)
	bye.AppendHeader(&sip.ToHeader{Address: d.RemoteURI, Params: toParams})

	callID := sip.CallIDHeader(d.ID().CallID)
	bye.AppendHeader(&callID)

	bye.AppendHeader(&sip.CSeqHeader{SeqNo: d.NextLocalCSeq(), MethodName: sip.BYE})

	for _, rt := range d.RouteSet() {
		bye.AppendHeader(&sip.RouteHeader{Address: rt})
	}

	return bye
}

// Update sends an outside-dialog UPDATE carrying CRM header deltas: CSeq+1
// on the current request template, new top-Via branch, no coupling to call
// state.
func (u *UAC) Update(ctx context.Context, crm map[string]string) error {
	u.mu.Lock()
	invite := u.invite
	u.mu.Unlock()
	if invite == nil {
		return fmt.Errorf("uac: no active transaction to UPDATE")
	}

	upd := cloneRequest(invite)
	upd.RemoveHeader("Via")
	upd.Method = sip.UPDATE
	if cseq := invite.CSeq(); cseq != nil {
		upd.RemoveHeader("CSeq")
		upd.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo + 1, MethodName: sip.UPDATE})
	}
	for k, v := range crm {
		upd.AppendHeader(sip.NewHeader("X-CRM-"+k, v))
	}

	_, err := u.transport.TransactionRequest(ctx, upd)
	return err
}

func (u *UAC) markCompleted() {
	u.mu.Lock()
	u.state = stateCompleted
	u.mu.Unlock()
}

func (u *UAC) emitFailed(callID, reason string) {
	u.bus.Emit(events.CallFailed(callID, reason))
}

func callIDOf(req *sip.Request) string {
	if h := req.CallID(); h != nil {
		return h.Value()
	}
	return ""
}

func generateTag() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:10]
}

// cloneRequest makes a shallow structural copy suitable for a digest retry
// or UPDATE derivation: same headers/body, independent header list so the
// retry's mutations (new branch, bumped CSeq, Authorization) don't affect
// the original.
func cloneRequest(req *sip.Request) *sip.Request {
	clone := sip.NewRequest(req.Method, req.Recipient)
	for _, h := range req.Headers() {
		clone.AppendHeader(sip.HeaderClone(h))
	}
	clone.SetBody(req.Body())
	if dest := req.Destination(); dest != "" {
		clone.SetDestination(dest)
	}
	return clone
}
