// Package uas implements a server INVITE state machine: an application
// drives one inbound INVITE transaction through Progress/Answer/Reject/
// Redirect operations to a single final outcome, with dialog bookkeeping
// built on package dialog once a 2xx goes out.
package uas

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"

	"github.com/sipwire/uacore/internal/account"
	"github.com/sipwire/uacore/internal/auth"
	"github.com/sipwire/uacore/internal/calldescriptor"
	"github.com/sipwire/uacore/internal/dialog"
	"github.com/sipwire/uacore/internal/events"
	"github.com/sipwire/uacore/internal/sdpmangle"
)

// proxyReceivedFromHeader is an optional hint a proxy in the path can set on
// a request to tell the UAS the address it actually observed the far end
// on, taking priority over what the UAS measures itself.
const proxyReceivedFromHeader = "Proxy-Received-From"

// Transport is the subset of sipgo.Client a UAS needs to originate its own
// in-dialog requests (BYE on hangup), distinct from tx.Respond which only
// answers the inbound INVITE transaction.
type Transport interface {
	TransactionRequest(ctx context.Context, req *sip.Request, opts ...sipgo.ClientRequestOption) (sip.ClientTransaction, error)
}

// phase is the Received→Authenticated→Proceeding→{Answered|Rejected|
// Redirected|Cancelled|TimedOut} machine one inbound INVITE moves through.
type phase int

const (
	phaseReceived phase = iota
	phaseAuthenticated
	phaseProceeding
	phaseAnswered
	phaseRejected
	phaseRedirected
	phaseCancelled
	phaseTimedOut
)

// UAS drives one incoming INVITE transaction through to a final outcome.
type UAS struct {
	tx  sip.ServerTransaction
	req *sip.Request
	bus *events.Bus
	log zerolog.Logger

	accounts        account.Provider
	transport       Transport
	cred            *auth.Credentials
	mangleIPAddress string

	mu             sync.Mutex
	phase          phase
	lastProgress   int
	sentFinal      bool
	localTag       string
	noCDR          bool
	owner          string
	dialPlanCtxID  string
	transferMode   calldescriptor.TransferMode

	dlg            *dialog.Dialog
	awaitingACKSDP bool
}

// New wraps an incoming INVITE transaction. localTag is the to-tag the UAS
// will stamp on its responses.
func New(req *sip.Request, tx sip.ServerTransaction, bus *events.Bus, localTag string, opts ...Option) *UAS {
	u := &UAS{
		tx:       tx,
		req:      req,
		bus:      bus,
		log:      zerolog.Nop(),
		localTag: localTag,
		phase:    phaseReceived,
	}
	for _, o := range opts {
		o(u)
	}

	tx.OnCancel(func(r *sip.Request) {
		u.mu.Lock()
		u.phase = phaseCancelled
		u.mu.Unlock()
		u.bus.Emit(events.Event{Type: events.TypeCallFailed, CallID: u.callID(), Reason: "cancelled"})
	})

	return u
}

// Option configures a UAS.
type Option func(*UAS)

func WithLogger(l zerolog.Logger) Option      { return func(u *UAS) { u.log = l } }
func WithAccounts(p account.Provider) Option  { return func(u *UAS) { u.accounts = p } }
func WithTransport(t Transport) Option        { return func(u *UAS) { u.transport = t } }
func WithCredentials(c *auth.Credentials) Option { return func(u *UAS) { u.cred = c } }

// WithMangleIPAddress sets the lowest-priority SDP/Contact substitute
// address, used when neither a Proxy-Received-From hint nor the request's
// observed source address is available.
func WithMangleIPAddress(addr string) Option {
	return func(u *UAS) { u.mangleIPAddress = addr }
}

func (u *UAS) callID() string {
	if h := u.req.CallID(); h != nil {
		return h.Value()
	}
	return ""
}

// AuthenticateCall resolves the SIP account (full match, then tenant-suffix
// fallback inside the Provider), then verifies the credentials the caller
// supplies out-of-band (the request's Authorization header, parsed by
// callers via the auth package against the account's realm/password).
func (u *UAS) AuthenticateCall(ctx context.Context, username, domain string, verify func(acct *account.Account) bool, challengeHeader string) error {
	acct, err := u.accounts.GetSIPAccount(ctx, username, domain)
	if err != nil {
		u.Reject(sip.StatusUnauthorized, "Unauthorized", nil)
		return err
	}

	if !verify(acct) {
		resp := sip.NewResponseFromRequest(u.req, int(sip.StatusUnauthorized), "Unauthorized", nil)
		if challengeHeader != "" {
			resp.AppendHeader(sip.NewHeader("WWW-Authenticate", challengeHeader))
		}
		u.sendFinal(resp, phaseRejected)
		return fmt.Errorf("uas: authentication failed for %s@%s", username, domain)
	}

	u.mu.Lock()
	u.phase = phaseAuthenticated
	u.owner = acct.OwnerID
	u.mu.Unlock()
	return nil
}

// Progress sends a provisional response: rejects status codes ≥200, drops
// a redundant 100 once already in Proceeding, allows 183 with a body
// through, and otherwise only allows forward transitions.
func (u *UAS) Progress(status int, reason string, customHeaders []calldescriptor.Header, contentType string, body []byte) error {
	if status >= 200 {
		return fmt.Errorf("uas: Progress called with final status %d", status)
	}

	u.mu.Lock()
	if u.sentFinal {
		u.mu.Unlock()
		return fmt.Errorf("uas: already sent a final response")
	}
	if status == 100 && u.phase == phaseProceeding {
		u.mu.Unlock()
		return nil // dropped: redundant 100 Trying
	}
	if status < u.lastProgress && len(body) == 0 {
		u.mu.Unlock()
		return nil // only forward transitions, except 183-with-body
	}
	u.lastProgress = status
	u.phase = phaseProceeding
	u.mu.Unlock()

	resp := sip.NewResponseFromRequest(u.req, status, reason, body)
	if status != 100 {
		u.stampToTag(resp)
	}
	if contentType != "" {
		resp.AppendHeader(sip.NewHeader("Content-Type", contentType))
	}
	for _, h := range calldescriptor.FilterCustomHeaders(customHeaders) {
		resp.AppendHeader(sip.NewHeader(h.Name, h.Value))
	}

	return u.tx.Respond(resp)
}

// Answer sends the 200 OK that completes this INVITE transaction.
func (u *UAS) Answer(contentType string, body []byte, toTag string, transferMode calldescriptor.TransferMode, customHeaders []calldescriptor.Header) error {
	u.mu.Lock()
	if u.sentFinal {
		u.mu.Unlock()
		return nil // no-op: a 2xx already went out
	}
	u.sentFinal = true
	u.phase = phaseAnswered
	u.transferMode = transferMode
	localTag := u.localTag
	if toTag != "" {
		localTag = toTag
	}
	u.mu.Unlock()

	if sub := u.mangleSubstitute(); sub != "" {
		if addr, _, ok := sdpmangle.ConnectionAddress(body); ok {
			u.log.Debug().Str("original", addr).Str("substitute", sub).Msg("mangling SDP connection address")
		}
		body = sdpmangle.Mangle(body, sub).Body
	}

	resp := sip.NewResponseFromRequest(u.req, 200, "OK", body)
	u.stampTag(resp, localTag)
	if contentType != "" {
		resp.AppendHeader(sip.NewHeader("Content-Type", contentType))
	}
	for _, h := range calldescriptor.FilterCustomHeaders(customHeaders) {
		resp.AppendHeader(sip.NewHeader(h.Name, h.Value))
	}

	offerless := len(u.req.Body()) == 0
	if offerless {
		// Defer dialog construction until the ACK carries the answer.
		u.mu.Lock()
		u.awaitingACKSDP = true
		u.mu.Unlock()
		go u.awaitACK(resp, localTag)
	}

	if err := u.tx.Respond(resp); err != nil {
		return err
	}

	if !offerless {
		u.buildDialog(resp, localTag)
	}
	return nil
}

// TransferMode reports the transfer policy Answer() applied to this call.
func (u *UAS) TransferMode() calldescriptor.TransferMode {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.transferMode
}

func (u *UAS) awaitACK(resp *sip.Response, localTag string) {
	ack, ok := <-u.tx.Acks()
	if !ok || ack == nil {
		return
	}
	u.buildDialog(resp, localTag)
	u.bus.Emit(events.Event{Type: events.TypeDialogUpdated, CallID: u.callID(), Fields: map[string]any{"ack_sdp": ack.Body()}})
}

// mangleSubstitute picks the SDP/Contact substitute address in priority
// order: a Proxy-Received-From hint on the inbound request, the request's
// own observed source address, then the configured override.
func (u *UAS) mangleSubstitute() string {
	if hdr := u.req.GetHeader(proxyReceivedFromHeader); hdr != nil {
		if host := hostOnly(hdr.Value()); host != "" {
			return host
		}
	}
	if host := hostOnly(u.req.Source()); host != "" {
		return host
	}
	return u.mangleIPAddress
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

func (u *UAS) buildDialog(resp *sip.Response, localTag string) {
	id := dialog.ID{CallID: u.callID(), LocalTag: localTag}
	if from := u.req.From(); from != nil {
		id.RemoteTag, _ = from.Params.Get("tag")
	}
	d := dialog.New(id, dialog.DirectionUAS, 1)
	if contact := u.req.Contact(); contact != nil {
		target := contact.Address
		if sub := u.mangleSubstitute(); sub != "" {
			if host, changed := sdpmangle.MangleContactHost(target.Host, sub); changed {
				target.Host = host
			}
		}
		d.SetRemoteTarget(target)
	}
	d.TransferMode = int(u.TransferMode())

	u.mu.Lock()
	u.dlg = d
	u.mu.Unlock()

	u.bus.Emit(events.Event{Type: events.TypeCallAnswered, CallID: u.callID(), Code: 200, Reason: "OK"})
}

// Reject sends a final error response; status must be ≥ 400.
func (u *UAS) Reject(status int, reason string, customHeaders []calldescriptor.Header) error {
	if status < 400 {
		return fmt.Errorf("uas: Reject requires status >= 400, got %d", status)
	}

	u.mu.Lock()
	if u.sentFinal {
		u.mu.Unlock()
		return nil
	}
	u.sentFinal = true
	u.phase = phaseRejected
	u.mu.Unlock()

	resp := sip.NewResponseFromRequest(u.req, status, reason, nil)
	u.stampToTag(resp)
	for _, h := range calldescriptor.FilterCustomHeaders(customHeaders) {
		resp.AppendHeader(sip.NewHeader(h.Name, h.Value))
	}
	return u.sendFinal(resp, phaseRejected)
}

// Redirect sends a 3xx with Contact set from the redirect URI.
func (u *UAS) Redirect(status int, uri sip.Uri, customHeaders []calldescriptor.Header) error {
	if status < 300 || status >= 400 {
		return fmt.Errorf("uas: Redirect requires a 3xx status, got %d", status)
	}

	u.mu.Lock()
	if u.sentFinal {
		u.mu.Unlock()
		return nil
	}
	u.sentFinal = true
	u.phase = phaseRedirected
	u.mu.Unlock()

	resp := sip.NewResponseFromRequest(u.req, status, "Moved", nil)
	u.stampToTag(resp)
	resp.AppendHeader(&sip.ContactHeader{Address: uri})
	for _, h := range calldescriptor.FilterCustomHeaders(customHeaders) {
		resp.AppendHeader(sip.NewHeader(h.Name, h.Value))
	}
	return u.tx.Respond(resp)
}

func (u *UAS) sendFinal(resp *sip.Response, p phase) error {
	err := u.tx.Respond(resp)
	u.bus.Emit(events.Event{Type: events.TypeCallAnswered, CallID: u.callID(), Code: int(resp.StatusCode), Reason: resp.Reason})
	return err
}

// NoCDR marks this call as excluded from CDR emission.
func (u *UAS) NoCDR() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.noCDR = true
}

// SetOwner records owner metadata independent of authentication.
func (u *UAS) SetOwner(owner string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.owner = owner
}

// SetDialPlanContextID records the dialplan context correlating this call.
func (u *UAS) SetDialPlanContextID(id string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.dialPlanCtxID = id
}

// Hangup builds a BYE from the dialog template (Contact/target, route set,
// CSeq+1, fresh Via/branch) and sends it, retrying once with digest on
// 401/407; clientHungup only affects the emitted terminate reason, not the
// wire behavior.
func (u *UAS) Hangup(ctx context.Context, clientHungup bool) error {
	u.mu.Lock()
	d := u.dlg
	u.mu.Unlock()
	if d == nil {
		return fmt.Errorf("uas: no established dialog")
	}

	reason := dialog.TerminateLocalBye
	if clientHungup {
		reason = dialog.TerminateRemoteBye
	}

	if u.transport != nil {
		bye := u.buildBye(d)
		tx, err := u.transport.TransactionRequest(ctx, bye)
		if err != nil {
			return fmt.Errorf("uas: send BYE: %w", err)
		}
		select {
		case resp := <-tx.Responses():
			if resp != nil && (resp.StatusCode == 401 || resp.StatusCode == 407) && u.cred != nil && u.cred.HasSecret() {
				retry := cloneRequest(bye)
				if err := u.cred.Authenticate(retry, resp, auth.ClassNewTransaction); err == nil {
					if retryTx, err := u.transport.TransactionRequest(ctx, retry); err == nil {
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
	}

	d.TransitionTo(dialog.StateTerminated, reason)
	u.bus.Emit(events.Event{Type: events.TypeCallEnded, CallID: u.callID(), Reason: reason.String()})
	return nil
}

// buildBye renders a BYE from d's dialog template, mirroring uac.buildBye
// but from the UAS side. The tags need no swapping here: buildDialog already
// stored our own tag as the dialog's LocalTag and the caller's as RemoteTag.
func (u *UAS) buildBye(d *dialog.Dialog) *sip.Request {
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

// cloneRequest makes an independent structural copy for a digest retry,
// matching uac.cloneRequest.
func cloneRequest(req *sip.Request) *sip.Request {
	clone := sip.NewRequest(req.Method, req.Recipient)
	for _, h := range req.Headers() {
		clone.AppendHeader(sip.HeaderClone(h))
	}
	clone.SetBody(req.Body())
	return clone
}

func (u *UAS) stampToTag(resp *sip.Response) {
	u.stampTag(resp, u.localTag)
}

func (u *UAS) stampTag(resp *sip.Response, tag string) {
	if to := resp.To(); to != nil {
		to.Params.Add("tag", tag)
	}
}

// Dialog returns the confirmed dialog, or nil before Answer completes.
func (u *UAS) Dialog() *dialog.Dialog {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.dlg
}
