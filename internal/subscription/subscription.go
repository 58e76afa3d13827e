// Package subscription implements an RFC 3265 subscription client: the
// SUBSCRIBE/NOTIFY refresh loop, expiry negotiation, and digest retry, plus
// a process-wide Registry that dispatches inbound NOTIFY requests to the
// subscription they belong to.
package subscription

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sipwire/uacore/internal/auth"
	"github.com/sipwire/uacore/internal/calldescriptor"
	"github.com/sipwire/uacore/internal/events"
)

// MaxSubscribeAttempts bounds digest retries within one refresh cycle.
const MaxSubscribeAttempts = 4

// DefaultExpiry is the subscription expiry requested absent an override.
const DefaultExpiry = 300 * time.Second

// refreshSkew is how far ahead of the negotiated expiry the client
// schedules its next SUBSCRIBE.
const refreshSkew = 10 * time.Second

// Transport is the subset of sipgo.Client a subscription needs to send
// SUBSCRIBE requests.
type Transport interface {
	TransactionRequest(ctx context.Context, req *sip.Request, opts ...sipgo.ClientRequestOption) (sip.ClientTransaction, error)
}

// Dispatcher is the subset of sipgo.Server used to install the
// process-wide NOTIFY handler.
type Dispatcher interface {
	OnRequest(method sip.RequestMethod, handler sipgo.RequestHandler)
}

// Params configures one subscription.
type Params struct {
	ResourceURI  sip.Uri
	EventPackage string // e.g. "message-summary" for MWI
	Contact      sip.Uri
	ContentType  string
	Body         []byte
	Expiry       time.Duration // defaults to DefaultExpiry when zero
	Credentials  *auth.Credentials
}

// phase is the subscription lifecycle's iota-enum state.
type phase int

const (
	phaseIdle phase = iota
	phaseSubscribing
	phaseSubscribed
	phaseTerminating
	phaseEnded
)

// Client drives one subscription's lifecycle loop: send, refresh on a
// timer, interval/auth renegotiation, and NOTIFY delivery routed through a
// shared Registry.
type Client struct {
	transport Transport
	identity  sip.Uri
	bus       *events.Bus
	log       zerolog.Logger
	registry  *Registry

	mu           sync.Mutex
	phase        phase
	params       Params
	callID       string
	fromTag      string
	toTag        string
	localCSeq    uint32
	remoteCSeq   uint32
	attempts     int
	subscribed   bool
	exit         bool
	lastChallenge *sip.Response

	resubscribe chan struct{}
	done        chan struct{}
}

// Option configures a Client.
type Option func(*Client)

func WithLogger(l zerolog.Logger) Option { return func(c *Client) { c.log = l } }

// New creates a subscription client bound to transport/identity and
// registered with registry for NOTIFY dispatch.
func New(transport Transport, identity sip.Uri, registry *Registry, bus *events.Bus, opts ...Option) *Client {
	c := &Client{
		transport:   transport,
		identity:    identity,
		registry:    registry,
		bus:         bus,
		log:         zerolog.Nop(),
		resubscribe: make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Start resets attempts/subscribed state, sends the initial SUBSCRIBE, and
// runs the refresh loop in the background until Stop() or a permanent
// failure.
func (c *Client) Start(ctx context.Context, params Params) error {
	if params.Expiry <= 0 {
		params.Expiry = DefaultExpiry
	}

	c.mu.Lock()
	c.params = params
	c.callID = uuid.New().String()
	c.fromTag = generateTag()
	c.attempts = 0
	c.subscribed = false
	c.exit = false
	c.localCSeq = 0
	c.phase = phaseSubscribing
	c.mu.Unlock()

	c.registry.register(c.callID, c)

	go c.loop(ctx)
	return nil
}

// Resubscribe wakes the refresh loop early, used when the application
// wants to renew ahead of schedule.
func (c *Client) Resubscribe() {
	select {
	case c.resubscribe <- struct{}{}:
	default:
	}
}

// Stop is idempotent: it marks exit, sends a terminating SUBSCRIBE
// (Expires: 0), and detaches the NOTIFY handler.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.exit {
		c.mu.Unlock()
		return nil
	}
	c.exit = true
	subscribed := c.subscribed
	c.phase = phaseTerminating
	c.mu.Unlock()

	if subscribed {
		req := c.buildSubscribe(0)
		if tx, err := c.transport.TransactionRequest(ctx, req); err == nil {
			select {
			case <-tx.Responses():
			case <-tx.Done():
			case <-ctx.Done():
			}
		}
	}

	c.registry.unregister(c.callID)
	c.mu.Lock()
	c.phase = phaseEnded
	c.mu.Unlock()
	close(c.done)
	return nil
}

func (c *Client) loop(ctx context.Context) {
	for {
		resp, err := c.sendAndWait(ctx)
		if err != nil {
			c.emitFailed(0, err.Error())
			return
		}
		if resp == nil {
			// Stop() raced the loop; nothing more to do.
			return
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			c.onSuccess(resp)

		case int(resp.StatusCode) == 423:
			c.onIntervalTooBrief(resp)
			continue // retry immediately with the new interval

		case int(resp.StatusCode) == 403 || int(resp.StatusCode) == 489:
			c.emitFailed(int(resp.StatusCode), resp.Reason)
			return

		case int(resp.StatusCode) == 481:
			c.emitFailed(481, "Call-Leg/Transaction Does Not Exist")
			return

		case resp.StatusCode == sip.StatusUnauthorized || resp.StatusCode == sip.StatusProxyAuthRequired:
			if !c.onChallenge(resp) {
				return
			}
			continue

		default:
			c.emitFailed(int(resp.StatusCode), resp.Reason)
			return
		}

		if c.waitForNextCycle(ctx) {
			return
		}
	}
}

// sendAndWait builds and sends the SUBSCRIBE for the current attempt and
// waits for its final response, or nil if Stop()/ctx ended the wait first.
func (c *Client) sendAndWait(ctx context.Context) (*sip.Response, error) {
	c.mu.Lock()
	if c.exit {
		c.mu.Unlock()
		return nil, nil
	}
	expiry := c.params.Expiry
	c.mu.Unlock()

	req := c.buildSubscribe(int(expiry.Seconds()))
	tx, err := c.transport.TransactionRequest(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("subscription: send SUBSCRIBE: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.done:
			return nil, nil
		case resp, ok := <-tx.Responses():
			if !ok {
				return nil, fmt.Errorf("subscription: transaction closed without a response")
			}
			if resp == nil || resp.StatusCode < 200 {
				continue
			}
			return resp, nil
		case <-tx.Done():
			return nil, fmt.Errorf("subscription: transaction ended without a final response")
		}
	}
}

func (c *Client) onSuccess(resp *sip.Response) {
	c.mu.Lock()
	if to := resp.To(); to != nil {
		if tag, ok := to.Params.Get("tag"); ok {
			c.toTag = tag
		}
	}
	c.subscribed = true
	c.attempts = 0
	c.phase = phaseSubscribed
	c.mu.Unlock()

	c.bus.Emit(events.Event{Type: events.TypeSubscribed, CallID: c.callID, Code: int(resp.StatusCode)})
}

// onIntervalTooBrief adopts Min-Expires (or doubles the current request)
// and retries immediately.
func (c *Client) onIntervalTooBrief(resp *sip.Response) {
	c.mu.Lock()
	next := c.params.Expiry * 2
	if h := resp.GetHeader("Min-Expires"); h != nil {
		if secs, err := strconv.Atoi(strings.TrimSpace(h.Value())); err == nil && secs > 0 {
			next = time.Duration(secs) * time.Second
		}
	}
	c.params.Expiry = next
	c.mu.Unlock()
}

// onChallenge handles a 401/407 on a SUBSCRIBE. Returns false when the
// loop must stop (no credentials, or attempts exhausted).
func (c *Client) onChallenge(resp *sip.Response) bool {
	c.mu.Lock()
	cred := c.params.Credentials
	if cred == nil || !cred.HasSecret() {
		c.mu.Unlock()
		c.emitFailed(int(resp.StatusCode), "Authentication requested when no credentials available")
		return false
	}
	if c.attempts >= MaxSubscribeAttempts {
		c.mu.Unlock()
		c.emitFailed(int(resp.StatusCode), "Authentication with provided credentials failed")
		return false
	}
	c.attempts++
	c.lastChallenge = resp
	c.fromTag = generateTag() // §4.8 step 6: from-tag regenerated
	c.mu.Unlock()
	return true
}

// waitForNextCycle sleeps until expiry-refreshSkew, Resubscribe() fires
// early, or Stop()/ctx ends things. Returns true if the loop must end.
func (c *Client) waitForNextCycle(ctx context.Context) bool {
	c.mu.Lock()
	expiry := c.params.Expiry
	c.mu.Unlock()

	wait := expiry - refreshSkew
	if wait < 0 {
		wait = 0
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return true
	case <-c.done:
		return true
	case <-timer.C:
		return false
	case <-c.resubscribe:
		return false
	}
}

// buildSubscribe renders the current cycle's SUBSCRIBE request. A digest
// challenge recorded by onChallenge is applied before the request is
// returned, using the same new-branch/CSeq+1 retry class INVITE/BYE
// auth-retries use.
func (c *Client) buildSubscribe(expirySeconds int) *sip.Request {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.localCSeq++

	req := sip.NewRequest(sip.SUBSCRIBE, c.params.ResourceURI)
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	fromParams := sip.NewParams()
	fromParams.Add("tag", c.fromTag)
	req.AppendHeader(&sip.FromHeader{Address: c.identity, Params: fromParams})

	toParams := sip.NewParams()
	if c.toTag != "" {
		toParams.Add("tag", c.toTag)
	}
	req.AppendHeader(&sip.ToHeader{Address: c.params.ResourceURI, Params: toParams})

	callID := sip.CallIDHeader(c.callID)
	req.AppendHeader(&callID)

	req.AppendHeader(&sip.CSeqHeader{SeqNo: c.localCSeq, MethodName: sip.SUBSCRIBE})
	req.AppendHeader(sip.NewHeader("Event", c.params.EventPackage))
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expirySeconds)))

	contact := c.params.Contact
	if contact.Host == "" {
		contact = c.identity
	}
	req.AppendHeader(&sip.ContactHeader{Address: contact})

	if len(c.params.Body) > 0 {
		ct := c.params.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		req.AppendHeader(sip.NewHeader("Content-Type", ct))
		req.SetBody(c.params.Body)
	}

	if c.lastChallenge != nil && c.params.Credentials != nil {
		_ = c.params.Credentials.Authenticate(req, c.lastChallenge, auth.ClassNewTransaction)
		req.RemoveHeader("CSeq")
		req.AppendHeader(&sip.CSeqHeader{SeqNo: c.localCSeq, MethodName: sip.SUBSCRIBE})
	}

	return req
}

// onNotify replies 200 OK unconditionally, then dedups on non-increasing
// remote CSeq before emitting NotificationReceived. Called by Registry
// once it has matched Call-ID and Event package.
func (c *Client) onNotify(req *sip.Request, tx sip.ServerTransaction) {
	resp := sip.NewResponseFromRequest(req, 200, "OK", nil)
	_ = tx.Respond(resp)

	cseqHdr := req.CSeq()
	if cseqHdr == nil {
		return
	}

	c.mu.Lock()
	dup := cseqHdr.SeqNo <= c.remoteCSeq && c.remoteCSeq != 0
	if !dup {
		c.remoteCSeq = cseqHdr.SeqNo
	}
	c.mu.Unlock()

	if dup {
		c.log.Warn().Uint32("cseq", cseqHdr.SeqNo).Msg("subscription: dropping duplicate/out-of-order NOTIFY")
		return
	}

	c.bus.Emit(events.Event{
		Type:   events.TypeNotifyReceived,
		CallID: c.callID,
		Fields: map[string]any{"package": c.params.EventPackage, "body": req.Body()},
	})
}

func (c *Client) emitFailed(code int, reason string) {
	c.bus.Emit(events.Event{Type: events.TypeSubscribeEnded, CallID: c.callID, Code: code, Reason: reason})
}

// Registry is the process-wide NOTIFY dispatcher: one handler installed
// on the transaction layer, routing each inbound NOTIFY to the
// subscription whose Call-ID and Event package match.
type Registry struct {
	mu   sync.RWMutex
	subs map[string]*Client
}

// NewRegistry installs the NOTIFY handler on dispatcher and returns the
// Registry new Clients should register with.
func NewRegistry(dispatcher Dispatcher) *Registry {
	r := &Registry{subs: make(map[string]*Client)}
	dispatcher.OnRequest(sip.NOTIFY, r.handle)
	return r
}

func (r *Registry) register(callID string, c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[callID] = c
}

func (r *Registry) unregister(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, callID)
}

// StopAll stops every registered subscription concurrently, for application
// shutdown paths that don't want to tear subscriptions down one at a time.
func (r *Registry) StopAll(ctx context.Context) error {
	r.mu.RLock()
	clients := make([]*Client, 0, len(r.subs))
	for _, c := range r.subs {
		clients = append(clients, c)
	}
	r.mu.RUnlock()

	g, gCtx := errgroup.WithContext(ctx)
	for _, c := range clients {
		g.Go(func() error { return c.Stop(gCtx) })
	}
	return g.Wait()
}

// handle accepts an inbound NOTIFY only when Call-ID and Event match a
// known subscription and the request carries a body; anything else is
// rejected so a stray NOTIFY cannot be mistaken for one of ours.
func (r *Registry) handle(req *sip.Request, tx sip.ServerTransaction) {
	callIDHdr := req.CallID()
	eventHdr := req.GetHeader("Event")
	if callIDHdr == nil || eventHdr == nil || len(req.Body()) == 0 {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 400, "Bad Request", nil))
		return
	}

	r.mu.RLock()
	c, ok := r.subs[callIDHdr.Value()]
	r.mu.RUnlock()

	if !ok || !strings.EqualFold(firstToken(eventHdr.Value()), c.eventPackage()) {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return
	}

	c.onNotify(req, tx)
}

func (c *Client) eventPackage() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.params.EventPackage
}

func firstToken(s string) string {
	if i := strings.IndexAny(s, ";, "); i >= 0 {
		return s[:i]
	}
	return s
}

func generateTag() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:10]
}

// FilterHeaders re-exports calldescriptor's denylist for callers building
// SUBSCRIBE custom headers the same way INVITE/BYE custom headers are
// filtered.
func FilterHeaders(hdrs []calldescriptor.Header) []calldescriptor.Header {
	return calldescriptor.FilterCustomHeaders(hdrs)
}
