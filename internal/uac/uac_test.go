package uac

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/require"

	"github.com/sipwire/uacore/internal/auth"
	"github.com/sipwire/uacore/internal/calldescriptor"
	"github.com/sipwire/uacore/internal/events"
)

// fakeTx is a minimal sip.ClientTransaction stand-in: a response channel the
// test drives directly, everything else a no-op.
type fakeTx struct {
	responses chan *sip.Response
	done      chan struct{}
}

func newFakeTx() *fakeTx {
	return &fakeTx{responses: make(chan *sip.Response, 4), done: make(chan struct{})}
}

func (f *fakeTx) Terminate()                                    {}
func (f *fakeTx) OnTerminate(fn sip.FnTxTerminate) bool          { return true }
func (f *fakeTx) Done() <-chan struct{}                          { return f.done }
func (f *fakeTx) Err() error                                     { return nil }
func (f *fakeTx) Acks() <-chan *sip.Request                      { return nil }
func (f *fakeTx) OnCancel(fn sip.FnTxCancel) bool                { return true }
func (f *fakeTx) Responses() <-chan *sip.Response                { return f.responses }
func (f *fakeTx) OnRetransmission(fn sip.FnTxResponse) bool      { return true }

func (f *fakeTx) sendResponse(resp *sip.Response) {
	f.responses <- resp
}

func (f *fakeTx) close() {
	close(f.done)
}

// fakeTransport stubs Transport, recording every request handed to it and
// letting the test control which fakeTx is returned for which method.
type fakeTransport struct {
	mu       sync.Mutex
	sent     []*sip.Request
	written  []*sip.Request
	nextTx   map[sip.RequestMethod]*fakeTx
	txErr    error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{nextTx: make(map[sip.RequestMethod]*fakeTx)}
}

func (f *fakeTransport) txFor(method sip.RequestMethod) *fakeTx {
	tx := newFakeTx()
	f.mu.Lock()
	f.nextTx[method] = tx
	f.mu.Unlock()
	return tx
}

func (f *fakeTransport) TransactionRequest(ctx context.Context, req *sip.Request, opts ...sipgo.ClientRequestOption) (sip.ClientTransaction, error) {
	f.mu.Lock()
	f.sent = append(f.sent, req)
	tx, ok := f.nextTx[req.Method]
	err := f.txErr
	f.mu.Unlock()
	if !ok {
		tx = newFakeTx()
	}
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func (f *fakeTransport) WriteRequest(req *sip.Request, opts ...sipgo.ClientRequestOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, req)
	return nil
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func testIdentity() Identity {
	return Identity{User: "alice", Host: "ua.example.com", Port: 5060}
}

func testDesc() *calldescriptor.CallDescriptor {
	return calldescriptor.New(sip.Uri{Scheme: "sip", User: "bob", Host: "example.com"})
}

func waitForEvent(t *testing.T, bus *events.Bus, typ events.Type) events.Event {
	t.Helper()
	ch := make(chan events.Event, 1)
	bus.OnAny(func(e events.Event) {
		if e.Type == typ {
			select {
			case ch <- e:
			default:
			}
		}
	})
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event %v", typ)
		return events.Event{}
	}
}

func TestCallSendsInviteAndEmitsAnsweredOn200(t *testing.T) {
	transport := newFakeTransport()
	tx := transport.txFor(sip.INVITE)
	bus := events.NewBus()
	u := New(transport, testIdentity(), bus)

	desc := testDesc()
	err := u.Call(context.Background(), desc)
	require.NoError(t, err)
	require.Equal(t, 1, transport.sentCount())

	req := transport.sent[0]
	resp := sip.NewResponseFromRequest(req, 200, "OK", nil)
	contactParams := sip.NewParams()
	resp.AppendHeader(&sip.ContactHeader{Address: sip.Uri{Scheme: "sip", User: "bob", Host: "203.0.113.1", Port: 5060}, Params: contactParams})

	evCh := make(chan events.Event, 1)
	bus.On(events.TypeCallAnswered, func(e events.Event) { evCh <- e })
	tx.sendResponse(resp)

	select {
	case e := <-evCh:
		require.Equal(t, 200, e.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("never received CallAnswered")
	}

	require.Eventually(t, func() bool {
		return len(transport.written) == 1
	}, time.Second, 10*time.Millisecond, "ACK must be sent for the 2xx")
}

func TestCallEmitsCallAnsweredOnFinalFailure(t *testing.T) {
	transport := newFakeTransport()
	tx := transport.txFor(sip.INVITE)
	bus := events.NewBus()
	u := New(transport, testIdentity(), bus)

	require.NoError(t, u.Call(context.Background(), testDesc()))

	evCh := make(chan events.Event, 1)
	bus.On(events.TypeCallAnswered, func(e events.Event) { evCh <- e })

	req := transport.sent[0]
	resp := sip.NewResponseFromRequest(req, 486, "Busy Here", nil)
	tx.sendResponse(resp)

	select {
	case e := <-evCh:
		require.Equal(t, 486, e.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("never received final failure event")
	}
}

func TestOnlyFirstFinalResponseIsDelivered(t *testing.T) {
	transport := newFakeTransport()
	tx := transport.txFor(sip.INVITE)
	bus := events.NewBus()
	u := New(transport, testIdentity(), bus)

	require.NoError(t, u.Call(context.Background(), testDesc()))

	var count int
	var mu sync.Mutex
	done := make(chan struct{}, 2)
	bus.On(events.TypeCallAnswered, func(e events.Event) {
		mu.Lock()
		count++
		mu.Unlock()
		done <- struct{}{}
	})

	req := transport.sent[0]
	tx.sendResponse(sip.NewResponseFromRequest(req, 200, "OK", nil))
	tx.sendResponse(sip.NewResponseFromRequest(req, 486, "Busy Here", nil))

	<-done
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, count, "only the first final response may reach the event bus")
}

func TestChallengeTriggersExactlyOneRetry(t *testing.T) {
	transport := newFakeTransport()
	firstTx := transport.txFor(sip.INVITE)
	bus := events.NewBus()
	u := New(transport, testIdentity(), bus, WithCredentials(&auth.Credentials{Username: "alice", Password: "secret"}))

	require.NoError(t, u.Call(context.Background(), testDesc()))

	req := transport.sent[0]
	challenge := sip.NewResponseFromRequest(req, sip.StatusUnauthorized, "Unauthorized", nil)
	challenge.AppendHeader(sip.NewHeader("WWW-Authenticate", `Digest realm="example.com", nonce="n1", algorithm=MD5`))

	secondTx := transport.txFor(sip.INVITE)
	firstTx.sendResponse(challenge)

	require.Eventually(t, func() bool {
		return transport.sentCount() == 2
	}, time.Second, 10*time.Millisecond, "a retry INVITE with credentials must be sent")

	evCh := make(chan events.Event, 1)
	bus.On(events.TypeCallFailed, func(e events.Event) { evCh <- e })

	retryReq := transport.sent[1]
	require.NotNil(t, retryReq.GetHeader("Authorization"))

	secondChallenge := sip.NewResponseFromRequest(retryReq, sip.StatusUnauthorized, "Unauthorized", nil)
	secondChallenge.AppendHeader(sip.NewHeader("WWW-Authenticate", `Digest realm="example.com", nonce="n2", algorithm=MD5`))
	secondTx.sendResponse(secondChallenge)

	select {
	case <-evCh:
	case <-time.After(2 * time.Second):
		t.Fatal("a second challenge must be treated as a final authentication failure, not a second retry")
	}
	require.Equal(t, 2, transport.sentCount(), "at most one digest retry may be attempted")
}

func TestCancelBeforeTransactionSynthesizesCallFailed(t *testing.T) {
	transport := newFakeTransport()
	bus := events.NewBus()
	u := New(transport, testIdentity(), bus)

	evCh := make(chan events.Event, 1)
	bus.On(events.TypeCallFailed, func(e events.Event) { evCh <- e })

	err := u.Cancel(context.Background())
	require.NoError(t, err)

	select {
	case e := <-evCh:
		require.Equal(t, "Call cancelled by user.", e.Reason)
	case <-time.After(time.Second):
		t.Fatal("expected synthesized CallFailed")
	}
}

func TestCancelIsIdempotentAfterCompletion(t *testing.T) {
	transport := newFakeTransport()
	transport.txFor(sip.INVITE)
	bus := events.NewBus()
	u := New(transport, testIdentity(), bus)
	require.NoError(t, u.Call(context.Background(), testDesc()))

	cancelTx := transport.txFor(sip.CANCEL)
	require.NoError(t, u.Cancel(context.Background()))
	require.Eventually(t, func() bool { return transport.sentCount() == 2 }, time.Second, 10*time.Millisecond)

	cancelTx.close() // CANCEL transaction completes

	require.Eventually(t, func() bool {
		return u.cancelCompletedSnapshot()
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, u.Cancel(context.Background()), "a second Cancel once completed must be a no-op, not an error")
	require.Equal(t, 2, transport.sentCount(), "no second CANCEL may be sent once the first has completed")
}

// cancelCompletedSnapshot exposes the internal flag for the no-op test above.
func (u *UAC) cancelCompletedSnapshot() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.cancelCompleted
}

func TestLateSuccessAfterCancelSendsExactlyOneBye(t *testing.T) {
	transport := newFakeTransport()
	inviteTx := transport.txFor(sip.INVITE)
	bus := events.NewBus()
	u := New(transport, testIdentity(), bus)
	require.NoError(t, u.Call(context.Background(), testDesc()))

	transport.txFor(sip.CANCEL)
	require.NoError(t, u.Cancel(context.Background()))
	require.Eventually(t, func() bool { return transport.sentCount() == 2 }, time.Second, 10*time.Millisecond)

	byeTx := transport.txFor(sip.BYE)

	req := transport.sent[0]
	resp := sip.NewResponseFromRequest(req, 200, "OK", nil)
	resp.AppendHeader(&sip.ContactHeader{Address: sip.Uri{Scheme: "sip", User: "bob", Host: "203.0.113.1"}, Params: sip.NewParams()})
	inviteTx.sendResponse(resp)

	require.Eventually(t, func() bool {
		return transport.sentCount() == 3
	}, time.Second, 10*time.Millisecond, "exactly one BYE must follow the late 2xx")
	require.Equal(t, sip.BYE, transport.sent[2].Method)

	// A repeat delivery (retransmission) of the 2xx must not trigger a second BYE.
	inviteTx.sendResponse(sip.NewResponseFromRequest(req, 200, "OK", nil))
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 3, transport.sentCount())
	_ = byeTx
}
