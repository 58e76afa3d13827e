package nonxact

import (
	"context"
	"testing"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/require"

	"github.com/sipwire/uacore/internal/auth"
)

type fakeTx struct {
	responses chan *sip.Response
	done      chan struct{}
}

func newFakeTx() *fakeTx {
	return &fakeTx{responses: make(chan *sip.Response, 4), done: make(chan struct{})}
}

func (f *fakeTx) Terminate()                               {}
func (f *fakeTx) OnTerminate(fn sip.FnTxTerminate) bool     { return true }
func (f *fakeTx) Done() <-chan struct{}                     { return f.done }
func (f *fakeTx) Err() error                                { return nil }
func (f *fakeTx) Acks() <-chan *sip.Request                 { return nil }
func (f *fakeTx) OnCancel(fn sip.FnTxCancel) bool           { return true }
func (f *fakeTx) Responses() <-chan *sip.Response           { return f.responses }
func (f *fakeTx) OnRetransmission(fn sip.FnTxResponse) bool { return true }

type fakeTransport struct {
	txs  []*fakeTx
	reqs []*sip.Request
}

func (f *fakeTransport) TransactionRequest(ctx context.Context, req *sip.Request, opts ...sipgo.ClientRequestOption) (sip.ClientTransaction, error) {
	f.reqs = append(f.reqs, req)
	tx := newFakeTx()
	f.txs = append(f.txs, tx)
	return tx, nil
}

func testReq() *sip.Request {
	req := sip.NewRequest(sip.MESSAGE, sip.Uri{Scheme: "sip", User: "bob", Host: "example.com"})
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.MESSAGE})
	return req
}

func TestDoReturnsFinalResponse(t *testing.T) {
	transport := &fakeTransport{}
	c := NewClient(transport, nil)

	req := testReq()
	done := make(chan *sip.Response, 1)
	go func() {
		resp, err := c.Do(context.Background(), req)
		require.NoError(t, err)
		done <- resp
	}()

	require.Eventually(t, func() bool { return len(transport.txs) == 1 }, time.Second, 10*time.Millisecond)
	transport.txs[0].responses <- sip.NewResponseFromRequest(req, 200, "OK", nil)

	resp := <-done
	require.Equal(t, sip.StatusCode(200), resp.StatusCode)
}

func TestDoRetriesOnceOnChallenge(t *testing.T) {
	transport := &fakeTransport{}
	cred := &auth.Credentials{Username: "bob", Password: "secret"}
	c := NewClient(transport, cred)

	req := testReq()
	done := make(chan *sip.Response, 1)
	errCh := make(chan error, 1)
	go func() {
		resp, err := c.Do(context.Background(), req)
		errCh <- err
		done <- resp
	}()

	require.Eventually(t, func() bool { return len(transport.txs) == 1 }, time.Second, 10*time.Millisecond)
	challenge := sip.NewResponseFromRequest(req, sip.StatusUnauthorized, "Unauthorized", nil)
	challenge.AppendHeader(sip.NewHeader("WWW-Authenticate", `Digest realm="example.com", nonce="n1", algorithm=MD5`))
	transport.txs[0].responses <- challenge

	require.Eventually(t, func() bool { return len(transport.txs) == 2 }, time.Second, 10*time.Millisecond)
	transport.txs[1].responses <- sip.NewResponseFromRequest(req, 200, "OK", nil)

	require.NoError(t, <-errCh)
	resp := <-done
	require.Equal(t, sip.StatusCode(200), resp.StatusCode)
	require.Equal(t, 2, len(transport.reqs), "exactly one retry must be sent")
}

func TestDoWithoutCredentialsSurfacesChallengeAsFinal(t *testing.T) {
	transport := &fakeTransport{}
	c := NewClient(transport, nil)

	req := testReq()
	done := make(chan *sip.Response, 1)
	go func() {
		resp, _ := c.Do(context.Background(), req)
		done <- resp
	}()

	require.Eventually(t, func() bool { return len(transport.txs) == 1 }, time.Second, 10*time.Millisecond)
	challenge := sip.NewResponseFromRequest(req, sip.StatusUnauthorized, "Unauthorized", nil)
	challenge.AppendHeader(sip.NewHeader("WWW-Authenticate", `Digest realm="example.com", nonce="n1", algorithm=MD5`))
	transport.txs[0].responses <- challenge

	resp := <-done
	require.Equal(t, sip.StatusCode(401), resp.StatusCode)
	require.Len(t, transport.txs, 1, "with no credentials the challenge must not trigger a retry")
}

func TestServerAnswerIsSingleShot(t *testing.T) {
	req := testReq()
	tx := newFakeServerAnswerTx()
	s := NewServer(req, tx)

	require.NoError(t, s.Answer(200, "OK", nil, "", nil))
	err := s.Answer(200, "OK", nil, "", nil)
	require.Error(t, err, "a second Answer on the same transaction must fail")
	require.Len(t, tx.responses, 1)
}

type fakeServerAnswerTx struct {
	responses []*sip.Response
}

func newFakeServerAnswerTx() *fakeServerAnswerTx { return &fakeServerAnswerTx{} }

func (f *fakeServerAnswerTx) Terminate()                            {}
func (f *fakeServerAnswerTx) OnTerminate(fn sip.FnTxTerminate) bool  { return true }
func (f *fakeServerAnswerTx) Done() <-chan struct{}                  { return nil }
func (f *fakeServerAnswerTx) Err() error                             { return nil }
func (f *fakeServerAnswerTx) Acks() <-chan *sip.Request              { return nil }
func (f *fakeServerAnswerTx) OnCancel(fn sip.FnTxCancel) bool        { return true }
func (f *fakeServerAnswerTx) Respond(resp *sip.Response) error {
	f.responses = append(f.responses, resp)
	return nil
}
