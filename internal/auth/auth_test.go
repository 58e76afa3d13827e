package auth

import (
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/require"
)

func newChallenge(code sip.StatusCode, hdr, nonce string) *sip.Response {
	req := sip.NewRequest(sip.INVITE, sip.Uri{Scheme: "sip", Host: "example.com"})
	resp := sip.NewResponseFromRequest(req, code, "Unauthorized", nil)
	resp.AppendHeader(sip.NewHeader(hdr, `Digest realm="example.com", nonce="`+nonce+`", algorithm=MD5`))
	return resp
}

func newReq() *sip.Request {
	req := sip.NewRequest(sip.INVITE, sip.Uri{Scheme: "sip", User: "bob", Host: "example.com"})
	cseq := sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE}
	req.AppendHeader(&cseq)
	req.AppendHeader(sip.NewHeader("Via", "SIP/2.0/UDP host;branch=z9hG4bK-orig"))
	return req
}

func TestAuthenticateWithoutSecretFails(t *testing.T) {
	c := &Credentials{Username: "bob"}
	req := newReq()
	challenge := newChallenge(sip.StatusUnauthorized, "WWW-Authenticate", "n1")

	err := c.Authenticate(req, challenge, ClassNewTransaction)
	require.Error(t, err)
}

func TestAuthenticateAttachesAuthorizationAndBumpsCSeq(t *testing.T) {
	c := &Credentials{Username: "bob", Password: "secret"}
	req := newReq()
	challenge := newChallenge(sip.StatusUnauthorized, "WWW-Authenticate", "n1")

	err := c.Authenticate(req, challenge, ClassNewTransaction)
	require.NoError(t, err)

	require.NotNil(t, req.GetHeader("Authorization"))
	require.Equal(t, uint32(2), req.CSeq().SeqNo)
}

func TestAuthenticateUsesProxyAuthorizationFor407(t *testing.T) {
	c := &Credentials{Username: "bob", Password: "secret"}
	req := newReq()
	challenge := newChallenge(sip.StatusProxyAuthRequired, "Proxy-Authenticate", "n1")

	err := c.Authenticate(req, challenge, ClassNewTransaction)
	require.NoError(t, err)

	require.NotNil(t, req.GetHeader("Proxy-Authorization"))
	require.Nil(t, req.GetHeader("Authorization"))
}

func TestAuthenticateCancelClassLeavesCSeqUnchanged(t *testing.T) {
	c := &Credentials{Username: "bob", Password: "secret"}
	req := newReq()
	challenge := newChallenge(sip.StatusUnauthorized, "WWW-Authenticate", "n1")

	err := c.Authenticate(req, challenge, ClassCancel)
	require.NoError(t, err)

	require.Equal(t, uint32(1), req.CSeq().SeqNo)
}

func TestAuthenticateIncrementsNonceCountOnSameNonce(t *testing.T) {
	c := &Credentials{Username: "bob", Password: "secret"}

	req1 := newReq()
	require.NoError(t, c.Authenticate(req1, newChallenge(sip.StatusUnauthorized, "WWW-Authenticate", "same-nonce"), ClassNewTransaction))
	require.Equal(t, 1, c.nc)

	req2 := newReq()
	require.NoError(t, c.Authenticate(req2, newChallenge(sip.StatusUnauthorized, "WWW-Authenticate", "same-nonce"), ClassNewTransaction))
	require.Equal(t, 2, c.nc)
}

func TestAuthenticateResetsNonceCountOnNewNonce(t *testing.T) {
	c := &Credentials{Username: "bob", Password: "secret"}

	req1 := newReq()
	require.NoError(t, c.Authenticate(req1, newChallenge(sip.StatusUnauthorized, "WWW-Authenticate", "n1"), ClassNewTransaction))
	require.Equal(t, 1, c.nc)

	req2 := newReq()
	require.NoError(t, c.Authenticate(req2, newChallenge(sip.StatusUnauthorized, "WWW-Authenticate", "n2"), ClassNewTransaction))
	require.Equal(t, 1, c.nc, "a fresh nonce must restart the count at 1")
}

func TestHasSecret(t *testing.T) {
	require.False(t, (&Credentials{Username: "bob"}).HasSecret())
	require.True(t, (&Credentials{Username: "bob", Password: "x"}).HasSecret())
}

func TestReset(t *testing.T) {
	c := &Credentials{Username: "bob", Password: "secret"}
	req := newReq()
	require.NoError(t, c.Authenticate(req, newChallenge(sip.StatusUnauthorized, "WWW-Authenticate", "n1"), ClassNewTransaction))
	require.NotZero(t, c.nc)

	c.Reset()
	require.Zero(t, c.nc)
	require.Empty(t, c.lastNonce)
}

func TestAuthenticateMissingChallengeHeaderFails(t *testing.T) {
	c := &Credentials{Username: "bob", Password: "secret"}
	req := newReq()
	resp := sip.NewResponseFromRequest(req, sip.StatusUnauthorized, "Unauthorized", nil)

	err := c.Authenticate(req, resp, ClassNewTransaction)
	require.Error(t, err)
}
