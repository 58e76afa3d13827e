// Package auth computes and attaches RFC 2617 digest credentials to SIP
// requests that have drawn a 401/407 challenge, as a stateful type that
// tracks nonce-count across retries. Both retry classes bump the
// nonce-count; they differ in that INVITE/BYE/SUBSCRIBE retries also get a
// new branch and CSeq+1, while a CANCEL retry keeps its CSeq.
package auth

import (
	"fmt"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
)

// Credentials holds everything needed to answer repeated challenges on the
// same dialog/subscription without re-deriving the username each time.
type Credentials struct {
	Username     string
	AuthUsername string // overrides Username in the digest "username" field when set
	Password     string

	lastNonce string
	nc        int
}

// HasSecret reports whether a password has been configured; components use
// this to distinguish "no credentials available" from "credentials
// rejected".
func (c *Credentials) HasSecret() bool {
	return c != nil && c.Password != ""
}

func (c *Credentials) username() string {
	if c.AuthUsername != "" {
		return c.AuthUsername
	}
	return c.Username
}

// Class distinguishes how the retried request must be built.
type Class int

const (
	// ClassNewTransaction covers INVITE/BYE/SUBSCRIBE auth-retries: a new
	// top Via branch and CSeq+1, i.e. a brand new transaction.
	ClassNewTransaction Class = iota
	// ClassCancel covers the CANCEL auth-retry: same CSeq, nonce-count
	// bumped, per RFC 3261's CANCEL-must-match-the-INVITE-CSeq rule.
	ClassCancel
)

// challengeHeaderFor returns the header name the challenge must have been
// answered under for the corresponding request.
func challengeHeaderFor(statusCode sip.StatusCode) (challengeHdr, credHdr string) {
	if statusCode == sip.StatusProxyAuthRequired {
		return "Proxy-Authenticate", "Proxy-Authorization"
	}
	return "WWW-Authenticate", "Authorization"
}

// Authenticate mutates req in place: new top-Via branch (ClassNewTransaction)
// or unchanged branch (ClassCancel), bumped CSeq (ClassNewTransaction only),
// and an Authorization/Proxy-Authorization header carrying the computed
// digest response.
func (c *Credentials) Authenticate(req *sip.Request, challenge *sip.Response, class Class) error {
	if !c.HasSecret() {
		return fmt.Errorf("auth: no credentials available")
	}

	challengeHdr, credHdr := challengeHeaderFor(challenge.StatusCode)
	h := challenge.GetHeader(challengeHdr)
	if h == nil {
		return fmt.Errorf("auth: response has no %s", challengeHdr)
	}

	chal, err := digest.ParseChallenge(h.Value())
	if err != nil {
		return fmt.Errorf("auth: parse challenge: %w", err)
	}

	if chal.Nonce != c.lastNonce {
		c.nc = 0
	}
	c.lastNonce = chal.Nonce
	c.nc++

	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.Addr(),
		Username: c.username(),
		Password: c.Password,
		Count:    c.nc,
	})
	if err != nil {
		return fmt.Errorf("auth: build digest: %w", err)
	}

	req.RemoveHeader(credHdr)
	req.AppendHeader(sip.NewHeader(credHdr, cred.String()))

	switch class {
	case ClassNewTransaction:
		req.RemoveHeader("Via")
		cseq := req.CSeq()
		if cseq != nil {
			cseq.SeqNo++
		}
	case ClassCancel:
		// CSeq and branch stay tied to the original INVITE/CANCEL pair.
	}

	return nil
}

// Reset clears nonce tracking, used when a dialog/subscription is reused
// for a fresh request sequence (e.g. a new SUBSCRIBE after Stop()).
func (c *Credentials) Reset() {
	c.lastNonce = ""
	c.nc = 0
}
