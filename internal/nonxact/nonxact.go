// Package nonxact implements a non-INVITE client/server: MESSAGE/OPTIONS/
// NOTIFY/SUBSCRIBE/REFER exchanges that never establish a dialog on their
// own. The client side uses the same sipgo.Client.TransactionRequest path
// the INVITE originator uses, adapted to single-shot non-INVITE traffic.
package nonxact

import (
	"context"
	"fmt"
	"strings"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/sipwire/uacore/internal/auth"
	"github.com/sipwire/uacore/internal/calldescriptor"
)

// Transport is the subset of sipgo.Client a non-INVITE client needs.
type Transport interface {
	TransactionRequest(ctx context.Context, req *sip.Request, opts ...sipgo.ClientRequestOption) (sip.ClientTransaction, error)
}

// Client sends a single non-INVITE request, retrying once with digest
// credentials on a 401/407 challenge.
type Client struct {
	transport Transport
	cred      *auth.Credentials
}

// NewClient creates a Client, optionally supplying credentials for a
// single digest retry.
func NewClient(transport Transport, cred *auth.Credentials) *Client {
	return &Client{transport: transport, cred: cred}
}

// Do sends req and returns the final response, performing one digest retry
// when challenged and credentials are available. The retry preserves
// request identity except for branch/CSeq/from-tag.
func (c *Client) Do(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	tx, err := c.transport.TransactionRequest(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("nonxact: transaction: %w", err)
	}

	resp, err := waitFinal(ctx, tx)
	if err != nil {
		return nil, err
	}

	if (resp.StatusCode == sip.StatusUnauthorized || resp.StatusCode == sip.StatusProxyAuthRequired) && c.cred.HasSecret() {
		retry := retryRequest(req)
		if err := c.cred.Authenticate(retry, resp, auth.ClassNewTransaction); err != nil {
			return resp, nil // cannot authenticate; surface the challenge as final
		}
		retryTx, err := c.transport.TransactionRequest(ctx, retry)
		if err != nil {
			return resp, nil
		}
		return waitFinal(ctx, retryTx)
	}

	return resp, nil
}

func waitFinal(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case resp, ok := <-tx.Responses():
			if !ok {
				return nil, fmt.Errorf("nonxact: transaction closed without a response")
			}
			if resp == nil {
				continue
			}
			if resp.StatusCode >= 200 {
				return resp, nil
			}
		case <-tx.Done():
			return nil, fmt.Errorf("nonxact: transaction ended without a final response")
		}
	}
}

// retryRequest derives a digest-retry request from req: same method,
// recipient, and body, with a fresh top Via (achieved by building a new
// request rather than copying the old branch) and a regenerated from-tag
// when the original carried one.
func retryRequest(req *sip.Request) *sip.Request {
	retry := sip.NewRequest(req.Method, req.Recipient)
	for _, h := range req.Headers() {
		if h.Name() == "Via" {
			continue
		}
		retry.AppendHeader(sip.HeaderClone(h))
	}
	retry.SetBody(req.Body())

	if from := retry.From(); from != nil {
		if _, ok := from.Params.Get("tag"); ok {
			from.Params.Add("tag", generateTag())
		}
	}
	return retry
}

func generateTag() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:10]
}

// Server handles a single non-INVITE transaction with exactly one Answer
// or Reject. It performs no account resolution or authentication.
type Server struct {
	req *sip.Request
	tx  sip.ServerTransaction

	answered bool
}

// NewServer wraps an incoming non-INVITE transaction.
func NewServer(req *sip.Request, tx sip.ServerTransaction) *Server {
	return &Server{req: req, tx: tx}
}

// Answer sends a single final response with a body.
func (s *Server) Answer(status int, reason string, customHeaders []calldescriptor.Header, contentType string, body []byte) error {
	if s.answered {
		return fmt.Errorf("nonxact: already answered")
	}
	s.answered = true

	resp := sip.NewResponseFromRequest(s.req, status, reason, body)
	if contentType != "" {
		resp.AppendHeader(sip.NewHeader("Content-Type", contentType))
	}
	for _, h := range calldescriptor.FilterCustomHeaders(customHeaders) {
		resp.AppendHeader(sip.NewHeader(h.Name, h.Value))
	}
	return s.tx.Respond(resp)
}

// Reject sends a single final error response.
func (s *Server) Reject(status int, reason string, customHeaders []calldescriptor.Header) error {
	return s.Answer(status, reason, customHeaders, "", nil)
}
