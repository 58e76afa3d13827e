// Package media defines the media collaborator contract RTP/SDP
// offer-answer is delegated to, and provides a local stub implementation
// that builds a canned SDP body. SDP construction uses pion/sdp/v3 SessionDescription
// assembly; the RTP transport itself is out of scope and not reproduced
// here.
package media

import (
	"context"
	"fmt"

	psdp "github.com/pion/sdp/v3"
)

// Session is the per-call media collaborator contract: GetLocalSDPOffer
// supplies a local offer and SetRemoteDescription accepts the far end's
// description. The uac and uas packages do not call it: uac sends the
// CallDescriptor's body as the INVITE offer, and uas reports an ACK's
// answer body on the event bus (TypeDialogUpdated, field "ack_sdp").
type Session interface {
	GetLocalSDPOffer(ctx context.Context) ([]byte, error)
	SetRemoteDescription(ctx context.Context, sdp []byte) error
	OnClose()
}

// LocalSession is a local-only stand-in: it builds a single-codec PCMU
// offer/answer pair addressed at a fixed host:port, enough to drive the
// UAC/UAS state machines' media-related transitions without a real RTP
// stack.
type LocalSession struct {
	advertiseAddr string
	port          int
	sessionID     uint64
}

// NewLocalSession creates a stub media session advertising addr:port as
// its RTP endpoint.
func NewLocalSession(addr string, port int, sessionID uint64) *LocalSession {
	return &LocalSession{advertiseAddr: addr, port: port, sessionID: sessionID}
}

func (s *LocalSession) GetLocalSDPOffer(_ context.Context) ([]byte, error) {
	return buildSessionDescription(s.advertiseAddr, s.port, s.sessionID, "0")
}

func (s *LocalSession) SetRemoteDescription(_ context.Context, body []byte) error {
	var sd psdp.SessionDescription
	if err := sd.Unmarshal(body); err != nil {
		return fmt.Errorf("media: parse remote description: %w", err)
	}
	return nil
}

func (s *LocalSession) OnClose() {}

func buildSessionDescription(addr string, port int, sessionID uint64, payloadType string) ([]byte, error) {
	sd := &psdp.SessionDescription{
		Origin: psdp.Origin{
			Username:       "uacore",
			SessionID:      sessionID,
			SessionVersion: 1,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: addr,
		},
		SessionName: "uacore media session",
		ConnectionInformation: &psdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &psdp.Address{Address: addr},
		},
		TimeDescriptions: []psdp.TimeDescription{{}},
		MediaDescriptions: []*psdp.MediaDescription{
			{
				MediaName: psdp.MediaName{
					Media:   "audio",
					Port:    psdp.RangedPort{Value: port},
					Protos:  []string{"RTP", "AVP"},
					Formats: []string{payloadType},
				},
				Attributes: []psdp.Attribute{
					{Key: "rtpmap", Value: payloadType + " PCMU/8000"},
					{Key: "sendrecv"},
				},
			},
		},
	}
	return sd.Marshal()
}
