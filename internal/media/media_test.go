package media

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetLocalSDPOfferBuildsValidDescription(t *testing.T) {
	s := NewLocalSession("203.0.113.5", 49170, 1)

	body, err := s.GetLocalSDPOffer(context.Background())
	require.NoError(t, err)

	text := string(body)
	require.Contains(t, text, "c=IN IP4 203.0.113.5")
	require.Contains(t, text, "m=audio 49170 RTP/AVP 0")
	require.True(t, strings.Contains(text, "a=rtpmap:0 PCMU/8000"))
}

func TestSetRemoteDescriptionParsesValidSDP(t *testing.T) {
	s := NewLocalSession("203.0.113.5", 49170, 1)
	offer, err := s.GetLocalSDPOffer(context.Background())
	require.NoError(t, err)

	require.NoError(t, s.SetRemoteDescription(context.Background(), offer))
}

func TestSetRemoteDescriptionRejectsGarbage(t *testing.T) {
	s := NewLocalSession("203.0.113.5", 49170, 1)

	err := s.SetRemoteDescription(context.Background(), []byte("not sdp at all"))
	require.Error(t, err)
}

func TestOnCloseDoesNotPanic(t *testing.T) {
	s := NewLocalSession("203.0.113.5", 49170, 1)
	require.NotPanics(t, s.OnClose)
}
