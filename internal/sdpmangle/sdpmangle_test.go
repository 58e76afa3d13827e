package sdpmangle

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const samplePrivateV4SDP = "v=0\r\n" +
	"o=- 1 1 IN IP4 192.168.1.10\r\n" +
	"s=-\r\n" +
	"c=IN IP4 192.168.1.10\r\n" +
	"t=0 0\r\n" +
	"m=audio 49170 RTP/AVP 0\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n"

func TestMangleRewritesPrivateV4ConnectionLine(t *testing.T) {
	result := Mangle([]byte(samplePrivateV4SDP), "203.0.113.5")

	require.True(t, result.WasMangled)
	require.Contains(t, string(result.Body), "c=IN IP4 203.0.113.5")
	// Untouched lines still present, in order.
	require.Contains(t, string(result.Body), "a=rtpmap:0 PCMU/8000")
}

func TestMangleSkipsPublicAddress(t *testing.T) {
	body := "v=0\r\nc=IN IP4 203.0.113.9\r\n"
	result := Mangle([]byte(body), "203.0.113.5")

	require.False(t, result.WasMangled)
	require.Equal(t, body, string(result.Body))
}

func TestMangleIPv6LineHasSingleSpace(t *testing.T) {
	body := "v=0\r\nc=IN IP6 fc00::1\r\n"
	result := Mangle([]byte(body), "2001:db8::1")

	require.True(t, result.WasMangled)
	lines := strings.Split(string(result.Body), "\r\n")
	require.Contains(t, lines, "c=IN IP6 2001:db8::1")
}

func TestMangleSkipsFamilyMismatch(t *testing.T) {
	body := "v=0\r\nc=IN IP6 fc00::1\r\n"
	result := Mangle([]byte(body), "203.0.113.5")

	require.False(t, result.WasMangled)
}

func TestConnectionAddress(t *testing.T) {
	addr, family, ok := ConnectionAddress([]byte(samplePrivateV4SDP))
	require.True(t, ok)
	require.Equal(t, "192.168.1.10", addr)
	require.Equal(t, IP4, family)
}

func TestMangleContactHost(t *testing.T) {
	host, changed := MangleContactHost("192.168.1.10", "203.0.113.5")
	require.True(t, changed)
	require.Equal(t, "203.0.113.5", host)

	host, changed = MangleContactHost("203.0.113.9", "203.0.113.5")
	require.False(t, changed)
	require.Equal(t, "203.0.113.9", host)
}
