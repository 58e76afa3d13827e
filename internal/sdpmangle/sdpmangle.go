// Package sdpmangle rewrites private RTP connection addresses in SDP bodies
// to a publicly reachable substitute, for NAT traversal. Mangle scans the
// body line by line and never reserializes the document: it rewrites each
// eligible "c=" line in place so unrelated attribute ordering is untouched.
// pion/sdp/v3 is used only by ConnectionAddress.
package sdpmangle

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"strings"

	psdp "github.com/pion/sdp/v3"
)

// AddressFamily distinguishes the two SDP "c=" netnum kinds.
type AddressFamily string

const (
	IP4 AddressFamily = "IP4"
	IP6 AddressFamily = "IP6"
)

// Result reports whether mangling changed anything.
type Result struct {
	Body       []byte
	WasMangled bool
}

// Mangle rewrites every "c=IN IP4/IP6 <addr>" line whose address is private
// (RFC1918/link-local for v4, unique-local/link-local for v6) to
// substitute, provided substitute differs and matches the line's address
// family. Session-level and per-media connection lines are both handled
// since either may carry the address actually used for RTP.
func Mangle(body []byte, substitute string) Result {
	if len(body) == 0 || substitute == "" {
		return Result{Body: body}
	}

	substituteIP := net.ParseIP(substitute)
	if substituteIP == nil {
		return Result{Body: body}
	}
	substituteFamily := familyOf(substituteIP)

	var out bytes.Buffer
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)

	mangled := false
	for scanner.Scan() {
		line := scanner.Text()
		newLine, changed := mangleLine(line, substitute, substituteFamily)
		if changed {
			mangled = true
		}
		out.WriteString(newLine)
		out.WriteString("\r\n")
	}

	if !mangled {
		return Result{Body: body}
	}
	return Result{Body: out.Bytes(), WasMangled: true}
}

func familyOf(ip net.IP) AddressFamily {
	if ip.To4() != nil {
		return IP4
	}
	return IP6
}

// mangleLine rewrites a single "c=" line if eligible. Non-"c=" lines (and
// ineligible "c=" lines) are returned unchanged.
func mangleLine(line, substitute string, substituteFamily AddressFamily) (string, bool) {
	trimmed := strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(trimmed, "c=IN ") {
		return line, false
	}

	fields := strings.Fields(trimmed)
	if len(fields) != 3 {
		return line, false
	}

	family := AddressFamily(fields[1])
	addr := fields[2]
	if family != IP4 && family != IP6 {
		return line, false
	}
	if family != substituteFamily {
		return line, false
	}

	ip := net.ParseIP(addr)
	if ip == nil || !isPrivate(ip) {
		return line, false
	}
	if addr == substitute {
		return line, false
	}

	return fmt.Sprintf("c=IN %s %s", family, substitute), true
}

func isPrivate(ip net.IP) bool {
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	if v4 := ip.To4(); v4 != nil {
		return v4[0] == 10 ||
			(v4[0] == 172 && v4[1]&0xf0 == 16) ||
			(v4[0] == 192 && v4[1] == 168)
	}
	// Unique local address fc00::/7.
	return len(ip) == net.IPv6len && ip[0]&0xfe == 0xfc
}

// ConnectionAddress returns the first session- or media-level connection
// address found in an SDP body; uac and uas use it only to log the
// address a mangle is about to replace.
func ConnectionAddress(body []byte) (string, AddressFamily, bool) {
	var sd psdp.SessionDescription
	if err := sd.Unmarshal(body); err != nil {
		return "", "", false
	}
	if sd.ConnectionInformation != nil && sd.ConnectionInformation.Address != nil {
		addr := sd.ConnectionInformation.Address.Address
		if ip := net.ParseIP(addr); ip != nil {
			return addr, familyOf(ip), true
		}
	}
	for _, m := range sd.MediaDescriptions {
		if m.ConnectionInformation != nil && m.ConnectionInformation.Address != nil {
			addr := m.ConnectionInformation.Address.Address
			if ip := net.ParseIP(addr); ip != nil {
				return addr, familyOf(ip), true
			}
		}
	}
	return "", "", false
}

// MangleContactHost rewrites a Contact header's host, applying the same
// private/public eligibility rule as the SDP connection line.
func MangleContactHost(host, observedPublic string) (string, bool) {
	if host == "" || observedPublic == "" || host == observedPublic {
		return host, false
	}
	ip := net.ParseIP(host)
	if ip == nil || !isPrivate(ip) {
		return host, false
	}
	return observedPublic, true
}
