// Package calldescriptor defines the immutable configuration for an
// outgoing call and the dial-string option parsing used to build it: a
// call-scoped option bag with tolerant flag/env-style parsing.
package calldescriptor

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

// RedirectMode controls how the UAC treats 3xx responses.
type RedirectMode int

const (
	RedirectNone RedirectMode = iota
	RedirectNewDialplan
	RedirectManual
)

// TransferMode controls whether/how the call may be transferred later.
type TransferMode int

const (
	TransferDefault TransferMode = iota
	TransferNotAllowed
	TransferPassThrough
	TransferBlindPlaceCall
)

// MaxReinviteDelay bounds the reinvite-delay option.
const MaxReinviteDelay = 5

// Header is an opaque "Name: value" custom header pass-through entry.
type Header struct {
	Name  string
	Value string
}

// restrictedHeaders is the case-insensitive denylist of headers the core
// must never let application-supplied headers clobber.
var restrictedHeaders = map[string]struct{}{
	"via":            {},
	"from":           {},
	"contact":        {},
	"cseq":           {},
	"call-id":        {},
	"max-forwards":   {},
	"content-length": {},
}

// FilterCustomHeaders drops any header whose name matches the restricted
// denylist (case-insensitively), preserving the rest in order.
func FilterCustomHeaders(hdrs []Header) []Header {
	out := make([]Header, 0, len(hdrs))
	for _, h := range hdrs {
		if _, blocked := restrictedHeaders[strings.ToLower(h.Name)]; blocked {
			continue
		}
		out = append(out, h)
	}
	return out
}

// CallDescriptor is the immutable configuration for one outgoing call.
// Call() on the UAC never mutates it; Copy returns a deep, independent
// clone for callers that build several calls from a template.
type CallDescriptor struct {
	// Target
	TargetURI sip.Uri

	// From/To literal overrides
	FromDisplayName string
	FromURIUser     string
	FromURIHost     string
	ToHeader        string // literal To user-field value; uac.Call does not apply it

	RouteSet []sip.Uri

	// ProxySendFrom hints which local address to report as sent-from, used
	// by CANCEL/digest-retry to keep the same outbound interface.
	ProxySendFrom string

	CustomHeaders []Header

	AuthUsername string
	AuthPassword string

	ContentType string
	Body        []byte

	MangleResponseSDP bool
	MangleIPAddress   string

	DelaySeconds       int
	RedirectMode       RedirectMode
	CallDurationLimit  int
	TransferMode       TransferMode
	RequestCallerDetails bool
	AccountCode        string
	RateCode           string
	ReinviteDelay      int
	PRACKSupported     bool

	// CRMHeaders are opaque app-defined metadata threaded through UPDATE
	// and B2BUA leg correlation.
	CRMHeaders map[string]string

	CallID   string
	BranchID string
}

// New returns a CallDescriptor with its baseline defaults applied.
func New(target sip.Uri) *CallDescriptor {
	return &CallDescriptor{
		TargetURI:         target,
		MangleResponseSDP: true,
		ReinviteDelay:     2,
		CRMHeaders:        map[string]string{},
	}
}

// EnsureIdentifiers fills CallID/BranchID with fresh values unless the
// descriptor already pins them.
func (d *CallDescriptor) EnsureIdentifiers() {
	if d.CallID == "" {
		d.CallID = uuid.New().String()
	}
	if d.BranchID == "" {
		d.BranchID = "z9hG4bK" + strings.ReplaceAll(uuid.New().String(), "-", "")[:16]
	}
}

// Copy returns a deep clone so the caller's mutations of the copy never
// touch the original descriptor.
func (d *CallDescriptor) Copy() *CallDescriptor {
	c := *d
	c.RouteSet = append([]sip.Uri(nil), d.RouteSet...)
	c.CustomHeaders = append([]Header(nil), d.CustomHeaders...)
	c.Body = append([]byte(nil), d.Body...)
	c.CRMHeaders = make(map[string]string, len(d.CRMHeaders))
	for k, v := range d.CRMHeaders {
		c.CRMHeaders[k] = v
	}
	return &c
}

// Options is the decoded form of a dial string's option keys, kept
// separate from CallDescriptor so a dialplan layer can parse a dial string
// once and apply it to several descriptors.
type Options struct {
	DelaySeconds      int
	RedirectMode      RedirectMode
	CallDurationLimit int
	MangleResponseSDP bool
	FromDisplayName   string
	FromURIUser       string
	FromURIHost       string
	TransferMode      TransferMode
	RequestCallerDetails bool
	AccountCode       string
	RateCode          string
	ReinviteDelay     int
}

// ParseDialString parses a semicolon-separated dial-string key set.
// Unknown keys are skipped, matching the "tolerant" requirement; the legacy
// ir=* switch maps to ReinviteDelay=2.
func ParseDialString(s string) (Options, error) {
	opts := Options{MangleResponseSDP: true}

	if s == "" {
		return opts, nil
	}

	for _, pair := range strings.Split(s, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		k = strings.ToLower(strings.TrimSpace(k))
		v = strings.TrimSpace(v)

		switch k {
		case "dt":
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				opts.DelaySeconds = n
			}
		case "rm":
			switch v {
			case "n":
				opts.RedirectMode = RedirectNone
			case "m":
				opts.RedirectMode = RedirectManual
			}
		case "cd":
			if n, err := strconv.Atoi(v); err == nil {
				opts.CallDurationLimit = n
			}
		case "ma":
			opts.MangleResponseSDP = parseBool(v)
		case "fd":
			opts.FromDisplayName = v
		case "fu":
			opts.FromURIUser = v
		case "fh":
			opts.FromURIHost = v
		case "tr":
			switch v {
			case "n":
				opts.TransferMode = TransferNotAllowed
			case "p":
				opts.TransferMode = TransferPassThrough
			case "c":
				opts.TransferMode = TransferBlindPlaceCall
			}
		case "rcd":
			opts.RequestCallerDetails = parseBool(v)
		case "ac":
			opts.AccountCode = v
		case "rc":
			opts.RateCode = v
		case "dr":
			if n, err := strconv.Atoi(v); err == nil {
				opts.ReinviteDelay = clampReinviteDelay(n)
			}
		case "ir":
			// Legacy "immediate reinvite" switch.
			opts.ReinviteDelay = 2
		default:
			// Unknown keys are ignored.
		}
	}

	return opts, nil
}

func clampReinviteDelay(n int) int {
	if n < 0 {
		return 0
	}
	if n > MaxReinviteDelay {
		return MaxReinviteDelay
	}
	return n
}

func parseBool(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "y":
		return true
	default:
		return false
	}
}

// Unparse renders Options back into the "k=v;k=v" dial-string form, used by
// the §8 round-trip property (parse(unparse(o)) == o for the enumerated
// keys).
func (o Options) Unparse() string {
	var parts []string
	if o.DelaySeconds != 0 {
		parts = append(parts, fmt.Sprintf("dt=%d", o.DelaySeconds))
	}
	switch o.RedirectMode {
	case RedirectNone:
		parts = append(parts, "rm=n")
	case RedirectManual:
		parts = append(parts, "rm=m")
	}
	if o.CallDurationLimit != 0 {
		parts = append(parts, fmt.Sprintf("cd=%d", o.CallDurationLimit))
	}
	if !o.MangleResponseSDP {
		parts = append(parts, "ma=0")
	}
	if o.FromDisplayName != "" {
		parts = append(parts, "fd="+o.FromDisplayName)
	}
	if o.FromURIUser != "" {
		parts = append(parts, "fu="+o.FromURIUser)
	}
	if o.FromURIHost != "" {
		parts = append(parts, "fh="+o.FromURIHost)
	}
	switch o.TransferMode {
	case TransferNotAllowed:
		parts = append(parts, "tr=n")
	case TransferPassThrough:
		parts = append(parts, "tr=p")
	case TransferBlindPlaceCall:
		parts = append(parts, "tr=c")
	}
	if o.RequestCallerDetails {
		parts = append(parts, "rcd=1")
	}
	if o.AccountCode != "" {
		parts = append(parts, "ac="+o.AccountCode)
	}
	if o.RateCode != "" {
		parts = append(parts, "rc="+o.RateCode)
	}
	if o.ReinviteDelay != 0 {
		parts = append(parts, fmt.Sprintf("dr=%d", o.ReinviteDelay))
	}
	return strings.Join(parts, ";")
}

// Apply merges decoded dial-string options onto a descriptor, used by a
// dialplan layer once it has resolved the target URI. The From overrides,
// AccountCode, RateCode and ReinviteDelay are copied only when set; the
// other fields are always copied, zero values included.
func (o Options) Apply(d *CallDescriptor) {
	d.DelaySeconds = o.DelaySeconds
	d.RedirectMode = o.RedirectMode
	d.CallDurationLimit = o.CallDurationLimit
	d.MangleResponseSDP = o.MangleResponseSDP
	if o.FromDisplayName != "" {
		d.FromDisplayName = o.FromDisplayName
	}
	if o.FromURIUser != "" {
		d.FromURIUser = o.FromURIUser
	}
	if o.FromURIHost != "" {
		d.FromURIHost = o.FromURIHost
	}
	d.TransferMode = o.TransferMode
	d.RequestCallerDetails = o.RequestCallerDetails
	if o.AccountCode != "" {
		d.AccountCode = o.AccountCode
	}
	if o.RateCode != "" {
		d.RateCode = o.RateCode
	}
	if o.ReinviteDelay != 0 {
		d.ReinviteDelay = o.ReinviteDelay
	}
}
