// Package b2bua implements a single-bridge back-to-back user agent: one UAS
// leg wired to one freshly created UAC leg, with call progression mirrored
// across both. Multi-leg lookup/registration belongs to an application
// layer above this package.
package b2bua

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/sipwire/uacore/internal/calldescriptor"
	"github.com/sipwire/uacore/internal/events"
	"github.com/sipwire/uacore/internal/uac"
	"github.com/sipwire/uacore/internal/uas"
)

// blackHoleAddr is the synthesized endpoint reported for the intra-process
// leg, which has no meaningful wire address, so both sides report this
// sentinel in any logging/metadata that expects one.
const blackHoleAddr = "0.0.0.0:0"

// Call wires one UAS leg to one UAC leg and mirrors progression between
// them for the lifetime of the bridged call.
type Call struct {
	log zerolog.Logger

	mu        sync.Mutex
	uasLeg    *uas.UAS
	uacLeg    *uac.UAC
	cancelled bool
}

// Option configures a Call.
type Option func(*Call)

func WithLogger(l zerolog.Logger) Option { return func(c *Call) { c.log = l } }

// New wires uasLeg to uacLeg and begins cross-leg event propagation. The
// UAC leg must already be constructed via uac.New so both legs share the
// same transport/identity wiring as a standalone UAC would. bus must be
// dedicated to this one bridged call: New registers its progress-mirroring
// handlers on every CallTrying/CallRinging/CallAnswered/CallFailed event bus carries,
// with no Call-ID filter, so a bus shared across concurrent bridges would
// cross-wire one call's progress into another's UAS leg.
func New(uasLeg *uas.UAS, uacLeg *uac.UAC, bus *events.Bus, opts ...Option) *Call {
	c := &Call{log: zerolog.Nop(), uasLeg: uasLeg, uacLeg: uacLeg}
	for _, o := range opts {
		o(c)
	}

	bus.On(events.TypeCallTrying, func(e events.Event) {
		_ = c.uasLeg.Progress(100, "Trying", nil, "", nil)
	})
	bus.On(events.TypeCallRinging, func(e events.Event) {
		reason := "Ringing"
		if e.Code == 183 {
			reason = "Session Progress"
		}
		var body []byte
		if sdp, ok := e.Fields["sdp"].([]byte); ok {
			body = sdp
		}
		ct := ""
		if len(body) > 0 {
			ct = "application/sdp"
		}
		_ = c.uasLeg.Progress(e.Code, reason, nil, ct, body)
	})
	bus.On(events.TypeCallAnswered, func(e events.Event) {
		if e.Code >= 200 && e.Code < 300 {
			var body []byte
			if sdp, ok := e.Fields["sdp"].([]byte); ok {
				body = sdp
			}
			ct := ""
			if len(body) > 0 {
				ct = "application/sdp"
			}
			// Bridged calls default to TransferNotAllowed unless the
			// application overrides it.
			_ = c.uasLeg.Answer(ct, body, "", calldescriptor.TransferNotAllowed, nil)
			return
		}
		_ = c.uasLeg.Reject(e.Code, e.Reason, nil)
	})
	// The UAS leg reports an inbound CANCEL as CallFailed with reason
	// "cancelled"; that cancellation is carried into the UAC leg.
	bus.On(events.TypeCallFailed, func(e events.Event) {
		if e.Reason != "cancelled" {
			return
		}
		if err := c.uacLeg.Cancel(context.Background()); err != nil {
			c.log.Warn().Err(err).Msg("cancel UAC leg failed")
		}
	})

	return c
}

// Call originates the B2BUA's outgoing leg.
func (c *Call) Call(ctx context.Context, desc *calldescriptor.CallDescriptor) error {
	return c.uacLeg.Call(ctx, desc)
}

// Cancel propagates cancellation into the UAC leg and completes the UAS
// with 487 Request Terminated.
func (c *Call) Cancel(ctx context.Context) error {
	c.mu.Lock()
	if c.cancelled {
		c.mu.Unlock()
		return nil
	}
	c.cancelled = true
	c.mu.Unlock()

	if err := c.uacLeg.Cancel(ctx); err != nil {
		c.log.Warn().Err(err).Msg("cancel UAC leg failed")
	}
	return c.uasLeg.Reject(487, "Request Terminated", nil)
}

// BlackHoleAddr is exported for callers populating CDR/logging metadata for
// the intra-process leg, which has no meaningful wire address.
func BlackHoleAddr() string { return blackHoleAddr }
