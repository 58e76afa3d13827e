// Package dialog implements the shared SIP dialog data model: a
// long-lived session identified by Call-ID plus both tags, with mutable
// CSeq and remote-target, kept free of any media-session coupling so
// both the UAC and UAS packages can share one type. It uses a direction
// enum, an atomic CSeq counter, and RWMutex-guarded mutable fields.
package dialog

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo/sip"
)

// Direction records which side created the dialog.
type Direction int

const (
	DirectionUAC Direction = iota // we sent the INVITE
	DirectionUAS                 // we received the INVITE
)

func (d Direction) String() string {
	if d == DirectionUAC {
		return "uac"
	}
	return "uas"
}

// ID is the dialog's immutable identity: Call-ID plus both tags.
type ID struct {
	CallID    string
	LocalTag  string
	RemoteTag string
}

func (id ID) String() string {
	return id.CallID + ";local=" + id.LocalTag + ";remote=" + id.RemoteTag
}

// Dialog is the RFC 3261 §12 session object. Identity (ID) never changes
// after creation; CSeq and RemoteTarget are the mutable fields.
type Dialog struct {
	mu sync.RWMutex

	id        ID
	Direction Direction
	box       stateBox

	LocalURI      sip.Uri
	RemoteURI     sip.Uri
	remoteTarget  sip.Uri
	routeSet      []sip.Uri

	localCSeq  atomic.Uint32
	remoteCSeq atomic.Uint32

	CallDurationLimit time.Duration
	TransferMode      int // mirrors calldescriptor.TransferMode without importing it (avoids a cycle)
	CRM               map[string]string

	CreatedAt time.Time
}

// New creates a Dialog already in StateConfirmed: both uac and uas only
// construct one once their INVITE transaction has reached a 2xx, so there
// is no observable Init/Trying/Early period to model here. initialCSeq is
// the CSeq of the INVITE that established it; the local CSeq counter
// starts there so the first in-dialog request (BYE, re-INVITE, UPDATE)
// uses initialCSeq+1.
func New(id ID, direction Direction, initialCSeq uint32) *Dialog {
	d := &Dialog{
		id:        id,
		Direction: direction,
		box:       stateBox{state: StateConfirmed},
		CreatedAt: time.Now(),
		CRM:       map[string]string{},
	}
	d.localCSeq.Store(initialCSeq)
	return d
}

func (d *Dialog) ID() ID { return d.id }

// NextLocalCSeq increments and returns the local CSeq: every in-dialog
// request increments it.
func (d *Dialog) NextLocalCSeq() uint32 {
	return d.localCSeq.Add(1)
}

func (d *Dialog) LocalCSeq() uint32 {
	return d.localCSeq.Load()
}

// ObserveRemoteCSeq records an inbound in-dialog request's CSeq, returning
// false if it is not greater than the last one seen (duplicate/out of
// order).
func (d *Dialog) ObserveRemoteCSeq(seq uint32) bool {
	for {
		cur := d.remoteCSeq.Load()
		if seq <= cur {
			return false
		}
		if d.remoteCSeq.CompareAndSwap(cur, seq) {
			return true
		}
	}
}

func (d *Dialog) RemoteTarget() sip.Uri {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.remoteTarget
}

func (d *Dialog) SetRemoteTarget(u sip.Uri) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.remoteTarget = u
}

func (d *Dialog) RouteSet() []sip.Uri {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]sip.Uri(nil), d.routeSet...)
}

func (d *Dialog) SetRouteSet(rs []sip.Uri) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.routeSet = rs
}

// FromResponse builds the dialog identity from an established or early
// INVITE transaction: request carries our tag, response carries theirs.
func FromResponse(req *sip.Request, resp *sip.Response, direction Direction) (ID, error) {
	callID := ""
	if h := req.CallID(); h != nil {
		callID = h.Value()
	}

	from := req.From()
	to := resp.To()
	if from == nil || to == nil {
		return ID{}, errMissingTagHeaders
	}

	localTag, _ := from.Params.Get("tag")
	remoteTag, _ := to.Params.Get("tag")

	if direction == DirectionUAS {
		localTag, remoteTag = remoteTag, localTag
	}

	return ID{CallID: callID, LocalTag: localTag, RemoteTag: remoteTag}, nil
}

var errMissingTagHeaders = dialogErr("dialog: request/response missing From/To headers")

type dialogErr string

func (e dialogErr) Error() string { return string(e) }
