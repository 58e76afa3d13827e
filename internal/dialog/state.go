package dialog

// State is the dialog/call lifecycle: iota constants, a validTransitions
// table, and a CanTransitionTo method, shared by the UAC/UAS/B2BUA Dialog
// type.
type State int

const (
	StateInit State = iota
	StateTrying
	StateProceeding
	StateEarly
	StateConfirmed
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateTrying:
		return "trying"
	case StateProceeding:
		return "proceeding"
	case StateEarly:
		return "early"
	case StateConfirmed:
		return "confirmed"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the dialog can no longer transition.
func (s State) IsTerminal() bool {
	return s == StateTerminated
}

var validTransitions = map[State][]State{
	StateInit:       {StateTrying, StateTerminated},
	StateTrying:     {StateProceeding, StateEarly, StateConfirmed, StateTerminated},
	StateProceeding: {StateEarly, StateConfirmed, StateTerminated},
	StateEarly:      {StateEarly, StateConfirmed, StateTerminated},
	StateConfirmed:  {StateTerminated},
	StateTerminated: {},
}

// CanTransitionTo reports whether next is a legal transition from s.
func (s State) CanTransitionTo(next State) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// TerminateReason records why a dialog ended; uas.Hangup reports it as the
// Reason of an events.TypeCallEnded event.
type TerminateReason int

const (
	TerminateNone TerminateReason = iota
	TerminateLocalBye
	TerminateRemoteBye
	TerminateRejected
	TerminateCancelled
	TerminateTimeout
	TerminateTransportError
	TerminateDurationLimit
)

func (r TerminateReason) String() string {
	switch r {
	case TerminateLocalBye:
		return "local_bye"
	case TerminateRemoteBye:
		return "remote_bye"
	case TerminateRejected:
		return "rejected"
	case TerminateCancelled:
		return "cancelled"
	case TerminateTimeout:
		return "timeout"
	case TerminateTransportError:
		return "transport_error"
	case TerminateDurationLimit:
		return "duration_limit"
	default:
		return "none"
	}
}

// stateBox guards State+TerminateReason with the same lock as the rest of
// the Dialog's mutable fields.
type stateBox struct {
	state  State
	reason TerminateReason
}

func (d *Dialog) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.box.state
}

func (d *Dialog) TerminateReason() TerminateReason {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.box.reason
}

// TransitionTo moves the dialog to next if legal, recording reason when
// next is StateTerminated. Returns false (no-op) on an illegal transition,
// letting callers treat a racing double-BYE or duplicate final response as
// a harmless no-op rather than an error.
func (d *Dialog) TransitionTo(next State, reason TerminateReason) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.box.state.CanTransitionTo(next) {
		return false
	}
	d.box.state = next
	if next == StateTerminated {
		d.box.reason = reason
	}
	return true
}
