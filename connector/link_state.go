package connector

import "sync/atomic"

// LinkState is the lifecycle state of a connector's transport.
type LinkState uint32

const (
	Disconnected LinkState = iota
	Dialing
	Connected
	Disconnecting
)

func (s LinkState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Dialing:
		return "dialing"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// linkState moves through Disconnected -> Dialing -> Connected -> Disconnecting ->
// Disconnected; an abandoned dial goes Dialing -> Disconnecting. A refused move means
// another goroutine owns the transition.
type linkState struct {
	v atomic.Uint32
}

func (st *linkState) get() LinkState { return LinkState(st.v.Load()) }

func (st *linkState) is(s LinkState) bool { return st.get() == s }

func (st *linkState) reset(s LinkState) { st.v.Store(uint32(s)) }

// move swaps to target from the first matching source state.
func (st *linkState) move(target LinkState, from ...LinkState) bool {
	for _, s := range from {
		if st.v.CompareAndSwap(uint32(s), uint32(target)) {
			return true
		}
	}

	return false
}

func (st *linkState) beginDial() bool { return st.move(Dialing, Disconnected) }

func (st *linkState) dialed() bool { return st.move(Connected, Dialing) }

func (st *linkState) beginClose() bool { return st.move(Disconnecting, Connected, Dialing) }

func (st *linkState) closed() { st.move(Disconnected, Disconnecting) }
