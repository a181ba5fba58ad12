package tcp

import "fmt"

// State is a TCB's position in the RFC 9293 Figure 5 state diagram.
type State int

const (
	StateClosed State = iota
	StateListen
	StateSynSent
	StateSynReceived
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateCloseWait
	StateClosing
	StateLastAck
	StateTimeWait
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateListen:
		return "LISTEN"
	case StateSynSent:
		return "SYN-SENT"
	case StateSynReceived:
		return "SYN-RECEIVED"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinWait1:
		return "FIN-WAIT-1"
	case StateFinWait2:
		return "FIN-WAIT-2"
	case StateCloseWait:
		return "CLOSE-WAIT"
	case StateClosing:
		return "CLOSING"
	case StateLastAck:
		return "LAST-ACK"
	case StateTimeWait:
		return "TIME-WAIT"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Event is an input to the TCB's transition function: either a local call
// (ActiveOpen, PassiveOpen, Close) or the arrival of a segment carrying a
// particular flag combination.
type Event int

const (
	EventActiveOpen Event = iota
	EventPassiveOpen
	EventRecvSYN
	EventRecvSYNACK
	EventRecvACK
	EventRecvFIN
	EventRecvFINACK
	EventClose
	EventTimeWaitExpire
	EventRecvRST
)

func (e Event) String() string {
	switch e {
	case EventActiveOpen:
		return "ActiveOpen"
	case EventPassiveOpen:
		return "PassiveOpen"
	case EventRecvSYN:
		return "RecvSYN"
	case EventRecvSYNACK:
		return "RecvSYNACK"
	case EventRecvACK:
		return "RecvACK"
	case EventRecvFIN:
		return "RecvFIN"
	case EventRecvFINACK:
		return "RecvFINACK"
	case EventClose:
		return "Close"
	case EventTimeWaitExpire:
		return "TimeWaitExpire"
	case EventRecvRST:
		return "RecvRST"
	default:
		return fmt.Sprintf("Event(%d)", int(e))
	}
}

// ErrInvalidTransition reports an event that has no defined transition from
// the given state.
type ErrInvalidTransition struct {
	From  State
	Event Event
}

func (e ErrInvalidTransition) Error() string {
	return fmt.Sprintf("tcp: no transition for event %s in state %s", e.Event, e.From)
}

// transitionTable maps (state, event) to the resulting state. RST is
// handled uniformly outside this table (see transition), since any state
// accepts it and moves to Closed.
var transitionTable = map[State]map[Event]State{
	StateClosed: {
		EventActiveOpen:  StateSynSent,
		EventPassiveOpen: StateListen,
	},
	StateListen: {
		EventRecvSYN: StateSynReceived,
	},
	StateSynSent: {
		EventRecvSYNACK: StateEstablished,
		EventRecvSYN:    StateSynReceived,
	},
	StateSynReceived: {
		EventRecvACK: StateEstablished,
		EventClose:   StateFinWait1,
	},
	StateEstablished: {
		EventClose:   StateFinWait1,
		EventRecvFIN: StateCloseWait,
	},
	StateFinWait1: {
		EventRecvACK:    StateFinWait2,
		EventRecvFIN:    StateClosing,
		EventRecvFINACK: StateTimeWait,
	},
	StateFinWait2: {
		EventRecvFIN: StateTimeWait,
	},
	StateClosing: {
		EventRecvACK: StateTimeWait,
	},
	StateCloseWait: {
		EventClose: StateLastAck,
	},
	StateLastAck: {
		EventRecvACK: StateClosed,
	},
	StateTimeWait: {
		EventTimeWaitExpire: StateClosed,
	},
}

// transition applies event to from, returning the resulting state or
// ErrInvalidTransition if no edge exists.
func transition(from State, event Event) (State, error) {
	if event == EventRecvRST && from != StateClosed {
		return StateClosed, nil
	}
	edges, ok := transitionTable[from]
	if !ok {
		return from, ErrInvalidTransition{From: from, Event: event}
	}
	to, ok := edges[event]
	if !ok {
		return from, ErrInvalidTransition{From: from, Event: event}
	}
	return to, nil
}
