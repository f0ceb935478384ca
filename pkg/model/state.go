package model

type TransitionType int

const (
	TransitionTypeEnter TransitionType = iota
	TransitionTypeLeave
)

func (t TransitionType) String() string {
	switch t {
	case TransitionTypeEnter:
		return "enter"
	case TransitionTypeLeave:
		return "leave"
	default:
		return "unknown"
	}
}

// StateTransition represents a transition from one state to another
type StateTransition struct {
	// State is the state entered or left
	State NodeState
	// SrcState is the other end of the transition
	SrcState NodeState
	// Type is the type of the transition
	Type TransitionType
	// Epoch is the epoch known when the transition happened
	Epoch uint64
}
