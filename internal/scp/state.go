package scp

// State is the state of one association.
type State int

const (
	StateIdle State = iota
	StateAssociationRequested
	StateEstablished
	StateVerifying
	StateStoring
	StateReleasing
	StateAborting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateAssociationRequested:
		return "AssociationRequested"
	case StateEstablished:
		return "Established"
	case StateVerifying:
		return "Verifying"
	case StateStoring:
		return "Storing"
	case StateReleasing:
		return "Releasing"
	case StateAborting:
		return "Aborting"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Association end reasons, used as metric labels.
const (
	outcomeReleased = "released"
	outcomeAborted  = "aborted"
	outcomeRejected = "rejected"
	outcomeLost     = "lost"
	outcomeTimeout  = "timeout"
	outcomeShutdown = "shutdown"
)
