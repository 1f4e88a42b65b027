package request

// State is the lifecycle position of a request.
type State string

const (
	StatePending    State = "pending"
	StateDue        State = "due"
	StateRunning    State = "running"
	StateSuccess    State = "success"
	StateTempfail   State = "tempfail"
	StatePostpone   State = "postpone"
	StateRetryLimit State = "retrylimit"
	StateError      State = "error"
	StateDeleted    State = "deleted"
)

// Exit codes with a meaning beyond plain failure, from sysexits.h.
const (
	ExitOK          = 0
	ExitUnavailable = 69
	ExitSoftware    = 70
	ExitTempFail    = 75
)

var knownStates = map[State]struct{}{
	StatePending: {}, StateDue: {}, StateRunning: {}, StateSuccess: {}, StateTempfail: {},
	StatePostpone: {}, StateRetryLimit: {}, StateError: {}, StateDeleted: {},
}

// Valid reports whether s names a known state.
func (s State) Valid() bool {
	_, ok := knownStates[s]
	return ok
}

// Archived reports whether requests in s are ready to be archived.
func (s State) Archived() bool {
	switch s {
	case StateSuccess, StateError, StateRetryLimit, StateDeleted:
		return true
	}
	return false
}

// Runnable reports whether a request in s may be picked for execution.
func (s State) Runnable() bool {
	return s == StateDue || s == StateTempfail || s == StateRunning
}

// ArchiveStates lists the terminal states.
func ArchiveStates() []State {
	return []State{StateSuccess, StateError, StateRetryLimit, StateDeleted}
}

// EvaluateState maps an activity exit code to the state the request settles
// in after running.
func EvaluateState(code int) State {
	switch code {
	case ExitOK:
		return StateSuccess
	case ExitTempFail:
		return StateTempfail
	case ExitUnavailable:
		return StatePostpone
	default:
		return StateError
	}
}
