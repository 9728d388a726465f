package session

// State is the session's generation state. At most one generation is
// outstanding per session.
type State int

const (
	// Idle accepts a new submission.
	Idle State = iota
	// AwaitingGeneration rejects submissions until the in-flight
	// generation resolves.
	AwaitingGeneration
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingGeneration:
		return "thinking"
	default:
		return "unknown"
	}
}
