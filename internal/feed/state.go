package feed

// State is where a subscribed contract sits in its feed lifecycle.
type State int

const (
	StateUnloaded State = iota
	StateLoading
	StateLive
	StateStale
	StateRepairing
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateLive:
		return "live"
	case StateStale:
		return "stale"
	case StateRepairing:
		return "repairing"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// accepting reports whether live action reports may be applied in state s.
func (s State) accepting() bool {
	return s == StateLive || s == StateStale
}
