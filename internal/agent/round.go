package agent

// round identifies a generation round within one user turn. A turn has
// at most two rounds; roundTwo is final and has no successor.
type round int

const (
	roundOne round = iota + 1
	roundTwo
)

// final reports whether tool calls requested in this round are
// discarded instead of executed.
func (r round) final() bool {
	return r == roundTwo
}

// next returns the round that follows r. It panics on the final round;
// callers check final first.
func (r round) next() round {
	if r.final() {
		panic("agent: no round after the final round")
	}
	return r + 1
}

func (r round) String() string {
	switch r {
	case roundOne:
		return "round one"
	case roundTwo:
		return "round two"
	default:
		return "round ?"
	}
}
