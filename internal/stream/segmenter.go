package stream

// State is a segmentation state
type State int32

const (
	// StateIdle means no recent speech and an empty utterance buffer
	StateIdle State = iota
	// StateAccumulating means the utterance is still open
	StateAccumulating
	// StateFinalized is emitted once per completed utterance and immediately settles to StateIdle
	StateFinalized
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAccumulating:
		return "accumulating"
	case StateFinalized:
		return "finalized"
	default:
		return "unknown"
	}
}

// Transition describes the outcome of one tick
type Transition struct {
	From State
	To   State

	// Append is true when the tick's samples belong to the utterance
	Append bool
	// Finalize is true when the utterance buffer must be handed to the dispatcher
	Finalize bool
}

// Boundary reports whether the tick closed an utterance
func (t Transition) Boundary() bool {
	return t.To == StateFinalized
}

// Label names the transition for metrics and logs
func (t Transition) Label() string {
	switch {
	case t.Boundary():
		return "boundary"
	case t.Append:
		return "speech"
	default:
		return "silence"
	}
}

// Segmenter is the per-session speech/silence state machine. It performs no I/O.
type Segmenter struct {
	state State
}

// NewSegmenter creates a segmenter in StateIdle
func NewSegmenter() *Segmenter {
	return &Segmenter{state: StateIdle}
}

// Step advances the machine by one tick.
//
// Speech always appends and keeps the utterance open. The first silent tick
// after speech is appended too, so the trailing edge is kept, and finalizes.
// A silent tick while idle discards its samples and requests a finalize that
// the dispatcher treats as a no-op.
func (s *Segmenter) Step(hasSpeech bool) Transition {
	from := s.state

	switch {
	case hasSpeech:
		s.state = StateAccumulating
		return Transition{From: from, To: StateAccumulating, Append: true}

	case from == StateAccumulating:
		s.state = StateIdle
		return Transition{From: from, To: StateFinalized, Append: true, Finalize: true}

	default:
		s.state = StateIdle
		return Transition{From: from, To: StateIdle, Finalize: true}
	}
}

// State returns the settled state, never StateFinalized
func (s *Segmenter) State() State {
	return s.state
}

// Reset returns the machine to StateIdle
func (s *Segmenter) Reset() {
	s.state = StateIdle
}
