package turn

// State is the turn-taking phase of a session. The scheduler is the only
// writer; every transition goes through setState which enforces the edge set.
type State int

const (
	// StateIdle means no user speech and no agent response in progress. VAD
	// and the pre-speech buffer are active; STT is closed.
	StateIdle State = iota

	// StateListening means VAD fired speech-start; STT is open and receiving
	// frames, including the replayed pre-speech buffer.
	StateListening

	// StateThinking means a final transcript arrived; retrieval and the LLM
	// are in progress, no audio output yet.
	StateThinking

	// StateSpeaking means TTS is producing audio that is being streamed to
	// the transport while the scheduler watches for barge-in.
	StateSpeaking

	// StateError is an unrecoverable session fault on its way to Closed.
	StateError

	// StateClosed is terminal.
	StateClosed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateThinking:
		return "thinking"
	case StateSpeaking:
		return "speaking"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// transitions is the legal edge set. Error and Closed are reachable from
// every state and are therefore handled in legalTransition directly.
var transitions = map[State][]State{
	StateIdle:      {StateListening, StateThinking, StateSpeaking},
	StateListening: {StateThinking, StateSpeaking, StateIdle},
	StateThinking:  {StateSpeaking, StateListening, StateIdle},
	StateSpeaking:  {StateListening, StateIdle},
	StateError:     {},
	StateClosed:    {},
}

// legalTransition reports whether the edge from → to is part of the state
// machine. Self-transitions are legal no-ops.
func legalTransition(from, to State) bool {
	if from == to {
		return true
	}
	if to == StateClosed {
		return from != StateClosed
	}
	if to == StateError {
		return from != StateError && from != StateClosed
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
