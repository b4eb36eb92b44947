package turn

import "testing"

func TestLegalTransition(t *testing.T) {
	t.Parallel()

	cases := []struct {
		from, to State
		want     bool
	}{
		{StateIdle, StateListening, true},
		{StateIdle, StateThinking, true}, // text-mode turn
		{StateIdle, StateSpeaking, true}, // fallback apology
		{StateListening, StateThinking, true},
		{StateListening, StateIdle, true},     // empty transcript
		{StateListening, StateSpeaking, true}, // stt fatal → fallback
		{StateThinking, StateSpeaking, true},
		{StateThinking, StateListening, true}, // user resumed
		{StateThinking, StateIdle, true},      // empty reply
		{StateSpeaking, StateIdle, true},
		{StateSpeaking, StateListening, true}, // barge-in

		{StateIdle, StateIdle, true}, // self-transitions are no-ops
		{StateSpeaking, StateThinking, false},
		{StateThinking, StateError, true},
		{StateError, StateClosed, true},
		{StateError, StateIdle, false},
		{StateClosed, StateIdle, false},
		{StateClosed, StateError, false},
		{StateIdle, StateClosed, true},
	}
	for _, c := range cases {
		if got := legalTransition(c.from, c.to); got != c.want {
			t.Errorf("legalTransition(%v, %v) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()

	want := map[State]string{
		StateIdle:      "idle",
		StateListening: "listening",
		StateThinking:  "thinking",
		StateSpeaking:  "speaking",
		StateError:     "error",
		StateClosed:    "closed",
		State(42):      "unknown",
	}
	for s, name := range want {
		if got := s.String(); got != name {
			t.Errorf("State(%d).String() = %q, want %q", s, got, name)
		}
	}
}
