package turn

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vocalis-ai/vocalis/internal/retrieval"
	retrmock "github.com/vocalis-ai/vocalis/internal/retrieval/mock"
	toolstatic "github.com/vocalis-ai/vocalis/internal/tools/static"
	"github.com/vocalis-ai/vocalis/pkg/audio"
	"github.com/vocalis-ai/vocalis/pkg/provider/llm"
	llmmock "github.com/vocalis-ai/vocalis/pkg/provider/llm/mock"
	sttmock "github.com/vocalis-ai/vocalis/pkg/provider/stt/mock"
	"github.com/vocalis-ai/vocalis/pkg/provider/tts"
	ttsmock "github.com/vocalis-ai/vocalis/pkg/provider/tts/mock"
	vadmock "github.com/vocalis-ai/vocalis/pkg/provider/vad/mock"
)

// markDetector classifies frames by their first byte so tests can script
// speech runs deterministically: >= 0x80 is speech, anything else silence.
type markDetector struct{}

func (markDetector) Probability(pcm []byte) (float64, error) {
	if len(pcm) > 0 && pcm[0] >= 0x80 {
		return 0.95, nil
	}
	return 0.05, nil
}
func (markDetector) Reset()       {}
func (markDetector) Close() error { return nil }

func speechFrame(tag byte) audio.Frame {
	data := make([]byte, audio.FrameBytes)
	data[0] = 0xFF
	data[1] = tag
	return audio.Frame{Data: data, SampleRate: audio.CanonicalRate, Channels: 1}
}

func silenceFrame(tag byte) audio.Frame {
	data := make([]byte, audio.FrameBytes)
	data[1] = tag
	return audio.Frame{Data: data, SampleRate: audio.CanonicalRate, Channels: 1}
}

func speechFrames(n int) []audio.Frame {
	out := make([]audio.Frame, n)
	for i := range out {
		out[i] = speechFrame(byte(i))
	}
	return out
}

func silenceFrames(n int) []audio.Frame {
	out := make([]audio.Frame, n)
	for i := range out {
		out[i] = silenceFrame(byte(i))
	}
	return out
}

// fixture runs a scheduler against mock providers and collects its audio
// output.
type fixture struct {
	sched  *Scheduler
	cancel context.CancelFunc
	done   chan error

	mu  sync.Mutex
	pcm []byte
}

func start(t *testing.T, cfg Config, p Providers) *fixture {
	t.Helper()

	if p.VAD == nil {
		p.VAD = &vadmock.Engine{Detector: markDetector{}}
	}
	if p.STT == nil {
		p.STT = &sttmock.Provider{}
	}
	if p.LLM == nil {
		p.LLM = &llmmock.Provider{}
	}
	if p.TTS == nil {
		p.TTS = &ttsmock.Provider{}
	}
	if cfg.Voice.ID == "" {
		cfg.Voice = tts.VoiceProfile{ID: "test-voice"}
	}

	s, err := New(cfg, p)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	f := &fixture{sched: s, cancel: cancel, done: make(chan error, 1)}
	go func() { f.done <- s.Run(ctx) }()
	go func() {
		for frame := range s.Output() {
			f.mu.Lock()
			f.pcm = append(f.pcm, frame.Data...)
			f.mu.Unlock()
		}
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case <-f.done:
		case <-time.After(2 * time.Second):
			t.Log("scheduler did not stop in time")
		}
	})
	return f
}

func (f *fixture) feed(frames ...audio.Frame) {
	for _, fr := range frames {
		f.sched.HandleFrame(fr)
	}
}

func (f *fixture) audioBytes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pcm)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ─── End-to-end scenarios ─────────────────────────────────────────────────────

func TestScheduler_HappyPath(t *testing.T) {
	t.Parallel()

	const reply = "Bonjour, comment puis-je vous aider ?"
	sttP := &sttmock.Provider{}
	llmP := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{Text: reply},
		{FinishReason: "stop"},
	}}
	ttsP := &ttsmock.Provider{}

	f := start(t, Config{}, Providers{
		STT: sttP, LLM: llmP, TTS: ttsP,
		Retriever: &retrmock.Retriever{},
	})

	f.feed(speechFrames(6)...)
	waitFor(t, "stt session", func() bool { return sttP.SessionCount() == 1 })
	sess := sttP.SessionAt(0)

	f.feed(silenceFrames(30)...)
	waitFor(t, "stt input closed", func() bool { return sess.SendClosed() })
	sess.EmitFinal("Bonjour.")

	waitFor(t, "turn complete", func() bool {
		return f.sched.State() == StateIdle && len(f.sched.History()) == 1
	})

	h := f.sched.History()[0]
	if h.User != "Bonjour." {
		t.Errorf("user text: got %q", h.User)
	}
	if h.Assistant != reply {
		t.Errorf("assistant text: got %q, want %q", h.Assistant, reply)
	}
	if h.Interrupted {
		t.Error("turn marked interrupted")
	}

	// The mock TTS echoes text bytes one-for-one.
	waitFor(t, "tts audio", func() bool { return f.audioBytes() == len(reply) })
	if got := strings.Join(ttsP.Texts(), ""); got != reply {
		t.Errorf("spoken text: got %q, want %q", got, reply)
	}

	// Speech right after tts.end opens a fresh turn, never a barge-in.
	f.feed(speechFrames(6)...)
	waitFor(t, "second stt session", func() bool { return sttP.SessionCount() == 2 })
	if got := f.sched.State(); got != StateListening {
		t.Errorf("state: got %v, want listening", got)
	}
	if n := len(f.sched.History()); n != 1 {
		t.Errorf("history grew to %d entries", n)
	}
}

func TestScheduler_BargeIn(t *testing.T) {
	t.Parallel()

	const fullReply = "Un instant. Je vérifie cela pour vous. Cela peut prendre un moment. Merci de patienter."
	sttP := &sttmock.Provider{}
	llmP := &llmmock.Provider{
		ChunkDelay: 10 * time.Millisecond,
		StreamChunks: []llm.Chunk{
			{Text: "Un instant. "},
			{Text: "Je vérifie cela pour vous. "},
			{Text: "Cela peut prendre un moment. "},
			{Text: "Merci de patienter."},
			{FinishReason: "stop"},
		},
	}
	ttsP := &ttsmock.Provider{ChunkDelay: 15 * time.Millisecond}

	f := start(t, Config{}, Providers{STT: sttP, LLM: llmP, TTS: ttsP})

	f.feed(speechFrames(6)...)
	waitFor(t, "stt session", func() bool { return sttP.SessionCount() == 1 })
	sess := sttP.SessionAt(0)
	f.feed(silenceFrames(30)...)
	waitFor(t, "stt input closed", func() bool { return sess.SendClosed() })
	sess.EmitFinal("Quelle heure est-il ?")

	// Let the agent speak at least 10 bytes, then interrupt.
	waitFor(t, "agent audio", func() bool { return f.audioBytes() >= 10 })
	f.feed(speechFrames(6)...)

	waitFor(t, "barge-in handled", func() bool {
		return len(f.sched.History()) == 1 && f.sched.State() == StateListening
	})

	h := f.sched.History()[0]
	if !h.Interrupted {
		t.Error("turn not marked interrupted")
	}
	if h.User != "Quelle heure est-il ?" {
		t.Errorf("user text: got %q", h.User)
	}
	if h.Assistant == "" {
		t.Error("interrupted turn has no assistant text")
	}
	if !strings.HasPrefix(fullReply, strings.TrimRight(h.Assistant, " ")) {
		t.Errorf("assistant text %q is not a prefix of the reply", h.Assistant)
	}
	if sttP.SessionCount() != 2 {
		t.Errorf("stt sessions: got %d, want 2", sttP.SessionCount())
	}
}

func TestScheduler_EmptyTranscript(t *testing.T) {
	t.Parallel()

	sttP := &sttmock.Provider{}
	llmP := &llmmock.Provider{}

	f := start(t, Config{}, Providers{STT: sttP, LLM: llmP})

	f.feed(speechFrames(6)...)
	waitFor(t, "stt session", func() bool { return sttP.SessionCount() == 1 })
	sess := sttP.SessionAt(0)
	f.feed(silenceFrames(30)...)
	waitFor(t, "stt input closed", func() bool { return sess.SendClosed() })
	sess.EmitFinal("   ")

	waitFor(t, "session discarded the turn", func() bool { return sess.Closed() })
	waitFor(t, "back to idle", func() bool { return f.sched.State() == StateIdle })

	if n := len(f.sched.History()); n != 0 {
		t.Errorf("history has %d entries, want 0", n)
	}
	if n := len(llmP.StreamCalls); n != 0 {
		t.Errorf("LLM called %d times for an empty transcript", n)
	}
}

func TestScheduler_STTTimeout(t *testing.T) {
	t.Parallel()

	sttP := &sttmock.Provider{}
	ttsP := &ttsmock.Provider{}

	f := start(t, Config{STTFinalTimeout: 80 * time.Millisecond},
		Providers{STT: sttP, TTS: ttsP})

	f.feed(speechFrames(6)...)
	waitFor(t, "stt session", func() bool { return sttP.SessionCount() == 1 })
	sess := sttP.SessionAt(0)
	f.feed(silenceFrames(30)...)
	waitFor(t, "stt input closed", func() bool { return sess.SendClosed() })
	// No final ever arrives.

	waitFor(t, "fallback spoken", func() bool {
		texts := ttsP.Texts()
		return len(texts) == 1 && texts[0] == "Désolé, je n'ai pas entendu."
	})
	waitFor(t, "back to idle", func() bool {
		return f.sched.State() == StateIdle && f.audioBytes() > 0
	})
	if n := len(f.sched.History()); n != 0 {
		t.Errorf("history has %d entries, want 0", n)
	}
}

func TestScheduler_HungFallbackSynthesisTimesOut(t *testing.T) {
	t.Parallel()

	sttP := &sttmock.Provider{}
	ttsP := &ttsmock.Provider{ChunkDelay: time.Hour}

	f := start(t, Config{
		STTFinalTimeout:    80 * time.Millisecond,
		FirstOutputTimeout: 80 * time.Millisecond,
	}, Providers{STT: sttP, TTS: ttsP})

	f.feed(speechFrames(6)...)
	waitFor(t, "stt session", func() bool { return sttP.SessionCount() == 1 })
	sess := sttP.SessionAt(0)
	f.feed(silenceFrames(30)...)
	waitFor(t, "stt input closed", func() bool { return sess.SendClosed() })
	// No final arrives, and the apology synthesis never yields audio; the
	// first-output bound must pull the session back to Idle.

	waitFor(t, "fallback synthesis started", func() bool {
		return len(ttsP.Texts()) == 1
	})
	waitFor(t, "back to idle", func() bool { return f.sched.State() == StateIdle })

	if n := f.audioBytes(); n != 0 {
		t.Errorf("got %d audio bytes from a hung synthesis", n)
	}
	if n := len(f.sched.History()); n != 0 {
		t.Errorf("history has %d entries, want 0", n)
	}
}

func TestScheduler_RetrievalTimeoutDegradesToUngrounded(t *testing.T) {
	t.Parallel()

	const reply = "Je ne sais pas."
	sttP := &sttmock.Provider{}
	llmP := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{Text: reply},
		{FinishReason: "stop"},
	}}
	retr := &retrmock.Retriever{
		Passages: []retrieval.Passage{{Content: "horaires d'ouverture"}},
		Delay:    400 * time.Millisecond,
	}

	f := start(t, Config{}, Providers{STT: sttP, LLM: llmP, TTS: &ttsmock.Provider{}, Retriever: retr})

	f.feed(speechFrames(6)...)
	waitFor(t, "stt session", func() bool { return sttP.SessionCount() == 1 })
	sess := sttP.SessionAt(0)
	f.feed(silenceFrames(30)...)
	waitFor(t, "stt input closed", func() bool { return sess.SendClosed() })
	sess.EmitFinal("Vous ouvrez quand ?")

	waitFor(t, "turn complete", func() bool {
		return f.sched.State() == StateIdle && len(f.sched.History()) == 1
	})

	h := f.sched.History()[0]
	if h.Interrupted || h.Assistant != reply {
		t.Errorf("turn: %+v", h)
	}
	// Retrieval blew its budget, so the prompt must carry no context message.
	req := llmP.StreamCalls[0].Req
	for _, m := range req.Messages {
		if m.Role == "system" {
			t.Errorf("prompt contains a context message: %q", m.Content)
		}
	}
}

func TestScheduler_PreSpeechCapture(t *testing.T) {
	t.Parallel()

	sttP := &sttmock.Provider{}
	f := start(t, Config{}, Providers{STT: sttP})

	// 500 ms of tagged audio, then speech. The run-length policy fires
	// speech-start on the 5th speech frame, so everything up to there must
	// reach STT from the pre-speech buffer, in order, before live frames.
	var fed []audio.Frame
	for i := 0; i < 25; i++ {
		fed = append(fed, silenceFrame(byte(i)))
	}
	for i := 0; i < 6; i++ {
		fed = append(fed, speechFrame(byte(100+i)))
	}
	f.feed(fed...)

	waitFor(t, "stt session", func() bool { return sttP.SessionCount() == 1 })
	sess := sttP.SessionAt(0)
	waitFor(t, "replayed audio", func() bool { return len(sess.SentAudio()) >= 26 })

	// Ring capacity is 25 frames: the oldest 5 tagged frames were evicted by
	// the speech onset, the rest replay verbatim.
	want := fed[5:]
	sent := sess.SentAudio()
	for i, frame := range want {
		if !bytes.Equal(sent[i], frame.Data) {
			t.Fatalf("frame %d mismatch: got tag %d, want tag %d", i, sent[i][1], frame.Data[1])
		}
	}
}

// ─── Additional behaviors ─────────────────────────────────────────────────────

func TestScheduler_TextTurn(t *testing.T) {
	t.Parallel()

	const reply = "Oui."
	llmP := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{Text: reply},
		{FinishReason: "stop"},
	}}
	ttsP := &ttsmock.Provider{}

	f := start(t, Config{}, Providers{LLM: llmP, TTS: ttsP})

	f.sched.HandleText("Êtes-vous ouvert ?")
	waitFor(t, "turn complete", func() bool {
		return f.sched.State() == StateIdle && len(f.sched.History()) == 1
	})

	h := f.sched.History()[0]
	if h.User != "Êtes-vous ouvert ?" || h.Assistant != reply {
		t.Errorf("turn: %+v", h)
	}
	if got := strings.Join(ttsP.Texts(), ""); got != reply {
		t.Errorf("spoken: %q", got)
	}
}

func TestScheduler_ToolCallRounds(t *testing.T) {
	t.Parallel()

	reg := toolstatic.New(toolstatic.Tool{
		Definition: llm.ToolDefinition{
			Name:        "clock",
			Description: "current time",
			Parameters:  map[string]any{"type": "object"},
		},
		Handler: func(context.Context, string) (string, error) { return "14:32", nil },
	})
	// The static mock always answers with a tool call, so the scheduler
	// must stop at the round limit.
	llmP := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{FinishReason: "tool_calls", ToolCalls: []llm.ToolCall{
			{ID: "call-1", Name: "clock", Arguments: "{}"},
		}},
	}}

	f := start(t, Config{ToolNames: []string{"clock"}, MaxToolRounds: 2},
		Providers{LLM: llmP, Tools: reg})

	f.sched.HandleText("Quelle heure est-il ?")
	waitFor(t, "turn complete", func() bool {
		return f.sched.State() == StateIdle && len(f.sched.History()) == 1
	})

	if n := len(reg.Calls); n != 2 {
		t.Errorf("tool executions: got %d, want 2", n)
	}
	if n := len(llmP.StreamCalls); n != 3 {
		t.Fatalf("LLM calls: got %d, want 3", n)
	}
	// The follow-up request must carry the tool result.
	msgs := llmP.StreamCalls[1].Req.Messages
	last := msgs[len(msgs)-1]
	if last.Role != "tool" || last.Content != "14:32" || last.ToolCallID != "call-1" {
		t.Errorf("tool result message: %+v", last)
	}
}

func TestScheduler_SingleTokenReplyIsSpoken(t *testing.T) {
	t.Parallel()

	llmP := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{Text: "Oui"},
		{FinishReason: "stop"},
	}}
	ttsP := &ttsmock.Provider{}

	f := start(t, Config{}, Providers{LLM: llmP, TTS: ttsP})

	f.sched.HandleText("Vous êtes là ?")
	waitFor(t, "turn complete", func() bool {
		return f.sched.State() == StateIdle && len(f.sched.History()) == 1
	})
	if texts := ttsP.Texts(); len(texts) != 1 || texts[0] != "Oui" {
		t.Errorf("spoken fragments: %v", texts)
	}
}

func TestScheduler_ObserverNotices(t *testing.T) {
	t.Parallel()

	llmP := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{Text: "Bonjour."},
		{FinishReason: "stop"},
	}}

	f := start(t, Config{}, Providers{LLM: llmP})
	notices, cancel := f.sched.Subscribe()
	defer cancel()

	f.sched.HandleText("Salut")
	waitFor(t, "turn complete", func() bool {
		return f.sched.State() == StateIdle && len(f.sched.History()) == 1
	})

	seen := map[NoticeType]bool{}
	for {
		select {
		case n := <-notices:
			seen[n.Type] = true
		default:
			goto done
		}
	}
done:
	for _, want := range []NoticeType{NoticeUserFinal, NoticeAgentDelta, NoticeState, NoticeTurn} {
		if !seen[want] {
			t.Errorf("missing notice type %q", want)
		}
	}
}
