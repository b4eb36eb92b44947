package turn

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vocalis-ai/vocalis/internal/resilience"
	"github.com/vocalis-ai/vocalis/internal/retrieval"
	"github.com/vocalis-ai/vocalis/internal/transcript"
	"github.com/vocalis-ai/vocalis/pkg/audio"
	"github.com/vocalis-ai/vocalis/pkg/provider/llm"
	"github.com/vocalis-ai/vocalis/pkg/provider/stt"
	"github.com/vocalis-ai/vocalis/pkg/provider/vad"
)

const (
	eventQueueDepth = 512
	outQueueDepth   = 1024
	textChanDepth   = 16

	// fadeOutFrames is the number of silent canonical frames emitted on
	// barge-in to flush the transport-side jitter buffer (2 × 20 ms ≤ 40 ms).
	fadeOutFrames = 2
)

// Scheduler is the single-goroutine orchestration core of one session. All
// exported methods are safe to call from any goroutine; they post events onto
// the inbound queue that only the Run loop consumes.
type Scheduler struct {
	cfg Config
	p   Providers

	events chan any
	out    chan audio.Frame
	bus    *Bus

	detector  vad.Detector
	seg       *vad.Segmenter
	preSpeech *audio.PreSpeechBuffer
	corrector *transcript.Corrector

	// loop-owned state; stMu guards the fields external readers snapshot.
	stMu    sync.Mutex
	state   State
	history []Turn

	baseCtx  context.Context
	loopDone chan struct{}
	err      error

	// per-turn state, reset by resetTurn
	gen        int
	turnCtx    context.Context
	turnCancel context.CancelFunc
	turnStart  time.Time
	sttSess    stt.SessionHandle
	sttTimer   *time.Timer
	llmTimer   *time.Timer
	ttsTimer   *time.Timer
	userText   string
	acc        *Accumulator
	full       strings.Builder // entire LLM reply text
	flushed    strings.Builder // text actually pushed to TTS
	msgs       []llm.Message
	toolDefs   []llm.ToolDefinition
	toolCalls  []llm.ToolCall
	toolRounds int
	finish     string
	textCh     chan string
	ttsOpen    bool
	ttsClosed  bool
	llmLive    bool
	ttsLive    bool
	llmFirst   bool
	ttsFirst   bool
	fallback   bool
	ttsFormat  audio.Format

	lastActivity time.Time
	outTS        time.Duration
}

// New wires a scheduler from a config and provider set. The detector is
// created eagerly so a broken VAD engine fails session creation, not the
// first frame.
func New(cfg Config, p Providers) (*Scheduler, error) {
	cfg.applyDefaults()

	if p.VAD == nil || p.STT == nil || p.LLM == nil || p.TTS == nil {
		return nil, fmt.Errorf("turn: VAD, STT, LLM and TTS providers are all required")
	}
	det, err := p.VAD.NewDetector(vad.Config{SampleRate: audio.CanonicalRate})
	if err != nil {
		return nil, fmt.Errorf("turn: creating VAD detector: %w", err)
	}

	s := &Scheduler{
		cfg:       cfg,
		p:         p,
		events:    make(chan any, eventQueueDepth),
		out:       make(chan audio.Frame, outQueueDepth),
		bus:       NewBus(),
		detector:  det,
		seg:       vad.NewSegmenter(det, cfg.Segmenter),
		preSpeech: audio.NewPreSpeechBuffer(cfg.PreSpeechWindow),
		corrector: transcript.New(cfg.Vocabulary),
		state:     StateIdle,
		loopDone:  make(chan struct{}),
		acc:       NewAccumulator(cfg.SoftFlushTokens),
	}
	if p.Tools != nil && len(cfg.ToolNames) > 0 {
		s.toolDefs = p.Tools.Definitions(cfg.ToolNames)
	}
	return s, nil
}

// ─── Public surface (any goroutine) ──────────────────────────────────────────

// HandleFrame delivers one canonical frame from the transport.
func (s *Scheduler) HandleFrame(f audio.Frame) { s.post(frameEvent{frame: f}) }

// HandleText injects a text-mode user turn, equivalent to a final transcript.
func (s *Scheduler) HandleText(text string) { s.post(userTextEvent{text: text}) }

// HandleDiscontinuity reports a transport audio gap.
func (s *Scheduler) HandleDiscontinuity(gap time.Duration) {
	s.post(discontinuityEvent{gap: gap})
}

// TransportClosed reports that the peer hung up; the session tears down.
func (s *Scheduler) TransportClosed() { s.post(transportClosedEvent{}) }

// Cancel requests an orderly session teardown.
func (s *Scheduler) Cancel() { s.post(cancelEvent{}) }

// Output returns the channel of canonical frames to play to the peer. It is
// closed on teardown.
func (s *Scheduler) Output() <-chan audio.Frame { return s.out }

// Subscribe attaches an observer to the notice stream.
func (s *Scheduler) Subscribe() (<-chan Notice, func()) { return s.bus.Subscribe() }

// State returns the current turn-taking state.
func (s *Scheduler) State() State {
	s.stMu.Lock()
	defer s.stMu.Unlock()
	return s.state
}

// History returns a snapshot of the append-only turn history.
func (s *Scheduler) History() []Turn {
	s.stMu.Lock()
	defer s.stMu.Unlock()
	out := make([]Turn, len(s.history))
	copy(out, s.history)
	return out
}

// post enqueues an event unless the loop has already exited.
func (s *Scheduler) post(ev any) {
	select {
	case s.events <- ev:
	case <-s.loopDone:
	}
}

// ─── Run loop ─────────────────────────────────────────────────────────────────

// Run executes the scheduler loop until the session closes. It returns nil
// on orderly teardown (cancel, transport close, idle timeout) and the fatal
// error otherwise.
func (s *Scheduler) Run(ctx context.Context) error {
	s.baseCtx = ctx
	s.lastActivity = time.Now()

	idle := time.NewTimer(s.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return ctx.Err()

		case <-idle.C:
			if remaining := s.cfg.IdleTimeout - time.Since(s.lastActivity); remaining > 0 {
				idle.Reset(remaining)
				continue
			}
			slog.Info("session idle timeout, closing")
			s.shutdown()
			return nil

		case ev := <-s.events:
			if closed := s.dispatch(ev); closed {
				return s.err
			}
		}
	}
}

// dispatch routes one event. It returns true once the session reached
// Closed.
func (s *Scheduler) dispatch(ev any) bool {
	switch e := ev.(type) {
	case frameEvent:
		s.onFrame(e.frame)
	case userTextEvent:
		s.onUserText(e.text)
	case discontinuityEvent:
		// The transport has already filled the gap with silence frames;
		// the event is logged for diagnosis.
		slog.Warn("transport discontinuity", "gap", e.gap)
	case transportClosedEvent:
		slog.Info("transport closed by peer")
		s.shutdown()
	case cancelEvent:
		s.shutdown()

	case sttPartialEvent:
		s.onSTTPartial(e)
	case sttFinalEvent:
		s.onSTTFinal(e)
	case sttClosedEvent:
		s.onSTTClosed(e)
	case sttTimeoutEvent:
		s.onSTTTimeout(e)

	case llmChunkEvent:
		s.onLLMChunk(e)
	case llmDoneEvent:
		s.onLLMDone(e)
	case llmTimeoutEvent:
		if e.gen == s.gen && s.state == StateThinking && !s.llmFirst {
			s.llmFatal(fmt.Errorf("turn: no LLM output within %s", s.cfg.FirstOutputTimeout))
		}

	case ttsChunkEvent:
		s.onTTSChunk(e)
	case ttsDoneEvent:
		s.onTTSDone(e)
	case ttsTimeoutEvent:
		if e.gen == s.gen && s.state == StateSpeaking && !s.ttsFirst {
			s.ttsFatal(fmt.Errorf("turn: no TTS audio within %s", s.cfg.FirstOutputTimeout))
		}

	default:
		if s.cfg.StrictEvents {
			s.fatal(fmt.Errorf("%w: %T", ErrUnknownEvent, ev))
		} else {
			slog.Warn("ignoring unknown scheduler event", "type", fmt.Sprintf("%T", ev))
		}
	}
	return s.state == StateClosed
}

// ─── Frame path and VAD ──────────────────────────────────────────────────────

func (s *Scheduler) onFrame(f audio.Frame) {
	ev, err := s.seg.Process(f)
	if err != nil {
		// ErrSaturated: the detector is gone; the session cannot continue.
		s.fatal(fmt.Errorf("turn: %w", err))
		return
	}

	if s.state == StateListening && s.sttSess != nil {
		if err := s.sttSess.SendAudio(f.Data); err != nil {
			slog.Debug("stt send failed", "error", err)
		}
	} else {
		s.preSpeech.Push(f)
	}

	switch ev.Type {
	case vad.EventStart:
		s.lastActivity = time.Now()
		switch s.state {
		case StateIdle:
			s.beginListening()
		case StateSpeaking:
			s.bargeIn()
			s.beginListening()
		case StateThinking:
			// User resumed before any audio was produced: cancel the turn
			// in flight and listen to the new utterance.
			s.cancelThinking()
			s.beginListening()
		}
	case vad.EventEnd:
		if s.state == StateListening {
			s.endOfSpeech()
		}
	}
}

// beginListening opens a new user turn: fresh generation, STT session,
// pre-speech replay.
func (s *Scheduler) beginListening() {
	s.newGeneration()
	s.turnStart = time.Now()
	s.setState(StateListening)

	cfg := stt.StreamConfig{
		SampleRate: audio.CanonicalRate,
		Channels:   audio.CanonicalChannels,
		Language:   s.cfg.Language,
		Keywords:   s.cfg.Keywords,
	}
	sess, err := resilience.OnceValue(s.turnCtx, 0, func() (stt.SessionHandle, error) {
		return s.p.STT.StartStream(s.turnCtx, cfg)
	})
	if err != nil {
		slog.Error("stt stream failed to start", "error", err)
		s.publishError(err)
		s.speakFallback()
		return
	}
	s.sttSess = sess

	// Replay buffered pre-speech audio before any live frame.
	for _, f := range s.preSpeech.Drain() {
		if err := sess.SendAudio(f.Data); err != nil {
			slog.Debug("pre-speech replay send failed", "error", err)
			break
		}
	}

	gen := s.gen
	go s.pumpSTT(gen, sess)
}

// endOfSpeech closes STT audio input and arms the bounded final-transcript
// wait.
func (s *Scheduler) endOfSpeech() {
	if s.sttSess != nil {
		if err := s.sttSess.CloseSend(); err != nil {
			slog.Debug("stt close-send failed", "error", err)
		}
	}
	gen := s.gen
	s.sttTimer = time.AfterFunc(s.cfg.STTFinalTimeout, func() {
		s.post(sttTimeoutEvent{gen: gen})
	})
}

func (s *Scheduler) pumpSTT(gen int, sess stt.SessionHandle) {
	go func() {
		for t := range sess.Partials() {
			s.post(sttPartialEvent{gen: gen, t: t})
		}
	}()
	for t := range sess.Finals() {
		s.post(sttFinalEvent{gen: gen, t: t})
	}
	s.post(sttClosedEvent{gen: gen})
}

// ─── STT events ──────────────────────────────────────────────────────────────

func (s *Scheduler) onSTTPartial(e sttPartialEvent) {
	if e.gen != s.gen || s.state != StateListening {
		return
	}
	s.bus.Publish(Notice{Type: NoticeUserPartial, Text: e.t.Text})
}

func (s *Scheduler) onSTTFinal(e sttFinalEvent) {
	if e.gen != s.gen || s.state != StateListening {
		return
	}
	s.stopTimer(&s.sttTimer)

	text := strings.TrimSpace(e.t.Text)
	s.closeSTT()

	if text == "" {
		// Noise-only segment: no LLM call, no history entry.
		s.setState(StateIdle)
		return
	}

	corrected, n := s.corrector.Correct(text)
	if n > 0 {
		slog.Debug("transcript corrected", "replacements", n)
	}
	s.userText = corrected
	s.lastActivity = time.Now()
	s.bus.Publish(Notice{Type: NoticeUserFinal, Text: corrected})
	s.think()
}

func (s *Scheduler) onSTTClosed(e sttClosedEvent) {
	if e.gen != s.gen || s.state != StateListening {
		return
	}
	// Provider ended the stream without a final transcript.
	s.stopTimer(&s.sttTimer)
	s.closeSTT()
	s.publishError(fmt.Errorf("turn: stt stream ended without final transcript"))
	s.speakFallback()
}

func (s *Scheduler) onSTTTimeout(e sttTimeoutEvent) {
	if e.gen != s.gen || s.state != StateListening {
		return
	}
	s.closeSTT()
	s.publishError(fmt.Errorf("turn: no final transcript within %s", s.cfg.STTFinalTimeout))
	s.speakFallback()
}

func (s *Scheduler) closeSTT() {
	if s.sttSess != nil {
		_ = s.sttSess.Close()
		s.sttSess = nil
	}
}

// ─── Thinking: retrieval, prompt, LLM ────────────────────────────────────────

func (s *Scheduler) think() {
	s.setState(StateThinking)

	passages := s.retrieve()
	s.msgs = s.buildMessages(passages)
	s.toolRounds = 0
	s.startLLM()
}

// retrieve fetches grounding passages within the retrieval budget. Any error
// or timeout degrades to an ungrounded turn.
func (s *Scheduler) retrieve() []retrieval.Passage {
	if s.p.Retriever == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(s.turnCtx, s.cfg.RetrievalBudget)
	defer cancel()

	passages, err := s.p.Retriever.Retrieve(ctx, s.userText, s.cfg.RetrievalTopK)
	if err != nil {
		slog.Warn("retrieval failed, proceeding ungrounded", "error", err)
		return nil
	}
	return passages
}

// buildMessages assembles the prompt: retrieved contexts as a system
// message, token-budget-capped history (oldest turns elided first), then the
// current user message. The agent system prompt travels separately in
// CompletionRequest.SystemPrompt.
func (s *Scheduler) buildMessages(passages []retrieval.Passage) []llm.Message {
	var msgs []llm.Message

	if len(passages) > 0 {
		var sb strings.Builder
		sb.WriteString("Relevant context:\n")
		for _, p := range passages {
			sb.WriteString("- ")
			sb.WriteString(p.Content)
			sb.WriteString("\n")
		}
		msgs = append(msgs, llm.Message{Role: "system", Content: sb.String()})
	}

	history := s.historyMessages()
	if s.cfg.PromptTokenBudget > 0 {
		for len(history) > 0 {
			candidate := append(append([]llm.Message{}, msgs...), history...)
			candidate = append(candidate, llm.Message{Role: "user", Content: s.userText})
			n, err := s.p.LLM.CountTokens(candidate)
			if err != nil || n <= s.cfg.PromptTokenBudget {
				break
			}
			// Drop the oldest exchange (user + assistant pair when present).
			drop := 1
			if len(history) > 1 && history[1].Role == "assistant" {
				drop = 2
			}
			history = history[drop:]
		}
	}

	msgs = append(msgs, history...)
	msgs = append(msgs, llm.Message{Role: "user", Content: s.userText})
	return msgs
}

func (s *Scheduler) historyMessages() []llm.Message {
	var out []llm.Message
	for _, t := range s.history {
		if t.User != "" {
			out = append(out, llm.Message{Role: "user", Content: t.User})
		}
		if t.Assistant != "" {
			out = append(out, llm.Message{Role: "assistant", Content: t.Assistant})
		}
	}
	return out
}

func (s *Scheduler) startLLM() {
	req := llm.CompletionRequest{
		Messages:     s.msgs,
		Tools:        s.toolDefs,
		Temperature:  s.cfg.Temperature,
		MaxTokens:    s.cfg.MaxReplyTokens,
		SystemPrompt: s.cfg.SystemPrompt,
	}
	ch, err := resilience.OnceValue(s.turnCtx, 0, func() (<-chan llm.Chunk, error) {
		return s.p.LLM.StreamCompletion(s.turnCtx, req)
	})
	if err != nil {
		s.llmFatal(fmt.Errorf("turn: LLM stream failed to start: %w", err))
		return
	}

	s.llmLive = true
	s.llmFirst = false
	s.finish = ""
	gen := s.gen
	s.llmTimer = time.AfterFunc(s.cfg.FirstOutputTimeout, func() {
		s.post(llmTimeoutEvent{gen: gen})
	})
	go s.pumpLLM(gen, ch)
}

func (s *Scheduler) pumpLLM(gen int, ch <-chan llm.Chunk) {
	for chunk := range ch {
		s.post(llmChunkEvent{gen: gen, chunk: chunk})
	}
	s.post(llmDoneEvent{gen: gen})
}

// ─── LLM events ──────────────────────────────────────────────────────────────

func (s *Scheduler) onLLMChunk(e llmChunkEvent) {
	if e.gen != s.gen || (s.state != StateThinking && s.state != StateSpeaking) {
		return
	}
	if !s.llmFirst {
		s.llmFirst = true
		s.stopTimer(&s.llmTimer)
	}
	if e.chunk.FinishReason == "error" {
		s.llmFatal(fmt.Errorf("turn: LLM stream error: %s", e.chunk.Text))
		return
	}

	if e.chunk.Text != "" {
		s.full.WriteString(e.chunk.Text)
		s.bus.Publish(Notice{Type: NoticeAgentDelta, Text: e.chunk.Text})
		for _, sentence := range s.acc.Add(e.chunk.Text) {
			s.pushSentence(sentence)
		}
	}
	if len(e.chunk.ToolCalls) > 0 {
		s.toolCalls = e.chunk.ToolCalls
	}
	if e.chunk.FinishReason != "" {
		s.finish = e.chunk.FinishReason
	}
}

func (s *Scheduler) onLLMDone(e llmDoneEvent) {
	if e.gen != s.gen {
		return
	}
	s.llmLive = false
	if s.state != StateThinking && s.state != StateSpeaking {
		return
	}

	// Tool-call round: execute requested tools, extend the conversation and
	// re-issue the completion.
	if s.finish == "tool_calls" && len(s.toolCalls) > 0 && s.p.Tools != nil {
		if s.toolRounds < s.cfg.MaxToolRounds {
			s.toolRounds++
			s.runToolCalls()
			return
		}
		slog.Warn("tool-call round limit reached", "rounds", s.toolRounds)
	}

	// Force a final flush so trailing text without a boundary is spoken.
	if rest := s.acc.Flush(); rest != "" {
		s.pushSentence(rest)
	}

	if !s.ttsOpen {
		// Nothing to speak: the turn completes silently.
		s.finishTurn()
		return
	}
	s.closeTTSInput()
}

func (s *Scheduler) runToolCalls() {
	calls := s.toolCalls
	s.toolCalls = nil

	s.msgs = append(s.msgs, llm.Message{Role: "assistant", ToolCalls: calls})
	for _, call := range calls {
		res, err := s.p.Tools.Execute(s.turnCtx, call.Name, call.Arguments)
		content := ""
		switch {
		case err != nil:
			content = fmt.Sprintf("tool error: %v", err)
		case res != nil:
			content = res.Content
			if res.IsError {
				content = "tool error: " + content
			}
		}
		s.msgs = append(s.msgs, llm.Message{
			Role:       "tool",
			Content:    content,
			Name:       call.Name,
			ToolCallID: call.ID,
		})
	}
	s.startLLM()
}

// ─── TTS path ────────────────────────────────────────────────────────────────

// pushSentence delivers one accumulator flush to TTS, opening the synthesis
// stream on first use.
func (s *Scheduler) pushSentence(text string) {
	if !s.ttsOpen {
		if !s.openTTS() {
			return
		}
	}
	s.flushed.WriteString(text)
	select {
	case s.textCh <- text:
	case <-s.turnCtx.Done():
	}
}

func (s *Scheduler) openTTS() bool {
	s.textCh = make(chan string, textChanDepth)
	audioCh, err := s.p.TTS.SynthesizeStream(s.turnCtx, s.textCh, s.cfg.Voice)
	if err != nil {
		s.ttsFatal(fmt.Errorf("turn: TTS stream failed to start: %w", err))
		return false
	}
	s.ttsFormat = s.p.TTS.OutputFormat()
	s.ttsOpen = true
	s.ttsClosed = false
	s.ttsLive = true
	s.ttsFirst = false

	gen := s.gen
	s.ttsTimer = time.AfterFunc(s.cfg.FirstOutputTimeout, func() {
		s.post(ttsTimeoutEvent{gen: gen})
	})
	go s.pumpTTS(gen, audioCh)
	s.setState(StateSpeaking)
	return true
}

func (s *Scheduler) pumpTTS(gen int, ch <-chan []byte) {
	for data := range ch {
		s.post(ttsChunkEvent{gen: gen, data: data})
	}
	s.post(ttsDoneEvent{gen: gen})
}

func (s *Scheduler) closeTTSInput() {
	if s.ttsOpen && !s.ttsClosed {
		close(s.textCh)
		s.ttsClosed = true
	}
}

func (s *Scheduler) onTTSChunk(e ttsChunkEvent) {
	if e.gen != s.gen || s.state != StateSpeaking {
		return
	}
	if !s.ttsFirst {
		s.ttsFirst = true
		s.stopTimer(&s.ttsTimer)
	}
	s.emit(e.data)
}

// emit converts one TTS PCM chunk to the canonical format and forwards it to
// the transport, dropping frames rather than blocking the scheduler when the
// consumer stalls.
func (s *Scheduler) emit(data []byte) {
	if s.ttsFormat != audio.Canonical && len(data)%2 == 0 {
		if s.ttsFormat.Channels == 2 {
			data = audio.StereoToMono(data)
		}
		data = audio.ResampleMono16(data, s.ttsFormat.SampleRate, audio.CanonicalRate)
	}
	frame := audio.Frame{
		Data:       data,
		SampleRate: audio.CanonicalRate,
		Channels:   audio.CanonicalChannels,
		Timestamp:  s.outTS,
	}
	s.outTS += frame.Duration()
	select {
	case s.out <- frame:
	default:
		slog.Warn("output queue full, dropping audio frame")
	}
}

func (s *Scheduler) onTTSDone(e ttsDoneEvent) {
	if e.gen != s.gen {
		return
	}
	s.ttsLive = false
	if s.state != StateSpeaking {
		return
	}
	if s.ttsClosed {
		s.finishTurn()
		return
	}
	// Synthesis ended on its own (provider fault) before the input was
	// closed: cut off gracefully with an interrupted-turn append.
	oldGen := s.gen
	s.turnCancel()
	s.awaitCancel(oldGen)
	if !s.fallback {
		s.appendTurn(true)
	}
	s.resetTurn()
	s.setState(StateIdle)
}

// finishTurn records the completed exchange and returns to Idle.
func (s *Scheduler) finishTurn() {
	if s.fallback {
		s.resetTurn()
		s.setState(StateIdle)
		return
	}
	s.appendTurn(false)
	s.lastActivity = time.Now()
	s.resetTurn()
	s.setState(StateIdle)
}

func (s *Scheduler) appendTurn(interrupted bool) {
	assistant := s.full.String()
	if interrupted {
		assistant = s.flushed.String()
	}
	t := Turn{
		User:        s.userText,
		Assistant:   assistant,
		Interrupted: interrupted,
		StartedAt:   s.turnStart,
		EndedAt:     time.Now(),
	}
	s.stMu.Lock()
	s.history = append(s.history, t)
	s.stMu.Unlock()
	s.bus.Publish(Notice{Type: NoticeTurn, Turn: &t})
}

// ─── Barge-in and cancellation ───────────────────────────────────────────────

// bargeIn executes the interrupt procedure: stop output with a short
// fade-out, cancel LLM and TTS, await confirmations within the deadline, and
// append the interrupted turn.
func (s *Scheduler) bargeIn() {
	slog.Info("barge-in detected")

	// 1. Stop forwarding and flush the transport jitter buffer.
	for range fadeOutFrames {
		s.emit(make([]byte, audio.FrameBytes))
	}

	// 2. Cancel LLM and TTS; the generation bump makes their remaining
	// output stale.
	oldGen := s.gen
	s.turnCancel()

	// 3. Await confirmations, hard-bounded; proceed regardless afterwards.
	s.awaitCancel(oldGen)

	// 4. Record the interrupted turn with whatever had been flushed to TTS.
	if !s.fallback {
		s.appendTurn(true)
	}
	s.resetTurn()
}

// cancelThinking aborts a turn that has produced no audio yet (vad.start
// during Thinking).
func (s *Scheduler) cancelThinking() {
	oldGen := s.gen
	s.turnCancel()
	s.awaitCancel(oldGen)
	if !s.fallback {
		s.appendTurn(true)
	}
	s.resetTurn()
}

// awaitCancel drains the event queue until the old generation's LLM and TTS
// pumps have confirmed termination or the barge-in deadline expires. Frames
// arriving meanwhile land in the pre-speech buffer so the new utterance's
// onset is preserved.
func (s *Scheduler) awaitCancel(oldGen int) {
	deadline := time.NewTimer(s.cfg.BargeInDeadline)
	defer deadline.Stop()

	for s.llmLive || s.ttsLive {
		select {
		case <-deadline.C:
			slog.Warn("cancellation deadline expired, discarding tasks",
				"llm_live", s.llmLive, "tts_live", s.ttsLive)
			s.llmLive = false
			s.ttsLive = false
			return
		case ev := <-s.events:
			switch e := ev.(type) {
			case llmDoneEvent:
				if e.gen == oldGen {
					s.llmLive = false
				}
			case ttsDoneEvent:
				if e.gen == oldGen {
					s.ttsLive = false
				}
			case frameEvent:
				s.preSpeech.Push(e.frame)
			default:
				// Stale provider output from the cancelled turn.
			}
		}
	}
}

// ─── Text-mode turns ─────────────────────────────────────────────────────────

func (s *Scheduler) onUserText(text string) {
	if s.state != StateIdle {
		slog.Warn("dropping user text outside Idle", "state", s.state.String())
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	s.newGeneration()
	s.turnStart = time.Now()
	s.lastActivity = time.Now()
	corrected, _ := s.corrector.Correct(text)
	s.userText = corrected
	s.bus.Publish(Notice{Type: NoticeUserFinal, Text: corrected})
	s.think()
}

// ─── Fallback and fatal paths ────────────────────────────────────────────────

// speakFallback voices the apology utterance after an unrecoverable STT or
// LLM fault, then returns to Idle. Fallback turns are not recorded in
// history.
func (s *Scheduler) speakFallback() {
	s.newGeneration()
	s.fallback = true

	textCh := make(chan string, 1)
	textCh <- s.cfg.FallbackUtterance
	close(textCh)

	audioCh, err := s.p.TTS.SynthesizeStream(s.turnCtx, textCh, s.cfg.Voice)
	if err != nil {
		slog.Error("fallback synthesis failed", "error", err)
		s.resetTurn()
		s.setState(StateIdle)
		return
	}
	s.ttsFormat = s.p.TTS.OutputFormat()
	s.ttsOpen = true
	s.ttsClosed = true
	s.ttsLive = true
	s.ttsFirst = false

	// The apology must start within the same first-audio bound as a normal
	// reply; a hung synthesis must not park the session in Speaking.
	gen := s.gen
	s.ttsTimer = time.AfterFunc(s.cfg.FirstOutputTimeout, func() {
		s.post(ttsTimeoutEvent{gen: gen})
	})
	go s.pumpTTS(s.gen, audioCh)
	s.setState(StateSpeaking)
}

// llmFatal aborts the turn and speaks the fallback apology.
func (s *Scheduler) llmFatal(err error) {
	slog.Error("llm fatal", "error", err)
	s.publishError(err)
	oldGen := s.gen
	s.turnCancel()
	s.awaitCancel(oldGen)
	if s.flushed.Len() > 0 {
		// Part of the reply was already spoken; record what the user heard.
		s.appendTurn(true)
	}
	s.resetTurn()
	s.speakFallback()
}

// ttsFatal cuts audio off without retry and appends the interrupted turn.
func (s *Scheduler) ttsFatal(err error) {
	slog.Error("tts fatal", "error", err)
	s.publishError(err)
	oldGen := s.gen
	s.turnCancel()
	s.awaitCancel(oldGen)
	if !s.fallback {
		s.appendTurn(true)
	}
	s.resetTurn()
	s.setState(StateIdle)
}

// fatal moves the session through Error to Closed.
func (s *Scheduler) fatal(err error) {
	slog.Error("fatal session error", "error", err)
	s.err = err
	s.publishError(err)
	s.setState(StateError)
	s.shutdown()
}

// ─── Lifecycle helpers ───────────────────────────────────────────────────────

// newGeneration starts a fresh turn generation with its own cancellable
// context and clean per-turn state.
func (s *Scheduler) newGeneration() {
	if s.turnCancel != nil {
		s.turnCancel()
	}
	s.gen++
	s.turnCtx, s.turnCancel = context.WithCancel(s.baseCtx)
	s.clearTurnState()
}

func (s *Scheduler) clearTurnState() {
	s.stopTimer(&s.sttTimer)
	s.stopTimer(&s.llmTimer)
	s.stopTimer(&s.ttsTimer)
	s.userText = ""
	s.acc.Reset()
	s.full.Reset()
	s.flushed.Reset()
	s.msgs = nil
	s.toolCalls = nil
	s.toolRounds = 0
	s.finish = ""
	s.textCh = nil
	s.ttsOpen = false
	s.ttsClosed = false
	s.llmLive = false
	s.ttsLive = false
	s.llmFirst = false
	s.ttsFirst = false
	s.fallback = false
}

// resetTurn tears down per-turn resources after a turn ends.
func (s *Scheduler) resetTurn() {
	s.closeSTT()
	if s.turnCancel != nil {
		s.turnCancel()
	}
	s.clearTurnState()
}

func (s *Scheduler) stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (s *Scheduler) setState(to State) {
	s.stMu.Lock()
	from := s.state
	if !legalTransition(from, to) {
		// Should be unreachable; every caller follows the edge set.
		s.stMu.Unlock()
		slog.Error("illegal state transition", "from", from.String(), "to", to.String())
		return
	}
	s.state = to
	s.stMu.Unlock()
	if from != to {
		s.bus.Publish(Notice{Type: NoticeState, State: to.String()})
	}
}

func (s *Scheduler) publishError(err error) {
	s.bus.Publish(Notice{Type: NoticeError, Err: err.Error()})
}

// shutdown releases every session resource and transitions to Closed.
func (s *Scheduler) shutdown() {
	if s.State() == StateClosed {
		return
	}
	s.resetTurn()
	_ = s.detector.Close()
	s.setState(StateClosed)
	close(s.loopDone)
	close(s.out)
	s.bus.Close()
}
