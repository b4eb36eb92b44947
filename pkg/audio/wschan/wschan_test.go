package wschan

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/vocalis-ai/vocalis/pkg/audio"
)

// fakeEndpoint records everything the channel delivers.
type fakeEndpoint struct {
	mu     sync.Mutex
	frames []audio.Frame
	gaps   []time.Duration
	closed bool

	out chan audio.Frame
}

func newFakeEndpoint() *fakeEndpoint {
	return &fakeEndpoint{out: make(chan audio.Frame, 64)}
}

func (e *fakeEndpoint) HandleFrame(f audio.Frame) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.frames = append(e.frames, f)
}

func (e *fakeEndpoint) HandleDiscontinuity(gap time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gaps = append(e.gaps, gap)
}

func (e *fakeEndpoint) TransportClosed() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
}

func (e *fakeEndpoint) Output() <-chan audio.Frame { return e.out }

func (e *fakeEndpoint) frameCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.frames)
}

func (e *fakeEndpoint) wasClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// startServer runs Serve behind an httptest server and returns a dialed
// client connection.
func startServer(t *testing.T, ep *fakeEndpoint) (*websocket.Conn, <-chan error) {
	t.Helper()

	serveErr := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		serveErr <- Serve(r.Context(), w, r, ep)
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn, serveErr
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestServe_InboundPCMBecomesCanonicalFrames(t *testing.T) {
	t.Parallel()

	ep := newFakeEndpoint()
	conn, _ := startServer(t, ep)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	// 100 ms of 16 kHz mono PCM in one message.
	chunk := make([]byte, 5*audio.FrameBytes)
	if err := conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
		t.Fatalf("write: %v", err)
	}

	waitFor(t, "5 frames", func() bool { return ep.frameCount() == 5 })

	ep.mu.Lock()
	defer ep.mu.Unlock()
	for i, f := range ep.frames {
		if !f.IsCanonical() {
			t.Errorf("frame %d not canonical: rate=%d len=%d", i, f.SampleRate, len(f.Data))
		}
		if want := time.Duration(i) * audio.FrameDuration; f.Timestamp != want {
			t.Errorf("frame %d timestamp: got %v, want %v", i, f.Timestamp, want)
		}
	}
}

func TestServe_PartialChunksAccumulate(t *testing.T) {
	t.Parallel()

	ep := newFakeEndpoint()
	conn, _ := startServer(t, ep)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	// Two half-frame messages complete exactly one canonical frame.
	half := make([]byte, audio.FrameBytes/2)
	for range 2 {
		if err := conn.Write(ctx, websocket.MessageBinary, half); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	waitFor(t, "1 frame", func() bool { return ep.frameCount() == 1 })
}

func TestServe_OutboundCoalescedWithinLimit(t *testing.T) {
	t.Parallel()

	ep := newFakeEndpoint()
	conn, _ := startServer(t, ep)

	for i := range 7 {
		ep.out <- audio.SilentFrame(time.Duration(i) * audio.FrameDuration)
	}
	close(ep.out)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	maxBytes := 5 * audio.FrameBytes
	total := 0
	for total < 7*audio.FrameBytes {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read after %d bytes: %v", total, err)
		}
		if typ != websocket.MessageBinary {
			t.Fatalf("message type: got %v", typ)
		}
		if len(data) > maxBytes {
			t.Errorf("message exceeds 100 ms: %d bytes", len(data))
		}
		total += len(data)
	}
	if total != 7*audio.FrameBytes {
		t.Errorf("total playback bytes: got %d, want %d", total, 7*audio.FrameBytes)
	}
}

func TestServe_StallInsertsSilenceAndReportsDiscontinuity(t *testing.T) {
	t.Parallel()

	ep := newFakeEndpoint()
	conn, _ := startServer(t, ep)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	// Non-silent payload so inserted silence is distinguishable.
	chunk := make([]byte, audio.FrameBytes)
	for i := range chunk {
		chunk[i] = 0x11
	}
	if err := conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
		t.Fatalf("write: %v", err)
	}
	// Stall well past the 20 ms of audio delivered plus tolerance.
	time.Sleep(500 * time.Millisecond)
	if err := conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
		t.Fatalf("write: %v", err)
	}

	waitFor(t, "discontinuity", func() bool {
		ep.mu.Lock()
		defer ep.mu.Unlock()
		return len(ep.gaps) == 1
	})

	ep.mu.Lock()
	gap := ep.gaps[0]
	ep.mu.Unlock()
	if gap < 200*time.Millisecond {
		t.Errorf("reported gap too small: %v", gap)
	}

	// The gap must arrive as silence frames, keeping audio and wall time in
	// step: at least gap/20ms silent frames between the two audio frames.
	wantSilent := int(gap / audio.FrameDuration)
	waitFor(t, "silence frames", func() bool {
		return ep.frameCount() >= 1+wantSilent
	})

	ep.mu.Lock()
	defer ep.mu.Unlock()
	silent := 0
	for i, f := range ep.frames {
		if want := time.Duration(i) * audio.FrameDuration; f.Timestamp != want {
			t.Errorf("frame %d timestamp: got %v, want %v", i, f.Timestamp, want)
		}
		zero := true
		for _, b := range f.Data {
			if b != 0 {
				zero = false
				break
			}
		}
		if zero {
			silent++
		}
	}
	if silent < wantSilent {
		t.Errorf("silent frames: got %d, want at least %d", silent, wantSilent)
	}
}

func TestServe_OutboundSplitsOversizeBursts(t *testing.T) {
	t.Parallel()

	ep := newFakeEndpoint()
	conn, _ := startServer(t, ep)

	// 60 ms frames do not divide the 100 ms bound evenly; coalesced writes
	// must still never exceed it.
	for i := range 4 {
		ep.out <- audio.Frame{
			Data:       make([]byte, 3*audio.FrameBytes),
			SampleRate: audio.CanonicalRate,
			Channels:   audio.CanonicalChannels,
			Timestamp:  time.Duration(i) * 3 * audio.FrameDuration,
		}
	}
	close(ep.out)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	maxBytes := 5 * audio.FrameBytes
	total := 0
	for total < 12*audio.FrameBytes {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read after %d bytes: %v", total, err)
		}
		if len(data) > maxBytes {
			t.Errorf("message exceeds 100 ms: %d bytes", len(data))
		}
		total += len(data)
	}
	if total != 12*audio.FrameBytes {
		t.Errorf("total playback bytes: got %d, want %d", total, 12*audio.FrameBytes)
	}
}

func TestServe_ClientCloseIsClean(t *testing.T) {
	t.Parallel()

	ep := newFakeEndpoint()
	conn, serveErr := startServer(t, ep)

	if err := conn.Close(websocket.StatusNormalClosure, "bye"); err != nil {
		t.Fatalf("close: %v", err)
	}

	select {
	case err := <-serveErr:
		if err != nil {
			t.Errorf("Serve after clean close: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return after client close")
	}
	if !ep.wasClosed() {
		t.Error("TransportClosed not called")
	}
}

func TestServe_TextMessageRejected(t *testing.T) {
	t.Parallel()

	ep := newFakeEndpoint()
	conn, serveErr := startServer(t, ep)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case err := <-serveErr:
		if err == nil {
			t.Error("Serve accepted a text message")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return after protocol violation")
	}
}
