// Package wschan binds a WebSocket connection to a session's audio pipeline.
//
// The wire protocol is deliberately minimal: every binary message is raw
// little-endian int16 PCM at 16 kHz mono, at most 100 ms per message. The
// same format flows in both directions. Caller audio is rechunked into
// canonical frames and fed to the session; agent audio is coalesced into
// ≤ 100 ms writes going back.
package wschan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/vocalis-ai/vocalis/pkg/audio"
)

const (
	// MaxChunk is the longest PCM payload accepted or produced per message.
	MaxChunk = 100 * time.Millisecond

	// writeTimeout bounds a single outbound write. A peer that cannot drain
	// real-time audio within this window is considered gone.
	writeTimeout = 5 * time.Second

	// gapTolerance is the slack allowed between the wall-clock arrival gap
	// and the audio time delivered before the channel reports a
	// discontinuity to the session.
	gapTolerance = 150 * time.Millisecond
)

// Endpoint is the session-side half of the channel. [turn.Scheduler]
// satisfies it.
type Endpoint interface {
	// HandleFrame delivers one canonical caller frame.
	HandleFrame(f audio.Frame)

	// HandleDiscontinuity reports a gap in the inbound stream. The channel
	// inserts matching silence frames itself; the event lets the session
	// log and surface the stall.
	HandleDiscontinuity(gap time.Duration)

	// TransportClosed tells the session the peer is gone.
	TransportClosed()

	// Output is the agent audio to play back to the peer.
	Output() <-chan audio.Frame
}

// Option configures Serve.
type Option func(*channel)

// WithFormat sets the PCM format exchanged with the peer. Defaults to the
// canonical 16 kHz mono format.
func WithFormat(f audio.Format) Option {
	return func(c *channel) { c.format = f }
}

type channel struct {
	conn   *websocket.Conn
	ep     Endpoint
	format audio.Format

	// maxOut is MaxChunk worth of PCM in the negotiated format.
	maxOut int

	rechunk *audio.Rechunker
	emit    *audio.Emitter
}

// Serve upgrades the request to a WebSocket and bridges it to ep until the
// peer disconnects, ep's output closes, or ctx is cancelled. It always calls
// ep.TransportClosed before returning. A clean client close returns nil.
func Serve(ctx context.Context, w http.ResponseWriter, r *http.Request, ep Endpoint, opts ...Option) error {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		return fmt.Errorf("wschan: accept: %w", err)
	}

	c := &channel{
		conn:    conn,
		ep:      ep,
		format:  audio.Canonical,
		rechunk: audio.NewRechunker(),
	}
	for _, o := range opts {
		o(c)
	}
	c.emit = audio.NewEmitter(c.format)
	c.maxOut = int(int64(MaxChunk)*int64(c.format.SampleRate)/int64(time.Second)) * 2 * c.format.Channels
	conn.SetReadLimit(int64(c.maxOut))

	return c.run(ctx)
}

func (c *channel) run(ctx context.Context) error {
	defer c.ep.TransportClosed()
	defer c.conn.Close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writeErr := make(chan error, 1)
	go func() {
		writeErr <- c.writeLoop(ctx)
	}()

	readErr := c.readLoop(ctx)

	cancel()
	werr := <-writeErr

	if readErr != nil {
		return readErr
	}
	return werr
}

// ─── Inbound ─────────────────────────────────────────────────────────────────

// readLoop turns binary messages into canonical frames. It returns nil when
// the peer closes normally.
func (c *channel) readLoop(ctx context.Context) error {
	var (
		lastArrival time.Time
		delivered   time.Duration
	)

	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure ||
				websocket.CloseStatus(err) == websocket.StatusGoingAway ||
				ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("wschan: read: %w", err)
		}
		if typ != websocket.MessageBinary {
			c.conn.Close(websocket.StatusUnsupportedData, "binary PCM only")
			return errors.New("wschan: text message on audio channel")
		}
		if len(data)%2 != 0 {
			c.conn.Close(websocket.StatusUnsupportedData, "odd PCM payload")
			return fmt.Errorf("wschan: odd payload length %d", len(data))
		}
		if len(data) == 0 {
			continue
		}

		now := time.Now()
		if !lastArrival.IsZero() {
			// The peer streams in real time, so the wall gap between
			// messages should match the audio already delivered. Anything
			// beyond tolerance is a network stall or a muted stretch the
			// client skipped.
			if gap := now.Sub(lastArrival) - delivered; gap > gapTolerance {
				slog.Debug("audio discontinuity", "gap", gap)
				c.ep.HandleDiscontinuity(gap)
				// Fill the gap with silence before the new audio so the
				// timeline stays continuous instead of splicing across it.
				for _, f := range c.rechunk.InsertSilence(gap) {
					c.ep.HandleFrame(f)
				}
			}
		}
		lastArrival = now

		frame := audio.Frame{
			Data:       data,
			SampleRate: c.format.SampleRate,
			Channels:   c.format.Channels,
		}
		delivered = frame.Duration()

		for _, f := range c.rechunk.Ingest(frame) {
			c.ep.HandleFrame(f)
		}
	}
}

// ─── Outbound ────────────────────────────────────────────────────────────────

// writeLoop coalesces agent frames into ≤ MaxChunk writes. It returns nil
// when the endpoint's output channel closes.
func (c *channel) writeLoop(ctx context.Context) error {
	out := c.ep.Output()
	buf := make([]byte, 0, c.maxOut)

	// flush writes the buffer in at most maxOut slices, since coalesced
	// frames need not divide MaxChunk evenly.
	flush := func() error {
		defer func() { buf = buf[:0] }()
		for off := 0; off < len(buf); off += c.maxOut {
			end := min(off+c.maxOut, len(buf))
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(wctx, websocket.MessageBinary, buf[off:end])
			cancel()
			if err != nil {
				return fmt.Errorf("wschan: write: %w", err)
			}
		}
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-out:
			if !ok {
				return flush()
			}
			buf = append(buf, c.emit.Emit(f).Data...)

			// Drain whatever else is ready before paying for a write.
			for len(buf) < c.maxOut {
				select {
				case more, ok := <-out:
					if !ok {
						return flush()
					}
					buf = append(buf, c.emit.Emit(more).Data...)
					continue
				default:
				}
				break
			}
			if err := flush(); err != nil {
				return err
			}
		}
	}
}
