package audio

import "time"

// Rechunker adapts an arbitrary incoming frame stream — whatever rate and
// chunk size the peer's codec produces — to exact canonical frames. It
// converts each input frame to 16 kHz mono, accumulates the PCM in an
// internal buffer, and slices off complete 20 ms frames with strictly
// monotonic timestamps.
//
// Every input sample is accounted for: partial tails stay buffered until the
// next Ingest call completes them. On a transport discontinuity the caller
// inserts an explicit silence gap via InsertSilence instead.
//
// A Rechunker is single-owner; it is not safe for concurrent use.
type Rechunker struct {
	conv   FormatConverter
	buf    []byte
	nextTS time.Duration
}

// NewRechunker returns a Rechunker producing canonical frames starting at
// timestamp zero.
func NewRechunker() *Rechunker {
	return &Rechunker{conv: FormatConverter{Target: Canonical}}
}

// Ingest converts frame to the canonical format, appends it to the internal
// buffer, and returns zero or more complete canonical frames. Returned frame
// timestamps increase by exactly FrameDuration per frame.
func (r *Rechunker) Ingest(frame Frame) []Frame {
	converted := r.conv.Convert(frame)
	if len(converted.Data) == 0 {
		return nil
	}
	r.buf = append(r.buf, converted.Data...)
	return r.drain()
}

// InsertSilence appends d worth of zeroed canonical samples, used when the
// transport signals an audio discontinuity. The gap length is rounded down
// to whole samples; returned frames follow the same monotonic timestamps as
// Ingest output.
func (r *Rechunker) InsertSilence(d time.Duration) []Frame {
	if d <= 0 {
		return nil
	}
	samples := int(int64(d) * CanonicalRate / int64(time.Second))
	if samples == 0 {
		return nil
	}
	r.buf = append(r.buf, make([]byte, samples*2)...)
	return r.drain()
}

// Pending returns the duration of buffered audio that has not yet formed a
// complete canonical frame. Always less than FrameDuration.
func (r *Rechunker) Pending() time.Duration {
	samples := len(r.buf) / 2
	return time.Duration(samples) * time.Second / CanonicalRate
}

// drain slices complete canonical frames off the front of the buffer.
func (r *Rechunker) drain() []Frame {
	var out []Frame
	for len(r.buf) >= FrameBytes {
		data := make([]byte, FrameBytes)
		copy(data, r.buf[:FrameBytes])
		r.buf = r.buf[FrameBytes:]
		out = append(out, Frame{
			Data:       data,
			SampleRate: CanonicalRate,
			Channels:   CanonicalChannels,
			Timestamp:  r.nextTS,
		})
		r.nextTS += FrameDuration
	}
	// Reclaim the backing array once the tail is small, so long sessions do
	// not pin every chunk the transport ever delivered.
	if len(r.buf) > 0 && cap(r.buf) > 4*FrameBytes {
		fresh := make([]byte, len(r.buf), FrameBytes)
		copy(fresh, r.buf)
		r.buf = fresh
	}
	return out
}

// Emitter is the outbound counterpart of [Rechunker]: it converts canonical
// (or TTS-native) frames to the transport's expected format. Each chunk is
// converted independently — the resampling ratio is applied chunkwise, never
// buffered across chunks, so playback speed is exact by construction.
//
// An Emitter is single-owner; it is not safe for concurrent use.
type Emitter struct {
	conv   FormatConverter
	nextTS time.Duration
}

// NewEmitter returns an Emitter targeting the given transport format.
func NewEmitter(target Format) *Emitter {
	return &Emitter{conv: FormatConverter{Target: target}}
}

// Emit converts frame to the transport format and stamps it with the next
// monotonic output timestamp.
func (e *Emitter) Emit(frame Frame) Frame {
	out := e.conv.Convert(frame)
	out.Timestamp = e.nextTS
	e.nextTS += out.Duration()
	return out
}
