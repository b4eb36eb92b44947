// Package webrtc implements the browser-facing peer transport: an Opus
// audio track in each direction over a pion PeerConnection, bridged to the
// session's canonical PCM pipeline.
//
// Signaling is offer/answer over the HTTP control surface. The answer is
// non-trickle (ICE gathering completes before it is returned); the client
// may still trickle its own candidates through AddICECandidate.
package webrtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/pion/rtp"
	pion "github.com/pion/webrtc/v3"

	"github.com/vocalis-ai/vocalis/pkg/audio"
)

// opusPayloadType is the dynamic RTP payload type browsers assign to Opus.
const opusPayloadType = 111

// ErrClosed is returned by signaling methods after Close.
var ErrClosed = errors.New("webrtc: peer closed")

// Endpoint is the session-side half of the transport. [turn.Scheduler]
// satisfies it.
type Endpoint interface {
	HandleFrame(f audio.Frame)
	HandleDiscontinuity(gap time.Duration)
	TransportClosed()
	Output() <-chan audio.Frame
}

// Option configures a Peer.
type Option func(*Peer)

// WithICEServers sets the STUN/TURN URLs offered to the ICE agent.
func WithICEServers(urls ...string) Option {
	return func(p *Peer) { p.iceServers = urls }
}

// Peer is one WebRTC peer connection bound to a session endpoint.
type Peer struct {
	ep         Endpoint
	iceServers []string

	pc    *pion.PeerConnection
	track *pion.TrackLocalStaticRTP
	codec *codec
	ssrc  uint32

	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewPeer creates the peer connection and its outbound audio track. The
// connection carries no media until Answer completes signaling.
func NewPeer(ep Endpoint, opts ...Option) (*Peer, error) {
	p := &Peer{
		ep:         ep,
		iceServers: []string{"stun:stun.l.google.com:19302"},
		ssrc:       rand.Uint32(),
	}
	for _, o := range opts {
		o(p)
	}

	cdc, err := newCodec()
	if err != nil {
		return nil, err
	}
	p.codec = cdc

	var servers []pion.ICEServer
	for _, u := range p.iceServers {
		servers = append(servers, pion.ICEServer{URLs: []string{u}})
	}
	pc, err := pion.NewPeerConnection(pion.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("webrtc: create peer connection: %w", err)
	}
	p.pc = pc

	track, err := pion.NewTrackLocalStaticRTP(
		pion.RTPCodecCapability{MimeType: pion.MimeTypeOpus},
		"audio", "vocalis-agent",
	)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("webrtc: create audio track: %w", err)
	}
	p.track = track
	if _, err := pc.AddTrack(track); err != nil {
		pc.Close()
		return nil, fmt.Errorf("webrtc: add track: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	pc.OnTrack(func(remote *pion.TrackRemote, _ *pion.RTPReceiver) {
		if remote.Codec().MimeType != pion.MimeTypeOpus {
			slog.Warn("ignoring non-opus track", "codec", remote.Codec().MimeType)
			return
		}
		go p.readRemote(ctx, remote)
	})
	pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		slog.Debug("peer connection state", "state", state.String())
		switch state {
		case pion.PeerConnectionStateFailed, pion.PeerConnectionStateClosed:
			p.Close()
		}
	})

	go p.writeLocal(ctx)

	return p, nil
}

// Answer applies the client's SDP offer and returns the complete answer.
func (p *Peer) Answer(ctx context.Context, offerSDP string) (string, error) {
	offer := pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: offerSDP}
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("webrtc: set remote description: %w", err)
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("webrtc: create answer: %w", err)
	}

	gathered := pion.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("webrtc: set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	return p.pc.LocalDescription().SDP, nil
}

// AddICECandidate applies a candidate trickled by the client.
func (p *Peer) AddICECandidate(c pion.ICECandidateInit) error {
	if err := p.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("webrtc: add ice candidate: %w", err)
	}
	return nil
}

// Close tears down the connection and notifies the endpoint. Safe to call
// more than once.
func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.cancel()
		err = p.pc.Close()
		p.ep.TransportClosed()
	})
	return err
}

// ─── Inbound: remote track → canonical frames ────────────────────────────────

// readRemote pulls the caller's Opus packets off the track and hands them to
// the inbound pipeline.
func (p *Peer) readRemote(ctx context.Context, remote *pion.TrackRemote) {
	in := newInbound(p.ep, p.codec)

	for ctx.Err() == nil {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			slog.Debug("remote track ended", "err", err)
			return
		}
		in.handle(pkt)
	}
}

// inbound decodes remote RTP packets into canonical frames. RTP sequence
// gaps become explicit discontinuities backed by silence frames, so the
// pipeline's timeline stays continuous instead of splicing across lost
// packets.
type inbound struct {
	ep      Endpoint
	codec   *codec
	rechunk *audio.Rechunker

	haveSeq bool
	nextSeq uint16
}

func newInbound(ep Endpoint, cdc *codec) *inbound {
	return &inbound{ep: ep, codec: cdc, rechunk: audio.NewRechunker()}
}

func (in *inbound) handle(pkt *rtp.Packet) {
	if len(pkt.Payload) == 0 {
		return
	}

	if in.haveSeq && pkt.SequenceNumber != in.nextSeq {
		lost := int(pkt.SequenceNumber - in.nextSeq)
		if lost > 0 {
			gap := time.Duration(lost) * audio.FrameDuration
			in.ep.HandleDiscontinuity(gap)
			for _, f := range in.rechunk.InsertSilence(gap) {
				in.ep.HandleFrame(f)
			}
		}
	}
	in.nextSeq = pkt.SequenceNumber + 1
	in.haveSeq = true

	pcm, err := in.codec.decode(pkt.Payload)
	if err != nil {
		slog.Warn("opus decode failed", "err", err)
		return
	}
	frames := in.rechunk.Ingest(audio.Frame{
		Data:       pcm,
		SampleRate: opusRate,
		Channels:   opusChannels,
	})
	for _, f := range frames {
		in.ep.HandleFrame(f)
	}
}

// ─── Outbound: agent frames → local track ────────────────────────────────────

// writeLocal paces the agent's audio onto the outbound track, one 20 ms Opus
// packet per tick. Agent audio arrives in bursts (TTS synthesizes faster
// than real time); the ticker restores playback rate and the browser's
// jitter buffer does the rest.
func (p *Peer) writeLocal(ctx context.Context) {
	emit := audio.NewEmitter(audio.Format{SampleRate: opusRate, Channels: opusChannels})
	out := p.ep.Output()

	var (
		pending []byte
		seq     uint16
		ts      uint32
	)

	ticker := time.NewTicker(audio.FrameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-out:
			if !ok {
				// Keep ticking until the tail of the last reply has played.
				out = nil
				continue
			}
			pending = append(pending, emit.Emit(f).Data...)
		case <-ticker.C:
			if len(pending) < opusFrameBytes {
				if out == nil {
					return
				}
				continue
			}
			chunk := pending[:opusFrameBytes]
			pkt, err := p.codec.encode(chunk)
			pending = pending[opusFrameBytes:]
			if err != nil {
				slog.Warn("opus encode failed", "err", err)
				continue
			}
			err = p.track.WriteRTP(&rtp.Packet{
				Header: rtp.Header{
					Version:        2,
					PayloadType:    opusPayloadType,
					SequenceNumber: seq,
					Timestamp:      ts,
					SSRC:           p.ssrc,
				},
				Payload: pkt,
			})
			if err != nil && !errors.Is(err, io.ErrClosedPipe) {
				slog.Warn("track write failed", "err", err)
			}
			seq++
			ts += opusFrameSamples
		}
	}
}
