package webrtc

import (
	"fmt"

	"layeh.com/gopus"
)

// WebRTC negotiates Opus at 48 kHz stereo with 20 ms packets.
const (
	opusRate     = 48000
	opusChannels = 2

	// opusFrameSamples is samples per channel per 20 ms packet.
	opusFrameSamples = opusRate / 1000 * 20 // 960

	// opusFrameBytes is one decoded 20 ms packet as interleaved int16 PCM.
	opusFrameBytes = opusFrameSamples * opusChannels * 2

	// maxOpusPacket bounds the encoder output buffer.
	maxOpusPacket = 4000
)

// codec pairs the Opus encoder and decoder for one peer. Opus is stateful in
// both directions, so each peer owns its codec instance.
type codec struct {
	enc *gopus.Encoder
	dec *gopus.Decoder
}

func newCodec() (*codec, error) {
	enc, err := gopus.NewEncoder(opusRate, opusChannels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("webrtc: create opus encoder: %w", err)
	}
	dec, err := gopus.NewDecoder(opusRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("webrtc: create opus decoder: %w", err)
	}
	return &codec{enc: enc, dec: dec}, nil
}

// encode turns one 20 ms interleaved PCM chunk into an Opus packet.
func (c *codec) encode(pcm []byte) ([]byte, error) {
	if len(pcm) != opusFrameBytes {
		return nil, fmt.Errorf("webrtc: encode expects %d PCM bytes, got %d", opusFrameBytes, len(pcm))
	}
	pkt, err := c.enc.Encode(bytesToInt16(pcm), opusFrameSamples, maxOpusPacket)
	if err != nil {
		return nil, fmt.Errorf("webrtc: opus encode: %w", err)
	}
	return pkt, nil
}

// decode turns one Opus packet into interleaved PCM bytes.
func (c *codec) decode(pkt []byte) ([]byte, error) {
	pcm, err := c.dec.Decode(pkt, opusFrameSamples, false)
	if err != nil {
		return nil, fmt.Errorf("webrtc: opus decode: %w", err)
	}
	return int16ToBytes(pcm), nil
}

func int16ToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

func bytesToInt16(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
