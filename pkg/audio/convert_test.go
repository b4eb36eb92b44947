package audio_test

import (
	"encoding/binary"
	"testing"

	"github.com/vocalis-ai/vocalis/pkg/audio"
)

func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func TestStereoToMono_AveragesAndClamps(t *testing.T) {
	t.Parallel()

	stereo := samplesToBytes([]int16{100, 200, 32767, 32767})
	got := bytesToSamples(audio.StereoToMono(stereo))
	want := []int16{150, 32767}
	if len(got) != len(want) {
		t.Fatalf("length: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestMonoToStereo_DuplicatesSamples(t *testing.T) {
	t.Parallel()

	got := bytesToSamples(audio.MonoToStereo(samplesToBytes([]int16{7, -7})))
	want := []int16{7, 7, -7, -7}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestResampleMono16_HalvesSampleCount(t *testing.T) {
	t.Parallel()

	in := make([]int16, 960) // 20 ms at 48 kHz
	out := audio.ResampleMono16(samplesToBytes(in), 48000, 16000)
	if len(out) != 320*2 {
		t.Errorf("48k→16k of 960 samples: got %d bytes, want 640", len(out))
	}
}

func TestResampleMono16_Upsamples(t *testing.T) {
	t.Parallel()

	in := make([]int16, 320) // 20 ms at 16 kHz
	out := audio.ResampleMono16(samplesToBytes(in), 16000, 24000)
	if len(out) != 480*2 {
		t.Errorf("16k→24k of 320 samples: got %d bytes, want 960", len(out))
	}
}

func TestFormatConverter_DropsCorruptPCM(t *testing.T) {
	t.Parallel()

	conv := audio.FormatConverter{Target: audio.Canonical}
	out := conv.Convert(audio.Frame{Data: []byte{1, 2, 3}, SampleRate: 16000, Channels: 1})
	if len(out.Data) != 0 {
		t.Errorf("odd-byte frame not dropped: %d bytes", len(out.Data))
	}
}
