package elevenlabs

import (
	"testing"

	"github.com/vocalis-ai/vocalis/pkg/audio"
)

func TestNew_RequiresAPIKey(t *testing.T) {
	t.Parallel()

	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty API key")
	}
}

func TestBuildURLForVoice(t *testing.T) {
	t.Parallel()

	got := buildURLForVoice("voice-123", "eleven_flash_v2_5", 16000)
	want := "wss://api.elevenlabs.io/v1/text-to-speech/voice-123/stream-input?model_id=eleven_flash_v2_5&output_format=pcm_16000"
	if got != want {
		t.Errorf("got %q\nwant %q", got, want)
	}
}

func TestOutputFormat(t *testing.T) {
	t.Parallel()

	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := p.OutputFormat(); got != audio.Canonical {
		t.Errorf("default format: got %+v", got)
	}

	p, err = New("key", WithOutputRate(24000))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	want := audio.Format{SampleRate: 24000, Channels: 1}
	if got := p.OutputFormat(); got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestParseVoicesResponse(t *testing.T) {
	t.Parallel()

	data := []byte(`{
		"voices": [
			{
				"voice_id": "v1",
				"name": "Céline",
				"category": "premade",
				"labels": {"language": "fr", "gender": "female"}
			},
			{"voice_id": "v2", "name": "Adam"}
		]
	}`)

	profiles, err := parseVoicesResponse(data)
	if err != nil {
		t.Fatalf("parseVoicesResponse: %v", err)
	}
	if len(profiles) != 2 {
		t.Fatalf("profiles: got %d, want 2", len(profiles))
	}
	if profiles[0].ID != "v1" || profiles[0].Name != "Céline" {
		t.Errorf("profile 0: %+v", profiles[0])
	}
	if profiles[0].Provider != "elevenlabs" {
		t.Errorf("provider: got %q", profiles[0].Provider)
	}
	if profiles[0].Metadata["category"] != "premade" || profiles[0].Metadata["language"] != "fr" {
		t.Errorf("metadata: %v", profiles[0].Metadata)
	}
}

func TestParseVoicesResponse_Invalid(t *testing.T) {
	t.Parallel()

	if _, err := parseVoicesResponse([]byte(`{`)); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}
