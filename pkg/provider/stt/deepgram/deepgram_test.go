package deepgram

import (
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/vocalis-ai/vocalis/pkg/provider/stt"
)

func TestNew_RequiresAPIKey(t *testing.T) {
	t.Parallel()

	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty API key")
	}
}

func TestBuildURL_Defaults(t *testing.T) {
	t.Parallel()

	p, err := New("test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	raw, err := p.buildURL(stt.StreamConfig{})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	q := u.Query()
	if got := q.Get("model"); got != defaultModel {
		t.Errorf("model: got %q, want %q", got, defaultModel)
	}
	if got := q.Get("language"); got != defaultLanguage {
		t.Errorf("language: got %q, want %q", got, defaultLanguage)
	}
	if got := q.Get("sample_rate"); got != "16000" {
		t.Errorf("sample_rate: got %q, want 16000", got)
	}
	if got := q.Get("interim_results"); got != "true" {
		t.Errorf("interim_results: got %q, want true", got)
	}
	if got := q.Get("encoding"); got != "linear16" {
		t.Errorf("encoding: got %q, want linear16", got)
	}
}

func TestBuildURL_ConfigOverridesAndKeywords(t *testing.T) {
	t.Parallel()

	p, err := New("test-key", WithModel("base"), WithEndpointing(400))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	raw, err := p.buildURL(stt.StreamConfig{
		SampleRate: 16000,
		Channels:   1,
		Language:   "fr",
		Keywords: []stt.KeywordBoost{
			{Keyword: "Vocalis", Boost: 5},
			{Keyword: "pgvector", Boost: 2.5},
		},
	})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	q := u.Query()
	if got := q.Get("model"); got != "base" {
		t.Errorf("model: got %q, want base", got)
	}
	if got := q.Get("language"); got != "fr" {
		t.Errorf("language: got %q, want fr", got)
	}
	if got := q.Get("endpointing"); got != "400" {
		t.Errorf("endpointing: got %q, want 400", got)
	}
	kws := q["keywords"]
	if len(kws) != 2 || kws[0] != "Vocalis:5" || kws[1] != "pgvector:2.5" {
		t.Errorf("keywords: got %v", kws)
	}
	if !strings.HasPrefix(raw, "wss://") {
		t.Errorf("scheme: got %q, want wss", raw)
	}
}

func TestParseResponse_Final(t *testing.T) {
	t.Parallel()

	msg := []byte(`{
		"type": "Results",
		"is_final": true,
		"channel": {
			"alternatives": [{
				"transcript": "bonjour tout le monde",
				"confidence": 0.97,
				"words": [
					{"word": "bonjour", "start": 0.1, "end": 0.6, "confidence": 0.99}
				]
			}]
		}
	}`)

	tr, ok := parseResponse(msg)
	if !ok {
		t.Fatal("parseResponse returned ok=false")
	}
	if !tr.IsFinal {
		t.Error("IsFinal: got false, want true")
	}
	if tr.Text != "bonjour tout le monde" {
		t.Errorf("Text: got %q", tr.Text)
	}
	if tr.Confidence != 0.97 {
		t.Errorf("Confidence: got %v", tr.Confidence)
	}
	if len(tr.Words) != 1 {
		t.Fatalf("Words: got %d, want 1", len(tr.Words))
	}
	if tr.Words[0].Start != 100*time.Millisecond {
		t.Errorf("word start: got %v", tr.Words[0].Start)
	}
}

func TestParseResponse_IgnoresNonResults(t *testing.T) {
	t.Parallel()

	cases := map[string][]byte{
		"metadata":        []byte(`{"type":"Metadata","request_id":"abc"}`),
		"no alternatives": []byte(`{"type":"Results","channel":{"alternatives":[]}}`),
		"invalid json":    []byte(`{`),
	}
	for name, msg := range cases {
		if _, ok := parseResponse(msg); ok {
			t.Errorf("%s: parseResponse returned ok=true", name)
		}
	}
}
