package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/vocalis-ai/vocalis/internal/config"
)

const validYAML = `
server:
  listen_addr: ":8080"
  log_level: info
providers:
  stt:
    name: deepgram
    api_key: dg-key
    model: nova-2
  llm:
    name: openai
    api_key: oa-key
    model: gpt-4o-mini
  tts:
    name: elevenlabs
    api_key: el-key
  vad:
    name: energy
turn:
  soft_flush_tokens: 32
  pre_speech_window: 500ms
  idle_timeout: 10m
agents:
  - id: support-fr
    name: Support
    system_prompt: "Tu es l'assistant du support."
    language: fr
    voice:
      voice_id: v-123
      speed_factor: 1.1
    keywords:
      - keyword: Vocalis
        boost: 2.0
`

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen_addr: got %q", cfg.Server.ListenAddr)
	}
	if cfg.Turn.PreSpeechWindow.Std() != 500*time.Millisecond {
		t.Errorf("pre_speech_window: got %v", cfg.Turn.PreSpeechWindow.Std())
	}
	if cfg.Turn.IdleTimeout.Std() != 10*time.Minute {
		t.Errorf("idle_timeout: got %v", cfg.Turn.IdleTimeout.Std())
	}
	if len(cfg.Agents) != 1 || cfg.Agents[0].ID != "support-fr" {
		t.Fatalf("agents: got %+v", cfg.Agents)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()

	yaml := `
server:
  listen_adress: ":8080"
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestLoadFromReader_BadDuration(t *testing.T) {
	t.Parallel()

	yaml := `
turn:
  idle_timeout: soon
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil || !strings.Contains(err.Error(), "invalid duration") {
		t.Fatalf("expected invalid duration error, got: %v", err)
	}
}

func TestValidate_DuplicateAgentIDs(t *testing.T) {
	t.Parallel()

	yaml := `
providers:
  stt: {name: deepgram}
  llm: {name: openai}
  tts: {name: openai}
agents:
  - id: caller
    system_prompt: a
  - id: caller
    system_prompt: b
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for duplicate agent ids, got nil")
	}
	if !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("error should mention duplicate, got: %v", err)
	}
}

func TestValidate_AgentNeedsEveryStage(t *testing.T) {
	t.Parallel()

	yaml := `
agents:
  - id: caller
    system_prompt: a
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for missing providers, got nil")
	}
	for _, stage := range []string{"stt", "llm", "tts"} {
		if !strings.Contains(err.Error(), "no "+stage+" provider") {
			t.Errorf("error should mention missing %s provider, got: %v", stage, err)
		}
	}
}

func TestValidate_AgentOverrideSatisfiesStage(t *testing.T) {
	t.Parallel()

	yaml := `
providers:
  stt: {name: deepgram}
  tts: {name: elevenlabs}
agents:
  - id: caller
    system_prompt: a
    llm:
      name: openai
      model: gpt-4o-mini
`
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err != nil {
		t.Fatalf("agent llm override should satisfy the stage check: %v", err)
	}
}

func TestValidate_SpeedFactorRange(t *testing.T) {
	t.Parallel()

	yaml := `
providers:
  stt: {name: deepgram}
  llm: {name: openai}
  tts: {name: elevenlabs}
agents:
  - id: caller
    system_prompt: a
    voice:
      speed_factor: 3.5
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil || !strings.Contains(err.Error(), "speed_factor") {
		t.Fatalf("expected speed_factor range error, got: %v", err)
	}
}

func TestValidate_MCPStdioRequiresCommand(t *testing.T) {
	t.Parallel()

	yaml := `
tools:
  servers:
    - name: crm
      transport: stdio
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil || !strings.Contains(err.Error(), "command is required") {
		t.Fatalf("expected stdio command error, got: %v", err)
	}
}

func TestValidate_TLSNeedsBothFiles(t *testing.T) {
	t.Parallel()

	yaml := `
server:
  tls:
    cert_file: /etc/vocalis/cert.pem
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil || !strings.Contains(err.Error(), "cert_file and key_file") {
		t.Fatalf("expected tls error, got: %v", err)
	}
}
