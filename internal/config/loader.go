package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/vocalis-ai/vocalis/internal/tools/mcphost"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt":        {"deepgram", "openai"},
	"llm":        {"openai", "anyllm:openai", "anyllm:anthropic", "anyllm:ollama"},
	"tts":        {"elevenlabs", "openai"},
	"vad":        {"silero", "energy"},
	"embeddings": {"openai"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. References of the form ${VAR} are replaced with the value of the
// environment variable VAR before decoding, so API keys can stay out of the
// file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}

	expanded := os.Expand(string(raw), func(name string) string {
		return os.Getenv(name)
	})

	cfg, err := LoadFromReader(strings.NewReader(expanded))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, fmt.Errorf("server.tls requires both cert_file and key_file"))
		}
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)

	// The cascade needs every stage configured, either globally or per agent.
	if cfg.Providers.STT.Name == "" && len(cfg.Agents) > 0 {
		errs = append(errs, missingStage("stt", cfg.Agents, func(a AgentConfig) *ProviderRefConfig { return a.STT })...)
	}
	if cfg.Providers.LLM.Name == "" && len(cfg.Agents) > 0 {
		errs = append(errs, missingStage("llm", cfg.Agents, func(a AgentConfig) *ProviderRefConfig { return a.LLM })...)
	}
	if cfg.Providers.TTS.Name == "" && len(cfg.Agents) > 0 {
		errs = append(errs, missingStage("tts", cfg.Agents, func(a AgentConfig) *ProviderRefConfig { return a.TTS })...)
	}

	// Embeddings ↔ storage dimensions
	if cfg.Providers.Embeddings.Name != "" && cfg.Storage.EmbeddingDimensions <= 0 {
		slog.Warn("providers.embeddings is configured but storage.embedding_dimensions is not set; defaulting to 1536")
	}

	// Retrieval availability
	if cfg.Storage.PostgresDSN == "" {
		for _, a := range cfg.Agents {
			if a.KnowledgeBaseID != "" {
				slog.Warn("agent declares a knowledge base but storage.postgres_dsn is empty; grounding will be disabled",
					"agent", a.ID, "knowledge_base", a.KnowledgeBaseID)
			}
		}
	}

	// Turn timings must be positive when set. Zero means default.
	for _, tc := range []struct {
		name string
		d    Duration
	}{
		{"turn.pre_speech_window", cfg.Turn.PreSpeechWindow},
		{"turn.stt_final_timeout", cfg.Turn.STTFinalTimeout},
		{"turn.retrieval_budget", cfg.Turn.RetrievalBudget},
		{"turn.first_output_timeout", cfg.Turn.FirstOutputTimeout},
		{"turn.barge_in_deadline", cfg.Turn.BargeInDeadline},
		{"turn.idle_timeout", cfg.Turn.IdleTimeout},
	} {
		if tc.d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", tc.name))
		}
	}

	// Agents
	agentIDsSeen := make(map[string]int, len(cfg.Agents))
	for i, a := range cfg.Agents {
		prefix := fmt.Sprintf("agents[%d]", i)
		if a.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		} else {
			if prev, ok := agentIDsSeen[a.ID]; ok {
				errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of agents[%d]", prefix, a.ID, prev))
			}
			agentIDsSeen[a.ID] = i
		}
		if a.SystemPrompt == "" {
			errs = append(errs, fmt.Errorf("%s.system_prompt is required", prefix))
		}
		if a.Voice.SpeedFactor != 0 {
			if a.Voice.SpeedFactor < 0.5 || a.Voice.SpeedFactor > 2.0 {
				errs = append(errs, fmt.Errorf("%s.voice.speed_factor %.2f is out of range [0.5, 2.0]", prefix, a.Voice.SpeedFactor))
			}
		}
		if a.RetrievalTopK < 0 {
			errs = append(errs, fmt.Errorf("%s.retrieval_top_k must not be negative", prefix))
		}
		if a.Temperature < 0 || a.Temperature > 2 {
			errs = append(errs, fmt.Errorf("%s.temperature %.2f is out of range [0, 2]", prefix, a.Temperature))
		}
		for _, ref := range []struct {
			kind string
			ref  *ProviderRefConfig
		}{
			{"stt", a.STT}, {"llm", a.LLM}, {"tts", a.TTS}, {"vad", a.VAD},
		} {
			if ref.ref != nil {
				if ref.ref.Name == "" {
					errs = append(errs, fmt.Errorf("%s.%s.name is required when the override block is present", prefix, ref.kind))
				} else {
					validateProviderName(ref.kind, ref.ref.Name)
				}
			}
		}
	}

	// MCP servers
	for i, srv := range cfg.Tools.Servers {
		prefix := fmt.Sprintf("tools.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		if srv.Transport != "" && !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == mcphost.TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == mcphost.TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}

	return errors.Join(errs...)
}

// missingStage reports which agents are left without a provider for a stage
// that has no global default.
func missingStage(kind string, agents []AgentConfig, ref func(AgentConfig) *ProviderRefConfig) []error {
	var errs []error
	for i, a := range agents {
		if ref(a) == nil {
			errs = append(errs, fmt.Errorf("agents[%d]: no %s provider configured (providers.%s is empty and the agent has no override)", i, kind, kind))
		}
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
