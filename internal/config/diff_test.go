package config_test

import (
	"testing"

	"github.com/vocalis-ai/vocalis/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		Agents: []config.AgentConfig{
			{
				ID:           "support-fr",
				SystemPrompt: "Tu es l'assistant du support.",
				Voice:        config.VoiceConfig{VoiceID: "v-1"},
				Tools:        []string{"clock"},
			},
		},
	}
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()

	old, new := baseConfig(), baseConfig()
	cs := config.Diff(old, new)
	if cs.LogLevelChanged || cs.AgentsChanged {
		t.Errorf("identical configs reported changes: %+v", cs)
	}
}

func TestDiff_LogLevel(t *testing.T) {
	t.Parallel()

	old, new := baseConfig(), baseConfig()
	new.Server.LogLevel = config.LogDebug

	cs := config.Diff(old, new)
	if !cs.LogLevelChanged || cs.NewLogLevel != config.LogDebug {
		t.Errorf("got %+v", cs)
	}
}

func TestDiff_AgentPromptAndVoice(t *testing.T) {
	t.Parallel()

	old, new := baseConfig(), baseConfig()
	new.Agents[0].SystemPrompt = "Tu es l'assistant commercial."
	new.Agents[0].Voice.VoiceID = "v-2"

	cs := config.Diff(old, new)
	if !cs.AgentsChanged || len(cs.AgentChanges) != 1 {
		t.Fatalf("got %+v", cs)
	}
	ad := cs.AgentChanges[0]
	if ad.ID != "support-fr" || !ad.PromptChanged || !ad.VoiceChanged {
		t.Errorf("got %+v", ad)
	}
	if ad.ToolsChanged || ad.Added || ad.Removed {
		t.Errorf("unexpected flags: %+v", ad)
	}
}

func TestDiff_AgentAddedAndRemoved(t *testing.T) {
	t.Parallel()

	old, new := baseConfig(), baseConfig()
	new.Agents = []config.AgentConfig{
		{ID: "sales-en", SystemPrompt: "You handle sales calls."},
	}

	cs := config.Diff(old, new)
	if !cs.AgentsChanged || len(cs.AgentChanges) != 2 {
		t.Fatalf("got %+v", cs)
	}
	var added, removed bool
	for _, ad := range cs.AgentChanges {
		switch {
		case ad.Added && ad.ID == "sales-en":
			added = true
		case ad.Removed && ad.ID == "support-fr":
			removed = true
		}
	}
	if !added || !removed {
		t.Errorf("add/remove not both detected: %+v", cs.AgentChanges)
	}
}

func TestDiff_AgentKeywordsAndRetrieval(t *testing.T) {
	t.Parallel()

	old, new := baseConfig(), baseConfig()
	new.Agents[0].Keywords = []config.KeywordConfig{{Keyword: "Vocalis", Boost: 2}}
	new.Agents[0].RetrievalTopK = 8

	cs := config.Diff(old, new)
	if len(cs.AgentChanges) != 1 {
		t.Fatalf("got %+v", cs)
	}
	if !cs.AgentChanges[0].KeywordsChanged || !cs.AgentChanges[0].RetrievalChanged {
		t.Errorf("got %+v", cs.AgentChanges[0])
	}
}
