package config

import "slices"

// ChangeSet describes what changed between two configs. Only fields that can
// be applied without a restart are tracked: the log level and the inline
// agent list. Running sessions keep the snapshot they started with; agent
// changes affect new sessions only.
type ChangeSet struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	AgentsChanged bool
	AgentChanges  []AgentDiff
}

// AgentDiff describes what changed for a single inline agent between two
// configs.
type AgentDiff struct {
	ID                string
	PromptChanged     bool
	VoiceChanged      bool
	KeywordsChanged   bool
	ToolsChanged      bool
	RetrievalChanged  bool
	GenerationChanged bool
	Added             bool
	Removed           bool
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ChangeSet {
	var cs ChangeSet

	if old.Server.LogLevel != new.Server.LogLevel {
		cs.LogLevelChanged = true
		cs.NewLogLevel = new.Server.LogLevel
	}

	oldAgents := make(map[string]*AgentConfig, len(old.Agents))
	for i := range old.Agents {
		oldAgents[old.Agents[i].ID] = &old.Agents[i]
	}
	newAgents := make(map[string]*AgentConfig, len(new.Agents))
	for i := range new.Agents {
		newAgents[new.Agents[i].ID] = &new.Agents[i]
	}

	for id, oldA := range oldAgents {
		newA, exists := newAgents[id]
		if !exists {
			cs.AgentChanges = append(cs.AgentChanges, AgentDiff{ID: id, Removed: true})
			cs.AgentsChanged = true
			continue
		}
		ad := diffAgent(id, oldA, newA)
		if ad.PromptChanged || ad.VoiceChanged || ad.KeywordsChanged || ad.ToolsChanged || ad.RetrievalChanged || ad.GenerationChanged {
			cs.AgentChanges = append(cs.AgentChanges, ad)
			cs.AgentsChanged = true
		}
	}
	for id := range newAgents {
		if _, exists := oldAgents[id]; !exists {
			cs.AgentChanges = append(cs.AgentChanges, AgentDiff{ID: id, Added: true})
			cs.AgentsChanged = true
		}
	}

	return cs
}

// diffAgent compares two agent configs with the same ID.
func diffAgent(id string, old, new *AgentConfig) AgentDiff {
	ad := AgentDiff{ID: id}

	if old.SystemPrompt != new.SystemPrompt || old.Language != new.Language || old.Name != new.Name {
		ad.PromptChanged = true
	}
	if old.Voice != new.Voice {
		ad.VoiceChanged = true
	}
	if !slices.Equal(old.Keywords, new.Keywords) {
		ad.KeywordsChanged = true
	}
	if !slices.Equal(old.Tools, new.Tools) {
		ad.ToolsChanged = true
	}
	if old.KnowledgeBaseID != new.KnowledgeBaseID || old.RetrievalTopK != new.RetrievalTopK {
		ad.RetrievalChanged = true
	}
	if old.Temperature != new.Temperature || old.MaxReplyTokens != new.MaxReplyTokens ||
		old.PromptTokenBudget != new.PromptTokenBudget {
		ad.GenerationChanged = true
	}

	return ad
}
