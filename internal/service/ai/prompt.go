package ai

import (
	"fmt"
	"strings"
)

// PromptTemplate defines the structure of a system preamble.
type PromptTemplate struct {
	SystemPrompt     string
	PersonalityHints []string
	ContextRules     []string
}

// PromptManager builds the system preamble sent with each candidate request.
type PromptManager struct {
	baseline *PromptTemplate
	named    *PromptTemplate
}

// NewPromptManager creates a prompt manager with the default templates.
func NewPromptManager() *PromptManager {
	return &PromptManager{
		baseline: &PromptTemplate{
			SystemPrompt: "You are SXUDO, an emotionally intelligent AI assistant. " +
				"You should be supportive, understanding, and respond to the emotional context of conversations. " +
				"Be friendly, helpful, and show empathy. Remember the conversation history and user's name. " +
				"Keep responses conversational and warm.",
		},
		named: &PromptTemplate{
			SystemPrompt: "You are SXUDO, a caring companion who has been chatting with %s. " +
				"Address them by name when it feels natural.",
			PersonalityHints: []string{
				"notice how the user feels and acknowledge it before giving advice",
				"keep a warm, encouraging tone without being overly formal",
				"use light humour only when the user seems relaxed",
			},
			ContextRules: []string{
				"build on earlier turns of this conversation instead of starting over",
				"keep replies short enough to read in a chat window",
				"if you do not know something, say so honestly",
			},
		},
	}
}

// BaselinePrompt is the preamble for generic model candidates.
func (pm *PromptManager) BaselinePrompt() string {
	return pm.baseline.SystemPrompt
}

// NamedPrompt is the extended preamble used by the assistant's own model.
func (pm *PromptManager) NamedPrompt(username string) string {
	username = strings.TrimSpace(username)
	if username == "" {
		username = "the user"
	}

	return fmt.Sprintf(`%s

Personality:
- %s

Conversation rules:
- %s`,
		fmt.Sprintf(pm.named.SystemPrompt, username),
		strings.Join(pm.named.PersonalityHints, "\n- "),
		strings.Join(pm.named.ContextRules, "\n- "),
	)
}

// SystemPrompt picks the preamble for a candidate.
func (pm *PromptManager) SystemPrompt(named bool, username string) string {
	if named {
		return pm.NamedPrompt(username)
	}
	return pm.BaselinePrompt()
}
