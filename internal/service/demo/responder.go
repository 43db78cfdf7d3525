// Package demo produces offline replies when no inference backend answers.
package demo

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"

	"github.com/9121343/sxudo/internal/model/chat"
	"github.com/9121343/sxudo/pkg/utils"
)

// rule is a keyword rule; the first rule whose keywords match wins.
type rule struct {
	name     string
	keywords []string
	reply    func(username string, history []chat.Turn) string
}

// Responder is a pure, deterministic reply generator.
type Responder struct {
	rules    []rule
	generics []string
}

// NewResponder returns the responder with the built-in rules.
func NewResponder() *Responder {
	return &Responder{rules: defaultRules, generics: genericTemplates}
}

// Respond returns a reply for message. The same message, username and history
// always produce the same reply, and the reply is never empty.
func (r *Responder) Respond(message, username string, history []chat.Turn) string {
	if username = strings.TrimSpace(username); username == "" {
		username = "friend"
	}

	k := utils.NewKeywords(message)
	if rl, ok := r.match(k); ok {
		log.Debug().Str("rule", rl.name).Msg("demo rule matched")
		return rl.reply(username, history)
	}

	idx := xxhash.Sum64String(k.Text()) % uint64(len(r.generics))
	return fmt.Sprintf(r.generics[idx], username)
}

func (r *Responder) match(k utils.Keywords) (rule, bool) {
	for _, rl := range r.rules {
		if k.Any(rl.keywords) {
			return rl, true
		}
	}
	return rule{}, false
}

func fixed(template string) func(string, []chat.Turn) string {
	return func(username string, _ []chat.Turn) string {
		return fmt.Sprintf(template, username)
	}
}

func recall(username string, history []chat.Turn) string {
	if len(history) == 0 {
		return fmt.Sprintf("We're just getting started, %s, so there's nothing for me to look back on yet. What would you like to talk about?", username)
	}
	last := history[len(history)-1]
	return fmt.Sprintf("The last thing you told me, %s, was: \"%s\". Would you like to pick up from there?", username, last.UserText)
}

var defaultRules = []rule{
	{
		name:     "greeting",
		keywords: []string{"hello", "hi", "hey", "greetings", "good morning", "good evening", "good afternoon"},
		reply:    fixed("Hello %s! I'm SXUDO, your emotionally intelligent assistant. I'm running in demo mode right now, but I'm happy to chat. How are you feeling today?"),
	},
	{
		name:     "wellbeing",
		keywords: []string{"how are you", "how're you", "how do you feel"},
		reply:    fixed("Thanks for asking, %s! I'm doing well and ready to listen. How has your day been?"),
	},
	{
		name:     "identity",
		keywords: []string{"who are you", "your name", "what are you"},
		reply:    fixed("I'm SXUDO, an emotionally intelligent AI assistant, %s. I try to understand how you feel and respond with care."),
	},
	{
		name:     "recall",
		keywords: []string{"what did i say", "remember what", "do you remember"},
		reply:    recall,
	},
	{
		name:     "gratitude",
		keywords: []string{"thanks", "thank", "thx", "appreciate"},
		reply:    fixed("You're very welcome, %s! I'm always here when you need me."),
	},
	{
		name:     "sadness",
		keywords: []string{"sad", "upset", "lonely", "depressed", "crying", "heartbroken"},
		reply:    fixed("I'm sorry you're feeling this way, %s. It's okay to feel sad sometimes. Do you want to tell me what's on your mind?"),
	},
	{
		name:     "stress",
		keywords: []string{"stressed", "anxious", "worried", "nervous", "overwhelmed", "scared"},
		reply:    fixed("That sounds like a lot to carry, %s. Try taking a slow, deep breath with me. What's worrying you the most right now?"),
	},
	{
		name:     "help",
		keywords: []string{"help", "assist", "support"},
		reply:    fixed("Of course, %s. I can chat, listen, look at images and keep track of our recent conversation. What do you need help with?"),
	},
	{
		name:     "joke",
		keywords: []string{"joke", "funny", "laugh"},
		reply:    fixed("Here's one for you, %s: why did the computer go to therapy? It had too many unresolved issues!"),
	},
	{
		name:     "farewell",
		keywords: []string{"bye", "goodbye", "see you", "good night"},
		reply:    fixed("Goodbye, %s! Take care of yourself, and come back whenever you want to talk."),
	},
}

var genericTemplates = []string{
	"That's interesting, %s. Tell me more about it.",
	"I hear you, %s. How does that make you feel?",
	"Thanks for sharing that with me, %s. What would you like to explore next?",
	"I'm listening, %s. Take your time and tell me whatever is on your mind.",
	"That sounds important to you, %s. Can you walk me through it?",
}
