// Package chat runs one conversation turn end to end.
package chat

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/9121343/sxudo/internal/analysis/emotion"
	"github.com/9121343/sxudo/internal/metrics"
	"github.com/9121343/sxudo/internal/model/chat"
	"github.com/9121343/sxudo/internal/service/ai"
)

var (
	ErrEmptyMessage = errors.New("message is required")
	ErrEmptyPrompt  = errors.New("prompt is required")
	ErrInvalidImage = errors.New("invalid image")
)

// DefaultMaxImageBytes bounds uploads when no limit is configured.
const DefaultMaxImageBytes = 10 << 20

const defaultImagePrompt = "Describe this image."

// SessionStore is the persistence the service needs.
type SessionStore interface {
	Load(username string) chat.Session
	Append(username string, turn chat.Turn) (chat.Session, error)
	Clear(username string) error
}

// Gateway produces model replies.
type Gateway interface {
	GetReply(ctx context.Context, username string, turns []*schema.Message) ai.ReplyResult
	GetImageReply(ctx context.Context, prompt string, image []byte) ai.ReplyResult
}

// Responder produces offline replies.
type Responder interface {
	Respond(message, username string, history []chat.Turn) string
}

// Result is the outcome of one chat turn.
type Result struct {
	Reply     string
	Emotion   string
	Username  string
	Timestamp time.Time
	ModelUsed string
}

// ImageGeneration is the outcome of an image generation request.
type ImageGeneration struct {
	Reply     string
	Prompt    string
	Username  string
	Timestamp time.Time
}

// Service encapsulates conversation handling.
type Service struct {
	store    SessionStore
	gateway  Gateway
	demo     Responder
	metrics  *metrics.Metrics
	prompts  *ai.PromptManager
	template prompt.ChatTemplate

	maxImageBytes int64
	now           func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithMetrics records turns and demo fallbacks on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithMaxImageBytes bounds image uploads.
func WithMaxImageBytes(n int64) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxImageBytes = n
		}
	}
}

// WithClock sets the clock used for turn timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService wires the conversation pipeline.
func NewService(store SessionStore, gateway Gateway, demo Responder, opts ...Option) *Service {
	s := &Service{
		store:   store,
		gateway: gateway,
		demo:    demo,
		prompts: ai.NewPromptManager(),
		template: prompt.FromMessages(
			schema.FString,
			schema.SystemMessage("{system}"),
			schema.MessagesPlaceholder("history", true),
			schema.UserMessage("{query}"),
		),
		maxImageBytes: DefaultMaxImageBytes,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NormalizeUsername maps a blank username to the shared default user.
func NormalizeUsername(username string) string {
	if username = strings.TrimSpace(username); username == "" {
		return chat.DefaultUsername
	}
	return username
}

// HandleChat runs one text turn: prompt, model or demo reply, emotion tag, save.
func (s *Service) HandleChat(ctx context.Context, username, message string) (Result, error) {
	username = NormalizeUsername(username)
	if strings.TrimSpace(message) == "" {
		return Result{}, ErrEmptyMessage
	}

	session := s.store.Load(username)

	turns, err := s.buildTurns(ctx, session.History, message)
	if err != nil {
		return Result{}, fmt.Errorf("build prompt: %w", err)
	}

	result := s.gateway.GetReply(ctx, username, turns)
	reply, source := result.Text, "model"
	if !result.Succeeded {
		reply, source = s.demo.Respond(message, username, session.History), "demo"
		s.metrics.RecordDemoFallback("chat")
	}

	decision := emotion.Classify(message)
	turn := chat.Turn{
		ID:            uuid.NewString(),
		UserText:      message,
		AssistantText: reply,
		Timestamp:     s.now(),
		Emotion:       decision.Symbol,
		ModelUsed:     result.ModelUsed,
	}
	if _, err := s.store.Append(username, turn); err != nil {
		return Result{}, fmt.Errorf("save conversation: %w", err)
	}
	s.metrics.RecordChatTurn("chat", source)

	log.Info().
		Str("username", username).
		Str("source", source).
		Str("model", result.ModelUsed).
		Str("emotion", string(decision.Emotion)).
		Int("length", len(reply)).
		Msg("chat turn completed")

	return Result{
		Reply:     reply,
		Emotion:   decision.Symbol,
		Username:  username,
		Timestamp: turn.Timestamp,
		ModelUsed: result.ModelUsed,
	}, nil
}

// HandleImageChat runs one turn about an uploaded image. An image that does
// not decode as PNG, JPEG or GIF is rejected before anything is stored.
func (s *Service) HandleImageChat(ctx context.Context, username, message string, img []byte) (Result, error) {
	username = NormalizeUsername(username)
	if err := s.ValidateImage(img); err != nil {
		return Result{}, err
	}

	question := strings.TrimSpace(message)
	if question == "" {
		question = defaultImagePrompt
	}

	result := s.gateway.GetImageReply(ctx, question, img)
	reply, source := result.Text, "model"
	if !result.Succeeded {
		reply, source = imageFallback(question), "demo"
		s.metrics.RecordDemoFallback("image")
	}

	turn := chat.Turn{
		ID:            uuid.NewString(),
		UserText:      "[Image] " + message,
		AssistantText: reply,
		Timestamp:     s.now(),
		HasImage:      true,
		ModelUsed:     result.ModelUsed,
	}
	if _, err := s.store.Append(username, turn); err != nil {
		return Result{}, fmt.Errorf("save conversation: %w", err)
	}
	s.metrics.RecordChatTurn("image", source)

	log.Info().
		Str("username", username).
		Str("source", source).
		Str("model", result.ModelUsed).
		Int("image_bytes", len(img)).
		Msg("image turn completed")

	return Result{
		Reply:     reply,
		Username:  username,
		Timestamp: turn.Timestamp,
		ModelUsed: result.ModelUsed,
	}, nil
}

// GenerateImage describes what would be generated. No image is produced and
// nothing is stored.
func (s *Service) GenerateImage(_ context.Context, username, promptText string) (ImageGeneration, error) {
	username = NormalizeUsername(username)
	promptText = strings.TrimSpace(promptText)
	if promptText == "" {
		return ImageGeneration{}, ErrEmptyPrompt
	}

	s.metrics.RecordChatTurn("generate_image", "demo")
	return ImageGeneration{
		Reply: fmt.Sprintf("I would generate an image with the prompt: '%s'. "+
			"Image generation is not available on this server, so here is the idea in words instead.", promptText),
		Prompt:    promptText,
		Username:  username,
		Timestamp: s.now(),
	}, nil
}

// Memory returns the stored session of username.
func (s *Service) Memory(_ context.Context, username string) chat.Session {
	return s.store.Load(NormalizeUsername(username))
}

// ClearMemory resets the session of username.
func (s *Service) ClearMemory(_ context.Context, username string) error {
	username = NormalizeUsername(username)
	if err := s.store.Clear(username); err != nil {
		return fmt.Errorf("clear memory: %w", err)
	}
	log.Info().Str("username", username).Msg("memory cleared")
	return nil
}

// ValidateImage checks the size limit and that img decodes completely as a known format.
func (s *Service) ValidateImage(img []byte) error {
	if len(img) == 0 {
		return fmt.Errorf("%w: empty upload", ErrInvalidImage)
	}
	if int64(len(img)) > s.maxImageBytes {
		return fmt.Errorf("%w: %d bytes exceeds the %d byte limit", ErrInvalidImage, len(img), s.maxImageBytes)
	}
	// a full decode also catches bodies that are corrupt past a valid header
	if _, _, err := image.Decode(bytes.NewReader(img)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	return nil
}

// MaxImageBytes returns the upload limit.
func (s *Service) MaxImageBytes() int64 {
	return s.maxImageBytes
}

// buildTurns renders system preamble, history pairs and the new message.
func (s *Service) buildTurns(ctx context.Context, history []chat.Turn, message string) ([]*schema.Message, error) {
	return s.template.Format(ctx, map[string]any{
		"system":  s.prompts.BaselinePrompt(),
		"history": buildHistoryMessages(history),
		"query":   message,
	})
}

func buildHistoryMessages(history []chat.Turn) []*schema.Message {
	if len(history) == 0 {
		return nil
	}

	out := make([]*schema.Message, 0, len(history)*2)
	for _, turn := range history {
		out = append(out, schema.UserMessage(turn.UserText))
		out = append(out, schema.AssistantMessage(turn.AssistantText, nil))
	}
	return out
}

func imageFallback(question string) string {
	return fmt.Sprintf("I received your image and the message: '%s'. "+
		"With a vision model such as LLaVA running in Ollama I would analyze it and describe what I see; "+
		"right now no vision backend is reachable.", question)
}
