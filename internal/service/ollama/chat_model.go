package ollama

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// ChatModel exposes one model on one host through eino's Generate signature,
// so the gateway treats local and remote backends alike.
type ChatModel struct {
	client *Client
	model  string
	base   model.Options
}

// NewChatModel binds model name to client.
func NewChatModel(client *Client, name string, temperature *float32) *ChatModel {
	return &ChatModel{
		client: client,
		model:  name,
		base:   model.Options{Temperature: temperature},
	}
}

// Generate runs one non-streaming chat turn.
func (m *ChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	options := model.GetCommonOptions(&model.Options{Temperature: m.base.Temperature}, opts...)

	name := m.model
	if options.Model != nil && *options.Model != "" {
		name = *options.Model
	}

	req := ChatRequest{
		Model:    name,
		Messages: toMessages(input),
		Options:  requestOptions(options),
	}

	resp, err := m.client.Chat(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("ollama chat %s: %w", name, err)
	}
	return &schema.Message{
		Role:    schema.Assistant,
		Content: resp.Message.Content,
	}, nil
}

// DescribeImage sends prompt together with image to a vision model.
func (m *ChatModel) DescribeImage(ctx context.Context, prompt string, image []byte) (string, error) {
	req := ChatRequest{
		Model: m.model,
		Messages: []Message{{
			Role:    string(schema.User),
			Content: prompt,
			Images:  []string{EncodeImage(image)},
		}},
		Options: requestOptions(&m.base),
	}

	resp, err := m.client.Chat(ctx, req)
	if err != nil {
		return "", fmt.Errorf("ollama vision %s: %w", m.model, err)
	}
	return strings.TrimSpace(resp.Message.Content), nil
}

func toMessages(input []*schema.Message) []Message {
	out := make([]Message, 0, len(input))
	for _, msg := range input {
		if msg == nil {
			continue
		}
		role := string(msg.Role)
		if role == "" {
			role = string(schema.User)
		}
		out = append(out, Message{Role: role, Content: msg.Content})
	}
	return out
}

func requestOptions(o *model.Options) *Options {
	if o == nil || (o.Temperature == nil && o.TopP == nil && o.MaxTokens == nil) {
		return nil
	}
	opts := &Options{Temperature: o.Temperature, TopP: o.TopP}
	if o.MaxTokens != nil {
		opts.NumPredict = *o.MaxTokens
	}
	return opts
}
