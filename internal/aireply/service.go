// Package aireply produces short empathetic replies to a participant's
// speech through an OpenAI chat completion.
package aireply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const (
	DefaultTimeout = 8 * time.Second
	DefaultModel   = openai.GPT3Dot5Turbo

	maxTokens   = 150
	temperature = 0.8
)

// systemPrompt asks for one or two sentences of empathy followed by a single
// light question, short and casual.
const systemPrompt = "あなたは優しく共感的な相談相手です。ユーザーの話に対して、1〜2文の共感と、1文の軽い質問で応答してください。カジュアルで親しみやすい口調で、短く簡潔に答えてください。"

// Options configure a Service.
type Options struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger
}

// Service calls the chat completion API. A Service without an API key is
// valid and answers every request with ErrNotConfigured.
type Service struct {
	client  *openai.Client
	model   string
	timeout time.Duration
	logger  *slog.Logger
}

func NewService(opts Options) *Service {
	s := &Service{
		model:   opts.Model,
		timeout: opts.Timeout,
		logger:  opts.Logger,
	}
	if s.model == "" {
		s.model = DefaultModel
	}
	if s.timeout <= 0 {
		s.timeout = DefaultTimeout
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "aireply")

	if opts.APIKey != "" {
		cfg := openai.DefaultConfig(opts.APIKey)
		if opts.BaseURL != "" {
			cfg.BaseURL = opts.BaseURL
		}
		s.client = openai.NewClientWithConfig(cfg)
	}
	return s
}

// Configured reports whether an API key was supplied.
func (s *Service) Configured() bool {
	return s.client != nil
}

// Complete returns a reply to text spoken in roomID. The upstream call is
// bounded by the service timeout regardless of ctx.
func (s *Service) Complete(ctx context.Context, roomID, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w: userText", ErrInvalidInput)
	}
	if roomID == "" {
		return "", fmt.Errorf("%w: roomId", ErrInvalidInput)
	}
	if s.client == nil {
		return "", ErrNotConfigured
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
		MaxTokens:   maxTokens,
		Temperature: temperature,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			s.logger.Warn("completion timed out", "room", roomID, "timeout", s.timeout)
			return "", ErrTimeout
		}
		s.logger.Error("completion failed", "room", roomID, "error", err)
		return "", fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	if len(resp.Choices) == 0 {
		return "", ErrEmptyReply
	}
	reply := strings.TrimSpace(resp.Choices[0].Message.Content)
	if reply == "" {
		return "", ErrEmptyReply
	}

	s.logger.Info("completion received", "room", roomID, "chars", len(reply), "elapsed", time.Since(start))
	return reply, nil
}
