// Package chat sends conversations to an Azure OpenAI deployment and returns
// the reply together with the extended history.
package chat

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/sashabaranov/go-openai"

	"github.com/comigor/azure-chat-go/internal/auth"
	"github.com/comigor/azure-chat-go/internal/config"
	"github.com/comigor/azure-chat-go/internal/llm"
	"github.com/comigor/azure-chat-go/internal/logger"
)

const topP = 1.0

// Clock returns the current instant.
type Clock func() time.Time

func utcNow() time.Time { return time.Now().UTC() }

// Service is the chat-completion client. It holds one authenticated client
// for its whole lifetime; calls share no other state.
type Service struct {
	llmClient llm.Client
	model     config.ModelConfig
	system    []openai.ChatCompletionMessage
	log       *slog.Logger
	now       Clock
}

type options struct {
	llmClient  llm.Client
	credential azcore.TokenCredential
	log        *slog.Logger
	now        Clock
}

// Option customises a Service.
type Option func(*options)

// WithLLMClient replaces the Azure client built from the connection info.
func WithLLMClient(c llm.Client) Option {
	return func(o *options) { o.llmClient = c }
}

// WithCredential sets the identity used to obtain bearer tokens instead of
// the default Azure credential chain.
func WithCredential(cred azcore.TokenCredential) Option {
	return func(o *options) { o.credential = cred }
}

// WithLogger sets the logger. Defaults to discarding output.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithClock sets the time source used to stamp new turns.
func WithClock(now Clock) Option {
	return func(o *options) { o.now = now }
}

// New validates conn and model and builds the authenticated client.
func New(conn *config.ConnectionInfo, model *config.ModelConfig, opts ...Option) (*Service, error) {
	if conn == nil {
		return nil, &ConfigurationError{Field: "connection_info"}
	}
	if model == nil {
		return nil, &ConfigurationError{Field: "model_config"}
	}
	if err := conn.Validate(); err != nil {
		return nil, &ConfigurationError{Field: "connection_info", Err: err}
	}
	if err := model.Validate(); err != nil {
		return nil, &ConfigurationError{Field: "model_config", Err: err}
	}

	o := options{log: logger.Discard(), now: utcNow}
	for _, opt := range opts {
		opt(&o)
	}

	if o.llmClient == nil {
		cred := o.credential
		if cred == nil {
			var err error
			if cred, err = auth.DefaultCredential(); err != nil {
				return nil, &ConfigurationError{Field: "credential", Err: err}
			}
		}
		ts := auth.NewTokenSource(cred, auth.CognitiveServicesScope)
		o.llmClient = llm.NewAzureClient(*conn, ts)
	}

	s := &Service{
		llmClient: o.llmClient,
		model:     *model,
		log:       o.log,
		now:       o.now,
	}
	s.model.Messages = append([]config.PromptMessage(nil), model.Messages...)
	for _, m := range s.model.Messages {
		if strings.EqualFold(m.Role, string(RoleSystem)) {
			s.system = append(s.system, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: m.Content,
			})
		}
	}

	s.log.Info("chat service ready",
		"endpoint", conn.Endpoint,
		"api_version", conn.APIVersion,
		"model", model.Model,
		"system_messages", len(s.system))
	return s, nil
}

// wireTemperature keeps a configured 0 on the wire: go-openai omits a zero
// temperature, which makes the service fall back to its default of 1.
func wireTemperature(t float32) float32 {
	if t == 0 {
		return math.SmallestNonzeroFloat32
	}
	return t
}

// buildMessages lays out system prompts, then history, then the new user message.
func (s *Service) buildMessages(req ChatRequest) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(s.system)+len(req.History)+1)
	messages = append(messages, s.system...)
	for _, m := range req.History {
		// history roles are forwarded as given; only configured prompts are normalised
		messages = append(messages, openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content})
	}
	return append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Message})
}

// GetChatCompletion sends one completion request and returns the reply with
// the history extended by the user turn and the assistant turn. req.History
// is not modified. Remote failures come back as *RemoteServiceError.
func (s *Service) GetChatCompletion(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	messages := s.buildMessages(req)
	s.log.Debug("sending chat completion", "model", s.model.Model, "messages", len(messages))

	resp, err := s.llmClient.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       s.model.Model,
		Messages:    messages,
		MaxTokens:   s.model.MaxCompletionTokens,
		Temperature: wireTemperature(s.model.Temperature),
		TopP:        topP,
	})
	if err != nil {
		rerr := remoteError(err)
		s.log.Error("chat completion failed", "kind", rerr.Kind, "error", err)
		return ChatResponse{}, rerr
	}
	if len(resp.Choices) == 0 {
		s.log.Error("chat completion returned no choices", "id", resp.ID)
		return ChatResponse{}, remoteError(errNoChoices)
	}
	reply := resp.Choices[0].Message.Content

	now := s.now()
	history := make([]ChatbotMessage, len(req.History), len(req.History)+2)
	copy(history, req.History)
	history = append(history,
		ChatbotMessage{Role: RoleUser, Content: req.Message, Timestamp: now},
		ChatbotMessage{Role: RoleAssistant, Content: reply, Timestamp: now},
	)

	s.log.Debug("chat completion received",
		"id", resp.ID,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens)
	return ChatResponse{Message: reply, History: history}, nil
}
