package responder

import (
	"context"
	"fmt"
	"time"

	"github.com/xaenox/wa-responder/internal/models"
	"github.com/xaenox/wa-responder/internal/storage"
	"github.com/xaenox/wa-responder/pkg/config"
	"go.uber.org/zap"
)

// Kind tells which path produced a reply.
type Kind int

const (
	Generated Kind = iota
	Handoff
	Fallback
)

func (k Kind) String() string {
	switch k {
	case Handoff:
		return "handoff"
	case Fallback:
		return "fallback"
	default:
		return "generated"
	}
}

// Origin is the origin the reply is recorded with once delivered. Only model
// text counts as an AI response.
func (k Kind) Origin() models.Origin {
	if k == Generated {
		return models.OriginAI
	}
	return models.OriginSystem
}

type Reply struct {
	Text string
	Kind Kind
}

type Request struct {
	Phone          string
	Text           string
	ConversationID int64
	MessageID      int64
}

type Settings struct {
	MaxAIResponses int
	HistoryLimit   int
	Timeout        time.Duration
	SystemPrompt   string
}

// Responder turns a waiting incoming message into the reply text.
type Responder struct {
	store     storage.Storage
	generator Generator
	pricing   *Pricing
	templates *Templates
	settings  Settings
	logger    *zap.Logger
}

func New(store storage.Storage, generator Generator, pricing *Pricing, templates *Templates, settings Settings, logger *zap.Logger) *Responder {
	if settings.SystemPrompt == "" {
		settings.SystemPrompt = templates.SystemPrompt()
	}
	return &Responder{
		store:     store,
		generator: generator,
		pricing:   pricing,
		templates: templates,
		settings:  settings,
		logger:    logger,
	}
}

// NewGenerator selects the vendor named by ai.provider.
func NewGenerator(cfg config.AIConfig, logger *zap.Logger) (Generator, error) {
	switch cfg.Provider {
	case "openai":
		return NewOpenAIGenerator(cfg.OpenAIAPIKey, cfg.BaseURL, cfg.Model, cfg.MaxTokens, cfg.Temperature, logger), nil
	case "anthropic":
		var opts []AnthropicOption
		if cfg.BaseURL != "" {
			opts = append(opts, WithAnthropicBaseURL(cfg.BaseURL))
		}
		return NewAnthropicGenerator(cfg.AnthropicAPIKey, cfg.Model, cfg.MaxTokens, cfg.Temperature, opts...)
	default:
		return nil, fmt.Errorf("unsupported AI provider: %s", cfg.Provider)
	}
}

// FromConfig wires the responder from the ai, automation and business sections.
func FromConfig(cfg *config.Config, store storage.Storage, logger *zap.Logger) (*Responder, error) {
	gen, err := NewGenerator(cfg.AI, logger)
	if err != nil {
		return nil, err
	}
	settings := Settings{
		MaxAIResponses: cfg.Automation.MaxAIResponses,
		HistoryLimit:   cfg.Automation.HistoryLimit,
		Timeout:        cfg.Automation.ExternalTimeout,
		SystemPrompt:   cfg.AI.SystemPrompt,
	}
	return New(store, gen, NewPricing(cfg.AI.Pricing, cfg.AI.DefaultRate), NewTemplates(cfg.Business), settings, logger), nil
}

func (r *Responder) EmergencyReply() string {
	return r.templates.Emergency()
}

// OutsideHoursReply ignores the message text; the reply is the same for every contact.
func (r *Responder) OutsideHoursReply(text string) string {
	return r.templates.OutsideHours()
}

// Generate answers one waiting message. Model failures are not errors: they
// are logged to the audit trail and turned into the fallback reply. Only a
// persistence failure is returned.
func (r *Responder) Generate(ctx context.Context, req Request) (Reply, error) {
	count, err := r.store.AIResponseCount(ctx, req.ConversationID)
	if err != nil {
		return Reply{}, fmt.Errorf("count AI responses: %w", err)
	}
	if r.settings.MaxAIResponses > 0 && count >= r.settings.MaxAIResponses {
		r.logger.Info("AI response budget spent, handing off",
			zap.Int64("conversation_id", req.ConversationID),
			zap.Int("ai_responses", count))
		return Reply{Text: r.templates.Handoff(), Kind: Handoff}, nil
	}

	turns, err := r.history(ctx, req)
	if err != nil {
		return Reply{}, err
	}

	genCtx := ctx
	if r.settings.Timeout > 0 {
		var cancel context.CancelFunc
		genCtx, cancel = context.WithTimeout(ctx, r.settings.Timeout)
		defer cancel()
	}

	completion, genErr := r.generator.Complete(genCtx, r.settings.SystemPrompt, turns)
	if genErr == nil && completion.Text == "" {
		genErr = fmt.Errorf("empty completion from %s", r.generator.Model())
	}
	if genErr != nil {
		r.logger.Warn("Failed to generate AI response, using fallback",
			zap.Int64("message_id", req.MessageID),
			zap.Error(genErr))
		entry := &models.AIResponseLog{
			ConversationID: req.ConversationID,
			MessageID:      req.MessageID,
			Prompt:         req.Text,
			Model:          r.generator.Model(),
			WasSent:        false,
			Error:          genErr.Error(),
		}
		if err := r.store.LogAIResponse(ctx, entry); err != nil {
			return Reply{}, fmt.Errorf("log AI failure: %w", err)
		}
		return Reply{Text: r.templates.Fallback(), Kind: Fallback}, nil
	}

	entry := &models.AIResponseLog{
		ConversationID: req.ConversationID,
		MessageID:      req.MessageID,
		Prompt:         req.Text,
		Response:       completion.Text,
		Model:          completion.Model,
		TokensUsed:     completion.Tokens,
		CostEstimate:   r.pricing.Cost(completion.Model, completion.Tokens),
		WasSent:        true,
	}
	if err := r.store.LogAIResponse(ctx, entry); err != nil {
		return Reply{}, fmt.Errorf("log AI response: %w", err)
	}

	r.logger.Debug("Generated AI response",
		zap.Int64("message_id", req.MessageID),
		zap.String("model", completion.Model),
		zap.Int("tokens", completion.Tokens),
		zap.Float64("cost", entry.CostEstimate))
	return Reply{Text: completion.Text, Kind: Generated}, nil
}

// history maps stored messages to model turns and makes sure the message
// being answered is part of them.
func (r *Responder) history(ctx context.Context, req Request) ([]Turn, error) {
	msgs, err := r.store.History(ctx, req.Phone, r.settings.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	turns := make([]Turn, 0, len(msgs)+1)
	included := false
	for _, m := range msgs {
		role := RoleUser
		if m.Direction == models.Outgoing {
			role = RoleAssistant
		}
		if m.ID == req.MessageID {
			included = true
		}
		turns = append(turns, Turn{Role: role, Content: m.Text})
	}
	if !included {
		turns = append(turns, Turn{Role: RoleUser, Content: req.Text})
	}
	return turns, nil
}
