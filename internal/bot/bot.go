package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xaenox/wa-responder/internal/apperr"
	"github.com/xaenox/wa-responder/internal/models"
	"github.com/xaenox/wa-responder/internal/notify"
	"github.com/xaenox/wa-responder/internal/policy"
	"github.com/xaenox/wa-responder/internal/ratelimit"
	"github.com/xaenox/wa-responder/internal/storage"
	"github.com/xaenox/wa-responder/internal/whatsapp"
	"go.uber.org/zap"
)

// Replies renders the templated replies sent without waiting.
type Replies interface {
	EmergencyReply() string
	OutsideHoursReply(text string) string
}

type Result string

const (
	ResultEmergency    Result = "emergency"
	ResultOutsideHours Result = "outside_hours"
	ResultScheduled    Result = "scheduled"
	ResultThrottled    Result = "throttled"
	ResultDuplicate    Result = "duplicate"
)

// Outcome reports what happened to one inbound message.
type Outcome struct {
	Result         Result     `json:"result"`
	MessageID      int64      `json:"message_id,omitempty"`
	ConversationID int64      `json:"conversation_id,omitempty"`
	PendingID      int64      `json:"pending_id,omitempty"`
	ScheduledFor   *time.Time `json:"scheduled_for,omitempty"`
	Sent           bool       `json:"sent"`
	SendError      string     `json:"send_error,omitempty"`
}

// Bot handles inbound WhatsApp messages and staff actions on conversations.
type Bot struct {
	store       storage.Storage
	sender      whatsapp.Sender
	policy      *policy.Policy
	replies     Replies
	notifier    notify.Notifier
	limiter     ratelimit.Limiter
	delay       time.Duration
	sendTimeout time.Duration
	logger      *zap.Logger
}

type Option func(*Bot)

func WithNotifier(n notify.Notifier) Option {
	return func(b *Bot) {
		b.notifier = n
	}
}

func WithLimiter(l ratelimit.Limiter) Option {
	return func(b *Bot) {
		b.limiter = l
	}
}

func WithResponseDelay(d time.Duration) Option {
	return func(b *Bot) {
		b.delay = d
	}
}

func WithSendTimeout(d time.Duration) Option {
	return func(b *Bot) {
		b.sendTimeout = d
	}
}

func New(store storage.Storage, sender whatsapp.Sender, pol *policy.Policy, replies Replies, logger *zap.Logger, opts ...Option) *Bot {
	b := &Bot{
		store:       store,
		sender:      sender,
		policy:      pol,
		replies:     replies,
		notifier:    notify.Nop{},
		limiter:     ratelimit.Unlimited{},
		delay:       5 * time.Minute,
		sendTimeout: 30 * time.Second,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func validate(op, phone, text string) error {
	if strings.TrimSpace(phone) == "" || strings.TrimSpace(text) == "" {
		return apperr.Validation(op, "phone_number and message are required")
	}
	return nil
}

// HandleIncoming routes the message and records it: emergency and
// outside-hours replies go out at once, everything else is stored together
// with its pending response and waits for a human for the configured delay.
// A failed immediate send is reported in the outcome, not as an error.
func (b *Bot) HandleIncoming(ctx context.Context, in models.InboundMessage) (*Outcome, error) {
	const op = "bot.HandleIncoming"
	if err := validate(op, in.Phone, in.Text); err != nil {
		return nil, err
	}

	b.logger.Info("Processing message",
		zap.String("phone", in.Phone),
		zap.String("provider_message_id", in.ProviderMessageID))

	action := b.policy.Decide(in.Text)
	if action == policy.Emergency {
		b.logger.Warn("Emergency keyword detected", zap.String("phone", in.Phone))
		out, err := b.recordIncoming(ctx, in)
		if err != nil || out.Result == ResultDuplicate {
			return out, err
		}
		if err := b.notifier.NotifyEmergency(ctx, in.Phone, in.Text); err != nil {
			b.logger.Error("Failed to notify staff", zap.Error(err))
		}
		out.Result = ResultEmergency
		return out, b.deliver(ctx, out, in.Phone, b.replies.EmergencyReply())
	}

	allowed, err := b.limiter.Allow(ctx, in.Phone)
	if err != nil {
		b.logger.Error("Rate limiter unavailable, allowing message", zap.Error(err))
		allowed = true
	}
	if !allowed {
		b.logger.Warn("Rate limit exceeded, not replying", zap.String("phone", in.Phone))
		out, err := b.recordIncoming(ctx, in)
		if err != nil || out.Result == ResultDuplicate {
			return out, err
		}
		out.Result = ResultThrottled
		return out, nil
	}

	if action == policy.OutsideHours {
		b.logger.Info("Outside business hours, sending immediate response", zap.String("phone", in.Phone))
		out, err := b.recordIncoming(ctx, in)
		if err != nil || out.Result == ResultDuplicate {
			return out, err
		}
		out.Result = ResultOutsideHours
		return out, b.deliver(ctx, out, in.Phone, b.replies.OutsideHoursReply(in.Text))
	}

	msg, pending, err := b.store.RecordDeferred(ctx, in.Phone, in.Text, in.ProviderMessageID, b.delay)
	if err != nil {
		return b.recordFailed(in, err)
	}
	b.logger.Info("Scheduled AI response",
		zap.Int64("message_id", msg.ID),
		zap.Int64("pending_id", pending.ID),
		zap.Time("scheduled_for", pending.ScheduledFor))
	return &Outcome{
		Result:         ResultScheduled,
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		PendingID:      pending.ID,
		ScheduledFor:   &pending.ScheduledFor,
	}, nil
}

func (b *Bot) recordIncoming(ctx context.Context, in models.InboundMessage) (*Outcome, error) {
	msg, err := b.store.RecordIncoming(ctx, in.Phone, in.Text, in.ProviderMessageID)
	if err != nil {
		return b.recordFailed(in, err)
	}
	return &Outcome{MessageID: msg.ID, ConversationID: msg.ConversationID}, nil
}

// recordFailed turns a redelivered webhook into an idempotent outcome. A
// redelivery only ever finds a message whose routing was stored with it.
func (b *Bot) recordFailed(in models.InboundMessage, err error) (*Outcome, error) {
	if errors.Is(err, storage.ErrDuplicateMessage) {
		b.logger.Info("Ignoring duplicate webhook delivery",
			zap.String("provider_message_id", in.ProviderMessageID))
		return &Outcome{Result: ResultDuplicate}, nil
	}
	return nil, fmt.Errorf("record incoming: %w", err)
}

// deliver sends a templated reply and records it as a system message. Only
// a failure to record is returned.
func (b *Bot) deliver(ctx context.Context, out *Outcome, phone, text string) error {
	providerID, err := b.send(ctx, phone, text)
	if err != nil {
		b.logger.Error("Failed to send response", zap.String("phone", phone), zap.Error(err))
		out.SendError = err.Error()
		return nil
	}
	out.Sent = true
	if _, err := b.store.RecordOutgoing(ctx, phone, text, models.OriginSystem, providerID); err != nil {
		return fmt.Errorf("record outgoing: %w", err)
	}
	b.logger.Info("Response sent", zap.String("phone", phone), zap.String("provider_message_id", providerID))
	return nil
}

func (b *Bot) send(ctx context.Context, phone, text string) (string, error) {
	sendCtx, cancel := context.WithTimeout(ctx, b.sendTimeout)
	defer cancel()
	return b.sender.Send(sendCtx, phone, text)
}

// SendManual delivers a message written by staff and records it as a human
// reply, which cancels any automated reply still waiting.
func (b *Bot) SendManual(ctx context.Context, phone, text string) (*models.Message, error) {
	const op = "bot.SendManual"
	if err := validate(op, phone, text); err != nil {
		return nil, err
	}
	providerID, err := b.send(ctx, phone, text)
	if err != nil {
		return nil, apperr.External(op, err)
	}
	msg, err := b.store.RecordOutgoing(ctx, phone, text, models.OriginHuman, providerID)
	if err != nil {
		return nil, fmt.Errorf("record outgoing: %w", err)
	}
	b.logger.Info("Manual message sent",
		zap.String("phone", phone),
		zap.String("provider_message_id", providerID))
	return msg, nil
}

// RecordHumanReply stores a reply staff already sent through another channel.
func (b *Bot) RecordHumanReply(ctx context.Context, phone, text string) (*models.Message, error) {
	if err := validate("bot.RecordHumanReply", phone, text); err != nil {
		return nil, err
	}
	msg, err := b.store.RecordOutgoing(ctx, phone, text, models.OriginHuman, "")
	if err != nil {
		return nil, fmt.Errorf("record human reply: %w", err)
	}
	return msg, nil
}

// SendTemplate delivers a pre-approved template as a staff message.
func (b *Bot) SendTemplate(ctx context.Context, phone, name, language string, params []string) (*models.Message, error) {
	const op = "bot.SendTemplate"
	if err := validate(op, phone, name); err != nil {
		return nil, err
	}
	ts, ok := b.sender.(whatsapp.TemplateSender)
	if !ok {
		return nil, apperr.New(apperr.KindValidation, op, whatsapp.ErrTemplatesUnsupported)
	}
	sendCtx, cancel := context.WithTimeout(ctx, b.sendTimeout)
	defer cancel()
	providerID, err := ts.SendTemplate(sendCtx, phone, name, language, params)
	if err != nil {
		return nil, apperr.External(op, err)
	}
	msg, err := b.store.RecordOutgoing(ctx, phone, "template:"+name, models.OriginHuman, providerID)
	if err != nil {
		return nil, fmt.Errorf("record outgoing: %w", err)
	}
	return msg, nil
}

// Requeue schedules a new attempt, due now, for a pending response that
// ended failed or error. The old row stays as it is.
func (b *Bot) Requeue(ctx context.Context, pendingID int64) (*models.PendingResponse, error) {
	const op = "bot.Requeue"
	p, err := b.store.GetPending(ctx, pendingID)
	if err != nil {
		return nil, err
	}
	if p.Status != models.StatusFailed && p.Status != models.StatusError {
		return nil, apperr.New(apperr.KindConflict, op,
			fmt.Errorf("pending response %d is %s, only failed or error can be re-queued", pendingID, p.Status))
	}
	requeued, err := b.store.Schedule(ctx, p.MessageID, 0)
	if err != nil {
		return nil, fmt.Errorf("requeue: %w", err)
	}
	b.logger.Info("Re-queued pending response",
		zap.Int64("pending_id", pendingID),
		zap.Int64("new_pending_id", requeued.ID))
	return requeued, nil
}
