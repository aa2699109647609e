package storage

import (
	"context"
	"errors"
	"time"

	"github.com/xaenox/wa-responder/internal/apperr"
	"github.com/xaenox/wa-responder/internal/models"
)

var (
	ErrNotFound          = apperr.NotFound("storage", errors.New("not found"))
	ErrAlreadyProcessed  = apperr.New(apperr.KindConflict, "storage", errors.New("pending response already processed"))
	ErrDuplicateMessage  = apperr.New(apperr.KindConflict, "storage", errors.New("provider message id already recorded"))
	ErrInvalidTransition = apperr.New(apperr.KindValidation, "storage", errors.New("status is not terminal"))
)

// Storage owns conversations, messages, pending responses and the AI audit log.
// Every method is atomic: it either commits fully or leaves no trace.
type Storage interface {
	// RecordIncoming creates the conversation on first contact and stores the
	// message with human_response_pending set.
	RecordIncoming(ctx context.Context, phone, text, providerID string) (*models.Message, error)
	// RecordDeferred stores an incoming message together with its pending
	// response, so a failed schedule never leaves a recorded message behind.
	RecordDeferred(ctx context.Context, phone, text, providerID string, delay time.Duration) (*models.Message, *models.PendingResponse, error)
	// RecordOutgoing stores an outgoing message. Any non-AI origin also clears
	// the pending flag of every incoming message of the conversation and
	// cancels its pending responses in the same transaction.
	RecordOutgoing(ctx context.Context, phone, text string, origin models.Origin, providerID string) (*models.Message, error)
	// CompleteResponse records a delivered automated reply and marks its
	// pending response sent in one transaction. A row that is already
	// terminal keeps its status; the delivered message is recorded anyway.
	// The row's resulting status is returned.
	CompleteResponse(ctx context.Context, pendingID int64, text string, origin models.Origin, providerID string) (*models.Message, models.PendingStatus, error)

	Schedule(ctx context.Context, messageID int64, delay time.Duration) (*models.PendingResponse, error)
	GetPending(ctx context.Context, pendingID int64) (*models.PendingResponse, error)
	DueResponses(ctx context.Context, now time.Time) ([]models.DueResponse, error)
	MarkProcessed(ctx context.Context, pendingID int64, status models.PendingStatus) error

	AIResponseCount(ctx context.Context, conversationID int64) (int, error)
	History(ctx context.Context, phone string, limit int) ([]models.Message, error)
	GetConversation(ctx context.Context, phone string) (*models.Conversation, error)

	LogAIResponse(ctx context.Context, entry *models.AIResponseLog) error
	Statistics(ctx context.Context) (*models.Statistics, error)

	Close() error
}

// Option configures the stores.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source used for created/received/processed timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func applyOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func checkTerminal(status models.PendingStatus) error {
	if !status.Terminal() {
		return ErrInvalidTransition
	}
	return nil
}
