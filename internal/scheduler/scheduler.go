package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/xaenox/wa-responder/internal/models"
	"github.com/xaenox/wa-responder/internal/policy"
	"github.com/xaenox/wa-responder/internal/responder"
	"github.com/xaenox/wa-responder/internal/storage"
	"github.com/xaenox/wa-responder/internal/whatsapp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// storeTimeout bounds the writes that follow a send, which no longer
// observe shutdown.
const storeTimeout = 10 * time.Second

// Generator produces the reply for a due message.
type Generator interface {
	Generate(ctx context.Context, req responder.Request) (responder.Reply, error)
}

// SweepResult counts the terminal statuses written by one sweep.
type SweepResult struct {
	Due       int `json:"due"`
	Sent      int `json:"sent"`
	Cancelled int `json:"cancelled"`
	Failed    int `json:"failed"`
	Errored   int `json:"error"`
}

func (r *SweepResult) add(status models.PendingStatus) {
	switch status {
	case models.StatusSent:
		r.Sent++
	case models.StatusCancelled:
		r.Cancelled++
	case models.StatusFailed:
		r.Failed++
	case models.StatusError:
		r.Errored++
	}
}

// Scheduler periodically answers the messages nobody replied to in time.
type Scheduler struct {
	store        storage.Storage
	generator    Generator
	sender       whatsapp.Sender
	policy       *policy.Policy
	interval     time.Duration
	concurrency  int
	sendTimeout  time.Duration
	historyLimit int
	now          func() time.Time
	logger       *zap.Logger

	running atomic.Bool
}

type Option func(*Scheduler)

func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		s.interval = d
	}
}

// WithConcurrency bounds how many due items are processed at once.
func WithConcurrency(n int) Option {
	return func(s *Scheduler) {
		s.concurrency = n
	}
}

func WithSendTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		s.sendTimeout = d
	}
}

func WithHistoryLimit(n int) Option {
	return func(s *Scheduler) {
		s.historyLimit = n
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

func New(store storage.Storage, generator Generator, sender whatsapp.Sender, pol *policy.Policy, logger *zap.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:        store,
		generator:    generator,
		sender:       sender,
		policy:       pol,
		interval:     30 * time.Second,
		concurrency:  1,
		sendTimeout:  30 * time.Second,
		historyLimit: 10,
		now:          time.Now,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.concurrency < 1 {
		s.concurrency = 1
	}
	return s
}

// Run sweeps once immediately and then on every tick until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("scheduler already running")
	}
	defer s.running.Store(false)

	s.logger.Info("Scheduler started", zap.Duration("interval", s.interval))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			break
		}
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("Sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
		case <-ticker.C:
		}
	}
	s.logger.Info("Scheduler stopped")
	return nil
}

func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Sweep processes every due pending response. Items are isolated from each
// other: a failing item gets its own terminal status and the sweep goes on.
// Only a failure to list the due items is returned.
func (s *Scheduler) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	due, err := s.store.DueResponses(ctx, s.now())
	if err != nil {
		return result, fmt.Errorf("load due responses: %w", err)
	}
	result.Due = len(due)
	if len(due) == 0 {
		return result, nil
	}

	logger := s.logger.With(zap.String("sweep_id", uuid.NewString()))
	logger.Info("Processing pending responses", zap.Int("due", len(due)))

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for _, item := range due {
		item := item
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			status := s.process(ctx, item, logger.With(zap.Int64("pending_id", item.ID)))
			mu.Lock()
			result.add(status)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return result, nil
}

// process runs one due item to a terminal status and returns it.
func (s *Scheduler) process(ctx context.Context, item models.DueResponse, logger *zap.Logger) (status models.PendingStatus) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic while processing pending response", zap.Any("panic", r))
			status = s.mark(ctx, item.ID, models.StatusError, logger)
		}
	}()

	answered, err := s.answered(ctx, item)
	if err != nil {
		logger.Error("Failed to check history", zap.Error(err))
		return s.mark(ctx, item.ID, models.StatusError, logger)
	}
	if answered {
		logger.Info("Message already answered, cancelling AI response")
		return s.mark(ctx, item.ID, models.StatusCancelled, logger)
	}

	reply, err := s.generator.Generate(ctx, responder.Request{
		Phone:          item.Phone,
		Text:           item.Text,
		ConversationID: item.ConversationID,
		MessageID:      item.MessageID,
	})
	if err != nil || reply.Text == "" {
		logger.Error("Failed to generate AI response", zap.Error(err))
		return s.mark(ctx, item.ID, models.StatusFailed, logger)
	}

	// From the send on the reply may reach the contact; shutdown no longer
	// interrupts the item so its outcome is always recorded.
	detached := context.WithoutCancel(ctx)
	sendCtx, cancel := context.WithTimeout(detached, s.sendTimeout)
	providerID, err := s.sender.Send(sendCtx, item.Phone, reply.Text)
	cancel()
	if err != nil {
		logger.Error("Failed to send AI response", zap.String("phone", item.Phone), zap.Error(err))
		return s.mark(detached, item.ID, models.StatusFailed, logger)
	}

	storeCtx, cancel := context.WithTimeout(detached, storeTimeout)
	defer cancel()
	_, status, err = s.store.CompleteResponse(storeCtx, item.ID, reply.Text, reply.Kind.Origin(), providerID)
	if err != nil {
		logger.Error("Failed to record sent response", zap.Error(err))
		return s.mark(storeCtx, item.ID, models.StatusError, logger)
	}
	if status != models.StatusSent {
		logger.Warn("Response delivered after its pending row was closed", zap.String("status", string(status)))
	}

	logger.Info("AI response sent",
		zap.String("phone", item.Phone),
		zap.String("kind", reply.Kind.String()),
		zap.String("provider_message_id", providerID))
	return status
}

// answered reports whether a non-AI reply went out after the message
// arrived: a person, or a templated reply such as the emergency notice.
// A reply landing after this check is not seen; the store-side cancellation
// covers most of that window.
func (s *Scheduler) answered(ctx context.Context, item models.DueResponse) (bool, error) {
	history, err := s.store.History(ctx, item.Phone, s.historyLimit)
	if err != nil {
		return false, err
	}
	for _, m := range history {
		if m.Direction == models.Outgoing && !m.IsAIResponse && m.ReceivedAt.After(item.ReceivedAt) {
			return true, nil
		}
	}
	return false, nil
}

func (s *Scheduler) mark(ctx context.Context, pendingID int64, status models.PendingStatus, logger *zap.Logger) models.PendingStatus {
	if ctx.Err() != nil && (status == models.StatusFailed || status == models.StatusError) {
		// interrupted by shutdown; the next run picks the row up again
		logger.Warn("Leaving pending response for the next run", zap.Error(ctx.Err()))
		return models.StatusPending
	}
	err := s.store.MarkProcessed(ctx, pendingID, status)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrAlreadyProcessed):
		logger.Info("Pending response already processed", zap.String("status", string(status)))
	default:
		logger.Error("Failed to mark pending response",
			zap.String("status", string(status)),
			zap.Error(err))
	}
	return status
}

// Status is the read-only snapshot served to operators.
func (s *Scheduler) Status(ctx context.Context) (*models.Status, error) {
	stats, err := s.store.Statistics(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	return &models.Status{
		Running:         s.Running(),
		Timestamp:       now,
		IsBusinessHours: s.policy.WithinBusinessHours(now),
		Statistics:      *stats,
	}, nil
}
