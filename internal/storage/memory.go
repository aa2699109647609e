package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xaenox/wa-responder/internal/apperr"
	"github.com/xaenox/wa-responder/internal/models"
)

// MemoryStorage keeps everything in process memory behind a single mutex,
// which makes every operation trivially atomic.
type MemoryStorage struct {
	mu            sync.RWMutex
	now           func() time.Time
	conversations map[string]*models.Conversation
	messages      []*models.Message
	pending       []*models.PendingResponse
	aiLogs        []models.AIResponseLog
	providerIDs   map[string]int64
	nextConvID    int64
}

func NewMemoryStorage(opts ...Option) *MemoryStorage {
	o := applyOptions(opts)
	return &MemoryStorage{
		now:           o.now,
		conversations: make(map[string]*models.Conversation),
		providerIDs:   make(map[string]int64),
	}
}

func (s *MemoryStorage) conversationLocked(phone string, now time.Time) *models.Conversation {
	conv, exists := s.conversations[phone]
	if !exists {
		s.nextConvID++
		conv = &models.Conversation{
			ID:        s.nextConvID,
			Phone:     phone,
			Status:    models.ConversationActive,
			CreatedAt: now,
		}
		s.conversations[phone] = conv
	}
	conv.LastMessageAt = now
	return conv
}

// appendMessageLocked assigns the id and indexes the provider id. Callers
// reject duplicate provider ids first.
func (s *MemoryStorage) appendMessageLocked(msg *models.Message) {
	msg.ID = int64(len(s.messages) + 1)
	s.messages = append(s.messages, msg)
	if msg.ProviderMessageID != "" {
		s.providerIDs[msg.ProviderMessageID] = msg.ID
	}
}

func (s *MemoryStorage) providerIDSeenLocked(providerID string) bool {
	if providerID == "" {
		return false
	}
	_, seen := s.providerIDs[providerID]
	return seen
}

func (s *MemoryStorage) recordIncomingLocked(phone, text, providerID string, now time.Time) *models.Message {
	conv := s.conversationLocked(phone, now)
	msg := &models.Message{
		ConversationID:       conv.ID,
		Direction:            models.Incoming,
		Text:                 text,
		ProviderMessageID:    providerID,
		ReceivedAt:           now,
		HumanResponsePending: true,
	}
	s.appendMessageLocked(msg)
	return msg
}

func (s *MemoryStorage) RecordIncoming(ctx context.Context, phone, text, providerID string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.providerIDSeenLocked(providerID) {
		return nil, ErrDuplicateMessage
	}
	msg := s.recordIncomingLocked(phone, text, providerID, s.now())
	out := *msg
	return &out, nil
}

func (s *MemoryStorage) RecordDeferred(ctx context.Context, phone, text, providerID string, delay time.Duration) (*models.Message, *models.PendingResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.providerIDSeenLocked(providerID) {
		return nil, nil, ErrDuplicateMessage
	}
	now := s.now()
	msg := s.recordIncomingLocked(phone, text, providerID, now)
	p := s.scheduleLocked(msg, delay, now)
	outMsg, outPending := *msg, *p
	return &outMsg, &outPending, nil
}

func (s *MemoryStorage) recordOutgoingLocked(conv *models.Conversation, text string, origin models.Origin, providerID string, now time.Time) *models.Message {
	msg := &models.Message{
		ConversationID:    conv.ID,
		Direction:         models.Outgoing,
		Text:              text,
		ProviderMessageID: providerID,
		ReceivedAt:        now,
		Origin:            origin,
		IsAIResponse:      origin == models.OriginAI,
	}
	s.appendMessageLocked(msg)
	if !msg.IsAIResponse {
		s.preemptLocked(conv.ID, now)
	}
	return msg
}

// preemptLocked clears the pending flags of the conversation and cancels
// its pending responses.
func (s *MemoryStorage) preemptLocked(conversationID int64, now time.Time) {
	for _, m := range s.messages {
		if m.ConversationID == conversationID && m.HumanResponsePending {
			m.HumanResponsePending = false
			respondedAt := now
			m.HumanRespondedAt = &respondedAt
		}
	}
	for _, p := range s.pending {
		if p.ConversationID == conversationID && p.Status == models.StatusPending {
			p.Status = models.StatusCancelled
			processedAt := now
			p.ProcessedAt = &processedAt
		}
	}
}

func (s *MemoryStorage) RecordOutgoing(ctx context.Context, phone, text string, origin models.Origin, providerID string) (*models.Message, error) {
	if !origin.Valid() {
		return nil, apperr.Validation("storage.RecordOutgoing", fmt.Sprintf("invalid origin %q", origin))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.providerIDSeenLocked(providerID) {
		return nil, ErrDuplicateMessage
	}
	now := s.now()
	msg := s.recordOutgoingLocked(s.conversationLocked(phone, now), text, origin, providerID, now)
	out := *msg
	return &out, nil
}

func (s *MemoryStorage) CompleteResponse(ctx context.Context, pendingID int64, text string, origin models.Origin, providerID string) (*models.Message, models.PendingStatus, error) {
	if !origin.Valid() {
		return nil, "", apperr.Validation("storage.CompleteResponse", fmt.Sprintf("invalid origin %q", origin))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.pendingLocked(pendingID)
	if p == nil {
		return nil, "", fmt.Errorf("pending response %d: %w", pendingID, ErrNotFound)
	}
	if s.providerIDSeenLocked(providerID) {
		return nil, "", ErrDuplicateMessage
	}

	now := s.now()
	if p.Status == models.StatusPending {
		p.Status = models.StatusSent
		processedAt := now
		p.ProcessedAt = &processedAt
	}
	var conv *models.Conversation
	for _, c := range s.conversations {
		if c.ID == p.ConversationID {
			conv = c
			break
		}
	}
	conv.LastMessageAt = now
	msg := s.recordOutgoingLocked(conv, text, origin, providerID, now)
	out := *msg
	return &out, p.Status, nil
}

func (s *MemoryStorage) scheduleLocked(msg *models.Message, delay time.Duration, now time.Time) *models.PendingResponse {
	p := &models.PendingResponse{
		ID:             int64(len(s.pending) + 1),
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		ScheduledFor:   scheduledFor(msg.ReceivedAt, now, delay),
		CreatedAt:      now,
		Status:         models.StatusPending,
	}
	s.pending = append(s.pending, p)
	return p
}

func (s *MemoryStorage) Schedule(ctx context.Context, messageID int64, delay time.Duration) (*models.PendingResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := s.messageLocked(messageID)
	if msg == nil {
		return nil, fmt.Errorf("schedule message %d: %w", messageID, ErrNotFound)
	}
	out := *s.scheduleLocked(msg, delay, s.now())
	return &out, nil
}

// scheduledFor anchors the delay to the receive time; a zero delay means
// "due now" which is how administrative re-queues are expressed.
func scheduledFor(receivedAt, now time.Time, delay time.Duration) time.Time {
	if delay <= 0 {
		return now
	}
	return receivedAt.Add(delay)
}

func (s *MemoryStorage) messageLocked(id int64) *models.Message {
	if id < 1 || id > int64(len(s.messages)) {
		return nil
	}
	return s.messages[id-1]
}

func (s *MemoryStorage) pendingLocked(id int64) *models.PendingResponse {
	if id < 1 || id > int64(len(s.pending)) {
		return nil
	}
	return s.pending[id-1]
}

func (s *MemoryStorage) GetPending(ctx context.Context, pendingID int64) (*models.PendingResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p := s.pendingLocked(pendingID)
	if p == nil {
		return nil, fmt.Errorf("pending response %d: %w", pendingID, ErrNotFound)
	}
	out := *p
	return &out, nil
}

func (s *MemoryStorage) DueResponses(ctx context.Context, now time.Time) ([]models.DueResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	phones := make(map[int64]string, len(s.conversations))
	for phone, conv := range s.conversations {
		phones[conv.ID] = phone
	}

	var due []models.DueResponse
	for _, p := range s.pending {
		if p.Status != models.StatusPending || p.ScheduledFor.After(now) {
			continue
		}
		msg := s.messageLocked(p.MessageID)
		due = append(due, models.DueResponse{
			PendingResponse: *p,
			Phone:           phones[p.ConversationID],
			Text:            msg.Text,
			ReceivedAt:      msg.ReceivedAt,
		})
	}

	sort.SliceStable(due, func(i, j int) bool {
		return due[i].ScheduledFor.Before(due[j].ScheduledFor)
	})
	return due, nil
}

func (s *MemoryStorage) MarkProcessed(ctx context.Context, pendingID int64, status models.PendingStatus) error {
	if err := checkTerminal(status); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.pendingLocked(pendingID)
	if p == nil {
		return fmt.Errorf("pending response %d: %w", pendingID, ErrNotFound)
	}
	if p.Status != models.StatusPending {
		return fmt.Errorf("pending response %d is %s: %w", pendingID, p.Status, ErrAlreadyProcessed)
	}
	now := s.now()
	p.Status = status
	p.ProcessedAt = &now
	return nil
}

func (s *MemoryStorage) AIResponseCount(ctx context.Context, conversationID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, m := range s.messages {
		if m.ConversationID == conversationID && m.Direction == models.Outgoing && m.IsAIResponse {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStorage) History(ctx context.Context, phone string, limit int) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, exists := s.conversations[phone]
	if !exists {
		return []models.Message{}, nil
	}

	var msgs []models.Message
	for _, m := range s.messages {
		if m.ConversationID == conv.ID {
			msgs = append(msgs, *m)
		}
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].ReceivedAt.Equal(msgs[j].ReceivedAt) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].ReceivedAt.Before(msgs[j].ReceivedAt)
	})
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func (s *MemoryStorage) GetConversation(ctx context.Context, phone string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, exists := s.conversations[phone]
	if !exists {
		return nil, fmt.Errorf("conversation %s: %w", phone, ErrNotFound)
	}
	out := *conv
	return &out, nil
}

func (s *MemoryStorage) LogAIResponse(ctx context.Context, entry *models.AIResponseLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry.ID = int64(len(s.aiLogs) + 1)
	if entry.GeneratedAt.IsZero() {
		entry.GeneratedAt = s.now()
	}
	s.aiLogs = append(s.aiLogs, *entry)
	return nil
}

func (s *MemoryStorage) Statistics(ctx context.Context) (*models.Statistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &models.Statistics{
		TotalConversations: len(s.conversations),
		TotalMessages:      len(s.messages),
	}
	for _, m := range s.messages {
		if m.Direction != models.Outgoing {
			continue
		}
		switch m.Origin {
		case models.OriginAI:
			stats.AIResponses++
		case models.OriginHuman:
			stats.HumanResponses++
		case models.OriginSystem:
			stats.SystemResponses++
		}
	}
	for _, p := range s.pending {
		if p.Status == models.StatusPending {
			stats.PendingResponses++
		}
	}
	for _, l := range s.aiLogs {
		stats.TotalAICost += l.CostEstimate
	}
	return stats, nil
}

func (s *MemoryStorage) Close() error {
	// Nothing to close for in-memory storage
	return nil
}
