package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/xaenox/wa-responder/internal/apperr"
	"github.com/xaenox/wa-responder/internal/models"
	"go.uber.org/zap"
)

// dialect captures the few places where Postgres and SQLite differ.
type dialect struct {
	name              string
	numberedParams    bool
	isUniqueViolation func(error) bool
}

// sqlStore implements Storage on database/sql. Each method runs in its own
// transaction so concurrent readers never observe partial writes.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
	logger  *zap.Logger
}

func newSQLStore(db *sql.DB, d dialect, logger *zap.Logger, opts []Option) *sqlStore {
	o := applyOptions(opts)
	return &sqlStore{db: db, dialect: d, now: o.now, logger: logger}
}

func (s *sqlStore) migrate(ctx context.Context, schema string) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("error executing migrations: %w", err)
	}
	return nil
}

// q rewrites ? placeholders into $n for dialects that need numbered params.
func (s *sqlStore) q(query string) string {
	if !s.dialect.numberedParams {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Store(op, err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn("Failed to roll back transaction", zap.String("op", op), zap.Error(rbErr))
		}
		if _, ok := apperr.KindOf(err); ok {
			return err
		}
		return apperr.Store(op, err)
	}
	if err := tx.Commit(); err != nil {
		return apperr.Store(op, err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (s *sqlStore) upsertConversation(ctx context.Context, tx *sql.Tx, phone string, now time.Time) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, s.q(`
		INSERT INTO conversations (phone_number, created_at, last_message_at, status)
		VALUES (?, ?, ?, 'active')
		ON CONFLICT (phone_number) DO UPDATE SET last_message_at = excluded.last_message_at
		RETURNING id`),
		phone, dbTime(now), dbTime(now),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("error upserting conversation: %w", err)
	}
	return id, nil
}

func (s *sqlStore) providerIDSeen(ctx context.Context, tx *sql.Tx, providerID string) (bool, error) {
	if providerID == "" {
		return false, nil
	}
	var id int64
	err := tx.QueryRowContext(ctx, s.q(`SELECT id FROM messages WHERE message_id = ?`), providerID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("error checking provider message id: %w", err)
	}
	return true, nil
}

func (s *sqlStore) insertMessage(ctx context.Context, tx *sql.Tx, msg *models.Message) error {
	err := tx.QueryRowContext(ctx, s.q(`
		INSERT INTO messages
			(conversation_id, direction, message_text, message_id, received_at,
			 origin, is_ai_response, human_response_pending)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`),
		msg.ConversationID,
		string(msg.Direction),
		msg.Text,
		nullString(msg.ProviderMessageID),
		dbTime(msg.ReceivedAt),
		string(msg.Origin),
		msg.IsAIResponse,
		msg.HumanResponsePending,
	).Scan(&msg.ID)
	if err != nil {
		if s.dialect.isUniqueViolation(err) {
			return ErrDuplicateMessage
		}
		return fmt.Errorf("error inserting message: %w", err)
	}
	return nil
}

func (s *sqlStore) recordIncoming(ctx context.Context, tx *sql.Tx, phone, text, providerID string) (*models.Message, error) {
	seen, err := s.providerIDSeen(ctx, tx, providerID)
	if err != nil {
		return nil, err
	}
	if seen {
		return nil, ErrDuplicateMessage
	}

	now := s.now()
	convID, err := s.upsertConversation(ctx, tx, phone, now)
	if err != nil {
		return nil, err
	}
	msg := &models.Message{
		ConversationID:       convID,
		Direction:            models.Incoming,
		Text:                 text,
		ProviderMessageID:    providerID,
		ReceivedAt:           now.UTC(),
		HumanResponsePending: true,
	}
	if err := s.insertMessage(ctx, tx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *sqlStore) RecordIncoming(ctx context.Context, phone, text, providerID string) (*models.Message, error) {
	var msg *models.Message
	err := s.withTx(ctx, "storage.RecordIncoming", func(tx *sql.Tx) error {
		var err error
		msg, err = s.recordIncoming(ctx, tx, phone, text, providerID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *sqlStore) RecordDeferred(ctx context.Context, phone, text, providerID string, delay time.Duration) (*models.Message, *models.PendingResponse, error) {
	var msg *models.Message
	var p *models.PendingResponse
	err := s.withTx(ctx, "storage.RecordDeferred", func(tx *sql.Tx) error {
		var err error
		if msg, err = s.recordIncoming(ctx, tx, phone, text, providerID); err != nil {
			return err
		}
		p, err = s.schedule(ctx, tx, msg.ID, msg.ConversationID, msg.ReceivedAt, delay)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return msg, p, nil
}

func (s *sqlStore) RecordOutgoing(ctx context.Context, phone, text string, origin models.Origin, providerID string) (*models.Message, error) {
	if !origin.Valid() {
		return nil, apperr.Validation("storage.RecordOutgoing", fmt.Sprintf("invalid origin %q", origin))
	}

	var msg *models.Message
	err := s.withTx(ctx, "storage.RecordOutgoing", func(tx *sql.Tx) error {
		seen, err := s.providerIDSeen(ctx, tx, providerID)
		if err != nil {
			return err
		}
		if seen {
			return ErrDuplicateMessage
		}

		now := s.now()
		convID, err := s.upsertConversation(ctx, tx, phone, now)
		if err != nil {
			return err
		}
		msg = &models.Message{
			ConversationID:    convID,
			Direction:         models.Outgoing,
			Text:              text,
			ProviderMessageID: providerID,
			ReceivedAt:        now.UTC(),
			Origin:            origin,
			IsAIResponse:      origin == models.OriginAI,
		}
		if err := s.insertMessage(ctx, tx, msg); err != nil {
			return err
		}
		if msg.IsAIResponse {
			return nil
		}
		return s.preempt(ctx, tx, convID, now)
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// preempt clears the pending flags of the conversation and cancels its
// pending responses.
func (s *sqlStore) preempt(ctx context.Context, tx *sql.Tx, convID int64, now time.Time) error {
	if _, err := tx.ExecContext(ctx, s.q(`
		UPDATE messages
		SET human_response_pending = FALSE, human_responded_at = ?
		WHERE conversation_id = ? AND human_response_pending = TRUE`),
		dbTime(now), convID,
	); err != nil {
		return fmt.Errorf("error clearing pending flags: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.q(`
		UPDATE pending_responses
		SET status = 'cancelled', processed_at = ?
		WHERE conversation_id = ? AND status = 'pending'`),
		dbTime(now), convID,
	); err != nil {
		return fmt.Errorf("error cancelling pending responses: %w", err)
	}
	return nil
}

func (s *sqlStore) CompleteResponse(ctx context.Context, pendingID int64, text string, origin models.Origin, providerID string) (*models.Message, models.PendingStatus, error) {
	const op = "storage.CompleteResponse"
	if !origin.Valid() {
		return nil, "", apperr.Validation(op, fmt.Sprintf("invalid origin %q", origin))
	}

	var msg *models.Message
	var status models.PendingStatus
	err := s.withTx(ctx, op, func(tx *sql.Tx) error {
		var phone, current string
		err := tx.QueryRowContext(ctx, s.q(`
			SELECT c.phone_number, pr.status
			FROM pending_responses pr
			JOIN conversations c ON c.id = pr.conversation_id
			WHERE pr.id = ?`), pendingID,
		).Scan(&phone, &current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("pending response %d: %w", pendingID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("error loading pending response: %w", err)
		}
		seen, err := s.providerIDSeen(ctx, tx, providerID)
		if err != nil {
			return err
		}
		if seen {
			return ErrDuplicateMessage
		}

		now := s.now()
		status = models.PendingStatus(current)
		if status == models.StatusPending {
			if _, err := tx.ExecContext(ctx, s.q(`
				UPDATE pending_responses
				SET status = 'sent', processed_at = ?
				WHERE id = ? AND status = 'pending'`),
				dbTime(now), pendingID,
			); err != nil {
				return fmt.Errorf("error updating pending response: %w", err)
			}
			status = models.StatusSent
		}

		convID, err := s.upsertConversation(ctx, tx, phone, now)
		if err != nil {
			return err
		}
		msg = &models.Message{
			ConversationID:    convID,
			Direction:         models.Outgoing,
			Text:              text,
			ProviderMessageID: providerID,
			ReceivedAt:        now.UTC(),
			Origin:            origin,
			IsAIResponse:      origin == models.OriginAI,
		}
		if err := s.insertMessage(ctx, tx, msg); err != nil {
			return err
		}
		if msg.IsAIResponse {
			return nil
		}
		return s.preempt(ctx, tx, convID, now)
	})
	if err != nil {
		return nil, "", err
	}
	return msg, status, nil
}

func (s *sqlStore) schedule(ctx context.Context, tx *sql.Tx, messageID, convID int64, receivedAt time.Time, delay time.Duration) (*models.PendingResponse, error) {
	now := s.now().UTC()
	p := &models.PendingResponse{
		MessageID:      messageID,
		ConversationID: convID,
		ScheduledFor:   scheduledFor(receivedAt, now, delay),
		CreatedAt:      now,
		Status:         models.StatusPending,
	}
	err := tx.QueryRowContext(ctx, s.q(`
		INSERT INTO pending_responses (message_id, conversation_id, scheduled_for, created_at, status)
		VALUES (?, ?, ?, ?, 'pending')
		RETURNING id`),
		messageID, convID, dbTime(p.ScheduledFor), dbTime(now),
	).Scan(&p.ID)
	if err != nil {
		return nil, fmt.Errorf("error inserting pending response: %w", err)
	}
	return p, nil
}

func (s *sqlStore) Schedule(ctx context.Context, messageID int64, delay time.Duration) (*models.PendingResponse, error) {
	var p *models.PendingResponse
	err := s.withTx(ctx, "storage.Schedule", func(tx *sql.Tx) error {
		var convID int64
		var receivedAt dbTime
		err := tx.QueryRowContext(ctx, s.q(`SELECT conversation_id, received_at FROM messages WHERE id = ?`), messageID).
			Scan(&convID, &receivedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("schedule message %d: %w", messageID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("error loading message: %w", err)
		}
		p, err = s.schedule(ctx, tx, messageID, convID, time.Time(receivedAt), delay)
		return err
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *sqlStore) GetPending(ctx context.Context, pendingID int64) (*models.PendingResponse, error) {
	p := &models.PendingResponse{}
	var scheduled, created dbTime
	var processed nullDBTime
	var status string
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT id, message_id, conversation_id, scheduled_for, created_at, status, processed_at
		FROM pending_responses WHERE id = ?`), pendingID,
	).Scan(&p.ID, &p.MessageID, &p.ConversationID, &scheduled, &created, &status, &processed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pending response %d: %w", pendingID, ErrNotFound)
	}
	if err != nil {
		return nil, apperr.Store("storage.GetPending", err)
	}
	p.ScheduledFor = time.Time(scheduled)
	p.CreatedAt = time.Time(created)
	p.Status = models.PendingStatus(status)
	p.ProcessedAt = processed.ptr()
	return p, nil
}

func (s *sqlStore) DueResponses(ctx context.Context, now time.Time) ([]models.DueResponse, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT pr.id, pr.message_id, pr.conversation_id, pr.scheduled_for, pr.created_at, pr.status,
		       m.message_text, m.received_at, c.phone_number
		FROM pending_responses pr
		JOIN messages m ON pr.message_id = m.id
		JOIN conversations c ON pr.conversation_id = c.id
		WHERE pr.status = 'pending' AND pr.scheduled_for <= ?
		ORDER BY pr.scheduled_for ASC, pr.id ASC`),
		dbTime(now),
	)
	if err != nil {
		return nil, apperr.Store("storage.DueResponses", err)
	}
	defer rows.Close()

	due := []models.DueResponse{}
	for rows.Next() {
		var d models.DueResponse
		var scheduled, created, received dbTime
		var status string
		if err := rows.Scan(&d.ID, &d.MessageID, &d.ConversationID, &scheduled, &created, &status,
			&d.Text, &received, &d.Phone); err != nil {
			return nil, apperr.Store("storage.DueResponses", err)
		}
		d.ScheduledFor = time.Time(scheduled)
		d.CreatedAt = time.Time(created)
		d.ReceivedAt = time.Time(received)
		d.Status = models.PendingStatus(status)
		due = append(due, d)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Store("storage.DueResponses", err)
	}
	return due, nil
}

func (s *sqlStore) MarkProcessed(ctx context.Context, pendingID int64, status models.PendingStatus) error {
	if err := checkTerminal(status); err != nil {
		return err
	}
	return s.withTx(ctx, "storage.MarkProcessed", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(`
			UPDATE pending_responses
			SET status = ?, processed_at = ?
			WHERE id = ? AND status = 'pending'`),
			string(status), dbTime(s.now()), pendingID,
		)
		if err != nil {
			return fmt.Errorf("error updating pending response: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("error getting rows affected: %w", err)
		}
		if affected == 1 {
			return nil
		}

		var current string
		err = tx.QueryRowContext(ctx, s.q(`SELECT status FROM pending_responses WHERE id = ?`), pendingID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("pending response %d: %w", pendingID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("error loading pending response: %w", err)
		}
		return fmt.Errorf("pending response %d is %s: %w", pendingID, current, ErrAlreadyProcessed)
	})
}

func (s *sqlStore) AIResponseCount(ctx context.Context, conversationID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT COUNT(*) FROM messages
		WHERE conversation_id = ? AND is_ai_response = TRUE AND direction = 'outgoing'`),
		conversationID,
	).Scan(&count)
	if err != nil {
		return 0, apperr.Store("storage.AIResponseCount", err)
	}
	return count, nil
}

func (s *sqlStore) History(ctx context.Context, phone string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = math.MaxInt32
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT m.id, m.conversation_id, m.direction, m.message_text, m.message_id, m.received_at,
		       m.origin, m.is_ai_response, m.human_response_pending, m.human_responded_at
		FROM messages m
		JOIN conversations c ON m.conversation_id = c.id
		WHERE c.phone_number = ?
		ORDER BY m.received_at DESC, m.id DESC
		LIMIT ?`),
		phone, limit,
	)
	if err != nil {
		return nil, apperr.Store("storage.History", err)
	}
	defer rows.Close()

	msgs := []models.Message{}
	for rows.Next() {
		var m models.Message
		var direction, origin string
		var providerID sql.NullString
		var received dbTime
		var responded nullDBTime
		if err := rows.Scan(&m.ID, &m.ConversationID, &direction, &m.Text, &providerID, &received,
			&origin, &m.IsAIResponse, &m.HumanResponsePending, &responded); err != nil {
			return nil, apperr.Store("storage.History", err)
		}
		m.Direction = models.Direction(direction)
		m.Origin = models.Origin(origin)
		m.ProviderMessageID = providerID.String
		m.ReceivedAt = time.Time(received)
		m.HumanRespondedAt = responded.ptr()
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Store("storage.History", err)
	}

	// Reverse to get chronological order
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *sqlStore) GetConversation(ctx context.Context, phone string) (*models.Conversation, error) {
	c := &models.Conversation{}
	var created, last dbTime
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT id, phone_number, customer_name, created_at, last_message_at, status, notes
		FROM conversations WHERE phone_number = ?`), phone,
	).Scan(&c.ID, &c.Phone, &c.CustomerName, &created, &last, &c.Status, &c.Notes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", phone, ErrNotFound)
	}
	if err != nil {
		return nil, apperr.Store("storage.GetConversation", err)
	}
	c.CreatedAt = time.Time(created)
	c.LastMessageAt = time.Time(last)
	return c, nil
}

func (s *sqlStore) LogAIResponse(ctx context.Context, entry *models.AIResponseLog) error {
	if entry.GeneratedAt.IsZero() {
		entry.GeneratedAt = s.now().UTC()
	}
	return s.withTx(ctx, "storage.LogAIResponse", func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, s.q(`
			INSERT INTO ai_responses
				(conversation_id, message_id, prompt, response, model,
				 tokens_used, cost_estimate, generated_at, was_sent, error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			RETURNING id`),
			entry.ConversationID, entry.MessageID, entry.Prompt, entry.Response, entry.Model,
			entry.TokensUsed, entry.CostEstimate, dbTime(entry.GeneratedAt), entry.WasSent,
			nullString(entry.Error),
		).Scan(&entry.ID)
	})
}

func (s *sqlStore) Statistics(ctx context.Context) (*models.Statistics, error) {
	stats := &models.Statistics{}
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM conversations),
			(SELECT COUNT(*) FROM messages),
			(SELECT COUNT(*) FROM messages WHERE direction = 'outgoing' AND origin = 'ai'),
			(SELECT COUNT(*) FROM messages WHERE direction = 'outgoing' AND origin = 'human'),
			(SELECT COUNT(*) FROM messages WHERE direction = 'outgoing' AND origin = 'system'),
			(SELECT COUNT(*) FROM pending_responses WHERE status = 'pending'),
			(SELECT COALESCE(SUM(cost_estimate), 0) FROM ai_responses)`,
	).Scan(
		&stats.TotalConversations,
		&stats.TotalMessages,
		&stats.AIResponses,
		&stats.HumanResponses,
		&stats.SystemResponses,
		&stats.PendingResponses,
		&stats.TotalAICost,
	)
	if err != nil {
		return nil, apperr.Store("storage.Statistics", err)
	}
	return stats, nil
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}
