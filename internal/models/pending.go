package models

import "time"

type PendingStatus string

const (
	StatusPending   PendingStatus = "pending"
	StatusSent      PendingStatus = "sent"
	StatusCancelled PendingStatus = "cancelled"
	StatusFailed    PendingStatus = "failed"
	StatusError     PendingStatus = "error"
)

// Terminal reports whether no further transition is allowed out of s.
func (s PendingStatus) Terminal() bool {
	switch s {
	case StatusSent, StatusCancelled, StatusFailed, StatusError:
		return true
	}
	return false
}

// PendingResponse is a deferred AI reply waiting for its scheduled time
type PendingResponse struct {
	ID             int64         `json:"id"`
	MessageID      int64         `json:"message_id"`
	ConversationID int64         `json:"conversation_id"`
	ScheduledFor   time.Time     `json:"scheduled_for"`
	CreatedAt      time.Time     `json:"created_at"`
	Status         PendingStatus `json:"status"`
	ProcessedAt    *time.Time    `json:"processed_at,omitempty"`
}

// DueResponse is a pending row joined with the text and contact it answers.
type DueResponse struct {
	PendingResponse
	Phone      string    `json:"phone_number"`
	Text       string    `json:"message_text"`
	ReceivedAt time.Time `json:"received_at"`
}
