package models

import "time"

type Direction string

const (
	Incoming Direction = "incoming"
	Outgoing Direction = "outgoing"
)

// Origin tells who produced an outgoing message.
type Origin string

const (
	OriginHuman  Origin = "human"
	OriginAI     Origin = "ai"
	OriginSystem Origin = "system"
)

func (o Origin) Valid() bool {
	switch o {
	case OriginHuman, OriginAI, OriginSystem:
		return true
	}
	return false
}

// Conversation is the single thread kept per contact phone number
type Conversation struct {
	ID            int64     `json:"id"`
	Phone         string    `json:"phone_number"`
	CustomerName  string    `json:"customer_name,omitempty"`
	Status        string    `json:"status"`
	Notes         string    `json:"notes,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	LastMessageAt time.Time `json:"last_message_at"`
}

const ConversationActive = "active"

// IsActive reports whether the contact wrote or was answered within the last 24 hours.
func (c *Conversation) IsActive(now time.Time) bool {
	return now.Sub(c.LastMessageAt) < 24*time.Hour
}

// Message represents a single incoming or outgoing WhatsApp message
type Message struct {
	ID                   int64      `json:"id"`
	ConversationID       int64      `json:"conversation_id"`
	Direction            Direction  `json:"direction"`
	Text                 string     `json:"message_text"`
	ProviderMessageID    string     `json:"message_id,omitempty"`
	ReceivedAt           time.Time  `json:"received_at"`
	Origin               Origin     `json:"origin,omitempty"`
	IsAIResponse         bool       `json:"is_ai_response"`
	HumanResponsePending bool       `json:"human_response_pending"`
	HumanRespondedAt     *time.Time `json:"human_responded_at,omitempty"`
}

// InboundMessage is the provider-neutral form of a webhook message
type InboundMessage struct {
	Phone             string `json:"phone_number"`
	Text              string `json:"message"`
	ProviderMessageID string `json:"message_id"`
}

// AIResponseLog is one audit row per generation attempt
type AIResponseLog struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	MessageID      int64     `json:"message_id"`
	Prompt         string    `json:"prompt"`
	Response       string    `json:"response"`
	Model          string    `json:"model"`
	TokensUsed     int       `json:"tokens_used"`
	CostEstimate   float64   `json:"cost_estimate"`
	GeneratedAt    time.Time `json:"generated_at"`
	WasSent        bool      `json:"was_sent"`
	Error          string    `json:"error,omitempty"`
}

// Statistics aggregates the counters shown on the status surface
type Statistics struct {
	TotalConversations int     `json:"total_conversations"`
	TotalMessages      int     `json:"total_messages"`
	AIResponses        int     `json:"ai_responses"`
	HumanResponses     int     `json:"human_responses"`
	SystemResponses    int     `json:"system_responses"`
	PendingResponses   int     `json:"pending_responses"`
	TotalAICost        float64 `json:"total_ai_cost"`
}

// Status is the read-only snapshot served by the stats endpoint
type Status struct {
	Running         bool      `json:"running"`
	Timestamp       time.Time `json:"timestamp"`
	IsBusinessHours bool      `json:"is_business_hours"`
	Statistics
}
