package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xaenox/wa-responder/internal/apperr"
	"github.com/xaenox/wa-responder/internal/models"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type storeFactory func(t *testing.T, clock *testClock) Storage

// runStorageSuite exercises the behaviour every Storage implementation must share.
func runStorageSuite(t *testing.T, newStore storeFactory) {
	ctx := context.Background()

	t.Run("RecordIncomingCreatesConversationOnce", func(t *testing.T) {
		clock := newTestClock()
		s := newStore(t, clock)

		first, err := s.RecordIncoming(ctx, "+905551234567", "Merhaba", "wamid.1")
		require.NoError(t, err)
		require.True(t, first.HumanResponsePending)
		require.Equal(t, models.Incoming, first.Direction)

		clock.Advance(time.Minute)
		second, err := s.RecordIncoming(ctx, "+905551234567", "Randevu almak istiyorum", "wamid.2")
		require.NoError(t, err)
		require.Equal(t, first.ConversationID, second.ConversationID)
		require.NotEqual(t, first.ID, second.ID)

		conv, err := s.GetConversation(ctx, "+905551234567")
		require.NoError(t, err)
		require.Equal(t, models.ConversationActive, conv.Status)
		require.True(t, conv.LastMessageAt.Equal(clock.Now()))
		require.True(t, conv.CreatedAt.Equal(clock.Now().Add(-time.Minute)))

		stats, err := s.Statistics(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, stats.TotalConversations)
		require.Equal(t, 2, stats.TotalMessages)
	})

	t.Run("DuplicateProviderIDIsRejected", func(t *testing.T) {
		s := newStore(t, newTestClock())

		_, err := s.RecordIncoming(ctx, "+1", "hello", "dup")
		require.NoError(t, err)
		_, err = s.RecordIncoming(ctx, "+1", "hello again", "dup")
		require.ErrorIs(t, err, ErrDuplicateMessage)
		require.True(t, apperr.IsKind(err, apperr.KindConflict))

		// empty provider ids never collide
		_, err = s.RecordIncoming(ctx, "+1", "a", "")
		require.NoError(t, err)
		_, err = s.RecordIncoming(ctx, "+1", "b", "")
		require.NoError(t, err)

		stats, err := s.Statistics(ctx)
		require.NoError(t, err)
		require.Equal(t, 3, stats.TotalMessages)
	})

	t.Run("NonAIReplyPreemptsPendingResponses", func(t *testing.T) {
		clock := newTestClock()
		s := newStore(t, clock)

		in1, err := s.RecordIncoming(ctx, "+1", "first", "m1")
		require.NoError(t, err)
		in2, err := s.RecordIncoming(ctx, "+1", "second", "m2")
		require.NoError(t, err)
		p1, err := s.Schedule(ctx, in1.ID, 5*time.Minute)
		require.NoError(t, err)
		p2, err := s.Schedule(ctx, in2.ID, 5*time.Minute)
		require.NoError(t, err)

		other, err := s.RecordIncoming(ctx, "+2", "other contact", "m3")
		require.NoError(t, err)
		pOther, err := s.Schedule(ctx, other.ID, 5*time.Minute)
		require.NoError(t, err)

		// AI replies leave everything pending
		_, err = s.RecordOutgoing(ctx, "+1", "auto", models.OriginAI, "o1")
		require.NoError(t, err)
		got, err := s.GetPending(ctx, p1.ID)
		require.NoError(t, err)
		require.Equal(t, models.StatusPending, got.Status)

		// a templated reply is not an AI response and pre-empts like a human one
		clock.Advance(time.Minute)
		_, err = s.RecordOutgoing(ctx, "+1", "112'yi arayın", models.OriginSystem, "o2")
		require.NoError(t, err)

		for _, id := range []int64{p1.ID, p2.ID} {
			got, err := s.GetPending(ctx, id)
			require.NoError(t, err)
			require.Equal(t, models.StatusCancelled, got.Status)
			require.NotNil(t, got.ProcessedAt)
			require.True(t, got.ProcessedAt.Equal(clock.Now()))
		}
		got, err = s.GetPending(ctx, pOther.ID)
		require.NoError(t, err)
		require.Equal(t, models.StatusPending, got.Status)

		history, err := s.History(ctx, "+1", 10)
		require.NoError(t, err)
		for _, m := range history {
			require.False(t, m.HumanResponsePending, "message %d still pending", m.ID)
			if m.Direction == models.Incoming {
				require.NotNil(t, m.HumanRespondedAt)
			}
		}

		otherHistory, err := s.History(ctx, "+2", 10)
		require.NoError(t, err)
		require.True(t, otherHistory[0].HumanResponsePending)
	})

	t.Run("HumanReplyPreemptsPendingResponses", func(t *testing.T) {
		s := newStore(t, newTestClock())

		_, p, err := s.RecordDeferred(ctx, "+1", "first", "m1", 5*time.Minute)
		require.NoError(t, err)
		_, err = s.RecordOutgoing(ctx, "+1", "Merhaba, ben terapist", models.OriginHuman, "")
		require.NoError(t, err)

		got, err := s.GetPending(ctx, p.ID)
		require.NoError(t, err)
		require.Equal(t, models.StatusCancelled, got.Status)
	})

	t.Run("RecordDeferredStoresMessageAndPendingTogether", func(t *testing.T) {
		clock := newTestClock()
		s := newStore(t, clock)

		msg, p, err := s.RecordDeferred(ctx, "+1", "Fiyatlar nedir?", "wamid.d1", 5*time.Minute)
		require.NoError(t, err)
		require.True(t, msg.HumanResponsePending)
		require.Equal(t, msg.ID, p.MessageID)
		require.Equal(t, msg.ConversationID, p.ConversationID)
		require.Equal(t, models.StatusPending, p.Status)
		require.True(t, p.ScheduledFor.Equal(msg.ReceivedAt.Add(5*time.Minute)))

		// a redelivery writes neither a message nor a second pending row
		_, _, err = s.RecordDeferred(ctx, "+1", "Fiyatlar nedir?", "wamid.d1", 5*time.Minute)
		require.ErrorIs(t, err, ErrDuplicateMessage)

		stats, err := s.Statistics(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, stats.TotalMessages)
		require.Equal(t, 1, stats.PendingResponses)
	})

	t.Run("CompleteResponseMarksSentAndRecords", func(t *testing.T) {
		clock := newTestClock()
		s := newStore(t, clock)

		_, p, err := s.RecordDeferred(ctx, "+1", "Merhaba", "", 5*time.Minute)
		require.NoError(t, err)
		clock.Advance(5 * time.Minute)

		msg, status, err := s.CompleteResponse(ctx, p.ID, "AI cevabı", models.OriginAI, "wamid.out1")
		require.NoError(t, err)
		require.Equal(t, models.StatusSent, status)
		require.True(t, msg.IsAIResponse)
		require.Equal(t, models.Outgoing, msg.Direction)
		require.Equal(t, p.ConversationID, msg.ConversationID)

		got, err := s.GetPending(ctx, p.ID)
		require.NoError(t, err)
		require.Equal(t, models.StatusSent, got.Status)
		require.True(t, got.ProcessedAt.Equal(clock.Now()))

		count, err := s.AIResponseCount(ctx, p.ConversationID)
		require.NoError(t, err)
		require.Equal(t, 1, count)

		_, _, err = s.CompleteResponse(ctx, 404, "x", models.OriginAI, "")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("CompleteResponseWithTemplateCancelsOthersOnly", func(t *testing.T) {
		clock := newTestClock()
		s := newStore(t, clock)

		_, first, err := s.RecordDeferred(ctx, "+1", "Merhaba", "", 5*time.Minute)
		require.NoError(t, err)
		clock.Advance(time.Minute)
		_, second, err := s.RecordDeferred(ctx, "+1", "Orada mısınız?", "", 5*time.Minute)
		require.NoError(t, err)

		_, status, err := s.CompleteResponse(ctx, first.ID, "handoff", models.OriginSystem, "")
		require.NoError(t, err)
		require.Equal(t, models.StatusSent, status)

		got, err := s.GetPending(ctx, second.ID)
		require.NoError(t, err)
		require.Equal(t, models.StatusCancelled, got.Status)
		count, err := s.AIResponseCount(ctx, first.ConversationID)
		require.NoError(t, err)
		require.Zero(t, count)
	})

	t.Run("CompleteResponseKeepsTerminalStatus", func(t *testing.T) {
		s := newStore(t, newTestClock())

		_, p, err := s.RecordDeferred(ctx, "+1", "Merhaba", "", 5*time.Minute)
		require.NoError(t, err)
		_, err = s.RecordOutgoing(ctx, "+1", "Ben buradayım", models.OriginHuman, "")
		require.NoError(t, err)

		// the reply went out anyway; it is recorded and the row stays cancelled
		_, status, err := s.CompleteResponse(ctx, p.ID, "AI cevabı", models.OriginAI, "")
		require.NoError(t, err)
		require.Equal(t, models.StatusCancelled, status)
		got, err := s.GetPending(ctx, p.ID)
		require.NoError(t, err)
		require.Equal(t, models.StatusCancelled, got.Status)
		count, err := s.AIResponseCount(ctx, p.ConversationID)
		require.NoError(t, err)
		require.Equal(t, 1, count)
	})

	t.Run("ScheduleAnchorsToReceiveTime", func(t *testing.T) {
		clock := newTestClock()
		s := newStore(t, clock)

		in, err := s.RecordIncoming(ctx, "+1", "hi", "")
		require.NoError(t, err)
		clock.Advance(2 * time.Second)

		p, err := s.Schedule(ctx, in.ID, 300*time.Second)
		require.NoError(t, err)
		require.Equal(t, models.StatusPending, p.Status)
		require.Equal(t, in.ConversationID, p.ConversationID)
		require.True(t, p.ScheduledFor.Equal(in.ReceivedAt.Add(300*time.Second)))

		_, err = s.Schedule(ctx, 9999, time.Minute)
		require.ErrorIs(t, err, ErrNotFound)
		require.True(t, apperr.IsKind(err, apperr.KindNotFound))
	})

	t.Run("DueResponsesOrderedAndFiltered", func(t *testing.T) {
		clock := newTestClock()
		s := newStore(t, clock)

		a, err := s.RecordIncoming(ctx, "+1", "a", "")
		require.NoError(t, err)
		b, err := s.RecordIncoming(ctx, "+2", "b", "")
		require.NoError(t, err)
		c, err := s.RecordIncoming(ctx, "+3", "c", "")
		require.NoError(t, err)

		pa, err := s.Schedule(ctx, a.ID, 3*time.Minute)
		require.NoError(t, err)
		pb, err := s.Schedule(ctx, b.ID, time.Minute)
		require.NoError(t, err)
		_, err = s.Schedule(ctx, c.ID, time.Hour)
		require.NoError(t, err)

		due, err := s.DueResponses(ctx, clock.Now())
		require.NoError(t, err)
		require.Empty(t, due)

		clock.Advance(5 * time.Minute)
		due, err = s.DueResponses(ctx, clock.Now())
		require.NoError(t, err)
		require.Len(t, due, 2)
		require.Equal(t, pb.ID, due[0].ID)
		require.Equal(t, "+2", due[0].Phone)
		require.Equal(t, "b", due[0].Text)
		require.True(t, due[0].ReceivedAt.Equal(b.ReceivedAt))
		require.Equal(t, pa.ID, due[1].ID)

		require.NoError(t, s.MarkProcessed(ctx, pb.ID, models.StatusSent))
		due, err = s.DueResponses(ctx, clock.Now())
		require.NoError(t, err)
		require.Len(t, due, 1)
		require.Equal(t, pa.ID, due[0].ID)
	})

	t.Run("MarkProcessedIsWriteOnce", func(t *testing.T) {
		clock := newTestClock()
		s := newStore(t, clock)

		in, err := s.RecordIncoming(ctx, "+1", "hi", "")
		require.NoError(t, err)
		p, err := s.Schedule(ctx, in.ID, time.Minute)
		require.NoError(t, err)

		require.ErrorIs(t, s.MarkProcessed(ctx, p.ID, models.StatusPending), ErrInvalidTransition)

		require.NoError(t, s.MarkProcessed(ctx, p.ID, models.StatusFailed))
		for _, status := range []models.PendingStatus{models.StatusSent, models.StatusCancelled, models.StatusError, models.StatusFailed} {
			err := s.MarkProcessed(ctx, p.ID, status)
			require.ErrorIs(t, err, ErrAlreadyProcessed)
		}

		got, err := s.GetPending(ctx, p.ID)
		require.NoError(t, err)
		require.Equal(t, models.StatusFailed, got.Status)

		require.ErrorIs(t, s.MarkProcessed(ctx, 4242, models.StatusSent), ErrNotFound)
		_, err = s.GetPending(ctx, 4242)
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("AIResponseCountMatchesAIMessages", func(t *testing.T) {
		s := newStore(t, newTestClock())

		in, err := s.RecordIncoming(ctx, "+1", "hi", "")
		require.NoError(t, err)

		count, err := s.AIResponseCount(ctx, in.ConversationID)
		require.NoError(t, err)
		require.Zero(t, count)

		for i := 0; i < 3; i++ {
			_, err = s.RecordOutgoing(ctx, "+1", "ai reply", models.OriginAI, "")
			require.NoError(t, err)
		}
		_, err = s.RecordOutgoing(ctx, "+1", "handoff", models.OriginSystem, "")
		require.NoError(t, err)
		_, err = s.RecordOutgoing(ctx, "+1", "human", models.OriginHuman, "")
		require.NoError(t, err)
		_, err = s.RecordOutgoing(ctx, "+2", "someone else", models.OriginAI, "")
		require.NoError(t, err)

		count, err = s.AIResponseCount(ctx, in.ConversationID)
		require.NoError(t, err)
		require.Equal(t, 3, count)

		_, err = s.RecordOutgoing(ctx, "+1", "bad", models.Origin("robot"), "")
		require.True(t, apperr.IsKind(err, apperr.KindValidation))
		_, _, err = s.CompleteResponse(ctx, 1, "bad", models.Origin("robot"), "")
		require.True(t, apperr.IsKind(err, apperr.KindValidation))
	})

	t.Run("HistoryIsChronologicalAndLimited", func(t *testing.T) {
		clock := newTestClock()
		s := newStore(t, clock)

		texts := []string{"one", "two", "three", "four"}
		for i, text := range texts {
			if i%2 == 0 {
				_, err := s.RecordIncoming(ctx, "+1", text, "")
				require.NoError(t, err)
			} else {
				_, err := s.RecordOutgoing(ctx, "+1", text, models.OriginAI, "")
				require.NoError(t, err)
			}
			clock.Advance(time.Second)
		}

		history, err := s.History(ctx, "+1", 3)
		require.NoError(t, err)
		require.Len(t, history, 3)
		require.Equal(t, "two", history[0].Text)
		require.Equal(t, "four", history[2].Text)
		require.Equal(t, models.Outgoing, history[2].Direction)
		require.True(t, history[2].IsAIResponse)
		require.Equal(t, models.OriginAI, history[2].Origin)

		empty, err := s.History(ctx, "+404", 5)
		require.NoError(t, err)
		require.Empty(t, empty)
	})

	t.Run("StatisticsAggregateCounters", func(t *testing.T) {
		s := newStore(t, newTestClock())

		in, err := s.RecordIncoming(ctx, "+1", "hi", "")
		require.NoError(t, err)
		_, err = s.RecordOutgoing(ctx, "+1", "ai", models.OriginAI, "")
		require.NoError(t, err)
		_, err = s.RecordOutgoing(ctx, "+1", "sys", models.OriginSystem, "")
		require.NoError(t, err)
		_, err = s.Schedule(ctx, in.ID, time.Minute)
		require.NoError(t, err)

		require.NoError(t, s.LogAIResponse(ctx, &models.AIResponseLog{
			ConversationID: in.ConversationID, MessageID: in.ID, Prompt: "hi", Response: "hello",
			Model: "gpt-4o-mini", TokensUsed: 1000, CostEstimate: 0.0005, WasSent: true,
		}))
		failed := &models.AIResponseLog{
			ConversationID: in.ConversationID, MessageID: in.ID, Prompt: "hi",
			Model: "gpt-4o-mini", Error: "timeout",
		}
		require.NoError(t, s.LogAIResponse(ctx, failed))
		require.NotZero(t, failed.ID)

		stats, err := s.Statistics(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, stats.TotalConversations)
		require.Equal(t, 3, stats.TotalMessages)
		require.Equal(t, 1, stats.AIResponses)
		require.Equal(t, 0, stats.HumanResponses)
		require.Equal(t, 1, stats.SystemResponses)
		require.Equal(t, 1, stats.PendingResponses)
		require.InDelta(t, 0.0005, stats.TotalAICost, 1e-9)
	})

	t.Run("UnknownConversation", func(t *testing.T) {
		s := newStore(t, newTestClock())
		_, err := s.GetConversation(ctx, "+404")
		require.ErrorIs(t, err, ErrNotFound)
	})
}
