package bot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xaenox/wa-responder/internal/apperr"
	"github.com/xaenox/wa-responder/internal/models"
	"github.com/xaenox/wa-responder/internal/policy"
	"github.com/xaenox/wa-responder/internal/ratelimit"
	"github.com/xaenox/wa-responder/internal/storage"
	"go.uber.org/zap/zaptest"
)

const phone = "+905551112233"

type fakeSender struct {
	mu   sync.Mutex
	err  error
	sent []string
}

func (s *fakeSender) Send(ctx context.Context, to, text string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.sent = append(s.sent, text)
	return "wamid.out" + string(rune('a'+len(s.sent))), nil
}

type fakeTemplateSender struct {
	fakeSender
	templates []string
}

func (s *fakeTemplateSender) SendTemplate(ctx context.Context, to, name, language string, params []string) (string, error) {
	s.templates = append(s.templates, name)
	return "wamid.tpl", nil
}

type fakeNotifier struct {
	alerts []string
}

func (n *fakeNotifier) NotifyEmergency(ctx context.Context, phone, text string) error {
	n.alerts = append(n.alerts, text)
	return nil
}

// flakyStore fails the next deferred write with a store error.
type flakyStore struct {
	*storage.MemoryStorage
	failNext bool
}

func (s *flakyStore) RecordDeferred(ctx context.Context, phone, text, providerID string, delay time.Duration) (*models.Message, *models.PendingResponse, error) {
	if s.failNext {
		s.failNext = false
		return nil, nil, apperr.Store("storage.RecordDeferred", errors.New("database is locked"))
	}
	return s.MemoryStorage.RecordDeferred(ctx, phone, text, providerID, delay)
}

type fixedReplies struct{}

func (fixedReplies) EmergencyReply() string          { return "call us now" }
func (fixedReplies) OutsideHoursReply(string) string { return "we are closed" }

var trt = time.FixedZone("TRT", 3*60*60)

// 2024-06-01 is a Saturday.
var (
	openTime   = time.Date(2024, 6, 1, 12, 0, 0, 0, trt)
	closedTime = time.Date(2024, 6, 3, 12, 0, 0, 0, trt)
)

type fixture struct {
	bot      *Bot
	store    *storage.MemoryStorage
	sender   *fakeSender
	notifier *fakeNotifier
}

func newFixture(t *testing.T, now time.Time, opts ...Option) *fixture {
	t.Helper()
	clock := func() time.Time { return now }
	store := storage.NewMemoryStorage(storage.WithClock(clock))
	hours := policy.BusinessHours{
		Location: trt,
		Days:     []time.Weekday{time.Saturday, time.Sunday},
		Opens:    9 * time.Hour,
		Closes:   20 * time.Hour,
	}
	pol := policy.New([]string{"acil", "urgent"}, hours, true, policy.WithClock(clock))
	sender := &fakeSender{}
	notifier := &fakeNotifier{}
	opts = append([]Option{WithNotifier(notifier), WithResponseDelay(5 * time.Minute)}, opts...)
	return &fixture{
		bot:      New(store, sender, pol, fixedReplies{}, zaptest.NewLogger(t), opts...),
		store:    store,
		sender:   sender,
		notifier: notifier,
	}
}

func TestHandleIncomingSchedulesDuringBusinessHours(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, openTime)

	out, err := f.bot.HandleIncoming(ctx, models.InboundMessage{Phone: phone, Text: "Fiyatlar nedir?", ProviderMessageID: "wamid.1"})
	require.NoError(t, err)
	require.Equal(t, ResultScheduled, out.Result)
	require.NotZero(t, out.PendingID)
	require.True(t, out.ScheduledFor.Equal(openTime.Add(5*time.Minute)))
	require.Empty(t, f.sender.sent)

	p, err := f.store.GetPending(ctx, out.PendingID)
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, p.Status)
	require.Equal(t, out.MessageID, p.MessageID)
}

func TestHandleIncomingEmergencyRepliesAtOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, openTime)

	out, err := f.bot.HandleIncoming(ctx, models.InboundMessage{Phone: phone, Text: "ACİL durum, acil yardım"})
	require.NoError(t, err)
	require.Equal(t, ResultEmergency, out.Result)
	require.True(t, out.Sent)
	require.Equal(t, []string{"call us now"}, f.sender.sent)
	require.Equal(t, []string{"ACİL durum, acil yardım"}, f.notifier.alerts)

	// no pending row, the reply is a system message
	due, err := f.store.DueResponses(ctx, openTime.Add(time.Hour))
	require.NoError(t, err)
	require.Empty(t, due)

	stats, err := f.store.Statistics(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.SystemResponses)
	require.Zero(t, stats.AIResponses)
}

func TestHandleIncomingOutsideHours(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, closedTime)

	out, err := f.bot.HandleIncoming(ctx, models.InboundMessage{Phone: phone, Text: "Merhaba"})
	require.NoError(t, err)
	require.Equal(t, ResultOutsideHours, out.Result)
	require.Equal(t, []string{"we are closed"}, f.sender.sent)
	require.Zero(t, out.PendingID)
}

func TestHandleIncomingSendFailureIsReported(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, closedTime)
	f.sender.err = errors.New("provider down")

	out, err := f.bot.HandleIncoming(ctx, models.InboundMessage{Phone: phone, Text: "Merhaba"})
	require.NoError(t, err)
	require.False(t, out.Sent)
	require.Equal(t, "provider down", out.SendError)

	history, err := f.store.History(ctx, phone, 10)
	require.NoError(t, err)
	require.Len(t, history, 1, "only the incoming message is kept")
}

func TestHandleIncomingDuplicateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, openTime)
	in := models.InboundMessage{Phone: phone, Text: "Merhaba", ProviderMessageID: "wamid.dup"}

	_, err := f.bot.HandleIncoming(ctx, in)
	require.NoError(t, err)
	out, err := f.bot.HandleIncoming(ctx, in)
	require.NoError(t, err)
	require.Equal(t, ResultDuplicate, out.Result)

	stats, err := f.store.Statistics(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.TotalMessages)
	require.Equal(t, 1, stats.PendingResponses)
}

func TestHandleIncomingRedeliveryAfterStoreFailureSchedules(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, openTime)
	flaky := &flakyStore{MemoryStorage: f.store, failNext: true}
	f.bot.store = flaky
	in := models.InboundMessage{Phone: phone, Text: "Fiyatlar nedir?", ProviderMessageID: "wamid.retry"}

	_, err := f.bot.HandleIncoming(ctx, in)
	require.True(t, apperr.IsKind(err, apperr.KindStore))

	stats, err := f.store.Statistics(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.TotalMessages, "a failed write leaves nothing behind")

	out, err := f.bot.HandleIncoming(ctx, in)
	require.NoError(t, err)
	require.Equal(t, ResultScheduled, out.Result)

	p, err := f.store.GetPending(ctx, out.PendingID)
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, p.Status)
}

func TestHandleIncomingEmergencyCancelsEarlierPendingReply(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, openTime)

	scheduled, err := f.bot.HandleIncoming(ctx, models.InboundMessage{Phone: phone, Text: "randevu almak istiyorum"})
	require.NoError(t, err)
	require.Equal(t, ResultScheduled, scheduled.Result)

	out, err := f.bot.HandleIncoming(ctx, models.InboundMessage{Phone: phone, Text: "acil yardım"})
	require.NoError(t, err)
	require.Equal(t, ResultEmergency, out.Result)
	require.True(t, out.Sent)

	p, err := f.store.GetPending(ctx, scheduled.PendingID)
	require.NoError(t, err)
	require.Equal(t, models.StatusCancelled, p.Status)
}

func TestHandleIncomingRejectsEmptyFields(t *testing.T) {
	f := newFixture(t, openTime)

	_, err := f.bot.HandleIncoming(context.Background(), models.InboundMessage{Phone: phone, Text: "  "})
	require.True(t, apperr.IsKind(err, apperr.KindValidation))

	stats, err := f.store.Statistics(context.Background())
	require.NoError(t, err)
	require.Zero(t, stats.TotalMessages)
}

func TestHandleIncomingThrottles(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, openTime, WithLimiter(ratelimit.NewMemoryLimiter(1, time.Minute)))

	out, err := f.bot.HandleIncoming(ctx, models.InboundMessage{Phone: phone, Text: "bir"})
	require.NoError(t, err)
	require.Equal(t, ResultScheduled, out.Result)

	out, err = f.bot.HandleIncoming(ctx, models.InboundMessage{Phone: phone, Text: "iki"})
	require.NoError(t, err)
	require.Equal(t, ResultThrottled, out.Result)
	require.NotZero(t, out.MessageID, "throttled messages are still recorded")

	// emergencies bypass the limit
	out, err = f.bot.HandleIncoming(ctx, models.InboundMessage{Phone: phone, Text: "urgent"})
	require.NoError(t, err)
	require.Equal(t, ResultEmergency, out.Result)
}

func TestSendManualPreemptsPendingReply(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, openTime)

	out, err := f.bot.HandleIncoming(ctx, models.InboundMessage{Phone: phone, Text: "Merhaba"})
	require.NoError(t, err)

	msg, err := f.bot.SendManual(ctx, phone, "Merhaba, ben Ayşe")
	require.NoError(t, err)
	require.Equal(t, models.OriginHuman, msg.Origin)
	require.False(t, msg.IsAIResponse)

	p, err := f.store.GetPending(ctx, out.PendingID)
	require.NoError(t, err)
	require.Equal(t, models.StatusCancelled, p.Status)
}

func TestSendManualSenderFailure(t *testing.T) {
	f := newFixture(t, openTime)
	f.sender.err = errors.New("boom")

	_, err := f.bot.SendManual(context.Background(), phone, "Merhaba")
	require.True(t, apperr.IsKind(err, apperr.KindExternal))
}

func TestRecordHumanReply(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, openTime)

	out, err := f.bot.HandleIncoming(ctx, models.InboundMessage{Phone: phone, Text: "Merhaba"})
	require.NoError(t, err)

	_, err = f.bot.RecordHumanReply(ctx, phone, "telefonda konuştuk")
	require.NoError(t, err)
	require.Empty(t, f.sender.sent)

	p, err := f.store.GetPending(ctx, out.PendingID)
	require.NoError(t, err)
	require.Equal(t, models.StatusCancelled, p.Status)
}

func TestSendTemplateNeedsTemplateSender(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, openTime)

	_, err := f.bot.SendTemplate(ctx, phone, "reminder", "tr", nil)
	require.True(t, apperr.IsKind(err, apperr.KindValidation))

	ts := &fakeTemplateSender{}
	f.bot.sender = ts
	msg, err := f.bot.SendTemplate(ctx, phone, "reminder", "tr", []string{"Ayşe"})
	require.NoError(t, err)
	require.Equal(t, "wamid.tpl", msg.ProviderMessageID)
	require.Equal(t, []string{"reminder"}, ts.templates)
}

func TestRequeue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, openTime)

	out, err := f.bot.HandleIncoming(ctx, models.InboundMessage{Phone: phone, Text: "Merhaba"})
	require.NoError(t, err)

	_, err = f.bot.Requeue(ctx, out.PendingID)
	require.True(t, apperr.IsKind(err, apperr.KindConflict), "pending rows cannot be re-queued")

	require.NoError(t, f.store.MarkProcessed(ctx, out.PendingID, models.StatusFailed))
	requeued, err := f.bot.Requeue(ctx, out.PendingID)
	require.NoError(t, err)
	require.NotEqual(t, out.PendingID, requeued.ID)
	require.Equal(t, out.MessageID, requeued.MessageID)
	require.Equal(t, models.StatusPending, requeued.Status)
	require.True(t, requeued.ScheduledFor.Equal(openTime))

	old, err := f.store.GetPending(ctx, out.PendingID)
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, old.Status)

	_, err = f.bot.Requeue(ctx, 999)
	require.True(t, apperr.IsKind(err, apperr.KindNotFound))
}
