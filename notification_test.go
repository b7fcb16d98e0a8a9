package sqlguard

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSender struct {
	channel Channel
	send    func(ctx context.Context, p *NotificationPayload) error

	mu       sync.Mutex
	payloads []*NotificationPayload
}

func (s *stubSender) Name() Channel { return s.channel }

func (s *stubSender) Send(ctx context.Context, p *NotificationPayload) error {
	s.mu.Lock()
	s.payloads = append(s.payloads, p)
	s.mu.Unlock()
	if s.send == nil {
		return nil
	}
	return s.send(ctx, p)
}

func (s *stubSender) received() []*NotificationPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*NotificationPayload(nil), s.payloads...)
}

func testFinding() *Finding {
	return &Finding{
		ID:             "evt-1",
		SourceRecordID: "log-1",
		Kind:           KindPattern,
		Severity:       SeverityHigh,
		OccurredAt:     time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC),
		Evidence:       "DROP TABLE STUDENTS",
		Rule:           "DROP_TABLE",
		Principal:      "attacker@example.com",
	}
}

func testRecord() *QueryActivityRecord {
	return &QueryActivityRecord{
		ID:         "log-1",
		OccurredAt: time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC),
		Principal:  "attacker@example.com",
		RawText:    "DROP TABLE students",
		Summary:    "DROP TABLE students",
		RowCount:   0,
		Outcome:    OutcomeFailed,
	}
}

func outcomesByChannel(t *testing.T, store OutcomeStore, findingID string) map[Channel]*NotificationOutcome {
	t.Helper()
	list, err := store.ListOutcomes(context.Background(), findingID)
	require.NoError(t, err)
	out := make(map[Channel]*NotificationOutcome, len(list))
	for _, o := range list {
		out[o.Channel] = o
	}
	return out
}

func TestDispatchFailureDoesNotSkipOtherChannel(t *testing.T) {
	store := NewInMemoryStore()
	metrics := NewMetrics()
	d := NewDispatcher(store, WithDispatcherMetrics(metrics))
	email := &stubSender{channel: ChannelEmail, send: func(context.Context, *NotificationPayload) error {
		return &DeliveryError{Code: "SMTP", Err: errors.New("550 mailbox unavailable")}
	}}
	slack := &stubSender{channel: ChannelSlack}
	d.Register(email)
	d.Register(slack)

	d.Dispatch(context.Background(), testFinding(), testRecord())

	outcomes := outcomesByChannel(t, store, "evt-1")
	require.Len(t, outcomes, 2)
	assert.Equal(t, DeliveryFailed, outcomes[ChannelEmail].Status)
	assert.Equal(t, "SMTP", outcomes[ChannelEmail].ErrorCode)
	assert.Equal(t, "550 mailbox unavailable", outcomes[ChannelEmail].ErrorMessage)
	assert.Equal(t, DeliverySent, outcomes[ChannelSlack].Status)
	assert.Empty(t, outcomes[ChannelSlack].ErrorCode)
	assert.Len(t, slack.received(), 1)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.notificationsTotal.WithLabelValues("EMAIL", "FAILED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.notificationsTotal.WithLabelValues("SLACK", "SENT")))
}

func TestDispatchRecoversSenderPanic(t *testing.T) {
	store := NewInMemoryStore()
	d := NewDispatcher(store)
	d.Register(&stubSender{channel: ChannelSlack, send: func(context.Context, *NotificationPayload) error {
		panic("webhook client bug")
	}})
	d.Register(&stubSender{channel: ChannelEmail})

	require.NotPanics(t, func() {
		d.Dispatch(context.Background(), testFinding(), nil)
	})

	outcomes := outcomesByChannel(t, store, "evt-1")
	assert.Equal(t, DeliveryFailed, outcomes[ChannelSlack].Status)
	assert.Equal(t, "PANIC", outcomes[ChannelSlack].ErrorCode)
	assert.Contains(t, outcomes[ChannelSlack].ErrorMessage, "webhook client bug")
	assert.Equal(t, DeliverySent, outcomes[ChannelEmail].Status)
}

func TestDispatchTimesOutHungChannel(t *testing.T) {
	store := NewInMemoryStore()
	d := NewDispatcher(store, WithDispatchTimeout(50*time.Millisecond))
	release := make(chan struct{})
	defer close(release)
	d.Register(&stubSender{channel: ChannelEmail, send: func(context.Context, *NotificationPayload) error {
		<-release
		return nil
	}})
	d.Register(&stubSender{channel: ChannelSlack})

	started := time.Now()
	d.Dispatch(context.Background(), testFinding(), testRecord())
	assert.Less(t, time.Since(started), 2*time.Second)

	outcomes := outcomesByChannel(t, store, "evt-1")
	assert.Equal(t, DeliveryFailed, outcomes[ChannelEmail].Status)
	assert.Equal(t, "TIMEOUT", outcomes[ChannelEmail].ErrorCode)
	assert.Equal(t, DeliverySent, outcomes[ChannelSlack].Status)
}

func TestDispatchIgnoresCallerCancellation(t *testing.T) {
	store := NewInMemoryStore()
	d := NewDispatcher(store)
	d.Register(&stubSender{channel: ChannelEmail, send: func(ctx context.Context, _ *NotificationPayload) error {
		return ctx.Err()
	}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Dispatch(ctx, testFinding(), nil)

	outcomes := outcomesByChannel(t, store, "evt-1")
	assert.Equal(t, DeliverySent, outcomes[ChannelEmail].Status)
}

func TestDispatchTruncatesErrorMessage(t *testing.T) {
	store := NewInMemoryStore()
	d := NewDispatcher(store)
	d.Register(&stubSender{channel: ChannelSlack, send: func(context.Context, *NotificationPayload) error {
		return errors.New(strings.Repeat("x", 2000))
	}})

	d.Dispatch(context.Background(), testFinding(), nil)

	o := outcomesByChannel(t, store, "evt-1")[ChannelSlack]
	assert.Equal(t, "ERROR", o.ErrorCode)
	assert.Len(t, o.ErrorMessage, 480)
	assert.True(t, strings.HasSuffix(o.ErrorMessage, "..."))
}

func TestDispatchRecipientAppliesToEmailOnly(t *testing.T) {
	store := NewInMemoryStore()
	d := NewDispatcher(store, WithRecipientResolver(NewRecipientResolver(AdminDirectory{"42": "ops@example.com"})))
	email := &stubSender{channel: ChannelEmail}
	slack := &stubSender{channel: ChannelSlack}
	d.Register(email)
	d.Register(slack)

	d.Dispatch(WithAdminID(context.Background(), "42"), testFinding(), testRecord())

	require.Len(t, email.received(), 1)
	assert.Equal(t, "ops@example.com", email.received()[0].Recipient)
	assert.Empty(t, slack.received()[0].Recipient)
	assert.Equal(t, "ops@example.com", outcomesByChannel(t, store, "evt-1")[ChannelEmail].Recipient)
}

func TestDispatchRendersPerChannel(t *testing.T) {
	d := NewDispatcher(nil)
	email := &stubSender{channel: ChannelEmail}
	slack := &stubSender{channel: ChannelSlack}
	d.Register(email)
	d.Register(slack)
	d.RegisterFormatter(ChannelSlack, func(f *Finding, _ *QueryActivityRecord) (string, string) {
		return "", "custom " + f.ID
	})

	d.Dispatch(context.Background(), testFinding(), testRecord())

	assert.Equal(t, "[DB-IDS] [HIGH] Type=PATTERN User=attacker@example.com", email.received()[0].Subject)
	assert.Equal(t, "custom evt-1", slack.received()[0].Message)
	assert.Equal(t, []Channel{ChannelEmail, ChannelSlack}, d.Channels())
}

func TestDispatchNilFinding(t *testing.T) {
	sender := &stubSender{channel: ChannelEmail}
	d := NewDispatcher(nil)
	d.Register(sender)
	d.Dispatch(context.Background(), nil, nil)
	assert.Empty(t, sender.received())
}

func TestFormatEmail(t *testing.T) {
	subject, body := FormatEmail(testFinding(), testRecord())
	assert.Equal(t, "[DB-IDS] [HIGH] Type=PATTERN User=attacker@example.com", subject)
	assert.True(t, strings.HasPrefix(body, "🚨 DB-IDS Detection Alert\n\n"))
	assert.Contains(t, body, "Event ID : evt-1\n")
	assert.Contains(t, body, "Log ID   : log-1\n")
	assert.Contains(t, body, "Time     : 2026-03-04T05:06:07Z\n")
	assert.Contains(t, body, "SQL Raw:\nDROP TABLE students\n")

	f := testFinding()
	f.SourceRecordID = ""
	subject, body = FormatEmail(f, nil)
	assert.Equal(t, "[DB-IDS] [HIGH] Type=PATTERN User=-", subject)
	assert.Contains(t, body, "Log ID   : -\n")
	assert.NotContains(t, body, "SQL Raw")
}

func TestFormatSlack(t *testing.T) {
	rec := testRecord()
	rec.RawText = strings.Repeat("a", 2500)
	_, text := FormatSlack(testFinding(), rec)
	assert.True(t, strings.HasPrefix(text, ":rotating_light: *DB-IDS Detection Alert* :rotating_light:\n"))
	assert.Contains(t, text, "*Severity*: HIGH  *Type*: PATTERN\n")
	assert.Contains(t, text, "```"+strings.Repeat("a", 1997)+"...```")
}

func TestClassifyDeliveryError(t *testing.T) {
	assert.Equal(t, "CONFIG", classifyDeliveryError(deliveryErrorf("CONFIG", "missing")))
	assert.Equal(t, "TIMEOUT", classifyDeliveryError(context.DeadlineExceeded))
	assert.Equal(t, "PANIC", classifyDeliveryError(panicError{value: "x"}))
	assert.Equal(t, "ERROR", classifyDeliveryError(errors.New("x")))
}
