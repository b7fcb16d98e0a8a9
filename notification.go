package sqlguard

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const maxErrorMessageLen = 480

// NotificationSender delivers a rendered payload on one channel.
type NotificationSender interface {
	Send(ctx context.Context, payload *NotificationPayload) error
	Name() Channel
}

// NotificationPayload is a finding rendered for one channel.
type NotificationPayload struct {
	Channel   Channel
	Recipient string
	Subject   string
	Message   string
	Finding   *Finding
	Record    *QueryActivityRecord
	Timestamp time.Time
}

// recipientDefaulter is implemented by senders that fall back to a configured
// address when no override is resolved.
type recipientDefaulter interface {
	Recipient(override string) string
}

// FormatFunc renders a finding (and its record, when known) for a channel.
type FormatFunc func(f *Finding, rec *QueryActivityRecord) (subject, message string)

// DeliveryError is a classified delivery failure.
type DeliveryError struct {
	Code string
	Err  error
}

func (e *DeliveryError) Error() string {
	return e.Err.Error()
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

func deliveryErrorf(code, format string, args ...any) *DeliveryError {
	return &DeliveryError{Code: code, Err: fmt.Errorf(format, args...)}
}

type panicError struct {
	value any
}

func (e panicError) Error() string {
	return fmt.Sprintf("sender panicked: %v", e.value)
}

// Dispatcher fans a finding out to every registered channel. Channels are
// attempted independently, each bounded by its own timeout, and every attempt
// is recorded as a NotificationOutcome.
type Dispatcher struct {
	mu         sync.RWMutex
	senders    map[Channel]NotificationSender
	formatters map[Channel]FormatFunc
	outcomes   OutcomeStore
	recipients RecipientResolver
	timeout    time.Duration
	metrics    *Metrics
	logger     zerolog.Logger
	now        func() time.Time
}

type DispatcherOption func(*Dispatcher)

func WithDispatchTimeout(d time.Duration) DispatcherOption {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.timeout = d
		}
	}
}

func WithRecipientResolver(r RecipientResolver) DispatcherOption {
	return func(d *Dispatcher) { d.recipients = r }
}

func WithDispatcherMetrics(m *Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

func WithDispatcherLogger(l zerolog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

func NewDispatcher(outcomes OutcomeStore, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		senders: make(map[Channel]NotificationSender),
		formatters: map[Channel]FormatFunc{
			ChannelEmail: FormatEmail,
			ChannelSlack: FormatSlack,
		},
		outcomes: outcomes,
		timeout:  5 * time.Second,
		logger:   zerolog.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register adds (or replaces) the sender of a channel.
func (d *Dispatcher) Register(sender NotificationSender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.senders[sender.Name()] = sender
}

// RegisterFormatter overrides how a channel renders findings.
func (d *Dispatcher) RegisterFormatter(channel Channel, fn FormatFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.formatters[channel] = fn
}

// Channels lists the registered channels in a stable order.
func (d *Dispatcher) Channels() []Channel {
	d.mu.RLock()
	defer d.mu.RUnlock()
	channels := make([]Channel, 0, len(d.senders))
	for ch := range d.senders {
		channels = append(channels, ch)
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i] < channels[j] })
	return channels
}

// Dispatch delivers f on every registered channel and waits for all attempts
// to finish or time out. It never fails; outcomes go to the OutcomeStore.
func (d *Dispatcher) Dispatch(ctx context.Context, f *Finding, rec *QueryActivityRecord) {
	if f == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = context.WithoutCancel(ctx)

	var recipient string
	if d.recipients != nil {
		recipient = d.recipients.ResolveRecipient(ctx)
	}

	var g errgroup.Group
	for _, ch := range d.Channels() {
		d.mu.RLock()
		sender := d.senders[ch]
		format := d.formatters[ch]
		d.mu.RUnlock()

		payload := &NotificationPayload{
			Channel:   ch,
			Finding:   f,
			Record:    rec,
			Timestamp: d.now(),
		}
		if ch == ChannelEmail {
			payload.Recipient = recipient
			if r, ok := sender.(recipientDefaulter); ok {
				payload.Recipient = r.Recipient(recipient)
			}
		}
		if format != nil {
			payload.Subject, payload.Message = format(f, rec)
		} else {
			payload.Subject, payload.Message = FormatEmail(f, rec)
		}

		g.Go(func() error {
			started := time.Now()
			outcome := d.deliver(ctx, sender, payload)
			d.metrics.NotificationDelivered(outcome, time.Since(started))
			d.record(ctx, outcome)
			return nil
		})
	}
	_ = g.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, sender NotificationSender, payload *NotificationPayload) *NotificationOutcome {
	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- panicError{value: r}
			}
		}()
		errCh <- sender.Send(sendCtx, payload)
	}()

	var err error
	select {
	case err = <-errCh:
	case <-sendCtx.Done():
		err = sendCtx.Err()
	}

	outcome := &NotificationOutcome{
		ID:        uuid.NewString(),
		FindingID: payload.Finding.ID,
		Channel:   payload.Channel,
		Status:    DeliverySent,
		Recipient: payload.Recipient,
		SentAt:    d.now(),
	}
	if err != nil {
		outcome.Status = DeliveryFailed
		outcome.ErrorCode = classifyDeliveryError(err)
		outcome.ErrorMessage = truncateMessage(err.Error(), maxErrorMessageLen)
		d.logger.Warn().Err(err).
			Str("channel", string(payload.Channel)).
			Str("finding", payload.Finding.ID).
			Str("code", outcome.ErrorCode).
			Msg("notification delivery failed")
	}
	return outcome
}

func (d *Dispatcher) record(ctx context.Context, o *NotificationOutcome) {
	if d.outcomes == nil {
		return
	}
	if err := d.outcomes.SaveOutcome(ctx, o); err != nil {
		d.logger.Error().Err(err).Str("finding", o.FindingID).Str("channel", string(o.Channel)).Msg("failed to record notification outcome")
	}
}

func classifyDeliveryError(err error) string {
	var de *DeliveryError
	var pe panicError
	switch {
	case errors.As(err, &de) && de.Code != "":
		return de.Code
	case errors.Is(err, context.DeadlineExceeded):
		return "TIMEOUT"
	case errors.As(err, &pe):
		return "PANIC"
	}
	return "ERROR"
}

func truncateMessage(msg string, limit int) string {
	runes := []rune(msg)
	if len(runes) <= limit {
		return msg
	}
	return string(runes[:limit-3]) + "..."
}
