package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/eventbus"
	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/kv"
	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/metrics"
	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/repositories"
	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/storage"
)

// defaultDedupWindow is the process-local window within which a repeated
// dedup key short-circuits without side effects.
const defaultDedupWindow = 60 * time.Second

// defaultAttemptCap bounds a delivery's total failed processing
// attempts, the original delivery included; once reached, replay is
// refused.
const defaultAttemptCap = 3

// ValidationError carries the per-field failures surfaced to the caller as
// the response's validationErrors array. Matched with errors.As.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return "webhook: validation failed: " + strings.Join(e.Errors, "; ")
}

// Handler processes one decoded delivery of a single event type.
type Handler func(ctx context.Context, payload []byte) error

// Ingestor runs the full pipeline for every inbound delivery: header
// validation, constant-time signature verification, dedup, persistence,
// dispatch, and outcome bookkeeping.
type Ingestor struct {
	secret      []byte
	dedupWindow time.Duration
	attemptCap  int

	events    repositories.WebhookEventRepository
	metricsDB repositories.MetricsRepository
	broker    *kv.Broker
	bus       *eventbus.Bus
	sink      *metrics.Sink
	logger    *zap.Logger

	mu   sync.Mutex
	seen map[string]time.Time

	handlers map[string]Handler
}

// New returns an Ingestor with no handlers registered; call Register for
// each event type before serving traffic. secret may be empty, in which
// case signature verification is skipped and logged.
func New(secret string, events repositories.WebhookEventRepository, metricsDB repositories.MetricsRepository, broker *kv.Broker, bus *eventbus.Bus, sink *metrics.Sink, logger *zap.Logger) *Ingestor {
	var secretBytes []byte
	if secret != "" {
		secretBytes = []byte(secret)
	}
	return &Ingestor{
		secret:      secretBytes,
		dedupWindow: defaultDedupWindow,
		attemptCap:  defaultAttemptCap,
		events:      events,
		metricsDB:   metricsDB,
		broker:      broker,
		bus:         bus,
		sink:        sink,
		logger:      logger.Named("webhook"),
		seen:        make(map[string]time.Time),
		handlers:    make(map[string]Handler),
	}
}

// Register installs the handler for eventType, replacing any previous one.
func (i *Ingestor) Register(eventType string, h Handler) {
	i.handlers[eventType] = h
}

// Process runs one delivery through the full pipeline and returns the
// result to report back to the forge. A *ValidationError return means
// nothing was persisted.
func (i *Ingestor) Process(ctx context.Context, d Delivery) (*Result, error) {
	start := time.Now()

	var missing []string
	if d.EventType == "" {
		missing = append(missing, "event type header is required")
	}
	if d.DeliveryID == "" {
		missing = append(missing, "delivery id header is required")
	}
	if len(missing) > 0 {
		return nil, &ValidationError{Errors: missing}
	}

	if err := i.verifySignature(d.Payload, d.Signature); err != nil {
		return nil, err
	}

	key := DedupKey(d.EventType, d.DeliveryID, d.Payload)
	if i.isDuplicate(ctx, key) {
		if i.sink != nil {
			i.sink.WebhookDedup.Inc()
		}
		i.logger.Debug("duplicate delivery suppressed",
			zap.String("delivery_id", d.DeliveryID), zap.String("event", d.EventType))
		return &Result{Success: true, Deduplicated: true, Message: "duplicate delivery"}, nil
	}

	event := &storage.WebhookEvent{
		DeliveryID: d.DeliveryID,
		EventType:  d.EventType,
		Action:     actionOf(d.Payload),
		Repository: repositoryOf(d.Payload),
		Payload:    d.Payload,
		Signature:  d.Signature,
		DedupKey:   key,
		Timestamp:  start,
	}
	if err := i.events.Create(ctx, event); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			// The delivery_id row already exists: the unique index is the
			// cross-instance linearization point, so treat the insert race
			// loser as a duplicate.
			return &Result{Success: true, Deduplicated: true, Message: "duplicate delivery"}, nil
		}
		return nil, fmt.Errorf("webhook: persist event: %w", err)
	}

	if !eventFamilies[d.EventType] {
		durationMs := time.Since(start).Milliseconds()
		_ = i.events.MarkProcessed(ctx, d.DeliveryID, durationMs)
		i.logger.Info("unsupported event type acknowledged", zap.String("event", d.EventType))
		return &Result{Success: true, Message: "unsupported", DurationMs: durationMs}, nil
	}

	err := i.dispatch(ctx, d.EventType, d.Payload)
	durationMs := time.Since(start).Milliseconds()
	i.record(ctx, d, err == nil, durationMs)

	if err != nil {
		if markErr := i.events.MarkFailed(ctx, d.DeliveryID, err.Error()); markErr != nil {
			i.logger.Warn("failed to record handler error", zap.Error(markErr))
		}
		return &Result{Success: false, Message: err.Error(), DurationMs: durationMs}, nil
	}

	if err := i.events.MarkProcessed(ctx, d.DeliveryID, durationMs); err != nil {
		i.logger.Warn("failed to mark event processed", zap.Error(err))
	}
	return &Result{Success: true, Processed: true, DurationMs: durationMs}, nil
}

// AuthorizeReplay gates the replay API behind the same shared secret as
// the inbound endpoint: the caller must present the hex MAC of the
// delivery ID it wants replayed, computed with the webhook secret. With
// no secret configured the check is skipped and logged, matching the
// inbound path.
func (i *Ingestor) AuthorizeReplay(deliveryID, signature string) error {
	return i.verifySignature([]byte(deliveryID), signature)
}

// Replay re-runs the stored payload for deliveryID through its handler,
// reusing the persisted payload exactly as received. Replays respect the
// attempt cap; a processed event replays as a no-op-success so the replay
// API is idempotent.
func (i *Ingestor) Replay(ctx context.Context, deliveryID string) (*Result, error) {
	event, err := i.events.GetByDeliveryID(ctx, deliveryID)
	if err != nil {
		return nil, fmt.Errorf("webhook: replay: %w", err)
	}

	if event.Processed {
		return &Result{Success: true, Processed: true, Message: "already processed"}, nil
	}

	if event.ProcessingAttempts >= i.attemptCap {
		return nil, fmt.Errorf("webhook: replay %s: attempt cap (%d) reached", deliveryID, i.attemptCap)
	}

	start := time.Now()
	err = i.dispatch(ctx, event.EventType, event.Payload)
	durationMs := time.Since(start).Milliseconds()

	if err != nil {
		if markErr := i.events.MarkFailed(ctx, deliveryID, err.Error()); markErr != nil {
			i.logger.Warn("failed to record replay error", zap.Error(markErr))
		}
		return &Result{Success: false, Message: err.Error(), DurationMs: durationMs}, nil
	}

	if err := i.events.MarkProcessed(ctx, deliveryID, durationMs); err != nil {
		i.logger.Warn("failed to mark replayed event processed", zap.Error(err))
	}
	return &Result{Success: true, Processed: true, DurationMs: durationMs}, nil
}

// dispatch routes payload to the registered handler. Event families with
// no registered handler are acknowledged after logging — they are valid
// traffic the control plane simply has no work for.
func (i *Ingestor) dispatch(ctx context.Context, eventType string, payload []byte) error {
	h, ok := i.handlers[eventType]
	if !ok {
		i.logger.Debug("no handler for event family", zap.String("event", eventType))
		return nil
	}
	return h(ctx, payload)
}

// verifySignature recomputes the MAC over the exact raw payload and
// compares in constant time. No configured secret skips verification.
func (i *Ingestor) verifySignature(payload []byte, signature string) error {
	if len(i.secret) == 0 {
		i.logger.Warn("no webhook secret configured, skipping signature verification")
		return nil
	}
	if signature == "" {
		return &ValidationError{Errors: []string{"signature header is required"}}
	}

	sigHex := strings.TrimPrefix(signature, "sha256=")
	got, err := hex.DecodeString(sigHex)
	if err != nil {
		return &ValidationError{Errors: []string{"signature is not valid hex"}}
	}

	mac := hmac.New(sha256.New, i.secret)
	mac.Write(payload)
	want := mac.Sum(nil)

	if !hmac.Equal(got, want) {
		return &ValidationError{Errors: []string{"signature mismatch"}}
	}
	return nil
}

// isDuplicate consults the process-local window first, then the shared
// broker, and records the key in both. The broker half makes the window
// hold across instances; it is best-effort — a broker hiccup degrades to
// local-only dedup rather than failing the delivery.
func (i *Ingestor) isDuplicate(ctx context.Context, key string) bool {
	now := time.Now()

	i.mu.Lock()
	cutoff := now.Add(-i.dedupWindow)
	for k, at := range i.seen {
		if at.Before(cutoff) {
			delete(i.seen, k)
		}
	}
	_, dup := i.seen[key]
	if !dup {
		i.seen[key] = now
	}
	i.mu.Unlock()

	if dup {
		return true
	}

	if i.broker != nil {
		stored, err := i.broker.SetNX(ctx, "webhook:dedup:"+key, []byte("1"), i.dedupWindow)
		if err != nil {
			i.logger.Debug("broker dedup check failed", zap.Error(err))
			return false
		}
		return !stored
	}
	return false
}

// record writes the per-delivery metrics row and sink counters.
func (i *Ingestor) record(ctx context.Context, d Delivery, success bool, durationMs int64) {
	if i.sink != nil {
		outcome := "success"
		if !success {
			outcome = "failure"
		}
		i.sink.WebhooksTotal.WithLabelValues(d.EventType, outcome).Inc()
		i.sink.WebhookDuration.WithLabelValues(d.EventType).Observe(float64(durationMs) / 1000)
	}
	if i.metricsDB != nil {
		if err := i.metricsDB.RecordWebhook(ctx, &storage.WebhookMetric{
			EventType:        d.EventType,
			Success:          success,
			ProcessingTimeMs: durationMs,
			RecordedAt:       time.Now(),
		}); err != nil {
			i.logger.Debug("failed to record webhook metric", zap.Error(err))
		}
	}
	if i.bus != nil {
		eventbus.Publish(i.bus, eventbus.WebhookProcessed{
			DeliveryID: d.DeliveryID,
			EventType:  d.EventType,
			Success:    success,
			DurationMs: durationMs,
			At:         time.Now(),
		})
	}
}

// actionOf and repositoryOf pull the two envelope fields persisted as
// their own columns.
func actionOf(payload []byte) string {
	var env envelope
	_ = json.Unmarshal(payload, &env)
	return env.Action
}

func repositoryOf(payload []byte) string {
	var env envelope
	_ = json.Unmarshal(payload, &env)
	return env.Repository.FullName
}
