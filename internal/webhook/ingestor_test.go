package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/repositories"
	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/storage"
)

type fakeEvents struct {
	mu   sync.Mutex
	byID map[string]*storage.WebhookEvent
}

func newFakeEvents() *fakeEvents {
	return &fakeEvents{byID: make(map[string]*storage.WebhookEvent)}
}

func (f *fakeEvents) Create(ctx context.Context, event *storage.WebhookEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.byID[event.DeliveryID]; exists {
		return repositories.ErrConflict
	}
	cp := *event
	f.byID[event.DeliveryID] = &cp
	return nil
}

func (f *fakeEvents) GetByDeliveryID(ctx context.Context, deliveryID string) (*storage.WebhookEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.byID[deliveryID]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (f *fakeEvents) MarkProcessed(ctx context.Context, deliveryID string, durationMs int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.byID[deliveryID]
	if !ok {
		return repositories.ErrNotFound
	}
	e.Processed = true
	e.ProcessingDurationMs = &durationMs
	e.LastProcessingError = ""
	return nil
}

func (f *fakeEvents) MarkFailed(ctx context.Context, deliveryID string, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.byID[deliveryID]
	if !ok {
		return repositories.ErrNotFound
	}
	e.LastProcessingError = errMsg
	e.ProcessingAttempts++
	return nil
}

func newTestIngestor(secret string) (*Ingestor, *fakeEvents) {
	events := newFakeEvents()
	ing := New(secret, events, nil, nil, nil, nil, zap.NewNop())
	return ing, events
}

func sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

const jobQueuedPayload = `{
	"action": "queued",
	"workflow_job": {"id": 1001, "run_id": 77, "labels": ["ubuntu-latest", "ci"]},
	"repository": {"full_name": "o/r", "private": false}
}`

func TestProcessRequiresHeaders(t *testing.T) {
	ing, _ := newTestIngestor("")

	_, err := ing.Process(context.Background(), Delivery{Payload: []byte("{}")})
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Len(t, vErr.Errors, 2)
}

func TestProcessDispatchesAndMarksProcessed(t *testing.T) {
	ing, events := newTestIngestor("")

	calls := 0
	ing.Register("workflow_job", func(ctx context.Context, payload []byte) error {
		calls++
		return nil
	})

	result, err := ing.Process(context.Background(), Delivery{
		EventType:  "workflow_job",
		DeliveryID: "d-1",
		Payload:    []byte(jobQueuedPayload),
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.True(t, result.Processed)
	assert.Equal(t, 1, calls)

	stored, err := events.GetByDeliveryID(context.Background(), "d-1")
	require.NoError(t, err)
	assert.True(t, stored.Processed)
	assert.Equal(t, "queued", stored.Action)
	assert.Equal(t, "o/r", stored.Repository)
	assert.NotEmpty(t, stored.DedupKey)
}

func TestProcessDeduplicatesWithinWindow(t *testing.T) {
	ing, _ := newTestIngestor("")

	calls := 0
	ing.Register("workflow_job", func(ctx context.Context, payload []byte) error {
		calls++
		return nil
	})

	d := Delivery{EventType: "workflow_job", DeliveryID: "d-dup", Payload: []byte(jobQueuedPayload)}

	first, err := ing.Process(context.Background(), d)
	require.NoError(t, err)
	assert.False(t, first.Deduplicated)

	second, err := ing.Process(context.Background(), d)
	require.NoError(t, err)
	assert.True(t, second.Success)
	assert.True(t, second.Deduplicated)

	assert.Equal(t, 1, calls, "handler must run exactly once")
}

func TestProcessDedupWindowExpires(t *testing.T) {
	ing, events := newTestIngestor("")
	ing.dedupWindow = 10 * time.Millisecond
	ing.Register("workflow_job", func(ctx context.Context, payload []byte) error { return nil })

	d := Delivery{EventType: "workflow_job", DeliveryID: "d-exp", Payload: []byte(jobQueuedPayload)}

	_, err := ing.Process(context.Background(), d)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	// Outside the window the in-memory key has expired, but the unique
	// delivery_id row still collapses the retry.
	second, err := ing.Process(context.Background(), d)
	require.NoError(t, err)
	assert.True(t, second.Deduplicated)

	_, err = events.GetByDeliveryID(context.Background(), "d-exp")
	require.NoError(t, err)
}

func TestProcessSignatureVerification(t *testing.T) {
	const secret = "s3cret"
	payload := []byte(jobQueuedPayload)
	good := sign(secret, payload)

	t.Run("valid signature accepted", func(t *testing.T) {
		ing, _ := newTestIngestor(secret)
		ing.Register("workflow_job", func(ctx context.Context, payload []byte) error { return nil })

		result, err := ing.Process(context.Background(), Delivery{
			EventType: "workflow_job", DeliveryID: "d-sig", Signature: good, Payload: payload,
		})
		require.NoError(t, err)
		assert.True(t, result.Success)
	})

	t.Run("single bit flip rejected", func(t *testing.T) {
		ing, events := newTestIngestor(secret)

		flipped := make([]byte, len(payload))
		copy(flipped, payload)
		flipped[0] ^= 0x01

		_, err := ing.Process(context.Background(), Delivery{
			EventType: "workflow_job", DeliveryID: "d-flip", Signature: good, Payload: flipped,
		})
		var vErr *ValidationError
		require.ErrorAs(t, err, &vErr)

		// Nothing persisted on validation failure.
		_, err = events.GetByDeliveryID(context.Background(), "d-flip")
		assert.ErrorIs(t, err, repositories.ErrNotFound)
	})

	t.Run("missing signature rejected", func(t *testing.T) {
		ing, _ := newTestIngestor(secret)
		_, err := ing.Process(context.Background(), Delivery{
			EventType: "workflow_job", DeliveryID: "d-nosig", Payload: payload,
		})
		var vErr *ValidationError
		require.ErrorAs(t, err, &vErr)
	})

	t.Run("no secret skips verification", func(t *testing.T) {
		ing, _ := newTestIngestor("")
		ing.Register("workflow_job", func(ctx context.Context, payload []byte) error { return nil })
		result, err := ing.Process(context.Background(), Delivery{
			EventType: "workflow_job", DeliveryID: "d-nosecret", Payload: payload,
		})
		require.NoError(t, err)
		assert.True(t, result.Success)
	})
}

func TestProcessUnsupportedTypeAcknowledged(t *testing.T) {
	ing, events := newTestIngestor("")

	result, err := ing.Process(context.Background(), Delivery{
		EventType: "sponsorship", DeliveryID: "d-odd", Payload: []byte(`{}`),
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "unsupported", result.Message)

	stored, err := events.GetByDeliveryID(context.Background(), "d-odd")
	require.NoError(t, err)
	assert.True(t, stored.Processed)
}

func TestReplayReusesStoredPayload(t *testing.T) {
	ing, events := newTestIngestor("")

	attempts := 0
	var seenPayloads []string
	ing.Register("workflow_job", func(ctx context.Context, payload []byte) error {
		attempts++
		seenPayloads = append(seenPayloads, string(payload))
		if attempts == 1 {
			return errors.New("transient handler failure")
		}
		return nil
	})

	result, err := ing.Process(context.Background(), Delivery{
		EventType: "workflow_job", DeliveryID: "d-replay", Payload: []byte(jobQueuedPayload),
	})
	require.NoError(t, err)
	assert.False(t, result.Success)

	stored, err := events.GetByDeliveryID(context.Background(), "d-replay")
	require.NoError(t, err)
	assert.False(t, stored.Processed)
	assert.Equal(t, 1, stored.ProcessingAttempts)
	assert.Contains(t, stored.LastProcessingError, "transient")

	replayed, err := ing.Replay(context.Background(), "d-replay")
	require.NoError(t, err)
	assert.True(t, replayed.Success)

	require.Len(t, seenPayloads, 2)
	assert.Equal(t, seenPayloads[0], seenPayloads[1], "replay must reuse the stored payload")

	stored, err = events.GetByDeliveryID(context.Background(), "d-replay")
	require.NoError(t, err)
	assert.True(t, stored.Processed)
}

func TestReplayRespectsAttemptCap(t *testing.T) {
	ing, _ := newTestIngestor("")
	ing.Register("workflow_job", func(ctx context.Context, payload []byte) error {
		return errors.New("always failing")
	})

	_, err := ing.Process(context.Background(), Delivery{
		EventType: "workflow_job", DeliveryID: "d-cap", Payload: []byte(jobQueuedPayload),
	})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = ing.Replay(context.Background(), "d-cap")
		require.NoError(t, err)
	}

	_, err = ing.Replay(context.Background(), "d-cap")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "attempt cap")
}

func TestAuthorizeReplay(t *testing.T) {
	const secret = "s3cret"

	t.Run("valid delivery-id signature accepted", func(t *testing.T) {
		ing, _ := newTestIngestor(secret)
		assert.NoError(t, ing.AuthorizeReplay("d-1", sign(secret, []byte("d-1"))))
	})

	t.Run("missing signature rejected", func(t *testing.T) {
		ing, _ := newTestIngestor(secret)
		var vErr *ValidationError
		assert.ErrorAs(t, ing.AuthorizeReplay("d-1", ""), &vErr)
	})

	t.Run("signature for another delivery rejected", func(t *testing.T) {
		ing, _ := newTestIngestor(secret)
		var vErr *ValidationError
		assert.ErrorAs(t, ing.AuthorizeReplay("d-2", sign(secret, []byte("d-1"))), &vErr)
	})

	t.Run("no secret skips the check", func(t *testing.T) {
		ing, _ := newTestIngestor("")
		assert.NoError(t, ing.AuthorizeReplay("d-1", ""))
	})
}

func TestDedupKeyCoversIdentityTuple(t *testing.T) {
	base := DedupKey("workflow_job", "d-1", []byte(jobQueuedPayload))

	assert.Equal(t, base, DedupKey("workflow_job", "d-1", []byte(jobQueuedPayload)))
	assert.NotEqual(t, base, DedupKey("workflow_run", "d-1", []byte(jobQueuedPayload)))
	assert.NotEqual(t, base, DedupKey("workflow_job", "d-2", []byte(jobQueuedPayload)))

	other := `{"action": "completed", "workflow_job": {"id": 1001, "run_id": 77}, "repository": {"full_name": "o/r"}}`
	assert.NotEqual(t, base, DedupKey("workflow_job", "d-1", []byte(other)))
}
