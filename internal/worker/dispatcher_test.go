package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fitpipe/internal/adapter/repo"
	"fitpipe/internal/billing"
	"fitpipe/internal/domain"
	"fitpipe/internal/domain/jsoncfg"
	"fitpipe/internal/infra"
	"fitpipe/internal/providers/inference"
	"fitpipe/internal/queue"
	"fitpipe/internal/webhook"
)

type fakeOps struct {
	calls atomic.Int32
	err   error
	panic bool
	delay time.Duration
}

func (f *fakeOps) record() error {
	f.calls.Add(1)
	time.Sleep(f.delay)
	if f.panic {
		panic("boom")
	}
	return f.err
}

func (f *fakeOps) Measure(_ context.Context, p *jsoncfg.PredictionPayload) (inference.Output, error) {
	if err := f.record(); err != nil {
		return inference.Output{}, err
	}
	return inference.Output{Endpoint: inference.EndpointMeasure, Values: []any{[]any{91.0, 72.0, 99.0}}, Unit: p.Unit}, nil
}

func (f *fakeOps) AutoMask(_ context.Context, p *jsoncfg.PredictionPayload) (inference.Output, error) {
	if err := f.record(); err != nil {
		return inference.Output{}, err
	}
	return inference.Output{Endpoint: inference.EndpointAutoMask, Values: []any{"https://s/mask.png", []any{90.0}}, Unit: p.Unit}, nil
}

func (f *fakeOps) VideoPipeline(_ context.Context, p *jsoncfg.VideoPayload) (inference.Output, error) {
	if err := f.record(); err != nil {
		return inference.Output{}, err
	}
	return inference.Output{Endpoint: inference.EndpointVideo, Values: []any{[]any{90.0}}, Unit: p.Unit}, nil
}

func (f *fakeOps) Avatar(context.Context, *jsoncfg.AvatarPayload) (inference.Output, error) {
	if err := f.record(); err != nil {
		return inference.Output{}, err
	}
	return inference.Output{Values: []any{"https://s/avatar.png"}}, nil
}

func (f *fakeOps) GenerateOutfit(context.Context, *jsoncfg.OutfitPayload) (inference.Output, error) {
	if err := f.record(); err != nil {
		return inference.Output{}, err
	}
	return inference.Output{Values: []any{"https://s/outfit.png"}}, nil
}

func (f *fakeOps) EditGarment(context.Context, *jsoncfg.EditGarmentPayload) (inference.Output, error) {
	if err := f.record(); err != nil {
		return inference.Output{}, err
	}
	return inference.Output{Values: []any{"https://s/edit.png"}}, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []webhook.Event
	err    error
}

func (n *recordingNotifier) Notify(_ context.Context, url string, ev webhook.Event) error {
	if url == "" {
		return nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return n.err
}

type harness struct {
	jobs     *repo.MemoryJobRepository
	ledger   *repo.MemoryCreditLedger
	queue    *queue.MemoryQueue
	ops      *fakeOps
	notifier Notifier
	rec      *recordingNotifier
	disp     *Dispatcher
}

var testPrincipal = domain.Principal{BusinessID: "biz-1", CustomerID: "cust-1"}

func newHarness(t *testing.T, balance int64) *harness {
	t.Helper()
	h := &harness{
		jobs:   repo.NewMemoryJobRepository(),
		ledger: repo.NewMemoryCreditLedger(),
		queue:  queue.NewMemoryQueue(queue.Options{VisibilityTimeout: time.Minute, PollInterval: 5 * time.Millisecond}),
		ops:    &fakeOps{},
		rec:    &recordingNotifier{},
	}
	h.notifier = h.rec
	if balance > 0 {
		_, err := h.ledger.Credit(context.Background(), testPrincipal, balance)
		require.NoError(t, err)
	}
	h.build(t)
	return h
}

func (h *harness) build(t *testing.T) {
	t.Helper()
	guard := billing.NewGuard(h.ledger, repo.StaticSettings{ImageTokenPrice: 1, VideoTokenPrice: 5}, *infra.NopLogger())
	d, err := NewDispatcher(h.queue, h.jobs, guard, h.notifier, Handlers(h.ops), Options{
		Concurrency: 2,
		JobTimeout:  time.Second,
		Logger:      *infra.NopLogger(),
	})
	require.NoError(t, err)
	h.disp = d
}

func predictionPayload() json.RawMessage {
	return jsoncfg.MustMarshal(map[string]any{
		"front_image": map[string]any{"url": "https://cdn.example.com/front.jpg"},
		"gender":      "female",
		"height_cm":   170,
	})
}

func (h *harness) submit(t *testing.T, id string, jt domain.JobType, payload json.RawMessage, webhookURL string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.jobs.Create(ctx, &domain.Job{
		ID:         id,
		Type:       jt,
		Payload:    payload,
		WebhookURL: webhookURL,
		BusinessID: testPrincipal.BusinessID,
		CustomerID: testPrincipal.CustomerID,
	}))
	require.NoError(t, h.queue.Enqueue(ctx, queue.Message{JobID: id, JobType: jt, Payload: payload}))
}

func (h *harness) processNext(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	del, err := h.queue.Dequeue(ctx)
	require.NoError(t, err)
	h.disp.Process(context.Background(), del)
}

func (h *harness) job(t *testing.T, id string) *domain.Job {
	t.Helper()
	j, err := h.jobs.GetByID(context.Background(), id)
	require.NoError(t, err)
	return j
}

func TestRunPredictionCompletesWithMeasurementMap(t *testing.T) {
	h := newHarness(t, 0)
	h.submit(t, "job-1", domain.JobTypeRunPrediction, predictionPayload(), "https://hooks.example.com/a")

	h.processNext(t)

	j := h.job(t, "job-1")
	assert.Equal(t, domain.JobStatusCompleted, j.Status)
	assert.Empty(t, j.ErrorMessage)
	var result struct {
		Measurements map[string]float64 `json:"measurements"`
		Unit         string             `json:"unit"`
	}
	require.NoError(t, json.Unmarshal(j.Result, &result))
	assert.Equal(t, map[string]float64{"chest": 91, "waist": 72, "hip": 99}, result.Measurements)
	assert.Equal(t, "cm", result.Unit)

	require.Len(t, h.rec.events, 1)
	assert.Equal(t, "completed", h.rec.events[0].Status)
	assert.Equal(t, 0, h.queue.Len())
	assert.Empty(t, h.ledger.Entries(), "RunPrediction is unmetered")
}

func TestAutoMaskWithoutBalanceFailsBeforeInference(t *testing.T) {
	h := newHarness(t, 0)
	h.submit(t, "job-2", domain.JobTypeAutoMaskPredict, predictionPayload(), "https://hooks.example.com/b")

	h.processNext(t)

	j := h.job(t, "job-2")
	assert.Equal(t, domain.JobStatusFailed, j.Status)
	assert.Equal(t, "Insufficient tokens", j.ErrorMessage)
	assert.Nil(t, j.Result)
	assert.Zero(t, h.ops.calls.Load(), "no inference call may be placed")

	acct, err := h.ledger.Get(context.Background(), testPrincipal)
	require.NoError(t, err)
	assert.Zero(t, acct.Balance)
	assert.Zero(t, acct.Reserved)
	require.Len(t, h.rec.events, 1)
	assert.Equal(t, "Insufficient tokens", h.rec.events[0].Error)
}

func TestBilledJobDebitsExactlyOnce(t *testing.T) {
	h := newHarness(t, 10)
	h.submit(t, "job-3", domain.JobTypeVideoPipeline, jsoncfg.MustMarshal(map[string]any{
		"video":     map[string]any{"url": "https://cdn.example.com/v.mp4"},
		"gender":    "male",
		"height_cm": 180,
	}), "")

	h.processNext(t)

	assert.Equal(t, domain.JobStatusCompleted, h.job(t, "job-3").Status)
	entries := h.ledger.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(5), entries[0].Amount)
	assert.Equal(t, "job-3", entries[0].JobID)
	acct, _ := h.ledger.Get(context.Background(), testPrincipal)
	assert.Equal(t, int64(5), acct.Balance)
	assert.Zero(t, acct.Reserved)
}

func TestBackendFailureDoesNotDebit(t *testing.T) {
	h := newHarness(t, 1)
	h.ops.err = errors.New("gradio: acme/avatar/generate_avatar: CUDA out of memory")
	h.submit(t, "job-4", domain.JobTypeAvatar, jsoncfg.MustMarshal(map[string]any{
		"front_image": map[string]any{"url": "https://cdn.example.com/f.jpg"},
		"gender":      "female",
		"height_cm":   165,
	}), "")

	h.processNext(t)

	j := h.job(t, "job-4")
	assert.Equal(t, domain.JobStatusFailed, j.Status)
	assert.Contains(t, j.ErrorMessage, "CUDA out of memory")
	assert.Empty(t, h.ledger.Entries())
	acct, _ := h.ledger.Get(context.Background(), testPrincipal)
	assert.Equal(t, int64(1), acct.Balance)
	assert.Zero(t, acct.Reserved)
}

func TestUnknownJobTypeFailsAndPoolContinues(t *testing.T) {
	h := newHarness(t, 0)
	h.submit(t, "job-unknown", domain.JobType("unknown"), json.RawMessage(`{}`), "")
	h.submit(t, "job-next", domain.JobTypeRunPrediction, predictionPayload(), "")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.disp.Run(ctx) }()

	require.Eventually(t, func() bool {
		return h.job(t, "job-unknown").Status.Terminal() && h.job(t, "job-next").Status.Terminal()
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	unknown := h.job(t, "job-unknown")
	assert.Equal(t, domain.JobStatusFailed, unknown.Status)
	assert.Contains(t, unknown.ErrorMessage, "unsupported job type")
	assert.Equal(t, domain.JobStatusCompleted, h.job(t, "job-next").Status)
}

func TestWebhookFailureKeepsTerminalState(t *testing.T) {
	h := newHarness(t, 0)
	srv := httptest.NewServer(nil)
	unreachable := srv.URL
	srv.Close()
	h.notifier = webhook.NewNotifier(100*time.Millisecond, *infra.NopLogger(), nil)
	h.build(t)

	h.submit(t, "job-5", domain.JobTypeRunPrediction, predictionPayload(), unreachable)
	h.processNext(t)

	assert.Equal(t, domain.JobStatusCompleted, h.job(t, "job-5").Status)
	assert.Equal(t, 0, h.queue.Len())
}

func TestRedeliveredTerminalJobIsSkipped(t *testing.T) {
	h := newHarness(t, 0)
	h.submit(t, "job-6", domain.JobTypeRunPrediction, predictionPayload(), "https://hooks.example.com/c")
	h.processNext(t)
	require.Equal(t, int32(1), h.ops.calls.Load())

	// Simulate a redelivery after the worker crashed before acking.
	require.NoError(t, h.queue.Enqueue(context.Background(), queue.Message{JobID: "job-6", JobType: domain.JobTypeRunPrediction}))
	h.processNext(t)

	assert.Equal(t, int32(1), h.ops.calls.Load())
	assert.Len(t, h.rec.events, 1, "webhook fires once per terminal transition")
	assert.Equal(t, domain.JobStatusCompleted, h.job(t, "job-6").Status)
	assert.Equal(t, 0, h.queue.Len())
}

func TestRedeliveredRunningJobIsReprocessed(t *testing.T) {
	h := newHarness(t, 0)
	h.submit(t, "job-7", domain.JobTypeRunPrediction, predictionPayload(), "")
	_, err := h.jobs.UpdateStatus(context.Background(), "job-7", domain.JobStatusRunning, nil, "")
	require.NoError(t, err)

	h.processNext(t)
	assert.Equal(t, domain.JobStatusCompleted, h.job(t, "job-7").Status)
}

func TestHandlerPanicIsIsolated(t *testing.T) {
	h := newHarness(t, 1)
	h.ops.panic = true
	h.submit(t, "job-8", domain.JobTypeEditGarment, jsoncfg.MustMarshal(map[string]any{
		"image":        map[string]any{"url": "https://cdn.example.com/g.png"},
		"instructions": "shorten sleeves",
	}), "")

	require.NotPanics(t, func() { h.processNext(t) })

	j := h.job(t, "job-8")
	assert.Equal(t, domain.JobStatusFailed, j.Status)
	assert.Contains(t, j.ErrorMessage, "handler panic")
	acct, _ := h.ledger.Get(context.Background(), testPrincipal)
	assert.Equal(t, int64(1), acct.Balance)
	assert.Zero(t, acct.Reserved, "reservation is released after a panic")
}

func TestInvalidStoredPayloadFails(t *testing.T) {
	h := newHarness(t, 0)
	h.submit(t, "job-9", domain.JobTypeRunPrediction, json.RawMessage(`{"gender":"female"}`), "")
	h.processNext(t)

	j := h.job(t, "job-9")
	assert.Equal(t, domain.JobStatusFailed, j.Status)
	assert.Contains(t, j.ErrorMessage, "front_image")
	assert.Zero(t, h.ops.calls.Load())
}

func TestDeliveryWithoutRecordIsDropped(t *testing.T) {
	h := newHarness(t, 0)
	require.NoError(t, h.queue.Enqueue(context.Background(), queue.Message{JobID: "ghost", JobType: domain.JobTypeAvatar}))
	h.processNext(t)
	assert.Equal(t, 0, h.queue.Len())
	assert.Zero(t, h.ops.calls.Load())
}

func TestHandlersCoverEveryJobType(t *testing.T) {
	handlers := Handlers(&fakeOps{})
	assert.Len(t, handlers, len(domain.AllJobTypes))
	for _, jt := range domain.AllJobTypes {
		h, ok := handlers[jt]
		require.True(t, ok, "missing handler for %s", jt)
		assert.NotNil(t, h.Run)
		assert.NotNil(t, h.Normalize)
	}
}

func TestExpiredLeaseRedeliveryDebitsOnce(t *testing.T) {
	h := newHarness(t, 10)
	h.queue = queue.NewMemoryQueue(queue.Options{VisibilityTimeout: 100 * time.Millisecond, PollInterval: 10 * time.Millisecond})
	h.ops.delay = 300 * time.Millisecond
	h.build(t)
	h.submit(t, "job-lease", domain.JobTypeAutoMaskPredict, predictionPayload(), "")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.disp.Run(ctx) }()

	require.Eventually(t, func() bool {
		acct, _ := h.ledger.Get(context.Background(), testPrincipal)
		j, err := h.jobs.GetByID(context.Background(), "job-lease")
		return err == nil && j.Status == domain.JobStatusCompleted && h.queue.Len() == 0 && acct.Reserved == 0
	}, 5*time.Second, 20*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}

	assert.GreaterOrEqual(t, h.ops.calls.Load(), int32(2), "the lease expired mid-job, so the job ran again")
	entries := h.ledger.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "job-lease", entries[0].JobID)
	acct, err := h.ledger.Get(context.Background(), testPrincipal)
	require.NoError(t, err)
	assert.Equal(t, int64(9), acct.Balance)
	assert.Zero(t, acct.Reserved)
}

func TestNewDispatcherRejectsLeaseShorterThanJob(t *testing.T) {
	guard := billing.NewGuard(repo.NewMemoryCreditLedger(), repo.StaticSettings{}, *infra.NopLogger())
	q := queue.NewMemoryQueue(queue.Options{})
	_, err := NewDispatcher(q, repo.NewMemoryJobRepository(), guard, nil, Handlers(&fakeOps{}), Options{
		JobTimeout:        time.Minute,
		WebhookTimeout:    10 * time.Second,
		VisibilityTimeout: time.Minute,
	})
	assert.Error(t, err)

	_, err = NewDispatcher(q, repo.NewMemoryJobRepository(), guard, nil, Handlers(&fakeOps{}), Options{
		JobTimeout:        time.Minute,
		WebhookTimeout:    10 * time.Second,
		VisibilityTimeout: 5 * time.Minute,
	})
	assert.NoError(t, err)
}
