package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"flowcrm/internal/config"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

type mockWebhookRepo struct {
	WebhookRepository
	webhooks  map[primitive.ObjectID]*Webhook
	successes int
	failures  int
	lastError string
}

func newMockWebhookRepo() *mockWebhookRepo {
	return &mockWebhookRepo{webhooks: map[primitive.ObjectID]*Webhook{}}
}

func (m *mockWebhookRepo) add(wh *Webhook) *Webhook {
	if wh.ID.IsZero() {
		wh.ID = primitive.NewObjectID()
	}
	m.webhooks[wh.ID] = wh
	return wh
}

func (m *mockWebhookRepo) GetByObjectID(ctx context.Context, id primitive.ObjectID) (*Webhook, error) {
	return m.webhooks[id], nil
}

func (m *mockWebhookRepo) ListActiveByEvent(ctx context.Context, event string) ([]Webhook, error) {
	var out []Webhook
	for _, wh := range m.webhooks {
		if !wh.IsActive {
			continue
		}
		for _, e := range wh.Events {
			if e == event {
				out = append(out, *wh)
				break
			}
		}
	}
	return out, nil
}

func (m *mockWebhookRepo) RecordSuccess(ctx context.Context, id primitive.ObjectID) error {
	m.successes++
	if wh, ok := m.webhooks[id]; ok {
		wh.ConsecutiveFailures = 0
		wh.LastError = ""
	}
	return nil
}

func (m *mockWebhookRepo) RecordFailure(ctx context.Context, id primitive.ObjectID, errMsg string) error {
	m.failures++
	m.lastError = errMsg
	if wh, ok := m.webhooks[id]; ok {
		wh.ConsecutiveFailures++
		wh.LastError = errMsg
	}
	return nil
}

type mockLogRepo struct {
	logs map[primitive.ObjectID]*WebhookLog
}

func newMockLogRepo() *mockLogRepo {
	return &mockLogRepo{logs: map[primitive.ObjectID]*WebhookLog{}}
}

func (m *mockLogRepo) Create(ctx context.Context, log *WebhookLog) error {
	if log.ID.IsZero() {
		log.ID = primitive.NewObjectID()
	}
	if log.Status == "" {
		log.Status = StatusPending
	}
	log.CreatedAt = time.Now()
	cp := *log
	m.logs[log.ID] = &cp
	return nil
}

func (m *mockLogRepo) Get(ctx context.Context, id string) (*WebhookLog, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, err
	}
	if log, ok := m.logs[oid]; ok {
		cp := *log
		return &cp, nil
	}
	return nil, nil
}

func (m *mockLogRepo) Update(ctx context.Context, log *WebhookLog) error {
	cp := *log
	m.logs[log.ID] = &cp
	return nil
}

func (m *mockLogRepo) ListByWebhookID(ctx context.Context, webhookID string) ([]WebhookLog, error) {
	oid, err := primitive.ObjectIDFromHex(webhookID)
	if err != nil {
		return nil, err
	}
	var out []WebhookLog
	for _, log := range m.logs {
		if log.WebhookID == oid {
			out = append(out, *log)
		}
	}
	return out, nil
}

func (m *mockLogRepo) ListRetryable(ctx context.Context, now time.Time, limit int64) ([]WebhookLog, error) {
	var out []WebhookLog
	for _, log := range m.logs {
		if int64(len(out)) >= limit {
			break
		}
		retryable := log.Status == StatusFailed || log.Status == StatusRetrying
		if retryable && log.NextRetryAt != nil && !log.NextRetryAt.After(now) {
			out = append(out, *log)
		}
	}
	return out, nil
}

func (m *mockLogRepo) EnsureIndexes(ctx context.Context) error { return nil }

func testDispatcher(whRepo WebhookRepository, logRepo WebhookLogRepository) *Dispatcher {
	cfg := &config.Config{WebhookTimeoutMs: 10000, WebhookMaxRetries: 3}
	return NewDispatcher(whRepo, logRepo, cfg, zap.NewNop())
}

func pendingLog(whID primitive.ObjectID, payload string) *WebhookLog {
	return &WebhookLog{
		ID:        primitive.NewObjectID(),
		WebhookID: whID,
		Event:     "priority.created",
		Payload:   payload,
		Status:    StatusPending,
	}
}

func TestDeliverSuccess(t *testing.T) {
	payload := `{"event":"priority.created","entityId":"p1"}`
	secret := "topsecret"

	var gotBody string
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotHeaders = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	whRepo := newMockWebhookRepo()
	logRepo := newMockLogRepo()
	wh := whRepo.add(&Webhook{
		URL:                 srv.URL,
		Secret:              secret,
		Events:              []string{"priority.created"},
		IsActive:            true,
		MaxRetries:          3,
		TimeoutMs:           5000,
		ConsecutiveFailures: 4,
		Headers:             map[string]string{"X-Custom": "yes"},
	})

	log := pendingLog(wh.ID, payload)
	if err := testDispatcher(whRepo, logRepo).Deliver(context.Background(), wh, log); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	if gotBody != payload {
		t.Errorf("posted body = %q, want exact payload bytes", gotBody)
	}
	if !Verify([]byte(gotBody), secret, gotHeaders.Get("X-Webhook-Signature")) {
		t.Error("signature does not verify against delivered body")
	}
	if gotHeaders.Get("X-Webhook-Event") != "priority.created" {
		t.Error("event header missing")
	}
	if gotHeaders.Get("X-Webhook-Id") != wh.ID.Hex() {
		t.Error("id header missing")
	}
	if gotHeaders.Get("X-Custom") != "yes" {
		t.Error("operator header was dropped")
	}

	if log.Status != StatusSuccess || log.Attempts != 1 {
		t.Errorf("log = %s/%d attempts, want success/1", log.Status, log.Attempts)
	}
	if log.NextRetryAt != nil {
		t.Error("success must clear the retry schedule")
	}
	if whRepo.successes != 1 || wh.ConsecutiveFailures != 0 {
		t.Error("success must reset the failure streak")
	}
}

func TestDeliverOperatorHeadersCannotOverrideSignature(t *testing.T) {
	secret := "real"
	var gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Webhook-Signature")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	whRepo := newMockWebhookRepo()
	wh := whRepo.add(&Webhook{
		URL:      srv.URL,
		Secret:   secret,
		Events:   []string{"e"},
		IsActive: true,
		Headers:  map[string]string{"X-Webhook-Signature": "forged"},
	})

	payload := `{"x":1}`
	log := pendingLog(wh.ID, payload)
	if err := testDispatcher(whRepo, newMockLogRepo()).Deliver(context.Background(), wh, log); err != nil {
		t.Fatal(err)
	}
	if gotSig != Sign([]byte(payload), secret) {
		t.Errorf("signature header was overridden: %q", gotSig)
	}
}

func TestDeliverNon2xxSchedulesRetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	whRepo := newMockWebhookRepo()
	wh := whRepo.add(&Webhook{URL: srv.URL, Secret: "s", Events: []string{"e"}, IsActive: true, MaxRetries: 3})

	log := pendingLog(wh.ID, `{}`)
	before := time.Now()
	err := testDispatcher(whRepo, newMockLogRepo()).Deliver(context.Background(), wh, log)
	if err == nil {
		t.Fatal("expected delivery error")
	}

	if log.Status != StatusFailed || log.Attempts != 1 {
		t.Errorf("log = %s/%d, want failed/1", log.Status, log.Attempts)
	}
	if log.ResponseStatus != http.StatusInternalServerError {
		t.Errorf("response status = %d", log.ResponseStatus)
	}
	if log.NextRetryAt == nil {
		t.Fatal("first failure must schedule a retry")
	}
	// First backoff step is one minute
	gap := log.NextRetryAt.Sub(before)
	if gap < 50*time.Second || gap > 70*time.Second {
		t.Errorf("first retry gap = %v, want about 1m", gap)
	}
	if whRepo.failures != 1 || wh.ConsecutiveFailures != 1 {
		t.Error("failure streak was not bumped")
	}
}

func TestDeliverMaxRetriesIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	whRepo := newMockWebhookRepo()
	wh := whRepo.add(&Webhook{URL: srv.URL, Secret: "s", Events: []string{"e"}, IsActive: true, MaxRetries: 3})
	d := testDispatcher(whRepo, newMockLogRepo())

	log := pendingLog(wh.ID, `{}`)
	for i := 1; i <= 3; i++ {
		d.Deliver(context.Background(), wh, log)
		if log.Attempts != i {
			t.Fatalf("attempts = %d after delivery %d", log.Attempts, i)
		}
	}

	if log.NextRetryAt != nil {
		t.Fatal("attempt 3 of 3 must not schedule another retry")
	}
	if log.Status != StatusFailed {
		t.Errorf("terminal status = %s, want failed", log.Status)
	}
}

func TestDeliverTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	whRepo := newMockWebhookRepo()
	wh := whRepo.add(&Webhook{URL: srv.URL, Secret: "s", Events: []string{"e"}, IsActive: true, MaxRetries: 3, TimeoutMs: 100})

	log := pendingLog(wh.ID, `{}`)
	start := time.Now()
	err := testDispatcher(whRepo, newMockLogRepo()).Deliver(context.Background(), wh, log)
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("timeout must count as a failed attempt")
	}
	if !strings.Contains(err.Error(), "timeout") {
		t.Errorf("error = %v, want timeout", err)
	}
	if elapsed > 2*time.Second {
		t.Errorf("delivery did not respect the deadline, took %v", elapsed)
	}
	if log.Status != StatusFailed || log.Attempts != 1 {
		t.Errorf("log = %s/%d, want failed/1", log.Status, log.Attempts)
	}
}

func TestDeliverTruncatesResponseBody(t *testing.T) {
	big := strings.Repeat("a", MaxResponseBodyLen+500)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(big))
	}))
	defer srv.Close()

	whRepo := newMockWebhookRepo()
	wh := whRepo.add(&Webhook{URL: srv.URL, Secret: "s", Events: []string{"e"}, IsActive: true})

	log := pendingLog(wh.ID, `{}`)
	if err := testDispatcher(whRepo, newMockLogRepo()).Deliver(context.Background(), wh, log); err != nil {
		t.Fatal(err)
	}

	if !strings.HasSuffix(log.ResponseBody, "... (truncated)") {
		t.Error("oversized body must carry the truncation marker")
	}
	if len(log.ResponseBody) != MaxResponseBodyLen+len("... (truncated)") {
		t.Errorf("stored body length = %d", len(log.ResponseBody))
	}
}

func TestRetryBackoffProgression(t *testing.T) {
	want := []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute, 30 * time.Minute, 30 * time.Minute}
	for i, w := range want {
		if got := retryBackoff(i + 1); got != w {
			t.Errorf("retryBackoff(%d) = %v, want %v", i+1, got, w)
		}
	}
}
