package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	common_models "flowcrm/internal/common/models"
	"flowcrm/internal/config"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

func (m *mockWebhookRepo) Create(ctx context.Context, webhook *Webhook) error {
	webhook.IsActive = true
	webhook.ConsecutiveFailures = 0
	m.add(webhook)
	return nil
}

func (m *mockWebhookRepo) Get(ctx context.Context, id string) (*Webhook, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, err
	}
	return m.webhooks[oid], nil
}

func (m *mockWebhookRepo) Update(ctx context.Context, id string, updates map[string]interface{}) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return err
	}
	wh := m.webhooks[oid]
	if wh == nil {
		return nil
	}
	if s, ok := updates["secret"].(string); ok {
		wh.Secret = s
	}
	return nil
}

func newTestWebhookService(whRepo *mockWebhookRepo, logRepo *mockLogRepo) *WebhookServiceImpl {
	cfg := &config.Config{WebhookTimeoutMs: 10000, WebhookMaxRetries: 3}
	return &WebhookServiceImpl{
		Repo:       whRepo,
		LogRepo:    logRepo,
		Dispatcher: NewDispatcher(whRepo, logRepo, cfg, zap.NewNop()),
		Logger:     zap.NewNop(),
		Config:     cfg,
	}
}

func createdContext() *common_models.ExecutionContext {
	return &common_models.ExecutionContext{
		EntityType: "priorities",
		EntityID:   "p1",
		EntityName: "Ship it",
		NewData: map[string]interface{}{
			"status":      "open",
			"pipeline_id": "pipe-1",
			"owner_id":    "u1",
		},
		UserID:    "u9",
		Source:    "api",
		Timestamp: time.Now().UTC(),
	}
}

func TestCreateWebhookGeneratesSecretAndDefaults(t *testing.T) {
	whRepo := newMockWebhookRepo()
	svc := newTestWebhookService(whRepo, newMockLogRepo())

	wh := &Webhook{URL: "https://example.com/hook", Events: []string{"priority.created"}}
	if err := svc.CreateWebhook(context.Background(), wh); err != nil {
		t.Fatal(err)
	}

	if len(wh.Secret) != 64 {
		t.Errorf("secret length = %d, want 64", len(wh.Secret))
	}
	if wh.MaxRetries != 3 || wh.TimeoutMs != 10000 {
		t.Errorf("defaults not applied: retries=%d timeout=%d", wh.MaxRetries, wh.TimeoutMs)
	}
	if !wh.IsActive {
		t.Error("new subscriptions start active")
	}
}

func TestCreateWebhookValidation(t *testing.T) {
	svc := newTestWebhookService(newMockWebhookRepo(), newMockLogRepo())

	tests := []struct {
		name string
		wh   Webhook
	}{
		{"missing url", Webhook{Events: []string{"e"}}},
		{"bad scheme", Webhook{URL: "ftp://example.com", Events: []string{"e"}}},
		{"not a url", Webhook{URL: "://", Events: []string{"e"}}},
		{"no events", Webhook{URL: "https://example.com"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := svc.CreateWebhook(context.Background(), &tt.wh); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestGetWebhookHidesSecret(t *testing.T) {
	whRepo := newMockWebhookRepo()
	svc := newTestWebhookService(whRepo, newMockLogRepo())

	wh := &Webhook{URL: "https://example.com/hook", Events: []string{"e"}}
	if err := svc.CreateWebhook(context.Background(), wh); err != nil {
		t.Fatal(err)
	}

	got, err := svc.GetWebhook(context.Background(), wh.ID.Hex())
	if err != nil {
		t.Fatal(err)
	}
	if got.Secret != "" {
		t.Error("read path must not leak the signing secret")
	}
	// The stored secret is untouched
	if whRepo.webhooks[wh.ID].Secret == "" {
		t.Error("stored secret must survive reads")
	}
}

func TestUpdateWebhookStripsProtectedFields(t *testing.T) {
	whRepo := newMockWebhookRepo()
	svc := newTestWebhookService(whRepo, newMockLogRepo())

	wh := &Webhook{URL: "https://example.com/hook", Events: []string{"e"}}
	if err := svc.CreateWebhook(context.Background(), wh); err != nil {
		t.Fatal(err)
	}
	original := whRepo.webhooks[wh.ID].Secret

	updates := map[string]interface{}{"secret": "attacker-chosen", "url": "https://example.com/v2"}
	if err := svc.UpdateWebhook(context.Background(), wh.ID.Hex(), updates); err != nil {
		t.Fatal(err)
	}
	if _, ok := updates["secret"]; ok {
		t.Error("secret must be stripped from update maps")
	}
	if whRepo.webhooks[wh.ID].Secret != original {
		t.Error("update must not change the signing secret")
	}

	if err := svc.UpdateWebhook(context.Background(), wh.ID.Hex(),
		map[string]interface{}{"url": "not a url"}); err == nil {
		t.Error("invalid replacement url must be rejected")
	}
}

func TestRegenerateSecret(t *testing.T) {
	whRepo := newMockWebhookRepo()
	svc := newTestWebhookService(whRepo, newMockLogRepo())

	wh := &Webhook{URL: "https://example.com/hook", Events: []string{"e"}}
	if err := svc.CreateWebhook(context.Background(), wh); err != nil {
		t.Fatal(err)
	}
	before := whRepo.webhooks[wh.ID].Secret

	secret, err := svc.RegenerateSecret(context.Background(), wh.ID.Hex())
	if err != nil {
		t.Fatal(err)
	}
	if secret == before || len(secret) != 64 {
		t.Error("regeneration must mint a fresh key")
	}
	if whRepo.webhooks[wh.ID].Secret != secret {
		t.Error("new key was not persisted")
	}
}

func TestDispatchFiltersAndDelivers(t *testing.T) {
	delivered := make(chan *http.Request, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		delivered <- r.Clone(context.Background())
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	whRepo := newMockWebhookRepo()
	logRepo := newMockLogRepo()
	svc := newTestWebhookService(whRepo, logRepo)

	matching := whRepo.add(&Webhook{
		URL: srv.URL, Secret: "a", IsActive: true,
		Events:  []string{"priority.created"},
		Filters: WebhookFilters{PipelineID: "pipe-1"},
	})
	filteredOut := whRepo.add(&Webhook{
		URL: srv.URL, Secret: "b", IsActive: true,
		Events:  []string{"priority.created"},
		Filters: WebhookFilters{PipelineID: "pipe-other"},
	})
	wrongEvent := whRepo.add(&Webhook{
		URL: srv.URL, Secret: "c", IsActive: true,
		Events: []string{"priority.deleted"},
	})

	svc.Dispatch(context.Background(), "priority.created", createdContext())

	select {
	case <-delivered:
	case <-time.After(5 * time.Second):
		t.Fatal("no delivery arrived")
	}
	select {
	case <-delivered:
		t.Fatal("more than one subscription was delivered")
	case <-time.After(200 * time.Millisecond):
	}

	// Only the matching subscription got a log entry
	for id, want := range map[primitive.ObjectID]int{matching.ID: 1, filteredOut.ID: 0, wrongEvent.ID: 0} {
		logs, _ := logRepo.ListByWebhookID(context.Background(), id.Hex())
		if len(logs) != want {
			t.Errorf("webhook %s: %d logs, want %d", id.Hex(), len(logs), want)
		}
	}
}

func TestDispatchPayloadShape(t *testing.T) {
	bodies := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf [4096]byte
		n, _ := r.Body.Read(buf[:])
		bodies <- buf[:n]
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	whRepo := newMockWebhookRepo()
	svc := newTestWebhookService(whRepo, newMockLogRepo())
	whRepo.add(&Webhook{URL: srv.URL, Secret: "s", IsActive: true, Events: []string{"priority.created"}})

	ec := createdContext()
	svc.Dispatch(context.Background(), "priority.created", ec)

	var body []byte
	select {
	case body = <-bodies:
	case <-time.After(5 * time.Second):
		t.Fatal("no delivery arrived")
	}

	var payload EventPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("payload is not valid JSON: %v", err)
	}
	if payload.Event != "priority.created" || payload.EntityID != "p1" {
		t.Errorf("payload = %+v", payload)
	}
	if payload.Current["status"] != "open" {
		t.Error("current snapshot missing")
	}
	if payload.UserID != "u9" || payload.Source != "api" {
		t.Error("actor fields missing")
	}
}

func TestRetryFailedSingleLog(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	whRepo := newMockWebhookRepo()
	logRepo := newMockLogRepo()
	svc := newTestWebhookService(whRepo, logRepo)

	wh := whRepo.add(&Webhook{URL: srv.URL, Secret: "s", IsActive: true, Events: []string{"e"}, MaxRetries: 3})
	failed := &WebhookLog{WebhookID: wh.ID, Event: "e", Payload: `{}`, Status: StatusFailed, Attempts: 1}
	logRepo.Create(context.Background(), failed)

	result := svc.RetryFailed(context.Background(), failed.ID.Hex())
	if result.Retried != 1 || result.Results.Success != 1 || result.Results.Failed != 0 {
		t.Fatalf("result = %+v", result)
	}

	stored, _ := logRepo.Get(context.Background(), failed.ID.Hex())
	if stored.Status != StatusSuccess {
		t.Errorf("log status = %s, want success", stored.Status)
	}
	if stored.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", stored.Attempts)
	}
}

func TestRetryFailedRejectsNonRetryableStatus(t *testing.T) {
	whRepo := newMockWebhookRepo()
	logRepo := newMockLogRepo()
	svc := newTestWebhookService(whRepo, logRepo)

	wh := whRepo.add(&Webhook{URL: "https://example.com", Secret: "s", IsActive: true, Events: []string{"e"}})

	for _, status := range []string{StatusPending, StatusSuccess} {
		log := &WebhookLog{WebhookID: wh.ID, Event: "e", Payload: `{}`, Status: status}
		logRepo.Create(context.Background(), log)

		result := svc.RetryFailed(context.Background(), log.ID.Hex())
		if result.Retried != 0 || len(result.Results.Errors) == 0 {
			t.Errorf("status %s: result = %+v, want rejection", status, result)
		}
	}
}

func TestRetryFailedInactiveSubscription(t *testing.T) {
	whRepo := newMockWebhookRepo()
	logRepo := newMockLogRepo()
	svc := newTestWebhookService(whRepo, logRepo)

	wh := whRepo.add(&Webhook{URL: "https://example.com", Secret: "s", IsActive: false, Events: []string{"e"}})
	log := &WebhookLog{WebhookID: wh.ID, Event: "e", Payload: `{}`, Status: StatusFailed}
	logRepo.Create(context.Background(), log)

	result := svc.RetryFailed(context.Background(), log.ID.Hex())
	if result.Results.Failed != 1 || result.Results.Success != 0 {
		t.Fatalf("result = %+v, want failure for inactive subscription", result)
	}
}

func TestRetryFailedSweepIsBounded(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	whRepo := newMockWebhookRepo()
	logRepo := newMockLogRepo()
	svc := newTestWebhookService(whRepo, logRepo)

	wh := whRepo.add(&Webhook{URL: srv.URL, Secret: "s", IsActive: true, Events: []string{"e"}, MaxRetries: 10})
	due := time.Now().Add(-time.Minute)
	for i := 0; i < RetryBatchSize+5; i++ {
		log := &WebhookLog{WebhookID: wh.ID, Event: "e", Payload: `{}`, Status: StatusFailed, NextRetryAt: &due}
		logRepo.Create(context.Background(), log)
	}

	result := svc.RetryFailed(context.Background(), "")
	if result.Retried != RetryBatchSize {
		t.Fatalf("retried %d, want the batch cap %d", result.Retried, RetryBatchSize)
	}
	if hits != RetryBatchSize {
		t.Fatalf("endpoint hit %d times, want %d", hits, RetryBatchSize)
	}
}

func TestRetryResultWireShape(t *testing.T) {
	result := RetryResult{
		Retried: 2,
		Results: RetryCounts{Success: 1, Failed: 1, Errors: []string{"log x: endpoint returned status 500"}},
	}

	body, err := json.Marshal(result)
	if err != nil {
		t.Fatal(err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatal(err)
	}

	if decoded["retried"] != float64(2) {
		t.Errorf("retried = %v", decoded["retried"])
	}
	nested, ok := decoded["results"].(map[string]interface{})
	if !ok {
		t.Fatalf("counters must nest under results, got %v", decoded)
	}
	for key, want := range map[string]float64{"success": 1, "failed": 1} {
		if nested[key] != want {
			t.Errorf("results.%s = %v, want %v", key, nested[key], want)
		}
	}
	if errs, ok := nested["errors"].([]interface{}); !ok || len(errs) != 1 {
		t.Errorf("results.errors = %v", nested["errors"])
	}
}

func TestFiltersMatches(t *testing.T) {
	data := map[string]interface{}{
		"pipeline_id": "pipe-1",
		"stage_id":    "stage-2",
		"owner_id":    "u1",
	}

	tests := []struct {
		name    string
		filters WebhookFilters
		want    bool
	}{
		{"empty filters match everything", WebhookFilters{}, true},
		{"pipeline match", WebhookFilters{PipelineID: "pipe-1"}, true},
		{"pipeline mismatch", WebhookFilters{PipelineID: "pipe-2"}, false},
		{"all fields match", WebhookFilters{PipelineID: "pipe-1", StageID: "stage-2", OwnerID: "u1"}, true},
		{"one field mismatch fails all", WebhookFilters{PipelineID: "pipe-1", OwnerID: "u2"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filters.Matches(data); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}

	f := WebhookFilters{StageID: "stage-2"}
	if f.Matches(map[string]interface{}{}) {
		t.Error("a non-empty filter must not match an entity missing the field")
	}
}
