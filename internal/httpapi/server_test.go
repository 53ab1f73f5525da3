package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/relaychat/internal/relaychat"
)

const (
	testWebhookSecret  = "hook-secret"
	testInternalSecret = "internal-secret"
)

// stubInteractionAPI is the minimal interaction backend the wired router
// needs for end-to-end HTTP tests.
type stubInteractionAPI struct {
	mu       sync.Mutex
	nextID   int
	metadata map[string]*relaychat.InteractionMetadata
}

func newStubInteractionAPI() *stubInteractionAPI {
	return &stubInteractionAPI{metadata: map[string]*relaychat.InteractionMetadata{}}
}

func (s *stubInteractionAPI) CreateInteraction(ctx context.Context, req relaychat.CreateInteractionRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := "int-" + strconv.Itoa(s.nextID)
	s.metadata[id] = &relaychat.InteractionMetadata{InteractionID: id}
	return id, nil
}

func (s *stubInteractionAPI) GetMetadata(ctx context.Context, interactionID string) (relaychat.InteractionMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.metadata[interactionID]
	if !ok {
		return relaychat.InteractionMetadata{}, fmt.Errorf("%w: %s", relaychat.ErrInteractionNotFound, interactionID)
	}
	return *meta, nil
}

func (s *stubInteractionAPI) UpdateMetadata(ctx context.Context, interactionID string, patch relaychat.MetadataPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.metadata[interactionID]
	if !ok {
		return fmt.Errorf("%w: %s", relaychat.ErrInteractionNotFound, interactionID)
	}
	if patch.LastMessageFrom != "" {
		meta.LastMessageFrom = patch.LastMessageFrom
	}
	if patch.ArtifactID != "" {
		meta.ArtifactID = patch.ArtifactID
	}
	return nil
}

func (s *stubInteractionAPI) SendInterrupt(ctx context.Context, interactionID string, interrupt relaychat.Interrupt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.metadata[interactionID]; !ok {
		return fmt.Errorf("%w: %s", relaychat.ErrInteractionNotFound, interactionID)
	}
	return nil
}

func (s *stubInteractionAPI) CreateArtifact(ctx context.Context, interactionID string, req relaychat.ArtifactRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return "art-" + strconv.Itoa(s.nextID), nil
}

func (s *stubInteractionAPI) GetArtifact(ctx context.Context, interactionID, artifactID string) (relaychat.Artifact, error) {
	return relaychat.Artifact{ID: artifactID}, nil
}

type stubPlatformClient struct{}

func (stubPlatformClient) GetIntegration(ctx context.Context, tenantID, integrationID string) (relaychat.PlatformIntegration, error) {
	return relaychat.PlatformIntegration{ID: integrationID, PageID: "page-1"}, nil
}

func (stubPlatformClient) UpdateAppUser(ctx context.Context, tenantID, appUserID string, fields map[string]string) error {
	return nil
}

type stubProvisioningStore struct{}

func (stubProvisioningStore) GetIntegration(ctx context.Context, tenantID, integrationID string) (relaychat.IntegrationRecord, error) {
	return relaychat.IntegrationRecord{
		TenantID:                tenantID,
		IntegrationID:           integrationID,
		ClientDisconnectMinutes: 10,
		Active:                  true,
		ContactPoint:            "widget-home",
	}, nil
}

type serverFixture struct {
	handler http.Handler
	store   relaychat.StateStore
	bus     *relaychat.MemoryBus
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	store := relaychat.NewMemoryStateStore()
	bus := relaychat.NewMemoryBus()
	api := newStubInteractionAPI()

	dispatcher := relaychat.NewDispatcher(store, api, bus, bus, bus, bus, nil, relaychat.DispatcherOptions{})
	creator := relaychat.NewCreator(store, api, stubPlatformClient{}, stubProvisioningStore{}, nil)
	prober := relaychat.NewProber(api, creator, nil)
	correlator := relaychat.NewCorrelator(store, api, bus, dispatcher, nil)
	monitor := relaychat.NewMonitor(store, api, stubProvisioningStore{}, dispatcher, bus, bus, bus, nil, relaychat.MonitorOptions{})
	router := relaychat.NewEventRouter(store, api, creator, prober, dispatcher, correlator, monitor, bus, nil, relaychat.RouterOptions{})

	server := NewServer(router, NewNotifier(nil), nil, ServerConfig{
		WebhookSecret:      testWebhookSecret,
		InternalHMACSecret: testInternalSecret,
	})
	return &serverFixture{handler: server.Handler(), store: store, bus: bus}
}

func (f *serverFixture) postWebhook(t *testing.T, payload string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks", bytes.NewReader([]byte(payload)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Secret", testWebhookSecret)
	req.Header.Set("X-Correlation-Id", "corr-1")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *serverFixture) postInternal(t *testing.T, path, payload string) *httptest.ResponseRecorder {
	t.Helper()
	timestamp := time.Now().UTC().Format(time.RFC3339)
	mac := hmac.New(sha256.New, []byte(testInternalSecret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("\n"))
	mac.Write([]byte(payload))
	signature := hex.EncodeToString(mac.Sum(nil))

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader([]byte(payload)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Internal-Timestamp", timestamp)
	req.Header.Set("X-Internal-Signature", signature)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func webhookPayload(trigger string) string {
	return fmt.Sprintf(`{
		"tenantId": "tenant-1",
		"body": {
			"trigger": %q,
			"appUser": {"id": "user-1"},
			"client": {"platform": "web", "integrationId": "integ-1"},
			"messages": [{"id": "m1", "type": "text", "text": "hello", "received": 123}]
		}
	}`, trigger)
}

func TestHealthEndpoint(t *testing.T) {
	f := newServerFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("health: status %d", rec.Code)
	}
}

func TestWebhookRequiresSecret(t *testing.T) {
	f := newServerFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks", bytes.NewReader([]byte(webhookPayload("message:appUser"))))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing secret: status %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/webhooks", bytes.NewReader([]byte(webhookPayload("message:appUser"))))
	req.Header.Set("X-Webhook-Secret", "wrong")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong secret: status %d", rec.Code)
	}
}

func TestWebhookRejectsBadPayload(t *testing.T) {
	f := newServerFixture(t)
	rec := f.postWebhook(t, `{"body": {"trigger": "postback"}}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("schema violation: status %d body %s", rec.Code, rec.Body.String())
	}
}

func TestWebhookProcessesCustomerMessage(t *testing.T) {
	f := newServerFixture(t)
	rec := f.postWebhook(t, webhookPayload("message:appUser"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Outcomes []struct {
			MessageID string `json:"messageId"`
			Status    string `json:"status"`
		} `json:"outcomes"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(out.Outcomes) != 1 || out.Outcomes[0].Status != "processed" {
		t.Fatalf("unexpected outcomes: %+v", out.Outcomes)
	}
	if _, ok, _ := f.store.Get(context.Background(), "user-1"); !ok {
		t.Fatal("expected state row after first message")
	}
}

func TestWebhookAcknowledgesUnsupportedTrigger(t *testing.T) {
	f := newServerFixture(t)
	rec := f.postWebhook(t, webhookPayload("conversation:renamed"))
	if rec.Code != http.StatusOK {
		t.Fatalf("unsupported trigger should be acknowledged: status %d", rec.Code)
	}
	var out map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out["status"] != "ignored" {
		t.Fatalf("expected ignored, got %+v", out)
	}
}

func TestAgentMessageEndpoint(t *testing.T) {
	f := newServerFixture(t)
	if rec := f.postWebhook(t, webhookPayload("message:appUser")); rec.Code != http.StatusOK {
		t.Fatalf("seed webhook: status %d", rec.Code)
	}

	rec := f.postInternal(t, "/v1/internal/agent-messages", `{
		"tenantId": "tenant-1",
		"customerId": "user-1",
		"integrationId": "integ-1",
		"messageId": "agent-m1"
	}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}
	checks := f.bus.ScheduledChecks()
	if len(checks) != 1 || checks[0].Check.Reason != relaychat.DisconnectReasonInactivity {
		t.Fatalf("expected inactivity check armed: %+v", checks)
	}
}

func TestAgentMessageRequiresValidSignature(t *testing.T) {
	f := newServerFixture(t)
	payload := `{"tenantId": "tenant-1", "customerId": "user-1"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/internal/agent-messages", bytes.NewReader([]byte(payload)))
	req.Header.Set("X-Internal-Timestamp", time.Now().UTC().Format(time.RFC3339))
	req.Header.Set("X-Internal-Signature", "deadbeef")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad signature: status %d", rec.Code)
	}
}

func TestInternalReplayIsRejected(t *testing.T) {
	f := newServerFixture(t)
	if rec := f.postWebhook(t, webhookPayload("message:appUser")); rec.Code != http.StatusOK {
		t.Fatalf("seed webhook: status %d", rec.Code)
	}

	payload := `{"tenantId": "tenant-1", "customerId": "user-1", "integrationId": "integ-1"}`
	timestamp := time.Now().UTC().Format(time.RFC3339)
	mac := hmac.New(sha256.New, []byte(testInternalSecret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("\n"))
	mac.Write([]byte(payload))
	signature := hex.EncodeToString(mac.Sum(nil))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/internal/agent-messages", bytes.NewReader([]byte(payload)))
		req.Header.Set("X-Internal-Timestamp", timestamp)
		req.Header.Set("X-Internal-Signature", signature)
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)
		return rec
	}
	if rec := send(); rec.Code != http.StatusOK {
		t.Fatalf("first request: status %d body %s", rec.Code, rec.Body.String())
	}
	if rec := send(); rec.Code != http.StatusConflict {
		t.Fatalf("replay should be rejected: status %d", rec.Code)
	}
}

func TestCollectActionEndpoint(t *testing.T) {
	f := newServerFixture(t)
	if rec := f.postWebhook(t, webhookPayload("message:appUser")); rec.Code != http.StatusOK {
		t.Fatalf("seed webhook: status %d", rec.Code)
	}

	rec := f.postInternal(t, "/v1/internal/collect-actions", `{
		"customerId": "user-1",
		"platform": "web",
		"actionId": "A1",
		"subId": "s1",
		"messageType": "form"
	}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}
	row, _, _ := f.store.Get(context.Background(), "user-1")
	if len(row.CollectActions) != 1 || row.CollectActions[0].ActionID != "A1" {
		t.Fatalf("collect action not registered: %+v", row.CollectActions)
	}

	// Unknown customer has no live interaction to attach a prompt to.
	rec = f.postInternal(t, "/v1/internal/collect-actions", `{
		"customerId": "user-ghost",
		"platform": "web",
		"actionId": "A2"
	}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown customer, got %d", rec.Code)
	}
}

func TestNotificationStreamRequiresToken(t *testing.T) {
	f := newServerFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/notifications/stream", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("stream without token: status %d", rec.Code)
	}
}
