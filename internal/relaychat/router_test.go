package relaychat

import (
	"context"
	"errors"
	"testing"
	"time"
)

type routerFixture struct {
	router *EventRouter
	store  StateStore
	api    *fakeInteractionAPI
	bus    *MemoryBus
	now    time.Time
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	api := newFakeInteractionAPI()
	bus := NewMemoryBus()
	store := NewMemoryStateStore()
	f := &routerFixture{store: store, api: api, bus: bus, now: time.UnixMilli(200_000_000)}

	nowFn := func() time.Time { return f.now }
	dispatcher := NewDispatcher(store, api, bus, bus, bus, bus, nil, DispatcherOptions{Now: nowFn})
	provisioning := newFakeProvisioningStore()
	provisioning.add(IntegrationRecord{
		TenantID:                "tenant-1",
		IntegrationID:           "integ-1",
		ContactPoint:            "widget-home",
		ClientDisconnectMinutes: 30,
		Active:                  true,
	})
	platform := newFakePlatformClient()
	platform.integrations["integ-1"] = PlatformIntegration{ID: "integ-1", Type: "web", PageID: "page-1"}
	platform.integrations["integ-wa"] = PlatformIntegration{ID: "integ-wa", Type: "whatsapp", PhoneNumber: "15550102030"}
	creator := NewCreator(store, api, platform, provisioning, nil)
	prober := NewProber(api, creator, nil)
	correlator := NewCorrelator(store, api, bus, dispatcher, nil)
	monitor := NewMonitor(store, api, provisioning, dispatcher, bus, bus, bus, nil, MonitorOptions{Now: nowFn})
	f.router = NewEventRouter(store, api, creator, prober, dispatcher, correlator, monitor, bus, nil, RouterOptions{Now: nowFn})
	return f
}

func webEnvelope(trigger string, messages ...InboundMessage) WebhookEnvelope {
	return WebhookEnvelope{
		TenantID: "tenant-1",
		Body: WebhookBody{
			AppUser:  WebhookAppUser{ID: "user-1", IntegrationID: "integ-1"},
			Client:   &WebhookClient{Platform: "web", IntegrationID: "integ-1"},
			Trigger:  trigger,
			Messages: messages,
		},
	}
}

func textMessage(id, text string) InboundMessage {
	return InboundMessage{ID: id, Type: string(MessageTypeText), Text: text, Received: 123}
}

func TestHandleEnvelopeRejectsUnknownTrigger(t *testing.T) {
	f := newRouterFixture(t)
	env := webEnvelope("conversation:exploded")
	if _, err := f.router.HandleEnvelope(context.Background(), env); !errors.Is(err, ErrUnsupportedTrigger) {
		t.Fatalf("expected ErrUnsupportedTrigger, got %v", err)
	}
}

func TestHandleEnvelopeRejectsUnknownPlatform(t *testing.T) {
	f := newRouterFixture(t)
	env := webEnvelope("message:appUser", textMessage("m1", "hi"))
	env.Body.Client.Platform = "carrier-pigeon"
	if _, err := f.router.HandleEnvelope(context.Background(), env); !errors.Is(err, ErrUnsupportedPlatform) {
		t.Fatalf("expected ErrUnsupportedPlatform, got %v", err)
	}
}

func TestFirstMessageCreatesInteractionAndDispatches(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	outcomes, err := f.router.HandleEnvelope(ctx, webEnvelope("message:appUser", textMessage("m1", "hello")))
	if err != nil {
		t.Fatalf("HandleEnvelope: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].Status != OutcomeProcessed {
		t.Fatalf("unexpected outcomes: %+v", outcomes)
	}
	row, ok, _ := f.store.Get(ctx, "user-1")
	if !ok || !row.HasLiveInteraction() {
		t.Fatalf("expected live interaction, row=%+v", row)
	}
	if row.LatestCustomerMessageMs != f.now.UnixMilli() {
		t.Fatalf("customer activity missing: %+v", row)
	}
}

func TestSecondMessageReusesInteraction(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	if _, err := f.router.HandleEnvelope(ctx, webEnvelope("message:appUser", textMessage("m1", "hello"))); err != nil {
		t.Fatalf("HandleEnvelope: %v", err)
	}
	firstRow, _, _ := f.store.Get(ctx, "user-1")

	if _, err := f.router.HandleEnvelope(ctx, webEnvelope("message:appUser", textMessage("m2", "again"))); err != nil {
		t.Fatalf("HandleEnvelope: %v", err)
	}
	secondRow, _, _ := f.store.Get(ctx, "user-1")
	if firstRow.InteractionID != secondRow.InteractionID {
		t.Fatalf("interaction changed between messages: %q vs %q", firstRow.InteractionID, secondRow.InteractionID)
	}

	var heartbeats int
	for _, interrupt := range f.api.sentInterrupts() {
		if interrupt.Interrupt.Type == InterruptHeartbeat {
			heartbeats++
		}
	}
	if heartbeats != 1 {
		t.Fatalf("expected one heartbeat for the second message, got %d", heartbeats)
	}
}

func TestStaleInteractionIsRecreatedOnMessage(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	if _, err := f.router.HandleEnvelope(ctx, webEnvelope("message:appUser", textMessage("m1", "hello"))); err != nil {
		t.Fatalf("HandleEnvelope: %v", err)
	}
	firstRow, _, _ := f.store.Get(ctx, "user-1")
	f.api.markMissing(firstRow.InteractionID)

	outcomes, err := f.router.HandleEnvelope(ctx, webEnvelope("message:appUser", textMessage("m2", "anyone?")))
	if err != nil {
		t.Fatalf("HandleEnvelope: %v", err)
	}
	if outcomes[0].Status != OutcomeProcessed {
		t.Fatalf("unexpected outcome: %+v", outcomes[0])
	}
	secondRow, _, _ := f.store.Get(ctx, "user-1")
	if secondRow.InteractionID == firstRow.InteractionID {
		t.Fatal("expected a fresh interaction after staleness detection")
	}
}

func TestUnsupportedMessageTypePerPlatform(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	env := WebhookEnvelope{
		TenantID: "tenant-1",
		Body: WebhookBody{
			AppUser: WebhookAppUser{ID: "user-wa", IntegrationID: "integ-wa"},
			Client:  &WebhookClient{Platform: "whatsapp", IntegrationID: "integ-wa"},
			Trigger: "message:appUser",
			Messages: []InboundMessage{
				{ID: "m1", Type: string(MessageTypeFormResponse)},
				textMessage("m2", "hello"),
			},
		},
	}
	outcomes, err := f.router.HandleEnvelope(ctx, env)
	if err != nil {
		t.Fatalf("HandleEnvelope: %v", err)
	}
	byID := map[string]OutcomeStatus{}
	for _, outcome := range outcomes {
		byID[outcome.MessageID] = outcome.Status
	}
	if byID["m1"] != OutcomeUnsupported {
		t.Fatalf("formResponse on whatsapp must be unsupported: %+v", outcomes)
	}
	if byID["m2"] != OutcomeProcessed {
		t.Fatalf("text on whatsapp must process: %+v", outcomes)
	}
}

func TestFormResponseRoutesToCorrelator(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	if _, err := f.router.HandleEnvelope(ctx, webEnvelope("message:appUser", textMessage("m1", "hello"))); err != nil {
		t.Fatalf("HandleEnvelope: %v", err)
	}
	if err := f.router.RegisterCollectAction(ctx, "user-1", PlatformWeb, CollectAction{ActionID: "A1", SubID: "s1"}); err != nil {
		t.Fatalf("RegisterCollectAction: %v", err)
	}

	form := InboundMessage{
		ID:     "m2",
		Type:   string(MessageTypeFormResponse),
		Quoted: &QuotedMessage{Metadata: map[string]string{"actionId": "A1"}},
		Fields: []FormField{{Name: "answer", Value: "42"}},
	}
	outcomes, err := f.router.HandleEnvelope(ctx, webEnvelope("message:appUser", form))
	if err != nil {
		t.Fatalf("HandleEnvelope: %v", err)
	}
	if outcomes[0].Status != OutcomeProcessed {
		t.Fatalf("unexpected outcome: %+v", outcomes[0])
	}
	flows := f.bus.FlowResponses()
	if len(flows) != 1 || flows[0].ActionID != "A1" {
		t.Fatalf("unexpected flow responses: %+v", flows)
	}
	row, _, _ := f.store.Get(ctx, "user-1")
	if len(row.CollectActions) != 0 {
		t.Fatalf("pending action should be resolved: %+v", row.CollectActions)
	}
}

func TestUnmatchedFormResponseIsDropped(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	if _, err := f.router.HandleEnvelope(ctx, webEnvelope("message:appUser", textMessage("m1", "hello"))); err != nil {
		t.Fatalf("HandleEnvelope: %v", err)
	}
	form := InboundMessage{
		ID:     "m2",
		Type:   string(MessageTypeFormResponse),
		Quoted: &QuotedMessage{Metadata: map[string]string{"actionId": "nope"}},
	}
	outcomes, err := f.router.HandleEnvelope(ctx, webEnvelope("message:appUser", form))
	if err != nil {
		t.Fatalf("HandleEnvelope: %v", err)
	}
	if outcomes[0].Status != OutcomeDropped {
		t.Fatalf("unmatched response must be dropped: %+v", outcomes[0])
	}
}

func TestConversationEventWithoutInteractionIsDropped(t *testing.T) {
	f := newRouterFixture(t)
	outcomes, err := f.router.HandleEnvelope(context.Background(), webEnvelope("conversation:read"))
	if err != nil {
		t.Fatalf("HandleEnvelope: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].Status != OutcomeDropped {
		t.Fatalf("unexpected outcomes: %+v", outcomes)
	}
}

func TestConversationEventFansOutToParticipants(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	if _, err := f.router.HandleEnvelope(ctx, webEnvelope("message:appUser", textMessage("m1", "hello"))); err != nil {
		t.Fatalf("HandleEnvelope: %v", err)
	}
	row, _, _ := f.store.Get(ctx, "user-1")
	f.api.setParticipants(row.InteractionID, Participant{ResourceID: "agent-a", SessionID: "sess-a"})
	f.bus.Reset()

	env := webEnvelope("typing:appUser")
	env.Body.Activity = &WebhookActivity{Type: "typing:stop"}
	outcomes, err := f.router.HandleEnvelope(ctx, env)
	if err != nil {
		t.Fatalf("HandleEnvelope: %v", err)
	}
	if outcomes[0].Status != OutcomeProcessed {
		t.Fatalf("unexpected outcome: %+v", outcomes[0])
	}
	deliveries := f.bus.ParticipantDeliveries()
	if len(deliveries) != 1 || deliveries[0].Payload.Type != "conversation-event" || deliveries[0].Payload.Event != "typing-stop" {
		t.Fatalf("unexpected deliveries: %+v", deliveries)
	}
}

func TestDeliveryFailureFailsPendingAndBanners(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	env := WebhookEnvelope{
		TenantID: "tenant-1",
		Body: WebhookBody{
			AppUser:  WebhookAppUser{ID: "user-wa", IntegrationID: "integ-wa"},
			Client:   &WebhookClient{Platform: "whatsapp", IntegrationID: "integ-wa"},
			Trigger:  "message:appUser",
			Messages: []InboundMessage{textMessage("m1", "hi")},
		},
	}
	if _, err := f.router.HandleEnvelope(ctx, env); err != nil {
		t.Fatalf("HandleEnvelope: %v", err)
	}
	if err := f.router.RegisterCollectAction(ctx, "user-wa", PlatformWhatsApp, CollectAction{ActionID: "A1"}); err != nil {
		t.Fatalf("RegisterCollectAction: %v", err)
	}
	f.bus.Reset()

	failure := env
	failure.Body.Trigger = "message:delivery:failure"
	failure.Body.Messages = nil
	failure.Body.Destination = failure.Body.Client
	failure.Body.Error = &DeliveryError{Code: "rate_limited", Message: "try later"}
	outcomes, err := f.router.HandleEnvelope(ctx, failure)
	if err != nil {
		t.Fatalf("HandleEnvelope: %v", err)
	}
	if outcomes[0].Status != OutcomeProcessed {
		t.Fatalf("unexpected outcome: %+v", outcomes[0])
	}

	flows := f.bus.FlowResponses()
	if len(flows) != 1 || flows[0].Status != FlowResponseStatusFailed {
		t.Fatalf("pending action must fail back to flow: %+v", flows)
	}
	banners := f.bus.Banners()
	if len(banners) != 1 || banners[0].Kind != BannerKindDeliveryFailure {
		t.Fatalf("expected delivery-failure banner: %+v", banners)
	}
	// Non-fatal error keeps the interaction alive.
	if _, ok, _ := f.store.Get(ctx, "user-wa"); !ok {
		t.Fatal("non-fatal failure must not disconnect")
	}
}

func TestFatalDeliveryFailureForcesDisconnect(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	env := WebhookEnvelope{
		TenantID: "tenant-1",
		Body: WebhookBody{
			AppUser:  WebhookAppUser{ID: "user-wa", IntegrationID: "integ-wa"},
			Client:   &WebhookClient{Platform: "whatsapp", IntegrationID: "integ-wa"},
			Trigger:  "message:appUser",
			Messages: []InboundMessage{textMessage("m1", "hi")},
		},
	}
	if _, err := f.router.HandleEnvelope(ctx, env); err != nil {
		t.Fatalf("HandleEnvelope: %v", err)
	}

	failure := env
	failure.Body.Trigger = "message:delivery:failure"
	failure.Body.Messages = nil
	failure.Body.Error = &DeliveryError{Code: "invalid_token", Message: "token revoked"}
	outcomes, err := f.router.HandleEnvelope(ctx, failure)
	if err != nil {
		t.Fatalf("HandleEnvelope: %v", err)
	}
	if outcomes[0].Status != OutcomeProcessed {
		t.Fatalf("unexpected outcome: %+v", outcomes[0])
	}
	if _, ok, _ := f.store.Get(ctx, "user-wa"); ok {
		t.Fatal("fatal auth failure must disconnect")
	}
}

func TestPostbackResolvesPendingAndForwardsInterrupt(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	if _, err := f.router.HandleEnvelope(ctx, webEnvelope("message:appUser", textMessage("m1", "hello"))); err != nil {
		t.Fatalf("HandleEnvelope: %v", err)
	}
	if err := f.router.RegisterCollectAction(ctx, "user-1", PlatformWeb, CollectAction{ActionID: "A1"}); err != nil {
		t.Fatalf("RegisterCollectAction: %v", err)
	}

	env := webEnvelope("postback")
	env.Body.Postbacks = []Postback{
		{ActionID: "A1", Payload: "YES"},
		{ActionID: "unknown", Payload: "NO"},
	}
	outcomes, err := f.router.HandleEnvelope(ctx, env)
	if err != nil {
		t.Fatalf("HandleEnvelope: %v", err)
	}
	if len(outcomes) != 2 || outcomes[0].Status != OutcomeProcessed || outcomes[1].Status != OutcomeProcessed {
		t.Fatalf("unexpected outcomes: %+v", outcomes)
	}

	flows := f.bus.FlowResponses()
	if len(flows) != 1 || flows[0].ActionID != "A1" {
		t.Fatalf("only the matching postback resolves a flow step: %+v", flows)
	}
	var postbackInterrupts int
	for _, interrupt := range f.api.sentInterrupts() {
		if interrupt.Interrupt.Type == InterruptPostback {
			postbackInterrupts++
		}
	}
	if postbackInterrupts != 2 {
		t.Fatalf("every postback forwards an interrupt, got %d", postbackInterrupts)
	}
}

func TestHandleAgentMessageArmsInactivity(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	if _, err := f.router.HandleEnvelope(ctx, webEnvelope("message:appUser", textMessage("m1", "hello"))); err != nil {
		t.Fatalf("HandleEnvelope: %v", err)
	}
	f.bus.Reset()

	err := f.router.HandleAgentMessage(ctx, AgentMessage{
		TenantID:      "tenant-1",
		CustomerID:    "user-1",
		IntegrationID: "integ-1",
		MessageID:     "agent-m1",
	})
	if err != nil {
		t.Fatalf("HandleAgentMessage: %v", err)
	}

	row, _, _ := f.store.Get(ctx, "user-1")
	if row.LatestAgentMessageMs != f.now.UnixMilli() {
		t.Fatalf("agent activity missing: %+v", row)
	}
	meta, _ := f.api.GetMetadata(ctx, row.InteractionID)
	if meta.LastMessageFrom != LastMessageFromAgent {
		t.Fatalf("who-sent-last should be agent: %+v", meta)
	}
	checks := f.bus.ScheduledChecks()
	if len(checks) != 1 || checks[0].Check.Reason != DisconnectReasonInactivity || checks[0].Check.TimeoutMinutes != 30 {
		t.Fatalf("unexpected checks: %+v", checks)
	}

	if err := f.router.HandleAgentMessage(ctx, AgentMessage{TenantID: "tenant-1", CustomerID: "user-none"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown customer, got %v", err)
	}
}
