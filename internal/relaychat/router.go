package relaychat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// EventRouter turns raw webhook envelopes into lifecycle operations. It owns
// the trigger dispatch table; everything below it works on already-classified
// events.
type EventRouter struct {
	store      StateStore
	api        InteractionAPI
	creator    *Creator
	prober     *Prober
	dispatcher *Dispatcher
	correlator *Correlator
	monitor    *Monitor
	banners    BannerNotifier
	logger     *slog.Logger
	now        func() time.Time
}

type RouterOptions struct {
	Now func() time.Time
}

func NewEventRouter(store StateStore, api InteractionAPI, creator *Creator, prober *Prober,
	dispatcher *Dispatcher, correlator *Correlator, monitor *Monitor, banners BannerNotifier,
	logger *slog.Logger, opts RouterOptions) *EventRouter {
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &EventRouter{
		store:      store,
		api:        api,
		creator:    creator,
		prober:     prober,
		dispatcher: dispatcher,
		correlator: correlator,
		monitor:    monitor,
		banners:    banners,
		logger:     logger,
		now:        now,
	}
}

// HandleEnvelope routes one webhook event. The returned outcomes are
// per-message for batch triggers and single-element otherwise. An
// unsupported trigger or platform comes back as ErrUnsupportedTrigger or
// ErrUnsupportedPlatform so the transport can acknowledge and drop.
func (r *EventRouter) HandleEnvelope(ctx context.Context, env WebhookEnvelope) ([]MessageOutcome, error) {
	if strings.TrimSpace(env.TenantID) == "" {
		return nil, fmt.Errorf("%w: missing tenant id", ErrInvalidInput)
	}
	trigger, err := ParseTrigger(env.Body.Trigger)
	if err != nil {
		return nil, err
	}
	platform, err := env.Body.ResolvePlatform()
	if err != nil {
		return nil, err
	}

	switch trigger {
	case TriggerMessageAppUser:
		return r.handleCustomerMessages(ctx, env, platform), nil
	case TriggerConversationRead, TriggerTypingAppUser:
		return r.handleConversationEvent(ctx, env, trigger)
	case TriggerDeliveryFailure:
		return r.handleDeliveryFailure(ctx, env, platform)
	case TriggerPostback:
		return r.handlePostbacks(ctx, env, platform)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedTrigger, trigger)
	}
}

// handleCustomerMessages processes a batch concurrently; each message gets
// its own outcome so one poison message cannot hold the rest hostage.
func (r *EventRouter) handleCustomerMessages(ctx context.Context, env WebhookEnvelope, platform Platform) []MessageOutcome {
	outcomes := make([]MessageOutcome, len(env.Body.Messages))
	var wg sync.WaitGroup
	for i, msg := range env.Body.Messages {
		i, msg := i, msg
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i] = r.handleCustomerMessage(ctx, env, platform, msg)
		}()
	}
	wg.Wait()
	return outcomes
}

func (r *EventRouter) handleCustomerMessage(ctx context.Context, env WebhookEnvelope, platform Platform, msg InboundMessage) MessageOutcome {
	if !platform.SupportsMessageType(MessageType(msg.Type)) {
		r.logger.Info("unsupported message type dropped",
			slog.String("messageId", msg.ID),
			slog.String("messageType", msg.Type),
			slog.String("platform", string(platform)),
		)
		return MessageOutcome{MessageID: msg.ID, Status: OutcomeUnsupported}
	}

	seed := CreateSeed{
		TenantID:      env.TenantID,
		CustomerID:    env.Body.AppUser.ID,
		MessageID:     msg.ID,
		Platform:      platform,
		IntegrationID: env.Body.IntegrationID(),
	}
	row, interactionID, ok, err := r.ensureInteraction(ctx, seed)
	if err != nil {
		return MessageOutcome{MessageID: msg.ID, Status: OutcomeFailed, Err: err}
	}
	if !ok {
		return MessageOutcome{MessageID: msg.ID, Status: OutcomeDropped}
	}

	in := DispatchInput{
		TenantID:      env.TenantID,
		CustomerID:    seed.CustomerID,
		InteractionID: interactionID,
		Platform:      platform,
		Row:           row,
		Message:       msg,
	}
	if MessageType(msg.Type) == MessageTypeFormResponse {
		matched, err := r.correlator.ResolveResponse(ctx, in)
		if err != nil {
			return MessageOutcome{MessageID: msg.ID, Status: OutcomeFailed, Err: err}
		}
		if !matched {
			return MessageOutcome{MessageID: msg.ID, Status: OutcomeDropped}
		}
		return MessageOutcome{MessageID: msg.ID, Status: OutcomeProcessed}
	}

	if err := r.dispatcher.DispatchCustomerMessage(ctx, in); err != nil {
		return MessageOutcome{MessageID: msg.ID, Status: OutcomeFailed, Err: err}
	}
	return MessageOutcome{MessageID: msg.ID, Status: OutcomeProcessed}
}

// ensureInteraction resolves the live interaction a message belongs to,
// creating or recreating one when needed. ok=false means the message lost a
// race and must be dropped without error.
func (r *EventRouter) ensureInteraction(ctx context.Context, seed CreateSeed) (StateRow, string, bool, error) {
	row, found, err := r.store.Get(ctx, seed.CustomerID)
	if err != nil {
		return StateRow{}, "", false, err
	}

	if found && row.HasLiveInteraction() {
		liveID, ok, err := r.prober.EnsureLive(ctx, seed, row.InteractionID)
		if err != nil || !ok {
			return StateRow{}, "", false, err
		}
		if liveID != row.InteractionID {
			return r.refreshRow(ctx, seed.CustomerID, liveID)
		}
		return row, liveID, true, nil
	}

	result, err := r.creator.Create(ctx, seed)
	if err != nil {
		return StateRow{}, "", false, err
	}
	switch result.Outcome {
	case CreateOutcomeCreated:
		return r.refreshRow(ctx, seed.CustomerID, result.InteractionID)
	case CreateOutcomeAlreadyExists:
		row, found, err = r.store.Get(ctx, seed.CustomerID)
		if err != nil {
			return StateRow{}, "", false, err
		}
		if !found || !row.HasLiveInteraction() {
			return StateRow{}, "", false, nil
		}
		liveID, ok, err := r.prober.EnsureLive(ctx, seed, row.InteractionID)
		if err != nil || !ok {
			return StateRow{}, "", false, err
		}
		if liveID != row.InteractionID {
			return r.refreshRow(ctx, seed.CustomerID, liveID)
		}
		return row, liveID, true, nil
	default:
		return StateRow{}, "", false, nil
	}
}

func (r *EventRouter) refreshRow(ctx context.Context, customerID, interactionID string) (StateRow, string, bool, error) {
	row, found, err := r.store.Get(ctx, customerID)
	if err != nil {
		return StateRow{}, "", false, err
	}
	if !found || row.InteractionID != interactionID {
		return StateRow{}, "", false, nil
	}
	return row, interactionID, true, nil
}

// handleConversationEvent forwards read receipts and typing indicators to
// the participants of a live interaction. Without one there is nothing to
// notify, so the event is acknowledged and dropped.
func (r *EventRouter) handleConversationEvent(ctx context.Context, env WebhookEnvelope, trigger Trigger) ([]MessageOutcome, error) {
	row, found, err := r.store.Get(ctx, env.Body.AppUser.ID)
	if err != nil {
		return nil, err
	}
	if !found || !row.HasLiveInteraction() {
		return []MessageOutcome{{Status: OutcomeDropped}}, nil
	}
	meta, err := r.api.GetMetadata(ctx, row.InteractionID)
	if errors.Is(err, ErrInteractionNotFound) {
		// Ephemeral signal: not worth a recreation cycle.
		return []MessageOutcome{{Status: OutcomeDropped}}, nil
	}
	if err != nil {
		return []MessageOutcome{{Status: OutcomeFailed, Err: err}}, nil
	}
	event := conversationEventName(trigger, env.Body.Activity)
	if err := r.dispatcher.FanOut(ctx, env.TenantID, meta.Participants, func(p Participant) SendMessagePayload {
		return SendMessagePayload{
			Type:       payloadTypeConversationEvent,
			Event:      event,
			ResourceID: p.ResourceID,
			SessionID:  p.SessionID,
		}
	}); err != nil {
		return []MessageOutcome{{Status: OutcomeFailed, Err: err}}, nil
	}
	return []MessageOutcome{{Status: OutcomeProcessed}}, nil
}

func conversationEventName(trigger Trigger, activity *WebhookActivity) string {
	if trigger == TriggerConversationRead {
		return "conversation-read"
	}
	if activity != nil && strings.Contains(strings.ToLower(activity.Type), "stop") {
		return "typing-stop"
	}
	return "typing-start"
}

func (r *EventRouter) handleDeliveryFailure(ctx context.Context, env WebhookEnvelope, platform Platform) ([]MessageOutcome, error) {
	row, found, err := r.store.Get(ctx, env.Body.AppUser.ID)
	if err != nil {
		return nil, err
	}
	if !found || !row.HasLiveInteraction() {
		return []MessageOutcome{{Status: OutcomeDropped}}, nil
	}

	failure := env.Body.Error
	payload := map[string]any{}
	if failure != nil {
		payload["code"] = failure.Code
		payload["message"] = failure.Message
		if failure.MessageID != "" {
			payload["messageId"] = failure.MessageID
		}
	}
	if err := r.api.SendInterrupt(ctx, row.InteractionID, Interrupt{
		Type:    InterruptDeliveryFailure,
		Payload: payload,
	}); err != nil && !errors.Is(err, ErrInteractionNotFound) {
		return []MessageOutcome{{Status: OutcomeFailed, Err: err}}, nil
	}

	in := DispatchInput{
		TenantID:      env.TenantID,
		CustomerID:    env.Body.AppUser.ID,
		InteractionID: row.InteractionID,
		Platform:      platform,
		Row:           row,
	}
	reason := "delivery failed"
	if failure != nil && strings.TrimSpace(failure.Message) != "" {
		reason = failure.Message
	}
	if err := r.correlator.FailPending(ctx, in, reason); err != nil {
		return []MessageOutcome{{Status: OutcomeFailed, Err: err}}, nil
	}

	if r.banners != nil {
		if err := r.banners.NotifyBanner(ctx, Banner{
			TenantID:      env.TenantID,
			CustomerID:    env.Body.AppUser.ID,
			InteractionID: row.InteractionID,
			Kind:          BannerKindDeliveryFailure,
			Platform:      string(platform),
			Text:          reason,
		}); err != nil {
			r.logger.Warn("delivery failure banner failed",
				slog.String("interactionId", row.InteractionID),
				slog.Any("error", err),
			)
		}
	}

	if failure.Fatal() {
		if err := r.monitor.ForceDisconnect(ctx, DisconnectCheck{
			Reason:        DisconnectReasonAuthFailure,
			TenantID:      env.TenantID,
			CustomerID:    env.Body.AppUser.ID,
			InteractionID: row.InteractionID,
		}); err != nil {
			return []MessageOutcome{{Status: OutcomeFailed, Err: err}}, nil
		}
	}
	return []MessageOutcome{{Status: OutcomeProcessed}}, nil
}

// handlePostbacks resolves any pending collect action a postback names and
// forwards the postback interrupt either way.
func (r *EventRouter) handlePostbacks(ctx context.Context, env WebhookEnvelope, platform Platform) ([]MessageOutcome, error) {
	row, found, err := r.store.Get(ctx, env.Body.AppUser.ID)
	if err != nil {
		return nil, err
	}
	if !found || !row.HasLiveInteraction() {
		outcomes := make([]MessageOutcome, len(env.Body.Postbacks))
		for i := range outcomes {
			outcomes[i] = MessageOutcome{Status: OutcomeDropped}
		}
		return outcomes, nil
	}

	in := DispatchInput{
		TenantID:      env.TenantID,
		CustomerID:    env.Body.AppUser.ID,
		InteractionID: row.InteractionID,
		Platform:      platform,
		Row:           row,
	}
	outcomes := make([]MessageOutcome, 0, len(env.Body.Postbacks))
	for _, postback := range env.Body.Postbacks {
		matched, err := r.correlator.ResolvePostback(ctx, in, postback)
		if err != nil {
			outcomes = append(outcomes, MessageOutcome{Status: OutcomeFailed, Err: err})
			continue
		}
		if matched {
			// Later postbacks in the batch see the shrunk list.
			remaining := make([]CollectAction, 0, len(in.Row.CollectActions))
			for _, pending := range in.Row.CollectActions {
				if pending.ActionID != postback.ActionID {
					remaining = append(remaining, pending)
				}
			}
			in.Row.CollectActions = remaining
		}
		if err := r.api.SendInterrupt(ctx, row.InteractionID, Interrupt{
			Type: InterruptPostback,
			Payload: map[string]any{
				"actionId": postback.ActionID,
				"payload":  postback.Payload,
				"text":     postback.Text,
			},
		}); err != nil && !errors.Is(err, ErrInteractionNotFound) {
			outcomes = append(outcomes, MessageOutcome{Status: OutcomeFailed, Err: err})
			continue
		}
		outcomes = append(outcomes, MessageOutcome{Status: OutcomeProcessed})
	}
	return outcomes, nil
}

// AgentMessage is the internal notification that an agent-side message went
// out to the customer. It drives activity bookkeeping and the inactivity
// countdown.
type AgentMessage struct {
	TenantID      string `json:"tenantId"`
	CustomerID    string `json:"customerId"`
	IntegrationID string `json:"integrationId,omitempty"`
	MessageID     string `json:"messageId,omitempty"`
}

// HandleAgentMessage records agent activity, flips the who-sent-last flag,
// and arms the inactivity disconnect check.
func (r *EventRouter) HandleAgentMessage(ctx context.Context, msg AgentMessage) error {
	if strings.TrimSpace(msg.TenantID) == "" || strings.TrimSpace(msg.CustomerID) == "" {
		return ErrInvalidInput
	}
	row, found, err := r.store.Get(ctx, msg.CustomerID)
	if err != nil {
		return err
	}
	if !found || !row.HasLiveInteraction() {
		return fmt.Errorf("%w: no live interaction for %s", ErrNotFound, msg.CustomerID)
	}

	nowMs := epochMillis(r.now())
	if err := r.store.UpdateActivity(ctx, msg.CustomerID, ActivityAgentMessage, nowMs); err != nil {
		return fmt.Errorf("update agent activity: %w", err)
	}
	if err := r.api.UpdateMetadata(ctx, row.InteractionID, MetadataPatch{
		LastMessageFrom: LastMessageFromAgent,
	}); err != nil {
		return fmt.Errorf("update who-sent-last flag: %w", err)
	}
	if err := r.monitor.ArmInactivity(ctx, msg.TenantID, msg.CustomerID, row.InteractionID, msg.IntegrationID, nowMs); err != nil {
		return fmt.Errorf("arm inactivity check: %w", err)
	}
	return nil
}

// RegisterCollectAction exposes prompt registration to the internal API.
func (r *EventRouter) RegisterCollectAction(ctx context.Context, customerID string, platform Platform, action CollectAction) error {
	return r.correlator.RegisterPrompt(ctx, customerID, platform, action)
}
