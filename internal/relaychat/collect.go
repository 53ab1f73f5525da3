package relaychat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Correlator tracks outstanding collect actions per customer and matches
// inbound responses back to the flow step that asked for them. Web keeps
// multiple slots matched by action id; every other platform has a single
// slot that a new prompt overwrites.
type Correlator struct {
	store      StateStore
	api        InteractionAPI
	flow       FlowPublisher
	dispatcher *Dispatcher
	logger     *slog.Logger
}

func NewCorrelator(store StateStore, api InteractionAPI, flow FlowPublisher, dispatcher *Dispatcher, logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{
		store:      store,
		api:        api,
		flow:       flow,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// RegisterPrompt records a new outstanding prompt for a customer.
func (c *Correlator) RegisterPrompt(ctx context.Context, customerID string, platform Platform, action CollectAction) error {
	if strings.TrimSpace(customerID) == "" || strings.TrimSpace(action.ActionID) == "" {
		return ErrInvalidInput
	}
	row, ok, err := c.store.Get(ctx, customerID)
	if err != nil {
		return err
	}
	if !ok || !row.HasLiveInteraction() {
		return fmt.Errorf("%w: no live interaction for %s", ErrNotFound, customerID)
	}

	if platform.MultiSlot() {
		for _, pending := range row.CollectActions {
			if pending.ActionID == action.ActionID {
				c.logger.Warn("duplicate collect action ignored",
					slog.String("customerId", customerID),
					slog.String("actionId", action.ActionID),
				)
				return nil
			}
		}
		return c.store.SetCollectActions(ctx, customerID, append(row.CollectActions, action))
	}

	if len(row.CollectActions) > 0 {
		c.logger.Warn("pending collect action overwritten",
			slog.String("customerId", customerID),
			slog.String("previousActionId", row.CollectActions[0].ActionID),
			slog.String("actionId", action.ActionID),
		)
	}
	return c.store.SetCollectActions(ctx, customerID, []CollectAction{action})
}

// ResolveResponse matches an inbound form response against the pending list.
// An unmatched response is logged and dropped: there is no flow step left to
// route it to. Returns whether the response was matched.
func (c *Correlator) ResolveResponse(ctx context.Context, in DispatchInput) (bool, error) {
	matched, remaining := matchPending(in.Row.CollectActions, in.Platform, in.Message.QuotedActionID())
	if matched == nil {
		c.logger.Error("no pending collect action for response",
			slog.String("customerId", in.CustomerID),
			slog.String("messageId", in.Message.ID),
			slog.String("quotedActionId", in.Message.QuotedActionID()),
		)
		return false, nil
	}

	if err := c.store.SetCollectActions(ctx, in.CustomerID, remaining); err != nil {
		return false, err
	}
	if err := c.api.UpdateMetadata(ctx, in.InteractionID, MetadataPatch{
		LastMessageFrom: LastMessageFromCustomer,
	}); err != nil {
		return false, fmt.Errorf("update who-sent-last flag: %w", err)
	}
	if err := c.flow.PublishFlowResponse(ctx, FlowResponse{
		ActionID:   matched.ActionID,
		SubID:      matched.SubID,
		TenantID:   in.TenantID,
		CustomerID: in.CustomerID,
		Status:     FlowResponseStatusCompleted,
		Fields:     append([]FormField(nil), in.Message.Fields...),
		Text:       in.Message.Text,
	}); err != nil {
		return false, fmt.Errorf("forward response for action %s: %w", matched.ActionID, err)
	}

	if err := c.forwardLabel(ctx, in, *matched, responseLabel(in.Message)); err != nil {
		return false, err
	}
	return true, nil
}

// ResolvePostback resolves the pending action a postback names, if any, and
// reports whether it matched. The postback interrupt itself is the router's
// concern and is forwarded regardless.
func (c *Correlator) ResolvePostback(ctx context.Context, in DispatchInput, postback Postback) (bool, error) {
	var matched *CollectAction
	remaining := make([]CollectAction, 0, len(in.Row.CollectActions))
	for _, pending := range in.Row.CollectActions {
		if matched == nil && pending.ActionID == postback.ActionID {
			p := pending
			matched = &p
			continue
		}
		remaining = append(remaining, pending)
	}
	if matched == nil {
		return false, nil
	}
	if err := c.store.SetCollectActions(ctx, in.CustomerID, remaining); err != nil {
		return false, err
	}
	if err := c.flow.PublishFlowResponse(ctx, FlowResponse{
		ActionID:   matched.ActionID,
		SubID:      matched.SubID,
		TenantID:   in.TenantID,
		CustomerID: in.CustomerID,
		Status:     FlowResponseStatusCompleted,
		Payload:    postback.Payload,
		Text:       postback.Text,
	}); err != nil {
		return false, fmt.Errorf("forward postback for action %s: %w", matched.ActionID, err)
	}
	return true, nil
}

// FailPending fails the sole pending action back to the flow after a
// delivery failure on a single-slot platform.
func (c *Correlator) FailPending(ctx context.Context, in DispatchInput, reason string) error {
	if in.Platform.MultiSlot() || len(in.Row.CollectActions) == 0 {
		return nil
	}
	pending := in.Row.CollectActions[0]
	if err := c.store.SetCollectActions(ctx, in.CustomerID, nil); err != nil {
		return err
	}
	if err := c.flow.PublishFlowResponse(ctx, FlowResponse{
		ActionID:   pending.ActionID,
		SubID:      pending.SubID,
		TenantID:   in.TenantID,
		CustomerID: in.CustomerID,
		Status:     FlowResponseStatusFailed,
		Text:       reason,
	}); err != nil {
		return fmt.Errorf("fail pending action %s: %w", pending.ActionID, err)
	}
	return nil
}

// forwardLabel delivers a short human-readable summary of the response to
// every participant as a system message, tagged with the resolved action so
// consumers can tie the delivery back to the prompt.
func (c *Correlator) forwardLabel(ctx context.Context, in DispatchInput, action CollectAction, label string) error {
	meta, err := c.api.GetMetadata(ctx, in.InteractionID)
	if err != nil {
		return fmt.Errorf("load metadata for %s: %w", in.InteractionID, err)
	}
	return c.dispatcher.FanOut(ctx, in.TenantID, meta.Participants, func(p Participant) SendMessagePayload {
		return SendMessagePayload{
			ActionID:    action.ActionID,
			SubID:       action.SubID,
			Type:        payloadTypeSendMessage,
			ResourceID:  p.ResourceID,
			SessionID:   p.SessionID,
			MessageType: string(MessageTypeText),
			Message: NormalizedMessage{
				ID:   in.Message.ID,
				From: "system",
				Text: label,
			},
		}
	})
}

// matchPending applies the platform class's resolution rule and returns the
// matched entry plus the shrunk list.
func matchPending(pending []CollectAction, platform Platform, quotedActionID string) (*CollectAction, []CollectAction) {
	if len(pending) == 0 {
		return nil, nil
	}
	if platform.MultiSlot() {
		if quotedActionID == "" {
			return nil, nil
		}
		remaining := make([]CollectAction, 0, len(pending))
		var matched *CollectAction
		for _, action := range pending {
			if matched == nil && action.ActionID == quotedActionID {
				a := action
				matched = &a
				continue
			}
			remaining = append(remaining, action)
		}
		return matched, remaining
	}
	sole := pending[0]
	return &sole, []CollectAction{}
}

func responseLabel(msg InboundMessage) string {
	for _, field := range msg.Fields {
		value := strings.TrimSpace(field.Value)
		if value == "" {
			continue
		}
		label := strings.TrimSpace(field.Label)
		if label == "" {
			label = strings.TrimSpace(field.Name)
		}
		if label == "" {
			return value
		}
		return label + ": " + value
	}
	if strings.TrimSpace(msg.Text) != "" {
		return strings.TrimSpace(msg.Text)
	}
	return "Response received"
}
