package relaychat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// DefaultInactivityMinutes applies when provisioning does not set a
// per-integration disconnect timeout.
const DefaultInactivityMinutes = 10

type MonitorOptions struct {
	DelayCap time.Duration
	Now      func() time.Time
}

// Monitor drives disconnects through self-addressed delayed checks. A tick
// re-evaluates the row from scratch and either disconnects, reschedules
// itself for the remaining time, or drops silently when the interaction it
// was armed for is already gone.
type Monitor struct {
	store        StateStore
	api          InteractionAPI
	provisioning ProvisioningStore
	dispatcher   *Dispatcher
	reports      ReportingPublisher
	banners      BannerNotifier
	scheduler    CheckScheduler
	logger       *slog.Logger
	delayCap     time.Duration
	now          func() time.Time
}

func NewMonitor(store StateStore, api InteractionAPI, provisioning ProvisioningStore,
	dispatcher *Dispatcher, reports ReportingPublisher, banners BannerNotifier,
	scheduler CheckScheduler, logger *slog.Logger, opts MonitorOptions) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	delayCap := opts.DelayCap
	if delayCap <= 0 {
		delayCap = DefaultScheduleDelayCap
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Monitor{
		store:        store,
		api:          api,
		provisioning: provisioning,
		dispatcher:   dispatcher,
		reports:      reports,
		banners:      banners,
		scheduler:    scheduler,
		logger:       logger,
		delayCap:     delayCap,
		now:          now,
	}
}

// ArmInactivity schedules an inactivity check after an agent message. The
// timeout comes from the integration's provisioning record.
func (m *Monitor) ArmInactivity(ctx context.Context, tenantID, customerID, interactionID, integrationID string, agentMessageMs int64) error {
	minutes := DefaultInactivityMinutes
	if m.provisioning != nil && integrationID != "" {
		record, err := m.provisioning.GetIntegration(ctx, tenantID, integrationID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if err == nil && record.ClientDisconnectMinutes > 0 {
			minutes = record.ClientDisconnectMinutes
		}
	}
	timeout := time.Duration(minutes) * time.Minute
	delay := timeout
	if delay > m.delayCap {
		delay = m.delayCap
	}
	return m.scheduler.Schedule(ctx, DisconnectCheck{
		Reason:               DisconnectReasonInactivity,
		TenantID:             tenantID,
		CustomerID:           customerID,
		InteractionID:        interactionID,
		TimeoutMinutes:       minutes,
		LatestAgentMessageMs: agentMessageMs,
	}, delay)
}

// HandleTick processes one expired check. A returned error requeues the tick.
func (m *Monitor) HandleTick(ctx context.Context, check DisconnectCheck) error {
	row, ok, err := m.store.Get(ctx, check.CustomerID)
	if err != nil {
		return err
	}
	if !ok || row.InteractionID != check.InteractionID {
		m.logger.Debug("stale disconnect tick dropped",
			slog.String("customerId", check.CustomerID),
			slog.String("interactionId", check.InteractionID),
		)
		return nil
	}

	if check.Reason == DisconnectReasonAuthFailure {
		return m.disconnect(ctx, check, row)
	}

	deadline, skip := m.tickDeadline(check, row)
	if skip {
		return nil
	}
	remaining := deadline.Sub(m.now())
	if remaining > 0 {
		if remaining > m.delayCap {
			remaining = m.delayCap
		}
		next := check
		next.LatestAgentMessageMs = row.LatestAgentMessageMs
		return m.scheduler.Schedule(ctx, next, remaining)
	}
	return m.disconnect(ctx, check, row)
}

// ForceDisconnect tears an interaction down immediately, bypassing the
// delayed queue. Used when a fatal auth error makes further delivery
// pointless.
func (m *Monitor) ForceDisconnect(ctx context.Context, check DisconnectCheck) error {
	row, ok, err := m.store.Get(ctx, check.CustomerID)
	if err != nil {
		return err
	}
	if !ok || row.InteractionID != check.InteractionID {
		return nil
	}
	return m.disconnect(ctx, check, row)
}

// tickDeadline computes when the check's condition expires. skip means the
// condition was voided since the check was armed.
func (m *Monitor) tickDeadline(check DisconnectCheck, row StateRow) (time.Time, bool) {
	timeout := time.Duration(check.TimeoutMinutes) * time.Minute
	if timeout <= 0 {
		timeout = DefaultInactivityMinutes * time.Minute
	}
	switch check.Reason {
	case DisconnectReasonSessionCeiling:
		if row.LatestSessionMs == 0 {
			return time.Time{}, true
		}
		return time.UnixMilli(row.LatestSessionMs).Add(timeout), false
	default:
		ref := row.LatestAgentMessageMs
		if ref == 0 {
			ref = check.LatestAgentMessageMs
		}
		if ref == 0 {
			return time.Time{}, true
		}
		// The customer answering voids the inactivity countdown; a fresh
		// check arms with the next agent message.
		if row.LatestCustomerMessageMs > ref {
			return time.Time{}, true
		}
		return time.UnixMilli(ref).Add(timeout), false
	}
}

func (m *Monitor) disconnect(ctx context.Context, check DisconnectCheck, row StateRow) error {
	err := m.api.SendInterrupt(ctx, check.InteractionID, Interrupt{
		Type:   InterruptDisconnect,
		Reason: string(check.Reason),
	})
	if err != nil && !errors.Is(err, ErrInteractionNotFound) {
		return fmt.Errorf("disconnect interrupt for %s: %w", check.InteractionID, err)
	}

	meta, metaErr := m.api.GetMetadata(ctx, check.InteractionID)
	if metaErr != nil && !errors.Is(metaErr, ErrInteractionNotFound) {
		m.logger.Warn("metadata load during disconnect failed",
			slog.String("interactionId", check.InteractionID),
			slog.Any("error", metaErr),
		)
	}
	if metaErr == nil {
		m.ensureTranscript(ctx, check.InteractionID, meta)
	}

	deleted, err := m.store.Delete(ctx, check.CustomerID, check.InteractionID)
	if err != nil {
		return fmt.Errorf("delete state for %s: %w", check.CustomerID, err)
	}
	if !deleted {
		// The row moved on to a newer interaction between the read and the
		// delete. Leave it alone.
		m.logger.Info("disconnect delete lost race",
			slog.String("customerId", check.CustomerID),
			slog.String("interactionId", check.InteractionID),
		)
		return nil
	}

	if check.Reason == DisconnectReasonSessionCeiling && metaErr == nil {
		m.notifySessionExpired(ctx, check, meta)
	}

	if err := m.reports.PublishReport(ctx, ReportingEvent{
		Topic:         ReportTopicInteractionDisconnected,
		TenantID:      check.TenantID,
		CustomerID:    check.CustomerID,
		InteractionID: check.InteractionID,
		Attributes:    map[string]any{"reason": string(check.Reason)},
	}); err != nil {
		m.logger.Warn("disconnect report failed",
			slog.String("interactionId", check.InteractionID),
			slog.Any("error", err),
		)
	}
	m.logger.Info("interaction disconnected",
		slog.String("customerId", check.CustomerID),
		slog.String("interactionId", check.InteractionID),
		slog.String("reason", string(check.Reason)),
	)
	return nil
}

// ensureTranscript attaches a transcript artifact if the interaction ends
// without one. Best effort: a disconnect never fails over bookkeeping.
func (m *Monitor) ensureTranscript(ctx context.Context, interactionID string, meta InteractionMetadata) {
	if meta.ArtifactID == "" {
		return
	}
	artifact, err := m.api.GetArtifact(ctx, interactionID, meta.ArtifactID)
	if err != nil {
		m.logger.Warn("artifact lookup during disconnect failed",
			slog.String("interactionId", interactionID),
			slog.Any("error", err),
		)
		return
	}
	for _, file := range artifact.Files {
		if file.Kind == "transcript" {
			return
		}
	}
	if _, err := m.api.CreateArtifact(ctx, interactionID, ArtifactRequest{Kind: "transcript"}); err != nil {
		m.logger.Warn("transcript artifact create failed",
			slog.String("interactionId", interactionID),
			slog.Any("error", err),
		)
	}
}

func (m *Monitor) notifySessionExpired(ctx context.Context, check DisconnectCheck, meta InteractionMetadata) {
	if err := m.dispatcher.FanOut(ctx, check.TenantID, meta.Participants, func(p Participant) SendMessagePayload {
		return SendMessagePayload{
			Type:        payloadTypeSendMessage,
			ResourceID:  p.ResourceID,
			SessionID:   p.SessionID,
			MessageType: string(MessageTypeText),
			Message: NormalizedMessage{
				From: "system",
				Text: "The messaging session has expired.",
			},
		}
	}); err != nil {
		m.logger.Warn("session expiry fan-out failed",
			slog.String("interactionId", check.InteractionID),
			slog.Any("error", err),
		)
	}
	if m.banners == nil {
		return
	}
	if err := m.banners.NotifyBanner(ctx, Banner{
		TenantID:      check.TenantID,
		CustomerID:    check.CustomerID,
		InteractionID: check.InteractionID,
		Kind:          BannerKindSessionExpired,
		Text:          "Messaging session expired for this conversation.",
	}); err != nil {
		m.logger.Warn("session expiry banner failed",
			slog.String("interactionId", check.InteractionID),
			slog.Any("error", err),
		)
	}
}
