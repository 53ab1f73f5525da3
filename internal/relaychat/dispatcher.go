package relaychat

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	// DefaultSessionCeiling is the hard platform-imposed maximum session
	// duration for session-windowed platforms.
	DefaultSessionCeiling = 24 * time.Hour

	// DefaultScheduleDelayCap bounds a single delayed-queue hop; the true
	// remaining timeout is carried in the tick payload so hops compose.
	DefaultScheduleDelayCap = 15 * time.Minute
)

type DispatcherOptions struct {
	SessionCeiling time.Duration
	DelayCap       time.Duration
	Now            func() time.Time
}

// Dispatcher fans a customer message out to every participant of an
// interaction, refreshes activity telemetry, and kicks off the side-channel
// jobs a message implies.
type Dispatcher struct {
	store          StateStore
	api            InteractionAPI
	participants   ParticipantPublisher
	uploads        ArtifactJobQueue
	reports        ReportingPublisher
	scheduler      CheckScheduler
	logger         *slog.Logger
	sessionCeiling time.Duration
	delayCap       time.Duration
	now            func() time.Time
}

func NewDispatcher(store StateStore, api InteractionAPI, participants ParticipantPublisher,
	uploads ArtifactJobQueue, reports ReportingPublisher, scheduler CheckScheduler,
	logger *slog.Logger, opts DispatcherOptions) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	sessionCeiling := opts.SessionCeiling
	if sessionCeiling <= 0 {
		sessionCeiling = DefaultSessionCeiling
	}
	delayCap := opts.DelayCap
	if delayCap <= 0 {
		delayCap = DefaultScheduleDelayCap
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{
		store:          store,
		api:            api,
		participants:   participants,
		uploads:        uploads,
		reports:        reports,
		scheduler:      scheduler,
		logger:         logger,
		sessionCeiling: sessionCeiling,
		delayCap:       delayCap,
		now:            now,
	}
}

type DispatchInput struct {
	TenantID      string
	CustomerID    string
	InteractionID string
	Platform      Platform
	Row           StateRow
	Message       InboundMessage
}

// DispatchCustomerMessage runs the full dispatch sequence. Fan-out and the
// who-sent-last update are fatal; artifact upload and reporting are logged
// best-effort.
func (d *Dispatcher) DispatchCustomerMessage(ctx context.Context, in DispatchInput) error {
	meta, err := d.api.GetMetadata(ctx, in.InteractionID)
	if err != nil {
		return fmt.Errorf("load metadata for %s: %w", in.InteractionID, err)
	}

	normalized := normalizeMessage(in.Message, LastMessageFromCustomer)
	if err := d.FanOut(ctx, in.TenantID, meta.Participants, func(p Participant) SendMessagePayload {
		return SendMessagePayload{
			Type:        payloadTypeSendMessage,
			ResourceID:  p.ResourceID,
			SessionID:   p.SessionID,
			MessageType: in.Message.Type,
			Message:     normalized,
		}
	}); err != nil {
		return err
	}

	if in.Message.MediaURL != "" {
		if err := d.uploads.EnqueueUpload(ctx, ArtifactUploadJob{
			TenantID:      in.TenantID,
			InteractionID: in.InteractionID,
			ArtifactID:    meta.ArtifactID,
			MessageID:     in.Message.ID,
			MediaURL:      in.Message.MediaURL,
			MediaType:     in.Message.MediaType,
		}); err != nil {
			d.logger.Warn("artifact upload enqueue failed",
				slog.String("interactionId", in.InteractionID),
				slog.String("messageId", in.Message.ID),
				slog.Any("error", err),
			)
		}
	}

	if err := d.reports.PublishReport(ctx, ReportingEvent{
		Topic:         ReportTopicCustomerMessage,
		TenantID:      in.TenantID,
		CustomerID:    in.CustomerID,
		InteractionID: in.InteractionID,
		Attributes: map[string]any{
			"messageId":   in.Message.ID,
			"messageType": in.Message.Type,
			"platform":    string(in.Platform),
		},
	}); err != nil {
		d.logger.Warn("reporting publish failed",
			slog.String("interactionId", in.InteractionID),
			slog.Any("error", err),
		)
	}

	nowMs := epochMillis(d.now())
	if err := d.store.UpdateActivity(ctx, in.CustomerID, ActivityCustomerMessage, nowMs); err != nil {
		return fmt.Errorf("update customer activity: %w", err)
	}
	if in.Platform.SessionWindowed() {
		if err := d.armSessionCeiling(ctx, in, nowMs); err != nil {
			return err
		}
	}

	if meta.LastMessageFrom != LastMessageFromCustomer {
		// This flag drives the disconnect math and must not silently desync.
		if err := d.api.UpdateMetadata(ctx, in.InteractionID, MetadataPatch{
			LastMessageFrom: LastMessageFromCustomer,
		}); err != nil {
			return fmt.Errorf("update who-sent-last flag: %w", err)
		}
	}
	return nil
}

// armSessionCeiling starts a new platform session window when none is open
// and schedules the hard-ceiling check for it.
func (d *Dispatcher) armSessionCeiling(ctx context.Context, in DispatchInput, nowMs int64) error {
	sessionStart := in.Row.LatestSessionMs
	elapsed := time.Duration(nowMs-sessionStart) * time.Millisecond
	if sessionStart != 0 && elapsed < d.sessionCeiling {
		return nil
	}
	if err := d.store.UpdateActivity(ctx, in.CustomerID, ActivitySession, nowMs); err != nil {
		return fmt.Errorf("update session activity: %w", err)
	}
	delay := d.sessionCeiling
	if delay > d.delayCap {
		delay = d.delayCap
	}
	if err := d.scheduler.Schedule(ctx, DisconnectCheck{
		Reason:         DisconnectReasonSessionCeiling,
		TenantID:       in.TenantID,
		CustomerID:     in.CustomerID,
		InteractionID:  in.InteractionID,
		TimeoutMinutes: int(d.sessionCeiling / time.Minute),
	}, delay); err != nil {
		return fmt.Errorf("arm session ceiling: %w", err)
	}
	return nil
}

// FanOut delivers one payload per participant in parallel. A failure on one
// branch does not stop the siblings; the first failure surfaces after all
// attempts complete so the whole dispatch can be retried.
func (d *Dispatcher) FanOut(ctx context.Context, tenantID string, participants []Participant,
	build func(Participant) SendMessagePayload) error {
	if len(participants) == 0 {
		return nil
	}
	var group errgroup.Group
	for _, participant := range participants {
		participant := participant
		group.Go(func() error {
			payload := build(participant)
			if err := d.participants.PublishToParticipant(ctx, tenantID, participant.ResourceID, payload); err != nil {
				return fmt.Errorf("deliver to participant %s: %w", participant.ResourceID, err)
			}
			return nil
		})
	}
	return group.Wait()
}

func normalizeMessage(msg InboundMessage, from string) NormalizedMessage {
	return NormalizedMessage{
		ID:          msg.ID,
		From:        from,
		Text:        msg.Text,
		MediaURL:    msg.MediaURL,
		MediaType:   msg.MediaType,
		Coordinates: msg.Coordinates,
		Fields:      append([]FormField(nil), msg.Fields...),
		ReceivedMs:  msg.Received,
	}
}
