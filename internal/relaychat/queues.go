package relaychat

import (
	"context"
	"sync"
	"time"
)

// SendMessagePayload is the envelope placed on a participant's dedicated
// queue, named {tenantId}_{resourceId}.
type SendMessagePayload struct {
	ActionID    string            `json:"actionId,omitempty"`
	SubID       string            `json:"subId,omitempty"`
	Type        string            `json:"type"`
	Event       string            `json:"event,omitempty"`
	ResourceID  string            `json:"resourceId"`
	SessionID   string            `json:"sessionId"`
	MessageType string            `json:"messageType,omitempty"`
	Message     NormalizedMessage `json:"message,omitempty"`
}

const (
	payloadTypeSendMessage       = "send-message"
	payloadTypeConversationEvent = "conversation-event"
)

// NormalizedMessage is the platform-independent shape of an inbound message.
type NormalizedMessage struct {
	ID          string       `json:"id,omitempty"`
	From        string       `json:"from,omitempty"`
	Text        string       `json:"text,omitempty"`
	MediaURL    string       `json:"mediaUrl,omitempty"`
	MediaType   string       `json:"mediaType,omitempty"`
	Coordinates *Coordinates `json:"coordinates,omitempty"`
	Fields      []FormField  `json:"fields,omitempty"`
	ReceivedMs  int64        `json:"receivedMs,omitempty"`
}

type ParticipantPublisher interface {
	PublishToParticipant(ctx context.Context, tenantID, resourceID string, payload SendMessagePayload) error
}

type ReportingEvent struct {
	Topic         string         `json:"topic"`
	TenantID      string         `json:"tenantId"`
	CustomerID    string         `json:"customerId"`
	InteractionID string         `json:"interactionId,omitempty"`
	Attributes    map[string]any `json:"attributes,omitempty"`
}

const (
	ReportTopicCustomerMessage         = "customer-message"
	ReportTopicInteractionDisconnected = "interaction-disconnected"
)

type ReportingPublisher interface {
	PublishReport(ctx context.Context, event ReportingEvent) error
}

type ArtifactUploadJob struct {
	TenantID      string `json:"tenantId"`
	InteractionID string `json:"interactionId"`
	ArtifactID    string `json:"artifactId"`
	MessageID     string `json:"messageId"`
	MediaURL      string `json:"mediaUrl"`
	MediaType     string `json:"mediaType,omitempty"`
}

type ArtifactJobQueue interface {
	EnqueueUpload(ctx context.Context, job ArtifactUploadJob) error
}

// FlowResponse routes a resolved collect action back to the flow step that
// requested it.
type FlowResponse struct {
	ActionID   string      `json:"actionId"`
	SubID      string      `json:"subId,omitempty"`
	TenantID   string      `json:"tenantId"`
	CustomerID string      `json:"customerId"`
	Status     string      `json:"status"`
	Fields     []FormField `json:"fields,omitempty"`
	Payload    string      `json:"payload,omitempty"`
	Text       string      `json:"text,omitempty"`
}

const (
	FlowResponseStatusCompleted = "completed"
	FlowResponseStatusFailed    = "failed"
)

type FlowPublisher interface {
	PublishFlowResponse(ctx context.Context, resp FlowResponse) error
}

type DisconnectReason string

const (
	DisconnectReasonInactivity     DisconnectReason = "inactivity"
	DisconnectReasonSessionCeiling DisconnectReason = "session-ceiling"
	DisconnectReasonAuthFailure    DisconnectReason = "auth-failure"
)

// DisconnectCheck is the self-addressed delayed message behind the disconnect
// monitor. It carries everything a tick needs so redundant or out-of-order
// ticks stay harmless no-ops.
type DisconnectCheck struct {
	Reason               DisconnectReason `json:"reason"`
	TenantID             string           `json:"tenantId"`
	CustomerID           string           `json:"userId"`
	InteractionID        string           `json:"interactionId"`
	TimeoutMinutes       int              `json:"disconnectTimeoutInMinutes,omitempty"`
	LatestAgentMessageMs int64            `json:"latestAgentMessageTimestamp,omitempty"`
}

type CheckScheduler interface {
	Schedule(ctx context.Context, check DisconnectCheck, delay time.Duration) error
}

type Banner struct {
	TenantID      string `json:"tenantId"`
	CustomerID    string `json:"customerId"`
	InteractionID string `json:"interactionId,omitempty"`
	Kind          string `json:"kind"`
	Platform      string `json:"platform,omitempty"`
	Text          string `json:"text"`
}

const (
	BannerKindDeliveryFailure = "delivery-failure"
	BannerKindSessionExpired  = "session-expired"
)

// BannerNotifier surfaces agent-visible banners; implementations are
// best-effort and must never fail the primary flow.
type BannerNotifier interface {
	NotifyBanner(ctx context.Context, banner Banner) error
}

// ParticipantQueueName builds the queue identity for one participant.
func ParticipantQueueName(tenantID, resourceID string) string {
	return tenantID + "_" + resourceID
}

type ParticipantDelivery struct {
	Queue   string
	Payload SendMessagePayload
}

type ScheduledCheck struct {
	Check Check
	Delay time.Duration
}

// Check aliases DisconnectCheck in recorded schedules.
type Check = DisconnectCheck

// MemoryBus is an in-process implementation of every queue-facing contract.
// It backs the memory backend profile and the package tests.
type MemoryBus struct {
	mu           sync.Mutex
	participants []ParticipantDelivery
	reports      []ReportingEvent
	uploads      []ArtifactUploadJob
	flows        []FlowResponse
	scheduled    []ScheduledCheck
	banners      []Banner

	// Optional failure injection, keyed by participant queue name.
	FailParticipant map[string]error
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

func (b *MemoryBus) PublishToParticipant(ctx context.Context, tenantID, resourceID string, payload SendMessagePayload) error {
	queue := ParticipantQueueName(tenantID, resourceID)
	b.mu.Lock()
	defer b.mu.Unlock()
	if err, ok := b.FailParticipant[queue]; ok && err != nil {
		return err
	}
	b.participants = append(b.participants, ParticipantDelivery{Queue: queue, Payload: payload})
	return nil
}

func (b *MemoryBus) PublishReport(ctx context.Context, event ReportingEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reports = append(b.reports, event)
	return nil
}

func (b *MemoryBus) EnqueueUpload(ctx context.Context, job ArtifactUploadJob) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.uploads = append(b.uploads, job)
	return nil
}

func (b *MemoryBus) PublishFlowResponse(ctx context.Context, resp FlowResponse) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flows = append(b.flows, resp)
	return nil
}

func (b *MemoryBus) Schedule(ctx context.Context, check DisconnectCheck, delay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scheduled = append(b.scheduled, ScheduledCheck{Check: check, Delay: delay})
	return nil
}

func (b *MemoryBus) NotifyBanner(ctx context.Context, banner Banner) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.banners = append(b.banners, banner)
	return nil
}

func (b *MemoryBus) ParticipantDeliveries() []ParticipantDelivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ParticipantDelivery(nil), b.participants...)
}

func (b *MemoryBus) Reports() []ReportingEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ReportingEvent(nil), b.reports...)
}

func (b *MemoryBus) Uploads() []ArtifactUploadJob {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ArtifactUploadJob(nil), b.uploads...)
}

func (b *MemoryBus) FlowResponses() []FlowResponse {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]FlowResponse(nil), b.flows...)
}

func (b *MemoryBus) ScheduledChecks() []ScheduledCheck {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ScheduledCheck(nil), b.scheduled...)
}

func (b *MemoryBus) Banners() []Banner {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Banner(nil), b.banners...)
}

func (b *MemoryBus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.participants = nil
	b.reports = nil
	b.uploads = nil
	b.flows = nil
	b.scheduled = nil
	b.banners = nil
}
