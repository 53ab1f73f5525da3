package relaychat

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrInvalidInput           = errors.New("invalid input")
	ErrInteractionNotFound    = errors.New("interaction not found")
	ErrUnsupportedTrigger     = errors.New("unsupported trigger")
	ErrUnsupportedPlatform    = errors.New("unsupported platform")
	ErrUnsupportedMessageType = errors.New("unsupported message type")
	ErrNotImplemented         = errors.New("not implemented")
)

// DisconnectedSentinel marks a row whose interaction is known dead while a
// recreation attempt is in flight. It is never a real interaction id.
const DisconnectedSentinel = "disconnected"

type Trigger string

const (
	TriggerMessageAppUser   Trigger = "message:appUser"
	TriggerConversationRead Trigger = "conversation:read"
	TriggerTypingAppUser    Trigger = "typing:appUser"
	TriggerDeliveryFailure  Trigger = "message:delivery:failure"
	TriggerPostback         Trigger = "postback"
)

func ParseTrigger(raw string) (Trigger, error) {
	switch Trigger(strings.TrimSpace(raw)) {
	case TriggerMessageAppUser:
		return TriggerMessageAppUser, nil
	case TriggerConversationRead:
		return TriggerConversationRead, nil
	case TriggerTypingAppUser:
		return TriggerTypingAppUser, nil
	case TriggerDeliveryFailure:
		return TriggerDeliveryFailure, nil
	case TriggerPostback:
		return TriggerPostback, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedTrigger, raw)
	}
}

type Platform string

const (
	PlatformWeb       Platform = "web"
	PlatformWhatsApp  Platform = "whatsapp"
	PlatformSMS       Platform = "sms"
	PlatformMessenger Platform = "messenger"
)

func ParsePlatform(raw string) (Platform, error) {
	switch Platform(strings.ToLower(strings.TrimSpace(raw))) {
	case PlatformWeb:
		return PlatformWeb, nil
	case PlatformWhatsApp:
		return PlatformWhatsApp, nil
	case PlatformSMS:
		return PlatformSMS, nil
	case PlatformMessenger:
		return PlatformMessenger, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedPlatform, raw)
	}
}

// PhoneBased reports whether the platform addresses customers by phone number.
func (p Platform) PhoneBased() bool {
	return p == PlatformWhatsApp || p == PlatformSMS
}

// MultiSlot reports whether the platform supports more than one outstanding
// collect action at a time.
func (p Platform) MultiSlot() bool {
	return p == PlatformWeb
}

// SessionWindowed reports whether the platform imposes a hard maximum session
// duration counted from the first customer message of a session.
func (p Platform) SessionWindowed() bool {
	return p == PlatformWhatsApp
}

type MessageType string

const (
	MessageTypeText         MessageType = "text"
	MessageTypeImage        MessageType = "image"
	MessageTypeFile         MessageType = "file"
	MessageTypeLocation     MessageType = "location"
	MessageTypeFormResponse MessageType = "formResponse"
	MessageTypeForm         MessageType = "form"
)

// SupportsMessageType returns the subset of the dispatch table for
// message:appUser events: only web carries form responses.
func (p Platform) SupportsMessageType(t MessageType) bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeFile, MessageTypeLocation:
		return true
	case MessageTypeFormResponse:
		return p == PlatformWeb
	default:
		return false
	}
}

type WebhookEnvelope struct {
	TenantID string      `json:"tenantId"`
	Body     WebhookBody `json:"body"`
}

type WebhookBody struct {
	App         WebhookApp       `json:"app"`
	AppUser     WebhookAppUser   `json:"appUser"`
	Client      *WebhookClient   `json:"client,omitempty"`
	Destination *WebhookClient   `json:"destination,omitempty"`
	Trigger     string           `json:"trigger"`
	Messages    []InboundMessage `json:"messages,omitempty"`
	Activity    *WebhookActivity `json:"activity,omitempty"`
	Postbacks   []Postback       `json:"postbacks,omitempty"`
	Error       *DeliveryError   `json:"error,omitempty"`
	Timestamp   int64            `json:"timestamp"`
}

type WebhookApp struct {
	ID string `json:"id"`
}

type WebhookAppUser struct {
	ID            string `json:"id"`
	IntegrationID string `json:"integrationId,omitempty"`
}

type WebhookClient struct {
	Platform      string `json:"platform"`
	IntegrationID string `json:"integrationId,omitempty"`
}

// ResolvePlatform prefers the client block and falls back to destination,
// matching how delivery-failure events are shaped.
func (b WebhookBody) ResolvePlatform() (Platform, error) {
	if b.Client != nil && strings.TrimSpace(b.Client.Platform) != "" {
		return ParsePlatform(b.Client.Platform)
	}
	if b.Destination != nil && strings.TrimSpace(b.Destination.Platform) != "" {
		return ParsePlatform(b.Destination.Platform)
	}
	return "", fmt.Errorf("%w: missing client and destination", ErrUnsupportedPlatform)
}

func (b WebhookBody) IntegrationID() string {
	if b.Client != nil && strings.TrimSpace(b.Client.IntegrationID) != "" {
		return strings.TrimSpace(b.Client.IntegrationID)
	}
	if b.Destination != nil {
		return strings.TrimSpace(b.Destination.IntegrationID)
	}
	return strings.TrimSpace(b.AppUser.IntegrationID)
}

type InboundMessage struct {
	ID          string            `json:"id"`
	Type        string            `json:"type"`
	Text        string            `json:"text,omitempty"`
	MediaURL    string            `json:"mediaUrl,omitempty"`
	MediaType   string            `json:"mediaType,omitempty"`
	Coordinates *Coordinates      `json:"coordinates,omitempty"`
	Fields      []FormField       `json:"fields,omitempty"`
	Quoted      *QuotedMessage    `json:"quotedMessage,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Received    int64             `json:"received"`
}

type Coordinates struct {
	Lat  float64 `json:"lat"`
	Long float64 `json:"long"`
}

type FormField struct {
	Name  string `json:"name"`
	Label string `json:"label,omitempty"`
	Value string `json:"value"`
}

// QuotedMessage carries the metadata of the prompt a form response replies to.
type QuotedMessage struct {
	ID       string            `json:"id,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (m InboundMessage) QuotedActionID() string {
	if m.Quoted == nil {
		return ""
	}
	return strings.TrimSpace(m.Quoted.Metadata["actionId"])
}

type Postback struct {
	ActionID string `json:"actionId"`
	SubID    string `json:"subId,omitempty"`
	Payload  string `json:"payload,omitempty"`
	Text     string `json:"text,omitempty"`
}

type WebhookActivity struct {
	Type string `json:"type"`
}

type DeliveryError struct {
	Code      string `json:"code"`
	Message   string `json:"message,omitempty"`
	MessageID string `json:"messageId,omitempty"`
}

// Fatal reports auth errors that make every further delivery pointless.
func (e *DeliveryError) Fatal() bool {
	if e == nil {
		return false
	}
	switch strings.TrimSpace(e.Code) {
	case "invalid_token", "expired_token":
		return true
	default:
		return false
	}
}

type CollectAction struct {
	ActionID    string `json:"actionId"`
	SubID       string `json:"subId,omitempty"`
	MessageType string `json:"messageType,omitempty"`
}

type ActivityField string

const (
	ActivityCustomerMessage ActivityField = "latest_customer_message_ms"
	ActivityAgentMessage    ActivityField = "latest_agent_message_ms"
	ActivitySession         ActivityField = "latest_session_ms"
)

// StateRow is the single source of truth for "is there a live interaction for
// this customer". One row per platform-assigned customer id.
type StateRow struct {
	CustomerID              string          `json:"customerId"`
	InteractionID           string          `json:"interactionId,omitempty"`
	CreatingMessageID       string          `json:"creatingMessageId,omitempty"`
	CollectActions          []CollectAction `json:"collectActions,omitempty"`
	LatestCustomerMessageMs int64           `json:"latestCustomerMessageMs,omitempty"`
	LatestAgentMessageMs    int64           `json:"latestAgentMessageMs,omitempty"`
	LatestSessionMs         int64           `json:"latestSessionMs,omitempty"`
	TTL                     int64           `json:"ttl,omitempty"`
}

// HasLiveInteraction reports whether the row points at an interaction believed
// to be alive. The disconnected sentinel does not count.
func (r StateRow) HasLiveInteraction() bool {
	return r.InteractionID != "" && r.InteractionID != DisconnectedSentinel
}

type CreateOutcome int

const (
	CreateOutcomeCreated CreateOutcome = iota
	CreateOutcomeLostRace
	CreateOutcomeAlreadyExists
)

func (o CreateOutcome) String() string {
	switch o {
	case CreateOutcomeCreated:
		return "created"
	case CreateOutcomeLostRace:
		return "lost_race"
	case CreateOutcomeAlreadyExists:
		return "already_exists"
	default:
		return "unknown"
	}
}

type OutcomeStatus string

const (
	OutcomeProcessed   OutcomeStatus = "processed"
	OutcomeDropped     OutcomeStatus = "dropped"
	OutcomeUnsupported OutcomeStatus = "unsupported"
	OutcomeFailed      OutcomeStatus = "failed"
)

// MessageOutcome is the per-message result of a batch webhook event. A failed
// outcome tells the caller the whole delivery must be retried.
type MessageOutcome struct {
	MessageID string        `json:"messageId"`
	Status    OutcomeStatus `json:"status"`
	Err       error         `json:"-"`
}

type Participant struct {
	ResourceID string `json:"resourceId"`
	SessionID  string `json:"sessionId"`
}

// InteractionMetadata is the slice of the interaction API's metadata document
// the core reads and merges into.
type InteractionMetadata struct {
	InteractionID   string        `json:"interactionId"`
	Participants    []Participant `json:"participants"`
	LastMessageFrom string        `json:"lastMessageFrom,omitempty"`
	ArtifactID      string        `json:"artifactId,omitempty"`
}

const (
	LastMessageFromCustomer = "customer"
	LastMessageFromAgent    = "agent"
)

func epochMillis(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}
