package relaychat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// CreateSeed identifies the inbound message attempting to create (or
// recreate) an interaction. The message id doubles as the fencing token.
type CreateSeed struct {
	TenantID      string
	CustomerID    string
	MessageID     string
	Platform      Platform
	IntegrationID string
}

type CreateResult struct {
	Outcome       CreateOutcome
	InteractionID string
}

// Creator performs idempotent, race-safe interaction creation: placeholder
// first, external side effects second, finalize last, rollback on failure.
type Creator struct {
	store        StateStore
	api          InteractionAPI
	platform     PlatformClient
	provisioning ProvisioningStore
	logger       *slog.Logger
}

func NewCreator(store StateStore, api InteractionAPI, platform PlatformClient, provisioning ProvisioningStore, logger *slog.Logger) *Creator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Creator{
		store:        store,
		api:          api,
		platform:     platform,
		provisioning: provisioning,
		logger:       logger,
	}
}

// Create attempts first-time creation for a customer with no live
// interaction. A lost race or an already-live interaction is a normal
// negative outcome, not an error.
func (c *Creator) Create(ctx context.Context, seed CreateSeed) (CreateResult, error) {
	if err := validateSeed(seed); err != nil {
		return CreateResult{}, err
	}
	outcome, err := c.store.ReserveCreate(ctx, seed.CustomerID, seed.MessageID)
	if err != nil {
		return CreateResult{}, err
	}
	if outcome != CreateOutcomeCreated {
		return CreateResult{Outcome: outcome}, nil
	}
	return c.buildInteraction(ctx, seed, "")
}

// Recreate replaces a stale interaction, fencing on the stale id so two
// concurrent staleness detections converge on one winner.
func (c *Creator) Recreate(ctx context.Context, seed CreateSeed, staleInteractionID string) (CreateResult, error) {
	if err := validateSeed(seed); err != nil {
		return CreateResult{}, err
	}
	if strings.TrimSpace(staleInteractionID) == "" {
		return CreateResult{}, ErrInvalidInput
	}
	outcome, err := c.store.ReserveRecreate(ctx, seed.CustomerID, seed.MessageID, staleInteractionID)
	if err != nil {
		return CreateResult{}, err
	}
	if outcome != CreateOutcomeCreated {
		return CreateResult{Outcome: outcome}, nil
	}
	return c.buildInteraction(ctx, seed, DisconnectedSentinel)
}

// buildInteraction runs steps 2-4 after a won reservation. placeholderID is
// what the row's interaction id currently holds ("" for first creation, the
// disconnected sentinel for recreation) and fences the rollback delete.
func (c *Creator) buildInteraction(ctx context.Context, seed CreateSeed, placeholderID string) (CreateResult, error) {
	contactPoint, err := c.resolveContactPoint(ctx, seed)
	if err != nil {
		return CreateResult{}, c.rollback(ctx, seed, placeholderID, fmt.Errorf("resolve contact point: %w", err))
	}

	interactionID, err := c.api.CreateInteraction(ctx, CreateInteractionRequest{
		TenantID:      seed.TenantID,
		CustomerID:    seed.CustomerID,
		Platform:      string(seed.Platform),
		ContactPoint:  contactPoint,
		SeedMessageID: seed.MessageID,
	})
	if err != nil {
		return CreateResult{}, c.rollback(ctx, seed, placeholderID, fmt.Errorf("create interaction: %w", err))
	}

	artifactID, err := c.api.CreateArtifact(ctx, interactionID, ArtifactRequest{Kind: "conversation"})
	if err != nil {
		return CreateResult{}, c.rollback(ctx, seed, placeholderID, fmt.Errorf("bootstrap artifact: %w", err))
	}
	if err := c.api.UpdateMetadata(ctx, interactionID, MetadataPatch{ArtifactID: artifactID}); err != nil {
		return CreateResult{}, c.rollback(ctx, seed, placeholderID, fmt.Errorf("attach artifact: %w", err))
	}

	if err := c.store.Finalize(ctx, seed.CustomerID, seed.MessageID, interactionID); err != nil {
		return CreateResult{}, c.rollback(ctx, seed, placeholderID, fmt.Errorf("finalize interaction %s: %w", interactionID, err))
	}

	// Stamp the live interaction on the platform's app-user record so agent
	// tooling can jump from the customer to the interaction. Best effort:
	// the interaction is already live either way.
	if err := c.platform.UpdateAppUser(ctx, seed.TenantID, seed.CustomerID, map[string]string{
		"interactionId": interactionID,
	}); err != nil {
		c.logger.Warn("app-user update failed",
			slog.String("customerId", seed.CustomerID),
			slog.String("interactionId", interactionID),
			slog.Any("error", err),
		)
	}

	c.logger.Info("interaction created",
		slog.String("tenantId", seed.TenantID),
		slog.String("customerId", seed.CustomerID),
		slog.String("interactionId", interactionID),
	)
	return CreateResult{Outcome: CreateOutcomeCreated, InteractionID: interactionID}, nil
}

// rollback deletes the orphaned placeholder best-effort so a later message
// can retry creation from scratch, then hands the original error back.
func (c *Creator) rollback(ctx context.Context, seed CreateSeed, placeholderID string, cause error) error {
	if _, delErr := c.store.Delete(ctx, seed.CustomerID, placeholderID); delErr != nil {
		c.logger.Warn("placeholder rollback failed",
			slog.String("customerId", seed.CustomerID),
			slog.Any("error", delErr),
		)
	}
	return cause
}

func (c *Creator) resolveContactPoint(ctx context.Context, seed CreateSeed) (string, error) {
	switch {
	case seed.Platform.PhoneBased():
		integration, err := c.platform.GetIntegration(ctx, seed.TenantID, seed.IntegrationID)
		if err != nil {
			return "", err
		}
		return normalizePhoneNumber(integration.PhoneNumber)
	case seed.Platform == PlatformWeb:
		record, err := c.provisioning.GetIntegration(ctx, seed.TenantID, seed.IntegrationID)
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(record.ContactPoint) == "" {
			return "", fmt.Errorf("%w: contact point for integration %s", ErrNotFound, seed.IntegrationID)
		}
		return record.ContactPoint, nil
	default:
		integration, err := c.platform.GetIntegration(ctx, seed.TenantID, seed.IntegrationID)
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(integration.PageID) == "" {
			return "", fmt.Errorf("%w: page id for integration %s", ErrNotFound, seed.IntegrationID)
		}
		return integration.PageID, nil
	}
}

func validateSeed(seed CreateSeed) error {
	if strings.TrimSpace(seed.TenantID) == "" ||
		strings.TrimSpace(seed.CustomerID) == "" ||
		strings.TrimSpace(seed.MessageID) == "" ||
		seed.Platform == "" {
		return ErrInvalidInput
	}
	return nil
}
