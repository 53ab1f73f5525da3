package relaychat

import (
	"context"
	"errors"
	"log/slog"
)

// Prober verifies an interaction believed to be live really is before a
// message gets routed to it, and drives recreation when it is not.
type Prober struct {
	api     InteractionAPI
	creator *Creator
	logger  *slog.Logger
}

func NewProber(api InteractionAPI, creator *Creator, logger *slog.Logger) *Prober {
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{api: api, creator: creator, logger: logger}
}

// EnsureLive heartbeats the interaction. On "not found" it sends a
// best-effort disconnect interrupt and recreates the interaction seeded by
// the current message. ok=false means this caller lost the recreation race
// and must drop the attempt silently; any other failure propagates.
func (p *Prober) EnsureLive(ctx context.Context, seed CreateSeed, interactionID string) (string, bool, error) {
	err := p.api.SendInterrupt(ctx, interactionID, Interrupt{Type: InterruptHeartbeat})
	if err == nil {
		return interactionID, true, nil
	}
	if !errors.Is(err, ErrInteractionNotFound) {
		return "", false, err
	}

	p.logger.Info("interaction stale, recreating",
		slog.String("customerId", seed.CustomerID),
		slog.String("interactionId", interactionID),
	)
	if interruptErr := p.api.SendInterrupt(ctx, interactionID, Interrupt{
		Type:   InterruptDisconnect,
		Reason: "stale",
	}); interruptErr != nil && !errors.Is(interruptErr, ErrInteractionNotFound) {
		p.logger.Warn("stale disconnect interrupt failed",
			slog.String("interactionId", interactionID),
			slog.Any("error", interruptErr),
		)
	}

	result, err := p.creator.Recreate(ctx, seed, interactionID)
	if err != nil {
		return "", false, err
	}
	if result.Outcome != CreateOutcomeCreated {
		return "", false, nil
	}
	return result.InteractionID, true, nil
}
