package relaychat

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
)

// StateStore is the system's only concurrency-control primitive. Writes that
// establish or tear down an interaction are conditional; a failed condition is
// a normal negative branch for the caller, never something to retry blindly.
type StateStore interface {
	// Get returns the row for a customer, or ok=false when none exists.
	Get(ctx context.Context, customerID string) (StateRow, bool, error)

	// ReserveCreate writes a placeholder row {customerID, creatingMessageID}
	// when the row is absent, or re-acquires it when the existing row has no
	// interaction id and the same creating message id (a retry of the same
	// attempt). A row with a live interaction yields AlreadyExists; any other
	// contender yields LostRace.
	ReserveCreate(ctx context.Context, customerID, messageID string) (CreateOutcome, error)

	// ReserveRecreate fences recreation of a stale interaction: it swaps the
	// known-dead interaction id for the disconnected sentinel and records the
	// seeding message id. Only the holder of staleInteractionID (or a retry of
	// the same message) wins; everyone else loses the race.
	ReserveRecreate(ctx context.Context, customerID, messageID, staleInteractionID string) (CreateOutcome, error)

	// Finalize sets the real interaction id and resets collect actions. It is
	// fenced on the creating message id and fails with ErrNotFound when the
	// placeholder is gone or owned by someone else.
	Finalize(ctx context.Context, customerID, messageID, interactionID string) error

	// UpdateActivity is unconditional last-write-wins telemetry.
	UpdateActivity(ctx context.Context, customerID string, field ActivityField, epochMs int64) error

	// SetCollectActions replaces the pending collect-action list.
	SetCollectActions(ctx context.Context, customerID string, actions []CollectAction) error

	// Delete removes the row only while its interaction id still equals
	// ifInteractionID (which may be "" for an unfinalized placeholder or the
	// disconnected sentinel). Returns false when the row was already gone or
	// has moved on.
	Delete(ctx context.Context, customerID, ifInteractionID string) (bool, error)
}

type memoryStateStore struct {
	mu   sync.Mutex
	rows map[string]StateRow
}

// NewMemoryStateStore returns an in-process store with the same conditional
// semantics as the SQL store. Used by the memory backend profile and tests.
func NewMemoryStateStore() StateStore {
	return &memoryStateStore{rows: map[string]StateRow{}}
}

func (s *memoryStateStore) Get(ctx context.Context, customerID string) (StateRow, bool, error) {
	if strings.TrimSpace(customerID) == "" {
		return StateRow{}, false, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[customerID]
	if !ok {
		return StateRow{}, false, nil
	}
	return cloneRow(row), true, nil
}

func (s *memoryStateStore) ReserveCreate(ctx context.Context, customerID, messageID string) (CreateOutcome, error) {
	if strings.TrimSpace(customerID) == "" || strings.TrimSpace(messageID) == "" {
		return CreateOutcomeLostRace, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[customerID]
	if !ok {
		s.rows[customerID] = StateRow{CustomerID: customerID, CreatingMessageID: messageID}
		return CreateOutcomeCreated, nil
	}
	if row.HasLiveInteraction() {
		return CreateOutcomeAlreadyExists, nil
	}
	if row.InteractionID == "" && row.CreatingMessageID == messageID {
		return CreateOutcomeCreated, nil
	}
	return CreateOutcomeLostRace, nil
}

func (s *memoryStateStore) ReserveRecreate(ctx context.Context, customerID, messageID, staleInteractionID string) (CreateOutcome, error) {
	if strings.TrimSpace(customerID) == "" || strings.TrimSpace(messageID) == "" || strings.TrimSpace(staleInteractionID) == "" {
		return CreateOutcomeLostRace, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[customerID]
	if !ok {
		return CreateOutcomeLostRace, nil
	}
	if row.InteractionID == staleInteractionID {
		row.InteractionID = DisconnectedSentinel
		row.CreatingMessageID = messageID
		s.rows[customerID] = row
		return CreateOutcomeCreated, nil
	}
	if row.InteractionID == DisconnectedSentinel && row.CreatingMessageID == messageID {
		return CreateOutcomeCreated, nil
	}
	return CreateOutcomeLostRace, nil
}

func (s *memoryStateStore) Finalize(ctx context.Context, customerID, messageID, interactionID string) error {
	if strings.TrimSpace(customerID) == "" || strings.TrimSpace(messageID) == "" || strings.TrimSpace(interactionID) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[customerID]
	if !ok || row.CreatingMessageID != messageID {
		return ErrNotFound
	}
	row.InteractionID = interactionID
	row.CreatingMessageID = ""
	row.CollectActions = nil
	s.rows[customerID] = row
	return nil
}

func (s *memoryStateStore) UpdateActivity(ctx context.Context, customerID string, field ActivityField, epochMs int64) error {
	if strings.TrimSpace(customerID) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[customerID]
	if !ok {
		return ErrNotFound
	}
	switch field {
	case ActivityCustomerMessage:
		row.LatestCustomerMessageMs = epochMs
	case ActivityAgentMessage:
		row.LatestAgentMessageMs = epochMs
	case ActivitySession:
		row.LatestSessionMs = epochMs
	default:
		return fmt.Errorf("%w: activity field %q", ErrInvalidInput, field)
	}
	s.rows[customerID] = row
	return nil
}

func (s *memoryStateStore) SetCollectActions(ctx context.Context, customerID string, actions []CollectAction) error {
	if strings.TrimSpace(customerID) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[customerID]
	if !ok {
		return ErrNotFound
	}
	row.CollectActions = append([]CollectAction(nil), actions...)
	s.rows[customerID] = row
	return nil
}

func (s *memoryStateStore) Delete(ctx context.Context, customerID, ifInteractionID string) (bool, error) {
	if strings.TrimSpace(customerID) == "" {
		return false, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[customerID]
	if !ok || row.InteractionID != ifInteractionID {
		return false, nil
	}
	delete(s.rows, customerID)
	return true, nil
}

func cloneRow(row StateRow) StateRow {
	row.CollectActions = append([]CollectAction(nil), row.CollectActions...)
	return row
}

// BuildStateStoreFromDSN selects a state store by DSN scheme, mirroring the
// backend profiles the deployment env wires up.
func BuildStateStoreFromDSN(dsn string) (StateStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryStateStore(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "", "memory", "mem", "inmem":
		return NewMemoryStateStore(), nil
	case "postgres", "postgresql":
		return NewSQLStateStore("postgres", dsn)
	case "sqlite", "sqlite3":
		return NewSQLStateStore("sqlite", sqliteDSNPath(parsed, dsn))
	case "mysql", "dynamodb":
		return nil, fmt.Errorf("%w: state store backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported state store scheme: %s", scheme)
	}
}

func sqliteDSNPath(parsed *url.URL, raw string) string {
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return raw
	}
	return path
}
