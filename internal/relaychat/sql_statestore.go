package relaychat

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	stateTableName      = "relaychat_state"
	sqlOperationTimeout = 5 * time.Second
	defaultRowTTL       = 72 * time.Hour
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// SQLStateStore implements StateStore on database/sql. The same statements run
// against postgres (lib/pq) and sqlite (modernc); only the placeholder style
// differs.
type SQLStateStore struct {
	driver    string
	dsn       string
	tableName string
	rowTTL    time.Duration
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewSQLStateStore(driver, dsn string) (*SQLStateStore, error) {
	driver = strings.TrimSpace(driver)
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	switch driver {
	case "postgres", "sqlite":
	default:
		return nil, fmt.Errorf("%w: sql driver %q", ErrInvalidInput, driver)
	}
	return &SQLStateStore{
		driver:    driver,
		dsn:       dsn,
		tableName: stateTableName,
		rowTTL:    defaultRowTTL,
		openDB:    sql.Open,
	}, nil
}

func (s *SQLStateStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB(s.driver, s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				customer_id TEXT PRIMARY KEY,
				interaction_id TEXT NOT NULL DEFAULT '',
				creating_message_id TEXT NOT NULL DEFAULT '',
				collect_actions TEXT NOT NULL DEFAULT '[]',
				latest_customer_message_ms BIGINT NOT NULL DEFAULT 0,
				latest_agent_message_ms BIGINT NOT NULL DEFAULT 0,
				latest_session_ms BIGINT NOT NULL DEFAULT 0,
				ttl_epoch_seconds BIGINT NOT NULL DEFAULT 0
			)`, quoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *SQLStateStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// rebind rewrites $N placeholders for sqlite, which only takes ?.
func (s *SQLStateStore) rebind(query string) string {
	if s.driver == "postgres" {
		return query
	}
	var b strings.Builder
	for i := 0; i < len(query); i++ {
		if query[i] != '$' {
			b.WriteByte(query[i])
			continue
		}
		j := i + 1
		for j < len(query) && query[j] >= '0' && query[j] <= '9' {
			j++
		}
		if j == i+1 {
			b.WriteByte(query[i])
			continue
		}
		b.WriteByte('?')
		i = j - 1
	}
	return b.String()
}

func (s *SQLStateStore) Get(ctx context.Context, customerID string) (StateRow, bool, error) {
	if strings.TrimSpace(customerID) == "" {
		return StateRow{}, false, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return StateRow{}, false, err
	}
	query := s.rebind(fmt.Sprintf(`
		SELECT interaction_id, creating_message_id, collect_actions,
			latest_customer_message_ms, latest_agent_message_ms, latest_session_ms, ttl_epoch_seconds
		FROM %s WHERE customer_id = $1`, quoteIdentifier(s.tableName)))
	row := StateRow{CustomerID: customerID}
	var actionsJSON string
	err := s.db.QueryRowContext(ctx, query, customerID).Scan(
		&row.InteractionID,
		&row.CreatingMessageID,
		&actionsJSON,
		&row.LatestCustomerMessageMs,
		&row.LatestAgentMessageMs,
		&row.LatestSessionMs,
		&row.TTL,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return StateRow{}, false, nil
	}
	if err != nil {
		return StateRow{}, false, err
	}
	if strings.TrimSpace(actionsJSON) != "" {
		if err := json.Unmarshal([]byte(actionsJSON), &row.CollectActions); err != nil {
			return StateRow{}, false, fmt.Errorf("corrupt collect actions for %s: %w", customerID, err)
		}
	}
	return row, true, nil
}

func (s *SQLStateStore) ReserveCreate(ctx context.Context, customerID, messageID string) (CreateOutcome, error) {
	if strings.TrimSpace(customerID) == "" || strings.TrimSpace(messageID) == "" {
		return CreateOutcomeLostRace, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return CreateOutcomeLostRace, err
	}
	ttl := time.Now().Add(s.rowTTL).Unix()
	insert := s.rebind(fmt.Sprintf(`
		INSERT INTO %s (customer_id, creating_message_id, ttl_epoch_seconds)
		VALUES ($1, $2, $3)
		ON CONFLICT (customer_id) DO NOTHING`, quoteIdentifier(s.tableName)))
	res, err := s.db.ExecContext(ctx, insert, customerID, messageID, ttl)
	if err != nil {
		return CreateOutcomeLostRace, err
	}
	if affected, _ := res.RowsAffected(); affected == 1 {
		return CreateOutcomeCreated, nil
	}

	// Row exists. Re-acquiring our own unfinalized placeholder is the only
	// update that may succeed.
	retry := s.rebind(fmt.Sprintf(`
		UPDATE %s SET ttl_epoch_seconds = $3
		WHERE customer_id = $1 AND interaction_id = '' AND creating_message_id = $2`,
		quoteIdentifier(s.tableName)))
	res, err = s.db.ExecContext(ctx, retry, customerID, messageID, ttl)
	if err != nil {
		return CreateOutcomeLostRace, err
	}
	if affected, _ := res.RowsAffected(); affected == 1 {
		return CreateOutcomeCreated, nil
	}

	existing, ok, err := s.Get(ctx, customerID)
	if err != nil {
		return CreateOutcomeLostRace, err
	}
	if ok && existing.HasLiveInteraction() {
		return CreateOutcomeAlreadyExists, nil
	}
	return CreateOutcomeLostRace, nil
}

func (s *SQLStateStore) ReserveRecreate(ctx context.Context, customerID, messageID, staleInteractionID string) (CreateOutcome, error) {
	if strings.TrimSpace(customerID) == "" || strings.TrimSpace(messageID) == "" || strings.TrimSpace(staleInteractionID) == "" {
		return CreateOutcomeLostRace, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return CreateOutcomeLostRace, err
	}
	query := s.rebind(fmt.Sprintf(`
		UPDATE %s SET interaction_id = $4, creating_message_id = $2
		WHERE customer_id = $1
		AND (interaction_id = $3 OR (interaction_id = $4 AND creating_message_id = $2))`,
		quoteIdentifier(s.tableName)))
	res, err := s.db.ExecContext(ctx, query, customerID, messageID, staleInteractionID, DisconnectedSentinel)
	if err != nil {
		return CreateOutcomeLostRace, err
	}
	if affected, _ := res.RowsAffected(); affected == 1 {
		return CreateOutcomeCreated, nil
	}
	return CreateOutcomeLostRace, nil
}

func (s *SQLStateStore) Finalize(ctx context.Context, customerID, messageID, interactionID string) error {
	if strings.TrimSpace(customerID) == "" || strings.TrimSpace(messageID) == "" || strings.TrimSpace(interactionID) == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	query := s.rebind(fmt.Sprintf(`
		UPDATE %s SET interaction_id = $3, creating_message_id = '', collect_actions = '[]', ttl_epoch_seconds = $4
		WHERE customer_id = $1 AND creating_message_id = $2
		AND (interaction_id = '' OR interaction_id = $5)`,
		quoteIdentifier(s.tableName)))
	res, err := s.db.ExecContext(ctx, query, customerID, messageID, interactionID,
		time.Now().Add(s.rowTTL).Unix(), DisconnectedSentinel)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected != 1 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStateStore) UpdateActivity(ctx context.Context, customerID string, field ActivityField, epochMs int64) error {
	if strings.TrimSpace(customerID) == "" {
		return ErrInvalidInput
	}
	switch field {
	case ActivityCustomerMessage, ActivityAgentMessage, ActivitySession:
	default:
		return fmt.Errorf("%w: activity field %q", ErrInvalidInput, field)
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	query := s.rebind(fmt.Sprintf(
		"UPDATE %s SET %s = $2 WHERE customer_id = $1",
		quoteIdentifier(s.tableName), quoteIdentifier(string(field))))
	res, err := s.db.ExecContext(ctx, query, customerID, epochMs)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected != 1 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStateStore) SetCollectActions(ctx context.Context, customerID string, actions []CollectAction) error {
	if strings.TrimSpace(customerID) == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	if actions == nil {
		actions = []CollectAction{}
	}
	payload, err := json.Marshal(actions)
	if err != nil {
		return err
	}
	query := s.rebind(fmt.Sprintf(
		"UPDATE %s SET collect_actions = $2 WHERE customer_id = $1",
		quoteIdentifier(s.tableName)))
	res, err := s.db.ExecContext(ctx, query, customerID, string(payload))
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected != 1 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStateStore) Delete(ctx context.Context, customerID, ifInteractionID string) (bool, error) {
	if strings.TrimSpace(customerID) == "" {
		return false, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return false, err
	}
	query := s.rebind(fmt.Sprintf(
		"DELETE FROM %s WHERE customer_id = $1 AND interaction_id = $2",
		quoteIdentifier(s.tableName)))
	res, err := s.db.ExecContext(ctx, query, customerID, ifInteractionID)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected == 1, nil
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
