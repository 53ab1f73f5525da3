package relaychat

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// IntegrationRecord is owned by the provisioning CRUD handlers; the core only
// reads it, mainly for the inactivity timeout and contact-point resolution.
type IntegrationRecord struct {
	TenantID                string `json:"tenantId"`
	IntegrationID           string `json:"integrationId"`
	AppID                   string `json:"appId"`
	Type                    string `json:"type"`
	ClientDisconnectMinutes int    `json:"clientDisconnectMinutes,omitempty"`
	Active                  bool   `json:"active"`
	ContactPoint            string `json:"contactPoint,omitempty"`
}

type ProvisioningStore interface {
	GetIntegration(ctx context.Context, tenantID, integrationID string) (IntegrationRecord, error)
}

const provisioningTableName = "relaychat_integrations"

type SQLProvisioningStore struct {
	driver    string
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewSQLProvisioningStore(driver, dsn string) (*SQLProvisioningStore, error) {
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
	return &SQLProvisioningStore{
		driver:    driver,
		dsn:       dsn,
		tableName: provisioningTableName,
		openDB:    sql.Open,
	}, nil
}

func (s *SQLProvisioningStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB(s.driver, s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *SQLProvisioningStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLProvisioningStore) GetIntegration(ctx context.Context, tenantID, integrationID string) (IntegrationRecord, error) {
	if strings.TrimSpace(tenantID) == "" || strings.TrimSpace(integrationID) == "" {
		return IntegrationRecord{}, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return IntegrationRecord{}, err
	}
	query := fmt.Sprintf(`
		SELECT app_id, type, client_disconnect_minutes, active, contact_point
		FROM %s WHERE tenant_id = $1 AND integration_id = $2`, quoteIdentifier(s.tableName))
	if s.driver != "postgres" {
		query = strings.NewReplacer("$1", "?", "$2", "?").Replace(query)
	}
	record := IntegrationRecord{TenantID: tenantID, IntegrationID: integrationID}
	err := s.db.QueryRowContext(ctx, query, tenantID, integrationID).Scan(
		&record.AppID,
		&record.Type,
		&record.ClientDisconnectMinutes,
		&record.Active,
		&record.ContactPoint,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return IntegrationRecord{}, fmt.Errorf("%w: integration %s/%s", ErrNotFound, tenantID, integrationID)
	}
	if err != nil {
		return IntegrationRecord{}, err
	}
	return record, nil
}

type fileProvisioningState struct {
	Integrations []IntegrationRecord `json:"integrations"`
}

// FileProvisioningStore reads integration records from a JSON file and hot
// reloads it when the file changes, so provisioning edits land without a
// restart in single-node profiles.
type FileProvisioningStore struct {
	path    string
	logger  *slog.Logger
	watcher *fsnotify.Watcher

	mu      sync.RWMutex
	records map[string]IntegrationRecord
}

func NewFileProvisioningStore(path string, logger *slog.Logger) (*FileProvisioningStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &FileProvisioningStore{
		path:    path,
		logger:  logger,
		records: map[string]IntegrationRecord{},
	}
	if err := s.reload(); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors replace the file, which drops the watch on
	// the inode itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	s.watcher = watcher
	go s.watchLoop()
	return s, nil
}

func (s *FileProvisioningStore) watchLoop() {
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := s.reload(); err != nil {
				s.logger.Warn("provisioning reload failed", slog.String("path", s.path), slog.Any("error", err))
				continue
			}
			s.logger.Info("provisioning reloaded", slog.String("path", s.path))
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("provisioning watcher error", slog.Any("error", err))
		}
	}
}

func (s *FileProvisioningStore) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.mu.Lock()
			s.records = map[string]IntegrationRecord{}
			s.mu.Unlock()
			return nil
		}
		return err
	}
	var state fileProvisioningState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	records := make(map[string]IntegrationRecord, len(state.Integrations))
	for _, record := range state.Integrations {
		if strings.TrimSpace(record.TenantID) == "" || strings.TrimSpace(record.IntegrationID) == "" {
			continue
		}
		records[provisioningKey(record.TenantID, record.IntegrationID)] = record
	}
	s.mu.Lock()
	s.records = records
	s.mu.Unlock()
	return nil
}

func (s *FileProvisioningStore) GetIntegration(ctx context.Context, tenantID, integrationID string) (IntegrationRecord, error) {
	if strings.TrimSpace(tenantID) == "" || strings.TrimSpace(integrationID) == "" {
		return IntegrationRecord{}, ErrInvalidInput
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[provisioningKey(tenantID, integrationID)]
	if !ok {
		return IntegrationRecord{}, fmt.Errorf("%w: integration %s/%s", ErrNotFound, tenantID, integrationID)
	}
	return record, nil
}

func (s *FileProvisioningStore) Close() error {
	if s == nil || s.watcher == nil {
		return nil
	}
	return s.watcher.Close()
}

func provisioningKey(tenantID, integrationID string) string {
	return strings.TrimSpace(tenantID) + "|" + strings.TrimSpace(integrationID)
}

// BuildProvisioningStoreFromDSN selects a provisioning source by DSN scheme.
func BuildProvisioningStoreFromDSN(dsn string, logger *slog.Logger) (ProvisioningStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "", "file":
		return NewFileProvisioningStore(sqliteDSNPath(parsed, dsn), logger)
	case "postgres", "postgresql":
		return NewSQLProvisioningStore("postgres", dsn)
	case "sqlite", "sqlite3":
		return NewSQLProvisioningStore("sqlite", sqliteDSNPath(parsed, dsn))
	default:
		return nil, fmt.Errorf("unsupported provisioning store scheme: %s", scheme)
	}
}
