// Package persistence stores document state across restarts: one compacted
// snapshot per document plus an append-only update log covering edits made
// since that snapshot. Rehydration applies the snapshot and replays the log;
// saving a fresh snapshot prunes the log it supersedes.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingResourceID = errors.New("resource identifier is required")
	errEmptyPayload      = errors.New("payload is required")
)

const (
	opLoad         = "persistence.load"
	opAppendUpdate = "persistence.append_update"
	opSaveSnapshot = "persistence.save_snapshot"

	fieldResourceID = "resource_id"
	queryResourceID = fieldResourceID + " = ?"
)

// StoreError carries a machine-readable operation.reason code alongside the
// underlying cause.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason identifier.
func (e *StoreError) Code() string {
	return e.code
}

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// DocumentSnapshot stores the latest compacted state per document.
type DocumentSnapshot struct {
	ResourceID     string `gorm:"column:resource_id;primaryKey;size:190;not null"`
	Payload        []byte `gorm:"column:payload;type:blob;not null"`
	SavedAtSeconds int64  `gorm:"column:saved_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DocumentSnapshot) TableName() string {
	return "doc_snapshots"
}

// DocumentUpdate stores one update applied after the last snapshot.
type DocumentUpdate struct {
	UpdateID         int64  `gorm:"column:update_id;primaryKey;autoIncrement"`
	ResourceID       string `gorm:"column:resource_id;size:190;not null;index:idx_doc_updates_resource"`
	Payload          []byte `gorm:"column:payload;type:blob;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DocumentUpdate) TableName() string {
	return "doc_updates"
}

// StoreConfig describes the dependencies of the document store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store persists document snapshots and update logs.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore constructs the document store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError("persistence.store.new", "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	fields = append(fields, zap.String("operation", operation), zap.String("reason", reason), zap.Error(err))
	s.logger.Error("persistence operation failed", fields...)
}

// DocumentState is what Load returns: the latest snapshot, if any, and every
// update appended after it in application order.
type DocumentState struct {
	Snapshot []byte
	Updates  [][]byte
}

// Empty reports whether the document has no persisted state at all.
func (state DocumentState) Empty() bool {
	return state.Snapshot == nil && len(state.Updates) == 0
}

// Load reads the persisted state of one document. A document that has never
// been saved yields an empty state, not an error.
func (s *Store) Load(ctx context.Context, resourceID string) (DocumentState, error) {
	if resourceID == "" {
		return DocumentState{}, newStoreError(opLoad, "missing_resource_id", errMissingResourceID)
	}

	state := DocumentState{}

	var snapshot DocumentSnapshot
	err := s.db.WithContext(ctx).
		Where(queryResourceID, resourceID).
		Take(&snapshot).
		Error
	switch {
	case err == nil:
		state.Snapshot = snapshot.Payload
	case errors.Is(err, gorm.ErrRecordNotFound):
		// First hydration of a fresh document.
	default:
		s.logError(opLoad, "snapshot_query_failed", err, zap.String(fieldResourceID, resourceID))
		return DocumentState{}, newStoreError(opLoad, "snapshot_query_failed", err)
	}

	var updates []DocumentUpdate
	if err := s.db.WithContext(ctx).
		Where(queryResourceID, resourceID).
		Order("update_id ASC").
		Find(&updates).
		Error; err != nil {
		s.logError(opLoad, "update_query_failed", err, zap.String(fieldResourceID, resourceID))
		return DocumentState{}, newStoreError(opLoad, "update_query_failed", err)
	}
	for _, update := range updates {
		state.Updates = append(state.Updates, update.Payload)
	}
	return state, nil
}

// AppendUpdate adds one update to the document's log.
func (s *Store) AppendUpdate(ctx context.Context, resourceID string, payload []byte) error {
	if resourceID == "" {
		return newStoreError(opAppendUpdate, "missing_resource_id", errMissingResourceID)
	}
	if len(payload) == 0 {
		return newStoreError(opAppendUpdate, "empty_payload", errEmptyPayload)
	}

	record := DocumentUpdate{
		ResourceID:       resourceID,
		Payload:          append([]byte(nil), payload...),
		AppliedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logError(opAppendUpdate, "insert_failed", err, zap.String(fieldResourceID, resourceID))
		return newStoreError(opAppendUpdate, "insert_failed", err)
	}
	return nil
}

// SaveSnapshot replaces the document's snapshot and prunes the update log it
// supersedes, atomically. The snapshot payload must already cover every
// logged update; the caller encodes it from the live document.
func (s *Store) SaveSnapshot(ctx context.Context, resourceID string, payload []byte) error {
	if resourceID == "" {
		return newStoreError(opSaveSnapshot, "missing_resource_id", errMissingResourceID)
	}
	if len(payload) == 0 {
		return newStoreError(opSaveSnapshot, "empty_payload", errEmptyPayload)
	}

	record := DocumentSnapshot{
		ResourceID:     resourceID,
		Payload:        append([]byte(nil), payload...),
		SavedAtSeconds: s.clock().UTC().Unix(),
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: fieldResourceID}},
			UpdateAll: true,
		}).Create(&record).Error; err != nil {
			return err
		}
		return tx.Where(queryResourceID, resourceID).Delete(&DocumentUpdate{}).Error
	})
	if err != nil {
		s.logError(opSaveSnapshot, "upsert_failed", err, zap.String(fieldResourceID, resourceID))
		return newStoreError(opSaveSnapshot, "upsert_failed", err)
	}
	return nil
}

// SaveSnapshotWithRetry retries SaveSnapshot with exponential backoff. It is
// used on the room teardown path where losing the final flush would lose
// edits.
func (s *Store) SaveSnapshotWithRetry(ctx context.Context, resourceID string, payload []byte, attempts int, backoff time.Duration) error {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = s.SaveSnapshot(ctx, resourceID, payload)
		if lastErr == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		s.logger.Warn("snapshot save failed, retrying",
			zap.String(fieldResourceID, resourceID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(lastErr))
		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return lastErr
}
