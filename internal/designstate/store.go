package designstate

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/filerobot/internal/serviceerror"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrInvalidAssetID indicates a zero asset identifier.
	ErrInvalidAssetID = errors.New("designstate: invalid asset id")
	// ErrEmptyState indicates an empty design state blob.
	ErrEmptyState = errors.New("designstate: empty state")

	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

const (
	opStoreNew = "designstate.store.new"
	opLatest   = "designstate.latest"
	opUpsert   = "designstate.upsert"

	latestOrder = "updated_at_ms DESC, id DESC"
)

// StoreConfig describes the dependencies of the design state store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store persists editor design states.
type Store struct {
	db            *gorm.DB
	clock         func() time.Time
	logger        *zap.Logger
	inTransaction bool
}

// NewStore validates the configuration and constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, serviceerror.New(opStoreNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// WithTransaction returns a copy of the store bound to an open transaction.
func (s *Store) WithTransaction(tx *gorm.DB) *Store {
	scoped := *s
	scoped.db = tx
	scoped.inTransaction = true
	return &scoped
}

// Latest returns the current design state of an asset. The boolean is false
// when the asset has none.
func (s *Store) Latest(ctx context.Context, assetID uint64) (Record, bool, error) {
	if assetID == 0 {
		return Record{}, false, serviceerror.New(opLatest, "invalid_asset_id", ErrInvalidAssetID)
	}
	var record Record
	err := s.db.WithContext(ctx).
		Where("asset_id = ?", assetID).
		Order(latestOrder).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		s.logError(opLatest, "query_failed", err, zap.Uint64("asset_id", assetID))
		return Record{}, false, serviceerror.New(opLatest, "query_failed", err)
	}
	return record, true, nil
}

// Upsert stores state as the asset's current design state. It overwrites the
// current record when one exists; updated_at_ms never moves backwards.
func (s *Store) Upsert(ctx context.Context, assetID uint64, state string) (Record, error) {
	if assetID == 0 {
		return Record{}, serviceerror.New(opUpsert, "invalid_asset_id", ErrInvalidAssetID)
	}
	if strings.TrimSpace(state) == "" {
		return Record{}, serviceerror.New(opUpsert, "empty_state", ErrEmptyState)
	}

	var saved Record
	err := s.run(ctx, func(tx *gorm.DB) error {
		nowMs := s.clock().UTC().UnixMilli()
		var current Record
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("asset_id = ?", assetID).
			Order(latestOrder).
			Take(&current).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			saved = Record{AssetID: assetID, State: state, CreatedAtMs: nowMs, UpdatedAtMs: nowMs}
			return tx.Create(&saved).Error
		}
		if err != nil {
			return err
		}

		saved = current
		saved.State = state
		saved.UpdatedAtMs = max(nowMs, current.UpdatedAtMs)
		return tx.Model(&Record{}).
			Where("id = ?", current.ID).
			Updates(map[string]interface{}{
				"state":         saved.State,
				"updated_at_ms": saved.UpdatedAtMs,
			}).Error
	})
	if err != nil {
		s.logError(opUpsert, "write_failed", err, zap.Uint64("asset_id", assetID))
		return Record{}, serviceerror.New(opUpsert, "write_failed", err)
	}
	return saved, nil
}

func (s *Store) run(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if s.inTransaction {
		return fn(s.db.WithContext(ctx))
	}
	return s.db.WithContext(ctx).Transaction(fn)
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("design state store error", attrs...)
}
