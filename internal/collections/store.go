package collections

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	queryByID         = "id = ?"
	queryByParentPath = "parent_path = ?"
	queryChild        = "parent_path = ? AND name = ?"
	queryRoot         = "depth = ? AND name = ?"
)

// CacheInvalidator is notified after every committed collection write.
type CacheInvalidator interface {
	CollectionWritten(Collection)
}

// StoreConfig describes the dependencies of the collection tree store.
type StoreConfig struct {
	Database    *gorm.DB
	Invalidator CacheInvalidator
	Logger      *zap.Logger
}

// Store persists the collection tree. Every write it commits is reported to
// the configured invalidator so that cached lookups cannot outlive the row.
type Store struct {
	db          *gorm.DB
	invalidator CacheInvalidator
	logger      *zap.Logger
}

// NewStore validates the configuration and constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, "missing_database", errMissingDatabase)
	}
	if cfg.Invalidator == nil {
		return nil, newServiceError(opStoreNew, "missing_invalidator", errMissingInvalidator)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, invalidator: cfg.Invalidator, logger: logger}, nil
}

// Get loads a collection by primary key.
func (s *Store) Get(ctx context.Context, id uint64) (Collection, error) {
	var collection Collection
	err := s.db.WithContext(ctx).Where(queryByID, id).Take(&collection).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Collection{}, newServiceError(opGet, "not_found", ErrCollectionNotFound)
	}
	if err != nil {
		logError(s.logger, opGet, "query_failed", err, zap.Uint64("collection_id", id))
		return Collection{}, newServiceError(opGet, "query_failed", err)
	}
	return collection, nil
}

// FindRoot loads the top-level collection with the given name.
func (s *Store) FindRoot(ctx context.Context, name string) (Collection, error) {
	var collection Collection
	err := s.db.WithContext(ctx).Where(queryRoot, rootDepth, strings.TrimSpace(name)).Take(&collection).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Collection{}, newServiceError(opFindRoot, "not_found", ErrCollectionNotFound)
	}
	if err != nil {
		logError(s.logger, opFindRoot, "query_failed", err, zap.String("name", name))
		return Collection{}, newServiceError(opFindRoot, "query_failed", err)
	}
	return collection, nil
}

// FindChild loads the direct child of parent with the given name.
func (s *Store) FindChild(ctx context.Context, parent Collection, name string) (Collection, error) {
	var collection Collection
	err := s.db.WithContext(ctx).Where(queryChild, parent.Path, strings.TrimSpace(name)).Take(&collection).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Collection{}, newServiceError(opFindChild, "not_found", ErrCollectionNotFound)
	}
	if err != nil {
		logError(s.logger, opFindChild, "query_failed", err,
			zap.Uint64("parent_id", parent.ID),
			zap.String("name", name))
		return Collection{}, newServiceError(opFindChild, "query_failed", err)
	}
	return collection, nil
}

// Children lists the direct children of parent in creation order.
func (s *Store) Children(ctx context.Context, parent Collection) ([]Collection, error) {
	var children []Collection
	if err := s.db.WithContext(ctx).
		Where(queryByParentPath, parent.Path).
		Order("path ASC").
		Find(&children).Error; err != nil {
		logError(s.logger, opChildren, "query_failed", err, zap.Uint64("parent_id", parent.ID))
		return nil, newServiceError(opChildren, "query_failed", err)
	}
	return children, nil
}

// AddRoot creates a top-level collection. A concurrent creation of the same
// name yields ErrCollectionConflict.
func (s *Store) AddRoot(ctx context.Context, rawName string) (Collection, error) {
	name, err := NormalizeName(rawName)
	if err != nil {
		return Collection{}, newServiceError(opAddRoot, "invalid_name", err)
	}

	var created Collection
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		path, err := nextChildPath(tx, "")
		if err != nil {
			return err
		}
		created = Collection{Name: name, Path: path, ParentPath: "", Depth: rootDepth}
		return tx.Create(&created).Error
	})
	if txErr != nil {
		if isUniqueViolation(txErr) {
			return Collection{}, newServiceError(opAddRoot, "conflict", ErrCollectionConflict)
		}
		logError(s.logger, opAddRoot, "insert_failed", txErr, zap.String("name", name))
		return Collection{}, newServiceError(opAddRoot, "insert_failed", txErr)
	}

	s.invalidator.CollectionWritten(created)
	return created, nil
}

// AddChild creates a direct child of parent. The parent row is locked for the
// duration of the insert so that path steps are allocated one at a time.
func (s *Store) AddChild(ctx context.Context, parent Collection, rawName string) (Collection, error) {
	name, err := NormalizeName(rawName)
	if err != nil {
		return Collection{}, newServiceError(opAddChild, "invalid_name", err)
	}

	var created Collection
	var lockedParent Collection
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryByID, parent.ID).
			Take(&lockedParent).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrParentNotFound
		}
		if err != nil {
			return err
		}

		path, err := nextChildPath(tx, lockedParent.Path)
		if err != nil {
			return err
		}
		created = Collection{
			Name:       name,
			Path:       path,
			ParentPath: lockedParent.Path,
			Depth:      lockedParent.Depth + 1,
		}
		if err := tx.Create(&created).Error; err != nil {
			return err
		}
		lockedParent.NumChild++
		return tx.Model(&Collection{}).
			Where(queryByID, lockedParent.ID).
			UpdateColumn("numchild", gorm.Expr("numchild + 1")).Error
	})
	if txErr != nil {
		switch {
		case errors.Is(txErr, ErrParentNotFound):
			return Collection{}, newServiceError(opAddChild, "parent_not_found", ErrParentNotFound)
		case isUniqueViolation(txErr):
			return Collection{}, newServiceError(opAddChild, "conflict", ErrCollectionConflict)
		}
		logError(s.logger, opAddChild, "insert_failed", txErr,
			zap.Uint64("parent_id", parent.ID),
			zap.String("name", name))
		return Collection{}, newServiceError(opAddChild, "insert_failed", txErr)
	}

	s.invalidator.CollectionWritten(lockedParent)
	s.invalidator.CollectionWritten(created)
	return created, nil
}

// Rename changes the name of a collection, keeping its position in the tree.
func (s *Store) Rename(ctx context.Context, id uint64, rawName string) (Collection, error) {
	name, err := NormalizeName(rawName)
	if err != nil {
		return Collection{}, newServiceError(opRename, "invalid_name", err)
	}

	var before Collection
	var after Collection
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where(queryByID, id).Take(&before).Error
		if err != nil {
			return err
		}
		if err := tx.Model(&Collection{}).Where(queryByID, id).Update("name", name).Error; err != nil {
			return err
		}
		return tx.Where(queryByID, id).Take(&after).Error
	})
	if txErr != nil {
		switch {
		case errors.Is(txErr, gorm.ErrRecordNotFound):
			return Collection{}, newServiceError(opRename, "not_found", ErrCollectionNotFound)
		case isUniqueViolation(txErr):
			return Collection{}, newServiceError(opRename, "conflict", ErrCollectionConflict)
		}
		logError(s.logger, opRename, "update_failed", txErr, zap.Uint64("collection_id", id))
		return Collection{}, newServiceError(opRename, "update_failed", txErr)
	}

	s.invalidator.CollectionWritten(before)
	s.invalidator.CollectionWritten(after)
	return after, nil
}

// Delete removes a leaf collection and decrements its parent's child count.
func (s *Store) Delete(ctx context.Context, id uint64) error {
	var deleted Collection
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where(queryByID, id).Take(&deleted).Error
		if err != nil {
			return err
		}
		if deleted.NumChild > 0 {
			return ErrCollectionNotEmpty
		}
		if err := tx.Where(queryByID, id).Delete(&Collection{}).Error; err != nil {
			return err
		}
		if deleted.IsRoot() {
			return nil
		}
		return tx.Model(&Collection{}).
			Where("path = ? AND numchild > 0", deleted.ParentPath).
			UpdateColumn("numchild", gorm.Expr("numchild - 1")).Error
	})
	if txErr != nil {
		switch {
		case errors.Is(txErr, gorm.ErrRecordNotFound):
			return newServiceError(opDelete, "not_found", ErrCollectionNotFound)
		case errors.Is(txErr, ErrCollectionNotEmpty):
			return newServiceError(opDelete, "not_empty", ErrCollectionNotEmpty)
		}
		logError(s.logger, opDelete, "delete_failed", txErr, zap.Uint64("collection_id", id))
		return newServiceError(opDelete, "delete_failed", txErr)
	}

	s.invalidator.CollectionWritten(deleted)
	return nil
}

func nextChildPath(tx *gorm.DB, parentPath string) (string, error) {
	var last Collection
	position := int64(1)
	err := tx.Select("path").
		Where(queryByParentPath, parentPath).
		Order("path DESC").
		Take(&last).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
	case err != nil:
		return "", err
	default:
		step, err := decodeLastPathStep(last.Path)
		if err != nil {
			return "", err
		}
		position = step + 1
	}
	step, err := encodePathStep(position)
	if err != nil {
		return "", err
	}
	return parentPath + step, nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	message := err.Error()
	return strings.Contains(message, "UNIQUE constraint failed") ||
		strings.Contains(message, "duplicate key value")
}
