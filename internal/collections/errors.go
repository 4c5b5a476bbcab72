package collections

import (
	"errors"

	"github.com/MarcoPoloResearchLab/filerobot/internal/serviceerror"
	"go.uber.org/zap"
)

var (
	// ErrAuthenticationRequired indicates that a per-user collection was requested without an authenticated user.
	ErrAuthenticationRequired = errors.New("collections: authentication required")
	// ErrConfigurationMissing indicates that the namespace root collection has not been provisioned.
	ErrConfigurationMissing = errors.New("collections: namespace root collection is missing")
	// ErrCollectionNotFound indicates that a collection lookup matched nothing.
	ErrCollectionNotFound = errors.New("collections: collection not found")
	// ErrParentNotFound indicates that a child was added under a collection that no longer exists.
	ErrParentNotFound = errors.New("collections: parent collection not found")
	// ErrCollectionConflict indicates that a concurrent writer created the same collection first.
	ErrCollectionConflict = errors.New("collections: collection already exists")
	// ErrCollectionNotEmpty indicates an attempt to delete a collection that still has children.
	ErrCollectionNotEmpty = errors.New("collections: collection has children")

	errMissingDatabase    = errors.New("database handle is required")
	errMissingInvalidator = errors.New("cache invalidator is required")
	errMissingTree        = errors.New("collection tree is required")
	errMissingCache       = errors.New("collection cache is required")
	noOpLogger            = zap.NewNop()
)

const (
	opStoreNew        = "collections.store.new"
	opGet             = "collections.get"
	opFindRoot        = "collections.find_root"
	opFindChild       = "collections.find_child"
	opChildren        = "collections.children"
	opAddRoot         = "collections.add_root"
	opAddChild        = "collections.add_child"
	opRename          = "collections.rename"
	opDelete          = "collections.delete"
	opResolverNew     = "collections.resolver.new"
	opResolveRoot     = "collections.resolve_namespace_root"
	opResolveUser     = "collections.resolve_user_collection"
	opResolveOriginal = "collections.resolve_originals_collection"
	opProvision       = "collections.provision"
)

func newServiceError(operation, reason string, cause error) error {
	return serviceerror.New(operation, reason, cause)
}

func logError(logger *zap.Logger, operation, reason string, err error, fields ...zap.Field) {
	if logger == nil {
		logger = noOpLogger
	}
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	logger.Error("collections service error", attrs...)
}
