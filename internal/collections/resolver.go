package collections

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/filerobot/internal/metrics"
	"github.com/MarcoPoloResearchLab/filerobot/internal/users"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	maxCreateAttempts = 3

	purposeUser      = "user"
	purposeOriginals = "originals"
	purposeRoot      = "root"
)

// Tree is the subset of the store the resolver needs.
type Tree interface {
	FindRoot(ctx context.Context, name string) (Collection, error)
	FindChild(ctx context.Context, parent Collection, name string) (Collection, error)
	AddRoot(ctx context.Context, name string) (Collection, error)
	AddChild(ctx context.Context, parent Collection, name string) (Collection, error)
}

// ResolverConfig describes the dependencies of the collection resolver.
type ResolverConfig struct {
	Tree          Tree
	Cache         Cache
	NamespaceName string
	OriginalsName string
	Logger        *zap.Logger
	Metrics       *metrics.Recorder
}

// Resolver maps requests to the namespace root, per-user and originals
// collections, creating the latter two on first use.
type Resolver struct {
	tree          Tree
	cache         Cache
	namespaceName string
	originalsName string
	logger        *zap.Logger
	recorder      *metrics.Recorder
	creations     singleflight.Group
}

// NewResolver validates the configuration and constructs a Resolver.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if cfg.Tree == nil {
		return nil, newServiceError(opResolverNew, "missing_tree", errMissingTree)
	}
	if cfg.Cache == nil {
		return nil, newServiceError(opResolverNew, "missing_cache", errMissingCache)
	}
	namespaceName, err := NormalizeName(cfg.NamespaceName)
	if err != nil {
		return nil, newServiceError(opResolverNew, "invalid_namespace_name", err)
	}
	originalsName, err := NormalizeName(cfg.OriginalsName)
	if err != nil {
		return nil, newServiceError(opResolverNew, "invalid_originals_name", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Resolver{
		tree:          cfg.Tree,
		cache:         cfg.Cache,
		namespaceName: namespaceName,
		originalsName: originalsName,
		logger:        logger,
		recorder:      cfg.Metrics,
	}, nil
}

// ResolveNamespaceRoot returns the configured top-level collection, serving
// it from the cache when possible.
func (r *Resolver) ResolveNamespaceRoot(ctx context.Context) (Collection, error) {
	if cached, ok := r.cache.Get(); ok {
		return cached, nil
	}

	generation := r.cache.Generation()
	root, err := r.tree.FindRoot(ctx, r.namespaceName)
	if errors.Is(err, ErrCollectionNotFound) {
		logError(r.logger, opResolveRoot, "namespace_missing", err, zap.String("name", r.namespaceName))
		return Collection{}, newServiceError(opResolveRoot, "namespace_missing",
			fmt.Errorf("%w: %q", ErrConfigurationMissing, r.namespaceName))
	}
	if err != nil {
		return Collection{}, err
	}

	r.cache.SetIfUnchanged(root, generation)
	return root, nil
}

// ResolveUserCollection returns the caller's collection under the namespace
// root, creating it on first use. Concurrent first uses create one row.
func (r *Resolver) ResolveUserCollection(ctx context.Context, principal users.Principal) (Collection, error) {
	if !principal.IsAuthenticated() {
		return Collection{}, newServiceError(opResolveUser, "unauthenticated", ErrAuthenticationRequired)
	}
	username := strings.TrimSpace(principal.Username)

	collection, err := r.resolveUnderRoot(ctx, username)
	if errors.Is(err, ErrParentNotFound) {
		r.logger.Info("namespace root vanished during resolution; retrying",
			zap.String("operation", opResolveUser),
			zap.String("username", username))
		r.cache.Invalidate()
		collection, err = r.resolveUnderRoot(ctx, username)
	}
	if err != nil {
		return Collection{}, err
	}
	return collection, nil
}

// ResolveOriginalsCollection returns the originals child of the caller's
// collection, creating both on first use.
func (r *Resolver) ResolveOriginalsCollection(ctx context.Context, principal users.Principal) (Collection, error) {
	if !principal.IsAuthenticated() {
		return Collection{}, newServiceError(opResolveOriginal, "unauthenticated", ErrAuthenticationRequired)
	}

	var originals Collection
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		var userCollection Collection
		userCollection, err = r.ResolveUserCollection(ctx, principal)
		if err != nil {
			return Collection{}, err
		}
		originals, err = r.getOrCreateChild(ctx, userCollection, r.originalsName, purposeOriginals)
		if !errors.Is(err, ErrParentNotFound) {
			break
		}
	}
	if err != nil {
		return Collection{}, err
	}
	return originals, nil
}

// Provision creates the namespace root when absent. It reports whether a row
// was created and is safe to run on every start.
func (r *Resolver) Provision(ctx context.Context) (Collection, bool, error) {
	root, err := r.tree.FindRoot(ctx, r.namespaceName)
	if err == nil {
		return root, false, nil
	}
	if !errors.Is(err, ErrCollectionNotFound) {
		return Collection{}, false, err
	}

	root, err = r.tree.AddRoot(ctx, r.namespaceName)
	if errors.Is(err, ErrCollectionConflict) {
		root, err = r.tree.FindRoot(ctx, r.namespaceName)
		if err != nil {
			return Collection{}, false, err
		}
		return root, false, nil
	}
	if err != nil {
		logError(r.logger, opProvision, "create_failed", err, zap.String("name", r.namespaceName))
		return Collection{}, false, err
	}

	r.recorder.RecordCollectionCreated(purposeRoot)
	r.logger.Info("namespace root collection created",
		zap.Uint64("collection_id", root.ID),
		zap.String("name", root.Name))
	return root, true, nil
}

func (r *Resolver) resolveUnderRoot(ctx context.Context, name string) (Collection, error) {
	root, err := r.ResolveNamespaceRoot(ctx)
	if err != nil {
		return Collection{}, err
	}
	return r.getOrCreateChild(ctx, root, name, purposeUser)
}

func (r *Resolver) getOrCreateChild(ctx context.Context, parent Collection, name, purpose string) (Collection, error) {
	key := fmt.Sprintf("%d/%s", parent.ID, name)
	for attempt := 1; attempt <= maxCreateAttempts; attempt++ {
		existing, err := r.tree.FindChild(ctx, parent, name)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, ErrCollectionNotFound) {
			return Collection{}, err
		}

		// Shared by every waiter on key, so one caller's cancellation must not fail the rest.
		createCtx := context.WithoutCancel(ctx)
		value, err, _ := r.creations.Do(key, func() (any, error) {
			created, err := r.tree.AddChild(createCtx, parent, name)
			if err != nil {
				return Collection{}, err
			}
			r.recorder.RecordCollectionCreated(purpose)
			r.logger.Info("collection created",
				zap.String("purpose", purpose),
				zap.Uint64("collection_id", created.ID),
				zap.Uint64("parent_id", parent.ID),
				zap.String("name", created.Name))
			return created, nil
		})
		if err == nil {
			return value.(Collection), nil
		}
		if errors.Is(err, ErrCollectionConflict) {
			r.logger.Debug("collection created concurrently; reloading",
				zap.String("purpose", purpose),
				zap.String("name", name),
				zap.Int("attempt", attempt))
			continue
		}
		return Collection{}, err
	}

	logError(r.logger, opResolveUser, "create_retries_exhausted", ErrCollectionConflict,
		zap.String("purpose", purpose),
		zap.String("name", name))
	return Collection{}, newServiceError(opResolveUser, "create_retries_exhausted", ErrCollectionConflict)
}
