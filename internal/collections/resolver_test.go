package collections

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/filerobot/internal/users"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var alice = users.Principal{UserID: "user-1", Username: "alice"}

func newTestResolver(t *testing.T, tree Tree, cache Cache) *Resolver {
	t.Helper()
	resolver, err := NewResolver(ResolverConfig{
		Tree:          tree,
		Cache:         cache,
		NamespaceName: "Filerobot",
		OriginalsName: "originals",
	})
	require.NoError(t, err)
	return resolver
}

func TestResolveNamespaceRootRequiresProvisioning(t *testing.T) {
	store, cache, _ := newTestStore(t)
	resolver := newTestResolver(t, store, cache)

	_, err := resolver.ResolveNamespaceRoot(context.Background())
	require.ErrorIs(t, err, ErrConfigurationMissing)
}

func TestProvisionIsIdempotent(t *testing.T) {
	store, cache, db := newTestStore(t)
	resolver := newTestResolver(t, store, cache)
	ctx := context.Background()

	first, created, err := resolver.Provision(ctx)
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := resolver.Provision(ctx)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, second.ID)

	var count int64
	require.NoError(t, db.Model(&Collection{}).Where("depth = ?", 1).Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestResolveNamespaceRootServesFromCache(t *testing.T) {
	store, cache, _ := newTestStore(t)
	resolver := newTestResolver(t, store, cache)
	ctx := context.Background()
	_, _, err := resolver.Provision(ctx)
	require.NoError(t, err)

	root, err := resolver.ResolveNamespaceRoot(ctx)
	require.NoError(t, err)
	cached, ok := cache.Get()
	require.True(t, ok)
	require.Equal(t, root.ID, cached.ID)
}

func TestResolveUserCollectionRequiresAuthentication(t *testing.T) {
	store, cache, _ := newTestStore(t)
	resolver := newTestResolver(t, store, cache)

	_, err := resolver.ResolveUserCollection(context.Background(), users.Principal{})
	require.ErrorIs(t, err, ErrAuthenticationRequired)
	_, err = resolver.ResolveOriginalsCollection(context.Background(), users.Principal{})
	require.ErrorIs(t, err, ErrAuthenticationRequired)
}

func TestResolveUserCollectionIsStable(t *testing.T) {
	store, cache, _ := newTestStore(t)
	resolver := newTestResolver(t, store, cache)
	ctx := context.Background()
	root, _, err := resolver.Provision(ctx)
	require.NoError(t, err)

	first, err := resolver.ResolveUserCollection(ctx, alice)
	require.NoError(t, err)
	second, err := resolver.ResolveUserCollection(ctx, alice)
	require.NoError(t, err)

	require.Equal(t, first.ID, second.ID)
	require.Equal(t, "alice", first.Name)
	require.Equal(t, root.Path, first.ParentPath)
}

func TestResolveUserCollectionConcurrentFirstUseCreatesOneRow(t *testing.T) {
	store, cache, db := newTestStore(t)
	resolver := newTestResolver(t, store, cache)
	ctx := context.Background()
	_, _, err := resolver.Provision(ctx)
	require.NoError(t, err)

	const workers = 16
	results := make([]Collection, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for index := 0; index < workers; index++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			results[slot], errs[slot] = resolver.ResolveUserCollection(ctx, alice)
		}(index)
	}
	wg.Wait()

	for index := 0; index < workers; index++ {
		require.NoError(t, errs[index])
		require.Equal(t, results[0].ID, results[index].ID)
	}
	var count int64
	require.NoError(t, db.Model(&Collection{}).Where("name = ?", "alice").Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestResolveOriginalsCollectionNestsUnderUser(t *testing.T) {
	store, cache, _ := newTestStore(t)
	resolver := newTestResolver(t, store, cache)
	ctx := context.Background()
	_, _, err := resolver.Provision(ctx)
	require.NoError(t, err)

	originals, err := resolver.ResolveOriginalsCollection(ctx, alice)
	require.NoError(t, err)
	userCollection, err := resolver.ResolveUserCollection(ctx, alice)
	require.NoError(t, err)

	require.Equal(t, "originals", originals.Name)
	require.Equal(t, userCollection.Path, originals.ParentPath)
	require.Equal(t, 3, originals.Depth)

	again, err := resolver.ResolveOriginalsCollection(ctx, alice)
	require.NoError(t, err)
	require.Equal(t, originals.ID, again.ID)
}

func TestCacheCoherencyAfterRenameAndRecreate(t *testing.T) {
	store, cache, _ := newTestStore(t)
	resolver := newTestResolver(t, store, cache)
	ctx := context.Background()
	original, _, err := resolver.Provision(ctx)
	require.NoError(t, err)
	_, err = resolver.ResolveNamespaceRoot(ctx)
	require.NoError(t, err)

	_, err = store.Rename(ctx, original.ID, "Archived")
	require.NoError(t, err)
	_, ok := cache.Get()
	require.False(t, ok)
	_, err = resolver.ResolveNamespaceRoot(ctx)
	require.ErrorIs(t, err, ErrConfigurationMissing)

	recreated, err := store.AddRoot(ctx, "Filerobot")
	require.NoError(t, err)
	resolved, err := resolver.ResolveNamespaceRoot(ctx)
	require.NoError(t, err)
	require.Equal(t, recreated.ID, resolved.ID)
	require.NotEqual(t, original.ID, resolved.ID)
}

func TestResolveUserCollectionRecoversFromStaleRoot(t *testing.T) {
	store, cache, db := newTestStore(t)
	resolver := newTestResolver(t, store, cache)
	ctx := context.Background()
	stale, _, err := resolver.Provision(ctx)
	require.NoError(t, err)
	_, err = resolver.ResolveNamespaceRoot(ctx)
	require.NoError(t, err)

	// Replace the root behind the store's back so the cache is not told.
	require.NoError(t, db.Delete(&Collection{}, stale.ID).Error)
	replacement := Collection{Name: "Filerobot", Path: "0002", Depth: 1}
	require.NoError(t, db.Create(&replacement).Error)

	userCollection, err := resolver.ResolveUserCollection(ctx, alice)
	require.NoError(t, err)
	require.Equal(t, replacement.Path, userCollection.ParentPath)
}

type conflictingTree struct {
	root       Collection
	winner     Collection
	findCalls  int
	addCalls   int
	mu         sync.Mutex
	conflicted bool
}

func (c *conflictingTree) FindRoot(context.Context, string) (Collection, error) {
	return c.root, nil
}

func (c *conflictingTree) FindChild(context.Context, Collection, string) (Collection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.findCalls++
	if !c.conflicted {
		return Collection{}, newServiceError(opFindChild, "not_found", ErrCollectionNotFound)
	}
	return c.winner, nil
}

func (c *conflictingTree) AddRoot(context.Context, string) (Collection, error) {
	return Collection{}, ErrCollectionConflict
}

func (c *conflictingTree) AddChild(context.Context, Collection, string) (Collection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addCalls++
	c.conflicted = true
	return Collection{}, newServiceError(opAddChild, "conflict", ErrCollectionConflict)
}

func TestResolveUserCollectionReturnsConcurrentWinner(t *testing.T) {
	tree := &conflictingTree{
		root:   Collection{ID: 1, Name: "Filerobot", Path: "0001", Depth: 1},
		winner: Collection{ID: 7, Name: "alice", Path: "00010001", ParentPath: "0001", Depth: 2},
	}
	core, logs := observer.New(zapcore.DebugLevel)
	cache := NewTTLCache(TTLCacheConfig{Key: "root", TTL: time.Minute, WatchedName: "Filerobot"})
	resolver, err := NewResolver(ResolverConfig{
		Tree:          tree,
		Cache:         cache,
		NamespaceName: "Filerobot",
		OriginalsName: "originals",
		Logger:        zap.New(core),
	})
	require.NoError(t, err)

	collection, err := resolver.ResolveUserCollection(context.Background(), alice)
	require.NoError(t, err)
	require.Equal(t, uint64(7), collection.ID)
	require.Equal(t, 1, tree.addCalls)
	require.Equal(t, 2, tree.findCalls)
	require.Equal(t, 1, logs.FilterMessage("collection created concurrently; reloading").Len())
}

// detachedTree records the context state AddChild observes.
type detachedTree struct {
	root     Collection
	addErr   error
	addCalls int
}

func (d *detachedTree) FindRoot(context.Context, string) (Collection, error) {
	return d.root, nil
}

func (d *detachedTree) FindChild(context.Context, Collection, string) (Collection, error) {
	return Collection{}, newServiceError(opFindChild, "not_found", ErrCollectionNotFound)
}

func (d *detachedTree) AddRoot(context.Context, string) (Collection, error) {
	return Collection{}, ErrCollectionConflict
}

func (d *detachedTree) AddChild(ctx context.Context, parent Collection, name string) (Collection, error) {
	d.addCalls++
	d.addErr = ctx.Err()
	return Collection{ID: 9, Name: name, Path: parent.Path + "0001", ParentPath: parent.Path, Depth: parent.Depth + 1}, nil
}

func TestResolveUserCollectionCreatesChildDespiteCallerCancellation(t *testing.T) {
	tree := &detachedTree{root: Collection{ID: 1, Name: "Filerobot", Path: "0001", Depth: 1}}
	cache := NewTTLCache(TTLCacheConfig{Key: "root", TTL: time.Minute, WatchedName: "Filerobot"})
	resolver, err := NewResolver(ResolverConfig{
		Tree:          tree,
		Cache:         cache,
		NamespaceName: "Filerobot",
		OriginalsName: "originals",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	collection, err := resolver.ResolveUserCollection(ctx, alice)
	require.NoError(t, err)
	require.Equal(t, uint64(9), collection.ID)
	require.Equal(t, 1, tree.addCalls)
	require.NoError(t, tree.addErr)
}

func TestNewResolverValidatesConfiguration(t *testing.T) {
	cache := NewTTLCache(TTLCacheConfig{Key: "root", TTL: time.Minute})
	_, err := NewResolver(ResolverConfig{Cache: cache, NamespaceName: "Filerobot", OriginalsName: "originals"})
	require.ErrorIs(t, err, errMissingTree)

	_, err = NewResolver(ResolverConfig{Tree: &conflictingTree{}, Cache: cache, NamespaceName: " ", OriginalsName: "originals"})
	require.ErrorIs(t, err, ErrInvalidName)
}
