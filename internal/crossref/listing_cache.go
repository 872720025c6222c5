package crossref

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/temirov/prmigrate/internal/gateway"
	"github.com/temirov/prmigrate/internal/state"
)

// PullRequestDirectory lists the migrated pull requests of a repository keyed by source identifier.
type PullRequestDirectory interface {
	ExistingPullRequests(executionContext context.Context, repository string) (map[string]gateway.Handle, error)
}

// ListingCache memoizes per-repository pull request listings for the duration of one scheduling pass.
// Handles recorded in the migration state store are consulted first and never go stale.
type ListingCache struct {
	lister   PullRequestDirectory
	store    *state.Store
	mutex    sync.RWMutex
	listings map[string]map[string]gateway.Handle
	fills    singleflight.Group
}

// NewListingCache constructs a cache backed by lister. store may be nil.
func NewListingCache(lister PullRequestDirectory, store *state.Store) (*ListingCache, error) {
	if lister == nil {
		return nil, ErrDirectoryRequired
	}
	return &ListingCache{lister: lister, store: store, listings: map[string]map[string]gateway.Handle{}}, nil
}

// Reset drops every memoized listing. It is called at the start of each pass.
func (cache *ListingCache) Reset() {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()
	cache.listings = map[string]map[string]gateway.Handle{}
}

// Lookup resolves the target handle of the pull request migrated from repository#sourceID.
func (cache *ListingCache) Lookup(executionContext context.Context, repository string, sourceID string) (gateway.Handle, bool, error) {
	repositoryKey := strings.ToLower(repository)
	if cache.store != nil {
		if handle, exists := cache.store.Registry(repositoryKey, state.KindPullRequest).Lookup(sourceID); exists {
			return handle, true, nil
		}
	}

	listing, listingError := cache.listing(executionContext, repositoryKey)
	if listingError != nil {
		return gateway.Handle{}, false, listingError
	}
	handle, exists := listing[sourceID]
	return handle, exists, nil
}

func (cache *ListingCache) listing(executionContext context.Context, repository string) (map[string]gateway.Handle, error) {
	cache.mutex.RLock()
	listing, cached := cache.listings[repository]
	cache.mutex.RUnlock()
	if cached {
		return listing, nil
	}

	value, fillError, _ := cache.fills.Do(repository, func() (interface{}, error) {
		existing, listError := cache.lister.ExistingPullRequests(executionContext, repository)
		if listError != nil {
			return nil, listError
		}
		cache.mutex.Lock()
		cache.listings[repository] = existing
		cache.mutex.Unlock()
		return existing, nil
	})
	if fillError != nil {
		return nil, fillError
	}
	return value.(map[string]gateway.Handle), nil
}
