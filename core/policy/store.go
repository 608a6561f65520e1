package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	coreerrors "github.com/nebula-ide/warden/core/errors"
	schemapolicy "github.com/nebula-ide/warden/core/schema/v1/policy"
)

// Persister loads and saves policy documents on behalf of the store. The
// store owns the in-memory cache; the persister owns durability.
type Persister interface {
	LoadPolicy(ctx context.Context, projectID string) (schemapolicy.Document, bool, error)
	SavePolicy(ctx context.Context, document schemapolicy.Document) error
}

// Store caches exactly one active policy document per project. Reads hand
// out deep copies so callers can never mutate the cached document, and
// writes replace the document wholesale.
type Store struct {
	mu        sync.RWMutex
	policies  map[string]schemapolicy.Document
	persister Persister
	clock     func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithPersister attaches a durability collaborator. Without one the store
// is purely in-memory.
func WithPersister(persister Persister) StoreOption {
	return func(store *Store) {
		store.persister = persister
	}
}

// WithClock overrides the update-timestamp source.
func WithClock(clock func() time.Time) StoreOption {
	return func(store *Store) {
		store.clock = clock
	}
}

// NewStore builds an empty policy store.
func NewStore(options ...StoreOption) *Store {
	store := &Store{
		policies: make(map[string]schemapolicy.Document),
		clock:    time.Now,
	}
	for _, option := range options {
		option(store)
	}
	return store
}

// Get returns the active policy for a project. On first access it consults
// the persister, and falls back to the documented default. The default is
// cached but not persisted: only an explicit Set writes through.
func (s *Store) Get(ctx context.Context, projectID string) (schemapolicy.Document, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return schemapolicy.Document{}, coreerrors.Wrap(
			fmt.Errorf("project id is required"),
			coreerrors.CategoryInvalidInput,
			"project_id_missing",
			"pass a non-empty project id",
			false,
		)
	}

	s.mu.RLock()
	cached, ok := s.policies[projectID]
	s.mu.RUnlock()
	if ok {
		return cloneDocument(cached)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cached, ok := s.policies[projectID]; ok {
		return cloneDocument(cached)
	}

	if s.persister != nil {
		loaded, found, err := s.persister.LoadPolicy(ctx, projectID)
		if err != nil {
			return schemapolicy.Document{}, coreerrors.Wrap(
				fmt.Errorf("load policy for %s: %w", projectID, err),
				coreerrors.CategoryIOFailure,
				"policy_load_failed",
				"check the state database",
				true,
			)
		}
		if found {
			normalized, err := Normalize(loaded)
			if err != nil {
				return schemapolicy.Document{}, coreerrors.Wrap(
					fmt.Errorf("persisted policy for %s: %w", projectID, err),
					coreerrors.CategoryInternalFailure,
					"policy_corrupt",
					"re-save the policy document",
					false,
				)
			}
			s.policies[projectID] = normalized
			return cloneDocument(normalized)
		}
	}

	fallback, err := Normalize(Default(projectID, s.clock()))
	if err != nil {
		return schemapolicy.Document{}, coreerrors.Wrap(
			fmt.Errorf("default policy for %s: %w", projectID, err),
			coreerrors.CategoryInternalFailure,
			"default_policy_invalid",
			"",
			false,
		)
	}
	s.policies[projectID] = fallback
	return cloneDocument(fallback)
}

// Set validates and installs a policy document as the active policy for
// its project, replacing any previous document wholesale and stamping the
// update time. The write goes through the persister before the cache is
// touched, so a failed save leaves the previous policy active.
func (s *Store) Set(ctx context.Context, document schemapolicy.Document) (schemapolicy.Document, error) {
	normalized, err := finishParse(document)
	if err != nil {
		return schemapolicy.Document{}, err
	}
	now := s.clock().UTC()
	if normalized.CreatedAt.IsZero() {
		normalized.CreatedAt = now
	}
	normalized.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.persister != nil {
		if err := s.persister.SavePolicy(ctx, normalized); err != nil {
			return schemapolicy.Document{}, coreerrors.Wrap(
				fmt.Errorf("save policy for %s: %w", normalized.ProjectID, err),
				coreerrors.CategoryIOFailure,
				"policy_save_failed",
				"check the state database",
				true,
			)
		}
	}
	s.policies[normalized.ProjectID] = normalized
	return cloneDocument(normalized)
}

// Projects lists project ids with a cached policy, sorted.
func (s *Store) Projects() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.policies))
	for projectID := range s.policies {
		out = append(out, projectID)
	}
	sort.Strings(out)
	return out
}

func cloneDocument(document schemapolicy.Document) (schemapolicy.Document, error) {
	raw, err := json.Marshal(document)
	if err != nil {
		return schemapolicy.Document{}, fmt.Errorf("clone policy: %w", err)
	}
	var out schemapolicy.Document
	if err := json.Unmarshal(raw, &out); err != nil {
		return schemapolicy.Document{}, fmt.Errorf("clone policy: %w", err)
	}
	return out, nil
}
