// Package settings resolves the per-project setting groups: the artifact list
// and the model mappings used by the evaluation dispatcher.
package settings

import (
	"context"
	"log/slog"
	"time"

	"github.com/patrickmn/go-cache"

	"scanqa/internal/logging"
	"scanqa/pkg/domain"
)

// DefaultTTL bounds how long a resolved group stays cached.
const DefaultTTL = 5 * time.Minute

// Resolver reads setting groups through the entity store and caches the
// entries of each group by id.
type Resolver struct {
	store  domain.PersistentStore
	cache  *cache.Cache
	logger *slog.Logger
}

// NewResolver returns a Resolver over store. A non-positive ttl selects
// DefaultTTL.
func NewResolver(store domain.PersistentStore, ttl time.Duration, logger *slog.Logger) *Resolver {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = logging.ForService("settings")
	}
	return &Resolver{store: store, cache: cache.New(ttl, 2*ttl), logger: logger}
}

// ResolveFrom returns the entries of the project's group of kind as seen by
// view. An unset reference, a dangling id or a group of another kind all
// resolve to no entries.
func ResolveFrom(view domain.TransactionView, project domain.Project, kind domain.SettingGroupKind) []domain.SettingEntry {
	id, ok := project.SettingGroupID(kind)
	if !ok {
		return nil
	}
	group, ok := view.FindSettingGroup(id)
	if !ok || group.Kind != kind {
		return nil
	}
	return cloneEntries(group.Entries)
}

// Entries returns the ordered entries of the project's group of kind.
func (r *Resolver) Entries(ctx context.Context, project domain.Project, kind domain.SettingGroupKind) ([]domain.SettingEntry, error) {
	id, ok := project.SettingGroupID(kind)
	if !ok {
		return nil, nil
	}
	if cached, found := r.cache.Get(cacheKey(id, kind)); found {
		return cloneEntries(cached.([]domain.SettingEntry)), nil
	}
	var entries []domain.SettingEntry
	err := r.store.View(ctx, func(view domain.TransactionView) error {
		entries = ResolveFrom(view, project, kind)
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.cache.Set(cacheKey(id, kind), cloneEntries(entries), cache.DefaultExpiration)
	r.logger.Debug("setting group resolved", "group_id", id, "kind", kind, "entries", len(entries))
	return entries, nil
}

// Invalidate drops every cached resolution of groupID.
func (r *Resolver) Invalidate(groupID string) {
	for _, kind := range []domain.SettingGroupKind{
		domain.SettingArtifacts, domain.SettingFileModels,
		domain.SettingModelFiles, domain.SettingModelPredictions,
	} {
		r.cache.Delete(cacheKey(groupID, kind))
	}
}

// Artifacts returns the project's artifact names in group order.
func (r *Resolver) Artifacts(ctx context.Context, project domain.Project) ([]string, error) {
	entries, err := r.Entries(ctx, project, domain.SettingArtifacts)
	if err != nil {
		return nil, err
	}
	return ArtifactNames(entries), nil
}

// FileModels returns the scan-type to model mapping.
func (r *Resolver) FileModels(ctx context.Context, project domain.Project) (map[string]string, error) {
	entries, err := r.Entries(ctx, project, domain.SettingFileModels)
	if err != nil {
		return nil, err
	}
	return EntryMap(entries), nil
}

// ModelFiles returns the model to model-file mapping.
func (r *Resolver) ModelFiles(ctx context.Context, project domain.Project) (map[string]string, error) {
	entries, err := r.Entries(ctx, project, domain.SettingModelFiles)
	if err != nil {
		return nil, err
	}
	return EntryMap(entries), nil
}

// ModelPredictions returns every prediction label declared per model.
func (r *Resolver) ModelPredictions(ctx context.Context, project domain.Project) (map[string][]string, error) {
	entries, err := r.Entries(ctx, project, domain.SettingModelPredictions)
	if err != nil {
		return nil, err
	}
	return Aggregate(entries), nil
}

// ArtifactNames returns the entry keys in order, skipping duplicates.
func ArtifactNames(entries []domain.SettingEntry) []string {
	seen := make(map[string]struct{}, len(entries))
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if _, dup := seen[e.Key]; dup || e.Key == "" {
			continue
		}
		seen[e.Key] = struct{}{}
		out = append(out, e.Key)
	}
	return out
}

// EntryMap folds entries into a map; a later duplicate key wins.
func EntryMap(entries []domain.SettingEntry) map[string]string {
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		out[e.Key] = e.Value
	}
	return out
}

// Aggregate collects every value per key in entry order.
func Aggregate(entries []domain.SettingEntry) map[string][]string {
	out := make(map[string][]string)
	for _, e := range entries {
		out[e.Key] = append(out[e.Key], e.Value)
	}
	return out
}

func cacheKey(groupID string, kind domain.SettingGroupKind) string {
	return string(kind) + "/" + groupID
}

func cloneEntries(in []domain.SettingEntry) []domain.SettingEntry {
	if in == nil {
		return nil
	}
	out := make([]domain.SettingEntry, len(in))
	copy(out, in)
	return out
}
