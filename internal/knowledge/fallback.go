package knowledge

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/envirocomply/envirocomply-core/internal/cache"
	"github.com/envirocomply/envirocomply-core/internal/models"
)

// FallbackCatalog caches successful reads and serves them when the wrapped
// catalog fails. A failure with nothing cached is reported as
// models.ErrDependencyUnavailable.
type FallbackCatalog struct {
	inner  Catalog
	cache  cache.Cache
	ttl    int
	logger *zap.Logger
}

// NewFallbackCatalog wraps inner. ttlSeconds bounds how stale a served
// result may be; 0 uses the cache default.
func NewFallbackCatalog(inner Catalog, c cache.Cache, ttlSeconds int, logger *zap.Logger) *FallbackCatalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FallbackCatalog{inner: inner, cache: c, ttl: ttlSeconds, logger: logger}
}

// FindRegulations implements Catalog.
func (f *FallbackCatalog) FindRegulations(ctx context.Context, filter RegulationFilter) ([]models.Regulation, error) {
	key := regulationKey(filter)
	regs, err := f.inner.FindRegulations(ctx, filter)
	if err == nil {
		_ = f.cache.Set(ctx, key, cloneRegulations(regs), f.ttl)
		return regs, nil
	}
	if v, ok, _ := f.cache.Get(ctx, key); ok {
		f.logger.Warn("serving cached regulations after store failure",
			zap.String("cache_key", key), zap.Error(err))
		return cloneRegulations(v.([]models.Regulation)), nil
	}
	return nil, unavailable("find regulations", err)
}

// FindFacilities implements Catalog.
func (f *FallbackCatalog) FindFacilities(ctx context.Context, filter FacilityFilter) ([]models.Facility, error) {
	key := facilityKey(filter)
	facs, err := f.inner.FindFacilities(ctx, filter)
	if err == nil {
		_ = f.cache.Set(ctx, key, cloneFacilities(facs), f.ttl)
		return facs, nil
	}
	if v, ok, _ := f.cache.Get(ctx, key); ok {
		f.logger.Warn("serving cached facilities after store failure",
			zap.String("cache_key", key), zap.Error(err))
		return cloneFacilities(v.([]models.Facility)), nil
	}
	return nil, unavailable("find facilities", err)
}

// Invalidate drops every cached read, e.g. after seeding.
func (f *FallbackCatalog) Invalidate(ctx context.Context) error {
	if err := f.cache.Invalidate(ctx, "regulations:*"); err != nil {
		return err
	}
	return f.cache.Invalidate(ctx, "facilities:*")
}

func unavailable(op string, err error) error {
	if errors.Is(err, models.ErrDependencyUnavailable) || errors.Is(err, models.ErrValidation) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, models.ErrDependencyUnavailable, err)
}

// The cached copy must not share backing arrays with anything a caller
// holds, so entries are cloned going in and coming out.
func cloneRegulations(regs []models.Regulation) []models.Regulation {
	if regs == nil {
		return nil
	}
	out := make([]models.Regulation, len(regs))
	for i, r := range regs {
		r.ApplicableFacilityTypes = slices.Clone(r.ApplicableFacilityTypes)
		r.RequirementCategories = slices.Clone(r.RequirementCategories)
		r.RecordkeepingRequirements = slices.Clone(r.RecordkeepingRequirements)
		r.Keywords = slices.Clone(r.Keywords)
		out[i] = r
	}
	return out
}

func cloneFacilities(facs []models.Facility) []models.Facility {
	if facs == nil {
		return nil
	}
	out := make([]models.Facility, len(facs))
	for i, f := range facs {
		f.PotentialEmissionsTPY = maps.Clone(f.PotentialEmissionsTPY)
		f.EmissionSources = slices.Clone(f.EmissionSources)
		f.Permits = slices.Clone(f.Permits)
		f.Records = slices.Clone(f.Records)
		out[i] = f
	}
	return out
}

func regulationKey(f RegulationFilter) string {
	since := ""
	if f.ChangedSince != nil {
		since = f.ChangedSince.UTC().Format(time.RFC3339)
	}
	due := ""
	if f.DeadlineBefore != nil {
		due = f.DeadlineBefore.UTC().Format(time.RFC3339)
	}
	return fmt.Sprintf("regulations:%s|%s|%s|%t", sortedJoin(f.RegulationIDs), since, due, f.ExcludeWithdrawn)
}

func facilityKey(f FacilityFilter) string {
	return "facilities:" + sortedJoin(f.FacilityIDs)
}

func sortedJoin(ids []string) string {
	c := append([]string(nil), ids...)
	sort.Strings(c)
	return strings.Join(c, ",")
}
