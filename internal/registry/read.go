package registry

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/ronnin/oldman-club/internal/store"
)

// ModuleOf retrieves a module along with its latest version.
func (s *Service) ModuleOf(ctx context.Context, ref ModuleRef) (d ModuleDetail, err error) {
	defer s.observe(ctx, "module_of", time.Now(), &err)

	if err = ref.Key().Validate(); err != nil {
		return ModuleDetail{}, err
	}
	m, err := s.store.FindModule(ctx, ref.Family, ref.Name)
	if err != nil {
		return ModuleDetail{}, err
	}
	return s.detail(ctx, m)
}

// VersionOf retrieves a single version of a module.
func (s *Service) VersionOf(ctx context.Context, ref VersionRef) (v store.Version, err error) {
	defer s.observe(ctx, "version_of", time.Now(), &err)

	if err = validateVersion("get version", ref); err != nil {
		return store.Version{}, err
	}
	return s.versionOf(ctx, ref)
}

func (s *Service) versionOf(ctx context.Context, ref VersionRef) (store.Version, error) {
	m, err := s.store.FindModule(ctx, ref.Family, ref.Name)
	if err != nil {
		return store.Version{}, err
	}
	v, err := s.store.GetVersion(ctx, m.ID, ref.Version)
	if errors.Is(err, store.ErrNotFound) {
		return store.Version{}, store.NewError(store.ErrNotFound, "get version", ref.String(), nil)
	}
	return v, err
}

// VersionsOf retrieves all versions of a module, newest first.
func (s *Service) VersionsOf(ctx context.Context, ref ModuleRef) (versions []store.Version, err error) {
	defer s.observe(ctx, "versions_of", time.Now(), &err)

	if err = ref.Key().Validate(); err != nil {
		return nil, err
	}
	m, err := s.store.FindModule(ctx, ref.Family, ref.Name)
	if err != nil {
		return nil, err
	}
	return s.store.ListVersions(ctx, m.ID, true)
}

// DependenciesOf retrieves the versions linked to the specified version.  With [store.Master] these
// are the versions it depends on, with [store.Dependant] the versions that depend on it.
func (s *Service) DependenciesOf(ctx context.Context, ref VersionRef, dir store.Direction) (refs []VersionRef, err error) {
	defer s.observe(ctx, "dependencies_of", time.Now(), &err)

	if err = validateVersion("list dependencies", ref); err != nil {
		return nil, err
	}
	v, err := s.versionOf(ctx, ref)
	if err != nil {
		return nil, err
	}
	linked, err := s.store.LinkedVersions(ctx, v.ID, dir)
	if err != nil {
		return nil, err
	}
	refs = make([]VersionRef, 0, len(linked))
	for _, mv := range linked {
		refs = append(refs, VersionRef{Family: mv.Family, Name: mv.Name, Version: mv.Version.Version})
	}
	return refs, nil
}

// Search returns a lazy sequence of the modules matching req.  The sequence may be ranged over more
// than once, each time re-running the search.
func (s *Service) Search(ctx context.Context, req SearchRequest) iter.Seq2[ModuleDetail, error] {
	return func(yield func(ModuleDetail, error) bool) {
		var err error
		defer s.observe(ctx, "search", time.Now(), &err)

		q, err := searchQuery(req)
		if err != nil {
			yield(ModuleDetail{}, err)
			return
		}
		for l, lerr := range s.store.SearchModules(ctx, q) {
			if lerr != nil {
				err = lerr
				yield(ModuleDetail{}, err)
				return
			}
			var d ModuleDetail
			if d, err = s.listingDetail(ctx, l, req.IncludeVersions); err != nil {
				yield(ModuleDetail{}, err)
				return
			}
			if !yield(d, nil) {
				return
			}
		}
	}
}

// SearchPage returns up to count modules matching req, starting at the position encoded in pageToken,
// along with the token for the next page.  The token is empty when there are no more results.
func (s *Service) SearchPage(ctx context.Context, req SearchRequest, pageToken string, count int) (results []ModuleDetail, next string, err error) {
	defer s.observe(ctx, "search", time.Now(), &err)

	q, err := searchQuery(req)
	if err != nil {
		return nil, "", err
	}
	listings, next, err := s.store.QueryModules(ctx, q, pageToken, count)
	if err != nil {
		return nil, "", err
	}
	results = make([]ModuleDetail, 0, len(listings))
	for _, l := range listings {
		d, err := s.listingDetail(ctx, l, req.IncludeVersions)
		if err != nil {
			return nil, "", err
		}
		results = append(results, d)
	}
	return results, next, nil
}

func searchQuery(req SearchRequest) (store.ModuleQuery, error) {
	keys, err := ParseOrderKeys(req.OrderBy...)
	if err != nil {
		return store.ModuleQuery{}, err
	}
	return store.ModuleQuery{
		Family:  req.Family,
		Name:    req.Name,
		OrderBy: keys,
	}, nil
}

func (s *Service) listingDetail(ctx context.Context, l store.Listing, includeVersions bool) (ModuleDetail, error) {
	d := ModuleDetail{
		Module:  l.Module,
		Latest:  l.Latest,
		Version: l.Version,
	}
	if includeVersions {
		versions, err := s.store.ListVersions(ctx, l.Module.ID, true)
		if err != nil {
			return ModuleDetail{}, err
		}
		d.Versions = versions
	}
	return d, nil
}

// detail loads the latest version of m.  A dangling latest pointer is reported as no latest version.
func (s *Service) detail(ctx context.Context, m store.Module) (ModuleDetail, error) {
	d := ModuleDetail{Module: m}
	if !m.HasLatest() {
		return d, nil
	}
	latest, err := s.store.GetVersionByID(ctx, m.LatestVersionID.Int64)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.log.Debug("module latest pointer references a missing version", "module", m.Ref(), "version_id", m.LatestVersionID.Int64)
	case err != nil:
		return ModuleDetail{}, err
	default:
		d.Latest = &latest
	}
	return d, nil
}
