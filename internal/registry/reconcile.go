package registry

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/ronnin/oldman-club/internal/store"
)

// ReconcileResult describes the repairs made to one module by [Service.Reconcile].  Latest IDs of
// zero mean the pointer was unset.
type ReconcileResult struct {
	Module       ModuleRef `json:"module"`
	CountBefore  int       `json:"count_before"`
	CountAfter   int       `json:"count_after"`
	LatestBefore int64     `json:"latest_before"`
	LatestAfter  int64     `json:"latest_after"`
}

// Repaired reports whether anything was changed.
func (r ReconcileResult) Repaired() bool {
	return r.CountBefore != r.CountAfter || r.LatestBefore != r.LatestAfter
}

// Reconcile makes a module's version count and latest pointer agree with its version rows.  The count
// is recomputed from the rows.  A latest pointer that is unset while versions exist, or that points at
// a version which is missing or owned by another module, is reset to the most recently created
// version.  A valid latest pointer is left alone even if a more recent version exists.
func (s *Service) Reconcile(ctx context.Context, ref ModuleRef) (res ReconcileResult, err error) {
	defer s.observe(ctx, "reconcile", time.Now(), &err)

	if err = ref.Key().Validate(); err != nil {
		return ReconcileResult{}, err
	}
	unlock, err := s.lockModules(ctx, ref)
	if err != nil {
		return ReconcileResult{}, err
	}
	defer unlock()

	m, err := s.store.FindModule(ctx, ref.Family, ref.Name)
	if err != nil {
		return ReconcileResult{}, err
	}
	res = ReconcileResult{Module: ref}
	err = s.store.InTx(ctx, func(tx store.Store) error {
		m, err := tx.GetModule(ctx, m.ID)
		if err != nil {
			return err
		}
		res.CountBefore, res.LatestBefore = m.VersionCount, m.LatestVersionID.Int64

		n, err := tx.CountVersions(ctx, m.ID)
		if err != nil {
			return err
		}
		res.CountAfter = n
		if n != m.VersionCount {
			if err = tx.SetVersionCount(ctx, m.ID, n); err != nil {
				return err
			}
		}

		res.LatestAfter = res.LatestBefore
		valid, err := latestIsValid(ctx, tx, m)
		if err != nil || valid {
			return err
		}
		latest, err := tx.LatestVersion(ctx, m.ID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			res.LatestAfter = 0
			if !m.HasLatest() {
				return nil
			}
			return tx.SetLatestVersion(ctx, m.ID, sql.NullInt64{})
		case err != nil:
			return err
		}
		res.LatestAfter = latest.ID
		return tx.SetLatestVersion(ctx, m.ID, sql.NullInt64{Int64: latest.ID, Valid: true})
	})
	if err != nil {
		return ReconcileResult{}, err
	}
	if res.Repaired() {
		s.log.Info("repaired module", "module", ref.String(),
			"count_before", res.CountBefore, "count_after", res.CountAfter,
			"latest_before", res.LatestBefore, "latest_after", res.LatestAfter)
	}
	return res, nil
}

// latestIsValid reports whether m's latest pointer is consistent with its versions: unset only when
// it has none, otherwise pointing at one of its own versions.
func latestIsValid(ctx context.Context, tx store.Store, m store.Module) (bool, error) {
	if !m.HasLatest() {
		n, err := tx.CountVersions(ctx, m.ID)
		return n == 0, err
	}
	v, err := tx.GetVersionByID(ctx, m.LatestVersionID.Int64)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return false, nil
	case err != nil:
		return false, err
	}
	return v.ModuleID == m.ID, nil
}

// ReconcileAll reconciles every module and returns the results for those that needed repairs.  A
// failure to reconcile one module does not stop the others, all failures are returned together.
func (s *Service) ReconcileAll(ctx context.Context) ([]ReconcileResult, error) {
	// collect the module list up front so that no search is in flight while modules are locked
	var refs []ModuleRef
	for l, err := range s.store.SearchModules(ctx, store.ModuleQuery{}) {
		if err != nil {
			return nil, err
		}
		refs = append(refs, ModuleRef{Family: l.Module.Family, Name: l.Module.Name})
	}

	var (
		repaired []ReconcileResult
		errs     []error
	)
	for _, ref := range refs {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		res, err := s.Reconcile(ctx, ref)
		switch {
		case errors.Is(err, store.ErrNotFound):
			// removed since the list was collected
		case err != nil:
			errs = append(errs, err)
		case res.Repaired():
			repaired = append(repaired, res)
		}
	}
	return repaired, errors.Join(errs...)
}
