package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ronnin/oldman-club/internal/store"
)

const (
	maxAuthorLen  = 50
	maxKeywordLen = 255
	maxFileRefLen = 255
)

var errModuleExists = errors.New("module already exists")

// CreateOrReplaceVersion publishes a version, creating its module on first use.  The new version
// always becomes the module's latest version, regardless of how its identifier compares to the
// others.
//
// If the version already exists the result is an [store.ErrConflict] error unless req.Force is set,
// in which case the existing version and its dependency edges are removed and the insert is retried
// exactly once.  Each group of row changes is applied in its own transaction, so re-running the
// operation after a failure converges on the same end state.
func (s *Service) CreateOrReplaceVersion(ctx context.Context, req CreateVersionRequest) (v store.Version, err error) {
	defer s.observe(ctx, "create_version", time.Now(), &err)

	const op = "create version"
	key := req.Key().String()
	if err = validateVersion(op, req.VersionRef); err != nil {
		return store.Version{}, err
	}
	if err = validateMeta(op, key, req.Meta); err != nil {
		return store.Version{}, err
	}
	if req.Meta.CreatedAt.IsZero() {
		req.Meta.CreatedAt = s.now()
	}

	unlock, err := s.lockModules(ctx, req.Module())
	if err != nil {
		return store.Version{}, err
	}
	defer unlock()

	m, err := s.resolveModule(ctx, req.Family, req.Name)
	if err != nil {
		return store.Version{}, err
	}

	v, err = s.insertLatest(ctx, m.ID, req)
	switch {
	case err == nil:
		s.log.Debug("published version", "version", key, "id", v.ID)
		return v, nil
	case !errors.Is(err, store.ErrConflict):
		return store.Version{}, err
	case !req.Force:
		return store.Version{}, store.NewError(store.ErrConflict, op, key, errModuleExists)
	}

	s.log.Debug("replacing existing version", "version", key)
	if err = s.removeExisting(ctx, m.ID, req.Version); err != nil {
		return store.Version{}, err
	}
	v, err = s.insertLatest(ctx, m.ID, req)
	if err != nil {
		// the cause is flattened so that the failure is reported only as a persistence error
		return store.Version{}, store.NewError(store.ErrPersistence, op, key, fmt.Errorf("retry after replacing the existing version failed: %s", err.Error()))
	}
	s.log.Debug("replaced version", "version", key, "id", v.ID)
	return v, nil
}

// resolveModule finds the module or creates it if it does not exist.  Losing a creation race to
// another writer is resolved by reading the winner's row.
func (s *Service) resolveModule(ctx context.Context, family, name string) (store.Module, error) {
	m, err := s.store.FindModule(ctx, family, name)
	if !errors.Is(err, store.ErrNotFound) {
		return m, err
	}
	m, err = s.store.CreateModule(ctx, family, name)
	if errors.Is(err, store.ErrConflict) {
		return s.store.FindModule(ctx, family, name)
	}
	if err == nil {
		s.log.Info("created module", "module", m.Ref(), "id", m.ID)
	}
	return m, err
}

// insertLatest inserts the version and points the module's latest pointer at it.
func (s *Service) insertLatest(ctx context.Context, moduleID int64, req CreateVersionRequest) (store.Version, error) {
	var v store.Version
	err := s.store.InTx(ctx, func(tx store.Store) error {
		var err error
		if v, err = tx.InsertVersion(ctx, moduleID, req.Version, req.Meta); err != nil {
			return err
		}
		if err = tx.SetLatestVersion(ctx, moduleID, sql.NullInt64{Int64: v.ID, Valid: true}); err != nil {
			return err
		}
		return tx.IncrementVersionCount(ctx, moduleID, 1)
	})
	return v, err
}

// removeExisting removes the named version of the module, if it still exists.
func (s *Service) removeExisting(ctx context.Context, moduleID int64, version string) error {
	return s.store.InTx(ctx, func(tx store.Store) error {
		m, err := tx.GetModule(ctx, moduleID)
		if err != nil {
			return err
		}
		v, err := tx.GetVersion(ctx, moduleID, version)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return removeVersion(ctx, tx, m, v)
	})
}

// removeVersion deletes v, which must belong to m, keeping m's count and latest pointer in step.
func removeVersion(ctx context.Context, tx store.Store, m store.Module, v store.Version) error {
	wasLatest := m.LatestVersionID.Valid && m.LatestVersionID.Int64 == v.ID
	if err := tx.RemoveVersion(ctx, v.ID); err != nil {
		return err
	}
	if err := tx.IncrementVersionCount(ctx, m.ID, -1); err != nil {
		return err
	}
	if !wasLatest {
		return nil
	}
	return resetLatest(ctx, tx, m.ID)
}

// resetLatest points the module's latest pointer at its most recently created version, or clears it
// if the module has no versions.
func resetLatest(ctx context.Context, tx store.Store, moduleID int64) error {
	latest, err := tx.LatestVersion(ctx, moduleID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return tx.SetLatestVersion(ctx, moduleID, sql.NullInt64{})
	case err != nil:
		return err
	}
	return tx.SetLatestVersion(ctx, moduleID, sql.NullInt64{Int64: latest.ID, Valid: true})
}

// RemoveVersion removes a version and every dependency edge touching it.  If it was the module's
// latest version, the most recently created remaining version takes its place.  The module itself
// is kept even when its last version is removed.  Removing a version that does not exist is not an
// error.
func (s *Service) RemoveVersion(ctx context.Context, ref VersionRef) (err error) {
	defer s.observe(ctx, "remove_version", time.Now(), &err)

	if err = validateVersion("remove version", ref); err != nil {
		return err
	}
	unlock, err := s.lockModules(ctx, ref.Module())
	if err != nil {
		return err
	}
	defer unlock()

	m, err := s.store.FindModule(ctx, ref.Family, ref.Name)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return s.store.InTx(ctx, func(tx store.Store) error {
		v, err := tx.GetVersion(ctx, m.ID, ref.Version)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		// re-read the module inside the transaction for an up to date latest pointer
		if m, err = tx.GetModule(ctx, m.ID); err != nil {
			return err
		}
		if err = removeVersion(ctx, tx, m, v); err != nil {
			return err
		}
		s.log.Debug("removed version", "version", ref.String(), "id", v.ID)
		return nil
	})
}

// RemoveModule removes a module along with all of its versions and every dependency edge touching
// them as a single unit.  Removing a module that does not exist is not an error.
func (s *Service) RemoveModule(ctx context.Context, ref ModuleRef) (err error) {
	defer s.observe(ctx, "remove_module", time.Now(), &err)

	if err = ref.Key().Validate(); err != nil {
		return err
	}
	unlock, err := s.lockModules(ctx, ref)
	if err != nil {
		return err
	}
	defer unlock()

	m, err := s.store.FindModule(ctx, ref.Family, ref.Name)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err = s.store.RemoveModuleCascade(ctx, m.ID); err != nil {
		return err
	}
	s.log.Info("removed module", "module", ref.String(), "id", m.ID)
	return nil
}

// Link records that one version depends on another.  Both versions must exist.  Linking versions that
// are already linked is not an error.
func (s *Service) Link(ctx context.Context, req LinkRequest) (err error) {
	defer s.observe(ctx, "link", time.Now(), &err)

	for _, ref := range []VersionRef{req.Master, req.Dependant} {
		if err = validateVersion("link", ref); err != nil {
			return err
		}
	}
	unlock, err := s.lockModules(ctx, req.Master.Module(), req.Dependant.Module())
	if err != nil {
		return err
	}
	defer unlock()

	master, err := s.versionOf(ctx, req.Master)
	if err != nil {
		return err
	}
	dependant, err := s.versionOf(ctx, req.Dependant)
	if err != nil {
		return err
	}
	return s.store.Link(ctx, master.ID, dependant.ID)
}

// RenameModule changes the family and name of a module.  The module must exist and the new identity
// must not be in use.
func (s *Service) RenameModule(ctx context.Context, req RenameModuleRequest) (err error) {
	defer s.observe(ctx, "rename_module", time.Now(), &err)

	for _, ref := range []ModuleRef{req.From, req.To} {
		if err = ref.Key().Validate(); err != nil {
			return err
		}
	}
	unlock, err := s.lockModules(ctx, req.From, req.To)
	if err != nil {
		return err
	}
	defer unlock()

	m, err := s.store.FindModule(ctx, req.From.Family, req.From.Name)
	if err != nil {
		return err
	}
	if err = s.store.UpdateModuleIdentity(ctx, m.ID, req.To.Family, req.To.Name); err != nil {
		return err
	}
	s.log.Info("renamed module", "from", req.From.String(), "to", req.To.String())
	return nil
}

// Clear removes every module, version, and dependency edge.
func (s *Service) Clear(ctx context.Context) (err error) {
	defer s.observe(ctx, "clear", time.Now(), &err)
	return s.store.Clear(ctx)
}

func validateMeta(op, key string, meta store.VersionMeta) error {
	var msg string
	switch {
	case len(meta.Author) > maxAuthorLen:
		msg = fmt.Sprintf("author must be at most %d characters", maxAuthorLen)
	case len(meta.Keyword) > maxKeywordLen:
		msg = fmt.Sprintf("keyword must be at most %d characters", maxKeywordLen)
	case len(meta.SarFile) > maxFileRefLen, len(meta.MetaFile) > maxFileRefLen:
		msg = fmt.Sprintf("file references must be at most %d characters", maxFileRefLen)
	case meta.FileSize < 0:
		msg = "file size must not be negative"
	default:
		return nil
	}
	return store.NewError(store.ErrValidation, op, key, errors.New(msg))
}
