package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

var columnsVersions = []string{"id", "module_id", "version", "created_at", "author", "keyword", "sar_file", "meta_file", "file_size"}

// recency orders versions newest first, with the row ID breaking ties between versions published
// within the same instant
var recency = []string{"created_at DESC", "id DESC"}

// GetVersion retrieves a version of the specified module.
func (s *SQLStore) GetVersion(ctx context.Context, moduleID int64, version string) (Version, error) {
	var v Version
	err := s.get(ctx, &v, s.sb.
		Select(columnsVersions...).
		From(tableVersions).
		Where(sq.Eq{"module_id": moduleID, "version": version}))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return Version{}, notFound("get version", fmt.Sprintf("#%d@%s", moduleID, version))
	case err != nil:
		return Version{}, persistence("get version", fmt.Sprintf("#%d@%s", moduleID, version), err)
	}
	v.normalize()
	return v, nil
}

// GetVersionByID retrieves a version by ID.
func (s *SQLStore) GetVersionByID(ctx context.Context, id int64) (Version, error) {
	var v Version
	err := s.get(ctx, &v, s.sb.
		Select(columnsVersions...).
		From(tableVersions).
		Where(sq.Eq{"id": id}))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return Version{}, notFound("get version", fmt.Sprintf("#%d", id))
	case err != nil:
		return Version{}, persistence("get version", fmt.Sprintf("#%d", id), err)
	}
	v.normalize()
	return v, nil
}

// ListVersions retrieves all versions of a module, either newest first or in publication order.
func (s *SQLStore) ListVersions(ctx context.Context, moduleID int64, byRecency bool) ([]Version, error) {
	q := s.sb.
		Select(columnsVersions...).
		From(tableVersions).
		Where(sq.Eq{"module_id": moduleID})
	if byRecency {
		q = q.OrderBy(recency...)
	} else {
		q = q.OrderBy("id")
	}
	var versions []Version
	if err := s.selectAll(ctx, &versions, q); err != nil {
		return nil, persistence("list versions", fmt.Sprintf("#%d", moduleID), err)
	}
	for i := range versions {
		versions[i].normalize()
	}
	return versions, nil
}

// LatestVersion retrieves the most recently created version of a module.
func (s *SQLStore) LatestVersion(ctx context.Context, moduleID int64) (Version, error) {
	var v Version
	err := s.get(ctx, &v, s.sb.
		Select(columnsVersions...).
		From(tableVersions).
		Where(sq.Eq{"module_id": moduleID}).
		OrderBy(recency...).
		Limit(1))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return Version{}, notFound("latest version", fmt.Sprintf("#%d", moduleID))
	case err != nil:
		return Version{}, persistence("latest version", fmt.Sprintf("#%d", moduleID), err)
	}
	v.normalize()
	return v, nil
}

// CountVersions returns the number of version rows owned by a module.
func (s *SQLStore) CountVersions(ctx context.Context, moduleID int64) (int, error) {
	var n int
	err := s.get(ctx, &n, s.sb.
		Select("COUNT(*)").
		From(tableVersions).
		Where(sq.Eq{"module_id": moduleID}))
	if err != nil {
		return 0, persistence("count versions", fmt.Sprintf("#%d", moduleID), err)
	}
	return n, nil
}

// InsertVersion adds a version to a module.  The author defaults to [DefaultAuthor] and the creation
// time to now.  An existing version with the same identifier results in an [ErrConflict] error and a
// missing module in an [ErrNotFound] error.
func (s *SQLStore) InsertVersion(ctx context.Context, moduleID int64, version string, meta VersionMeta) (Version, error) {
	key := fmt.Sprintf("#%d@%s", moduleID, version)
	if version == "" {
		return Version{}, invalid("insert version", key, "version must be provided")
	}
	v := Version{
		ModuleID:  moduleID,
		Version:   version,
		CreatedAt: s.timestamp(meta.CreatedAt),
		Author:    meta.Author,
		Keyword:   meta.Keyword,
		SarFile:   meta.SarFile,
		MetaFile:  meta.MetaFile,
		FileSize:  meta.FileSize,
	}
	if v.Author == "" {
		v.Author = DefaultAuthor
	}
	query, args, err := s.sb.
		Insert(tableVersions).
		Columns(columnsVersions[1:]...). // don't provide ID on an insert
		Values(v.ModuleID, v.Version, v.CreatedAt, v.Author, v.Keyword, v.SarFile, v.MetaFile, v.FileSize).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return Version{}, fmt.Errorf("error constructing database command: %w", err)
	}
	s.log.Debug("executing command", "sql", query, "args", args)
	if err = s.q.QueryRowxContext(ctx, query, args...).Scan(&v.ID); err != nil {
		return Version{}, s.classify("insert version", key, err)
	}
	return v, nil
}

// RemoveVersion deletes a version along with every dependency edge touching it.  Removing a version
// that does not exist is not an error.
func (s *SQLStore) RemoveVersion(ctx context.Context, id int64) error {
	return s.inTx(ctx, func(tx *SQLStore) error {
		if err := tx.RemoveEdgesTouching(ctx, id); err != nil {
			return err
		}
		if _, err := tx.exec(ctx, tx.sb.Delete(tableVersions).Where(sq.Eq{"id": id})); err != nil {
			return persistence("remove version", fmt.Sprintf("#%d", id), err)
		}
		return nil
	})
}

// versionsByID loads the specified versions in one round trip.
func (s *SQLStore) versionsByID(ctx context.Context, ids []int64) (map[int64]Version, error) {
	result := make(map[int64]Version, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	var versions []Version
	err := s.selectAll(ctx, &versions, s.sb.
		Select(columnsVersions...).
		From(tableVersions).
		Where(sq.Eq{"id": ids}))
	if err != nil {
		return nil, persistence("load versions", "", err)
	}
	for _, v := range versions {
		v.normalize()
		result[v.ID] = v
	}
	return result, nil
}
