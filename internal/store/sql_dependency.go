package store

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

// endpoints returns the column matched against the version and the column holding the other end
// of the edge for the specified direction
func endpoints(dir Direction) (match, other string) {
	if dir == Dependant {
		return "dependant_version_id", "master_version_id"
	}
	return "master_version_id", "dependant_version_id"
}

// EdgesOf retrieves the dependency edges where the version is at the specified end.
func (s *SQLStore) EdgesOf(ctx context.Context, versionID int64, dir Direction) ([]Dependency, error) {
	match, other := endpoints(dir)
	var edges []Dependency
	err := s.selectAll(ctx, &edges, s.sb.
		Select("master_version_id", "dependant_version_id").
		From(tableDependencies).
		Where(sq.Eq{match: versionID}).
		OrderBy(other))
	if err != nil {
		return nil, persistence("list dependencies", fmt.Sprintf("#%d", versionID), err)
	}
	return edges, nil
}

// LinkedVersions retrieves the versions at the other end of the edges where the version is at the
// specified end, along with the identity of the modules that own them.  For [Master] these are the
// versions it depends on and for [Dependant] the versions that depend on it.
func (s *SQLStore) LinkedVersions(ctx context.Context, versionID int64, dir Direction) ([]ModuleVersion, error) {
	match, other := endpoints(dir)
	cols := make([]string, 0, len(columnsVersions)+2)
	cols = append(cols, "m.family", "m.name")
	for _, c := range columnsVersions {
		cols = append(cols, "v."+c)
	}
	var results []ModuleVersion
	err := s.selectAll(ctx, &results, s.sb.
		Select(cols...).
		From(tableDependencies + " d").
		Join(tableVersions + " v ON (v.id = d." + other + ")").
		Join(tableModules + " m ON (m.id = v.module_id)").
		Where(sq.Eq{"d." + match: versionID}).
		OrderBy("m.family", "m.name", "v.created_at DESC", "v.id DESC"))
	if err != nil {
		return nil, persistence("list dependencies", fmt.Sprintf("#%d", versionID), err)
	}
	for i := range results {
		results[i].Version.normalize()
	}
	return results, nil
}

// Link records that the master version depends on the dependant version.  Linking an existing edge
// is a no-op, and a missing endpoint results in an [ErrNotFound] error.
func (s *SQLStore) Link(ctx context.Context, masterVersionID, dependantVersionID int64) error {
	_, err := s.exec(ctx, s.sb.
		Insert(tableDependencies).
		Columns("master_version_id", "dependant_version_id").
		Values(masterVersionID, dependantVersionID).
		Suffix("ON CONFLICT DO NOTHING"))
	if err != nil {
		return s.classify("link", fmt.Sprintf("#%d->#%d", masterVersionID, dependantVersionID), err)
	}
	return nil
}

// RemoveEdgesTouching deletes every edge where the version is either the master or the dependant.
func (s *SQLStore) RemoveEdgesTouching(ctx context.Context, versionID int64) error {
	_, err := s.exec(ctx, s.sb.
		Delete(tableDependencies).
		Where(sq.Or{
			sq.Eq{"master_version_id": versionID},
			sq.Eq{"dependant_version_id": versionID},
		}))
	if err != nil {
		return persistence("unlink", fmt.Sprintf("#%d", versionID), err)
	}
	return nil
}
