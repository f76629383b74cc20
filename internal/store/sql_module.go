package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

var (
	columnsModules = []string{"id", "family", "name", "identity_key", "version_count", "latest_version_id", "is_local", "created_at", "updated_at"}

	// the columns a search may be ordered by, per table
	moduleOrderColumns  = map[string]bool{"id": true, "family": true, "name": true, "version_count": true, "created_at": true, "updated_at": true}
	versionOrderColumns = map[string]bool{"id": true, "version": true, "created_at": true, "author": true, "keyword": true, "file_size": true}
)

// FindModule retrieves the module identified by (family, name).
func (s *SQLStore) FindModule(ctx context.Context, family, name string) (Module, error) {
	var m Module
	err := s.get(ctx, &m, s.sb.
		Select(columnsModules...).
		From(tableModules).
		Where(sq.Eq{"family": family, "name": name}))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return Module{}, notFound("find module", family+"/"+name)
	case err != nil:
		return Module{}, persistence("find module", family+"/"+name, err)
	}
	m.normalize()
	return m, nil
}

// GetModule retrieves a module by ID.
func (s *SQLStore) GetModule(ctx context.Context, id int64) (Module, error) {
	var m Module
	err := s.get(ctx, &m, s.sb.
		Select(columnsModules...).
		From(tableModules).
		Where(sq.Eq{"id": id}))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return Module{}, notFound("get module", fmt.Sprintf("#%d", id))
	case err != nil:
		return Module{}, persistence("get module", fmt.Sprintf("#%d", id), err)
	}
	m.normalize()
	return m, nil
}

// CreateModule inserts a new module with no versions.  If a module with the same (family, name)
// already exists an error of kind [ErrConflict] is returned.
func (s *SQLStore) CreateModule(ctx context.Context, family, name string) (Module, error) {
	key := ModuleKey(family, name)
	if err := key.Validate(); err != nil {
		return Module{}, err
	}
	now := s.timestamp(s.now())
	m := Module{
		Family:    family,
		Name:      name,
		Key:       key.Digest(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	query, args, err := s.sb.
		Insert(tableModules).
		Columns(columnsModules[1:]...). // don't provide ID on an insert
		Values(m.Family, m.Name, m.Key, 0, nil, false, m.CreatedAt, m.UpdatedAt).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return Module{}, fmt.Errorf("error constructing database command: %w", err)
	}
	s.log.Debug("executing command", "sql", query, "args", args)
	if err = s.q.QueryRowxContext(ctx, query, args...).Scan(&m.ID); err != nil {
		return Module{}, s.classify("create module", key.String(), err)
	}
	return m, nil
}

// UpdateModuleIdentity changes the (family, name) of a module, and so its identity key.
func (s *SQLStore) UpdateModuleIdentity(ctx context.Context, id int64, family, name string) error {
	key := ModuleKey(family, name)
	if err := key.Validate(); err != nil {
		return err
	}
	n, err := s.exec(ctx, s.sb.
		Update(tableModules).
		Set("family", family).
		Set("name", name).
		Set("identity_key", key.Digest()).
		Set("updated_at", s.timestamp(s.now())).
		Where(sq.Eq{"id": id}))
	if err != nil {
		return s.classify("rename module", key.String(), err)
	}
	if n == 0 {
		return notFound("rename module", fmt.Sprintf("#%d", id))
	}
	return nil
}

// SetLatestVersion points the module's latest pointer at the specified version, or clears it if
// versionID is NULL.
func (s *SQLStore) SetLatestVersion(ctx context.Context, id int64, versionID sql.NullInt64) error {
	return s.updateModule(ctx, "set latest version", id, s.sb.
		Update(tableModules).
		Set("latest_version_id", versionID))
}

// IncrementVersionCount adds delta, which may be negative, to the module's version count.  The
// count never drops below zero.
func (s *SQLStore) IncrementVersionCount(ctx context.Context, id int64, delta int) error {
	return s.updateModule(ctx, "increment version count", id, s.sb.
		Update(tableModules).
		Set("version_count", sq.Expr("CASE WHEN version_count + ? < 0 THEN 0 ELSE version_count + ? END", delta, delta)))
}

// SetVersionCount overwrites the module's version count.
func (s *SQLStore) SetVersionCount(ctx context.Context, id int64, n int) error {
	if n < 0 {
		return invalid("set version count", fmt.Sprintf("#%d", id), "version count must not be negative")
	}
	return s.updateModule(ctx, "set version count", id, s.sb.
		Update(tableModules).
		Set("version_count", n))
}

func (s *SQLStore) updateModule(ctx context.Context, op string, id int64, b sq.UpdateBuilder) error {
	n, err := s.exec(ctx, b.
		Set("updated_at", s.timestamp(s.now())).
		Where(sq.Eq{"id": id}))
	if err != nil {
		return s.classify(op, fmt.Sprintf("#%d", id), err)
	}
	if n == 0 {
		return notFound(op, fmt.Sprintf("#%d", id))
	}
	return nil
}

// RemoveModuleCascade deletes the module, all of its versions, and every dependency edge touching
// those versions in a single transaction.  Removing a module that does not exist is not an error.
func (s *SQLStore) RemoveModuleCascade(ctx context.Context, id int64) error {
	key := fmt.Sprintf("#%d", id)
	return s.inTx(ctx, func(tx *SQLStore) error {
		owned := tx.sb.Select("id").From(tableVersions).Where(sq.Eq{"module_id": id})
		if _, err := tx.exec(ctx, tx.sb.
			Delete(tableDependencies).
			Where(sq.Or{
				sq.Expr("master_version_id IN (?)", owned),
				sq.Expr("dependant_version_id IN (?)", owned),
			})); err != nil {
			return persistence("remove module dependencies", key, err)
		}
		if _, err := tx.exec(ctx, tx.sb.Delete(tableVersions).Where(sq.Eq{"module_id": id})); err != nil {
			return persistence("remove module versions", key, err)
		}
		if _, err := tx.exec(ctx, tx.sb.Delete(tableModules).Where(sq.Eq{"id": id})); err != nil {
			return persistence("remove module", key, err)
		}
		return nil
	})
}

// Clear deletes every module, version, and dependency.
func (s *SQLStore) Clear(ctx context.Context) error {
	return s.inTx(ctx, func(tx *SQLStore) error {
		for _, table := range []string{tableDependencies, tableVersions, tableModules} {
			if _, err := tx.exec(ctx, tx.sb.Delete(table)); err != nil {
				return persistence("clear", table, err)
			}
		}
		return nil
	})
}

// SearchModules returns a lazy sequence of the modules matching q.  Rows are fetched a page at a
// time so no cursor is held open between iterations, and each range over the sequence re-runs the
// query from the start.
func (s *SQLStore) SearchModules(ctx context.Context, q ModuleQuery) iter.Seq2[Listing, error] {
	return func(yield func(Listing, error) bool) {
		b, err := s.listingQuery(q)
		if err != nil {
			yield(Listing{}, err)
			return
		}
		for offset := 0; ; offset += s.pageSize {
			page, err := s.fetchListings(ctx, b.Limit(uint64(s.pageSize)).Offset(uint64(offset)))
			if err != nil {
				yield(Listing{}, err)
				return
			}
			for _, l := range page {
				if !yield(l, nil) {
					return
				}
			}
			if len(page) < s.pageSize {
				return
			}
		}
	}
}

// QueryModules returns a list of 0 to count modules that match q, along with a paging token.
//
// The pageToken argument, if provided, should be the return value from a prior call to this method
// with the same query.  It will be decoded to determine the next "page" of results.  An invalid page
// token will result in an error being returned.
func (s *SQLStore) QueryModules(ctx context.Context, q ModuleQuery, pageToken string, count int) ([]Listing, string, error) {
	tokenKey := fmt.Sprintf("modules:%s:%s:%v", q.Family, q.Name, q.OrderBy)
	offset := 0
	if pageToken != "" {
		var err error
		offset, err = decodePageToken(pageToken, tokenKey)
		if err != nil {
			return nil, "", NewError(ErrValidation, "query modules", "", fmt.Errorf("invalid page token: %w", err))
		}
	}
	b, err := s.listingQuery(q)
	if err != nil {
		return nil, "", err
	}
	if offset > 0 {
		b = b.Offset(uint64(offset))
	}
	if count > 0 {
		b = b.Limit(uint64(count))
	}
	results, err := s.fetchListings(ctx, b)
	if err != nil {
		return nil, "", err
	}
	return results, encodePageToken(tokenKey, len(results), offset, count), nil
}

// listingRow is a module row of a search, plus the ID of the version the row is for when the
// search is ordered by version columns.
type listingRow struct {
	Module
	RowVersionID sql.NullInt64 `db:"row_version_id"`
}

func (s *SQLStore) listingQuery(q ModuleQuery) (sq.SelectBuilder, error) {
	var joinLatest, joinVersion bool
	for _, k := range q.OrderBy {
		switch k.Table {
		case TableModule:
			if !moduleOrderColumns[k.Column] {
				return sq.SelectBuilder{}, invalid("search modules", "", fmt.Sprintf("unsupported order column %q", k.Column))
			}
		case TableLatest, TableVersion:
			if !versionOrderColumns[k.Column] {
				return sq.SelectBuilder{}, invalid("search modules", "", fmt.Sprintf("unsupported order column %q", k.Table.prefix()+k.Column))
			}
			joinLatest = joinLatest || k.Table == TableLatest
			joinVersion = joinVersion || k.Table == TableVersion
		default:
			return sq.SelectBuilder{}, invalid("search modules", "", fmt.Sprintf("unsupported order table %d", k.Table))
		}
	}

	cols := make([]string, 0, len(columnsModules)+1)
	for _, c := range columnsModules {
		cols = append(cols, "m."+c)
	}
	if joinVersion {
		cols = append(cols, "v.id AS row_version_id")
	} else {
		cols = append(cols, "NULL AS row_version_id")
	}

	b := s.sb.Select(cols...).From(tableModules + " m")
	if joinLatest {
		b = b.LeftJoin(tableVersions + " lv ON (lv.id = m.latest_version_id)")
	}
	if joinVersion {
		b = b.Join(tableVersions + " v ON (v.module_id = m.id)")
	}
	b = applyPattern(b, "m.family", q.Family)
	b = applyPattern(b, "m.name", q.Name)

	order := make([]string, 0, len(q.OrderBy)+3)
	for _, k := range q.OrderBy {
		dir := ""
		if k.Desc {
			dir = " DESC"
		}
		switch k.Table {
		case TableLatest:
			// modules without a latest version sort last regardless of direction and dialect
			order = append(order, "CASE WHEN lv.id IS NULL THEN 1 ELSE 0 END", "lv."+k.Column+dir)
		case TableVersion:
			order = append(order, "v."+k.Column+dir)
		default:
			order = append(order, "m."+k.Column+dir)
		}
	}
	if len(q.OrderBy) == 0 {
		order = append(order, "m.family", "m.name")
	}
	order = append(order, "m.id")
	if joinVersion {
		order = append(order, "v.id")
	}
	return b.OrderBy(order...), nil
}

func (s *SQLStore) fetchListings(ctx context.Context, b sq.SelectBuilder) ([]Listing, error) {
	var rows []listingRow
	if err := s.selectAll(ctx, &rows, b); err != nil {
		return nil, persistence("search modules", "", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	ids := make([]int64, 0, 2*len(rows))
	for _, r := range rows {
		if r.LatestVersionID.Valid {
			ids = append(ids, r.LatestVersionID.Int64)
		}
		if r.RowVersionID.Valid {
			ids = append(ids, r.RowVersionID.Int64)
		}
	}
	versions, err := s.versionsByID(ctx, ids)
	if err != nil {
		return nil, err
	}

	results := make([]Listing, 0, len(rows))
	for _, r := range rows {
		r.normalize()
		l := Listing{Module: r.Module}
		if v, ok := versions[r.LatestVersionID.Int64]; ok && r.LatestVersionID.Valid {
			l.Latest = &v
		}
		if v, ok := versions[r.RowVersionID.Int64]; ok && r.RowVersionID.Valid {
			l.Version = &v
		}
		results = append(results, l)
	}
	return results, nil
}

// applyPattern restricts column to values matching pattern.  Glob '*' and '?' wildcards are
// translated to their SQL equivalents, and a pattern without wildcards is an exact match.
func applyPattern(q sq.SelectBuilder, column, pattern string) sq.SelectBuilder {
	if pattern == "" || pattern == "%" || pattern == "*" {
		return q
	}
	where := strings.Map(func(c rune) rune {
		switch c {
		case '?':
			return '_'
		case '*':
			return '%'
		default:
			return c
		}
	}, pattern)
	return q.Where(sq.Like{column: where})
}

func (t Table) prefix() string {
	switch t {
	case TableLatest:
		return "latest."
	case TableVersion:
		return "version."
	default:
		return ""
	}
}
