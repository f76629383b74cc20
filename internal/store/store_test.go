package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

// newTestStore returns a migrated store backed by a private in-memory SQLite database.
func newTestStore(t *testing.T, opts ...Option) *SQLStore {
	t.Helper()
	ctx := context.Background()
	s, err := NewSQLiteClient(ctx, ":memory:", append([]Option{WithClock(func() time.Time { return epoch })}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(ctx))
	return s
}

// newPostgresStore returns a migrated, emptied store for the database identified by the
// TEST_POSTGRES_DSN environment variable, or skips the test if it is not set.
func newPostgresStore(t *testing.T) *SQLStore {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN is not set")
	}
	ctx := context.Background()
	s, err := NewPostgresClient(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.Clear(ctx))
	return s
}

func mustVersion(t *testing.T, s Store, family, name, version string, at time.Time) (Module, Version) {
	t.Helper()
	ctx := context.Background()
	m, err := s.FindModule(ctx, family, name)
	if KindOf(err) == ErrNotFound {
		m, err = s.CreateModule(ctx, family, name)
	}
	require.NoError(t, err)
	v, err := s.InsertVersion(ctx, m.ID, version, VersionMeta{CreatedAt: at})
	require.NoError(t, err)
	return m, v
}

func TestCreateModule(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	m, err := s.CreateModule(ctx, "js", "jquery")
	require.NoError(t, err)
	assert.NotZero(t, m.ID)
	assert.Equal(t, ModuleKey("js", "jquery").Digest(), m.Key)
	assert.Equal(t, 0, m.VersionCount)
	assert.False(t, m.HasLatest())
	assert.Equal(t, epoch, m.CreatedAt)

	got, err := s.FindModule(ctx, "js", "jquery")
	require.NoError(t, err)
	assert.Equal(t, m, got)

	byID, err := s.GetModule(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, m, byID)

	_, err = s.CreateModule(ctx, "js", "jquery")
	assert.ErrorIs(t, err, ErrConflict)

	_, err = s.CreateModule(ctx, "js", "")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = s.FindModule(ctx, "js", "react")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetModule(ctx, m.ID+100)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateModuleIdentity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	a, err := s.CreateModule(ctx, "js", "jquery")
	require.NoError(t, err)
	_, err = s.CreateModule(ctx, "js", "zepto")
	require.NoError(t, err)

	require.NoError(t, s.UpdateModuleIdentity(ctx, a.ID, "web", "jquery"))
	got, err := s.GetModule(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "web", got.Family)
	assert.Equal(t, ModuleKey("web", "jquery").Digest(), got.Key)

	err = s.UpdateModuleIdentity(ctx, a.ID, "js", "zepto")
	assert.ErrorIs(t, err, ErrConflict)
	err = s.UpdateModuleIdentity(ctx, a.ID+100, "js", "other")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestModuleCounters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	m, v := mustVersion(t, s, "js", "jquery", "1.0.0", epoch)

	require.NoError(t, s.IncrementVersionCount(ctx, m.ID, 2))
	require.NoError(t, s.IncrementVersionCount(ctx, m.ID, -1))
	require.NoError(t, s.SetLatestVersion(ctx, m.ID, sql.NullInt64{Int64: v.ID, Valid: true}))
	got, err := s.GetModule(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.VersionCount)
	assert.Equal(t, v.ID, got.LatestVersionID.Int64)

	// the count is floored at zero
	require.NoError(t, s.IncrementVersionCount(ctx, m.ID, -5))
	got, err = s.GetModule(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.VersionCount)

	require.NoError(t, s.SetVersionCount(ctx, m.ID, 7))
	require.NoError(t, s.SetLatestVersion(ctx, m.ID, sql.NullInt64{}))
	got, err = s.GetModule(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, got.VersionCount)
	assert.False(t, got.HasLatest())

	assert.ErrorIs(t, s.SetVersionCount(ctx, m.ID, -1), ErrValidation)
	assert.ErrorIs(t, s.SetLatestVersion(ctx, m.ID+100, sql.NullInt64{}), ErrNotFound)
	assert.ErrorIs(t, s.IncrementVersionCount(ctx, m.ID+100, 1), ErrNotFound)
}

func TestInsertVersion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	m, err := s.CreateModule(ctx, "js", "jquery")
	require.NoError(t, err)

	created := time.Date(2023, time.July, 4, 8, 30, 15, 123456789, time.FixedZone("EST", -5*3600))
	v, err := s.InsertVersion(ctx, m.ID, "3.7.1", VersionMeta{
		CreatedAt: created,
		Keyword:   "dom",
		SarFile:   "jquery-3.7.1.sar",
		MetaFile:  "jquery-3.7.1.json",
		FileSize:  87533,
	})
	require.NoError(t, err)
	assert.Equal(t, DefaultAuthor, v.Author)
	assert.True(t, created.Truncate(time.Microsecond).Equal(v.CreatedAt))

	got, err := s.GetVersion(ctx, m.ID, "3.7.1")
	require.NoError(t, err)
	assert.Equal(t, v, got)
	byID, err := s.GetVersionByID(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, v, byID)

	// the version is stamped with the store clock when no creation time is given
	v2, err := s.InsertVersion(ctx, m.ID, "3.7.2", VersionMeta{Author: "resig"})
	require.NoError(t, err)
	assert.Equal(t, epoch, v2.CreatedAt)
	assert.Equal(t, "resig", v2.Author)

	_, err = s.InsertVersion(ctx, m.ID, "3.7.1", VersionMeta{})
	assert.ErrorIs(t, err, ErrConflict)
	_, err = s.InsertVersion(ctx, m.ID+100, "1.0.0", VersionMeta{})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.InsertVersion(ctx, m.ID, "", VersionMeta{})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = s.GetVersion(ctx, m.ID, "9.9.9")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListVersions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	m, v1 := mustVersion(t, s, "js", "jquery", "1.0.0", epoch.Add(time.Hour))
	_, v2 := mustVersion(t, s, "js", "jquery", "2.0.0", epoch)
	// same instant as v1, so the later row wins the tie
	_, v3 := mustVersion(t, s, "js", "jquery", "1.0.1", epoch.Add(time.Hour))

	versions, err := s.ListVersions(ctx, m.ID, true)
	require.NoError(t, err)
	assert.Equal(t, []int64{v3.ID, v1.ID, v2.ID}, versionIDs(versions))

	versions, err = s.ListVersions(ctx, m.ID, false)
	require.NoError(t, err)
	assert.Equal(t, []int64{v1.ID, v2.ID, v3.ID}, versionIDs(versions))

	latest, err := s.LatestVersion(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, v3.ID, latest.ID)

	n, err := s.CountVersions(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	empty, err := s.CreateModule(ctx, "js", "empty")
	require.NoError(t, err)
	_, err = s.LatestVersion(ctx, empty.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	versions, err = s.ListVersions(ctx, empty.ID, true)
	require.NoError(t, err)
	assert.Empty(t, versions)
}

func TestDependencies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	_, app := mustVersion(t, s, "web", "app", "1.0.0", epoch)
	_, jq := mustVersion(t, s, "js", "jquery", "3.7.1", epoch)
	_, ui := mustVersion(t, s, "js", "jquery-ui", "1.13.2", epoch)

	require.NoError(t, s.Link(ctx, app.ID, jq.ID))
	require.NoError(t, s.Link(ctx, app.ID, ui.ID))
	require.NoError(t, s.Link(ctx, ui.ID, jq.ID))
	// re-linking is a no-op
	require.NoError(t, s.Link(ctx, app.ID, jq.ID))

	edges, err := s.EdgesOf(ctx, app.ID, Master)
	require.NoError(t, err)
	assert.Equal(t, []Dependency{{app.ID, jq.ID}, {app.ID, ui.ID}}, edges)

	edges, err = s.EdgesOf(ctx, jq.ID, Dependant)
	require.NoError(t, err)
	assert.Equal(t, []Dependency{{app.ID, jq.ID}, {ui.ID, jq.ID}}, edges)

	deps, err := s.LinkedVersions(ctx, app.ID, Master)
	require.NoError(t, err)
	require.Len(t, deps, 2)
	assert.Equal(t, "jquery", deps[0].Name)
	assert.Equal(t, "3.7.1", deps[0].Version.Version)
	assert.Equal(t, "jquery-ui", deps[1].Name)

	users, err := s.LinkedVersions(ctx, jq.ID, Dependant)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "jquery-ui", users[0].Name)
	assert.Equal(t, "app", users[1].Name)

	err = s.Link(ctx, app.ID, jq.ID+100)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.RemoveEdgesTouching(ctx, jq.ID))
	edges, err = s.EdgesOf(ctx, app.ID, Master)
	require.NoError(t, err)
	assert.Equal(t, []Dependency{{app.ID, ui.ID}}, edges)
}

func TestRemoveVersion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	_, app := mustVersion(t, s, "web", "app", "1.0.0", epoch)
	m, jq := mustVersion(t, s, "js", "jquery", "3.7.1", epoch)
	require.NoError(t, s.Link(ctx, app.ID, jq.ID))
	require.NoError(t, s.Link(ctx, jq.ID, app.ID))

	require.NoError(t, s.RemoveVersion(ctx, jq.ID))
	_, err := s.GetVersionByID(ctx, jq.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	for _, dir := range []Direction{Master, Dependant} {
		edges, err := s.EdgesOf(ctx, app.ID, dir)
		require.NoError(t, err)
		assert.Empty(t, edges, dir.String())
	}
	// the module row is untouched, keeping it consistent is up to the caller
	_, err = s.GetModule(ctx, m.ID)
	require.NoError(t, err)

	// removing again is not an error
	require.NoError(t, s.RemoveVersion(ctx, jq.ID))
}

func TestRemoveModuleCascade(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	_, app := mustVersion(t, s, "web", "app", "1.0.0", epoch)
	m, jq1 := mustVersion(t, s, "js", "jquery", "3.7.0", epoch)
	_, jq2 := mustVersion(t, s, "js", "jquery", "3.7.1", epoch)
	_, ui := mustVersion(t, s, "js", "jquery-ui", "1.13.2", epoch)
	require.NoError(t, s.Link(ctx, app.ID, jq2.ID))
	require.NoError(t, s.Link(ctx, jq1.ID, ui.ID))
	require.NoError(t, s.Link(ctx, app.ID, ui.ID))

	require.NoError(t, s.RemoveModuleCascade(ctx, m.ID))

	_, err := s.GetModule(ctx, m.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	n, err := s.CountVersions(ctx, m.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
	edges, err := s.EdgesOf(ctx, app.ID, Master)
	require.NoError(t, err)
	assert.Equal(t, []Dependency{{app.ID, ui.ID}}, edges)
	edges, err = s.EdgesOf(ctx, ui.ID, Dependant)
	require.NoError(t, err)
	assert.Equal(t, []Dependency{{app.ID, ui.ID}}, edges)

	require.NoError(t, s.RemoveModuleCascade(ctx, m.ID))
}

func TestInTx(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	testErr := fmt.Errorf("oh no")

	err := s.InTx(ctx, func(tx Store) error {
		if _, err := tx.CreateModule(ctx, "js", "jquery"); err != nil {
			return err
		}
		// nested calls join the outer transaction
		return tx.InTx(ctx, func(inner Store) error {
			_, err := inner.FindModule(ctx, "js", "jquery")
			require.NoError(t, err)
			return testErr
		})
	})
	assert.ErrorIs(t, err, testErr)
	_, err = s.FindModule(ctx, "js", "jquery")
	assert.ErrorIs(t, err, ErrNotFound, "the insert should have been rolled back")

	err = s.InTx(ctx, func(tx Store) error {
		_, err := tx.CreateModule(ctx, "js", "jquery")
		return err
	})
	require.NoError(t, err)
	_, err = s.FindModule(ctx, "js", "jquery")
	assert.NoError(t, err)
}

func TestClear(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	m, a := mustVersion(t, s, "js", "jquery", "1.0.0", epoch)
	_, b := mustVersion(t, s, "js", "zepto", "1.0.0", epoch)
	require.NoError(t, s.Link(ctx, a.ID, b.ID))

	require.NoError(t, s.Clear(ctx))
	_, err := s.GetModule(ctx, m.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	edges, err := s.EdgesOf(ctx, a.ID, Master)
	require.NoError(t, err)
	assert.Empty(t, edges)
}

func TestOpenUnknownDialect(t *testing.T) {
	t.Parallel()
	_, err := Open(context.Background(), "oracle", "")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestPostgres(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()

	m, err := s.CreateModule(ctx, "js", "jquery")
	require.NoError(t, err)
	_, err = s.CreateModule(ctx, "js", "jquery")
	assert.ErrorIs(t, err, ErrConflict)

	v, err := s.InsertVersion(ctx, m.ID, "3.7.1", VersionMeta{})
	require.NoError(t, err)
	_, err = s.InsertVersion(ctx, m.ID, "3.7.1", VersionMeta{})
	assert.ErrorIs(t, err, ErrConflict)
	_, err = s.InsertVersion(ctx, m.ID+100, "3.7.1", VersionMeta{})
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Link(ctx, v.ID, v.ID))
	require.NoError(t, s.Link(ctx, v.ID, v.ID))
	assert.ErrorIs(t, s.Link(ctx, v.ID, v.ID+100), ErrNotFound)

	page, _, err := s.QueryModules(ctx, ModuleQuery{OrderBy: []OrderKey{{Table: TableLatest, Column: "created_at", Desc: true}}}, "", 10)
	require.NoError(t, err)
	require.Len(t, page, 1)

	require.NoError(t, s.RemoveModuleCascade(ctx, m.ID))
	edges, err := s.EdgesOf(ctx, v.ID, Master)
	require.NoError(t, err)
	assert.Empty(t, edges)
}

func versionIDs(versions []Version) []int64 {
	ids := make([]int64, 0, len(versions))
	for _, v := range versions {
		ids = append(ids, v.ID)
	}
	return ids
}
