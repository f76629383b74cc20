package registry

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ronnin/oldman-club/internal/store"
)

var epoch = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

// tickingClock returns a clock that advances by one second on every reading so that versions
// published in sequence have strictly increasing creation times.
func tickingClock() func() time.Time {
	var n atomic.Int64
	return func() time.Time {
		return epoch.Add(time.Duration(n.Add(1)) * time.Second)
	}
}

func newTestStore(t *testing.T) *store.SQLStore {
	t.Helper()
	ctx := context.Background()
	st, err := store.NewSQLiteClient(ctx, ":memory:", store.WithClock(tickingClock()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(ctx))
	return st
}

func newTestService(t *testing.T, opts ...Option) (*Service, *store.SQLStore) {
	t.Helper()
	st := newTestStore(t)
	svc, err := New(st, append([]Option{WithClock(tickingClock())}, opts...)...)
	require.NoError(t, err)
	return svc, st
}

func ref(family, name, version string) VersionRef {
	return VersionRef{Family: family, Name: name, Version: version}
}

func publish(t *testing.T, svc *Service, r VersionRef) store.Version {
	t.Helper()
	v, err := svc.CreateOrReplaceVersion(context.Background(), CreateVersionRequest{VersionRef: r})
	require.NoError(t, err)
	return v
}

// assertModuleState checks the module's count and latest pointer, where an empty latest means the
// pointer must be unset, and that the count agrees with the version rows.
func assertModuleState(t *testing.T, svc *Service, st store.Store, m ModuleRef, count int, latest string) {
	t.Helper()
	ctx := context.Background()
	d, err := svc.ModuleOf(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, count, d.Module.VersionCount, "version count")
	n, err := st.CountVersions(ctx, d.Module.ID)
	require.NoError(t, err)
	assert.Equal(t, n, d.Module.VersionCount, "version count disagrees with the version rows")
	if latest == "" {
		assert.False(t, d.Module.HasLatest(), "latest pointer should be unset")
		assert.Nil(t, d.Latest)
		return
	}
	require.NotNil(t, d.Latest, "latest version")
	assert.Equal(t, latest, d.Latest.Version)
	assert.Equal(t, d.Module.LatestVersionID.Int64, d.Latest.ID)
}

func TestJQueryScenario(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, st := newTestService(t)
	jquery := ModuleRef{Family: "jquery", Name: "jquery"}

	publish(t, svc, ref("jquery", "jquery", "1.8.7"))
	publish(t, svc, ref("jquery", "jquery", "1.9.2"))
	assertModuleState(t, svc, st, jquery, 2, "1.9.2")

	require.NoError(t, svc.RemoveVersion(ctx, ref("jquery", "jquery", "1.9.2")))
	assertModuleState(t, svc, st, jquery, 1, "1.8.7")

	require.NoError(t, svc.RemoveVersion(ctx, ref("jquery", "jquery", "1.8.7")))
	// the empty module is kept
	assertModuleState(t, svc, st, jquery, 0, "")

	v, err := svc.CreateOrReplaceVersion(ctx, CreateVersionRequest{
		VersionRef: ref("jquery", "jquery", "1.8.7"),
		Meta:       store.VersionMeta{Author: "resig", Keyword: "dom"},
		Force:      true,
	})
	require.NoError(t, err)
	assert.Equal(t, "resig", v.Author)
	assertModuleState(t, svc, st, jquery, 1, "1.8.7")

	versions, err := svc.VersionsOf(ctx, jquery)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, "dom", versions[0].Keyword)
}

func TestLatestIsNewestCreatedNotHighestVersion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, st := newTestService(t)
	m := ModuleRef{Family: "js", Name: "lodash"}

	publish(t, svc, ref("js", "lodash", "4.17.21"))
	publish(t, svc, ref("js", "lodash", "3.10.1"))
	assertModuleState(t, svc, st, m, 2, "3.10.1")

	// removing a version that is not the latest leaves the pointer alone
	publish(t, svc, ref("js", "lodash", "2.4.2"))
	require.NoError(t, svc.RemoveVersion(ctx, ref("js", "lodash", "3.10.1")))
	assertModuleState(t, svc, st, m, 2, "2.4.2")

	// after removing the latest, the most recently created remaining version takes over
	require.NoError(t, svc.RemoveVersion(ctx, ref("js", "lodash", "2.4.2")))
	assertModuleState(t, svc, st, m, 1, "4.17.21")
}

func TestCreateOrReplaceVersionConflict(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, st := newTestService(t)
	r := ref("js", "jquery", "3.7.1")

	original, err := svc.CreateOrReplaceVersion(ctx, CreateVersionRequest{VersionRef: r, Meta: store.VersionMeta{Keyword: "original"}})
	require.NoError(t, err)

	_, err = svc.CreateOrReplaceVersion(ctx, CreateVersionRequest{VersionRef: r, Meta: store.VersionMeta{Keyword: "replacement"}})
	require.ErrorIs(t, err, store.ErrConflict)
	assert.Equal(t, store.ErrConflict, store.KindOf(err))
	assert.Contains(t, err.Error(), "module already exists")

	// nothing was changed
	got, err := svc.VersionOf(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, original, got)
	assertModuleState(t, svc, st, r.Module(), 1, "3.7.1")
}

func TestForceReplace(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, st := newTestService(t)

	app := publish(t, svc, ref("web", "app", "1.0.0"))
	old := publish(t, svc, ref("js", "jquery", "3.7.1"))
	publish(t, svc, ref("js", "jquery", "3.7.2"))
	require.NoError(t, svc.Link(ctx, LinkRequest{Master: ref("web", "app", "1.0.0"), Dependant: ref("js", "jquery", "3.7.1")}))

	v, err := svc.CreateOrReplaceVersion(ctx, CreateVersionRequest{
		VersionRef: ref("js", "jquery", "3.7.1"),
		Meta:       store.VersionMeta{FileSize: 42},
		Force:      true,
	})
	require.NoError(t, err)
	assert.NotEqual(t, old.ID, v.ID)
	assert.Equal(t, int64(42), v.FileSize)

	// one row for the version, the count is unchanged, and the replacement is the latest
	assertModuleState(t, svc, st, ModuleRef{Family: "js", Name: "jquery"}, 2, "3.7.1")
	_, err = st.GetVersionByID(ctx, old.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// the replaced version's dependency edges went with it
	edges, err := st.EdgesOf(ctx, app.ID, store.Master)
	require.NoError(t, err)
	assert.Empty(t, edges)

	// replacing with force when nothing exists is a plain create
	_, err = svc.CreateOrReplaceVersion(ctx, CreateVersionRequest{VersionRef: ref("js", "zepto", "1.2.0"), Force: true})
	require.NoError(t, err)
	assertModuleState(t, svc, st, ModuleRef{Family: "js", Name: "zepto"}, 1, "1.2.0")
}

func TestRemoveIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, st := newTestService(t)
	publish(t, svc, ref("js", "jquery", "3.7.1"))

	require.NoError(t, svc.RemoveVersion(ctx, ref("js", "jquery", "9.9.9")))
	require.NoError(t, svc.RemoveVersion(ctx, ref("js", "missing", "1.0.0")))
	require.NoError(t, svc.RemoveModule(ctx, ModuleRef{Family: "js", Name: "missing"}))
	assertModuleState(t, svc, st, ModuleRef{Family: "js", Name: "jquery"}, 1, "3.7.1")

	require.NoError(t, svc.RemoveVersion(ctx, ref("js", "jquery", "3.7.1")))
	require.NoError(t, svc.RemoveVersion(ctx, ref("js", "jquery", "3.7.1")))
	assertModuleState(t, svc, st, ModuleRef{Family: "js", Name: "jquery"}, 0, "")

	require.NoError(t, svc.RemoveModule(ctx, ModuleRef{Family: "js", Name: "jquery"}))
	require.NoError(t, svc.RemoveModule(ctx, ModuleRef{Family: "js", Name: "jquery"}))
	_, err := svc.ModuleOf(ctx, ModuleRef{Family: "js", Name: "jquery"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRemoveModuleCascade(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, st := newTestService(t)

	app := publish(t, svc, ref("web", "app", "1.0.0"))
	jq1 := publish(t, svc, ref("js", "jquery", "3.7.0"))
	jq2 := publish(t, svc, ref("js", "jquery", "3.7.1"))
	ui := publish(t, svc, ref("js", "jquery-ui", "1.13.2"))
	for _, req := range []LinkRequest{
		{Master: ref("web", "app", "1.0.0"), Dependant: ref("js", "jquery", "3.7.1")},
		{Master: ref("js", "jquery-ui", "1.13.2"), Dependant: ref("js", "jquery", "3.7.0")},
		{Master: ref("web", "app", "1.0.0"), Dependant: ref("js", "jquery-ui", "1.13.2")},
	} {
		require.NoError(t, svc.Link(ctx, req))
	}
	jquery, err := svc.ModuleOf(ctx, ModuleRef{Family: "js", Name: "jquery"})
	require.NoError(t, err)

	require.NoError(t, svc.RemoveModule(ctx, ModuleRef{Family: "js", Name: "jquery"}))

	n, err := st.CountVersions(ctx, jquery.Module.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
	for _, id := range []int64{jq1.ID, jq2.ID} {
		for _, dir := range []store.Direction{store.Master, store.Dependant} {
			edges, err := st.EdgesOf(ctx, id, dir)
			require.NoError(t, err)
			assert.Empty(t, edges)
		}
	}
	edges, err := st.EdgesOf(ctx, app.ID, store.Master)
	require.NoError(t, err)
	assert.Equal(t, []store.Dependency{{MasterVersionID: app.ID, DependantVersionID: ui.ID}}, edges)
}

func TestValidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _ := newTestService(t)

	long := func(n int) string {
		b := make([]byte, n)
		for i := range b {
			b[i] = 'a'
		}
		return string(b)
	}
	cases := []struct {
		name string
		req  CreateVersionRequest
	}{
		{name: "missing family", req: CreateVersionRequest{VersionRef: ref("", "jquery", "1.0.0")}},
		{name: "missing name", req: CreateVersionRequest{VersionRef: ref("js", "", "1.0.0")}},
		{name: "missing version", req: CreateVersionRequest{VersionRef: ref("js", "jquery", "")}},
		{name: "malformed name", req: CreateVersionRequest{VersionRef: ref("js", "j query", "1.0.0")}},
		{name: "malformed version", req: CreateVersionRequest{VersionRef: ref("js", "jquery", "-1")}},
		{name: "long author", req: CreateVersionRequest{VersionRef: ref("js", "jquery", "1.0.0"), Meta: store.VersionMeta{Author: long(51)}}},
		{name: "long keyword", req: CreateVersionRequest{VersionRef: ref("js", "jquery", "1.0.0"), Meta: store.VersionMeta{Keyword: long(256)}}},
		{name: "negative size", req: CreateVersionRequest{VersionRef: ref("js", "jquery", "1.0.0"), Meta: store.VersionMeta{FileSize: -1}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.CreateOrReplaceVersion(ctx, tc.req)
			assert.ErrorIs(t, err, store.ErrValidation)
			assert.Equal(t, store.ErrValidation, store.KindOf(err))
		})
	}

	assert.ErrorIs(t, svc.RemoveVersion(ctx, ref("js", "jquery", "")), store.ErrValidation)
	assert.ErrorIs(t, svc.RemoveModule(ctx, ModuleRef{Family: "js"}), store.ErrValidation)
	_, err := svc.ModuleOf(ctx, ModuleRef{Name: "jquery"})
	assert.ErrorIs(t, err, store.ErrValidation)

	// nothing was created along the way
	for d, err := range svc.Search(ctx, SearchRequest{}) {
		require.NoError(t, err)
		t.Errorf("unexpected module %s", d.Module.Ref())
	}
}

func TestLinkAndDependencies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _ := newTestService(t)

	publish(t, svc, ref("web", "app", "1.0.0"))
	publish(t, svc, ref("js", "jquery", "3.7.1"))
	publish(t, svc, ref("js", "jquery-ui", "1.13.2"))

	app, jq, ui := ref("web", "app", "1.0.0"), ref("js", "jquery", "3.7.1"), ref("js", "jquery-ui", "1.13.2")
	require.NoError(t, svc.Link(ctx, LinkRequest{Master: app, Dependant: jq}))
	require.NoError(t, svc.Link(ctx, LinkRequest{Master: app, Dependant: ui}))
	require.NoError(t, svc.Link(ctx, LinkRequest{Master: ui, Dependant: jq}))
	require.NoError(t, svc.Link(ctx, LinkRequest{Master: app, Dependant: jq}), "re-linking is a no-op")

	deps, err := svc.DependenciesOf(ctx, app, store.Master)
	require.NoError(t, err)
	assert.Equal(t, []VersionRef{jq, ui}, deps)

	users, err := svc.DependenciesOf(ctx, jq, store.Dependant)
	require.NoError(t, err)
	assert.Equal(t, []VersionRef{ui, app}, users)

	err = svc.Link(ctx, LinkRequest{Master: app, Dependant: ref("js", "jquery", "0.0.1")})
	assert.ErrorIs(t, err, store.ErrNotFound)
	err = svc.Link(ctx, LinkRequest{Master: ref("web", "missing", "1.0.0"), Dependant: jq})
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = svc.DependenciesOf(ctx, ref("js", "jquery", "0.0.1"), store.Master)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRenameModule(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, st := newTestService(t)
	publish(t, svc, ref("js", "jquery", "3.7.1"))
	publish(t, svc, ref("js", "zepto", "1.2.0"))

	require.NoError(t, svc.RenameModule(ctx, RenameModuleRequest{
		From: ModuleRef{Family: "js", Name: "jquery"},
		To:   ModuleRef{Family: "web", Name: "jquery"},
	}))
	_, err := svc.ModuleOf(ctx, ModuleRef{Family: "js", Name: "jquery"})
	assert.ErrorIs(t, err, store.ErrNotFound)
	assertModuleState(t, svc, st, ModuleRef{Family: "web", Name: "jquery"}, 1, "3.7.1")

	err = svc.RenameModule(ctx, RenameModuleRequest{
		From: ModuleRef{Family: "web", Name: "jquery"},
		To:   ModuleRef{Family: "js", Name: "zepto"},
	})
	assert.ErrorIs(t, err, store.ErrConflict)
	err = svc.RenameModule(ctx, RenameModuleRequest{
		From: ModuleRef{Family: "js", Name: "jquery"},
		To:   ModuleRef{Family: "js", Name: "other"},
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestReads(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _ := newTestService(t)
	publish(t, svc, ref("js", "jquery", "1.0.0"))
	publish(t, svc, ref("js", "jquery", "2.0.0"))
	publish(t, svc, ref("js", "jquery", "1.5.0"))

	versions, err := svc.VersionsOf(ctx, ModuleRef{Family: "js", Name: "jquery"})
	require.NoError(t, err)
	got := make([]string, 0, len(versions))
	for _, v := range versions {
		got = append(got, v.Version)
	}
	assert.Equal(t, []string{"1.5.0", "2.0.0", "1.0.0"}, got)

	v, err := svc.VersionOf(ctx, ref("js", "jquery", "2.0.0"))
	require.NoError(t, err)
	assert.Equal(t, store.DefaultAuthor, v.Author)

	_, err = svc.VersionOf(ctx, ref("js", "jquery", "3.0.0"))
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = svc.VersionsOf(ctx, ModuleRef{Family: "js", Name: "react"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}
