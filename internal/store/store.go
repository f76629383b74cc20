package store

import (
	"context"
	"database/sql"
	"iter"
)

// Table identifies the table an [OrderKey] column belongs to in a module search.
type Table int

const (
	// TableModule orders by a column of the module itself.
	TableModule Table = iota
	// TableLatest orders by a column of the version referenced by the module's latest pointer.
	TableLatest
	// TableVersion orders by a column of each of the module's versions, producing one listing per version.
	TableVersion
)

// OrderKey is a single sort key of a module search.
type OrderKey struct {
	Table  Table
	Column string
	Desc   bool
}

// ModuleQuery specifies the filters and ordering of a module search.  Family and Name are LIKE
// patterns where '%' (or '*') matches any run of characters and '_' (or '?') matches a single
// character.  An empty pattern, or "%", matches everything.  If OrderBy is empty the results are
// ordered by family then name.
type ModuleQuery struct {
	Family  string
	Name    string
	OrderBy []OrderKey
}

// ModuleVersion is a version along with the identity of the module that owns it.
type ModuleVersion struct {
	Family string `json:"family" db:"family"`
	Name   string `json:"name" db:"name"`
	Version
}

// ModuleStore defines the operations on module records.
type ModuleStore interface {
	FindModule(ctx context.Context, family, name string) (Module, error)
	GetModule(ctx context.Context, id int64) (Module, error)
	SearchModules(ctx context.Context, q ModuleQuery) iter.Seq2[Listing, error]
	QueryModules(ctx context.Context, q ModuleQuery, pageToken string, count int) ([]Listing, string, error)
	CreateModule(ctx context.Context, family, name string) (Module, error)
	UpdateModuleIdentity(ctx context.Context, id int64, family, name string) error

	// the following mutators are reserved for the registry service, which keeps them consistent
	// with the version rows
	SetLatestVersion(ctx context.Context, id int64, versionID sql.NullInt64) error
	IncrementVersionCount(ctx context.Context, id int64, delta int) error
	SetVersionCount(ctx context.Context, id int64, n int) error
	RemoveModuleCascade(ctx context.Context, id int64) error
	Clear(ctx context.Context) error
}

// VersionStore defines the operations on version records, which are always scoped to a module.
type VersionStore interface {
	GetVersion(ctx context.Context, moduleID int64, version string) (Version, error)
	GetVersionByID(ctx context.Context, id int64) (Version, error)
	ListVersions(ctx context.Context, moduleID int64, byRecency bool) ([]Version, error)
	LatestVersion(ctx context.Context, moduleID int64) (Version, error)
	CountVersions(ctx context.Context, moduleID int64) (int, error)
	InsertVersion(ctx context.Context, moduleID int64, version string, meta VersionMeta) (Version, error)
	RemoveVersion(ctx context.Context, id int64) error
}

// DependencyStore defines the operations on the dependency edges between versions.
type DependencyStore interface {
	EdgesOf(ctx context.Context, versionID int64, dir Direction) ([]Dependency, error)
	LinkedVersions(ctx context.Context, versionID int64, dir Direction) ([]ModuleVersion, error)
	Link(ctx context.Context, masterVersionID, dependantVersionID int64) error
	RemoveEdgesTouching(ctx context.Context, versionID int64) error
}

// Store is the persistence backend consumed by the registry service.
type Store interface {
	ModuleStore
	VersionStore
	DependencyStore

	// InTx invokes fn with a Store bound to a single database transaction, which is committed if
	// fn returns nil and rolled back otherwise.  Calling InTx on a transaction-bound Store reuses
	// the existing transaction.
	InTx(ctx context.Context, fn func(Store) error) error
	Ping(ctx context.Context) error
}
