package store

import (
	"database/sql"
	"time"
)

// A Module represents a named package known by the registry, identified by its family and name.
type Module struct {
	ID              int64         `json:"id" db:"id"`
	Family          string        `json:"family" db:"family"`
	Name            string        `json:"name" db:"name"`
	Key             string        `json:"key" db:"identity_key"`
	VersionCount    int           `json:"version_count" db:"version_count"`
	LatestVersionID sql.NullInt64 `json:"latest_version_id" db:"latest_version_id"`
	Local           bool          `json:"local" db:"is_local"`
	CreatedAt       time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at" db:"updated_at"`
}

// Ref returns the "family/name" identifier of the module.
func (m Module) Ref() string {
	return m.Family + "/" + m.Name
}

// HasLatest reports whether the module's latest pointer is set.
func (m Module) HasLatest() bool {
	return m.LatestVersionID.Valid
}

// A Listing is a single item produced by a module search.  Latest is populated with the version
// referenced by the module's latest pointer, if any.  Version is only populated when the search
// was ordered by a version column, in which case there is one listing per module version.
type Listing struct {
	Module  Module
	Latest  *Version
	Version *Version
}
