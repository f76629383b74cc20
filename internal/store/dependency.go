package store

import "fmt"

// A Dependency represents a directed link between two versions: the master version depends on the
// dependant version.
type Dependency struct {
	MasterVersionID    int64 `json:"master_version_id" db:"master_version_id"`
	DependantVersionID int64 `json:"dependant_version_id" db:"dependant_version_id"`
}

// Direction selects which end of a dependency edge a version is matched against.
type Direction int

const (
	// Master matches edges where the version is the master, i.e. the version's own dependencies.
	Master Direction = iota
	// Dependant matches edges where the version is the dependant, i.e. the versions depending on it.
	Dependant
)

// String returns the name of the direction.
func (d Direction) String() string {
	switch d {
	case Master:
		return "master"
	case Dependant:
		return "dependant"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}
