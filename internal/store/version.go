package store

import "time"

// DefaultAuthor is recorded for versions published without an author.
const DefaultAuthor = "ANONYMOUS"

// A Version represents one published artifact of a module.
type Version struct {
	ID        int64     `json:"id" db:"id"`
	ModuleID  int64     `json:"module_id" db:"module_id"`
	Version   string    `json:"version" db:"version"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	Author    string    `json:"author" db:"author"`
	Keyword   string    `json:"keyword" db:"keyword"`
	SarFile   string    `json:"sar_file,omitempty" db:"sar_file"`
	MetaFile  string    `json:"meta_file,omitempty" db:"meta_file"`
	FileSize  int64     `json:"file_size,omitempty" db:"file_size"`
}

// VersionMeta holds the caller-supplied metadata of a version being published.
type VersionMeta struct {
	CreatedAt time.Time
	Author    string
	Keyword   string
	SarFile   string
	MetaFile  string
	FileSize  int64
}
