package registry

import (
	"fmt"
	"strings"

	"github.com/ronnin/oldman-club/internal/store"
)

var (
	moduleColumns  = map[string]bool{"id": true, "family": true, "name": true, "version_count": true, "created_at": true, "updated_at": true}
	versionColumns = map[string]bool{"id": true, "version": true, "created_at": true, "author": true, "keyword": true, "file_size": true}
)

// ParseOrderKeys parses search order keys.  Each key names a module column, or a version column
// prefixed with "latest." (the module's latest version) or "version." (each of the module's
// versions, yielding one result per version).  A key is descending if it starts with '-' or ends
// with " desc", ex: "-version_count", "latest.created_at desc", "version.author".
func ParseOrderKeys(keys ...string) ([]store.OrderKey, error) {
	var result []store.OrderKey
	for _, raw := range keys {
		k := strings.ToLower(strings.TrimSpace(raw))
		var ok store.OrderKey
		switch {
		case strings.HasPrefix(k, "-"):
			ok.Desc, k = true, k[1:]
		case strings.HasPrefix(k, "+"):
			k = k[1:]
		}
		if col, dir, found := strings.Cut(k, " "); found {
			switch strings.TrimSpace(dir) {
			case "desc":
				ok.Desc = true
			case "asc":
			default:
				return nil, store.NewError(store.ErrValidation, "parse order key", raw, fmt.Errorf("unsupported sort direction %q", dir))
			}
			k = col
		}

		columns := moduleColumns
		switch {
		case strings.HasPrefix(k, "latest."):
			ok.Table, k, columns = store.TableLatest, k[len("latest."):], versionColumns
		case strings.HasPrefix(k, "version."):
			ok.Table, k, columns = store.TableVersion, k[len("version."):], versionColumns
		}
		if !columns[k] {
			return nil, store.NewError(store.ErrValidation, "parse order key", raw, fmt.Errorf("unsupported order column %q", k))
		}
		ok.Column = k
		result = append(result, ok)
	}
	return result, nil
}
