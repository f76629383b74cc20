package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

const (
	maxFamilyLen  = 100
	maxNameLen    = 100
	maxVersionLen = 64
)

var (
	reFamily  = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._\-/]*$`)
	reName    = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._\-]*$`)
	reVersion = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._+\-]*$`)
)

// Key is the identity key of a module, (family, name), or of a module version, (family, name, version).
// Its string form, "family/name" or "family/name@version", is deterministic and round-trips through
// [ParseKey].
type Key struct {
	Family  string
	Name    string
	Version string
}

// ModuleKey returns the identity key of the module (family, name).
func ModuleKey(family, name string) Key {
	return Key{Family: family, Name: name}
}

// VersionKey returns the identity key of the module version (family, name, version).
func VersionKey(family, name, version string) Key {
	return Key{Family: family, Name: name, Version: version}
}

// Module returns the key of the module that k belongs to.
func (k Key) Module() Key {
	return Key{Family: k.Family, Name: k.Name}
}

// IsVersion reports whether k identifies a module version rather than a module.
func (k Key) IsVersion() bool {
	return k.Version != ""
}

// String returns "family/name" for module keys and "family/name@version" for version keys.
func (k Key) String() string {
	s := k.Family + "/" + k.Name
	if k.Version != "" {
		s += "@" + k.Version
	}
	return s
}

// Digest returns a fixed-length hex digest of the key, suitable as a unique column value or a lock name.
func (k Key) Digest() string {
	sum := sha256.Sum256([]byte(k.String()))
	return hex.EncodeToString(sum[:])
}

// Validate checks the family, name, and (when set) version of k against the naming rules.
func (k Key) Validate() error {
	switch {
	case k.Family == "":
		return invalid("validate", k.String(), "module family is required")
	case k.Name == "":
		return invalid("validate", k.String(), "module name is required")
	case len(k.Family) > maxFamilyLen || !reFamily.MatchString(k.Family) || strings.HasSuffix(k.Family, "/"):
		return invalid("validate", k.String(), fmt.Sprintf("module family %q is malformed", k.Family))
	case len(k.Name) > maxNameLen || !reName.MatchString(k.Name):
		return invalid("validate", k.String(), fmt.Sprintf("module name %q is malformed", k.Name))
	case k.Version != "" && (len(k.Version) > maxVersionLen || !reVersion.MatchString(k.Version)):
		return invalid("validate", k.String(), fmt.Sprintf("version %q is malformed", k.Version))
	}
	return nil
}

// ParseKey parses "family/name" or "family/name@version".  The name is the text after the last '/'
// so families may themselves contain slashes, ex: "golang.org/x/mod@v0.29.0".
func ParseKey(s string) (Key, error) {
	var k Key
	ref, ver, hasVer := strings.Cut(s, "@")
	if hasVer {
		if ver == "" {
			return Key{}, invalid("parse key", s, "version must not be empty")
		}
		k.Version = ver
	}
	idx := strings.LastIndex(ref, "/")
	if idx <= 0 || idx == len(ref)-1 {
		return Key{}, invalid("parse key", s, "expected family/name[@version]")
	}
	k.Family, k.Name = ref[:idx], ref[idx+1:]
	if err := k.Validate(); err != nil {
		return Key{}, err
	}
	return k, nil
}
