package modproxy

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"sort"
	"strings"

	"golang.org/x/mod/modfile"
	"golang.org/x/mod/module"
	"golang.org/x/mod/semver"
)

// defaultProxy is used when $GOPROXY is unset
const defaultProxy = "https://proxy.golang.org"

// ErrNotFound is returned when none of the configured proxies knows the requested module or version.
var ErrNotFound = errors.New("not found on any module proxy")

// Proxy wraps a Getter and a list of proxy URLs to provide the required module proxy operations
type Proxy struct {
	g       Getter
	proxies []string
}

// Getter defines a type, such as http.Client, that can perform an HTTP GET request and return
// the result.
//
// This interface is defined so that consumers and tests can provide potentially customized implementations,
// but http.DefaultClient (or some other constructed http.Client instance) will likely be the most
// common implementation used.
type Getter interface {
	Get(url string) (*http.Response, error)
}

// New returns a Proxy instance that will use g to execute HTTP requests against the module proxies
// in urls.
func New(g Getter, urls ...string) Proxy {
	if len(urls) == 0 {
		urls = parseProxyList(os.Getenv("GOPROXY"))
	}
	return Proxy{
		g:       g,
		proxies: urls,
	}
}

// NewFromEnv returns a Proxy instance that will use g to execute HTTP requests against the module proxies
// configured in the system environment
func NewFromEnv(g Getter) Proxy {
	return New(g)
}

// GetCurrentVersion returns the highest known version of the specified module, as returned by list of
// module proxies configured on p.  Pre-release versions are only considered if includePrerelease is set.
func (p Proxy) GetCurrentVersion(mod string, includePrerelease bool) (string, error) {
	versions, err := p.GetModuleVersions(mod)
	if err != nil {
		return "", err
	}
	// versions are sorted highest first
	for _, v := range versions {
		if includePrerelease || semver.Prerelease(v) == "" {
			return v, nil
		}
	}
	return "", fmt.Errorf("no release versions of %s: %w", mod, ErrNotFound)
}

// GetModuleVersions retrieve the list of valid semantic versions of the specified module, highest first,
// by querying the list of module proxies configured on p.
func (p Proxy) GetModuleVersions(mod string) ([]string, error) {
	escaped, err := module.EscapePath(mod)
	if err != nil {
		return nil, fmt.Errorf("invalid module path %q: %w", mod, err)
	}
	for _, proxy := range p.proxies {
		data, found, err := p.fetch(proxy + "/" + path.Join(escaped, "@v/list"))
		if err != nil {
			return nil, fmt.Errorf("error fetching module versions from %s: %w", proxy, err)
		}
		// the response is a plain text list of module versions delimited by newlines
		// - see https://go.dev/ref/mod#goproxy-protocol
		// - proceed to the next proxy, if present, if we got no data
		if versions := parseVersionList(data); found && len(versions) > 0 {
			return versions, nil
		}
	}
	return nil, fmt.Errorf("no versions of %s: %w", mod, ErrNotFound)
}

// GetModFile retrieves the go.mod file for the specified module by querying the list of module proxies
// configured on p.
func (p Proxy) GetModFile(mod, version string) (*modfile.File, error) {
	escaped, err := module.EscapePath(mod)
	if err != nil {
		return nil, fmt.Errorf("invalid module path %q: %w", mod, err)
	}
	escapedVersion, err := module.EscapeVersion(semver.Canonical(version))
	if err != nil {
		return nil, fmt.Errorf("invalid module version %q: %w", version, err)
	}
	for _, proxy := range p.proxies {
		u := proxy + "/" + path.Join(escaped, "@v", escapedVersion+".mod")
		data, found, err := p.fetch(u)
		if err != nil {
			return nil, fmt.Errorf("error fetching go.mod from %s: %w", u, err)
		}
		if !found {
			// try the next proxy
			continue
		}
		f, err := modfile.ParseLax(mod+"@"+version+"/go.mod", data, nil)
		if err != nil {
			return nil, fmt.Errorf("error parsing go.mod from %s: %w", u, err)
		}
		return f, nil
	}
	return nil, fmt.Errorf("go.mod for %s@%s: %w", mod, version, ErrNotFound)
}

// fetch issues a GET for u and returns the response body.  found is false for the 404 and 410 responses
// a proxy uses to say it does not know the module.
func (p Proxy) fetch(u string) (data []byte, found bool, err error) {
	resp, err := p.g.Get(u)
	if err != nil {
		return nil, false, err
	}
	defer func() {
		if resp.Body != nil {
			_ = resp.Body.Close()
		}
	}()
	switch resp.StatusCode {
	case http.StatusOK:
		if resp.Body == nil {
			return nil, true, nil
		}
		data, err = io.ReadAll(resp.Body)
		if err != nil {
			return nil, false, fmt.Errorf("error reading the module proxy response: %w", err)
		}
		return data, true, nil
	case http.StatusNotFound, http.StatusGone:
		return nil, false, nil
	default:
		return nil, false, fmt.Errorf("unexpected response code (%s)", resp.Status)
	}
}

// parseVersionList returns the valid semantic versions in a proxy @v/list response, highest first.
func parseVersionList(data []byte) []string {
	var versions []string
	for _, s := range strings.Split(string(data), "\n") {
		if s = strings.TrimSpace(s); semver.IsValid(s) {
			versions = append(versions, s)
		}
	}
	sort.Slice(versions, func(i, j int) bool {
		return semver.Compare(versions[i], versions[j]) > 0
	})
	return versions
}

// parseProxyList returns the list of Go module proxies in a GOPROXY value.  If no proxy is set
// ("") this function returns a single result containing the Google public proxy.  Both the ","
// and "|" separators are treated as fallthrough and the "direct" and "off" keywords are skipped.
func parseProxyList(ev string) []string {
	if ev == "" {
		return []string{defaultProxy}
	}
	var results []string
	for _, s := range strings.FieldsFunc(ev, func(r rune) bool { return r == ',' || r == '|' }) {
		// not trying to deal with pulling go.mod directly from various VCSs for now
		switch s = strings.TrimSpace(s); s {
		case "", "direct", "off":
		default:
			results = append(results, strings.TrimSuffix(s, "/"))
		}
	}
	return results
}
