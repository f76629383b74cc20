package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/spf13/cobra"
	"golang.org/x/mod/modfile"
	"golang.org/x/mod/module"
	"golang.org/x/mod/semver"
	"golang.org/x/sync/errgroup"

	"github.com/ronnin/oldman-club/internal/git"
	"github.com/ronnin/oldman-club/internal/modproxy"
	"github.com/ronnin/oldman-club/internal/registry"
	"github.com/ronnin/oldman-club/internal/store"
)

// importKeyword is recorded on every version created by the importer
const importKeyword = "go"

var (
	moduleVersion     versionArg
	includePrerelease bool
)

const importExampleUsage = `oldman import -p . --version v0.11.38
	oldman import --path $HOME/dev/go/foo --version v1.0.0
	oldman import -p $HOME/dev/go/bar
	oldman import --module golang.org/x/sys
	oldman import -m github.com/rs/zerolog -v v1.28.0`

// createImportCommand initializes and returns a *cobra.Command that implements the 'import' CLI sub-command
func createImportCommand() *cobra.Command {
	cmd := cobra.Command{
		Use:          "import (-p|--path path/to/go/module/on/disk | -m|--module github.com/example/foo)",
		Aliases:      []string{"update"},
		Short:        "Publishes a Go module version and its direct dependencies and links them",
		Example:      importExampleUsage,
		RunE:         runImportCmd,
		SilenceUsage: true,
	}
	fset := cmd.Flags()
	fset.VarP(&moduleVersion, "version", "v", "specifies the version of the Go module to be processed.")
	fset.BoolVar(&includePrerelease, "prerelease", false, "if specified, include pre-release tags when processing the module")
	fset.StringP("path", "p", "", "specifies the local path on disk to a Go module repository")
	fset.StringP("module", "m", "", "specifies the module path of a public Go module")
	fset.String("author", "", "the publisher recorded on the imported versions")
	fset.Bool("force", false, "replace the module version if it was already imported")
	fset.Int("parallelism", 4, "the maximum number of dependencies published concurrently")

	return &cmd
}

// runImportCmd implements the 'import' CLI sub-command.
func runImportCmd(cmd *cobra.Command, _ []string) error {
	filePath, _ := cmd.Flags().GetString("path")
	modPath, _ := cmd.Flags().GetString("module")
	if filePath == "" && modPath == "" {
		return fmt.Errorf("Either a local path (--path) or a module path (--module) must be specified")
	}
	if !xor(filePath != "", modPath != "") {
		return fmt.Errorf("Either a local path (--path) or a module path (--module) can be specified, but not both")
	}

	var (
		info moduleInfo
		err  error
	)
	switch {
	case filePath != "":
		// read module dependencies from source code on disk
		info, err = getModuleInfoFromDir(filePath)
	case modPath != "":
		// read module dependencies from the module proxy
		info, err = getModuleInfoFromProxy(modProxy(), modPath)
	}
	if err != nil {
		return err
	}
	// no info available (probably a skipped pre-release tag), so nothing to do
	if info.Name == "" {
		return nil
	}

	var opts importOptions
	opts.author, _ = cmd.Flags().GetString("author")
	if opts.author == "" {
		opts.author = info.Author
	}
	opts.force, _ = cmd.Flags().GetBool("force")
	opts.parallelism, _ = cmd.Flags().GetInt("parallelism")

	return withRegistry(cmd, func(ctx context.Context, svc *registry.Service) error {
		mod := module.Version{
			Path:    info.Name,
			Version: info.Version,
		}
		if err := applyImport(ctx, svc, mod, info.Deps, opts); err != nil {
			return fmt.Errorf("Unable to import %s: %w", mod, err)
		}
		logger.Info("imported module", "module", mod.String(), "dependencies", len(info.Deps))
		return nil
	})
}

// modProxy returns the module proxy client configured from $GOPROXY
func modProxy() modproxy.Proxy {
	return modproxy.NewFromEnv(http.DefaultClient)
}

// getModuleInfoFromDir extracts the current direct dependencies of a Go module by inspecting the source
// code on disk at dir.
func getModuleInfoFromDir(dir string) (moduleInfo, error) {
	moduleDir := path.Clean(dir)

	// the repo supplies the version, if not specified, and the author of the HEAD commit
	repo, repoErr := git.Open(moduleDir)
	var author string
	if repoErr == nil {
		if _, a, err := repo.HeadCommit(); err == nil {
			author = a
		}
	}
	if moduleVersion == "" {
		if repoErr != nil {
			return moduleInfo{}, repoErr
		}
		tags, err := repo.VersionTags()
		if err != nil {
			return moduleInfo{}, fmt.Errorf("unable to read version tags from the repo: %w", err)
		}
		switch len(tags) {
		case 1:
			moduleVersion = versionArg(tags[0])
		case 0:
			return moduleInfo{}, fmt.Errorf("No semver tags exist at the current commit. Please specify a version explicitly.")
		default:
			return moduleInfo{}, fmt.Errorf("Multiple semver tags exist at the current commit. Please specify a version explicitly. tags=%v", tags)
		}
	}

	if !includePrerelease && semver.Prerelease(string(moduleVersion)) != "" {
		logger.Info("skipping pre-release tag", "version", moduleVersion.String())
		return moduleInfo{}, nil
	}

	// parse the module info
	info, err := parseModuleDir(moduleDir)
	if err != nil {
		return moduleInfo{}, err
	}
	info.Version = moduleVersion.String()
	info.Author = author
	logger.Debug("processing Go module", "module", info.Name, "version", info.Version, "path", moduleDir, "deps", info.Deps)
	return info, nil
}

// getModuleInfoFromProxy extracts the current direct dependencies of a Go module by querying the
// configured Go module proxy/proxies.
func getModuleInfoFromProxy(p modproxy.Proxy, modulePath string) (moduleInfo, error) {
	var (
		v   string
		err error
	)
	// get @latest from the proxy if no version was specified
	v = moduleVersion.String()
	if v == "" {
		v, err = p.GetCurrentVersion(modulePath, includePrerelease)
		if err != nil {
			return moduleInfo{}, fmt.Errorf("unable to determine @latest for module %s: %w", modulePath, err)
		}
	}

	if !includePrerelease && semver.Prerelease(v) != "" {
		logger.Info("skipping pre-release tag", "version", v)
		return moduleInfo{}, nil
	}

	// parse the module info
	info, err := parseModulePath(p, modulePath, v)
	if err != nil {
		return moduleInfo{}, err
	}
	logger.Debug("processing Go module", "module", info.Name, "version", info.Version, "deps", info.Deps)
	return info, nil
}

// importOptions tunes how [applyImport] writes to the registry
type importOptions struct {
	author      string
	force       bool
	parallelism int
}

// applyImport publishes mod and its direct dependencies to the registry, then links mod to each of them.
// Dependencies that are already registered are left untouched.
func applyImport(ctx context.Context, svc *registry.Service, mod module.Version, deps []module.Version, opts importOptions) error {
	root, err := goModuleRef(mod)
	if err != nil {
		return err
	}
	meta := store.VersionMeta{Author: truncate(opts.author, maxAuthorLen), Keyword: importKeyword}
	if _, err = svc.CreateOrReplaceVersion(ctx, registry.CreateVersionRequest{VersionRef: root, Meta: meta, Force: opts.force}); err != nil {
		return err
	}

	refs := make([]registry.VersionRef, len(deps))
	for i, d := range deps {
		if refs[i], err = goModuleRef(d); err != nil {
			return err
		}
	}

	// publish and link dependencies concurrently, each dependency touches its own module
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(max(opts.parallelism, 1))
	for _, ref := range refs {
		eg.Go(func() error {
			_, err := svc.CreateOrReplaceVersion(ctx, registry.CreateVersionRequest{VersionRef: ref, Meta: meta})
			if err != nil && !errors.Is(err, store.ErrConflict) {
				return fmt.Errorf("unable to publish dependency %s: %w", ref, err)
			}
			if err = svc.Link(ctx, registry.LinkRequest{Master: root, Dependant: ref}); err != nil {
				return fmt.Errorf("unable to link dependency %s: %w", ref, err)
			}
			return nil
		})
	}
	return eg.Wait()
}

// maxAuthorLen is the longest author the registry accepts
const maxAuthorLen = 50

// truncate shortens s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}

// goModuleRef maps a Go module path and version onto a registry reference.  The last path element is
// the module name and everything before it is the family, ex: golang.org/x/mod becomes family
// "golang.org/x" and name "mod".
func goModuleRef(mod module.Version) (registry.VersionRef, error) {
	if err := module.CheckPath(mod.Path); err != nil {
		return registry.VersionRef{}, store.NewError(store.ErrValidation, "import", mod.String(), err)
	}
	family, name := path.Dir(mod.Path), path.Base(mod.Path)
	if family == "." || !strings.Contains(mod.Path, "/") {
		return registry.VersionRef{}, store.NewError(store.ErrValidation, "import", mod.String(), fmt.Errorf("module path %q has no family", mod.Path))
	}
	ref := registry.VersionRef{Family: family, Name: name, Version: mod.Version}
	if err := ref.Key().Validate(); err != nil {
		return registry.VersionRef{}, err
	}
	return ref, nil
}

// moduleInfo represents the relevant Go module metadata for the importer.
type moduleInfo struct {
	// the module name, ex: golang.org/x/mod
	Name string
	// the module version, ex: v1.42.13
	Version string
	// the author of the commit the module was read from, if known
	Author string
	// zero or more direct dependencies of the module
	Deps []module.Version
}

// fromModFile populates m from the provided modfile.File
func (m *moduleInfo) fromModFile(mf *modfile.File, v string) {
	m.Name = mf.Module.Mod.Path
	m.Version = v
	for _, req := range mf.Require {
		if req.Indirect {
			continue
		}
		m.Deps = append(m.Deps, module.Version{Path: req.Mod.Path, Version: req.Mod.Version})
	}
}

// parseModuleDir reads the module info for a Go module at path p, which should be the path to a folder
// containing a go.mod file.
func parseModuleDir(p string) (info moduleInfo, err error) {
	nfo, err := os.Stat(p)
	if err != nil {
		return info, fmt.Errorf("invalid module path: %w", err)
	}
	if !nfo.IsDir() {
		return info, fmt.Errorf("invalid module path: must be a folder")
	}

	f, err := os.Open(path.Join(p, "go.mod"))
	if err != nil {
		return info, fmt.Errorf("unable to read go.mod: %w", err)
	}
	defer f.Close()

	contents, err := io.ReadAll(f)
	if err != nil {
		return info, fmt.Errorf("unable to read go.mod: %w", err)
	}
	mf, err := modfile.ParseLax("go.mod", contents, nil)
	if err != nil {
		return info, fmt.Errorf("unable to parse go.mod: %w", err)
	}
	if mf.Module == nil {
		return info, fmt.Errorf("go.mod has no module directive")
	}
	info.fromModFile(mf, "")
	return info, nil
}

// parseModulePath reads the module info for a Go module with path m and version v from the
// module proxy.
func parseModulePath(p modproxy.Proxy, m, v string) (info moduleInfo, err error) {
	if v == "" {
		return info, fmt.Errorf("module version must be specified")
	}

	mf, err := p.GetModFile(m, v)
	if err != nil {
		return info, err
	}
	info.fromModFile(mf, v)
	return info, nil
}

// versionArg represents a string CLI parameter that must be a valid semantic version string
type versionArg string

// String returns the argument value string
func (v *versionArg) String() string {
	return string(*v)
}

// Set assigns the argument value to s.  If s is not a valid semantic version string per Go modules
// rules, this method returns an error
func (v *versionArg) Set(s string) error {
	if !semver.IsValid(s) {
		return fmt.Errorf("%q is not a valid semantic version string", s)
	}
	*v = versionArg(s)
	return nil
}

// Type returns a string description of the argument type
func (v *versionArg) Type() string {
	return "[SemVer string]"
}
