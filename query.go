package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"text/template"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/theckman/yacspin"
	"golang.org/x/mod/semver"

	"github.com/ronnin/oldman-club/internal/registry"
	"github.com/ronnin/oldman-club/internal/store"
)

var (
	formatAsJSON     bool
	formatAsList     bool
	formatAsDotGraph bool
	formatTemplate   string
	maxDepth         int
)

const (
	goTemplateArgUsage = `provides a Go text template to format the output.
For list-modules and list-module-versions each result is an instance of:
	type Item struct {
		// the module family and name, ex: jquery and jquery-ui
		Family, Name string
		// the version, ex: 1.2.0
		Version string
		// the number of versions of the module and whether it has no upstream copy
		VersionCount int
		Local bool
		// the publisher and publication time of the version
		Author string
		CreatedAt time.Time
	}
For ancestors and descendants each result is an instance of:
	type Item struct {
		// the module ("family/name") and version, ex: jquery/jquery-ui and 1.2.0
		Module, Version string
		// true if this module is a direct dependency of the "root" module, false if not
		IsDirect bool
		// the number of dependency links between this module and the "root" module
		// - direct dependencies have a degree of 1, dependencies of direct dependencies
		//   have a degree of 2, etc.
		Degree int
	}
The Key() method returns a string containing "[family]/[name]@[version]".`
	listModulesExampleUsage = `  # list every module with its latest version
  oldman query list-modules

  # list jquery plugins, most recently published first
  oldman query lm --family jquery --name 'jquery-*' --order-by=-latest.created_at

  # list every version of every module, page by page
  oldman q lm --order-by version.created_at --page-size 50 --list`
	listModuleVersionsExampleUsage = `  # list all known versions of jquery/jquery-ui, most recent first
  oldman query list-module-versions jquery/jquery-ui

  # show only the latest version
  oldman q lmv jquery/jquery-ui --latest`
)

func tty() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

// createQueryCommand initializes and returns a *cobra.Command that implements the 'query' CLI sub-command
func createQueryCommand() *cobra.Command {
	cmd := cobra.Command{
		Use:          "query ...",
		Aliases:      []string{"q"},
		Short:        "Executes a query against the registry",
		SilenceUsage: true,
	}
	fset := cmd.PersistentFlags()
	fset.BoolVar(&formatAsJSON, "json", false, "specifies that the output should be formatted as JSON")
	fset.BoolVar(&formatAsList, "list", false, "specifies that the output should be formatted as a tabular list")
	fset.BoolVar(&formatAsDotGraph, "dot", false, "specifies that the output should be a DOT directed graph (not supported for list-modules or list-module-versions)")
	fset.StringVarP(&formatTemplate, "format", "f", "", goTemplateArgUsage)
	fset.IntVar(&maxDepth, "max-depth", 4, "specifies the maximum number of levels to be returned")

	listModulesCmd := cobra.Command{
		Use:          "list-modules [--family=(pattern)] [--name=(pattern)]",
		Aliases:      []string{"lm"},
		Short:        "Outputs the list of modules, along with their latest version, that match the provided patterns",
		Example:      listModulesExampleUsage,
		Args:         cobra.NoArgs,
		RunE:         runListModulesCmd,
		SilenceUsage: true,
	}
	lmf := listModulesCmd.Flags()
	lmf.String("family", "", "glob or LIKE pattern the module family must match")
	lmf.String("name", "", "glob or LIKE pattern the module name must match")
	lmf.StringSlice("order-by", nil, "order keys, ex: family,-latest.created_at,version.version desc")
	lmf.Bool("include-versions", false, "include every version of each module in JSON output")
	lmf.Int("page-size", 0, "return a single page of this many results and print the next page token to stderr")
	lmf.String("page-token", "", "the page token returned by a previous paged query")
	cmd.AddCommand(&listModulesCmd)

	listVersionsCmd := cobra.Command{
		Use:          "list-module-versions family/name",
		Example:      listModuleVersionsExampleUsage,
		Aliases:      []string{"lmv", "versions"},
		Short:        "Outputs the versions of a module, most recently published first",
		Args:         cobra.ExactArgs(1),
		RunE:         runListModuleVersionsCmd,
		SilenceUsage: true,
	}
	listVersionsCmd.Flags().Bool("latest", false, "specifies that only the version referenced by the module's latest pointer should be returned")
	cmd.AddCommand(&listVersionsCmd)

	descendantsCmd := cobra.Command{
		Use:          "descendants family/name[@version]",
		Aliases:      []string{"d", "dependants", "dependents"},
		Short:        "Outputs the list of module versions that depend on the specified version",
		Args:         cobra.ExactArgs(1),
		RunE:         runQueryModuleGraphCmd,
		SilenceUsage: true,
	}
	cmd.AddCommand(&descendantsCmd)

	ancestorsCmd := cobra.Command{
		Use:          "ancestors family/name[@version]",
		Aliases:      []string{"a", "dependencies"},
		Short:        "Outputs the list of module versions that the specified version depends on",
		Args:         cobra.ExactArgs(1),
		RunE:         runQueryModuleGraphCmd,
		SilenceUsage: true,
	}
	cmd.AddCommand(&ancestorsCmd)

	return &cmd
}

// runListModulesCmd implements the logic behind the 'query list-modules' CLI sub-command
func runListModulesCmd(cmd *cobra.Command, _ []string) error {
	if formatAsDotGraph {
		return fmt.Errorf("DOT graph output is not supported for this command")
	}
	formatAsJSON = formatAsJSON || !(formatAsList || formatTemplate != "")
	if !xor(formatAsJSON, formatAsList, formatTemplate != "") {
		return fmt.Errorf("Only one of --json, --list, or --format may be specified")
	}

	fset := cmd.Flags()
	var req registry.SearchRequest
	req.Family, _ = fset.GetString("family")
	req.Name, _ = fset.GetString("name")
	req.OrderBy, _ = fset.GetStringSlice("order-by")
	req.IncludeVersions, _ = fset.GetBool("include-versions")
	pageSize, _ := fset.GetInt("page-size")
	pageToken, _ := fset.GetString("page-token")

	return withRegistry(cmd, func(ctx context.Context, svc *registry.Service) error {
		updateSpinner, stopSpinner := startSpinner()
		var (
			details []registry.ModuleDetail
			next    string
			err     error
		)
		if pageSize > 0 {
			updateSpinner("retrieving a page of modules")
			details, next, err = svc.SearchPage(ctx, req, pageToken, pageSize)
		} else {
			details, err = collectSearch(ctx, svc, req, updateSpinner)
		}
		stopSpinner()
		if err != nil {
			return err
		}

		if formatAsJSON {
			if err = writeJSON(os.Stdout, details); err != nil {
				return err
			}
		} else if err = writeResults(os.Stdout, moduleItems(details)); err != nil {
			return err
		}
		if next != "" {
			fmt.Fprintf(os.Stderr, "next page token: %s\n", next)
		}
		return nil
	})
}

// collectSearch drains the lazy search results into a slice, updating the spinner as it goes.
func collectSearch(ctx context.Context, svc *registry.Service, req registry.SearchRequest, status func(string)) ([]registry.ModuleDetail, error) {
	var details []registry.ModuleDetail
	for d, err := range svc.Search(ctx, req) {
		if err != nil {
			return nil, err
		}
		status("retrieved " + d.Module.Ref())
		details = append(details, d)
	}
	return details, nil
}

func runListModuleVersionsCmd(cmd *cobra.Command, args []string) error {
	if formatAsDotGraph {
		return fmt.Errorf("DOT graph output is not supported for this command")
	}
	formatAsJSON = formatAsJSON || !(formatAsList || formatTemplate != "")
	if !xor(formatAsJSON, formatAsList, formatTemplate != "") {
		return fmt.Errorf("Only one of --json, --list, or --format may be specified")
	}
	ref, err := parseModuleRef(args[0])
	if err != nil {
		return err
	}
	latest, err := cmd.Flags().GetBool("latest")
	if err != nil {
		logger.Debug("error reading 'latest' CLI flag", "err", err)
	}

	return withRegistry(cmd, func(ctx context.Context, svc *registry.Service) error {
		d, err := svc.ModuleOf(ctx, ref)
		if err != nil {
			return err
		}
		var versions []store.Version
		switch {
		case latest && d.Latest != nil:
			versions = []store.Version{*d.Latest}
		case latest:
			logger.Debug("module has no latest version", "module", ref)
		default:
			if versions, err = svc.VersionsOf(ctx, ref); err != nil {
				return err
			}
		}
		if len(versions) == 0 {
			logger.Debug("found no versions for module", "module", ref)
			return nil
		}

		items := make([]moduleItem, len(versions))
		for i, v := range versions {
			items[i] = newModuleItem(d.Module, &v)
		}
		return writeResults(os.Stdout, items)
	})
}

// runQueryModuleGraphCmd implements the logic behind the 'query ancestors' and 'query descendants' CLI sub-commands
func runQueryModuleGraphCmd(cmd *cobra.Command, args []string) error {
	k, err := store.ParseKey(args[0])
	if err != nil {
		return err
	}

	formatAsJSON = formatAsJSON || !(formatAsList || formatAsDotGraph || formatTemplate != "")
	if !xor(formatAsJSON, formatAsList, formatAsDotGraph, formatTemplate != "") {
		return fmt.Errorf("Only one of --json, --list, --dot, or --format may be specified")
	}
	if maxDepth <= 0 {
		maxDepth = 1
	}
	// ancestors are the versions the root depends on, so the root is the master of those edges
	dir := store.Master
	if strings.HasPrefix(cmd.Use, "descendants") {
		dir = store.Dependant
	}

	return withRegistry(cmd, func(ctx context.Context, svc *registry.Service) error {
		root, err := resolveVersion(ctx, svc, k)
		if err != nil {
			return err
		}

		updateSpinner, stopSpinner := startSpinner()
		defer stopSpinner()
		tree, err := walkDependencies(ctx, svc, root, dir, 1, maxDepth, updateSpinner)
		if err != nil {
			return err
		}

		switch {
		case formatTemplate != "":
			tt := template.New("item")
			tt, err = tt.Parse(formatTemplate)
			if err != nil {
				return fmt.Errorf("Invalid Go text template specified: %w", err)
			}
			list := flattenTree(tree, updateSpinner)
			stopSpinner()
			for _, e := range list {
				if err := tt.Execute(os.Stdout, e); err != nil {
					return fmt.Errorf("Error applying Go text template: %w", err)
				}
				os.Stdout.WriteString("\n")
			}

		case formatAsList:
			col1Label := "Dependent"
			if dir == store.Master {
				col1Label = "Dependency"
			}
			list := flattenTree(tree, updateSpinner)
			stopSpinner()
			tw := tabwriter.NewWriter(os.Stdout, 10, 4, 2, ' ', 0)
			defer func() { _ = tw.Flush() }()
			if _, err := tw.Write([]byte(col1Label + "\tDirect\n")); err != nil {
				return fmt.Errorf("Error writing tabular output: %w", err)
			}
			for _, e := range list {
				if _, err := tw.Write([]byte(fmt.Sprintf("%s\t%v\n", e.Key(), e.IsDirect))); err != nil {
					return fmt.Errorf("Error writing tabular output: %w", err)
				}
			}

		case formatAsDotGraph:
			updateSpinner("generating DOT graph")
			g := generateDotGraph(tree, dir)
			stopSpinner()
			os.Stdout.WriteString(g)

		default:
			// default to JSON output if no other option was specified
			updateSpinner("generating JSON")
			formattedTree, _ := json.Marshal(tree)
			stopSpinner()
			os.Stdout.Write(formattedTree)
			os.Stdout.WriteString("\n")
		}
		return nil
	})
}

// resolveVersion returns k as a version reference, substituting the module's latest version when k
// carries no version or the version "latest".
func resolveVersion(ctx context.Context, svc *registry.Service, k store.Key) (registry.VersionRef, error) {
	ref := registry.RefOf(k)
	if ref.Version != "" && ref.Version != "latest" {
		return ref, nil
	}
	d, err := svc.ModuleOf(ctx, ref.Module())
	if err != nil {
		return registry.VersionRef{}, err
	}
	if d.Latest == nil {
		return registry.VersionRef{}, store.NewError(store.ErrNotFound, "resolve latest", ref.Module().String(), errors.New("module has no versions"))
	}
	ref.Version = d.Latest.Version
	return ref, nil
}

// dependencyReader is the subset of the registry used to walk the dependency graph
type dependencyReader interface {
	DependenciesOf(ctx context.Context, ref registry.VersionRef, dir store.Direction) ([]registry.VersionRef, error)
}

// dependencyTreeNode defines the information returned by walkDependencies
type dependencyTreeNode struct {
	// the module version
	Module registry.VersionRef `json:"module"`
	// is this module a direct or indirect dependency of the "root" module being queried against
	Direct bool `json:"-"`
	// a list of one or more child dependencies of this module
	Deps []dependencyTreeNode `json:"deps,omitempty"`
}

// walkDependencies queries the registry for the direct dependencies of ref in the given direction,
// recursing to the specified maximum depth
func walkDependencies(ctx context.Context, r dependencyReader, ref registry.VersionRef,
	direction store.Direction, depth, maxDepth int, status func(string)) (node dependencyTreeNode, err error) {
	select {
	case <-ctx.Done():
		return node, ctx.Err()
	default:
	}
	if depth > maxDepth {
		return node, nil
	}

	node.Module = ref
	node.Direct = (depth == 1)
	status("processing " + ref.String())
	deps, err := r.DependenciesOf(ctx, ref, direction)
	if err != nil {
		return dependencyTreeNode{}, err
	}
	for _, dep := range deps {
		dn := dependencyTreeNode{Module: dep}
		ndeps, err := walkDependencies(ctx, r, dep, direction, depth+1, maxDepth, status)
		if err != nil {
			return dependencyTreeNode{}, err
		}
		if len(ndeps.Deps) > 0 {
			dn.Deps = append(dn.Deps, ndeps.Deps...)
		}
		node.Deps = append(node.Deps, dn)
	}
	return node, nil
}

// flattenTree converts the nested tree of module dependencies into a flat list of unique module
// versions sorted by module then by highest to lowest version
func flattenTree(tree dependencyTreeNode, updateStatus func(string)) []dependencyItem {
	var (
		uniqueMods = make(map[string]struct{})
		items      []dependencyItem
	)
	for _, dep := range tree.Deps {
		updateStatus("processing " + dep.Module.String())
		if _, exists := uniqueMods[dep.Module.String()]; exists {
			continue
		}
		items = append(items, dependencyItem{
			Module:   dep.Module.Module().String(),
			Version:  dep.Module.Version,
			IsDirect: true,
			Degree:   1,
		})
		uniqueMods[dep.Module.String()] = struct{}{}
	}
	for _, dep := range tree.Deps {
		if len(dep.Deps) > 0 {
			items = append(items, processChildren(dep.Deps, uniqueMods, 2, updateStatus)...)
		}
	}
	updateStatus("sorting results")
	sort.Slice(items, func(i, j int) bool {
		lhs, rhs := items[i], items[j]
		if cmp := strings.Compare(lhs.Module, rhs.Module); cmp != 0 {
			return (cmp < 0)
		}
		return compareVersions(lhs.Version, rhs.Version) > 0
	})
	return items
}

// processChildren flattens the dependency tree of deps into a list of unique module versions
func processChildren(deps []dependencyTreeNode, uniqueMods map[string]struct{}, depth int, updateStatus func(string)) []dependencyItem {
	var items []dependencyItem
	for _, d := range deps {
		modName := d.Module.String()
		updateStatus("processing " + modName)
		if _, exists := uniqueMods[modName]; !exists {
			items = append(items, dependencyItem{
				Module:   d.Module.Module().String(),
				Version:  d.Module.Version,
				IsDirect: (depth == 1),
				Degree:   depth,
			})
			uniqueMods[modName] = struct{}{}
			if len(d.Deps) > 0 {
				items = append(items, processChildren(d.Deps, uniqueMods, depth+1, updateStatus)...)
			}
		}
	}
	return items
}

// compareVersions orders two version strings semantically when both are semver, with or without the
// leading "v", and lexically otherwise.
func compareVersions(a, b string) int {
	sa, sb := canonicalSemver(a), canonicalSemver(b)
	if semver.IsValid(sa) && semver.IsValid(sb) {
		return semver.Compare(sa, sb)
	}
	return strings.Compare(a, b)
}

func canonicalSemver(v string) string {
	if strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}

// generateDotGraph constructs a DOT digraph for the specified dependency tree
func generateDotGraph(tree dependencyTreeNode, dir store.Direction) string {
	rankDir, arrowDir := "RL", ""
	if dir == store.Master {
		rankDir, arrowDir = "LR", " [dir=back]"
	}
	var sb strings.Builder
	sb.WriteString(`digraph G {
    bgcolor="#414142";
	rankdir="` + rankDir + `";
	subgraph cluster_D {
        label="";
        node [shape=box style="rounded,filled" fontname=Arial fontsize=14 margin=.25 fillcolor="#F3F3F4" fontcolor="#58595B"]
        edge [color="#EC3525"]
		bgcolor="#58595B";
        style="rounded";
`)
	stack := []dependencyTreeNode{tree}
	uniq := make(map[string]struct{})
	for len(stack) > 0 {
		node := stack[0]
		stack = stack[1:]
		for _, dep := range node.Deps {
			// skip existing edges
			// . the same 2 module/version nodes can appear at multiple places within the overall tree
			// . the DOT renderer will draw an arrow for each if we include them all
			edgeKey := fmt.Sprintf("%s->%s", node.Module, dep.Module)
			if _, exists := uniq[edgeKey]; exists {
				continue
			}
			uniq[edgeKey] = struct{}{}

			sb.WriteString(fmt.Sprintf("\t\t%q -> %q%s\n", dep.Module.String(), node.Module.String(), arrowDir))
			if len(dep.Deps) > 0 {
				stack = append(stack, dep)
			}
		}
	}
	sb.WriteString("\t}\n}\n")
	return sb.String()
}

// dependencyItem represents a module version reached while walking the dependency graph
type dependencyItem struct {
	// the module, ex: jquery/jquery-ui
	Module string
	// the version, ex: 1.2.0
	Version string
	// is this module a direct or indirect dependency of the "root" module being queried against
	IsDirect bool
	// the number of dependency links between this module and the "root" module being queried against
	// . IsDirect = (Degree == 1)
	Degree int
}

// Key returns the full name of the dependency in "[family]/[name]@[version]" format
func (d dependencyItem) Key() string {
	return d.Module + "@" + d.Version
}

// moduleItem represents one row of list-modules or list-module-versions output
type moduleItem struct {
	Family       string    `json:"family"`
	Name         string    `json:"name"`
	Version      string    `json:"version,omitempty"`
	VersionCount int       `json:"version_count"`
	Local        bool      `json:"local,omitempty"`
	Author       string    `json:"author,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
}

func newModuleItem(m store.Module, v *store.Version) moduleItem {
	item := moduleItem{
		Family:       m.Family,
		Name:         m.Name,
		VersionCount: m.VersionCount,
		Local:        m.Local,
	}
	if v != nil {
		item.Version = v.Version
		item.Author = v.Author
		item.CreatedAt = v.CreatedAt
	}
	return item
}

// Key returns the identity key of the item, "[family]/[name]" or "[family]/[name]@[version]"
func (m moduleItem) Key() string {
	return store.VersionKey(m.Family, m.Name, m.Version).String()
}

// moduleItems flattens search results into output rows.  Listings ordered by version columns carry
// the listed version, all others the module's latest version.
func moduleItems(details []registry.ModuleDetail) []moduleItem {
	items := make([]moduleItem, 0, len(details))
	for _, d := range details {
		v := d.Latest
		if d.Version != nil {
			v = d.Version
		}
		items = append(items, newModuleItem(d.Module, v))
	}
	return items
}

// xor implements a boolean exclusive OR for a set of values.  This is necessary because Go does not
// provide XOR operators (boolean or bitwise)
func xor(vs ...bool) bool {
	if len(vs) == 0 {
		return false
	}
	n := 0
	for _, v := range vs {
		if v {
			n++
		}
		if n > 1 {
			return false
		}
	}
	return n == 1
}

// startSpinner initializes and starts a "spinner" for the console and returns
// a function for updating the spinner's message and another to stop it.
func startSpinner() (update func(string), done func()) {
	update = func(string) {}
	done = func() {}

	// no-op if we're not writing to a TTY
	if tty() {
		spinner, _ := yacspin.New(yacspin.Config{
			CharSet:         yacspin.CharSets[11],
			Frequency:       300 * time.Millisecond,
			Message:         "",
			Prefix:          "querying the registry ",
			Suffix:          " ",
			SuffixAutoColon: false,
		})
		_ = spinner.Start()

		var stopped bool
		update = func(msg string) {
			spinner.Message(msg)
		}
		done = func() {
			if !stopped {
				stopped = true
				_ = spinner.Stop()
			}
		}
	}
	return update, done
}

// writeJSON writes v to w as a single line of JSON
func writeJSON(w io.Writer, v any) error {
	output, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("Error generating JSON output: %w", err)
	}
	_, _ = w.Write(output)
	fmt.Fprintln(w)
	return nil
}

// writeResults writes the contents of results to the provided io.Writer based on the configured output options
func writeResults(w io.Writer, results []moduleItem) error {
	var err error
	switch {
	case formatTemplate != "":
		// apply the provided text template
		tt := template.New("item")
		tt, err = tt.Parse(formatTemplate)
		if err != nil {
			return fmt.Errorf("Invalid Go text template specified: %w", err)
		}
		for _, e := range results {
			if err := tt.Execute(w, e); err != nil {
				return fmt.Errorf("Error applying Go text template: %w", err)
			}
			fmt.Fprintln(w)
		}

	case formatAsList:
		// output a tabular list
		tw := tabwriter.NewWriter(w, 10, 4, 2, ' ', 0)
		defer func() { _ = tw.Flush() }()
		if _, err := tw.Write([]byte("Module\tVersion\tVersions\tAuthor\n")); err != nil {
			return fmt.Errorf("Error writing tabular output: %w", err)
		}
		for _, e := range results {
			if _, err := tw.Write([]byte(fmt.Sprintf("%s/%s\t%s\t%d\t%s\n", e.Family, e.Name, e.Version, e.VersionCount, e.Author))); err != nil {
				return fmt.Errorf("Error writing tabular output: %w", err)
			}
		}

	default:
		return writeJSON(w, results)
	}
	return nil
}
