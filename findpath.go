package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ronnin/oldman-club/internal/registry"
	"github.com/ronnin/oldman-club/internal/store"
)

const findPathsExampleUsage = `# find any path between the latest version of app/portal and any version of jquery/jquery
# and output the result as a tree
oldman find-paths app/portal jquery/jquery

# same, but output JSON
oldman find-paths app/portal jquery/jquery --json

# find all paths between the latest version of app/portal and v1.12.4 of jquery/jquery
# and output the result as a tree
oldman find-paths app/portal jquery/jquery@1.12.4 --all

# find all paths between v2.0.0 of app/portal and any version of jquery/jquery
# and output the results as line-delimited JSON
oldman find-paths app/portal@2.0.0 jquery/jquery --all --json`

// createFindPathsCommand creates and returns a *cobra.Command that implements the 'find-paths' CLI command
func createFindPathsCommand() *cobra.Command {
	cmd := cobra.Command{
		Use:          "find-paths from_family/name[@version] to_family/name[@version]",
		Example:      findPathsExampleUsage,
		Aliases:      []string{"fp", "why"},
		Short:        "Queries the registry to find dependency path(s) between module versions",
		RunE:         runFindPathsCommand,
		SilenceUsage: true,
	}
	fset := cmd.Flags()
	fset.BoolVar(&formatAsJSON, "json", false, "specifies that the output should be formatted as line-delimited JSON")
	fset.Bool("all", false, "Return all paths between the two modules")
	fset.IntVar(&maxDepth, "max-depth", 4, "specifies the maximum number of levels to be returned")

	return &cmd
}

// runFindPathsCommand implements the logic behind the 'find-paths' CLI sub-command
func runFindPathsCommand(cmd *cobra.Command, args []string) (err error) {
	switch len(args) {
	case 0, 1:
		return fmt.Errorf("The 'from' and 'to' modules are required")
	case 2:
		break
	default:
		return fmt.Errorf("Only 2 positional arguments, the 'from' and 'to' modules, are supported")
	}
	fromKey, err := store.ParseKey(args[0])
	if err != nil {
		return err
	}
	toKey, err := store.ParseKey(args[1])
	if err != nil {
		return err
	}

	return withRegistry(cmd, func(ctx context.Context, svc *registry.Service) (err error) {
		updateSpinner, stopSpinner := startSpinner()
		defer stopSpinner()

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		// default to the latest version for 'from' if no version is specified, 'to' matches any version
		updateSpinner("determining current version for " + fromKey.String())
		from, err := resolveVersion(ctx, svc, fromKey)
		if err != nil {
			return fmt.Errorf("Unable to determine the current version for %q: %w", fromKey, err)
		}
		to := registry.RefOf(toKey)
		if _, err = svc.ModuleOf(ctx, to.Module()); err != nil {
			return err
		}

		updateSpinner("Determining path(s) from " + from.String() + " to " + to.String())
		var (
			showAll, _ = cmd.Flags().GetBool("all")
			paths      = [][]registry.VersionRef{}
			pf         = newPathFinder(svc, maxDepth, updateSpinner)
		)
		// write the results on the way out
		defer func() {
			stopSpinner()
			if err != nil {
				return
			}
			if formatAsJSON {
				printJSONLinesTo(os.Stdout, paths)
			} else {
				printTreeTo(os.Stdout, paths)
			}
		}()
		for p := range pf.findPathsBetween(ctx, from, to) {
			if p.err != nil {
				// context cancellation is not a failure
				if errors.Is(p.err, context.Canceled) {
					continue
				}
				return p.err
			}

			updateSpinner("adding path")
			paths = append(paths, p.path)
			if !showAll {
				cancel()
			}
		}
		return nil
	})
}

// printTreeTo writes the provided list of dependency paths to w as a nested textual tree.  Each level
// of the tree is indented and prefixed with "-> ".
func printTreeTo(w io.Writer, paths [][]registry.VersionRef) {
	for _, p := range paths {
		for indent, pp := range p {
			if indent > 0 {
				_, _ = io.WriteString(w, fmt.Sprintf("%s-> ", strings.Repeat(" ", 3*(indent-1))))
			}
			_, _ = io.WriteString(w, pp.String())
			_, _ = io.WriteString(w, "\n")
		}
	}
}

// printJSONLinesTo writes the provided list of dependency paths to w as a series of line-delimited
// JSON objects.  The JSON is structured such that each level has exactly 1 key, the identity key
// of a module version, with the value of that key being the remainder of the path.
func printJSONLinesTo(w io.Writer, paths [][]registry.VersionRef) {
	for _, p := range paths {
		for _, pp := range p {
			_, _ = io.WriteString(w, fmt.Sprintf("{%q:", pp.String()))
		}
		_, _ = io.WriteString(w, fmt.Sprintf("{}%s\n", strings.Repeat("}", len(p))))
	}
}
