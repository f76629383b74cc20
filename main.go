package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel/metric"

	"github.com/ronnin/oldman-club/internal/server"
	"github.com/ronnin/oldman-club/internal/store"
)

func main() {
	// we pass the debugMode field on the package-level logLevel variable here to simplify the CLI
	// argument management.
	rootCommand.PersistentFlags().BoolVarP(&(logLevel.debugMode), "debug", "x", os.Getenv("LOG_VERBOSITY") == "debug", "enable verbose logging")
	addDBFlags(rootCommand.PersistentFlags())

	rootCommand.AddCommand(server.CreateServerCommand(logger, openServerBackend))
	rootCommand.AddCommand(createMigrateCommand())
	rootCommand.AddCommand(createPublishCommand())
	rootCommand.AddCommand(createRemoveCommand())
	rootCommand.AddCommand(createLinkCommand())
	rootCommand.AddCommand(createRenameCommand())
	rootCommand.AddCommand(createRepairCommand())
	rootCommand.AddCommand(createImportCommand())
	rootCommand.AddCommand(createQueryCommand())
	rootCommand.AddCommand(createFindPathsCommand())
	rootCommand.AddCommand(versionCommand)

	if err := rootCommand.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", describeError(err))
		os.Exit(exitCode(err))
	}
}

var (
	rootCommand = &cobra.Command{
		Use:           "oldman",
		Short:         "oldman - module registry metadata store",
		SilenceErrors: true, // don't print errors, we're handling it in main()
		SilenceUsage:  true, // don't print usage on error
	}

	BuildDate    = "unknown"
	BuildVersion = "v0.0.0-dev"
	commitHash   = "unknown"
	commitDate   = "unknown"

	versionInfoTemplate = `oldman - module registry metadata store
	%s (built %s, %s %s/%s)
	commit: %s (date: %s)
`

	versionCommand = &cobra.Command{
		Use:   "version",
		Short: "shows build/version info",
		Run:   runVersionCmd,
	}
)

func runVersionCmd(_ *cobra.Command, _ []string) {
	goos, goarch, goVersion := "", "", "unknown"
	nfo, ok := debug.ReadBuildInfo()
	if !ok {
		nfo = &debug.BuildInfo{}
	} else {
		goVersion = nfo.GoVersion
	}
	for _, s := range nfo.Settings {
		switch s.Key {
		case "vcs.time":
			commitDate = s.Value
		case "vcs.revision":
			commitHash = s.Value
		case "GOOS":
			goos = s.Value
		case "GOARCH":
			goarch = s.Value
		default:
			// don't care about other settings
		}
	}
	fmt.Printf(versionInfoTemplate,
		BuildVersion, BuildDate, goVersion, goos, goarch,
		commitHash, commitDate)
}

// openServerBackend adapts [openBackend] for the 'server' command, which provides its own meter.
func openServerBackend(ctx context.Context, fset *pflag.FlagSet, meter metric.Meter) (server.Backend, error) {
	conf, err := parseDBConfig(fset)
	if err != nil {
		return nil, err
	}
	b, err := openBackend(ctx, conf, meter)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// describeError prefixes registry errors with a short explanation of their kind.
func describeError(err error) string {
	var se *store.Error
	if !errors.As(err, &se) {
		return err.Error()
	}
	switch se.Kind {
	case store.ErrNotFound:
		return "Not found: " + err.Error()
	case store.ErrConflict:
		return "Conflict: " + err.Error() + " (use --force to replace)"
	case store.ErrValidation:
		return "Invalid request: " + err.Error()
	default:
		return "Storage failure: " + err.Error()
	}
}

// exitCode maps registry error kinds to distinct process exit codes so scripts can react to them.
func exitCode(err error) int {
	var se *store.Error
	if !errors.As(err, &se) {
		return 1
	}
	switch se.Kind {
	case store.ErrValidation:
		return 2
	case store.ErrNotFound:
		return 3
	case store.ErrConflict:
		return 4
	default:
		return 1
	}
}
