package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ronnin/oldman-club/internal/registry"
	"github.com/ronnin/oldman-club/internal/store"
)

const publishExampleUsage = `  # publish v1.2.0 of the jquery/jquery-ui module
  oldman publish jquery/jquery-ui@1.2.0 --author alice --keyword widgets

  # replace an existing version, e.g. after re-uploading the artifact
  oldman publish jquery/jquery-ui@1.2.0 --sar-file jquery-ui-1.2.0.sar --file-size 10240 --force`

// createMigrateCommand initializes and returns a *cobra.Command that implements the 'migrate' CLI sub-command
func createMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:          "migrate",
		Short:        "Applies the registry schema to the configured database",
		Args:         cobra.NoArgs,
		RunE:         runMigrateCmd,
		SilenceUsage: true,
	}
}

func runMigrateCmd(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	conf, err := parseDBConfig(cmd.Flags())
	if err != nil {
		return err
	}
	b, err := openBackend(ctx, conf, nil)
	if err != nil {
		return err
	}
	defer closeBackend(b)

	if err = b.Migrate(ctx); err != nil {
		return err
	}
	logger.Info("schema applied", "driver", conf.driver)
	return nil
}

// createPublishCommand initializes and returns a *cobra.Command that implements the 'publish' CLI sub-command
func createPublishCommand() *cobra.Command {
	cmd := cobra.Command{
		Use:          "publish family/name@version",
		Aliases:      []string{"p"},
		Short:        "Records a new version of a module, creating the module if needed",
		Example:      publishExampleUsage,
		Args:         cobra.ExactArgs(1),
		RunE:         runPublishCmd,
		SilenceUsage: true,
	}
	fset := cmd.Flags()
	fset.String("author", "", "the publisher of the version (default "+store.DefaultAuthor+")")
	fset.String("keyword", "", "a free-form keyword stored with the version")
	fset.String("sar-file", "", "a reference to the version's artifact")
	fset.String("meta-file", "", "a reference to the version's metadata file")
	fset.Int64("file-size", 0, "the size of the artifact in bytes")
	fset.Bool("force", false, "replace the version if it already exists")
	fset.BoolVar(&formatAsJSON, "json", false, "output the stored version as JSON")
	return &cmd
}

func runPublishCmd(cmd *cobra.Command, args []string) error {
	ref, err := parseVersionRef(args[0])
	if err != nil {
		return err
	}
	fset := cmd.Flags()
	req := registry.CreateVersionRequest{VersionRef: ref}
	req.Meta.Author, _ = fset.GetString("author")
	req.Meta.Keyword, _ = fset.GetString("keyword")
	req.Meta.SarFile, _ = fset.GetString("sar-file")
	req.Meta.MetaFile, _ = fset.GetString("meta-file")
	req.Meta.FileSize, _ = fset.GetInt64("file-size")
	req.Force, _ = fset.GetBool("force")

	return withRegistry(cmd, func(ctx context.Context, svc *registry.Service) error {
		v, err := svc.CreateOrReplaceVersion(ctx, req)
		if err != nil {
			return err
		}
		if formatAsJSON {
			return json.NewEncoder(os.Stdout).Encode(v)
		}
		fmt.Printf("published %s (id %d, author %s, created %s)\n", ref, v.ID, v.Author, v.CreatedAt.Format(time.RFC3339))
		return nil
	})
}

// createRemoveCommand initializes and returns a *cobra.Command that implements the 'remove' CLI sub-command
func createRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:          "remove family/name[@version]",
		Aliases:      []string{"rm"},
		Short:        "Removes a module version, or an entire module with all of its versions",
		Args:         cobra.ExactArgs(1),
		RunE:         runRemoveCmd,
		SilenceUsage: true,
	}
}

func runRemoveCmd(cmd *cobra.Command, args []string) error {
	k, err := store.ParseKey(args[0])
	if err != nil {
		return err
	}
	ref := registry.RefOf(k)
	return withRegistry(cmd, func(ctx context.Context, svc *registry.Service) error {
		if k.IsVersion() {
			if err := svc.RemoveVersion(ctx, ref); err != nil {
				return err
			}
		} else if err := svc.RemoveModule(ctx, ref.Module()); err != nil {
			return err
		}
		logger.Info("removed", "key", k.String())
		return nil
	})
}

// createLinkCommand initializes and returns a *cobra.Command that implements the 'link' CLI sub-command
func createLinkCommand() *cobra.Command {
	return &cobra.Command{
		Use:          "link master/module@version dependant/module@version",
		Short:        "Records that the first version depends on the second",
		Args:         cobra.ExactArgs(2),
		RunE:         runLinkCmd,
		SilenceUsage: true,
	}
}

func runLinkCmd(cmd *cobra.Command, args []string) error {
	master, err := parseVersionRef(args[0])
	if err != nil {
		return err
	}
	dependant, err := parseVersionRef(args[1])
	if err != nil {
		return err
	}
	return withRegistry(cmd, func(ctx context.Context, svc *registry.Service) error {
		return svc.Link(ctx, registry.LinkRequest{Master: master, Dependant: dependant})
	})
}

// createRenameCommand initializes and returns a *cobra.Command that implements the 'rename' CLI sub-command
func createRenameCommand() *cobra.Command {
	return &cobra.Command{
		Use:          "rename family/name new-family/new-name",
		Short:        "Changes the family and name of a module, keeping its versions",
		Args:         cobra.ExactArgs(2),
		RunE:         runRenameCmd,
		SilenceUsage: true,
	}
}

func runRenameCmd(cmd *cobra.Command, args []string) error {
	from, err := parseModuleRef(args[0])
	if err != nil {
		return err
	}
	to, err := parseModuleRef(args[1])
	if err != nil {
		return err
	}
	return withRegistry(cmd, func(ctx context.Context, svc *registry.Service) error {
		return svc.RenameModule(ctx, registry.RenameModuleRequest{From: from, To: to})
	})
}

// createRepairCommand initializes and returns a *cobra.Command that implements the 'repair' CLI sub-command
func createRepairCommand() *cobra.Command {
	return &cobra.Command{
		Use:          "repair [family/name]",
		Short:        "Recomputes version counts and latest pointers for one or all modules",
		Args:         cobra.MaximumNArgs(1),
		RunE:         runRepairCmd,
		SilenceUsage: true,
	}
}

func runRepairCmd(cmd *cobra.Command, args []string) error {
	return withRegistry(cmd, func(ctx context.Context, svc *registry.Service) error {
		var results []registry.ReconcileResult
		if len(args) == 1 {
			ref, err := parseModuleRef(args[0])
			if err != nil {
				return err
			}
			res, err := svc.Reconcile(ctx, ref)
			if err != nil {
				return err
			}
			results = append(results, res)
		} else {
			var err error
			if results, err = svc.ReconcileAll(ctx); err != nil {
				return err
			}
		}
		for _, r := range results {
			if r.Repaired() {
				fmt.Printf("repaired %s: version count %d -> %d, latest %d -> %d\n",
					r.Module, r.CountBefore, r.CountAfter, r.LatestBefore, r.LatestAfter)
			}
		}
		logger.Debug("repair complete", "repaired", len(results))
		return nil
	})
}

// withRegistry opens the configured backend, runs fn, and closes the backend.
func withRegistry(cmd *cobra.Command, fn func(context.Context, *registry.Service) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	b, err := openBackendFromFlags(ctx, cmd.Flags())
	if err != nil {
		return err
	}
	defer closeBackend(b)
	return fn(ctx, b.Registry())
}

func closeBackend(b *backend) {
	if err := b.Close(); err != nil {
		logger.Error(err, "unexpected error closing the registry backend")
	}
}

// parseVersionRef parses a "family/name@version" CLI argument.
func parseVersionRef(arg string) (registry.VersionRef, error) {
	k, err := store.ParseKey(arg)
	if err != nil {
		return registry.VersionRef{}, err
	}
	if !k.IsVersion() {
		return registry.VersionRef{}, store.NewError(store.ErrValidation, "parse argument", arg, fmt.Errorf("a version is required, ex: %s@1.0.0", arg))
	}
	return registry.RefOf(k), nil
}

// parseModuleRef parses a "family/name" CLI argument.
func parseModuleRef(arg string) (registry.ModuleRef, error) {
	k, err := store.ParseKey(arg)
	if err != nil {
		return registry.ModuleRef{}, err
	}
	if k.IsVersion() {
		return registry.ModuleRef{}, store.NewError(store.ErrValidation, "parse argument", arg, errors.New("a module reference must not carry a version"))
	}
	return registry.RefOf(k).Module(), nil
}
