package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/modloader"
)

// NewRootCommand creates the root command for the modcli application
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "modcli",
		Short: "Module loader CLI - inspect, order and run module packages",
		Long: `Module loader CLI works with module packages: directories or zip
archives holding a module descriptor and the module's entries.`,
		SilenceUsage: true,
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}

	cmd.PersistentFlags().BoolP("verbose", "v", false, "Log debug output to stderr")

	cmd.AddCommand(NewInspectCommand())
	cmd.AddCommand(NewOrderCommand())
	cmd.AddCommand(NewResolveCommand())
	cmd.AddCommand(NewRunCommand())
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), PrintVersion())
		},
	})

	return cmd
}

// Version information
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// PrintVersion prints version information
func PrintVersion() string {
	return fmt.Sprintf("modcli v%s (commit: %s, built on: %s)", Version, Commit, Date)
}

// commandLogger logs to stderr, at debug level with --verbose and only
// warnings otherwise.
func commandLogger(cmd *cobra.Command) modloader.Logger {
	level := slog.LevelWarn
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

// loadPackages opens every path, closing the ones already open on failure.
func loadPackages(ctx context.Context, logger modloader.Logger, paths []string) ([]*modloader.ModulePackage, error) {
	loader := modloader.NewPackageLoader(modloader.WithPackageLogger(logger))
	pkgs := make([]*modloader.ModulePackage, 0, len(paths))
	for _, p := range paths {
		pkg, err := loader.Load(ctx, p)
		if err != nil {
			closeAll(pkgs)
			return nil, err
		}
		pkgs = append(pkgs, pkg)
	}
	return pkgs, nil
}

func closeAll(pkgs []*modloader.ModulePackage) {
	for _, pkg := range pkgs {
		_ = pkg.Close()
	}
}

func writeLine(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, format+"\n", args...)
}
