package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/modloader"
)

// NewResolveCommand creates the resolve command
func NewResolveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve <name> <package>...",
		Short: "Resolve a name through one module's class loader",
		Long: `Resolve starts the given packages (without activators) and looks a
fully-qualified name up through the class loader of the selected module,
printing the module that defines it.

Examples:
  modcli resolve --module atd dssmodule.util.Util ./atd.omod ./dssmodule.omod`,
		Args: cobra.MinimumNArgs(2),
		RunE: runResolve,
	}
	cmd.Flags().StringP("module", "m", "", "Module whose class loader performs the lookup")
	_ = cmd.MarkFlagRequired("module")
	return cmd
}

func runResolve(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := commandLogger(cmd)
	moduleID, _ := cmd.Flags().GetString("module")
	name := args[0]

	pkgs, err := loadPackages(ctx, logger, args[1:])
	if err != nil {
		return err
	}

	reg := modloader.NewModuleRegistry(modloader.WithRegistryLogger(logger))
	for i, pkg := range pkgs {
		if err := reg.RegisterPackage(pkg); err != nil {
			closeAll(pkgs[i:])
			_ = reg.Reset(ctx)
			return err
		}
	}
	defer func() { _ = reg.Reset(ctx) }()

	if err := reg.StartAll(ctx); err != nil {
		return err
	}
	loader, ok := reg.Get(moduleID)
	if !ok {
		return fmt.Errorf("%w: %s", modloader.ErrModuleNotFound, moduleID)
	}

	res := loader.Lookup(name)
	if !res.Found() {
		return fmt.Errorf("%w: %s is not visible from module %s", modloader.ErrSymbolNotFound, name, moduleID)
	}
	writeLine(cmd.OutOrStdout(), "%s -> %s (%s)", res.Name, res.Owner(), res.Symbol.Entry().Path)
	return nil
}
