package cmd

import (
	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/modloader"
)

// NewOrderCommand creates the order command
func NewOrderCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "order <package>...",
		Short: "Print the start order of a set of packages",
		Long: `Order reads the descriptors of the given packages and prints the order
in which they would be started, or the dependency cycle that prevents it.
Missing dependencies are reported but do not stop ordering.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runOrder,
	}
}

func runOrder(cmd *cobra.Command, args []string) error {
	pkgs, err := loadPackages(cmd.Context(), commandLogger(cmd), args)
	if err != nil {
		return err
	}
	defer closeAll(pkgs)

	present := make(map[string]bool, len(pkgs))
	for _, pkg := range pkgs {
		present[pkg.Descriptor().ID()] = true
	}

	w := cmd.OutOrStdout()
	g := modloader.NewDependencyGraph()
	for _, pkg := range pkgs {
		desc := pkg.Descriptor()
		g.AddModule(desc.ID())
		for _, dep := range desc.Dependencies() {
			if !present[dep.ID] {
				writeLine(cmd.ErrOrStderr(), "warning: %s requires %s which is not among the packages", desc.ID(), dep)
				continue
			}
			g.AddEdge(desc.ID(), dep.ID)
		}
		for _, dep := range desc.AwareOf() {
			if present[dep.ID] {
				g.AddEdge(desc.ID(), dep.ID)
			}
		}
	}

	order, err := g.Order()
	if err != nil {
		return err
	}
	for i, id := range order {
		writeLine(w, "%d. %s", i+1, id)
	}
	return nil
}
