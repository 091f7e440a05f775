package cmd

import (
	"encoding/json"
	"strings"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/modloader"
)

type inspectOutput struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Version     string            `json:"version"`
	Activator   string            `json:"activator,omitempty"`
	Platform    string            `json:"require_platform,omitempty"`
	Requires    []string          `json:"requires,omitempty"`
	AwareOf     []string          `json:"aware_of,omitempty"`
	Source      string            `json:"source"`
	Digest      uint64            `json:"digest"`
	Entries     []modloader.Entry `json:"entries"`
	Description string            `json:"description,omitempty"`
}

// NewInspectCommand creates the inspect command
func NewInspectCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <package>",
		Short: "Show a package's descriptor and indexed entries",
		Long: `Inspect opens a module package and prints its descriptor and the
entries its class loader would define.

Examples:
  modcli inspect ./modules/atd.omod
  modcli inspect ./modules/dssmodule --json`,
		Args: cobra.ExactArgs(1),
		RunE: runInspect,
	}
	cmd.Flags().Bool("json", false, "Print JSON instead of text")
	return cmd
}

func runInspect(cmd *cobra.Command, args []string) error {
	pkgs, err := loadPackages(cmd.Context(), commandLogger(cmd), args)
	if err != nil {
		return err
	}
	defer closeAll(pkgs)

	pkg := pkgs[0]
	desc := pkg.Descriptor()
	out := inspectOutput{
		ID:          desc.ID(),
		Name:        desc.Name(),
		Version:     desc.Version().String(),
		Activator:   desc.Activator(),
		Source:      pkg.Source(),
		Digest:      pkg.Digest(),
		Entries:     pkg.Entries(),
		Description: desc.Description(),
	}
	if !desc.RequirePlatform().IsAny() {
		out.Platform = desc.RequirePlatform().String()
	}
	for _, d := range desc.Dependencies() {
		out.Requires = append(out.Requires, d.String())
	}
	for _, d := range desc.AwareOf() {
		out.AwareOf = append(out.AwareOf, d.String())
	}

	w := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	writeLine(w, "Module:   %s (%s)", out.ID, out.Name)
	writeLine(w, "Version:  %s", out.Version)
	writeLine(w, "Source:   %s", out.Source)
	if out.Activator != "" {
		writeLine(w, "Activator: %s", out.Activator)
	}
	if out.Platform != "" {
		writeLine(w, "Platform: %s", out.Platform)
	}
	if len(out.Requires) > 0 {
		writeLine(w, "Requires: %s", strings.Join(out.Requires, ", "))
	}
	if len(out.AwareOf) > 0 {
		writeLine(w, "Aware of: %s", strings.Join(out.AwareOf, ", "))
	}
	writeLine(w, "Entries:  %d", len(out.Entries))
	for _, e := range out.Entries {
		writeLine(w, "  %-8s %s", e.Kind, e.Name)
	}
	return nil
}
