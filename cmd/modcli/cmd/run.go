package cmd

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/modloader"
	"github.com/GoCodeAlone/modloader/config"
)

// NewRunCommand creates the run command
func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a module runtime and wait for a signal",
		Long: `Run loads the runtime config, starts every configured module and keeps
running until SIGINT or SIGTERM, then shuts the modules down in reverse
order. Settings can also come from MODLOADER_* environment variables.

Examples:
  modcli run --config modloader.yaml
  MODLOADER_MODULE_LIST_TO_LOAD="./atd.omod ./dssmodule.omod" modcli run --watch`,
		RunE: runRuntime,
	}
	cmd.Flags().StringP("config", "c", "", "Runtime config file (.yaml, .toml, .json or .env)")
	cmd.Flags().BoolP("watch", "w", false, "Reload when packages change")
	return cmd
}

func runRuntime(cmd *cobra.Command, args []string) error {
	logger := commandLogger(cmd)
	path, _ := cmd.Flags().GetString("config")
	watch, _ := cmd.Flags().GetBool("watch")

	cfg := &config.RuntimeConfig{}
	if err := config.Load(path, cfg); err != nil {
		return err
	}

	rt, err := modloader.NewRuntime(logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Startup(ctx, cfg); err != nil {
		return err
	}
	for _, m := range rt.Modules() {
		writeLine(cmd.OutOrStdout(), "%-24s %-12s %s", m.ID, m.Version, m.State)
	}

	if watch {
		if err := rt.Watch(ctx); err != nil {
			logger.Error("Watcher stopped", "error", err)
		}
	}
	<-ctx.Done()
	logger.Info("Received signal, shutting down")

	err = rt.Shutdown(context.Background())
	if errors.Is(err, modloader.ErrRuntimeNotStarted) {
		return nil
	}
	return err
}
