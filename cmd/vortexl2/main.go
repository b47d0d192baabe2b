package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"github.com/vortexl2/vortexl2/config"
	"github.com/vortexl2/vortexl2/forward"
	"github.com/vortexl2/vortexl2/internal/app"
	"github.com/vortexl2/vortexl2/internal/version"
	"golang.org/x/sys/unix"
)

// errFailed is returned once a command has already reported its failures.
var errFailed = errors.New("one or more operations failed")

type globalFlags struct {
	config  string
	verbose bool
	null    bool
	// commander overrides how HAProxy is run.
	commander forward.Commander
}

func (gf *globalFlags) open(cmd *cobra.Command) (*app.App, error) {
	return app.New(app.Options{
		ConfigPath:    gf.config,
		Verbose:       gf.verbose,
		NullDataPlane: gf.null,
		LogOutput:     cmd.ErrOrStderr(),
		Commander:     gf.commander,
	})
}

// withApp runs fn with an App that is closed afterwards.
func (gf *globalFlags) withApp(fn func(cmd *cobra.Command, args []string, a *app.App) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := gf.open(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd, args, a)
	}
}

func newRootCmd(gf *globalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:           "vortexl2",
		Short:         "L2TPv3 Ethernet tunnels with HAProxy port forwarding",
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&gf.config, "config", config.DefaultPath, "specify configuration file path")
	root.PersistentFlags().BoolVar(&gf.verbose, "verbose", false, "toggle verbose log output")
	root.PersistentFlags().BoolVar(&gf.null, "null", false, "toggle null data plane")

	root.AddCommand(
		newApplyCmd(gf),
		newStatusCmd(gf),
		newVersionCmd(),
		newTunnelCmd(gf),
		newForwardCmd(gf),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "vortexl2 %s\n", version.Version)
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	err := newRootCmd(&globalFlags{}).ExecuteContext(ctx)
	stop()
	if err != nil {
		if !errors.Is(err, errFailed) {
			fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		}
		if app.IsUserError(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
