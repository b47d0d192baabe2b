package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/vortexl2/vortexl2/forward"
	"github.com/vortexl2/vortexl2/internal/app"
)

func newApplyCmd(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "apply [tunnel...]",
		Short: "Bring tunnels up and publish their forwarded ports",
		Long: `Bring every declared tunnel up, or only the named ones, then regenerate the
HAProxy configuration from the tunnels that are up if forwarding is enabled.
Every tunnel is attempted; the command fails if any did not come up.`,
		RunE: gf.withApp(func(cmd *cobra.Command, args []string, a *app.App) error {
			res, err := a.Apply(cmd.Context(), args...)
			if err != nil {
				return err
			}
			printApply(cmd.OutOrStdout(), res)
			if !res.OK() {
				return errFailed
			}
			return nil
		}),
	}
}

func printApply(w io.Writer, res *app.ApplyResult) {
	if len(res.Report.Results) == 0 {
		fmt.Fprintln(w, "no tunnels declared")
	}
	fmt.Fprint(w, res.Report.String())
	switch {
	case res.ForwardErr != nil:
		fmt.Fprintf(w, "forwarding: failed: %v\n", res.ForwardErr)
	case res.Forward != nil:
		printForwardResult(w, res.Forward)
	}
}

func printForwardResult(w io.Writer, res *forward.Result) {
	state := "unchanged"
	if res.Changed {
		state = "updated"
	}
	fmt.Fprintf(w, "forwarding: %s, %d ports %v\n", state, len(res.Units), forward.Ports(res.Units))
	for _, c := range res.Conflicts {
		fmt.Fprintf(w, "warning: port %d claimed by %s and %s, using %s\n", c.Port, c.Winner, c.Loser, c.Winner)
	}
}
