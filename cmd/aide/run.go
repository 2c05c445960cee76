package main

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aide-sh/aide/pkg/config"
	"github.com/aide-sh/aide/pkg/invoker"
	"github.com/aide-sh/aide/pkg/presenter"
)

var runCmd = &cobra.Command{
	Use:   "run [agent] [prompt...]",
	Short: "Invoke an agent once and print its response",
	Long: `Run a registered agent in the foreground with the given prompt. The agent
runs in its own isolated runtime directory; its response is printed when it
completes.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg := config.FromViper(viper.GetViper())
		rt, err := config.NewRuntime(ctx, cfg)
		if err != nil {
			return err
		}

		model, _ := cmd.Flags().GetString("model")
		quiet, _ := cmd.Flags().GetBool("quiet")
		presenter.SetQuiet(quiet)

		result, err := rt.Invoker.Invoke(ctx, invoker.Request{
			Agent:         args[0],
			Prompt:        strings.Join(args[1:], " "),
			Mode:          invoker.ModeForeground,
			ModelOverride: model,
		})
		if err != nil {
			return err
		}
		if result.Status != invoker.StatusSuccess {
			return errors.Errorf("agent %s finished with status %s: %s", result.Agent, result.Status, result.Error)
		}
		// The response itself prints even in quiet mode.
		cmd.Println(result.Response)
		return nil
	},
}

func init() {
	runCmd.Flags().String("model", "", "Model override for this invocation")
	runCmd.Flags().Bool("quiet", false, "Suppress everything except the agent response")
}
