package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aide-sh/aide/pkg/config"
	"github.com/aide-sh/aide/pkg/presenter"
	"github.com/aide-sh/aide/pkg/scheduler"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List scheduled tasks",
	Long:  `List every scheduled task with its schedule, next-fire estimate, and last error if any.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := config.NewRuntime(cmd.Context(), config.FromViper(viper.GetViper()))
		if err != nil {
			return err
		}
		tasks, err := rt.Tasks.All()
		if err != nil {
			return err
		}
		presenter.Section(fmt.Sprintf("Tasks (%d)", len(tasks)))
		now := time.Now().UTC()
		for _, task := range tasks {
			state := "active"
			if !task.Active {
				state = "inactive"
			}
			next := "n/a"
			if fire, ok := scheduler.NextFire(task.Schedule, now, task.LastRun); ok {
				next = fire.Local().Format("2006-01-02 15:04")
			}
			name := task.Name
			if name == "" {
				name = task.ID
			}
			presenter.Info(fmt.Sprintf("%-24s %-8s %-6s %-20s next: %s", name, state, task.Type, task.Schedule, next))
			if task.LastError != "" {
				presenter.Warning(fmt.Sprintf("  last error: %s", task.LastError))
			}
		}
		return nil
	},
}
