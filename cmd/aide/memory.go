package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aide-sh/aide/pkg/config"
	"github.com/aide-sh/aide/pkg/presenter"
	"github.com/aide-sh/aide/pkg/retrieval"
)

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Inspect and manage long-term memory",
}

var memoryAtomsCmd = &cobra.Command{
	Use:   "atoms",
	Short: "List stored memory atoms",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := config.NewRuntime(cmd.Context(), config.FromViper(viper.GetViper()))
		if err != nil {
			return err
		}
		atoms := rt.Atoms.All()
		presenter.Section(fmt.Sprintf("Atoms (%d)", len(atoms)))
		now := time.Now().UTC()
		for _, a := range atoms {
			presenter.Info(fmt.Sprintf("%s  [%s]  %s", a.ID, retrieval.RecencyLabel(a.CreatedAt, now), clipLine(a.Content, 100)))
		}
		return nil
	},
}

var memoryThreadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "List memory threads",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := config.NewRuntime(cmd.Context(), config.FromViper(viper.GetViper()))
		if err != nil {
			return err
		}
		threads := rt.Threads.All()
		presenter.Section(fmt.Sprintf("Threads (%d)", len(threads)))
		for _, th := range threads {
			kind := "topical"
			if th.IsConversation() {
				kind = "conversation"
			}
			presenter.Info(fmt.Sprintf("%s  %-12s %3d atoms  %s", th.ID, kind, len(th.MemoryIDs), th.Name))
		}
		return nil
	},
}

var memoryShowCmd = &cobra.Command{
	Use:   "show [atom-id]",
	Short: "Show one atom in full",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := config.NewRuntime(cmd.Context(), config.FromViper(viper.GetViper()))
		if err != nil {
			return err
		}
		atom, ok := rt.Atoms.Get(args[0])
		if !ok {
			return errors.Errorf("atom %s not found", args[0])
		}
		presenter.Section(atom.ID)
		presenter.Info(atom.Content)
		if len(atom.Tags) > 0 {
			presenter.Info("Tags: " + strings.Join(atom.Tags, ", "))
		}
		presenter.Info("Created: " + atom.CreatedAt.Format("2006-01-02 15:04:05 MST"))
		for _, v := range atom.PreviousVersions {
			presenter.Separator()
			presenter.Info(fmt.Sprintf("Superseded %s (%s): %s", v.Timestamp.Format("2006-01-02"), v.SupersededReason, v.Content))
		}
		return nil
	},
}

var memoryWipeCmd = &cobra.Command{
	Use:   "wipe",
	Short: "Delete all long-term memory",
	Long: `Delete every atom, thread, and embedding. Chats, scheduled tasks, and
working memory are untouched. Requires --force.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		if !force {
			return errors.New("refusing to wipe memory without --force")
		}
		rt, err := config.NewRuntime(cmd.Context(), config.FromViper(viper.GetViper()))
		if err != nil {
			return err
		}
		if err := rt.WipeMemory(cmd.Context()); err != nil {
			return err
		}
		presenter.Success("long-term memory wiped")
		return nil
	},
}

func init() {
	memoryWipeCmd.Flags().Bool("force", false, "Confirm the wipe")
	memoryCmd.AddCommand(memoryAtomsCmd)
	memoryCmd.AddCommand(memoryThreadsCmd)
	memoryCmd.AddCommand(memoryShowCmd)
	memoryCmd.AddCommand(memoryWipeCmd)
}

func clipLine(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
