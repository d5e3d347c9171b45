package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"chatforge/internal/config"
	"chatforge/internal/store"
)

var moderationCmd = &cobra.Command{
	Use:   "moderation",
	Short: "Inspect or edit the persisted room denylist",
}

var moderationListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accountIds on the persisted room denylist",
	RunE:  runModerationList,
}

var moderationAddCmd = &cobra.Command{
	Use:   "add <accountId>",
	Short: "Add an accountId to the persisted room denylist",
	Args:  cobra.ExactArgs(1),
	RunE:  runModerationAdd,
}

var moderationRemoveCmd = &cobra.Command{
	Use:   "remove <accountId>",
	Short: "Remove an accountId from the persisted room denylist",
	Args:  cobra.ExactArgs(1),
	RunE:  runModerationRemove,
}

func init() {
	moderationCmd.AddCommand(moderationListCmd)
	moderationCmd.AddCommand(moderationAddCmd)
	moderationCmd.AddCommand(moderationRemoveCmd)
}

func openModerationStore() (*store.Store, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	return store.Open(cfg.Database.Path)
}

func runModerationList(cmd *cobra.Command, args []string) error {
	st, err := openModerationStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ids, err := st.LoadRoomDenylist()
	if err != nil {
		return fmt.Errorf("load denylist: %w", err)
	}
	if len(ids) == 0 {
		cmd.Println("denylist is empty")
		return nil
	}
	for _, id := range ids {
		cmd.Println(id)
	}
	return nil
}

func runModerationAdd(cmd *cobra.Command, args []string) error {
	st, err := openModerationStore()
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.AddToRoomDenylist(args[0]); err != nil {
		return fmt.Errorf("add to denylist: %w", err)
	}
	cmd.Printf("added %s to the room denylist\n", args[0])
	return nil
}

func runModerationRemove(cmd *cobra.Command, args []string) error {
	st, err := openModerationStore()
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.RemoveFromRoomDenylist(args[0]); err != nil {
		return fmt.Errorf("remove from denylist: %w", err)
	}
	cmd.Printf("removed %s from the room denylist\n", args[0])
	return nil
}
