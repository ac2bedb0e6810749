package commands

import (
	"fmt"

	"github.com/myrtio/myrtio-ota/internal/config"
	"github.com/myrtio/myrtio-ota/pkg/db"
	"github.com/myrtio/myrtio-ota/pkg/errors"
	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent pushes and their outcome",
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().String("device", "", "Only show pushes to this device")
	historyCmd.Flags().Int("limit", 20, "Maximum number of sessions to show")
	historyCmd.Flags().Int("prune", 0, "Delete all but the newest N sessions before listing")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}

	if err := ensureDirectories(cfg.HistoryDB); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.HistoryDB)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	device, _ := cmd.Flags().GetString("device")
	limit, _ := cmd.Flags().GetInt("limit")
	keep, _ := cmd.Flags().GetInt("prune")

	if keep > 0 {
		n, err := repo.Prune(keep)
		if err != nil {
			return errors.Wrap(err, "prune failed")
		}
		fmt.Printf("Pruned %d sessions\n", n)
	}

	sessions, err := repo.List(device, limit)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	if len(sessions) == 0 {
		fmt.Println("No pushes recorded")
		return nil
	}

	fmt.Printf("%-36s %-24s %-10s %-10s %-20s %s\n", "SESSION", "DEVICE", "STATUS", "SIZE", "CREATED", "ERROR")
	fmt.Println("------------------------------------------------------------------------------------------------------------------")

	for _, s := range sessions {
		msg := s.ErrorMessage
		if msg == "" {
			msg = "-"
		}
		fmt.Printf("%-36s %-24s %-10s %-10d %-20s %s\n",
			s.ID, s.DeviceHost, s.Status, s.ImageSize, s.CreatedAt, msg)
	}

	return nil
}
