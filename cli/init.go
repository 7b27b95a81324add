package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/keeper-backup/keeper/internal/repo"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a repository",
	Long:  "Creates the repository directory layout. Safe to re-run.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := repo.Init(repoDir())
		if err != nil {
			return err
		}
		fmt.Printf("Initialized keeper repository at %s\n", r.Dir())
		return nil
	},
}
