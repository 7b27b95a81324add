package cli

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/keeper-backup/keeper/internal/pack"
	"github.com/keeper-backup/keeper/internal/repo"
)

var midxForce bool

var midxCmd = &cobra.Command{
	Use:   "midx",
	Short: "Fold pack indices into one union index",
	Long: `Rebuilds the multi-pack index when enough loose pack indices have
accumulated, keeping membership lookups fast. --force rebuilds
unconditionally.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := repo.Open(repoDir())
		if err != nil {
			return err
		}
		if !midxForce {
			return pack.AutoMidx(r.PackDir(), pack.DefaultMidxThreshold)
		}
		idxPaths, err := filepath.Glob(filepath.Join(r.PackDir(), "pack-*.idx"))
		if err != nil {
			return err
		}
		if len(idxPaths) == 0 {
			return fmt.Errorf("no pack indices to merge")
		}
		sort.Strings(idxPaths)
		path, err := pack.WriteMidx(r.PackDir(), idxPaths)
		if err != nil {
			return err
		}
		fmt.Printf("wrote %s (%d indices)\n", filepath.Base(path), len(idxPaths))
		return nil
	},
}

func init() {
	midxCmd.Flags().BoolVarP(&midxForce, "force", "f", false, "rebuild even below the threshold")
}
