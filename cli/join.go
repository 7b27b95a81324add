package cli

import (
	"bufio"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/keeper-backup/keeper/internal/objects"
)

var joinRemote string

var joinCmd = &cobra.Command{
	Use:   "join [ids or refs...]",
	Short: "Stream stored data to stdout",
	Long: `Rehydrates each named object (a blob, a chunked file tree, or a
commit's whole tree) and concatenates the bytes on stdout. With no
arguments, ids are read one per line from stdin.`,
	RunE: runJoin,
}

func init() {
	joinCmd.Flags().StringVarP(&joinRemote, "remote", "r", "", "command to reach a remote repository server")
}

func runJoin(cmd *cobra.Command, args []string) error {
	c, err := dialClient(joinRemote)
	if err != nil {
		return err
	}
	defer c.Close()

	ids := args
	if len(ids) == 0 {
		scan := bufio.NewScanner(os.Stdin)
		for scan.Scan() {
			if line := scan.Text(); line != "" {
				ids = append(ids, line)
			}
		}
		if err := scan.Err(); err != nil {
			return err
		}
	}

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()
	for _, spec := range ids {
		id, err := resolveSpec(c, spec)
		if err != nil {
			return err
		}
		if err := c.Cat(id, out); err != nil {
			return fmt.Errorf("join %s: %w", spec, err)
		}
	}
	return nil
}

// resolveSpec accepts a 40-hex object id or a ref name.
func resolveSpec(c interface {
	ReadRef(string) (objects.ID, error)
}, spec string) (objects.ID, error) {
	if len(spec) == objects.IDSize*2 {
		if id, err := objects.IDFromHex(spec); err == nil {
			return id, nil
		}
	}
	id, err := c.ReadRef(spec)
	if err != nil {
		return objects.ZeroID, err
	}
	if id.IsZero() {
		return objects.ZeroID, fmt.Errorf("no such id or ref: %q", spec)
	}
	return id, nil
}
