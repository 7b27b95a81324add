package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/keeper-backup/keeper/internal/colors"
	"github.com/keeper-backup/keeper/internal/objects"
)

var lsRemote string

var lsCmd = &cobra.Command{
	Use:   "ls <ref-or-id> [path]",
	Short: "List the contents of a saved tree",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runLs,
}

func init() {
	lsCmd.Flags().StringVarP(&lsRemote, "remote", "r", "", "command to reach a remote repository server")
}

func runLs(cmd *cobra.Command, args []string) error {
	c, err := dialClient(lsRemote)
	if err != nil {
		return err
	}
	defer c.Close()

	id, err := resolveSpec(c, args[0])
	if err != nil {
		return err
	}
	kind, payload, err := c.Get(id)
	if err != nil {
		return err
	}
	if kind == objects.KindCommit {
		commit, err := objects.DecodeCommit(payload)
		if err != nil {
			return err
		}
		if kind, payload, err = c.Get(commit.Tree); err != nil {
			return err
		}
	}
	if kind != objects.KindTree {
		return fmt.Errorf("%s is a %s, not a tree", args[0], kind)
	}

	if len(args) == 2 {
		for _, part := range strings.Split(strings.Trim(args[1], "/"), "/") {
			if part == "" {
				continue
			}
			entries, err := objects.DecodeTree(payload)
			if err != nil {
				return err
			}
			found := false
			for _, e := range entries {
				if e.Name == part {
					if kind, payload, err = c.Get(e.ID); err != nil {
						return err
					}
					found = true
					break
				}
			}
			if !found {
				return fmt.Errorf("no such path %q under %s", args[1], args[0])
			}
			if kind != objects.KindTree {
				return fmt.Errorf("%q is not a directory", part)
			}
		}
	}

	entries, err := objects.DecodeTree(payload)
	if err != nil {
		return err
	}
	for _, e := range entries {
		name := e.Name
		if e.IsTree() {
			name = colors.Path(name + "/")
		}
		fmt.Printf("%06o %s %s\n", e.Mode, colors.Dim(e.ID.String()), name)
	}
	return nil
}
