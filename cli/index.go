package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/keeper-backup/keeper/internal/colors"
	"github.com/keeper-backup/keeper/internal/graft"
	"github.com/keeper-backup/keeper/internal/index"
	"github.com/keeper-backup/keeper/internal/repo"
)

var indexFlags struct {
	update        bool
	check         bool
	clear         bool
	regraft       bool
	printStats    bool
	fakeValid     bool
	fakeInvalid   bool
	noCheckDevice bool
	xdev          bool
	indexFile     string
	excludes      []string
	grafts        []string
}

var indexCmd = &cobra.Command{
	Use:   "index [paths...]",
	Short: "Update the file index from the filesystem",
	Long: `Walks the given paths and records what it sees in the per-host file
index, so a later save only hashes what actually changed. Vanished
paths are kept, flagged deleted, until a save carries the deletion
into a snapshot.`,
	RunE: runIndex,
}

func init() {
	f := indexCmd.Flags()
	f.BoolVarP(&indexFlags.update, "update", "u", false, "update the index from the given paths")
	f.BoolVar(&indexFlags.check, "check", false, "verify index structure and order")
	f.BoolVar(&indexFlags.clear, "clear", false, "remove the index and its side files")
	f.BoolVar(&indexFlags.regraft, "regraft", false, "rewrite indexed paths under new graft rules without rehashing")
	f.BoolVar(&indexFlags.printStats, "stats", false, "print a change summary")
	f.BoolVar(&indexFlags.fakeValid, "fake-valid", false, "mark updated entries valid without hashing")
	f.BoolVar(&indexFlags.fakeInvalid, "fake-invalid", false, "force rehash of matched entries on next save")
	f.BoolVar(&indexFlags.noCheckDevice, "no-check-device", false, "ignore device-number changes when judging validity")
	f.BoolVar(&indexFlags.xdev, "xdev", false, "stay on one filesystem")
	f.StringVarP(&indexFlags.indexFile, "indexfile", "f", "", "index file location (default <repo>/bupindex)")
	f.StringArrayVar(&indexFlags.excludes, "exclude", nil, "absolute path to skip (repeatable)")
	f.StringArrayVar(&indexFlags.grafts, "graft", nil, "remap real=archive path prefix (repeatable)")
}

// indexPath resolves the index file for this invocation.
func indexPath() string {
	if indexFlags.indexFile != "" {
		return indexFlags.indexFile
	}
	return filepath.Join(repoDir(), "bupindex")
}

func parseGrafts(specs []string) (graft.Grafts, error) {
	var rules graft.Grafts
	for _, spec := range specs {
		rule, err := graft.Parse(spec)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func runIndex(cmd *cobra.Command, args []string) error {
	if indexFlags.fakeValid && indexFlags.fakeInvalid {
		return fmt.Errorf("--fake-valid and --fake-invalid are mutually exclusive")
	}
	if (indexFlags.fakeValid || indexFlags.fakeInvalid) && !indexFlags.update {
		return fmt.Errorf("--fake-valid and --fake-invalid require --update")
	}
	modes := 0
	for _, on := range []bool{indexFlags.update, indexFlags.check, indexFlags.clear, indexFlags.regraft} {
		if on {
			modes++
		}
	}
	if modes == 0 {
		indexFlags.update = true
		modes = 1
	}
	if modes > 1 {
		return fmt.Errorf("pick one of --update, --check, --clear, --regraft")
	}

	grafts, err := parseGrafts(indexFlags.grafts)
	if err != nil {
		return err
	}

	switch {
	case indexFlags.clear:
		return index.Clear(indexPath())
	case indexFlags.check:
		r, err := index.Open(indexPath())
		if err != nil {
			return err
		}
		if r == nil {
			return fmt.Errorf("no index at %s", indexPath())
		}
		defer r.Close()
		if err := r.Check(); err != nil {
			return err
		}
		fmt.Println(colors.OK("check: passed"))
		return nil
	case indexFlags.regraft:
		// The stored rules are whatever the entries were written with;
		// paths that no rule matches pass through unchanged, so only
		// the new rules need supplying.
		return index.Regraft(indexPath(), nil, grafts, warnPath)
	}

	if len(args) == 0 {
		return fmt.Errorf("index --update requires at least one path")
	}
	if _, err := repo.Open(repoDir()); err != nil && indexFlags.indexFile == "" {
		return err
	}
	stats, err := index.Update(index.UpdateOptions{
		Path:        indexPath(),
		Roots:       args,
		Grafts:      grafts,
		XDev:        indexFlags.xdev,
		Excludes:    indexFlags.excludes,
		CheckDevice: !indexFlags.noCheckDevice,
		FakeValid:   indexFlags.fakeValid,
		FakeInvalid: indexFlags.fakeInvalid,
		OnErr:       warnPath,
	})
	if err != nil {
		return err
	}
	if indexFlags.printStats {
		fmt.Printf("%d added, %d updated, %d unchanged, %d deleted\n",
			stats.Added, stats.Updated, stats.Unchanged, stats.Deleted)
	}
	if stats.Errors > 0 {
		return fmt.Errorf("completed with %d errors", stats.Errors)
	}
	return nil
}

func warnPath(path string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %s: %s\n", colors.Warn("warning"), colors.Path(path), err)
}
