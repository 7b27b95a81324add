// Package cli wires the command-line surface to the engine underneath.
// Commands stay thin: flag plumbing here, behavior in internal/.
package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/keeper-backup/keeper/internal/colors"
	"github.com/keeper-backup/keeper/internal/repo"
)

const KeeperVersion = "0.3.0"

// Exit codes: 0 success, 1 any surfaced error, 2 usage error.
const (
	exitError = 1
	exitUsage = 2
)

var bupDir string

var rootCmd = &cobra.Command{
	Use:   "keeper",
	Short: "keeper is a deduplicating backup engine",
	Long: `keeper backs filesystems up into a content-addressed repository,
splitting files at content-defined boundaries so unchanged data is
never stored or sent twice. It reads and writes bup-format
repositories, locally or over a stream to a repository server.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Run: func(cmd *cobra.Command, args []string) {
		if version {
			fmt.Printf("keeper version %s\n", KeeperVersion)
			return
		}
		cmd.Help()
	},
}

var version bool

// Execute runs the CLI and exits the process with the protocol's
// documented codes.
func Execute() {
	cmd, err := rootCmd.ExecuteC()
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "%s: %s\n", colors.Error("error"), err)
	if isUsageError(cmd, err) {
		os.Exit(exitUsage)
	}
	os.Exit(exitError)
}

// isUsageError distinguishes bad invocations from runtime failures.
func isUsageError(cmd *cobra.Command, err error) bool {
	if cmd == nil {
		return false
	}
	msg := err.Error()
	for _, prefix := range []string{"unknown flag", "unknown command", "unknown shorthand",
		"invalid argument", "accepts ", "requires ", "flag needs"} {
		if strings.HasPrefix(msg, prefix) {
			return true
		}
	}
	return false
}

// repoDir resolves the repository directory for the current invocation.
func repoDir() string {
	return repo.DefaultDir(bupDir)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&bupDir, "bup-dir", "d", "",
		"repository directory (default $BUP_DIR or ~/.bup)")
	rootCmd.Flags().BoolVar(&version, "version", false, "print the version and exit")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(saveCmd)
	rootCmd.AddCommand(joinCmd)
	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(midxCmd)
	rootCmd.AddCommand(serverCmd)
}
