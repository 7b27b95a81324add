package cli

import (
	"fmt"
	"os"
	"os/user"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/keeper-backup/keeper/internal/client"
	"github.com/keeper-backup/keeper/internal/colors"
	"github.com/keeper-backup/keeper/internal/save"
)

var saveFlags struct {
	branch  string
	message string
	remote  string
	grafts  []string
}

var saveCmd = &cobra.Command{
	Use:   "save [prefixes...]",
	Short: "Commit the indexed files as a snapshot",
	Long: `Stores everything the file index knows about (optionally limited to
the given path prefixes) and points the branch at the new commit.
Files whose index entry is still valid are not re-read.`,
	RunE: runSave,
}

func init() {
	f := saveCmd.Flags()
	f.StringVarP(&saveFlags.branch, "name", "n", "", "branch to update (required)")
	f.StringVarP(&saveFlags.message, "message", "m", "", "commit message")
	f.StringVarP(&saveFlags.remote, "remote", "r", "", "command to reach a remote repository server")
	f.StringArrayVar(&saveFlags.grafts, "graft", nil, "graft rules matching the index run (repeatable)")
	saveCmd.MarkFlagRequired("name")
}

func runSave(cmd *cobra.Command, args []string) error {
	grafts, err := parseGrafts(saveFlags.grafts)
	if err != nil {
		return err
	}
	c, err := dialClient(saveFlags.remote)
	if err != nil {
		return err
	}
	defer c.Close()

	msg := saveFlags.message
	if msg == "" {
		msg = fmt.Sprintf("keeper save\n\nGenerated by keeper %s\n", KeeperVersion)
	}
	name, email := identity()
	commitID, stats, err := save.Run(c, save.Options{
		IndexPath: indexPath(),
		Branch:    saveFlags.branch,
		Message:   msg,
		Grafts:    grafts,
		Prefixes:  args,
		Name:      name,
		Email:     email,
		OnErr:     warnPath,
	})
	if err != nil {
		return err
	}
	fmt.Printf("%s -> %s (%d files, %s, %d hashed)\n",
		colors.OK(saveFlags.branch), commitID,
		stats.Files, humanize.Bytes(stats.Bytes), stats.Hashed)
	if stats.Errors > 0 {
		return fmt.Errorf("completed with %d errors", stats.Errors)
	}
	return nil
}

// dialClient opens the local repository, or a remote one when a server
// command is given.
func dialClient(remote string) (client.Client, error) {
	if remote == "" {
		return client.OpenLocal(repoDir())
	}
	return dialRemote(remote)
}

// identity builds the commit signature from the environment.
func identity() (string, string) {
	name := os.Getenv("KEEPER_AUTHOR")
	if name == "" {
		if u, err := user.Current(); err == nil {
			name = u.Username
		} else {
			name = "keeper"
		}
	}
	email := os.Getenv("KEEPER_EMAIL")
	if email == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "localhost"
		}
		email = name + "@" + host
	}
	return name, email
}
