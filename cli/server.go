package cli

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/keeper-backup/keeper/internal/client"
	"github.com/keeper-backup/keeper/internal/protocol"
	"github.com/keeper-backup/keeper/internal/repo"
)

// EnvReverse switches the protocol onto fds 3 and 4, for the reverse
// transport where the repository side dials back into the driver.
const EnvReverse = "BUP_SERVER_REVERSE"

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Serve the repository protocol on stdio",
	Long: `Speaks the repository protocol on stdin/stdout, for drivers reaching
this machine over a pipe or ssh. The peer selects the repository with
init-dir or set-dir; -d preselects one.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		conn := protocol.NewConn(os.Stdin, os.Stdout, nil)
		dir := ""
		if bupDir != "" || os.Getenv(repo.EnvDir) != "" {
			dir = repoDir()
		}
		srv, err := protocol.NewServer(conn, dir)
		if err != nil {
			return err
		}
		return srv.Serve()
	},
}

// dialRemote reaches a repository server: in reverse mode the server
// side already invoked this process and the protocol is waiting on fds
// 3 and 4; otherwise the given command is spawned and spoken to over
// its stdio.
func dialRemote(command string) (client.Client, error) {
	if os.Getenv(EnvReverse) != "" {
		in := os.NewFile(3, "proto-in")
		out := os.NewFile(4, "proto-out")
		if in == nil || out == nil {
			return nil, fmt.Errorf("%s set but fds 3/4 not open", EnvReverse)
		}
		conn := protocol.NewConn(in, out, out)
		return client.OpenRemote(conn, repo.DefaultDir(bupDir)+"/index-cache", "")
	}
	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn server %q: %w", command, err)
	}
	conn := protocol.NewConn(stdout, stdin, stdin)
	cacheDir := repo.DefaultDir(bupDir)
	return client.OpenRemote(conn, cacheDir+"/index-cache", "")
}
