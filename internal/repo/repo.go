// Package repo manages the on-disk repository: directory resolution and
// creation, named references with compare-and-set updates, and the
// per-repository file locations other packages build on.
//
// Layout under the repository directory:
//
//	objects/pack/   pack, idx and midx files
//	refs/heads/     one file per named ref, 40 hex chars + newline
//	bupindex[.meta,.hlink]  the per-host file index artifacts
//	bup-dumb-server  sentinel: another process manages packs
package repo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// EnvDir is the environment variable naming the repository directory.
const EnvDir = "BUP_DIR"

// DumbServerSentinel disables server-side midx rebuilds when present.
const DumbServerSentinel = "bup-dumb-server"

// ErrNoRepo reports a missing or uninitialized repository.
var ErrNoRepo = errors.New("repository not initialized")

// Repo is one resolved repository directory.
type Repo struct {
	dir string
}

// DefaultDir resolves the repository path: the flag value if set, else
// $BUP_DIR, else ~/.bup.
func DefaultDir(flag string) string {
	if flag != "" {
		return flag
	}
	if env := os.Getenv(EnvDir); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".bup"
	}
	return filepath.Join(home, ".bup")
}

// Open returns the repository at dir, which must exist.
func Open(dir string) (*Repo, error) {
	st, err := os.Stat(filepath.Join(dir, "objects", "pack"))
	if err != nil || !st.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNoRepo, dir)
	}
	return &Repo{dir: dir}, nil
}

// Init creates the repository layout at dir and returns it. Running Init
// on an existing repository is harmless.
func Init(dir string) (*Repo, error) {
	for _, sub := range []string{
		filepath.Join(dir, "objects", "pack"),
		filepath.Join(dir, "refs", "heads"),
	} {
		if err := os.MkdirAll(sub, 0o755); err != nil {
			return nil, fmt.Errorf("init repository: %w", err)
		}
	}
	return &Repo{dir: dir}, nil
}

// Dir returns the repository directory.
func (r *Repo) Dir() string {
	return r.dir
}

// PackDir returns the pack directory.
func (r *Repo) PackDir() string {
	return filepath.Join(r.dir, "objects", "pack")
}

// IndexPath returns the default file-index location.
func (r *Repo) IndexPath() string {
	return filepath.Join(r.dir, "bupindex")
}

// DumbServer reports whether the dumb-server sentinel is present.
func (r *Repo) DumbServer() bool {
	_, err := os.Stat(filepath.Join(r.dir, DumbServerSentinel))
	return err == nil
}
