// Package save turns the current file index into a committed snapshot:
// changed files are chunked and stored, directory trees are folded
// bottom-up into tree objects, and the branch ref moves by
// compare-and-set.
package save

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/keeper-backup/keeper/internal/client"
	"github.com/keeper-backup/keeper/internal/graft"
	"github.com/keeper-backup/keeper/internal/hashsplit"
	"github.com/keeper-backup/keeper/internal/index"
	"github.com/keeper-backup/keeper/internal/objects"
)

// Options configures one save run.
type Options struct {
	IndexPath string
	Branch    string // bare branch name
	Message   string
	Grafts    graft.Grafts // for mapping index paths back to real ones
	Prefixes  []string     // restrict the snapshot to these subtrees
	Name      string       // author/committer name
	Email     string
	Now       time.Time // commit timestamp; zero means current time
	OnErr     func(path string, err error)
}

// Stats counts what one save did.
type Stats struct {
	Files, Hashed, Errors int
	Bytes                 uint64
}

// dirFrame is one open directory on the tree-building stack.
type dirFrame struct {
	name    string // archive path with trailing '/'
	entries []objects.TreeEntry
}

// Run performs the save and returns the new commit id.
func Run(c client.Client, opt Options) (objects.ID, *Stats, error) {
	stats := &Stats{}
	onErr := opt.OnErr
	if onErr == nil {
		onErr = func(string, error) {}
	}
	countErr := func(path string, err error) {
		stats.Errors++
		onErr(path, err)
	}

	r, err := index.Open(opt.IndexPath)
	if err != nil {
		return objects.ZeroID, stats, err
	}
	if r == nil {
		return objects.ZeroID, stats, fmt.Errorf("no file index at %s; index first", opt.IndexPath)
	}
	defer r.Close()

	stack := []dirFrame{{name: "/"}}
	var popTo func(name string) error
	popTo = func(name string) error {
		// Close every open directory that does not contain name.
		for len(stack) > 1 {
			top := &stack[len(stack)-1]
			if strings.HasPrefix(name, top.name) {
				break
			}
			id, err := c.Add(objects.KindTree, objects.EncodeTree(top.entries))
			if err != nil {
				return err
			}
			base := baseName(top.name)
			stack = stack[:len(stack)-1]
			parent := &stack[len(stack)-1]
			parent.entries = append(parent.entries, objects.TreeEntry{
				Mode: objects.ModeTree,
				Name: base,
				ID:   id,
			})
			return popTo(name)
		}
		return nil
	}

	err = r.Ascending(func(e *index.Entry) error {
		if e.Name == "/" || e.IsDeleted() {
			return nil
		}
		if !underAnyPrefix(e.Name, opt.Prefixes) {
			return nil
		}
		if err := popTo(e.Name); err != nil {
			return err
		}
		if e.IsDir() {
			stack = append(stack, dirFrame{name: e.Name})
			return nil
		}
		stats.Files++
		id, gitMode, size, err := hashEntry(c, r, e, opt.Grafts, stats)
		if err != nil {
			countErr(e.Name, err)
			return nil
		}
		stats.Bytes += size
		top := &stack[len(stack)-1]
		top.entries = append(top.entries, objects.TreeEntry{
			Mode: gitMode,
			Name: baseName(e.Name),
			ID:   id,
		})
		return nil
	})
	if err != nil {
		return objects.ZeroID, stats, err
	}
	if err := popTo("/"); err != nil {
		return objects.ZeroID, stats, err
	}
	rootTree, err := c.Add(objects.KindTree, objects.EncodeTree(stack[0].entries))
	if err != nil {
		return objects.ZeroID, stats, err
	}

	branch := opt.Branch
	parent, err := c.ReadRef(branch)
	if err != nil {
		return objects.ZeroID, stats, err
	}
	when := opt.Now
	if when.IsZero() {
		when = time.Now()
	}
	_, offset := when.Zone()
	sig := objects.Signature{
		Name:   opt.Name,
		Email:  opt.Email,
		When:   when.Unix(),
		Offset: offset,
	}
	commit := objects.Commit{
		Tree:      rootTree,
		Author:    sig,
		Committer: sig,
		Message:   opt.Message,
	}
	if !parent.IsZero() {
		commit.Parents = []objects.ID{parent}
	}
	commitID, err := c.Add(objects.KindCommit, objects.EncodeCommit(commit))
	if err != nil {
		return objects.ZeroID, stats, err
	}

	// Seal packs before moving the ref so the commit is durable first.
	type finisher interface{ Finish() (string, error) }
	type remoteFinisher interface{ Finish() error }
	switch cl := c.(type) {
	case finisher:
		if _, err := cl.Finish(); err != nil {
			return objects.ZeroID, stats, err
		}
	case remoteFinisher:
		if err := cl.Finish(); err != nil {
			return objects.ZeroID, stats, err
		}
	}

	if err := c.UpdateRef(branch, commitID, parent); err != nil {
		return objects.ZeroID, stats, err
	}
	if err := r.Save(); err != nil {
		return objects.ZeroID, stats, err
	}
	return commitID, stats, nil
}

// hashEntry returns the object for one non-directory entry, splitting
// and storing the file if the recorded hash is stale. Fresh hashes are
// written back into the index so the next save skips the work.
func hashEntry(c client.Client, r *index.Reader, e *index.Entry, grafts graft.Grafts, stats *Stats) (objects.ID, uint32, uint64, error) {
	if e.HashValid() && c.Exists(e.SHA) {
		return e.SHA, e.GitMode, e.Size, nil
	}
	stats.Hashed++
	realPath := grafts.Unapply(e.Name)
	switch e.Mode & unix.S_IFMT {
	case unix.S_IFLNK:
		target, err := os.Readlink(realPath)
		if err != nil {
			return objects.ZeroID, 0, 0, err
		}
		id, err := c.Add(objects.KindBlob, []byte(target))
		if err != nil {
			return objects.ZeroID, 0, 0, err
		}
		r.SetHash(e, id, objects.ModeSymlink)
		return id, objects.ModeSymlink, uint64(len(target)), nil
	case unix.S_IFREG:
		f, err := os.Open(realPath)
		if err != nil {
			return objects.ZeroID, 0, 0, err
		}
		defer f.Close()
		id, _, n, err := hashsplit.Split(addOnly{c}, f)
		if err != nil {
			return objects.ZeroID, 0, 0, err
		}
		gitMode := uint32(objects.ModeFile)
		if e.Mode&0o100 != 0 {
			gitMode = objects.ModeExec
		}
		r.SetHash(e, id, gitMode)
		return id, gitMode, n, nil
	}
	return objects.ZeroID, 0, 0, fmt.Errorf("unsupported file type %o", e.Mode&unix.S_IFMT)
}

// addOnly narrows a client to the splitter's sink interface.
type addOnly struct {
	c client.Client
}

func (a addOnly) Add(kind objects.Kind, payload []byte) (objects.ID, error) {
	return a.c.Add(kind, payload)
}

// baseName extracts the final path component, without the directory
// marker slash.
func baseName(path string) string {
	p := strings.TrimSuffix(path, "/")
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[i+1:]
	}
	return p
}

// underAnyPrefix mirrors the index filter rule: empty means everything;
// parents of a prefix stay included so the tree above it exists.
func underAnyPrefix(path string, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		p = strings.TrimSuffix(p, "/")
		dir := strings.TrimSuffix(path, "/")
		if dir == p || strings.HasPrefix(path, p+"/") || strings.HasPrefix(p+"/", dir+"/") {
			return true
		}
	}
	return false
}

// Restore writes the joined bytes of a saved file somewhere, a thin
// convenience over the client's cat stream.
func Restore(c client.Client, id objects.ID, w io.Writer) error {
	return c.Cat(id, w)
}
