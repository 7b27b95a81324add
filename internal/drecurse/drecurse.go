// Package drecurse walks filesystem trees in the order the file index
// stores them: reverse-lexicographic, every directory after its
// contents, directories named with a trailing '/'. Feeding the walk
// straight into an index writer therefore needs no sorting pass.
package drecurse

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sys/unix"
)

// Dirent is one walked path. Path is absolute; directories end with '/'.
type Dirent struct {
	Path string
	Stat unix.Stat_t
}

// Options tunes a walk.
type Options struct {
	// XDev stops the walk from crossing device boundaries below the
	// root.
	XDev bool
	// Excludes are absolute paths whose subtrees are skipped.
	Excludes []string
}

// ErrFunc receives per-path errors (permission denied, vanished files).
// The walk continues; callers typically count these.
type ErrFunc func(path string, err error)

// WalkOne visits every path under root and then root itself, in index
// file order. Root must be canonical: absolute, with a trailing '/' if
// it is a directory. Ancestor directories are the caller's business,
// since path grafting can move them.
func WalkOne(root string, opt Options, fn func(Dirent) error, onErr ErrFunc) error {
	if onErr == nil {
		onErr = func(string, error) {}
	}
	var st unix.Stat_t
	if err := unix.Lstat(trimSlash(root), &st); err != nil {
		onErr(root, fmt.Errorf("lstat: %w", err))
		return nil
	}
	if st.Mode&unix.S_IFMT == unix.S_IFDIR {
		if err := walkDir(root, &st, st.Dev, opt, fn, onErr); err != nil {
			return err
		}
	}
	if root == "/" {
		// The index writer supplies the root sentinel itself.
		return nil
	}
	return fn(Dirent{Path: root, Stat: st})
}

// walkDir emits the contents of dir (a path with trailing '/'), children
// processed in descending order of their index names (directories with
// a trailing '/'), each subtree before its directory.
// The directory itself is emitted by the caller.
func walkDir(dir string, dirSt *unix.Stat_t, rootDev uint64, opt Options, fn func(Dirent) error, onErr ErrFunc) error {
	if opt.XDev && dirSt.Dev != rootDev {
		return nil
	}
	f, err := os.Open(trimSlash(dir))
	if err != nil {
		onErr(dir, err)
		return nil
	}
	names, err := f.Readdirnames(-1)
	f.Close()
	if err != nil {
		onErr(dir, err)
		return nil
	}
	// Sort on the names as the index stores them, directories with their
	// trailing '/', so that "a/" precedes "a-b" in descending order.
	keys := make(map[string]string, len(names))
	for _, name := range names {
		keys[name] = name
		if fi, err := os.Lstat(dir + name); err == nil && fi.IsDir() {
			keys[name] = name + "/"
		}
	}
	sort.Slice(names, func(i, j int) bool { return keys[names[i]] > keys[names[j]] })

	for _, name := range names {
		path := dir + name
		var st unix.Stat_t
		if err := unix.Lstat(path, &st); err != nil {
			onErr(path, fmt.Errorf("lstat: %w", err))
			continue
		}
		if st.Mode&unix.S_IFMT == unix.S_IFDIR {
			path += "/"
			if excluded(path, opt.Excludes) {
				continue
			}
			if err := walkDir(path, &st, rootDev, opt, fn, onErr); err != nil {
				return err
			}
		} else if excluded(path, opt.Excludes) {
			continue
		}
		if err := fn(Dirent{Path: path, Stat: st}); err != nil {
			return err
		}
	}
	return nil
}

// ReducePaths canonicalizes roots, drops roots nested inside other
// roots, and returns the survivors in ascending order. Directories gain
// their trailing '/'.
func ReducePaths(roots []string) ([]string, error) {
	var abs []string
	for _, r := range roots {
		a, err := filepath.Abs(r)
		if err != nil {
			return nil, fmt.Errorf("resolve %q: %w", r, err)
		}
		var st unix.Stat_t
		if err := unix.Lstat(a, &st); err == nil && st.Mode&unix.S_IFMT == unix.S_IFDIR && a != "/" {
			a += "/"
		}
		abs = append(abs, a)
	}
	sort.Strings(abs)
	var reduced []string
	for _, a := range abs {
		if len(reduced) > 0 {
			prev := reduced[len(reduced)-1]
			if a == prev || strings.HasPrefix(a, trimSlash(prev)+"/") {
				continue
			}
		}
		reduced = append(reduced, a)
	}
	return reduced, nil
}

// Ancestors lists the parent directories of path, deepest first,
// excluding the root "/".
func Ancestors(path string) []string {
	var out []string
	p := trimSlash(path)
	for {
		i := strings.LastIndexByte(p, '/')
		if i <= 0 {
			return out
		}
		p = p[:i]
		out = append(out, p+"/")
	}
}

func trimSlash(p string) string {
	if p != "/" {
		return strings.TrimSuffix(p, "/")
	}
	return p
}

// excluded reports whether path matches the exclude list.
func excluded(path string, excludes []string) bool {
	for _, x := range excludes {
		x = strings.TrimSuffix(x, "/")
		if strings.TrimSuffix(path, "/") == x || strings.HasPrefix(path, x+"/") {
			return true
		}
	}
	return false
}
