package repo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/keeper-backup/keeper/internal/objects"
)

// ErrRefConflict reports a failed compare-and-set: the ref moved since
// the caller read it. Never retried here; the caller decides.
var ErrRefConflict = errors.New("ref update conflict")

// refPath validates a ref name and returns its file path. Names are
// confined to refs/ to keep peers from escaping the repository.
func (r *Repo) refPath(name string) (string, error) {
	if !strings.HasPrefix(name, "refs/") || strings.Contains(name, "..") {
		return "", fmt.Errorf("invalid ref name %q", name)
	}
	return filepath.Join(r.dir, filepath.FromSlash(name)), nil
}

// HeadName expands a bare branch name to its full ref name.
func HeadName(name string) string {
	if strings.HasPrefix(name, "refs/") {
		return name
	}
	return "refs/heads/" + name
}

// ReadRef returns the id a ref points at, or the zero id for a ref that
// does not exist yet.
func (r *Repo) ReadRef(name string) (objects.ID, error) {
	path, err := r.refPath(name)
	if err != nil {
		return objects.ZeroID, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return objects.ZeroID, nil
	}
	if err != nil {
		return objects.ZeroID, fmt.Errorf("read ref %s: %w", name, err)
	}
	id, err := objects.IDFromHex(strings.TrimSpace(string(data)))
	if err != nil {
		return objects.ZeroID, fmt.Errorf("ref %s: %w", name, err)
	}
	return id, nil
}

// UpdateRef points a ref at new, but only if it still reads as old (the
// zero id meaning "must not exist"). The write lands under a unique
// temporary name and renames into place; the compare and the rename are
// the entire locking story, matching the repository's no-OS-lock policy.
func (r *Repo) UpdateRef(name string, new, old objects.ID) error {
	path, err := r.refPath(name)
	if err != nil {
		return err
	}
	cur, err := r.ReadRef(name)
	if err != nil {
		return err
	}
	if cur != old {
		return fmt.Errorf("%w: %s is %s, expected %s", ErrRefConflict, name, cur, old)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("update ref %s: %w", name, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "tmp-ref-*")
	if err != nil {
		return fmt.Errorf("update ref %s: %w", name, err)
	}
	if _, err := fmt.Fprintf(tmp, "%s\n", new); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("update ref %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("update ref %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("update ref %s: %w", name, err)
	}
	return nil
}

// Ref is one named reference and its target.
type Ref struct {
	Name string
	ID   objects.ID
}

// ListRefs returns all refs, sorted by name. With a non-empty prefix
// filter, only matching names are returned.
func (r *Repo) ListRefs(prefix string) ([]Ref, error) {
	root := filepath.Join(r.dir, "refs")
	var out []Ref
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(r.dir, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if prefix != "" && !strings.HasPrefix(name, prefix) {
			return nil
		}
		id, err := r.ReadRef(name)
		if err != nil {
			return err
		}
		out = append(out, Ref{Name: name, ID: id})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list refs: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
