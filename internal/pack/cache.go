package pack

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/keeper-backup/keeper/internal/objects"
)

// member is one searchable index: an Idx or a Midx.
type member interface {
	Contains(id objects.ID) bool
	Name() string
	Len() int
	Close() error
}

// Cache answers "does this id exist in any pack we know about", the query
// every Add dedupes through. It holds the open idx and midx readers for a
// pack directory in most-recently-hit order, since consecutive lookups
// cluster heavily by pack.
type Cache struct {
	dir     string
	members []member
	// byName holds idx readers opened for offset lookups, including ones
	// a midx subsumes as members.
	byName map[string]*Idx
}

// NewCache opens a cache over the given pack directory and performs the
// initial scan.
func NewCache(dir string) (*Cache, error) {
	c := &Cache{dir: dir}
	if err := c.Refresh(); err != nil {
		return nil, err
	}
	return c, nil
}

// Refresh rescans the pack directory. Midx files are preferred; idx files
// a midx covers are subsumed and not opened as members. Callers invoke
// this after a peer may have added packs.
func (c *Cache) Refresh() error {
	c.Close()

	covered := make(map[string]bool)
	midxPaths, err := filepath.Glob(filepath.Join(c.dir, "midx-*.midx"))
	if err != nil {
		return err
	}
	sort.Strings(midxPaths)
	for _, p := range midxPaths {
		mx, err := OpenMidx(p)
		if err != nil {
			return fmt.Errorf("refresh cache: %w", err)
		}
		c.members = append(c.members, mx)
		for _, name := range mx.IdxNames() {
			covered[name] = true
		}
	}

	idxPaths, err := filepath.Glob(filepath.Join(c.dir, "pack-*.idx"))
	if err != nil {
		return err
	}
	sort.Strings(idxPaths)
	for _, p := range idxPaths {
		if covered[filepath.Base(p)] {
			continue
		}
		idx, err := OpenIdx(p)
		if err != nil {
			return fmt.Errorf("refresh cache: %w", err)
		}
		c.members = append(c.members, idx)
	}
	return nil
}

// Exists reports whether id is present in any known pack, returning the
// basename of the idx that holds it. The hit member moves to the front of
// the search order.
func (c *Cache) Exists(id objects.ID) (source string, ok bool) {
	for i, m := range c.members {
		if !m.Contains(id) {
			continue
		}
		if i > 0 {
			copy(c.members[1:i+1], c.members[:i])
			c.members[0] = m
		}
		switch m := m.(type) {
		case *Idx:
			return m.Name(), true
		case *Midx:
			return m.Source(id)
		}
	}
	return "", false
}

// Locate resolves id to its pack file path and record offset.
func (c *Cache) Locate(id objects.ID) (packPath string, ofs uint64, err error) {
	source, ok := c.Exists(id)
	if !ok {
		return "", 0, fmt.Errorf("object %s: not found in any pack", id)
	}
	idx, err := c.idxByName(source)
	if err != nil {
		return "", 0, err
	}
	ofs, _, ok = idx.Find(id)
	if !ok {
		return "", 0, fmt.Errorf("%w: idx %s lost object %s", ErrCorrupt, source, id)
	}
	return filepath.Join(c.dir, strings.TrimSuffix(source, ".idx")+".pack"), ofs, nil
}

// idxByName returns an open idx reader for an idx basename.
func (c *Cache) idxByName(name string) (*Idx, error) {
	if idx, ok := c.byName[name]; ok {
		return idx, nil
	}
	idx, err := OpenIdx(filepath.Join(c.dir, name))
	if err != nil {
		return nil, err
	}
	if c.byName == nil {
		c.byName = make(map[string]*Idx)
	}
	c.byName[name] = idx
	return idx, nil
}

// Len returns the number of objects visible across all members.
func (c *Cache) Len() int {
	total := 0
	for _, m := range c.members {
		total += m.Len()
	}
	return total
}

// Close releases all open readers. The cache is reusable via Refresh.
func (c *Cache) Close() {
	for _, m := range c.members {
		m.Close()
	}
	c.members = nil
	for _, idx := range c.byName {
		idx.Close()
	}
	c.byName = nil
}
