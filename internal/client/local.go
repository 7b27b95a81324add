package client

import (
	"fmt"
	"io"

	"github.com/keeper-backup/keeper/internal/hashsplit"
	"github.com/keeper-backup/keeper/internal/objects"
	"github.com/keeper-backup/keeper/internal/pack"
	"github.com/keeper-backup/keeper/internal/repo"
)

// Local writes straight into a repository directory.
type Local struct {
	repo   *repo.Repo
	cache  *pack.Cache
	store  *pack.Store
	writer *pack.Writer
}

// OpenLocal binds a local client to the repository at dir.
func OpenLocal(dir string) (*Local, error) {
	r, err := repo.Open(dir)
	if err != nil {
		return nil, err
	}
	cache, err := pack.NewCache(r.PackDir())
	if err != nil {
		return nil, err
	}
	return &Local{
		repo:  r,
		cache: cache,
		store: pack.NewStore(cache),
	}, nil
}

// Repo exposes the underlying repository.
func (l *Local) Repo() *repo.Repo {
	return l.repo
}

// Add stores one object through the pack writer, opening it on first
// use.
func (l *Local) Add(kind objects.Kind, payload []byte) (objects.ID, error) {
	if l.writer == nil {
		l.writer = pack.NewWriter(l.repo.PackDir(), l.cache, !l.repo.DumbServer())
	}
	return l.writer.Add(kind, payload)
}

// Exists reports membership in any sealed pack or the open one.
func (l *Local) Exists(id objects.ID) bool {
	if l.writer != nil {
		_, ok := l.writer.Exists(id, false)
		return ok
	}
	_, ok := l.cache.Exists(id)
	return ok
}

// Get fetches one object from the sealed packs.
func (l *Local) Get(id objects.ID) (objects.Kind, []byte, error) {
	return l.store.Get(id)
}

// Cat streams the joined bytes of an object.
func (l *Local) Cat(id objects.ID, w io.Writer) error {
	return hashsplit.Join(l.store, id, w)
}

// ReadRef returns the target of a ref.
func (l *Local) ReadRef(name string) (objects.ID, error) {
	return l.repo.ReadRef(repo.HeadName(name))
}

// UpdateRef compare-and-sets a ref.
func (l *Local) UpdateRef(name string, new, old objects.ID) error {
	return l.repo.UpdateRef(repo.HeadName(name), new, old)
}

// ListRefs enumerates refs.
func (l *Local) ListRefs(prefix string) ([]repo.Ref, error) {
	return l.repo.ListRefs(prefix)
}

// Finish seals the open pack, if any, and returns its path.
func (l *Local) Finish() (string, error) {
	if l.writer == nil {
		return "", nil
	}
	w := l.writer
	l.writer = nil
	return w.Close()
}

// Abort discards the open pack, if any.
func (l *Local) Abort() {
	if l.writer != nil {
		l.writer.Abort()
		l.writer = nil
	}
}

// Close seals any open pack and releases resources.
func (l *Local) Close() error {
	_, err := l.Finish()
	l.store.Close()
	l.cache.Close()
	if err != nil {
		return fmt.Errorf("close local client: %w", err)
	}
	return nil
}
