package pack

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/pjbgf/sha1cd"

	"github.com/keeper-backup/keeper/internal/objects"
)

// Store reads objects back out of a pack directory through a Cache.
type Store struct {
	cache *Cache
	packs map[string]*os.File
}

// NewStore returns a Store over an existing cache. The cache stays owned
// by the caller.
func NewStore(cache *Cache) *Store {
	return &Store{cache: cache, packs: make(map[string]*os.File)}
}

// Get retrieves one object by id.
func (s *Store) Get(id objects.ID) (objects.Kind, []byte, error) {
	packPath, ofs, err := s.cache.Locate(id)
	if err != nil {
		return 0, nil, err
	}
	f, ok := s.packs[packPath]
	if !ok {
		f, err = os.Open(packPath)
		if err != nil {
			return 0, nil, fmt.Errorf("open pack: %w", err)
		}
		s.packs[packPath] = f
	}
	kind, payload, err := ReadObjectAt(f, ofs)
	if err != nil {
		return 0, nil, fmt.Errorf("pack %s @%d: %w", packPath, ofs, err)
	}
	return kind, payload, nil
}

// Close releases the open pack files.
func (s *Store) Close() {
	for _, f := range s.packs {
		f.Close()
	}
	s.packs = make(map[string]*os.File)
}

// ReadObjectAt decodes the record starting at ofs in an open pack file.
func ReadObjectAt(f io.ReaderAt, ofs uint64) (objects.Kind, []byte, error) {
	sec := io.NewSectionReader(f, int64(ofs), 1<<62)
	return decodeRecord(bufio.NewReader(sec))
}

// Verify checks one sealed pack against its idx: the idx records the
// pack's trailer, and every indexed offset decodes to an object whose id
// matches the indexed hash. Returns ErrCorrupt-wrapped failures.
func Verify(packPath, idxPath string) error {
	idx, err := OpenIdx(idxPath)
	if err != nil {
		return err
	}
	defer idx.Close()

	f, err := os.Open(packPath)
	if err != nil {
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}
	if st.Size() < int64(len(packMagic)+8+objects.IDSize) {
		return fmt.Errorf("%w: pack %s truncated", ErrCorrupt, packPath)
	}

	// Trailer must match what the idx claims, and must hash the body.
	var trailer objects.ID
	if _, err := f.ReadAt(trailer[:], st.Size()-objects.IDSize); err != nil {
		return err
	}
	if trailer != idx.PackSHA() {
		return fmt.Errorf("%w: pack %s trailer does not match idx", ErrCorrupt, packPath)
	}
	sha := sha1cd.New()
	if _, err := io.Copy(sha, io.NewSectionReader(f, 0, st.Size()-objects.IDSize)); err != nil {
		return err
	}
	var sum objects.ID
	sha.Sum(sum[:0])
	if sum != trailer {
		return fmt.Errorf("%w: pack %s trailer does not match contents", ErrCorrupt, packPath)
	}

	return idx.IDs(func(id objects.ID) error {
		ofs, _, ok := idx.Find(id)
		if !ok {
			return fmt.Errorf("%w: idx lost %s during scan", ErrCorrupt, id)
		}
		kind, payload, err := ReadObjectAt(f, ofs)
		if err != nil {
			return fmt.Errorf("%w: pack %s @%d: %v", ErrCorrupt, packPath, ofs, err)
		}
		if objects.Sum(kind, payload) != id {
			return fmt.Errorf("%w: object at %d hashes to %s, idx says %s",
				ErrCorrupt, ofs, objects.Sum(kind, payload), id)
		}
		return nil
	})
}
