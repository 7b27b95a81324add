package index

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/keeper-backup/keeper/internal/drecurse"
	"github.com/keeper-backup/keeper/internal/graft"
	"github.com/keeper-backup/keeper/internal/hlinkdb"
	"github.com/keeper-backup/keeper/internal/metadata"
)

// fakeSHA is the hash recorded by --fake-valid: visibly not a real
// object id, but non-zero so the validity invariant holds.
var fakeSHA = func() (id [20]byte) {
	for i := range id {
		id[i] = 0x01
	}
	return
}()

// UpdateOptions configures one indexing run.
type UpdateOptions struct {
	Path        string // index file; .meta and .hlink sit beside it
	Roots       []string
	Grafts      graft.Grafts
	XDev        bool
	Excludes    []string
	CheckDevice bool // false under --no-check-device
	FakeValid   bool // mark updated entries valid without hashing
	FakeInvalid bool // force rehash of matched entries at next save
	OnErr       func(path string, err error)
}

// UpdateStats counts what one run did.
type UpdateStats struct {
	Added, Updated, Unchanged, Deleted, Errors int
}

// EntryFromStat builds an index entry from a stat tuple. Name must
// already be in archive space.
func EntryFromStat(name string, st *unix.Stat_t) Entry {
	return Entry{
		Name:  name,
		Dev:   uint64(st.Dev),
		Ino:   st.Ino,
		NLink: uint32(st.Nlink),
		Ctime: st.Ctim.Nano(),
		Mtime: st.Mtim.Nano(),
		Atime: st.Atim.Nano(),
		Size:  uint64(st.Size),
		Mode:  st.Mode,
	}
}

// gitModeFor maps a stat mode onto the tree-entry mode a hash would be
// stored under.
func gitModeFor(mode uint32) uint32 {
	switch mode & unix.S_IFMT {
	case unix.S_IFDIR:
		return 0o040000
	case unix.S_IFLNK:
		return 0o120000
	default:
		if mode&0o100 != 0 {
			return 0o100755
		}
		return 0o100644
	}
}

// Update runs one indexing pass: walk the roots, write a delta index of
// everything seen, mark vanished paths deleted in the previous index,
// and merge the two into a new index published atomically.
//
// Entries whose stat is unchanged since their hash was computed keep it;
// anything stat-newer than one second before the run start is treated as
// changed, closing the race with writes landing in the same second the
// index is written.
func Update(opt UpdateOptions) (*UpdateStats, error) {
	stats := &UpdateStats{}
	onErr := opt.OnErr
	if onErr == nil {
		onErr = func(string, error) {}
	}
	countErr := func(path string, err error) {
		stats.Errors++
		onErr(path, err)
	}
	guard := time.Now().Truncate(time.Second).Add(-time.Second).UnixNano()

	old, err := Open(opt.Path)
	if err != nil {
		return stats, err
	}
	defer old.Close()

	meta, err := OpenMetaWriter(opt.Path + ".meta")
	if err != nil {
		return stats, err
	}
	defer meta.Close()

	hl, err := hlinkdb.Open(opt.Path + ".hlink")
	if err != nil {
		return stats, err
	}

	realRoots, err := drecurse.ReducePaths(opt.Roots)
	if err != nil {
		return stats, err
	}
	if len(realRoots) == 0 {
		return stats, fmt.Errorf("no paths to index")
	}
	// Walk in descending order of the grafted name so the delta writer
	// sees its required order even when grafts move subtrees around.
	type rootPair struct{ real, arch string }
	roots := make([]rootPair, 0, len(realRoots))
	archRoots := make([]string, 0, len(realRoots))
	for _, r := range realRoots {
		pair := rootPair{real: r, arch: opt.Grafts.Apply(r)}
		roots = append(roots, pair)
		archRoots = append(archRoots, pair.arch)
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i].arch > roots[j].arch })

	tmpPath := opt.Path + ".tmp"
	delta, err := NewWriter(tmpPath)
	if err != nil {
		return stats, err
	}
	defer delta.Abort()

	// Cursor over the previous index, advanced in lockstep with the
	// walk. Entries the walk skips past were not seen on disk: if they
	// are in scope, they are marked deleted in place.
	rit := old.Forward()
	cur := nextReal(rit)
	passDeleted := func(e *Entry) {
		if !underAny(e.Name, archRoots) || e.IsDeleted() {
			return
		}
		old.MarkDeleted(e)
		if !e.IsDir() && e.NLink > 1 {
			hl.DelPath(e.Name)
		}
		stats.Deleted++
	}
	matchOld := func(name string) *Entry {
		for cur != nil && cur.Name > name {
			passDeleted(cur)
			cur = nextReal(rit)
		}
		if cur != nil && cur.Name == name {
			e := cur
			cur = nextReal(rit)
			return e
		}
		return nil
	}

	addOne := func(realPath, archPath string, st *unix.Stat_t) error {
		e := EntryFromStat(archPath, st)
		existing := matchOld(archPath)
		unchanged := existing != nil &&
			!existing.IsDeleted() &&
			existing.HashValid() &&
			existing.Flags&FlagFakeInvalid == 0 &&
			e.StatEqual(existing, opt.CheckDevice) &&
			existing.Ctime < guard && existing.Mtime < guard &&
			!opt.FakeInvalid
		if unchanged {
			e.SHA = existing.SHA
			e.GitMode = existing.GitMode
			e.Flags |= FlagHashValid
			e.MetaOfs = existing.MetaOfs
			stats.Unchanged++
		} else {
			if opt.FakeValid {
				e.SHA = fakeSHA
				e.GitMode = gitModeFor(st.Mode)
				e.Flags |= FlagHashValid
			}
			if opt.FakeInvalid {
				e.Flags |= FlagFakeInvalid
			}
			rec := metadata.Capture(realPath, st)
			rec.StripTimes()
			ofs, err := meta.Store(rec.Encode())
			if err != nil {
				return err
			}
			e.MetaOfs = ofs
			if existing == nil {
				stats.Added++
			} else {
				stats.Updated++
			}
		}
		if !e.IsDir() {
			if e.NLink > 1 {
				hl.AddPath(archPath, e.Dev, e.Ino)
			} else {
				hl.DelPath(archPath)
			}
		}
		return delta.Add(e)
	}

	emittedAnc := make(map[string]bool)
	for i, root := range roots {
		prefixLen := len(strings.TrimSuffix(root.real, "/"))
		archBase := strings.TrimSuffix(root.arch, "/")
		err := drecurse.WalkOne(root.real, drecurse.Options{XDev: opt.XDev, Excludes: opt.Excludes},
			func(d drecurse.Dirent) error {
				archPath := archBase + d.Path[prefixLen:]
				return addOne(d.Path, archPath, &d.Stat)
			}, countErr)
		if err != nil {
			return stats, err
		}
		for _, anc := range drecurse.Ancestors(root.arch) {
			if emittedAnc[anc] {
				continue
			}
			shared := false
			for _, r := range roots[i+1:] {
				if strings.HasPrefix(r.arch, anc) {
					shared = true
					break
				}
			}
			if shared {
				// A later root lives under this ancestor; emit it then.
				break
			}
			emittedAnc[anc] = true
			realAnc := strings.TrimSuffix(opt.Grafts.Unapply(anc), "/")
			var st unix.Stat_t
			if err := unix.Lstat(realAnc, &st); err != nil {
				// Purely virtual prefix: synthesize a directory entry.
				if err := addOne(realAnc, anc, &unix.Stat_t{Mode: unix.S_IFDIR | 0o755}); err != nil {
					return stats, err
				}
				continue
			}
			if err := addOne(realAnc, anc, &st); err != nil {
				return stats, err
			}
		}
	}
	for cur != nil {
		passDeleted(cur)
		cur = nextReal(rit)
	}
	if err := rit.Err(); err != nil {
		return stats, err
	}

	if err := delta.Close(); err != nil {
		return stats, err
	}
	if err := old.Save(); err != nil {
		return stats, err
	}
	deltaR, err := Open(tmpPath)
	if err != nil {
		return stats, err
	}
	defer func() {
		deltaR.Close()
		os.Remove(tmpPath)
	}()

	out, err := NewWriter(opt.Path)
	if err != nil {
		return stats, err
	}
	if err := Merge(out, old, deltaR, opt.CheckDevice); err != nil {
		out.Abort()
		return stats, err
	}
	if err := out.Close(); err != nil {
		return stats, err
	}
	if err := hl.CommitSave(); err != nil {
		return stats, err
	}
	return stats, nil
}

// Clear removes the index and its side files.
func Clear(path string) error {
	for _, p := range []string{path, path + ".meta", path + ".hlink", path + ".tmp"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// Regraft rewrites entry paths from one graft rule set to another
// without touching hashes. The real path behind each moved entry is
// stat'ed first so hard-link bookkeeping sees current device and inode
// numbers.
func Regraft(path string, oldGrafts, newGrafts graft.Grafts, onErr func(string, error)) error {
	if onErr == nil {
		onErr = func(string, error) {}
	}
	old, err := Open(path)
	if err != nil {
		return err
	}
	if old == nil {
		return fmt.Errorf("no index at %s", path)
	}
	defer old.Close()

	hl, err := hlinkdb.Open(path + ".hlink")
	if err != nil {
		return err
	}

	var entries []Entry
	it := old.Forward()
	for {
		e := nextReal(it)
		if e == nil {
			break
		}
		moved := *e
		realPath := oldGrafts.Unapply(e.Name)
		moved.Name = newGrafts.Apply(realPath)
		if moved.Name != e.Name && !moved.IsDir() && moved.NLink > 1 {
			var st unix.Stat_t
			if err := unix.Lstat(strings.TrimSuffix(realPath, "/"), &st); err != nil {
				onErr(realPath, fmt.Errorf("lstat: %w", err))
			} else {
				moved.Dev, moved.Ino = uint64(st.Dev), st.Ino
			}
			hl.DelPath(e.Name)
			hl.AddPath(moved.Name, moved.Dev, moved.Ino)
		}
		entries = append(entries, moved)
	}
	if err := it.Err(); err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name > entries[j].Name })
	for i := 1; i < len(entries); i++ {
		if entries[i].Name == entries[i-1].Name {
			return fmt.Errorf("%w: regraft maps two entries onto %q", ErrInvalid, entries[i].Name)
		}
	}

	out, err := NewWriter(path)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := out.Add(e); err != nil {
			out.Abort()
			return err
		}
	}
	if err := out.Close(); err != nil {
		return err
	}
	return hl.CommitSave()
}
