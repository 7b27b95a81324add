package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/keeper-backup/keeper/internal/hashsplit"
	"github.com/keeper-backup/keeper/internal/objects"
	"github.com/keeper-backup/keeper/internal/pack"
	"github.com/keeper-backup/keeper/internal/repo"
)

// Session owns the per-connection state that used to hide in globals:
// the open repository, the membership cache, and a pack writer a
// suspended receive-objects left behind.
type Session struct {
	repo      *repo.Repo
	cache     *pack.Cache
	store     *pack.Store
	suspended *pack.Writer
	dumb      bool
}

// open binds the session to a repository directory, tearing down any
// previous binding.
func (s *Session) open(dir string, create bool) error {
	s.reset()
	var r *repo.Repo
	var err error
	if create {
		r, err = repo.Init(dir)
	} else {
		r, err = repo.Open(dir)
	}
	if err != nil {
		return err
	}
	cache, err := pack.NewCache(r.PackDir())
	if err != nil {
		return err
	}
	s.repo = r
	s.cache = cache
	s.store = pack.NewStore(cache)
	s.dumb = r.DumbServer()
	return nil
}

// reset abandons all session state, aborting any suspended pack.
func (s *Session) reset() {
	if s.suspended != nil {
		s.suspended.Abort()
		s.suspended = nil
	}
	if s.store != nil {
		s.store.Close()
		s.store = nil
	}
	if s.cache != nil {
		s.cache.Close()
		s.cache = nil
	}
	s.repo = nil
}

// need returns the bound repository or a protocol error.
func (s *Session) need() error {
	if s.repo == nil {
		return fmt.Errorf("%w: no repository selected; use init-dir or set-dir", ErrProtocol)
	}
	return nil
}

// Server dispatches protocol commands from one connection against one
// Session. A server instance serves exactly one connection.
type Server struct {
	conn    *Conn
	session Session
}

// NewServer returns a server speaking on conn. If dir is non-empty the
// session starts bound to that repository.
func NewServer(conn *Conn, dir string) (*Server, error) {
	s := &Server{conn: conn}
	if dir != "" {
		if err := s.session.open(dir, false); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// handler processes one command; args is the shell-split remainder of
// the command line.
type handler func(s *Server, args []string) error

var commands = map[string]handler{
	"help":               (*Server).cmdHelp,
	"init-dir":           (*Server).cmdInitDir,
	"set-dir":            (*Server).cmdSetDir,
	"list-indexes":       (*Server).cmdListIndexes,
	"send-index":         (*Server).cmdSendIndex,
	"receive-objects-v2": (*Server).cmdReceiveObjects,
	"read-ref":           (*Server).cmdReadRef,
	"update-ref":         (*Server).cmdUpdateRef,
	"list-refs":          (*Server).cmdListRefs,
	"rev-list":           (*Server).cmdRevList,
	"rev-parse":          (*Server).cmdRevParse,
	"cat":                (*Server).cmdCat,
	"get":                (*Server).cmdGet,
	"quiet-mode":         (*Server).cmdQuietMode,
}

// Serve runs the command loop until quit, EOF, or a fatal error. EOF
// from the peer is a normal shutdown: any suspended pack writer is
// aborted so partial packs never survive.
func (s *Server) Serve() error {
	defer s.session.reset()
	for {
		line, err := s.conn.ReadLine()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if line == "" {
			continue
		}
		args := ShellSplit(line)
		cmd := args[0]
		if cmd == "quit" {
			return nil
		}
		h, ok := commands[cmd]
		if !ok {
			s.conn.Error(fmt.Sprintf("unknown command %q", cmd))
			return fmt.Errorf("%w: unknown command %q", ErrProtocol, cmd)
		}
		if err := h(s, args[1:]); err != nil {
			s.conn.Error(err.Error())
			return err
		}
	}
}

func (s *Server) cmdHelp(args []string) error {
	names := make([]string, 0, len(commands)+1)
	for name := range commands {
		names = append(names, name)
	}
	names = append(names, "quit")
	sort.Strings(names)
	if err := s.conn.WriteLine("Commands:\n    %s", strings.Join(names, "\n    ")); err != nil {
		return err
	}
	return s.conn.OK()
}

func (s *Server) cmdInitDir(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("init-dir takes 1 argument, %d given", len(args))
	}
	if err := s.session.open(args[0], true); err != nil {
		return err
	}
	return s.conn.OK()
}

func (s *Server) cmdSetDir(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("set-dir takes 1 argument, %d given", len(args))
	}
	if err := s.session.open(args[0], false); err != nil {
		return err
	}
	return s.conn.OK()
}

// cmdListIndexes reports every idx finalized before the command arrived;
// packs landing afterwards wait for the next call.
func (s *Server) cmdListIndexes(args []string) error {
	if err := s.session.need(); err != nil {
		return err
	}
	paths, err := filepath.Glob(filepath.Join(s.session.repo.PackDir(), "pack-*.idx"))
	if err != nil {
		return err
	}
	sort.Strings(paths)
	for _, p := range paths {
		if err := s.conn.WriteLine("%s", filepath.Base(p)); err != nil {
			return err
		}
	}
	return s.conn.OK()
}

func (s *Server) cmdSendIndex(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("send-index takes 1 argument, %d given", len(args))
	}
	if err := s.session.need(); err != nil {
		return err
	}
	name := filepath.Base(args[0])
	if !strings.HasPrefix(name, "pack-") || !strings.HasSuffix(name, ".idx") {
		return fmt.Errorf("%w: not an idx name: %q", ErrProtocol, args[0])
	}
	data, err := os.ReadFile(filepath.Join(s.session.repo.PackDir(), name))
	if err != nil {
		return err
	}
	if err := s.conn.WriteFrame(data); err != nil {
		return err
	}
	return s.conn.OK()
}

// cmdReceiveObjects lands client records into a pack, suggesting the
// idx of any pack already holding an incoming object so the client can
// stop resending what the repository already has.
func (s *Server) cmdReceiveObjects(args []string) error {
	if err := s.session.need(); err != nil {
		return err
	}
	w := s.session.suspended
	s.session.suspended = nil
	if w == nil {
		w = pack.NewWriter(s.session.repo.PackDir(), s.session.cache, !s.session.dumb)
	}
	suggested := make(map[string]bool)
	for {
		n, err := s.conn.ReadU32()
		if err != nil {
			w.Abort()
			return fmt.Errorf("%w: expected record header: %v", ErrProtocol, err)
		}
		switch n {
		case 0:
			path, err := w.Close()
			if err != nil {
				return err
			}
			if path != "" {
				idxName := strings.TrimSuffix(filepath.Base(path), ".pack") + ".idx"
				if err := s.conn.WriteLine("%s", idxName); err != nil {
					return err
				}
			}
			return s.conn.OK()
		case 0xffffffff:
			s.session.suspended = w
			return s.conn.OK()
		}
		if n < objects.IDSize+4 {
			w.Abort()
			return fmt.Errorf("%w: record length %d too short", ErrProtocol, n)
		}
		frame, err := s.conn.ReadN(int(n))
		if err != nil {
			w.Abort()
			return err
		}
		id, _ := objects.IDFromBytes(frame[:objects.IDSize])
		wantCRC := binary.BigEndian.Uint32(frame[objects.IDSize:])
		record := frame[objects.IDSize+4:]

		if !s.session.dumb {
			if source, ok := w.Exists(id, true); ok {
				if source != "" && !suggested[source] {
					if err := s.conn.WriteLine("index %s", source); err != nil {
						w.Abort()
						return err
					}
					if err := s.conn.Flush(); err != nil {
						w.Abort()
						return err
					}
					suggested[source] = true
				}
				continue
			}
		}
		crc, err := w.RawWrite(id, record)
		if err != nil {
			return err
		}
		if crc != wantCRC {
			w.Abort()
			return fmt.Errorf("%w: object %s: expected crc %08x, got %08x", ErrProtocol, id, wantCRC, crc)
		}
	}
}

func (s *Server) cmdReadRef(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("read-ref takes 1 argument, %d given", len(args))
	}
	if err := s.session.need(); err != nil {
		return err
	}
	id, err := s.session.repo.ReadRef(repo.HeadName(args[0]))
	if err != nil {
		return err
	}
	hex := ""
	if !id.IsZero() {
		hex = id.String()
	}
	if err := s.conn.WriteLine("%s", hex); err != nil {
		return err
	}
	return s.conn.OK()
}

// cmdUpdateRef reads the new and old ids on the two following lines and
// performs the compare-and-set. A conflict is surfaced, never retried.
func (s *Server) cmdUpdateRef(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("update-ref takes 1 argument, %d given", len(args))
	}
	if err := s.session.need(); err != nil {
		return err
	}
	newHex, err := s.conn.ReadLine()
	if err != nil {
		return err
	}
	oldHex, err := s.conn.ReadLine()
	if err != nil {
		return err
	}
	newID, err := objects.IDFromHex(newHex)
	if err != nil {
		return err
	}
	oldID := objects.ZeroID
	if oldHex != "" {
		if oldID, err = objects.IDFromHex(oldHex); err != nil {
			return err
		}
	}
	if err := s.session.repo.UpdateRef(repo.HeadName(args[0]), newID, oldID); err != nil {
		return err
	}
	return s.conn.OK()
}

func (s *Server) cmdListRefs(args []string) error {
	if err := s.session.need(); err != nil {
		return err
	}
	prefix := ""
	if len(args) == 1 {
		prefix = args[0]
	}
	refs, err := s.session.repo.ListRefs(prefix)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		if err := s.conn.WriteBvec([]byte(ref.Name)); err != nil {
			return err
		}
		if _, err := s.conn.Write(ref.ID[:]); err != nil {
			return err
		}
	}
	if err := s.conn.WriteBvec(nil); err != nil {
		return err
	}
	return s.conn.OK()
}

// cmdRevList walks the first-parent chain of a commit, emitting
// (id, commit time) pairs until the chain ends or the count runs out.
func (s *Server) cmdRevList(args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return fmt.Errorf("rev-list takes 1 or 2 arguments, %d given", len(args))
	}
	if err := s.session.need(); err != nil {
		return err
	}
	count := -1
	if len(args) == 2 {
		if _, err := fmt.Sscanf(args[1], "%d", &count); err != nil {
			return fmt.Errorf("rev-list count %q: %w", args[1], err)
		}
	}
	id, err := s.resolve(args[0])
	if err != nil {
		return err
	}
	for !id.IsZero() && count != 0 {
		kind, payload, err := s.session.store.Get(id)
		if err != nil {
			return err
		}
		if kind != objects.KindCommit {
			return fmt.Errorf("rev-list: %s is a %s, not a commit", id, kind)
		}
		commit, err := objects.DecodeCommit(payload)
		if err != nil {
			return err
		}
		if err := s.conn.WriteBvec([]byte(id.String())); err != nil {
			return err
		}
		if err := s.conn.WriteVuint(uint64(commit.Committer.When)); err != nil {
			return err
		}
		if len(commit.Parents) == 0 {
			break
		}
		id = commit.Parents[0]
		if count > 0 {
			count--
		}
	}
	if err := s.conn.WriteBvec(nil); err != nil {
		return err
	}
	return s.conn.OK()
}

func (s *Server) cmdRevParse(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("rev-parse takes 1 argument, %d given", len(args))
	}
	if err := s.session.need(); err != nil {
		return err
	}
	id, err := s.resolve(args[0])
	if err != nil {
		if errors.Is(err, errUnknownName) {
			if err := s.conn.WriteBvec(nil); err != nil {
				return err
			}
			return s.conn.OK()
		}
		return err
	}
	if err := s.conn.WriteBvec([]byte(id.String())); err != nil {
		return err
	}
	return s.conn.OK()
}

// cmdCat streams the joined bytes of an object as u32-framed chunks
// ending with a zero frame. Chunked blobs rehydrate transparently.
func (s *Server) cmdCat(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("cat takes 1 argument, %d given", len(args))
	}
	if err := s.session.need(); err != nil {
		return err
	}
	id, err := s.resolve(args[0])
	if err != nil {
		s.conn.WriteU32(0)
		return err
	}
	fw := &frameWriter{conn: s.conn}
	if err := hashsplit.Join(s.session.store, id, fw); err != nil {
		s.conn.WriteU32(0)
		return err
	}
	if err := s.conn.WriteU32(0); err != nil {
		return err
	}
	return s.conn.OK()
}

// cmdGet sends one object as-is: its kind name and payload, each as a
// bvec. Objects are small enough to travel in one piece.
func (s *Server) cmdGet(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("get takes 1 argument, %d given", len(args))
	}
	if err := s.session.need(); err != nil {
		return err
	}
	id, err := s.resolve(args[0])
	if err != nil {
		return err
	}
	kind, payload, err := s.session.store.Get(id)
	if err != nil {
		return err
	}
	if err := s.conn.WriteBvec([]byte(kind.String())); err != nil {
		return err
	}
	if err := s.conn.WriteBvec(payload); err != nil {
		return err
	}
	return s.conn.OK()
}

func (s *Server) cmdQuietMode(args []string) error {
	arg := strings.ToLower(strings.Join(args, ""))
	switch arg {
	case "on", "true":
		s.conn.Quiet = true
	case "off", "false":
		s.conn.Quiet = false
	default:
		return fmt.Errorf("quiet-mode: invalid argument %q", arg)
	}
	return s.conn.OK()
}

var errUnknownName = errors.New("unknown name")

// resolve turns a 40-hex id or a ref name into an object id.
func (s *Server) resolve(spec string) (objects.ID, error) {
	if len(spec) == objects.IDSize*2 {
		if id, err := objects.IDFromHex(spec); err == nil {
			return id, nil
		}
	}
	id, err := s.session.repo.ReadRef(repo.HeadName(spec))
	if err != nil {
		return objects.ZeroID, err
	}
	if id.IsZero() {
		return objects.ZeroID, fmt.Errorf("%w: %q", errUnknownName, spec)
	}
	return id, nil
}

// frameWriter turns a byte stream into u32-framed chunks on the wire.
type frameWriter struct {
	conn *Conn
}

func (f *frameWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := f.conn.WriteFrame(p); err != nil {
		return 0, err
	}
	return len(p), nil
}
