package client

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/keeper-backup/keeper/internal/objects"
	"github.com/keeper-backup/keeper/internal/pack"
	"github.com/keeper-backup/keeper/internal/protocol"
	"github.com/keeper-backup/keeper/internal/repo"
)

// suggestBatch is how many objects travel between drain points. Index
// suggestions the server emits are only observed when the client reads
// the control channel, so smaller batches notice duplicates sooner at
// the cost of more round trips.
const suggestBatch = 128

// Remote speaks the wire protocol to a repository server. Indices the
// server suggests are fetched into a local cache directory and merged
// into the membership cache, which is what stops duplicate sends.
type Remote struct {
	conn     *protocol.Conn
	cacheDir string
	cache    *pack.Cache
	// pending tracks ids sent in the open receive stream; the server
	// dedupes anyway, this just saves wire traffic.
	pending   map[objects.ID]bool
	receiving bool
	sent      int
}

// OpenRemote attaches to a server over conn. cacheDir holds fetched
// idx files between runs; dir, if non-empty, is sent as set-dir.
func OpenRemote(conn *protocol.Conn, cacheDir, dir string) (*Remote, error) {
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("create index cache: %w", err)
	}
	cache, err := pack.NewCache(cacheDir)
	if err != nil {
		return nil, err
	}
	r := &Remote{
		conn:     conn,
		cacheDir: cacheDir,
		cache:    cache,
		pending:  make(map[objects.ID]bool),
	}
	if dir != "" {
		if err := r.simple("set-dir %s", dir); err != nil {
			cache.Close()
			return nil, err
		}
	}
	return r, nil
}

// simple runs a command with no payload and waits for ok.
func (r *Remote) simple(format string, args ...any) error {
	if err := r.endReceive(); err != nil {
		return err
	}
	if err := r.conn.WriteLine(format, args...); err != nil {
		return err
	}
	if err := r.conn.Flush(); err != nil {
		return err
	}
	_, err := r.conn.DrainOK()
	return err
}

// ensureReceive opens the object stream if it is not already open.
func (r *Remote) ensureReceive() error {
	if r.receiving {
		return nil
	}
	if err := r.conn.WriteLine("receive-objects-v2"); err != nil {
		return err
	}
	r.receiving = true
	r.sent = 0
	return nil
}

// endReceive suspends an open object stream and processes whatever the
// server had to say, leaving the control channel free for the next
// command. This is the client's drain point.
func (r *Remote) endReceive() error {
	if !r.receiving {
		return nil
	}
	r.receiving = false
	if err := r.conn.WriteU32(0xffffffff); err != nil {
		return err
	}
	if err := r.conn.Flush(); err != nil {
		return err
	}
	lines, err := r.conn.DrainOK()
	if err != nil {
		return err
	}
	return r.handleSuggestions(lines)
}

// handleSuggestions fetches every idx the server pointed at.
func (r *Remote) handleSuggestions(lines []string) error {
	fetched := false
	for _, line := range lines {
		name, ok := strings.CutPrefix(line, "index ")
		if !ok {
			continue
		}
		if err := r.FetchIndex(name); err != nil {
			return err
		}
		fetched = true
	}
	if fetched {
		return r.cache.Refresh()
	}
	return nil
}

// FetchIndex downloads one idx into the cache directory.
func (r *Remote) FetchIndex(name string) error {
	if r.receiving {
		return fmt.Errorf("%w: fetch-index inside receive stream", protocol.ErrProtocol)
	}
	if err := r.conn.WriteLine("send-index %s", name); err != nil {
		return err
	}
	if err := r.conn.Flush(); err != nil {
		return err
	}
	data, err := r.conn.ReadFrame()
	if err != nil {
		return err
	}
	if _, err := r.conn.DrainOK(); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(r.cacheDir, "tmp-idx-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), filepath.Join(r.cacheDir, filepath.Base(name))); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

// ListIndexes asks the server for every idx it has finalized.
func (r *Remote) ListIndexes() ([]string, error) {
	if err := r.endReceive(); err != nil {
		return nil, err
	}
	if err := r.conn.WriteLine("list-indexes"); err != nil {
		return nil, err
	}
	if err := r.conn.Flush(); err != nil {
		return nil, err
	}
	return r.conn.DrainOK()
}

// Add sends one object into the receive stream, skipping anything the
// fetched indices already account for.
func (r *Remote) Add(kind objects.Kind, payload []byte) (objects.ID, error) {
	id := objects.Sum(kind, payload)
	if r.pending[id] {
		return id, nil
	}
	if _, ok := r.cache.Exists(id); ok {
		return id, nil
	}
	record, err := pack.EncodeRecord(kind, payload)
	if err != nil {
		return objects.ZeroID, err
	}
	if err := r.ensureReceive(); err != nil {
		return objects.ZeroID, err
	}
	frame := make([]byte, 0, objects.IDSize+4+len(record))
	frame = append(frame, id[:]...)
	var crc [4]byte
	binary.BigEndian.PutUint32(crc[:], pack.RecordCRC(record))
	frame = append(frame, crc[:]...)
	frame = append(frame, record...)
	if err := r.conn.WriteU32(uint32(len(frame))); err != nil {
		return objects.ZeroID, err
	}
	if _, err := r.conn.Write(frame); err != nil {
		return objects.ZeroID, err
	}
	r.pending[id] = true
	r.sent++
	if r.sent >= suggestBatch {
		if err := r.endReceive(); err != nil {
			return objects.ZeroID, err
		}
	}
	return id, nil
}

// Exists reports membership per the fetched indices and this session's
// own sends.
func (r *Remote) Exists(id objects.ID) bool {
	if r.pending[id] {
		return true
	}
	_, ok := r.cache.Exists(id)
	return ok
}

// Finish closes the receive stream for good, landing the final pack on
// the server and fetching its idx.
func (r *Remote) Finish() error {
	if !r.receiving {
		return nil
	}
	r.receiving = false
	if err := r.conn.WriteU32(0); err != nil {
		return err
	}
	if err := r.conn.Flush(); err != nil {
		return err
	}
	lines, err := r.conn.DrainOK()
	if err != nil {
		return err
	}
	var rest []string
	for _, line := range lines {
		if strings.HasSuffix(line, ".idx") && !strings.HasPrefix(line, "index ") {
			// The newly sealed pack's idx: fetch it so the next run
			// dedupes against it immediately.
			if err := r.FetchIndex(line); err != nil {
				return err
			}
			continue
		}
		rest = append(rest, line)
	}
	if err := r.handleSuggestions(rest); err != nil {
		return err
	}
	r.pending = make(map[objects.ID]bool)
	return r.cache.Refresh()
}

// Get fetches one object with its kind.
func (r *Remote) Get(id objects.ID) (objects.Kind, []byte, error) {
	if err := r.endReceive(); err != nil {
		return 0, nil, err
	}
	if err := r.conn.WriteLine("get %s", id); err != nil {
		return 0, nil, err
	}
	if err := r.conn.Flush(); err != nil {
		return 0, nil, err
	}
	kindName, err := r.conn.ReadBvec()
	if err != nil {
		return 0, nil, err
	}
	payload, err := r.conn.ReadBvec()
	if err != nil {
		return 0, nil, err
	}
	if _, err := r.conn.DrainOK(); err != nil {
		return 0, nil, err
	}
	kind, err := objects.KindFromString(string(kindName))
	if err != nil {
		return 0, nil, err
	}
	if objects.Sum(kind, payload) != id {
		return 0, nil, fmt.Errorf("%w: object %s arrived corrupt", protocol.ErrProtocol, id)
	}
	return kind, payload, nil
}

// Cat streams the joined bytes of an object into w.
func (r *Remote) Cat(id objects.ID, w io.Writer) error {
	if err := r.endReceive(); err != nil {
		return err
	}
	if err := r.conn.WriteLine("cat %s", id); err != nil {
		return err
	}
	if err := r.conn.Flush(); err != nil {
		return err
	}
	for {
		chunk, err := r.conn.ReadFrame()
		if err != nil {
			return err
		}
		if chunk == nil {
			break
		}
		if _, err := w.Write(chunk); err != nil {
			return err
		}
	}
	_, err := r.conn.DrainOK()
	return err
}

// ReadRef reads a ref on the server.
func (r *Remote) ReadRef(name string) (objects.ID, error) {
	if err := r.endReceive(); err != nil {
		return objects.ZeroID, err
	}
	if err := r.conn.WriteLine("read-ref %s", name); err != nil {
		return objects.ZeroID, err
	}
	if err := r.conn.Flush(); err != nil {
		return objects.ZeroID, err
	}
	lines, err := r.conn.DrainOK()
	if err != nil {
		return objects.ZeroID, err
	}
	if len(lines) == 0 || lines[len(lines)-1] == "" {
		return objects.ZeroID, nil
	}
	return objects.IDFromHex(lines[len(lines)-1])
}

// UpdateRef compare-and-sets a ref on the server.
func (r *Remote) UpdateRef(name string, new, old objects.ID) error {
	if err := r.endReceive(); err != nil {
		return err
	}
	if err := r.conn.WriteLine("update-ref %s", name); err != nil {
		return err
	}
	if err := r.conn.WriteLine("%s", new); err != nil {
		return err
	}
	oldHex := ""
	if !old.IsZero() {
		oldHex = old.String()
	}
	if err := r.conn.WriteLine("%s", oldHex); err != nil {
		return err
	}
	if err := r.conn.Flush(); err != nil {
		return err
	}
	_, err := r.conn.DrainOK()
	return err
}

// ListRefs enumerates refs on the server.
func (r *Remote) ListRefs(prefix string) ([]repo.Ref, error) {
	if err := r.endReceive(); err != nil {
		return nil, err
	}
	cmd := "list-refs"
	if prefix != "" {
		cmd = fmt.Sprintf("list-refs %s", prefix)
	}
	if err := r.conn.WriteLine("%s", cmd); err != nil {
		return nil, err
	}
	if err := r.conn.Flush(); err != nil {
		return nil, err
	}
	var refs []repo.Ref
	for {
		name, err := r.conn.ReadBvec()
		if err != nil {
			return nil, err
		}
		if name == nil {
			break
		}
		raw, err := r.conn.ReadN(objects.IDSize)
		if err != nil {
			return nil, err
		}
		id, err := objects.IDFromBytes(raw)
		if err != nil {
			return nil, err
		}
		refs = append(refs, repo.Ref{Name: string(name), ID: id})
	}
	if _, err := r.conn.DrainOK(); err != nil {
		return nil, err
	}
	return refs, nil
}

// Close finalizes the stream and shuts the connection down.
func (r *Remote) Close() error {
	err := r.Finish()
	if err2 := r.conn.WriteLine("quit"); err == nil {
		err = err2
	}
	r.conn.Flush()
	if err2 := r.conn.Close(); err == nil {
		err = err2
	}
	r.cache.Close()
	return err
}

// verify interface satisfaction at compile time.
var (
	_ Client = (*Local)(nil)
	_ Client = (*Remote)(nil)
)
