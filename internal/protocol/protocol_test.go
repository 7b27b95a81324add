package protocol_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/keeper-backup/keeper/internal/client"
	"github.com/keeper-backup/keeper/internal/objects"
	"github.com/keeper-backup/keeper/internal/pack"
	"github.com/keeper-backup/keeper/internal/protocol"
	"github.com/keeper-backup/keeper/internal/repo"
)

// startServer runs a Server over OS pipes and returns the client-side
// conn. The pipes give kernel buffering, like the real stdio transport.
func startServer(t *testing.T, dir string) *protocol.Conn {
	t.Helper()
	clientRead, serverWrite, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	serverRead, clientWrite, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	serverConn := protocol.NewConn(serverRead, serverWrite, nil)
	srv, err := protocol.NewServer(serverConn, dir)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	done := make(chan error, 1)
	go func() {
		done <- srv.Serve()
		serverWrite.Close()
		serverRead.Close()
	}()
	t.Cleanup(func() {
		clientWrite.Close()
		clientRead.Close()
		<-done
	})
	return protocol.NewConn(clientRead, clientWrite, clientWrite)
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if _, err := repo.Init(dir); err != nil {
		t.Fatal(err)
	}
	return dir
}

// sendObject writes one receive-objects-v2 record for the payload.
func sendObject(t *testing.T, conn *protocol.Conn, kind objects.Kind, payload []byte) objects.ID {
	t.Helper()
	id := objects.Sum(kind, payload)
	record, err := pack.EncodeRecord(kind, payload)
	if err != nil {
		t.Fatal(err)
	}
	frame := make([]byte, 0, 24+len(record))
	frame = append(frame, id[:]...)
	var crc [4]byte
	binary.BigEndian.PutUint32(crc[:], pack.RecordCRC(record))
	frame = append(frame, crc[:]...)
	frame = append(frame, record...)
	if err := conn.WriteU32(uint32(len(frame))); err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Write(frame); err != nil {
		t.Fatal(err)
	}
	return id
}

// seedPack stores payloads into the repository and returns the idx
// basename of the sealed pack.
func seedPack(t *testing.T, dir string, payloads ...[]byte) (string, []objects.ID) {
	t.Helper()
	cache, err := pack.NewCache(filepath.Join(dir, "objects", "pack"))
	if err != nil {
		t.Fatal(err)
	}
	defer cache.Close()
	w := pack.NewWriter(filepath.Join(dir, "objects", "pack"), cache, false)
	var ids []objects.ID
	for _, p := range payloads {
		id, err := w.Add(objects.KindBlob, p)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}
	path, err := w.Close()
	if err != nil {
		t.Fatal(err)
	}
	return strings.TrimSuffix(filepath.Base(path), ".pack") + ".idx", ids
}

func TestReceiveObjectsWithDedupe(t *testing.T) {
	dir := initRepo(t)
	idxName, seeded := seedPack(t, dir, []byte("already here"))
	h2 := seeded[0]

	conn := startServer(t, dir)
	defer conn.Close()

	if err := conn.WriteLine("receive-objects-v2"); err != nil {
		t.Fatal(err)
	}
	h1 := sendObject(t, conn, objects.KindBlob, []byte("new one"))
	sendObject(t, conn, objects.KindBlob, []byte("already here"))
	h3 := sendObject(t, conn, objects.KindBlob, []byte("new two"))
	if err := conn.WriteU32(0); err != nil {
		t.Fatal(err)
	}
	if err := conn.Flush(); err != nil {
		t.Fatal(err)
	}

	lines, err := conn.DrainOK()
	if err != nil {
		t.Fatalf("receive-objects failed: %v", err)
	}
	var suggestions, idxNames []string
	for _, line := range lines {
		if name, ok := strings.CutPrefix(line, "index "); ok {
			suggestions = append(suggestions, name)
		} else if strings.HasSuffix(line, ".idx") {
			idxNames = append(idxNames, line)
		}
	}
	if len(suggestions) != 1 || suggestions[0] != idxName {
		t.Fatalf("suggestions = %v, want exactly [%s]", suggestions, idxName)
	}
	if len(idxNames) != 1 {
		t.Fatalf("expected one new idx name, got %v", idxNames)
	}

	// The new pack holds exactly {h1, h3}.
	newIdx, err := pack.OpenIdx(filepath.Join(dir, "objects", "pack", idxNames[0]))
	if err != nil {
		t.Fatal(err)
	}
	defer newIdx.Close()
	if newIdx.Len() != 2 {
		t.Fatalf("new pack holds %d objects, want 2", newIdx.Len())
	}
	for _, id := range []objects.ID{h1, h3} {
		if !newIdx.Contains(id) {
			t.Errorf("new pack missing %s", id)
		}
	}
	if newIdx.Contains(h2) {
		t.Error("duplicate object landed in the new pack")
	}
}

func TestReceiveSuspendResume(t *testing.T) {
	dir := initRepo(t)
	conn := startServer(t, dir)
	defer conn.Close()

	if err := conn.WriteLine("receive-objects-v2"); err != nil {
		t.Fatal(err)
	}
	h1 := sendObject(t, conn, objects.KindBlob, []byte("one"))
	if err := conn.WriteU32(0xffffffff); err != nil {
		t.Fatal(err)
	}
	conn.Flush()
	if _, err := conn.DrainOK(); err != nil {
		t.Fatalf("suspend failed: %v", err)
	}

	// Another command runs while the pack stays open.
	if err := conn.WriteLine("list-indexes"); err != nil {
		t.Fatal(err)
	}
	conn.Flush()
	if lines, err := conn.DrainOK(); err != nil || len(lines) != 0 {
		t.Fatalf("list-indexes during suspend = %v, %v", lines, err)
	}

	if err := conn.WriteLine("receive-objects-v2"); err != nil {
		t.Fatal(err)
	}
	h2 := sendObject(t, conn, objects.KindBlob, []byte("two"))
	if err := conn.WriteU32(0); err != nil {
		t.Fatal(err)
	}
	conn.Flush()
	lines, err := conn.DrainOK()
	if err != nil {
		t.Fatalf("finalize failed: %v", err)
	}
	if len(lines) != 1 || !strings.HasSuffix(lines[0], ".idx") {
		t.Fatalf("finalize lines = %v", lines)
	}
	idx, err := pack.OpenIdx(filepath.Join(dir, "objects", "pack", lines[0]))
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()
	if !idx.Contains(h1) || !idx.Contains(h2) {
		t.Error("suspended pack lost objects across resume")
	}
}

func TestRefCASOverWire(t *testing.T) {
	dir := initRepo(t)
	conn := startServer(t, dir)
	defer conn.Close()

	h0 := objects.Sum(objects.KindBlob, []byte("h0"))
	h1 := objects.Sum(objects.KindBlob, []byte("h1"))

	update := func(name string, new objects.ID, old string) ([]string, error) {
		if err := conn.WriteLine("update-ref %s", name); err != nil {
			t.Fatal(err)
		}
		if err := conn.WriteLine("%s", new); err != nil {
			t.Fatal(err)
		}
		if err := conn.WriteLine("%s", old); err != nil {
			t.Fatal(err)
		}
		conn.Flush()
		return conn.DrainOK()
	}

	if _, err := update("x", h0, ""); err != nil {
		t.Fatalf("create ref failed: %v", err)
	}
	if _, err := update("x", h1, h0.String()); err != nil {
		t.Fatalf("first CAS failed: %v", err)
	}
	// Losing CAS: still expects h0 but the ref moved to h1. The server
	// reports the conflict and, per protocol, the connection dies.
	if _, err := update("x", objects.Sum(objects.KindBlob, []byte("h2")), h0.String()); err == nil {
		t.Fatal("conflicting CAS succeeded")
	}

	// The stored value is unchanged; check directly on disk.
	r, err := repo.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	got, err := r.ReadRef(repo.HeadName("x"))
	if err != nil {
		t.Fatal(err)
	}
	if got != h1 {
		t.Fatalf("ref after failed CAS = %s, want %s", got, h1)
	}
}

func TestUnknownCommandKillsConnection(t *testing.T) {
	dir := initRepo(t)
	conn := startServer(t, dir)
	defer conn.Close()

	if err := conn.WriteLine("no-such-command"); err != nil {
		t.Fatal(err)
	}
	conn.Flush()
	_, err := conn.DrainOK()
	var remote *protocol.ErrRemote
	if !errors.As(err, &remote) {
		t.Fatalf("expected remote error, got %v", err)
	}
}

func TestRemoteClientEndToEnd(t *testing.T) {
	dir := initRepo(t)
	conn := startServer(t, dir)

	rc, err := client.OpenRemote(conn, filepath.Join(t.TempDir(), "idx-cache"), "")
	if err != nil {
		t.Fatalf("OpenRemote failed: %v", err)
	}

	payloads := [][]byte{[]byte("alpha"), []byte("beta"), []byte("gamma")}
	var ids []objects.ID
	for _, p := range payloads {
		id, err := rc.Add(objects.KindBlob, p)
		if err != nil {
			t.Fatalf("Add failed: %v", err)
		}
		ids = append(ids, id)
	}
	if err := rc.Finish(); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}

	// The sealed pack's idx was fetched; re-adding dedupes locally.
	if !rc.Exists(ids[0]) {
		t.Error("Exists false after Finish")
	}

	for i, id := range ids {
		kind, payload, err := rc.Get(id)
		if err != nil {
			t.Fatalf("Get(%s) failed: %v", id, err)
		}
		if kind != objects.KindBlob || !bytes.Equal(payload, payloads[i]) {
			t.Errorf("Get(%s) = %s %q", id, kind, payload)
		}
		var buf bytes.Buffer
		if err := rc.Cat(id, &buf); err != nil {
			t.Fatalf("Cat(%s) failed: %v", id, err)
		}
		if !bytes.Equal(buf.Bytes(), payloads[i]) {
			t.Errorf("Cat(%s) = %q", id, buf.Bytes())
		}
	}

	// Refs over the wire.
	if err := rc.UpdateRef("main", ids[0], objects.ZeroID); err != nil {
		t.Fatalf("UpdateRef failed: %v", err)
	}
	got, err := rc.ReadRef("main")
	if err != nil {
		t.Fatalf("ReadRef failed: %v", err)
	}
	if got != ids[0] {
		t.Fatalf("ReadRef = %s, want %s", got, ids[0])
	}
	refs, err := rc.ListRefs("refs/heads/")
	if err != nil {
		t.Fatalf("ListRefs failed: %v", err)
	}
	if len(refs) != 1 || refs[0].Name != "refs/heads/main" {
		t.Fatalf("ListRefs = %+v", refs)
	}

	names, err := rc.ListIndexes()
	if err != nil {
		t.Fatalf("ListIndexes failed: %v", err)
	}
	if len(names) != 1 || !strings.HasSuffix(names[0], ".idx") {
		t.Fatalf("ListIndexes = %v", names)
	}

	if err := rc.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func TestEOFAbortsSuspendedPack(t *testing.T) {
	dir := initRepo(t)
	conn := startServer(t, dir)

	if err := conn.WriteLine("receive-objects-v2"); err != nil {
		t.Fatal(err)
	}
	sendObject(t, conn, objects.KindBlob, []byte("doomed"))
	if err := conn.WriteU32(0xffffffff); err != nil {
		t.Fatal(err)
	}
	conn.Flush()
	if _, err := conn.DrainOK(); err != nil {
		t.Fatal(err)
	}

	// Drop the connection and wait for the server to see EOF; it closes
	// its write side on the way out.
	conn.Close()
	for {
		if _, err := conn.ReadLine(); err != nil {
			break
		}
	}

	leftovers, _ := filepath.Glob(filepath.Join(dir, "objects", "pack", "tmp-*"))
	if len(leftovers) != 0 {
		t.Errorf("suspended pack survived EOF: %v", leftovers)
	}
}
