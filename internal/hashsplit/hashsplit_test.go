package hashsplit

import (
	"bytes"
	"io"
	"math/rand"
	"testing"

	"github.com/keeper-backup/keeper/internal/objects"
)

// memSink stores objects in memory for tests.
type memSink struct {
	data map[objects.ID][]byte
	kind map[objects.ID]objects.Kind
}

func newMemSink() *memSink {
	return &memSink{
		data: make(map[objects.ID][]byte),
		kind: make(map[objects.ID]objects.Kind),
	}
}

func (m *memSink) Add(kind objects.Kind, payload []byte) (objects.ID, error) {
	id := objects.Sum(kind, payload)
	cp := make([]byte, len(payload))
	copy(cp, payload)
	m.data[id] = cp
	m.kind[id] = kind
	return id, nil
}

func (m *memSink) Get(id objects.ID) (objects.Kind, []byte, error) {
	data, ok := m.data[id]
	if !ok {
		return 0, nil, io.ErrUnexpectedEOF
	}
	return m.kind[id], data, nil
}

func randomBytes(n int) []byte {
	rng := rand.New(rand.NewSource(0))
	buf := make([]byte, n)
	rng.Read(buf)
	return buf
}

// chokeReader returns reads in awkward sizes to exercise buffering.
type chokeReader struct {
	data  []byte
	sizes []int
	i     int
}

func (c *chokeReader) Read(p []byte) (int, error) {
	if len(c.data) == 0 {
		return 0, io.EOF
	}
	n := c.sizes[c.i%len(c.sizes)]
	c.i++
	if n > len(c.data) {
		n = len(c.data)
	}
	if n > len(p) {
		n = len(p)
	}
	copy(p, c.data[:n])
	c.data = c.data[n:]
	return n, nil
}

func splitAll(t *testing.T, r io.Reader) []Chunk {
	t.Helper()
	s := NewSplitter(r)
	var chunks []Chunk
	for {
		c, err := s.Next()
		if err == io.EOF {
			return chunks
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		chunks = append(chunks, c)
	}
}

func TestSplitRejoin(t *testing.T) {
	input := randomBytes(10 << 20)
	chunks := splitAll(t, bytes.NewReader(input))

	var out bytes.Buffer
	for _, c := range chunks {
		out.Write(c.Data)
	}
	if !bytes.Equal(out.Bytes(), input) {
		t.Fatal("concatenated chunks do not equal input")
	}

	// Average chunk size should be near 1<<BlobBits.
	want := len(input) / BlobSize
	lo, hi := want*85/100, want*115/100
	if len(chunks) < lo || len(chunks) > hi {
		t.Errorf("chunk count %d outside [%d, %d]", len(chunks), lo, hi)
	}
}

func TestSplitDeterministicAcrossReadSizes(t *testing.T) {
	input := randomBytes(1 << 20)
	base := splitAll(t, bytes.NewReader(input))
	choked := splitAll(t, &chokeReader{data: append([]byte(nil), input...), sizes: []int{1, 7, 4096, 13, 65537}})

	if len(base) != len(choked) {
		t.Fatalf("chunk count differs: %d vs %d", len(base), len(choked))
	}
	for i := range base {
		if !bytes.Equal(base[i].Data, choked[i].Data) {
			t.Fatalf("chunk %d differs across read partitions", i)
		}
		if base[i].Level != choked[i].Level {
			t.Fatalf("chunk %d level differs across read partitions", i)
		}
	}
}

func TestSplitEditLocality(t *testing.T) {
	input := randomBytes(10 << 20)
	orig := splitAll(t, bytes.NewReader(input))

	edited := append([]byte(nil), input...)
	edited[5_000_000] ^= 0xff
	changed := splitAll(t, bytes.NewReader(edited))

	origSet := make(map[objects.ID]bool, len(orig))
	for _, c := range orig {
		origSet[objects.Sum(objects.KindBlob, c.Data)] = true
	}
	surviving := 0
	for _, c := range changed {
		if origSet[objects.Sum(objects.KindBlob, c.Data)] {
			surviving++
		}
	}
	if surviving*100 < len(orig)*95 {
		t.Errorf("only %d/%d original chunks survive a one-byte edit", surviving, len(orig))
	}
}

func TestSplitMaxBlobSize(t *testing.T) {
	// A constant stream never hits a natural cut; every chunk must be
	// forced at MaxBlobSize.
	input := make([]byte, 3*MaxBlobSize+100)
	chunks := splitAll(t, bytes.NewReader(input))
	for i, c := range chunks {
		if len(c.Data) > MaxBlobSize {
			t.Fatalf("chunk %d exceeds MaxBlobSize: %d", i, len(c.Data))
		}
	}
	var total int
	for _, c := range chunks {
		total += len(c.Data)
	}
	if total != len(input) {
		t.Fatalf("chunks cover %d bytes, want %d", total, len(input))
	}
}

func TestRollsumWindowIndependence(t *testing.T) {
	// The digest after rolling through data must depend only on the last
	// WindowSize bytes.
	a := NewRollsum()
	for _, ch := range randomBytes(1000) {
		a.Roll(ch)
	}
	b := NewRollsum()
	tail := randomBytes(1000)[1000-WindowSize:]
	for _, ch := range tail {
		b.Roll(ch)
	}
	if a.Digest() != b.Digest() {
		t.Errorf("digest depends on bytes outside the window: %08x vs %08x", a.Digest(), b.Digest())
	}
}

func TestTreeRoundTrip(t *testing.T) {
	sink := newMemSink()
	input := randomBytes(2 << 20)

	id, kind, n, err := Split(sink, bytes.NewReader(input))
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if n != uint64(len(input)) {
		t.Fatalf("Split consumed %d bytes, want %d", n, len(input))
	}
	if kind != objects.KindTree {
		t.Fatalf("2 MiB input should root at a tree, got %s", kind)
	}

	var out bytes.Buffer
	if err := Join(sink, id, &out); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if !bytes.Equal(out.Bytes(), input) {
		t.Fatal("Join output does not equal input")
	}
}

func TestSplitTinyInput(t *testing.T) {
	sink := newMemSink()
	id, kind, n, err := Split(sink, bytes.NewReader([]byte("hello")))
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if kind != objects.KindBlob {
		t.Fatalf("tiny input should stay a blob, got %s", kind)
	}
	if n != 5 {
		t.Fatalf("Split consumed %d bytes, want 5", n)
	}
	var out bytes.Buffer
	if err := Join(sink, id, &out); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if out.String() != "hello" {
		t.Fatalf("Join returned %q", out.String())
	}
}

func TestSplitEmptyInput(t *testing.T) {
	sink := newMemSink()
	id, kind, n, err := Split(sink, bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if kind != objects.KindBlob || n != 0 {
		t.Fatalf("empty input: got kind %s, %d bytes", kind, n)
	}
	if id != objects.Sum(objects.KindBlob, nil) {
		t.Fatal("empty input should produce the empty blob")
	}
}

func TestTreeDedupAcrossOffsets(t *testing.T) {
	// The same byte run split at different absolute offsets must produce
	// the same leaf blobs.
	shared := randomBytes(1 << 20)
	prefix := bytes.Repeat([]byte{0x55}, 200_000)

	a := splitAll(t, bytes.NewReader(shared))
	b := splitAll(t, bytes.NewReader(append(append([]byte(nil), prefix...), shared...)))

	ids := make(map[objects.ID]bool)
	for _, c := range b {
		ids[objects.Sum(objects.KindBlob, c.Data)] = true
	}
	surviving := 0
	for _, c := range a {
		if ids[objects.Sum(objects.KindBlob, c.Data)] {
			surviving++
		}
	}
	if surviving*100 < len(a)*90 {
		t.Errorf("only %d/%d chunks shared after offset shift", surviving, len(a))
	}
}
