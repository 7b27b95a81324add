package objects

import (
	"testing"
)

func TestSumMatchesCanonical(t *testing.T) {
	payload := []byte("hello")
	id := Sum(KindBlob, payload)
	if id.IsZero() {
		t.Fatal("Sum returned the zero id")
	}
	if len(id.String()) != 40 {
		t.Fatalf("hex id length = %d", len(id.String()))
	}
	back, err := IDFromHex(id.String())
	if err != nil || back != id {
		t.Fatalf("hex round trip: %v", err)
	}
	// Same payload under a different kind hashes differently.
	if Sum(KindTree, payload) == id {
		t.Error("kind not part of the id")
	}
}

func TestTreeCodecRoundTrip(t *testing.T) {
	entries := []TreeEntry{
		{Mode: ModeFile, Name: "zeta", ID: Sum(KindBlob, []byte("z"))},
		{Mode: ModeTree, Name: "alpha", ID: Sum(KindBlob, []byte("a"))},
		{Mode: ModeSymlink, Name: "link", ID: Sum(KindBlob, []byte("l"))},
	}
	payload := EncodeTree(entries)
	back, err := DecodeTree(payload)
	if err != nil {
		t.Fatalf("DecodeTree failed: %v", err)
	}
	if len(back) != 3 {
		t.Fatalf("got %d entries", len(back))
	}
	// Canonical order: subtrees sort with a virtual trailing slash.
	if back[0].Name != "alpha" || back[1].Name != "link" || back[2].Name != "zeta" {
		t.Fatalf("order: %v %v %v", back[0].Name, back[1].Name, back[2].Name)
	}
	for _, e := range back {
		for _, orig := range entries {
			if e.Name == orig.Name && (e.Mode != orig.Mode || e.ID != orig.ID) {
				t.Errorf("entry %q mutated", e.Name)
			}
		}
	}
}

func TestTreeDecodeRejectsGarbage(t *testing.T) {
	for _, bad := range [][]byte{
		[]byte("no separator"),
		[]byte("100644 name-without-nul"),
		append([]byte("100644 short\x00"), 1, 2, 3),
	} {
		if _, err := DecodeTree(bad); err == nil {
			t.Errorf("DecodeTree(%q) accepted garbage", bad)
		}
	}
}

func TestCommitCodecRoundTrip(t *testing.T) {
	c := Commit{
		Tree:    Sum(KindTree, nil),
		Parents: []ID{Sum(KindCommit, []byte("p1")), Sum(KindCommit, []byte("p2"))},
		Author: Signature{
			Name: "Alice Example", Email: "alice@example.com",
			When: 1700000000, Offset: -5 * 3600,
		},
		Committer: Signature{
			Name: "Bob Example", Email: "bob@example.com",
			When: 1700000100, Offset: 5*3600 + 30*60,
		},
		Message: "snapshot\n\nbody text\n",
	}
	back, err := DecodeCommit(EncodeCommit(c))
	if err != nil {
		t.Fatalf("DecodeCommit failed: %v", err)
	}
	if back.Tree != c.Tree {
		t.Error("tree lost")
	}
	if len(back.Parents) != 2 || back.Parents[0] != c.Parents[0] || back.Parents[1] != c.Parents[1] {
		t.Error("parents lost")
	}
	if back.Author != c.Author || back.Committer != c.Committer {
		t.Errorf("signatures lost: %+v / %+v", back.Author, back.Committer)
	}
	if back.Message != c.Message {
		t.Errorf("message = %q", back.Message)
	}
}

func TestKindNames(t *testing.T) {
	for _, k := range []Kind{KindBlob, KindTree, KindCommit} {
		back, err := KindFromString(k.String())
		if err != nil || back != k {
			t.Errorf("kind %v round trip failed: %v", k, err)
		}
	}
	if _, err := KindFromString("tag"); err == nil {
		t.Error("unknown kind accepted")
	}
}
