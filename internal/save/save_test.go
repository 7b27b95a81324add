package save

import (
	"bytes"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/keeper-backup/keeper/internal/client"
	"github.com/keeper-backup/keeper/internal/index"
	"github.com/keeper-backup/keeper/internal/objects"
	"github.com/keeper-backup/keeper/internal/repo"
)

func setupFS(t *testing.T) (string, map[string][]byte) {
	t.Helper()
	root := t.TempDir()
	rng := rand.New(rand.NewSource(7))
	big := make([]byte, 300*1024)
	rng.Read(big)
	files := map[string][]byte{
		"docs/readme": []byte("hello backup"),
		"docs/big":    big,
		"top":         []byte("top level"),
	}
	if err := os.MkdirAll(filepath.Join(root, "docs"), 0o755); err != nil {
		t.Fatal(err)
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(root, name), content, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return root, files
}

func TestSaveAndJoin(t *testing.T) {
	fsRoot, files := setupFS(t)
	repoDir := t.TempDir()
	if _, err := repo.Init(repoDir); err != nil {
		t.Fatal(err)
	}
	idxPath := filepath.Join(repoDir, "bupindex")

	if _, err := index.Update(index.UpdateOptions{
		Path:        idxPath,
		Roots:       []string{fsRoot},
		CheckDevice: true,
	}); err != nil {
		t.Fatalf("index update failed: %v", err)
	}

	c, err := client.OpenLocal(repoDir)
	if err != nil {
		t.Fatal(err)
	}
	opt := Options{
		IndexPath: idxPath,
		Branch:    "main",
		Message:   "first snapshot\n",
		Name:      "tester",
		Email:     "tester@example.com",
		Now:       time.Unix(1700000000, 0),
	}
	commitID, stats, err := Run(c, opt)
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if stats.Files != 3 || stats.Hashed != 3 || stats.Errors != 0 {
		t.Fatalf("stats = %+v", stats)
	}

	// The branch moved to the commit.
	head, err := c.ReadRef("main")
	if err != nil {
		t.Fatal(err)
	}
	if head != commitID {
		t.Fatalf("ref = %s, want %s", head, commitID)
	}

	// Walk commit -> tree -> files and compare contents.
	kind, payload, err := c.Get(commitID)
	if err != nil {
		t.Fatal(err)
	}
	if kind != objects.KindCommit {
		t.Fatalf("head object kind = %s", kind)
	}
	commit, err := objects.DecodeCommit(payload)
	if err != nil {
		t.Fatal(err)
	}
	if len(commit.Parents) != 0 {
		t.Fatalf("first commit has parents: %v", commit.Parents)
	}

	tree := findTree(t, c, commit.Tree, filepath.Base(fsRoot))
	docs := findTree(t, c, tree, "docs")
	_, treePayload, err := c.Get(docs)
	if err != nil {
		t.Fatal(err)
	}
	entries, err := objects.DecodeTree(treePayload)
	if err != nil {
		t.Fatal(err)
	}
	got := map[string]objects.ID{}
	for _, e := range entries {
		got[e.Name] = e.ID
	}
	for _, name := range []string{"readme", "big"} {
		id, ok := got[name]
		if !ok {
			t.Fatalf("tree missing %q: %v", name, entries)
		}
		var buf bytes.Buffer
		if err := c.Cat(id, &buf); err != nil {
			t.Fatalf("Cat(%s) failed: %v", name, err)
		}
		if !bytes.Equal(buf.Bytes(), files["docs/"+name]) {
			t.Errorf("%q restored %d bytes, want %d", name, buf.Len(), len(files["docs/"+name]))
		}
	}

	// A second save with nothing changed rehashes nothing and reuses
	// the parent chain.
	commit2, stats2, err := Run(c, opt)
	if err != nil {
		t.Fatalf("second save failed: %v", err)
	}
	if stats2.Hashed != 0 {
		t.Errorf("second save rehashed %d files", stats2.Hashed)
	}
	_, payload2, err := c.Get(commit2)
	if err != nil {
		t.Fatal(err)
	}
	c2, err := objects.DecodeCommit(payload2)
	if err != nil {
		t.Fatal(err)
	}
	if len(c2.Parents) != 1 || c2.Parents[0] != commitID {
		t.Fatalf("second commit parents = %v", c2.Parents)
	}
	if c2.Tree != commit.Tree {
		t.Error("unchanged filesystem produced a different tree")
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
}

// findTree looks up a subtree entry by name, descending from id.
func findTree(t *testing.T, c client.Client, id objects.ID, name string) objects.ID {
	t.Helper()
	_, payload, err := c.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	entries, err := objects.DecodeTree(payload)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Name == name {
			return e.ID
		}
		if e.IsTree() {
			if sub := findTreeMaybe(c, e.ID, name); !sub.IsZero() {
				return sub
			}
		}
	}
	t.Fatalf("no subtree %q under %s", name, id)
	return objects.ZeroID
}

func findTreeMaybe(c client.Client, id objects.ID, name string) objects.ID {
	_, payload, err := c.Get(id)
	if err != nil {
		return objects.ZeroID
	}
	entries, err := objects.DecodeTree(payload)
	if err != nil {
		return objects.ZeroID
	}
	for _, e := range entries {
		if e.Name == name {
			return e.ID
		}
		if e.IsTree() {
			if sub := findTreeMaybe(c, e.ID, name); !sub.IsZero() {
				return sub
			}
		}
	}
	return objects.ZeroID
}
