package hlinkdb

import (
	"path/filepath"
	"testing"
)

func TestAddDelNodePaths(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "bupindex.hlink"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	db.AddPath("/a/one", 5, 42)
	db.AddPath("/a/two", 5, 42)
	db.AddPath("/b/other", 5, 43)

	paths := db.NodePaths(5, 42)
	if len(paths) != 2 || paths[0] != "/a/one" || paths[1] != "/a/two" {
		t.Fatalf("NodePaths = %v", paths)
	}

	// A path belongs to one node only; re-adding moves it.
	db.AddPath("/a/one", 5, 43)
	if got := db.NodePaths(5, 42); len(got) != 1 || got[0] != "/a/two" {
		t.Fatalf("after move, old node = %v", got)
	}
	if got := db.NodePaths(5, 43); len(got) != 2 {
		t.Fatalf("after move, new node = %v", got)
	}

	db.DelPath("/a/two")
	if got := db.NodePaths(5, 42); got != nil {
		t.Fatalf("after delete = %v", got)
	}
}

func TestCommitSaveReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bupindex.hlink")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	db.AddPath("/x/a", 1, 2)
	db.AddPath("/x/b", 1, 2)
	if err := db.CommitSave(); err != nil {
		t.Fatalf("CommitSave failed: %v", err)
	}

	again, err := Open(path)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	paths := again.NodePaths(1, 2)
	if len(paths) != 2 || paths[0] != "/x/a" || paths[1] != "/x/b" {
		t.Fatalf("reloaded NodePaths = %v", paths)
	}

	// Saving after a removal replaces the stored contents.
	again.DelPath("/x/a")
	if err := again.CommitSave(); err != nil {
		t.Fatal(err)
	}
	third, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := third.NodePaths(1, 2); len(got) != 1 || got[0] != "/x/b" {
		t.Fatalf("after save-reload = %v", got)
	}
}
