package drecurse

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func mkTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	for _, d := range []string{"a/b", "c"} {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	for _, f := range []string{"a/b/x", "a/y", "c/z", "top"} {
		if err := os.WriteFile(filepath.Join(root, f), []byte(f), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func walkNames(t *testing.T, root string, opt Options) []string {
	t.Helper()
	var names []string
	err := WalkOne(root+"/", opt, func(d Dirent) error {
		names = append(names, strings.TrimPrefix(d.Path, root))
		return nil
	}, func(path string, err error) {
		t.Errorf("walk error at %s: %v", path, err)
	})
	if err != nil {
		t.Fatalf("WalkOne failed: %v", err)
	}
	return names
}

func TestWalkOrder(t *testing.T) {
	root := mkTree(t)
	got := walkNames(t, root, Options{})
	want := []string{"/top", "/c/z", "/c/", "/a/y", "/a/b/x", "/a/b/", "/a/", "/"}
	if len(got) != len(want) {
		t.Fatalf("walked %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("walk[%d] = %q, want %q (all: %v)", i, got[i], want[i], got)
		}
	}
	// The order must be strictly descending, which is what lets the
	// index writer consume it directly.
	for i := 1; i < len(got)-1; i++ {
		if got[i-1] <= got[i] {
			t.Fatalf("order violation: %q then %q", got[i-1], got[i])
		}
	}
}

func TestWalkExcludes(t *testing.T) {
	root := mkTree(t)
	got := walkNames(t, root, Options{Excludes: []string{root + "/a/b"}})
	for _, name := range got {
		if strings.HasPrefix(name, "/a/b") {
			t.Errorf("excluded path %q walked", name)
		}
	}
}

func TestReducePaths(t *testing.T) {
	root := mkTree(t)
	got, err := ReducePaths([]string{
		filepath.Join(root, "a"),
		filepath.Join(root, "a", "b"),
		filepath.Join(root, "c"),
		filepath.Join(root, "a"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("ReducePaths = %v", got)
	}
	if !strings.HasSuffix(got[0], "/a/") || !strings.HasSuffix(got[1], "/c/") {
		t.Fatalf("ReducePaths = %v", got)
	}
}

func TestAncestors(t *testing.T) {
	got := Ancestors("/x/y/z/")
	want := []string{"/x/y/", "/x/"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("Ancestors = %v, want %v", got, want)
	}
	if len(Ancestors("/x")) != 0 {
		t.Error("Ancestors of a top-level path should be empty")
	}
}
