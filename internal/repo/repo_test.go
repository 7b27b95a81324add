package repo

import (
	"errors"
	"testing"

	"github.com/keeper-backup/keeper/internal/objects"
)

func TestInitOpen(t *testing.T) {
	dir := t.TempDir()
	if _, err := Open(dir); !errors.Is(err, ErrNoRepo) {
		t.Fatalf("Open before Init = %v, want ErrNoRepo", err)
	}
	r, err := Init(dir)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if _, err := Init(dir); err != nil {
		t.Fatalf("re-Init failed: %v", err)
	}
	if _, err := Open(dir); err != nil {
		t.Fatalf("Open after Init failed: %v", err)
	}
	if r.DumbServer() {
		t.Error("fresh repository reports dumb-server mode")
	}
}

func TestRefCAS(t *testing.T) {
	r, err := Init(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	name := HeadName("x")

	h0 := objects.Sum(objects.KindBlob, []byte("h0"))
	h1 := objects.Sum(objects.KindBlob, []byte("h1"))
	h2 := objects.Sum(objects.KindBlob, []byte("h2"))

	// Creating requires expecting the zero id.
	if err := r.UpdateRef(name, h0, h1); !errors.Is(err, ErrRefConflict) {
		t.Fatalf("create with wrong old = %v, want conflict", err)
	}
	if err := r.UpdateRef(name, h0, objects.ZeroID); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	// Two writers both read h0; only the first CAS wins.
	if err := r.UpdateRef(name, h1, h0); err != nil {
		t.Fatalf("first update failed: %v", err)
	}
	if err := r.UpdateRef(name, h2, h0); !errors.Is(err, ErrRefConflict) {
		t.Fatalf("conflicting update = %v, want conflict", err)
	}
	got, err := r.ReadRef(name)
	if err != nil {
		t.Fatal(err)
	}
	if got != h1 {
		t.Fatalf("ref = %s, want %s after failed CAS", got, h1)
	}
}

func TestReadMissingRef(t *testing.T) {
	r, err := Init(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	id, err := r.ReadRef(HeadName("nope"))
	if err != nil {
		t.Fatalf("ReadRef missing = %v", err)
	}
	if !id.IsZero() {
		t.Fatalf("missing ref reads as %s", id)
	}
}

func TestRefNameValidation(t *testing.T) {
	r, err := Init(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for _, bad := range []string{"../escape", "refs/../escape", "heads/x"} {
		if _, err := r.ReadRef(bad); err == nil {
			t.Errorf("ref name %q accepted", bad)
		}
	}
}

func TestListRefs(t *testing.T) {
	r, err := Init(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ids := map[string]objects.ID{}
	for _, n := range []string{"beta", "alpha"} {
		id := objects.Sum(objects.KindBlob, []byte(n))
		ids[n] = id
		if err := r.UpdateRef(HeadName(n), id, objects.ZeroID); err != nil {
			t.Fatal(err)
		}
	}
	refs, err := r.ListRefs("refs/heads/")
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 2 || refs[0].Name != "refs/heads/alpha" || refs[1].Name != "refs/heads/beta" {
		t.Fatalf("ListRefs = %+v", refs)
	}
	if refs[0].ID != ids["alpha"] {
		t.Error("alpha id mismatch")
	}
}
