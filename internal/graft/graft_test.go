package graft

import "testing"

func TestParse(t *testing.T) {
	r, err := Parse("/home/user=/archive/user")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if r.Real != "/home/user" || r.Archive != "/archive/user" {
		t.Fatalf("Parse = %+v", r)
	}

	if _, err := Parse("relative=/x"); err == nil {
		t.Error("relative real path accepted")
	}
	if _, err := Parse("/x="); err == nil {
		t.Error("empty archive side accepted")
	}

	ident, err := Parse("/data")
	if err != nil {
		t.Fatal(err)
	}
	if ident.Real != "/data" || ident.Archive != "/data" {
		t.Fatalf("identity graft = %+v", ident)
	}
}

func TestApplyUnapply(t *testing.T) {
	g := Grafts{
		{Real: "/home/user", Archive: "/u"},
		{Real: "/home/user/deep", Archive: "/u/deep/nested"},
	}
	cases := []struct{ real, arch string }{
		{"/home/user/file", "/u/file"},
		{"/home/user/", "/u/"},
		{"/home/user", "/u"},
		{"/home/user/deep/x", "/u/deep/nested/x"},
		{"/elsewhere/f", "/elsewhere/f"},
	}
	for _, tc := range cases {
		if got := g.Apply(tc.real); got != tc.arch {
			t.Errorf("Apply(%q) = %q, want %q", tc.real, got, tc.arch)
		}
	}
	// Longest archive prefix wins in the reverse direction.
	if got := g.Unapply("/u/deep/nested/x"); got != "/home/user/deep/x" {
		t.Errorf("Unapply nested = %q", got)
	}
	if got := g.Unapply("/u/other"); got != "/home/user/other" {
		t.Errorf("Unapply = %q", got)
	}
	if got := g.Unapply("/v/x"); got != "/v/x" {
		t.Errorf("Unapply passthrough = %q", got)
	}
}

func TestApplyRoundTrip(t *testing.T) {
	g := Grafts{{Real: "/srv/data", Archive: "/backups/srv"}}
	for _, p := range []string{"/srv/data/a/b", "/srv/data/", "/srv/data"} {
		if got := g.Unapply(g.Apply(p)); got != p {
			t.Errorf("round trip %q -> %q", p, got)
		}
	}
}
