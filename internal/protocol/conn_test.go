package protocol

import (
	"bytes"
	"testing"
)

func TestShellSplit(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"set-dir /tmp/repo", []string{"set-dir", "/tmp/repo"}},
		{`set-dir "/path with spaces/repo"`, []string{"set-dir", "/path with spaces/repo"}},
		{"a  b\tc", []string{"a", "b", "c"}},
		{"'single quoted' rest", []string{"single quoted", "rest"}},
		{"", nil},
		{"   ", nil},
	}
	for _, tc := range cases {
		got := ShellSplit(tc.in)
		if len(got) != len(tc.want) {
			t.Errorf("ShellSplit(%q) = %v, want %v", tc.in, got, tc.want)
			continue
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Errorf("ShellSplit(%q)[%d] = %q, want %q", tc.in, i, got[i], tc.want[i])
			}
		}
	}
}

func TestVintBvecRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	values := []uint64{0, 1, 127, 128, 300, 1 << 40}
	for _, v := range values {
		if err := WriteVuint(&buf, v); err != nil {
			t.Fatal(err)
		}
	}
	for _, want := range values {
		got, err := ReadVuint(&buf)
		if err != nil {
			t.Fatalf("ReadVuint failed: %v", err)
		}
		if got != want {
			t.Errorf("vuint %d came back as %d", want, got)
		}
	}

	buf.Reset()
	if err := WriteBvec(&buf, []byte("payload")); err != nil {
		t.Fatal(err)
	}
	if err := WriteBvec(&buf, nil); err != nil {
		t.Fatal(err)
	}
	first, err := ReadBvec(&buf)
	if err != nil || string(first) != "payload" {
		t.Fatalf("bvec = %q, %v", first, err)
	}
	term, err := ReadBvec(&buf)
	if err != nil || term != nil {
		t.Fatalf("terminator = %v, %v", term, err)
	}
}
