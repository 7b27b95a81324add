package metadata

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	r := &Record{
		Mode:          0o100644,
		UID:           1000,
		GID:           1000,
		User:          "user",
		Group:         "group",
		SymlinkTarget: "../target",
		Atime:         1234567890123456789,
		Mtime:         987654321,
		Ctime:         192837465,
		Xattrs: []Xattr{
			{Name: "user.comment", Value: []byte("hello")},
			{Name: "user.empty", Value: nil},
		},
		ACL: []byte{0x02, 0x00, 0x01},
	}
	back, err := Decode(r.Encode())
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if back.Mode != r.Mode || back.UID != r.UID || back.GID != r.GID {
		t.Errorf("ids lost: %+v", back)
	}
	if back.User != r.User || back.Group != r.Group {
		t.Errorf("names lost: %+v", back)
	}
	if back.SymlinkTarget != r.SymlinkTarget {
		t.Errorf("symlink target lost: %q", back.SymlinkTarget)
	}
	if back.Atime != r.Atime || back.Mtime != r.Mtime || back.Ctime != r.Ctime {
		t.Errorf("times lost: %+v", back)
	}
	if len(back.Xattrs) != 2 || back.Xattrs[0].Name != "user.comment" ||
		!bytes.Equal(back.Xattrs[0].Value, []byte("hello")) {
		t.Errorf("xattrs lost: %+v", back.Xattrs)
	}
	if !bytes.Equal(back.ACL, r.ACL) {
		t.Errorf("acl lost: %v", back.ACL)
	}
}

func TestStripTimes(t *testing.T) {
	r := &Record{Mode: 0o644, Atime: 1, Mtime: 2, Ctime: 3}
	r.StripTimes()
	back, err := Decode(r.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if back.Atime != 0 || back.Mtime != 0 || back.Ctime != 0 {
		t.Errorf("times survived strip: %+v", back)
	}
}

func TestCaptureRegularFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	if err := os.WriteFile(path, []byte("data"), 0o640); err != nil {
		t.Fatal(err)
	}
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		t.Fatal(err)
	}
	r := Capture(path, &st)
	if r.Mode&0o777 != 0o640 {
		t.Errorf("mode = %o", r.Mode)
	}
	if r.Mtime != st.Mtim.Nano() {
		t.Errorf("mtime = %d, want %d", r.Mtime, st.Mtim.Nano())
	}
}

func TestCaptureSymlink(t *testing.T) {
	dir := t.TempDir()
	link := filepath.Join(dir, "l")
	if err := os.Symlink("/nowhere/special", link); err != nil {
		t.Fatal(err)
	}
	var st unix.Stat_t
	if err := unix.Lstat(link, &st); err != nil {
		t.Fatal(err)
	}
	r := Capture(link, &st)
	if r.SymlinkTarget != "/nowhere/special" {
		t.Errorf("symlink target = %q", r.SymlinkTarget)
	}
}
