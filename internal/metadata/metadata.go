// Package metadata captures and serializes the per-path attributes that
// do not fit in a file-index stat tuple: owner and group names, symlink
// targets, device numbers, extended attributes and POSIX ACLs.
//
// Canonical Encoding (tag-based, uvarint framed):
// - record = (uvarint tag | field bytes)* terminated by tag 0
// - string/bytes fields: uvarint length | bytes
// - integer fields: uvarint length | uvarint value
// Unknown tags are skipped by length, so old readers survive new fields.
package metadata

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"os/user"
	"strconv"

	"golang.org/x/sys/unix"
)

// Field tags. Every tagged field is length-prefixed so readers can skip
// tags they do not know.
const (
	tagEnd = iota
	tagMode
	tagUID
	tagGID
	tagUser
	tagGroup
	tagRdev
	tagSymlinkTarget
	tagAtime
	tagMtime
	tagCtime
	tagXattr
	tagACL
)

// Xattr is one extended attribute.
type Xattr struct {
	Name  string
	Value []byte
}

// Record is the decoded form of one metadata store entry.
type Record struct {
	Mode          uint32
	UID, GID      uint32
	User, Group   string
	Rdev          uint64
	SymlinkTarget string
	Atime         int64 // nanoseconds
	Mtime         int64
	Ctime         int64
	Xattrs        []Xattr
	ACL           []byte // raw system.posix_acl_access blob, if any
}

// StripTimes zeroes the time fields. Records stored through the index
// path drop them: they churn on every run and the index's own stat tuple
// already carries them. Records attached to saved tree entries keep
// theirs.
func (r *Record) StripTimes() {
	r.Atime, r.Mtime, r.Ctime = 0, 0, 0
}

func putUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func putBytes(buf *bytes.Buffer, tag uint64, b []byte) {
	putUvarint(buf, tag)
	putUvarint(buf, uint64(len(b)))
	buf.Write(b)
}

func putUint(buf *bytes.Buffer, tag, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	putBytes(buf, tag, tmp[:n])
}

// Encode renders the record into its canonical bytes.
func (r *Record) Encode() []byte {
	var buf bytes.Buffer
	putUint(&buf, tagMode, uint64(r.Mode))
	putUint(&buf, tagUID, uint64(r.UID))
	putUint(&buf, tagGID, uint64(r.GID))
	if r.User != "" {
		putBytes(&buf, tagUser, []byte(r.User))
	}
	if r.Group != "" {
		putBytes(&buf, tagGroup, []byte(r.Group))
	}
	if r.Rdev != 0 {
		putUint(&buf, tagRdev, r.Rdev)
	}
	if r.SymlinkTarget != "" {
		putBytes(&buf, tagSymlinkTarget, []byte(r.SymlinkTarget))
	}
	if r.Atime != 0 {
		putUint(&buf, tagAtime, uint64(r.Atime))
	}
	if r.Mtime != 0 {
		putUint(&buf, tagMtime, uint64(r.Mtime))
	}
	if r.Ctime != 0 {
		putUint(&buf, tagCtime, uint64(r.Ctime))
	}
	for _, x := range r.Xattrs {
		var xb bytes.Buffer
		putUvarint(&xb, uint64(len(x.Name)))
		xb.WriteString(x.Name)
		xb.Write(x.Value)
		putBytes(&buf, tagXattr, xb.Bytes())
	}
	if len(r.ACL) > 0 {
		putBytes(&buf, tagACL, r.ACL)
	}
	putUvarint(&buf, tagEnd)
	return buf.Bytes()
}

// Decode parses canonical bytes back into a Record.
func Decode(data []byte) (*Record, error) {
	r := &Record{}
	br := bytes.NewReader(data)
	for {
		tag, err := binary.ReadUvarint(br)
		if err != nil {
			return nil, fmt.Errorf("metadata tag: %w", err)
		}
		if tag == tagEnd {
			return r, nil
		}
		n, err := binary.ReadUvarint(br)
		if err != nil {
			return nil, fmt.Errorf("metadata field length: %w", err)
		}
		field := make([]byte, n)
		if _, err := io.ReadFull(br, field); err != nil {
			return nil, fmt.Errorf("metadata field: %w", err)
		}
		if err := r.setField(tag, field); err != nil {
			return nil, err
		}
	}
}

func (r *Record) setField(tag uint64, field []byte) error {
	uintField := func() (uint64, error) {
		v, n := binary.Uvarint(field)
		if n <= 0 {
			return 0, fmt.Errorf("metadata tag %d: bad uvarint", tag)
		}
		return v, nil
	}
	switch tag {
	case tagMode:
		v, err := uintField()
		if err != nil {
			return err
		}
		r.Mode = uint32(v)
	case tagUID:
		v, err := uintField()
		if err != nil {
			return err
		}
		r.UID = uint32(v)
	case tagGID:
		v, err := uintField()
		if err != nil {
			return err
		}
		r.GID = uint32(v)
	case tagUser:
		r.User = string(field)
	case tagGroup:
		r.Group = string(field)
	case tagRdev:
		v, err := uintField()
		if err != nil {
			return err
		}
		r.Rdev = v
	case tagSymlinkTarget:
		r.SymlinkTarget = string(field)
	case tagAtime:
		v, err := uintField()
		if err != nil {
			return err
		}
		r.Atime = int64(v)
	case tagMtime:
		v, err := uintField()
		if err != nil {
			return err
		}
		r.Mtime = int64(v)
	case tagCtime:
		v, err := uintField()
		if err != nil {
			return err
		}
		r.Ctime = int64(v)
	case tagXattr:
		br := bytes.NewReader(field)
		nameLen, err := binary.ReadUvarint(br)
		if err != nil {
			return fmt.Errorf("metadata xattr name length: %w", err)
		}
		rest := field[len(field)-br.Len():]
		if uint64(len(rest)) < nameLen {
			return fmt.Errorf("metadata xattr truncated")
		}
		r.Xattrs = append(r.Xattrs, Xattr{
			Name:  string(rest[:nameLen]),
			Value: append([]byte(nil), rest[nameLen:]...),
		})
	case tagACL:
		r.ACL = append([]byte(nil), field...)
	default:
		// Unknown tag: skipped by construction.
	}
	return nil
}

// Capture reads the metadata record for path from a stat the caller
// already holds. Name lookups and xattr reads are best-effort: files
// whose owners or attributes cannot be resolved still get a record.
func Capture(path string, st *unix.Stat_t) *Record {
	r := &Record{
		Mode:  st.Mode,
		UID:   st.Uid,
		GID:   st.Gid,
		Atime: st.Atim.Nano(),
		Mtime: st.Mtim.Nano(),
		Ctime: st.Ctim.Nano(),
	}
	if st.Mode&unix.S_IFMT == unix.S_IFBLK || st.Mode&unix.S_IFMT == unix.S_IFCHR {
		r.Rdev = uint64(st.Rdev)
	}
	if u, err := user.LookupId(strconv.FormatUint(uint64(st.Uid), 10)); err == nil {
		r.User = u.Username
	}
	if g, err := user.LookupGroupId(strconv.FormatUint(uint64(st.Gid), 10)); err == nil {
		r.Group = g.Name
	}
	if st.Mode&unix.S_IFMT == unix.S_IFLNK {
		if target, err := os.Readlink(path); err == nil {
			r.SymlinkTarget = target
		}
	}
	captureXattrs(path, r)
	return r
}

// captureXattrs loads extended attributes, splitting the POSIX ACL blob
// into its own field.
func captureXattrs(path string, r *Record) {
	const aclName = "system.posix_acl_access"
	names := make([]byte, 4096)
	n, err := unix.Llistxattr(path, names)
	if err != nil || n == 0 {
		return
	}
	for _, name := range bytes.Split(names[:n], []byte{0}) {
		if len(name) == 0 {
			continue
		}
		val := make([]byte, 4096)
		vn, err := unix.Lgetxattr(path, string(name), val)
		if err != nil {
			continue
		}
		if string(name) == aclName {
			r.ACL = append([]byte(nil), val[:vn]...)
			continue
		}
		r.Xattrs = append(r.Xattrs, Xattr{Name: string(name), Value: append([]byte(nil), val[:vn]...)})
	}
}
