// Package hlinkdb tracks hard-link groups: which paths share one
// (device, inode) node. The indexer keeps it current while walking; the
// save path does not read it.
//
// The database lives in memory during a run and persists to the
// "<index>.hlink" bolt file on CommitSave.
package hlinkdb

import (
	"encoding/binary"
	"fmt"
	"os"
	"sort"

	"go.etcd.io/bbolt"
)

// Buckets
var (
	bucketNodePaths = []byte("node->paths") // dev|ino -> NUL-joined paths
	bucketPathNode  = []byte("path->node")  // path -> dev|ino
)

// nodeKey identifies one filesystem node.
type nodeKey struct {
	dev, ino uint64
}

func (k nodeKey) bytes() []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b[0:], k.dev)
	binary.BigEndian.PutUint64(b[8:], k.ino)
	return b
}

func nodeKeyFromBytes(b []byte) (nodeKey, error) {
	if len(b) != 16 {
		return nodeKey{}, fmt.Errorf("hlinkdb: bad node key length %d", len(b))
	}
	return nodeKey{
		dev: binary.BigEndian.Uint64(b[0:]),
		ino: binary.BigEndian.Uint64(b[8:]),
	}, nil
}

// DB is the in-memory hard-link database bound to one on-disk file.
type DB struct {
	path      string
	nodePaths map[nodeKey]map[string]bool
	pathNode  map[string]nodeKey
}

// Open loads the database at path, or starts empty if the file does not
// exist yet.
func Open(path string) (*DB, error) {
	db := &DB{
		path:      path,
		nodePaths: make(map[nodeKey]map[string]bool),
		pathNode:  make(map[string]nodeKey),
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return db, nil
	}
	bdb, err := bbolt.Open(path, 0o644, &bbolt.Options{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("open hlink db: %w", err)
	}
	defer bdb.Close()
	err = bdb.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPathNode)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			node, err := nodeKeyFromBytes(v)
			if err != nil {
				return err
			}
			db.add(string(k), node)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("load hlink db: %w", err)
	}
	return db, nil
}

func (db *DB) add(path string, node nodeKey) {
	set, ok := db.nodePaths[node]
	if !ok {
		set = make(map[string]bool)
		db.nodePaths[node] = set
	}
	set[path] = true
	db.pathNode[path] = node
}

// AddPath records that path currently lives on (dev, ino). A path
// belongs to at most one node, so any previous membership is dropped
// first.
func (db *DB) AddPath(path string, dev, ino uint64) {
	db.DelPath(path)
	db.add(path, nodeKey{dev: dev, ino: ino})
}

// DelPath forgets a path.
func (db *DB) DelPath(path string) {
	node, ok := db.pathNode[path]
	if !ok {
		return
	}
	delete(db.pathNode, path)
	set := db.nodePaths[node]
	delete(set, path)
	if len(set) == 0 {
		delete(db.nodePaths, node)
	}
}

// NodePaths returns the sorted set of paths sharing (dev, ino).
func (db *DB) NodePaths(dev, ino uint64) []string {
	set := db.nodePaths[nodeKey{dev: dev, ino: ino}]
	if len(set) == 0 {
		return nil
	}
	paths := make([]string, 0, len(set))
	for p := range set {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// CommitSave persists the database, replacing the previous contents in
// one transaction.
func (db *DB) CommitSave() error {
	bdb, err := bbolt.Open(db.path, 0o644, nil)
	if err != nil {
		return fmt.Errorf("open hlink db: %w", err)
	}
	defer bdb.Close()
	return bdb.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketNodePaths, bucketPathNode} {
			if tx.Bucket(name) != nil {
				if err := tx.DeleteBucket(name); err != nil {
					return err
				}
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		nodes := tx.Bucket(bucketNodePaths)
		paths := tx.Bucket(bucketPathNode)
		for node, set := range db.nodePaths {
			var joined []byte
			for _, p := range sortedKeys(set) {
				joined = append(joined, p...)
				joined = append(joined, 0)
			}
			if err := nodes.Put(node.bytes(), joined); err != nil {
				return err
			}
			for p := range set {
				if err := paths.Put([]byte(p), node.bytes()); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
